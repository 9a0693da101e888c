package guardrail

import (
	"context"
	"strings"

	"github.com/orchix-ai/orchix/internal/domain"
)

// Decision is the verdict of the external auth collaborator.
type Decision struct {
	Allow  bool
	Reason string
}

// Authorizer is the externally supplied policy decision function. The proxy
// invokes it once per Request-stage guardrail pass and acts on its verdict;
// it makes no authorization decisions of its own.
type Authorizer interface {
	Authorize(ctx context.Context, msg *domain.CanonicalMessage) Decision
}

// Authz adapts an Authorizer into a Request-stage interceptor.
type Authz struct {
	authorizer Authorizer
}

func NewAuthz(authorizer Authorizer) *Authz {
	return &Authz{authorizer: authorizer}
}

func (a *Authz) Name() string { return "authz" }

func (a *Authz) Intercept(ctx context.Context, stage Stage, msg *domain.CanonicalMessage) Outcome {
	if stage != StageRequest {
		return Passthrough(msg)
	}
	decision := a.authorizer.Authorize(ctx, msg)
	if !decision.Allow {
		reason := decision.Reason
		if reason == "" {
			reason = "unauthorized"
		}
		return Blocked(a.Name(), reason)
	}
	return Passthrough(msg)
}

// APIKeyAuthorizer checks the bearer token in the authorization header
// against a static key set. An empty set allows everything (development
// mode).
type APIKeyAuthorizer struct {
	keys map[string]struct{}
}

func NewAPIKeyAuthorizer(keys []string) *APIKeyAuthorizer {
	a := &APIKeyAuthorizer{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		a.keys[k] = struct{}{}
	}
	return a
}

func (a *APIKeyAuthorizer) Authorize(_ context.Context, msg *domain.CanonicalMessage) Decision {
	if len(a.keys) == 0 {
		return Decision{Allow: true}
	}
	header := msg.Headers.Get("authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return Decision{Reason: "missing or invalid authorization header"}
	}
	key := strings.TrimPrefix(header, "Bearer ")
	if _, ok := a.keys[key]; !ok {
		return Decision{Reason: "invalid api key"}
	}
	return Decision{Allow: true}
}

var _ Interceptor = (*Authz)(nil)
var _ Authorizer = (*APIKeyAuthorizer)(nil)
