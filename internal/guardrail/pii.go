package guardrail

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/orchix-ai/orchix/internal/domain"
)

// maskPattern recognizes already-masked tokens so masking never re-masks its
// own output. categoryPattern restricts category names to the token charset;
// a category the token scanner cannot recognize would break idempotence.
var (
	maskPattern     = regexp.MustCompile(`\[MASKED:[a-z0-9_]+:[0-9a-f]{8}\]`)
	categoryPattern = regexp.MustCompile(`^[a-z0-9_]+$`)
)

type piiRule struct {
	category string
	re       *regexp.Regexp
}

var builtinPIIRules = []piiRule{
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
	{"card", regexp.MustCompile(`\b(?:\d{4}[ -]){3}\d{4}\b`)},
	{"phone", regexp.MustCompile(`\b\+?\d{1,3}[ -]?\(?\d{3}\)?[ -]?\d{3}[ -]?\d{4}\b`)},
}

// PIIMasker rewrites payload string fields matching sensitive patterns with
// deterministic masking tokens. Masking is idempotent: the token format is
// self-identifying and never matched by the rules themselves.
type PIIMasker struct {
	rules []piiRule
}

// NewPIIMasker creates a masker with the built-in rules plus any extras,
// given as "category=pattern" pairs.
func NewPIIMasker(extraPatterns []string) (*PIIMasker, error) {
	rules := append([]piiRule(nil), builtinPIIRules...)
	for _, spec := range extraPatterns {
		category, pattern, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("invalid pii pattern %q, want category=pattern", spec)
		}
		if !categoryPattern.MatchString(category) {
			return nil, fmt.Errorf("invalid pii category %q, want [a-z0-9_]+", category)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile pii pattern %q: %w", category, err)
		}
		rules = append(rules, piiRule{category: category, re: re})
	}
	return &PIIMasker{rules: rules}, nil
}

func (m *PIIMasker) Name() string { return "pii" }

// Intercept masks every string leaf of the payload. The message is cloned
// before rewriting so upstream stages never observe the transform.
func (m *PIIMasker) Intercept(_ context.Context, _ Stage, msg *domain.CanonicalMessage) Outcome {
	if msg.Payload == nil {
		return Passthrough(msg)
	}

	changed := false
	out := msg.Clone()
	maskValue(map[string]any(out.Payload), m.rules, &changed)
	if !changed {
		return Passthrough(msg)
	}
	return Passthrough(out)
}

// Mask rewrites a single string. Exposed for the masking idempotence tests.
func (m *PIIMasker) Mask(s string) string {
	return maskString(s, m.rules, new(bool))
}

func maskValue(v any, rules []piiRule, changed *bool) {
	switch node := v.(type) {
	case map[string]any:
		for k, e := range node {
			if s, ok := e.(string); ok {
				node[k] = maskString(s, rules, changed)
			} else {
				maskValue(e, rules, changed)
			}
		}
	case []any:
		for i, e := range node {
			if s, ok := e.(string); ok {
				node[i] = maskString(s, rules, changed)
			} else {
				maskValue(e, rules, changed)
			}
		}
	}
}

// maskString rewrites matches outside of existing mask tokens. Splitting on
// tokens first keeps user-supplied patterns from re-masking masked content.
func maskString(s string, rules []piiRule, changed *bool) string {
	locs := maskPattern.FindAllStringIndex(s, -1)
	if locs == nil {
		return maskSegment(s, rules, changed)
	}
	var b strings.Builder
	prev := 0
	for _, loc := range locs {
		b.WriteString(maskSegment(s[prev:loc[0]], rules, changed))
		b.WriteString(s[loc[0]:loc[1]])
		prev = loc[1]
	}
	b.WriteString(maskSegment(s[prev:], rules, changed))
	return b.String()
}

func maskSegment(s string, rules []piiRule, changed *bool) string {
	for _, rule := range rules {
		s = rule.re.ReplaceAllStringFunc(s, func(match string) string {
			*changed = true
			return maskToken(rule.category, match)
		})
	}
	return s
}

// maskToken derives a deterministic token from the original value, so the
// same input always masks to the same output.
func maskToken(category, value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("[MASKED:%s:%s]", category, hex.EncodeToString(sum[:4]))
}

var _ Interceptor = (*PIIMasker)(nil)
