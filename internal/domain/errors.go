package domain

import "fmt"

// DecodeErrorKind classifies codec decode failures.
type DecodeErrorKind string

const (
	DecodeMalformedFraming   DecodeErrorKind = "malformed_framing"
	DecodeUnsupportedVersion DecodeErrorKind = "unsupported_version"
	DecodeSchemaMismatch     DecodeErrorKind = "schema_mismatch"
)

// DecodeError reports a failure to decode a wire frame into a canonical
// message. Decoding never silently drops fields; anything it cannot map is
// an error.
type DecodeError struct {
	Kind     DecodeErrorKind
	Protocol Protocol
	Detail   string
	Err      error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decode %s: %s", e.Protocol, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeErrorKind classifies codec encode failures.
type EncodeErrorKind string

const (
	// EncodeUnrepresentable means the canonical payload cannot be expressed
	// in the target transport (e.g. binary content over a text-only schema).
	EncodeUnrepresentable EncodeErrorKind = "unrepresentable"
)

// EncodeError reports a failure to encode a canonical message for a
// destination transport.
type EncodeError struct {
	Kind     EncodeErrorKind
	Protocol Protocol
	Detail   string
}

func (e *EncodeError) Error() string {
	msg := fmt.Sprintf("encode %s: %s", e.Protocol, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// RouteErrorKind classifies routing failures.
type RouteErrorKind string

const (
	RouteNoRoute RouteErrorKind = "no_route"
)

// RouteError reports that no rule matched and no default backend was
// configured. The engine surfaces it as a caller-visible rejection; it is
// never retried.
type RouteError struct {
	Kind   RouteErrorKind
	Detail string
}

func (e *RouteError) Error() string {
	msg := fmt.Sprintf("route: %s", e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// StreamErrorKind classifies streaming session failures.
type StreamErrorKind string

const (
	StreamTimeout            StreamErrorKind = "timeout"
	StreamTruncatedToolCall  StreamErrorKind = "truncated_tool_call"
	StreamOutOfOrderOverflow StreamErrorKind = "out_of_order_overflow"
)

// StreamError reports a streaming session fault. Buffered unguarded content
// is always discarded when one of these is raised, never forwarded.
type StreamError struct {
	Kind          StreamErrorKind
	CorrelationID string
	Detail        string
}

func (e *StreamError) Error() string {
	msg := fmt.Sprintf("stream %s: %s", e.CorrelationID, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// MediationErrorKind classifies cross-protocol translation failures.
type MediationErrorKind string

const (
	MediationMissingRequiredField MediationErrorKind = "missing_required_field"
	MediationUnrepresentable      MediationErrorKind = "unrepresentable"
)

// MediationError reports that a canonical message could not be translated to
// the destination protocol schema.
type MediationError struct {
	Kind   MediationErrorKind
	Origin Protocol
	Dest   Protocol
	Field  string
}

func (e *MediationError) Error() string {
	msg := fmt.Sprintf("mediate %s->%s: %s", e.Origin, e.Dest, e.Kind)
	if e.Field != "" {
		msg += ": " + e.Field
	}
	return msg
}

// DispatchErrorKind classifies backend dispatch failures.
type DispatchErrorKind string

const (
	DispatchConnectionFailed DispatchErrorKind = "connection_failed"
	DispatchBackendTimeout   DispatchErrorKind = "backend_timeout"
)

// DispatchError reports a failure to reach or hear back from a routed
// backend. Idempotent requests are retried once; tool-call dispatches never.
type DispatchError struct {
	Kind    DispatchErrorKind
	Backend string
	Err     error
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("dispatch %s: %s", e.Backend, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DispatchError) Unwrap() error { return e.Err }
