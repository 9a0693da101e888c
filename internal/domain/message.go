// Package domain defines the protocol-neutral message model that every
// other component of the proxy operates on.
package domain

import (
	"fmt"
	"strings"
)

// Kind identifies the role of a canonical message within an exchange.
type Kind string

const (
	KindRequest     Kind = "request"
	KindResponse    Kind = "response"
	KindToolCall    Kind = "tool_call"
	KindToolResult  Kind = "tool_result"
	KindStreamChunk Kind = "stream_chunk"
	KindError       Kind = "error"
)

// Protocol identifies a supported wire transport.
type Protocol string

const (
	ProtocolHTTP      Protocol = "http"
	ProtocolWebSocket Protocol = "websocket"
	ProtocolMCP       Protocol = "mcp"
	ProtocolA2A       Protocol = "a2a"
	ProtocolOpenAPI   Protocol = "openapi"
)

// ParseProtocol converts a configuration string to a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToLower(s)) {
	case ProtocolHTTP:
		return ProtocolHTTP, nil
	case ProtocolWebSocket:
		return ProtocolWebSocket, nil
	case ProtocolMCP:
		return ProtocolMCP, nil
	case ProtocolA2A:
		return ProtocolA2A, nil
	case ProtocolOpenAPI:
		return ProtocolOpenAPI, nil
	}
	return "", fmt.Errorf("unknown protocol: %q", s)
}

// Headers holds message metadata with case-normalized keys.
type Headers map[string]string

// Set stores a header under its lowercased key.
func (h Headers) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Get returns the value for a key, case-insensitively.
func (h Headers) Get(key string) string {
	return h[strings.ToLower(key)]
}

// Clone returns an independent copy of the headers.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// CanonicalMessage is the protocol-neutral unit of exchange. Codecs decode
// wire frames into it, guardrails inspect and transform it, and the mediator
// reshapes it between protocol schemas.
type CanonicalMessage struct {
	Kind           Kind     `json:"kind"`
	Headers        Headers  `json:"headers,omitempty"`
	Payload        Payload  `json:"payload,omitempty"`
	OriginProtocol Protocol `json:"origin_protocol"`
	DestProtocol   Protocol `json:"dest_protocol,omitempty"`

	// CorrelationID groups all messages of one logical exchange. It is
	// assigned once and never rewritten.
	CorrelationID string `json:"correlation_id"`

	// Sequence orders stream chunks within a correlation ID. Zero for
	// non-streamed kinds.
	Sequence uint64 `json:"sequence,omitempty"`

	// Terminal marks the final chunk of a streamed response.
	Terminal bool `json:"terminal,omitempty"`

	// LossyFields lists origin field paths the mediator could not represent
	// in the destination schema.
	LossyFields []string `json:"lossy_fields,omitempty"`
}

// Clone returns a deep copy of the message. Guardrail transforms operate on
// clones so an upstream stage never observes a downstream mutation.
func (m *CanonicalMessage) Clone() *CanonicalMessage {
	if m == nil {
		return nil
	}
	out := *m
	out.Headers = m.Headers.Clone()
	out.Payload = m.Payload.Clone()
	if m.LossyFields != nil {
		out.LossyFields = append([]string(nil), m.LossyFields...)
	}
	return &out
}

// Text returns the textual content of the message payload, if any. Stream
// chunks carry their delta under "content".
func (m *CanonicalMessage) Text() string {
	if m.Payload == nil {
		return ""
	}
	if s, ok := m.Payload.GetString("content"); ok {
		return s
	}
	if s, ok := m.Payload.GetString("text"); ok {
		return s
	}
	return ""
}

// ToolName returns the declared tool name for tool-call messages. It accepts
// the shapes used by the supported protocols: top-level "tool" or "name", or
// nested "function.name".
func (m *CanonicalMessage) ToolName() string {
	if m.Payload == nil {
		return ""
	}
	for _, path := range []string{"tool", "name", "function.name"} {
		if s, ok := m.Payload.GetString(path); ok && s != "" {
			return s
		}
	}
	return ""
}
