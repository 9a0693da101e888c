// Package codec defines the contract for converting between wire transports
// and the canonical message model, plus a registry for per-protocol codecs.
package codec

import (
	"fmt"
	"unicode/utf8"

	"github.com/orchix-ai/orchix/internal/domain"
)

// Codec converts between one transport's wire format and canonical messages.
// Decoding is total over well-formed input of the declared transport and
// never silently drops fields; anything unmappable is a DecodeError.
type Codec interface {
	Protocol() domain.Protocol

	DecodeRequest(data []byte) (*domain.CanonicalMessage, error)
	EncodeRequest(msg *domain.CanonicalMessage) ([]byte, error)

	DecodeResponse(data []byte) (*domain.CanonicalMessage, error)
	EncodeResponse(msg *domain.CanonicalMessage) ([]byte, error)

	DecodeStreamChunk(data []byte) (*domain.CanonicalMessage, error)
	EncodeStreamChunk(msg *domain.CanonicalMessage) ([]byte, error)
}

// StreamDecoder is the incremental feed/consume interface for transports
// whose message boundaries may split across network reads (WebSocket, MCP).
// Next returns (nil, nil) when more input is needed.
type StreamDecoder interface {
	Feed(p []byte)
	Next() (*domain.CanonicalMessage, error)
}

// StreamingCodec is implemented by codecs with stateful framing.
type StreamingCodec interface {
	Codec
	NewStreamDecoder() StreamDecoder
}

// Registry holds one codec per protocol. It is populated at startup and
// read-only afterwards.
type Registry struct {
	codecs map[domain.Protocol]Codec
}

// NewRegistry creates an empty codec registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[domain.Protocol]Codec)}
}

// Register adds a codec for its protocol, replacing any previous entry.
func (r *Registry) Register(c Codec) {
	r.codecs[c.Protocol()] = c
}

// Get returns the codec for a protocol.
func (r *Registry) Get(p domain.Protocol) (Codec, error) {
	c, ok := r.codecs[p]
	if !ok {
		return nil, fmt.Errorf("no codec registered for protocol %q", p)
	}
	return c, nil
}

// TextOnly verifies that a payload contains no binary content, for encoding
// into text-only schemas. Returns an EncodeError{Unrepresentable} naming the
// offending path.
func TextOnly(p domain.Payload, proto domain.Protocol) error {
	return textOnlyValue("", map[string]any(p), proto)
}

func textOnlyValue(path string, v any, proto domain.Protocol) error {
	switch node := v.(type) {
	case map[string]any:
		for k, e := range node {
			child := k
			if path != "" {
				child = path + "." + k
			}
			if err := textOnlyValue(child, e, proto); err != nil {
				return err
			}
		}
	case []any:
		for i, e := range node {
			if err := textOnlyValue(fmt.Sprintf("%s.%d", path, i), e, proto); err != nil {
				return err
			}
		}
	case []byte:
		return &domain.EncodeError{
			Kind:     domain.EncodeUnrepresentable,
			Protocol: proto,
			Detail:   "binary content at " + path,
		}
	case string:
		if !utf8.ValidString(node) {
			return &domain.EncodeError{
				Kind:     domain.EncodeUnrepresentable,
				Protocol: proto,
				Detail:   "invalid UTF-8 at " + path,
			}
		}
	}
	return nil
}
