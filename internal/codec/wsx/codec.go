// Package wsx provides the codec for WebSocket transport. Frames carry a
// JSON envelope mirroring the canonical model; the stream decoder reassembles
// envelopes that fragment across reads.
package wsx

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/orchix-ai/orchix/internal/codec"
	"github.com/orchix-ai/orchix/internal/domain"
)

type envelope struct {
	Kind          string            `json:"kind"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Sequence      uint64            `json:"sequence,omitempty"`
	Terminal      bool              `json:"terminal,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       map[string]any    `json:"payload,omitempty"`
}

type Codec struct {
	maxMessageBytes int
}

func New(maxMessageBytes int) *Codec {
	if maxMessageBytes <= 0 {
		maxMessageBytes = 1 << 20
	}
	return &Codec{maxMessageBytes: maxMessageBytes}
}

func (c *Codec) Protocol() domain.Protocol {
	return domain.ProtocolWebSocket
}

func (c *Codec) DecodeRequest(data []byte) (*domain.CanonicalMessage, error) {
	return c.decode(data)
}

func (c *Codec) DecodeResponse(data []byte) (*domain.CanonicalMessage, error) {
	return c.decode(data)
}

func (c *Codec) DecodeStreamChunk(data []byte) (*domain.CanonicalMessage, error) {
	return c.decode(data)
}

func (c *Codec) decode(data []byte) (*domain.CanonicalMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &domain.DecodeError{
			Kind:     domain.DecodeMalformedFraming,
			Protocol: domain.ProtocolWebSocket,
			Err:      err,
		}
	}
	kind, err := parseKind(env.Kind)
	if err != nil {
		return nil, err
	}

	headers := domain.Headers{}
	for k, v := range env.Headers {
		headers.Set(k, v)
	}

	return &domain.CanonicalMessage{
		Kind:           kind,
		Headers:        headers,
		Payload:        domain.Payload(env.Payload),
		OriginProtocol: domain.ProtocolWebSocket,
		CorrelationID:  env.CorrelationID,
		Sequence:       env.Sequence,
		Terminal:       env.Terminal,
	}, nil
}

func (c *Codec) EncodeRequest(msg *domain.CanonicalMessage) ([]byte, error) {
	return c.encode(msg)
}

func (c *Codec) EncodeResponse(msg *domain.CanonicalMessage) ([]byte, error) {
	return c.encode(msg)
}

func (c *Codec) EncodeStreamChunk(msg *domain.CanonicalMessage) ([]byte, error) {
	return c.encode(msg)
}

func (c *Codec) encode(msg *domain.CanonicalMessage) ([]byte, error) {
	env := envelope{
		Kind:          string(msg.Kind),
		CorrelationID: msg.CorrelationID,
		Sequence:      msg.Sequence,
		Terminal:      msg.Terminal,
		Headers:       msg.Headers,
		Payload:       msg.Payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, &domain.EncodeError{
			Kind:     domain.EncodeUnrepresentable,
			Protocol: domain.ProtocolWebSocket,
			Detail:   err.Error(),
		}
	}
	return data, nil
}

func parseKind(s string) (domain.Kind, error) {
	switch domain.Kind(s) {
	case domain.KindRequest, domain.KindResponse, domain.KindToolCall,
		domain.KindToolResult, domain.KindStreamChunk, domain.KindError:
		return domain.Kind(s), nil
	}
	return "", &domain.DecodeError{
		Kind:     domain.DecodeSchemaMismatch,
		Protocol: domain.ProtocolWebSocket,
		Detail:   fmt.Sprintf("unknown kind %q", s),
	}
}

// NewStreamDecoder returns an incremental decoder that extracts complete
// JSON envelopes from a byte stream, tolerating envelopes that split across
// reads.
func (c *Codec) NewStreamDecoder() codec.StreamDecoder {
	return &streamDecoder{codec: c}
}

type streamDecoder struct {
	codec *Codec
	buf   bytes.Buffer
}

func (d *streamDecoder) Feed(p []byte) {
	d.buf.Write(p)
}

func (d *streamDecoder) Next() (*domain.CanonicalMessage, error) {
	raw := bytes.TrimLeft(d.buf.Bytes(), " \t\r\n")
	if len(raw) == 0 {
		d.buf.Reset()
		return nil, nil
	}

	end, complete, err := scanObject(raw)
	if err != nil {
		return nil, &domain.DecodeError{
			Kind:     domain.DecodeMalformedFraming,
			Protocol: domain.ProtocolWebSocket,
			Err:      err,
		}
	}
	if !complete {
		if len(raw) > d.codec.maxMessageBytes {
			return nil, &domain.DecodeError{
				Kind:     domain.DecodeMalformedFraming,
				Protocol: domain.ProtocolWebSocket,
				Detail:   fmt.Sprintf("message exceeds %d bytes", d.codec.maxMessageBytes),
			}
		}
		// Compact the buffer so trimmed whitespace is not re-scanned.
		rest := append([]byte(nil), raw...)
		d.buf.Reset()
		d.buf.Write(rest)
		return nil, nil
	}

	frame := raw[:end]
	rest := append([]byte(nil), raw[end:]...)
	d.buf.Reset()
	d.buf.Write(rest)
	return d.codec.decode(frame)
}

// scanObject finds the end offset of the first complete JSON object in raw,
// tracking brace depth outside of strings.
func scanObject(raw []byte) (end int, complete bool, err error) {
	if raw[0] != '{' {
		return 0, false, fmt.Errorf("frame does not start with '{'")
	}
	depth := 0
	inString := false
	escaped := false
	for i, b := range raw {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true, nil
			}
		}
	}
	return 0, false, nil
}

var _ codec.StreamingCodec = (*Codec)(nil)
