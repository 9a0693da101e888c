// Package httpx provides the codec for plain HTTP request/response bodies.
// The frame is the JSON body; transport headers are attached by the ingress
// handler, which owns the http.Request.
package httpx

import (
	"bytes"
	"encoding/json"

	"github.com/orchix-ai/orchix/internal/domain"
)

// terminalMarker is the SSE sentinel closing a streamed response.
const terminalMarker = "[DONE]"

type Codec struct{}

func New() *Codec {
	return &Codec{}
}

func (c *Codec) Protocol() domain.Protocol {
	return domain.ProtocolHTTP
}

func (c *Codec) DecodeRequest(data []byte) (*domain.CanonicalMessage, error) {
	payload, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	return &domain.CanonicalMessage{
		Kind:           domain.KindRequest,
		Headers:        domain.Headers{},
		Payload:        payload,
		OriginProtocol: domain.ProtocolHTTP,
	}, nil
}

func (c *Codec) EncodeRequest(msg *domain.CanonicalMessage) ([]byte, error) {
	return encodeObject(msg.Payload)
}

func (c *Codec) DecodeResponse(data []byte) (*domain.CanonicalMessage, error) {
	payload, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	return &domain.CanonicalMessage{
		Kind:           domain.KindResponse,
		Headers:        domain.Headers{},
		Payload:        payload,
		OriginProtocol: domain.ProtocolHTTP,
	}, nil
}

func (c *Codec) EncodeResponse(msg *domain.CanonicalMessage) ([]byte, error) {
	return encodeObject(msg.Payload)
}

// DecodeStreamChunk decodes one SSE data payload. The "[DONE]" sentinel maps
// to a terminal chunk with an empty payload.
func (c *Codec) DecodeStreamChunk(data []byte) (*domain.CanonicalMessage, error) {
	if bytes.Equal(bytes.TrimSpace(data), []byte(terminalMarker)) {
		return &domain.CanonicalMessage{
			Kind:           domain.KindStreamChunk,
			Headers:        domain.Headers{},
			OriginProtocol: domain.ProtocolHTTP,
			Terminal:       true,
		}, nil
	}
	payload, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	return &domain.CanonicalMessage{
		Kind:           domain.KindStreamChunk,
		Headers:        domain.Headers{},
		Payload:        payload,
		OriginProtocol: domain.ProtocolHTTP,
	}, nil
}

func (c *Codec) EncodeStreamChunk(msg *domain.CanonicalMessage) ([]byte, error) {
	if msg.Terminal && len(msg.Payload) == 0 {
		return []byte(terminalMarker), nil
	}
	return encodeObject(msg.Payload)
}

func decodeObject(data []byte) (domain.Payload, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, &domain.DecodeError{
			Kind:     domain.DecodeMalformedFraming,
			Protocol: domain.ProtocolHTTP,
			Err:      err,
		}
	}
	return domain.Payload(obj), nil
}

func encodeObject(p domain.Payload) ([]byte, error) {
	if p == nil {
		p = domain.Payload{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, &domain.EncodeError{
			Kind:     domain.EncodeUnrepresentable,
			Protocol: domain.ProtocolHTTP,
			Detail:   err.Error(),
		}
	}
	return data, nil
}
