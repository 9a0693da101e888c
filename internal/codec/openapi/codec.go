// Package openapi provides the codec for OpenAPI-style tool-call schemas.
// The schema is text-only; binary payloads are unrepresentable.
package openapi

import (
	"encoding/json"

	"github.com/orchix-ai/orchix/internal/codec"
	"github.com/orchix-ai/orchix/internal/domain"
)

type toolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	// Positional holds positional arguments for operations declared without
	// named parameters.
	Positional []any `json:"positional,omitempty"`
}

type toolResult struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type Codec struct{}

func New() *Codec {
	return &Codec{}
}

func (c *Codec) Protocol() domain.Protocol {
	return domain.ProtocolOpenAPI
}

// DecodeRequest decodes an OpenAPI tool invocation. The frame must carry a
// tool name; arguments may be named, positional, or absent.
func (c *Codec) DecodeRequest(data []byte) (*domain.CanonicalMessage, error) {
	var call toolCall
	if err := json.Unmarshal(data, &call); err != nil {
		return nil, &domain.DecodeError{
			Kind:     domain.DecodeMalformedFraming,
			Protocol: domain.ProtocolOpenAPI,
			Err:      err,
		}
	}
	if call.Name == "" {
		return nil, &domain.DecodeError{
			Kind:     domain.DecodeSchemaMismatch,
			Protocol: domain.ProtocolOpenAPI,
			Detail:   "tool call missing name",
		}
	}

	payload := domain.Payload{"name": call.Name}
	if call.Arguments != nil {
		payload["arguments"] = call.Arguments
	}
	if call.Positional != nil {
		payload["positional"] = call.Positional
	}

	return &domain.CanonicalMessage{
		Kind:           domain.KindToolCall,
		Headers:        domain.Headers{},
		Payload:        payload,
		OriginProtocol: domain.ProtocolOpenAPI,
	}, nil
}

func (c *Codec) EncodeRequest(msg *domain.CanonicalMessage) ([]byte, error) {
	if err := codec.TextOnly(msg.Payload, domain.ProtocolOpenAPI); err != nil {
		return nil, err
	}

	call := toolCall{Name: msg.ToolName()}
	if call.Name == "" {
		return nil, &domain.EncodeError{
			Kind:     domain.EncodeUnrepresentable,
			Protocol: domain.ProtocolOpenAPI,
			Detail:   "message has no tool name",
		}
	}
	if v, ok := msg.Payload.Get("arguments"); ok {
		if m, ok := v.(map[string]any); ok {
			call.Arguments = m
		}
	}
	if v, ok := msg.Payload.Get("positional"); ok {
		if l, ok := v.([]any); ok {
			call.Positional = l
		}
	}
	return marshal(call)
}

func (c *Codec) DecodeResponse(data []byte) (*domain.CanonicalMessage, error) {
	var res toolResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, &domain.DecodeError{
			Kind:     domain.DecodeMalformedFraming,
			Protocol: domain.ProtocolOpenAPI,
			Err:      err,
		}
	}

	if res.Error != "" {
		return &domain.CanonicalMessage{
			Kind:           domain.KindError,
			Headers:        domain.Headers{},
			Payload:        domain.Payload{"message": res.Error},
			OriginProtocol: domain.ProtocolOpenAPI,
		}, nil
	}

	return &domain.CanonicalMessage{
		Kind:           domain.KindToolResult,
		Headers:        domain.Headers{},
		Payload:        domain.Payload{"result": res.Result},
		OriginProtocol: domain.ProtocolOpenAPI,
	}, nil
}

func (c *Codec) EncodeResponse(msg *domain.CanonicalMessage) ([]byte, error) {
	if err := codec.TextOnly(msg.Payload, domain.ProtocolOpenAPI); err != nil {
		return nil, err
	}

	if msg.Kind == domain.KindError {
		message, _ := msg.Payload.GetString("message")
		return marshal(toolResult{Error: message})
	}

	res := toolResult{}
	if v, ok := msg.Payload.Get("result"); ok {
		res.Result = v
	} else {
		res.Result = map[string]any(msg.Payload)
	}
	return marshal(res)
}

// DecodeStreamChunk: OpenAPI tool responses are not streamed; a chunk frame
// is a complete result marked terminal.
func (c *Codec) DecodeStreamChunk(data []byte) (*domain.CanonicalMessage, error) {
	msg, err := c.DecodeResponse(data)
	if err != nil {
		return nil, err
	}
	msg.Kind = domain.KindStreamChunk
	msg.Terminal = true
	return msg, nil
}

func (c *Codec) EncodeStreamChunk(msg *domain.CanonicalMessage) ([]byte, error) {
	return c.EncodeResponse(msg)
}

func marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &domain.EncodeError{
			Kind:     domain.EncodeUnrepresentable,
			Protocol: domain.ProtocolOpenAPI,
			Detail:   err.Error(),
		}
	}
	return data, nil
}
