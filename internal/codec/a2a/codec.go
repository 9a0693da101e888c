// Package a2a provides the codec for the agent-to-agent message envelope.
package a2a

import (
	"encoding/json"
	"fmt"

	"github.com/orchix-ai/orchix/internal/codec"
	"github.com/orchix-ai/orchix/internal/domain"
)

const (
	headerMessageID = "a2a-message-id"
	headerTaskID    = "a2a-task-id"
)

type envelope struct {
	Version   string         `json:"a2a"`
	MessageID string         `json:"message_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Role      string         `json:"role"`
	Parts     []part         `json:"parts"`
	Final     bool           `json:"final,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type part struct {
	Type string         `json:"type"`
	Text string         `json:"text,omitempty"`
	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`
}

type Codec struct {
	version string
}

// New creates an A2A codec accepting envelopes of the given version.
func New(version string) *Codec {
	return &Codec{version: version}
}

func (c *Codec) Protocol() domain.Protocol {
	return domain.ProtocolA2A
}

func (c *Codec) DecodeRequest(data []byte) (*domain.CanonicalMessage, error) {
	return c.decode(data, domain.KindRequest)
}

func (c *Codec) DecodeResponse(data []byte) (*domain.CanonicalMessage, error) {
	return c.decode(data, domain.KindResponse)
}

func (c *Codec) DecodeStreamChunk(data []byte) (*domain.CanonicalMessage, error) {
	msg, err := c.decode(data, domain.KindStreamChunk)
	if err != nil {
		return nil, err
	}
	msg.Kind = domain.KindStreamChunk
	return msg, nil
}

func (c *Codec) decode(data []byte, kind domain.Kind) (*domain.CanonicalMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &domain.DecodeError{
			Kind:     domain.DecodeMalformedFraming,
			Protocol: domain.ProtocolA2A,
			Err:      err,
		}
	}
	if env.Version != c.version {
		return nil, &domain.DecodeError{
			Kind:     domain.DecodeUnsupportedVersion,
			Protocol: domain.ProtocolA2A,
			Detail:   fmt.Sprintf("a2a %q, want %q", env.Version, c.version),
		}
	}
	if env.Role == "" || len(env.Parts) == 0 {
		return nil, &domain.DecodeError{
			Kind:     domain.DecodeSchemaMismatch,
			Protocol: domain.ProtocolA2A,
			Detail:   "envelope missing role or parts",
		}
	}

	headers := domain.Headers{}
	if env.MessageID != "" {
		headers.Set(headerMessageID, env.MessageID)
	}
	if env.TaskID != "" {
		headers.Set(headerTaskID, env.TaskID)
	}

	parts := make([]any, len(env.Parts))
	toolCall := false
	for i, p := range env.Parts {
		entry := map[string]any{"type": p.Type}
		switch p.Type {
		case "text":
			entry["text"] = p.Text
		case "tool_call":
			entry["tool"] = p.Tool
			entry["args"] = p.Args
			toolCall = true
		default:
			return nil, &domain.DecodeError{
				Kind:     domain.DecodeSchemaMismatch,
				Protocol: domain.ProtocolA2A,
				Detail:   fmt.Sprintf("unknown part type %q", p.Type),
			}
		}
		parts[i] = entry
	}

	payload := domain.Payload{
		"role":  env.Role,
		"parts": parts,
	}
	if env.Metadata != nil {
		payload["metadata"] = env.Metadata
	}

	if toolCall {
		kind = domain.KindToolCall
	}

	return &domain.CanonicalMessage{
		Kind:           kind,
		Headers:        headers,
		Payload:        payload,
		OriginProtocol: domain.ProtocolA2A,
		CorrelationID:  env.TaskID,
		Terminal:       env.Final,
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
	if err := codec.TextOnly(msg.Payload, domain.ProtocolA2A); err != nil {
		return nil, err
	}

	role, _ := msg.Payload.GetString("role")
	if role == "" {
		switch msg.Kind {
		case domain.KindRequest:
			role = "user"
		default:
			role = "agent"
		}
	}

	env := envelope{
		Version:   c.version,
		MessageID: msg.Headers.Get(headerMessageID),
		TaskID:    msg.Headers.Get(headerTaskID),
		Role:      role,
		Final:     msg.Terminal,
	}
	if env.TaskID == "" {
		env.TaskID = msg.CorrelationID
	}

	if raw, ok := msg.Payload.Get("parts"); ok {
		list, ok := raw.([]any)
		if !ok {
			return nil, &domain.EncodeError{
				Kind:     domain.EncodeUnrepresentable,
				Protocol: domain.ProtocolA2A,
				Detail:   "parts is not an array",
			}
		}
		for _, e := range list {
			obj, ok := e.(map[string]any)
			if !ok {
				return nil, &domain.EncodeError{
					Kind:     domain.EncodeUnrepresentable,
					Protocol: domain.ProtocolA2A,
					Detail:   "part is not an object",
				}
			}
			p := part{}
			p.Type, _ = obj["type"].(string)
			p.Text, _ = obj["text"].(string)
			p.Tool, _ = obj["tool"].(string)
			p.Args, _ = obj["args"].(map[string]any)
			env.Parts = append(env.Parts, p)
		}
	} else {
		// No explicit parts: synthesize them. A tool-call message always
		// gets its tool_call part, even when the payload also carries text.
		if text := msg.Text(); text != "" {
			env.Parts = append(env.Parts, part{Type: "text", Text: text})
		}
		if msg.Kind == domain.KindToolCall {
			args, _ := msg.Payload.Get("arguments")
			argMap, _ := args.(map[string]any)
			env.Parts = append(env.Parts, part{Type: "tool_call", Tool: msg.ToolName(), Args: argMap})
		} else if len(env.Parts) == 0 {
			env.Parts = []part{{Type: "text", Text: ""}}
		}
	}

	if md, ok := msg.Payload.Get("metadata"); ok {
		if m, ok := md.(map[string]any); ok {
			env.Metadata = m
		}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, &domain.EncodeError{
			Kind:     domain.EncodeUnrepresentable,
			Protocol: domain.ProtocolA2A,
			Detail:   err.Error(),
		}
	}
	return data, nil
}
