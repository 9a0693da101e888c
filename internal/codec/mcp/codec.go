// Package mcp provides the codec for the MCP JSON-RPC 2.0 envelope. Frames
// are newline-delimited JSON objects; the stream decoder tolerates message
// boundaries splitting across network reads.
package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/orchix-ai/orchix/internal/codec"
	"github.com/orchix-ai/orchix/internal/domain"
)

const jsonrpcVersion = "2.0"

// Envelope header keys carrying JSON-RPC fields through the canonical model
// so encode can reconstruct the wire frame losslessly.
const (
	headerMethod  = "mcp-method"
	headerID      = "mcp-id"
	headerVersion = "mcp-protocol-version"
)

type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  map[string]any  `json:"params,omitempty"`
	Result  map[string]any  `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type Codec struct {
	protocolVersion string
	maxFrameBytes   int
}

// New creates an MCP codec accepting the given protocol version. Initialize
// requests declaring another version are rejected with UnsupportedVersion.
func New(protocolVersion string, maxFrameBytes int) *Codec {
	if maxFrameBytes <= 0 {
		maxFrameBytes = 4 << 20
	}
	return &Codec{protocolVersion: protocolVersion, maxFrameBytes: maxFrameBytes}
}

func (c *Codec) Protocol() domain.Protocol {
	return domain.ProtocolMCP
}

func (c *Codec) DecodeRequest(data []byte) (*domain.CanonicalMessage, error) {
	return c.decode(data)
}

func (c *Codec) DecodeResponse(data []byte) (*domain.CanonicalMessage, error) {
	return c.decode(data)
}

func (c *Codec) DecodeStreamChunk(data []byte) (*domain.CanonicalMessage, error) {
	msg, err := c.decode(data)
	if err != nil {
		return nil, err
	}
	// Notifications carry stream deltas; a response frame ends the stream.
	if msg.Kind == domain.KindToolResult || msg.Kind == domain.KindResponse {
		msg.Terminal = true
	}
	msg.Kind = domain.KindStreamChunk
	return msg, nil
}

func (c *Codec) decode(data []byte) (*domain.CanonicalMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &domain.DecodeError{
			Kind:     domain.DecodeMalformedFraming,
			Protocol: domain.ProtocolMCP,
			Err:      err,
		}
	}
	if env.JSONRPC != jsonrpcVersion {
		return nil, &domain.DecodeError{
			Kind:     domain.DecodeUnsupportedVersion,
			Protocol: domain.ProtocolMCP,
			Detail:   fmt.Sprintf("jsonrpc %q", env.JSONRPC),
		}
	}

	headers := domain.Headers{}
	if len(env.ID) > 0 {
		headers.Set(headerID, string(env.ID))
	}

	switch {
	case env.Method != "":
		headers.Set(headerMethod, env.Method)
		params := domain.Payload(env.Params)
		if env.Method == "initialize" {
			if v, ok := params.GetString("protocolVersion"); ok && v != c.protocolVersion {
				return nil, &domain.DecodeError{
					Kind:     domain.DecodeUnsupportedVersion,
					Protocol: domain.ProtocolMCP,
					Detail:   fmt.Sprintf("protocolVersion %q, want %q", v, c.protocolVersion),
				}
			}
		}
		kind := domain.KindRequest
		if env.Method == "tools/call" {
			kind = domain.KindToolCall
		}
		return &domain.CanonicalMessage{
			Kind:           kind,
			Headers:        headers,
			Payload:        params,
			OriginProtocol: domain.ProtocolMCP,
		}, nil

	case env.Result != nil:
		return &domain.CanonicalMessage{
			Kind:           domain.KindToolResult,
			Headers:        headers,
			Payload:        domain.Payload(env.Result),
			OriginProtocol: domain.ProtocolMCP,
		}, nil

	case env.Error != nil:
		return &domain.CanonicalMessage{
			Kind:    domain.KindError,
			Headers: headers,
			Payload: domain.Payload{
				"code":    float64(env.Error.Code),
				"message": env.Error.Message,
			},
			OriginProtocol: domain.ProtocolMCP,
		}, nil
	}

	return nil, &domain.DecodeError{
		Kind:     domain.DecodeSchemaMismatch,
		Protocol: domain.ProtocolMCP,
		Detail:   "frame has no method, result, or error",
	}
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
	if err := codec.TextOnly(msg.Payload, domain.ProtocolMCP); err != nil {
		return nil, err
	}

	env := envelope{JSONRPC: jsonrpcVersion}
	if id := msg.Headers.Get(headerID); id != "" {
		env.ID = json.RawMessage(id)
	}

	switch msg.Kind {
	case domain.KindRequest, domain.KindToolCall, domain.KindStreamChunk:
		env.Method = msg.Headers.Get(headerMethod)
		if env.Method == "" {
			if msg.Kind == domain.KindToolCall {
				env.Method = "tools/call"
			} else {
				return nil, &domain.EncodeError{
					Kind:     domain.EncodeUnrepresentable,
					Protocol: domain.ProtocolMCP,
					Detail:   "request without method",
				}
			}
		}
		env.Params = msg.Payload
	case domain.KindResponse, domain.KindToolResult:
		env.Result = msg.Payload
		if env.Result == nil {
			env.Result = map[string]any{}
		}
	case domain.KindError:
		code := -32000
		if v, ok := msg.Payload.Get("code"); ok {
			if f, ok := v.(float64); ok {
				code = int(f)
			}
		}
		message, _ := msg.Payload.GetString("message")
		env.Error = &rpcError{Code: code, Message: message}
	default:
		return nil, &domain.EncodeError{
			Kind:     domain.EncodeUnrepresentable,
			Protocol: domain.ProtocolMCP,
			Detail:   fmt.Sprintf("kind %q has no MCP frame", msg.Kind),
		}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, &domain.EncodeError{
			Kind:     domain.EncodeUnrepresentable,
			Protocol: domain.ProtocolMCP,
			Detail:   err.Error(),
		}
	}
	return data, nil
}

// NewStreamDecoder returns an incremental decoder over newline-delimited
// frames.
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

// Next returns the next complete frame, or (nil, nil) when the buffer holds
// only a partial frame.
func (d *streamDecoder) Next() (*domain.CanonicalMessage, error) {
	for {
		raw := d.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			if d.buf.Len() > d.codec.maxFrameBytes {
				return nil, &domain.DecodeError{
					Kind:     domain.DecodeMalformedFraming,
					Protocol: domain.ProtocolMCP,
					Detail:   fmt.Sprintf("frame exceeds %d bytes", d.codec.maxFrameBytes),
				}
			}
			return nil, nil
		}
		line := bytes.TrimSpace(raw[:idx])
		d.buf.Next(idx + 1)
		if len(line) == 0 {
			continue
		}
		return d.codec.decode(line)
	}
}

var _ codec.StreamingCodec = (*Codec)(nil)
