package mediator

import "github.com/orchix-ai/orchix/internal/domain"

// DefaultTables covers the protocol pairs the proxy mediates out of the box.
// The registry may override or extend these with tables of its own.
func DefaultTables() []Table {
	return []Table{
		// HTTP and WebSocket both carry the canonical payload shape.
		{Origin: domain.ProtocolHTTP, Dest: domain.ProtocolWebSocket, Passthrough: true},
		{Origin: domain.ProtocolWebSocket, Dest: domain.ProtocolHTTP, Passthrough: true},

		{
			Origin: domain.ProtocolOpenAPI,
			Dest:   domain.ProtocolMCP,
			Mappings: []FieldMapping{
				{From: "name", To: "name"},
				{From: "arguments", To: "arguments"},
				// Positional arguments become structured parameters keyed
				// by index.
				{From: "positional", To: "arguments.positional", Transform: "index_keys"},
				{From: "result", To: "result"},
			},
			Required: []string{"name"},
		},
		{
			Origin: domain.ProtocolMCP,
			Dest:   domain.ProtocolOpenAPI,
			Mappings: []FieldMapping{
				{From: "name", To: "name"},
				{From: "arguments", To: "arguments"},
				{From: "result", To: "result"},
			},
			Required: []string{"name"},
		},

		{
			Origin: domain.ProtocolOpenAPI,
			Dest:   domain.ProtocolA2A,
			Mappings: []FieldMapping{
				{From: "name", To: "name"},
				{From: "arguments", To: "arguments"},
				{From: "positional", To: "arguments.positional", Transform: "index_keys"},
			},
			Required: []string{"name"},
		},
		{
			Origin: domain.ProtocolA2A,
			Dest:   domain.ProtocolOpenAPI,
			Mappings: []FieldMapping{
				{From: "parts.0.tool", To: "name"},
				{From: "parts.0.args", To: "arguments"},
			},
			Required: []string{"name"},
		},

		{
			Origin: domain.ProtocolA2A,
			Dest:   domain.ProtocolMCP,
			Mappings: []FieldMapping{
				{From: "parts.0.tool", To: "name"},
				{From: "parts.0.args", To: "arguments"},
				{From: "parts.0.text", To: "content"},
			},
		},
		{
			Origin: domain.ProtocolMCP,
			Dest:   domain.ProtocolA2A,
			Mappings: []FieldMapping{
				{From: "name", To: "name"},
				{From: "arguments", To: "arguments"},
				{From: "content", To: "content"},
				{From: "result", To: "result"},
			},
		},

		{
			Origin: domain.ProtocolHTTP,
			Dest:   domain.ProtocolMCP,
			Mappings: []FieldMapping{
				{From: "tool", To: "name"},
				{From: "name", To: "name"},
				{From: "arguments", To: "arguments"},
				{From: "content", To: "content"},
			},
		},
		{
			Origin: domain.ProtocolMCP,
			Dest:   domain.ProtocolHTTP,
			Mappings: []FieldMapping{
				{From: "name", To: "tool"},
				{From: "arguments", To: "arguments"},
				{From: "content", To: "content"},
				{From: "result", To: "result"},
			},
		},

		{
			Origin: domain.ProtocolHTTP,
			Dest:   domain.ProtocolA2A,
			Mappings: []FieldMapping{
				{From: "tool", To: "name"},
				{From: "arguments", To: "arguments"},
				{From: "content", To: "content"},
				{From: "role", To: "role"},
			},
		},
		{
			Origin: domain.ProtocolA2A,
			Dest:   domain.ProtocolHTTP,
			Mappings: []FieldMapping{
				{From: "parts.0.text", To: "content"},
				{From: "parts.0.tool", To: "tool"},
				{From: "parts.0.args", To: "arguments"},
				{From: "role", To: "role"},
			},
		},
	}
}
