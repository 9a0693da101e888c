package stream

import (
	"bytes"
	"encoding/json"

	"github.com/orchix-ai/orchix/internal/domain"
)

// segment is one unit produced by the assembler: either plain streamed text
// or a fully reassembled tool call.
type segment struct {
	text string
	call domain.Payload
}

// assembler incrementally detects tool-call objects embedded in streamed
// text. A '{' opens a tentative capture tracked by brace depth with JSON
// string awareness, so the object boundary may split across chunks at any
// byte. A completed object that does not look like a tool call, or a capture
// that outgrows maxBytes, is released back as plain text.
type assembler struct {
	capture   bytes.Buffer
	capturing bool
	depth     int
	inString  bool
	escaped   bool
	maxBytes  int
}

func newAssembler(maxBytes int) *assembler {
	return &assembler{maxBytes: maxBytes}
}

// feed consumes the next chunk of streamed text and returns the segments it
// completed, in order. Text inside an open capture produces nothing until
// the capture resolves.
func (a *assembler) feed(text string) []segment {
	var out []segment
	var plain bytes.Buffer

	flushPlain := func() {
		if plain.Len() > 0 {
			out = append(out, segment{text: plain.String()})
			plain.Reset()
		}
	}

	for i := 0; i < len(text); i++ {
		c := text[i]

		if !a.capturing {
			if c == '{' {
				flushPlain()
				a.capturing = true
				a.depth = 1
				a.inString = false
				a.escaped = false
				a.capture.Reset()
				a.capture.WriteByte(c)
				continue
			}
			plain.WriteByte(c)
			continue
		}

		a.capture.WriteByte(c)
		switch {
		case a.escaped:
			a.escaped = false
		case a.inString:
			switch c {
			case '\\':
				a.escaped = true
			case '"':
				a.inString = false
			}
		default:
			switch c {
			case '"':
				a.inString = true
			case '{':
				a.depth++
			case '}':
				a.depth--
			}
		}

		if a.depth == 0 {
			raw := a.capture.String()
			a.capturing = false
			a.capture.Reset()
			if call, ok := parseToolCall(raw); ok {
				out = append(out, segment{call: call})
			} else {
				plain.WriteString(raw)
			}
			continue
		}

		if a.maxBytes > 0 && a.capture.Len() > a.maxBytes {
			// Too large to be a tool call; release the capture as content
			// and keep scanning from where we are.
			plain.WriteString(a.capture.String())
			a.capturing = false
			a.capture.Reset()
		}
	}

	flushPlain()
	return out
}

// pending reports whether an unterminated capture is still open.
func (a *assembler) pending() bool {
	return a.capturing
}

// parseToolCall decides whether a balanced JSON object is a tool call. Only
// objects that explicitly name a tool qualify; ordinary JSON content in the
// stream is passed through untouched.
func parseToolCall(raw string) (domain.Payload, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, false
	}
	p := domain.Payload(m)
	if name, ok := p.GetString("tool"); ok && name != "" {
		return p, true
	}
	if name, ok := p.GetString("function.name"); ok && name != "" {
		return p, true
	}
	return nil, false
}
