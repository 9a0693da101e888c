package domain

import (
	"sort"
	"strconv"
	"strings"
)

// Payload is a schema-less tree of objects, arrays, and scalars representing
// a message body. Paths use dotted notation; array elements are addressed by
// numeric index ("tool_calls.0.function.name").
type Payload map[string]any

// Get returns the value at a dotted path.
func (p Payload) Get(path string) (any, bool) {
	if p == nil {
		return nil, false
	}
	var cur any = map[string]any(p)
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case Payload:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// GetString returns the string value at a dotted path.
func (p Payload) GetString(path string) (string, bool) {
	v, ok := p.Get(path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set stores a value at a dotted path, creating intermediate objects as
// needed. Setting through an array index requires the element to exist.
func (p Payload) Set(path string, value any) bool {
	if p == nil {
		return false
	}
	segs := strings.Split(path, ".")
	var cur any = map[string]any(p)
	for i, seg := range segs {
		last := i == len(segs)-1
		switch node := cur.(type) {
		case map[string]any:
			if last {
				node[seg] = value
				return true
			}
			next, ok := node[seg]
			if !ok {
				child := map[string]any{}
				node[seg] = child
				cur = child
				continue
			}
			cur = next
		case Payload:
			if last {
				node[seg] = value
				return true
			}
			next, ok := node[seg]
			if !ok {
				child := map[string]any{}
				node[seg] = child
				cur = child
				continue
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return false
			}
			if last {
				node[idx] = value
				return true
			}
			cur = node[idx]
		default:
			return false
		}
	}
	return false
}

// Delete removes the value at a dotted path. Returns false if absent.
func (p Payload) Delete(path string) bool {
	segs := strings.Split(path, ".")
	if len(segs) == 0 {
		return false
	}
	if len(segs) == 1 {
		if _, ok := p[segs[0]]; !ok {
			return false
		}
		delete(p, segs[0])
		return true
	}
	parent, ok := p.Get(strings.Join(segs[:len(segs)-1], "."))
	if !ok {
		return false
	}
	obj, ok := parent.(map[string]any)
	if !ok {
		return false
	}
	leaf := segs[len(segs)-1]
	if _, ok := obj[leaf]; !ok {
		return false
	}
	delete(obj, leaf)
	return true
}

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return Payload(cloneValue(map[string]any(p)).(map[string]any))
}

func cloneValue(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, e := range node {
			out[k] = cloneValue(e)
		}
		return out
	case Payload:
		return cloneValue(map[string]any(node))
	case []any:
		out := make([]any, len(node))
		for i, e := range node {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return node
	}
}

// LeafPaths returns the dotted paths of every scalar leaf in the payload,
// sorted for deterministic iteration. The mediator uses this to account for
// fields with no destination mapping.
func (p Payload) LeafPaths() []string {
	var paths []string
	collectLeaves("", map[string]any(p), &paths)
	sort.Strings(paths)
	return paths
}

func collectLeaves(prefix string, v any, out *[]string) {
	switch node := v.(type) {
	case map[string]any:
		for k, e := range node {
			collectLeaves(joinPath(prefix, k), e, out)
		}
	case Payload:
		collectLeaves(prefix, map[string]any(node), out)
	case []any:
		for i, e := range node {
			collectLeaves(joinPath(prefix, strconv.Itoa(i)), e, out)
		}
	default:
		if prefix != "" {
			*out = append(*out, prefix)
		}
	}
}

func joinPath(prefix, seg string) string {
	if prefix == "" {
		return seg
	}
	return prefix + "." + seg
}
