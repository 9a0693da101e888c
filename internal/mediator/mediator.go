// Package mediator translates canonical messages between protocol schemas.
// Translation is data driven: a declarative field-mapping table per
// (origin, dest) pair, so supporting a new pair is a table entry, not code.
package mediator

import (
	"fmt"
	"strings"

	"github.com/orchix-ai/orchix/internal/domain"
)

// FieldMapping moves one origin payload path to a destination path, with an
// optional named value transform.
type FieldMapping struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Transform string `json:"transform,omitempty"`
}

// Table is the mapping for one (origin, dest) protocol pair. Required lists
// destination paths that must be populated after mapping; an unmapped
// required field is a MediationError, not a silent gap.
type Table struct {
	Origin   domain.Protocol `json:"origin"`
	Dest     domain.Protocol `json:"dest"`
	Mappings []FieldMapping  `json:"mappings"`
	Required []string        `json:"required,omitempty"`
	// Passthrough copies the payload wholesale. Used for pairs whose wire
	// payloads are schema-equivalent.
	Passthrough bool `json:"passthrough,omitempty"`
}

// Lookup supplies mapping tables, typically the tool registry collaborator.
type Lookup interface {
	MappingTable(origin, dest domain.Protocol) (Table, bool)
}

// StaticLookup is a fixed in-memory table set.
type StaticLookup map[[2]domain.Protocol]Table

func NewStaticLookup(tables []Table) StaticLookup {
	l := make(StaticLookup, len(tables))
	for _, t := range tables {
		l[[2]domain.Protocol{t.Origin, t.Dest}] = t
	}
	return l
}

func (l StaticLookup) MappingTable(origin, dest domain.Protocol) (Table, bool) {
	t, ok := l[[2]domain.Protocol{origin, dest}]
	return t, ok
}

// transforms are the named value transforms a mapping may reference.
var transforms = map[string]func(any) (any, error){
	"string": func(v any) (any, error) {
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	},
	// index_keys turns a positional argument list into a structured object
	// keyed by index, reconciling positional and named calling conventions.
	"index_keys": func(v any) (any, error) {
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("index_keys: value is %T, not an array", v)
		}
		out := make(map[string]any, len(list))
		for i, e := range list {
			out[fmt.Sprint(i)] = e
		}
		return out, nil
	},
}

// Mediator applies mapping tables. It is stateless; identical input and
// table always produce identical output.
type Mediator struct {
	lookup Lookup
}

func New(lookup Lookup) *Mediator {
	return &Mediator{lookup: lookup}
}

// Mediate reshapes a message for the destination protocol. Same-protocol
// mediation is the identity. Origin fields with no destination mapping are
// dropped and recorded in LossyFields; they are never discarded without
// trace.
func (m *Mediator) Mediate(msg *domain.CanonicalMessage, dest domain.Protocol) (*domain.CanonicalMessage, error) {
	out := msg.Clone()
	out.DestProtocol = dest

	if dest == "" || dest == msg.OriginProtocol {
		return out, nil
	}

	table, ok := m.lookup.MappingTable(msg.OriginProtocol, dest)
	if !ok {
		return nil, &domain.MediationError{
			Kind:   domain.MediationUnrepresentable,
			Origin: msg.OriginProtocol,
			Dest:   dest,
		}
	}
	if table.Passthrough {
		return out, nil
	}

	src := out.Payload
	mapped := domain.Payload{}
	var consumed []string

	for _, fm := range table.Mappings {
		v, ok := src.Get(fm.From)
		if !ok {
			continue
		}
		if fm.Transform != "" {
			fn, ok := transforms[fm.Transform]
			if !ok {
				return nil, &domain.MediationError{
					Kind:   domain.MediationUnrepresentable,
					Origin: msg.OriginProtocol,
					Dest:   dest,
					Field:  fm.Transform,
				}
			}
			var err error
			if v, err = fn(v); err != nil {
				return nil, &domain.MediationError{
					Kind:   domain.MediationUnrepresentable,
					Origin: msg.OriginProtocol,
					Dest:   dest,
					Field:  fm.From,
				}
			}
		}
		mapped.Set(fm.To, v)
		consumed = append(consumed, fm.From)
	}

	for _, required := range table.Required {
		if _, ok := mapped.Get(required); !ok {
			return nil, &domain.MediationError{
				Kind:   domain.MediationMissingRequiredField,
				Origin: msg.OriginProtocol,
				Dest:   dest,
				Field:  required,
			}
		}
	}

	var lossy []string
	for _, leaf := range src.LeafPaths() {
		if !covers(consumed, leaf) {
			lossy = append(lossy, leaf)
		}
	}

	out.Payload = mapped
	out.LossyFields = append(out.LossyFields, lossy...)
	return out, nil
}

// covers reports whether a leaf path is consumed by any mapped prefix.
func covers(consumed []string, leaf string) bool {
	for _, c := range consumed {
		if leaf == c || strings.HasPrefix(leaf, c+".") {
			return true
		}
	}
	return false
}
