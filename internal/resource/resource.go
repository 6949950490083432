// Package resource generates session-scoped data endpoints from declarative
// definitions. A definition describes either a per-session collection of
// items or a per-session singleton property; building the registry derives
// the storage tables, event appliers and a fixed set of typed handlers whose
// operations are named after the definition.
//
// Every stored record carries a session field taken from the request
// context, never from the client payload, and mutations check stored
// ownership before any event is appended.
package resource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Kind selects the shape a definition generates.
type Kind string

const (
	// KindItem is a per-session collection with client-addressable members.
	KindItem Kind = "item"
	// KindProperty is a per-session singleton value.
	KindProperty Kind = "property"
)

// Sentinel errors shared by all generated handlers.
var (
	ErrNotFound        = errors.New("resource not found")
	ErrNotAuthorized   = errors.New("not authorized")
	ErrValidation      = errors.New("validation failed")
	ErrSessionRequired = errors.New("no session in context")
)

// Access decides whether the caller in ctx may perform an operation. A nil
// error grants access.
type Access func(ctx context.Context) error

// AllowAll grants access unconditionally.
func AllowAll(ctx context.Context) error {
	return nil
}

// Policy assigns an Access check per operation slot. Write is the fallback
// for the mutating slots (Create, Update, Delete, Reset, Set); a slot that
// resolves to nil disables the operation entirely.
type Policy struct {
	Read   Access // my-session reads, lists and watches
	Public Access // reads of other sessions' data
	Create Access
	Update Access
	Delete Access
	Set    Access
	Reset  Access
	Write  Access // fallback for unset mutating slots
}

func (p Policy) read() Access   { return p.Read }
func (p Policy) public() Access { return p.Public }

func (p Policy) create() Access { return fallback(p.Create, p.Write) }
func (p Policy) update() Access { return fallback(p.Update, p.Write) }
func (p Policy) delete() Access { return fallback(p.Delete, p.Write) }
func (p Policy) set() Access    { return fallback(p.Set, p.Write) }
func (p Policy) reset() Access  { return fallback(p.Reset, p.Write) }

func fallback(slot, def Access) Access {
	if slot != nil {
		return slot
	}
	return def
}

// Definition declares one session-scoped resource.
type Definition struct {
	// Name is the resource name in lowerCamelCase, e.g. "cartItem". It
	// names the storage table and the generated operations.
	Name string

	Kind   Kind
	Policy Policy

	// SortBy lists item fields that get a per-session secondary index and a
	// corresponding listing operation. Items only.
	SortBy []string

	// Writable lists the fields clients may supply. An empty list means
	// every field except the reserved ones is writable.
	Writable []string

	// Defaults seeds created items and absent properties.
	Defaults map[string]any

	// Validate, when set, checks the merged record value before any event
	// is appended. Returned errors surface wrapped in ErrValidation.
	Validate func(ctx context.Context, merged map[string]any) error
}

// SessionField is the reserved ownership field on every stored record.
const SessionField = "session"

// idField is reserved on item records.
const idField = "id"

func (d Definition) validate() error {
	if d.Name == "" {
		return errors.New("resource definition requires a name")
	}
	if first, _ := utf8.DecodeRuneInString(d.Name); unicode.IsUpper(first) {
		return fmt.Errorf("resource name %q must be lowerCamelCase", d.Name)
	}
	if !validName(d.Name) {
		return fmt.Errorf("resource name %q contains reserved bytes", d.Name)
	}
	switch d.Kind {
	case KindItem, KindProperty:
	default:
		return fmt.Errorf("resource %q: unknown kind %q", d.Name, d.Kind)
	}
	if d.Kind == KindProperty && len(d.SortBy) > 0 {
		return fmt.Errorf("resource %q: SortBy applies to items only", d.Name)
	}

	for _, reserved := range []string{SessionField, idField} {
		for _, f := range d.Writable {
			if f == reserved {
				return fmt.Errorf("resource %q: field %q is reserved", d.Name, reserved)
			}
		}
		if _, ok := d.Defaults[reserved]; ok {
			return fmt.Errorf("resource %q: field %q is reserved", d.Name, reserved)
		}
	}
	for _, f := range d.SortBy {
		if f == SessionField || f == idField {
			return fmt.Errorf("resource %q: cannot sort by reserved field %q", d.Name, f)
		}
	}
	return nil
}

// writableFilter returns a copy of props restricted to writable fields.
// Reserved fields are always stripped.
func (d Definition) writableFilter(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if k == SessionField || k == idField {
			continue
		}
		if len(d.Writable) > 0 && !contains(d.Writable, k) {
			continue
		}
		out[k] = v
	}
	return out
}

func contains(fields []string, f string) bool {
	for _, v := range fields {
		if v == f {
			return true
		}
	}
	return false
}

// titleName returns the definition name with its first rune upper-cased, as
// used in generated operation names.
func (d Definition) titleName() string {
	return titleCase(d.Name)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}

// eventType builds the per-definition event type, e.g. "cartItemCreated".
func (d Definition) eventType(suffix string) string {
	return d.Name + titleCase(suffix)
}

// indexName builds the per-sort-field index name, e.g. "bySessionPrice".
func sortIndexName(field string) string {
	return "bySession" + titleCase(field)
}

func sortValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func validName(s string) bool {
	return !strings.ContainsAny(s, "\x00\xff")
}
