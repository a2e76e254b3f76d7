// Package keys turns arbitrary items into stable, comparable, storable keys.
//
// Two value-equal items always normalize to the same Key, across processes
// and runs. Value-unequal items normalize differently unless their canonical
// JSON forms coincide (for example a map[int]string and a map[string]string
// holding the same digits, or integers beyond 2^53 that round to the same
// float). Such collisions are an accepted limitation: colliding items are
// treated as one item by reconciliation.
//
// Strings are compared byte for byte. Canonical JSON would replace invalid
// UTF-8 with U+FFFD and fold strings to NFC, so an item holding any string
// that is invalid UTF-8 or not in NFC form is keyed by an exact Go-quoted
// rendition instead. "e\u0301" and "\u00e9" therefore get different keys.
package keys

import (
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/snapper/internal/canonical"
)

// Key is the normalized identity of an item.
type Key string

// MaxInlineLength bounds the size of a key kept verbatim. Longer canonical
// forms are replaced by a domain-separated SHA-256 digest.
const MaxInlineLength = 256

const (
	digestPrefix   = "sha256:"
	fallbackPrefix = "go:"
	exactPrefix    = "exact:"

	// maxDepth bounds the walks below.
	maxDepth = 64
)

// Keyer lets an item supply its own identity.
type Keyer interface {
	SnapshotKey() string
}

// Normalize returns the key for item. It never fails.
//
// Resolution order:
//  1. Keyer.SnapshotKey
//  2. an exact rendition when a string in the value is invalid UTF-8 or
//     not NFC normalized
//  3. canonical JSON of the value
//  4. a %T/%#v rendition for values JSON cannot express (NaN, channels,
//     funcs, cycles) or structs whose fields are all unexported
func Normalize(item any) Key {
	if k, ok := item.(Keyer); ok {
		return bound(k.SnapshotKey())
	}
	if v := reflect.ValueOf(item); !newWalk().canonicalStrings(v, 0) {
		var b strings.Builder
		b.WriteString(exactPrefix)
		newWalk().writeExact(&b, v, 0)
		return bound(b.String())
	}

	data, err := canonical.MarshalGo(item)
	if err == nil && !hidesFields(item, data) {
		return bound(string(data))
	}
	return bound(fallbackPrefix + fmt.Sprintf("%T:%#v", item, item))
}

// hidesFields reports whether item is a non-empty struct that encoded to {}.
// Such structs carry only unexported state and would all collide.
func hidesFields(item any, data []byte) bool {
	if string(data) != "{}" {
		return false
	}
	v := reflect.ValueOf(item)
	for v.Kind() == reflect.Pointer && !v.IsNil() {
		v = v.Elem()
	}
	return v.Kind() == reflect.Struct && v.NumField() > 0
}

// walk tracks the references on the current path so cyclic values end
// instead of repeating.
type walk struct {
	path map[ref]bool
}

type ref struct {
	ptr uintptr
	typ reflect.Type
	n   int
}

func newWalk() *walk {
	return &walk{}
}

// enter reports false when v is already on the path. leave must follow a
// successful enter.
func (w *walk) enter(v reflect.Value) (ref, bool) {
	r := ref{ptr: v.Pointer(), typ: v.Type()}
	if v.Kind() == reflect.Slice {
		r.n = v.Len()
	}
	if w.path[r] {
		return r, false
	}
	if w.path == nil {
		w.path = map[ref]bool{}
	}
	w.path[r] = true
	return r, true
}

func (w *walk) leave(r ref) {
	delete(w.path, r)
}

// canonicalStrings reports whether every string reachable from v survives
// canonical JSON unchanged.
func (w *walk) canonicalStrings(v reflect.Value, depth int) bool {
	if depth > maxDepth {
		return true
	}
	switch v.Kind() {
	case reflect.String:
		s := v.String()
		return utf8.ValidString(s) && norm.NFC.IsNormalString(s)
	case reflect.Interface:
		return v.IsNil() || w.canonicalStrings(v.Elem(), depth+1)
	case reflect.Pointer:
		if v.IsNil() {
			return true
		}
		r, ok := w.enter(v)
		if !ok {
			return true
		}
		defer w.leave(r)
		return w.canonicalStrings(v.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 || v.Len() == 0 {
			return true
		}
		if v.Kind() == reflect.Slice {
			r, ok := w.enter(v)
			if !ok {
				return true
			}
			defer w.leave(r)
		}
		for i := range v.Len() {
			if !w.canonicalStrings(v.Index(i), depth+1) {
				return false
			}
		}
	case reflect.Map:
		if v.Len() == 0 {
			return true
		}
		r, ok := w.enter(v)
		if !ok {
			return true
		}
		defer w.leave(r)
		iter := v.MapRange()
		for iter.Next() {
			if !w.canonicalStrings(iter.Key(), depth+1) || !w.canonicalStrings(iter.Value(), depth+1) {
				return false
			}
		}
	case reflect.Struct:
		for i := range v.NumField() {
			if !w.canonicalStrings(v.Field(i), depth+1) {
				return false
			}
		}
	}
	return true
}

// writeExact renders v with strings Go-quoted, pointers followed and map
// entries sorted by their rendered key. A reference back into the current
// path renders as "...".
func (w *walk) writeExact(b *strings.Builder, v reflect.Value, depth int) {
	if depth > maxDepth {
		b.WriteString("...")
		return
	}
	switch v.Kind() {
	case reflect.Invalid:
		b.WriteString("nil")
	case reflect.Interface:
		if v.IsNil() {
			b.WriteString("nil")
			return
		}
		w.writeExact(b, v.Elem(), depth+1)
	case reflect.Pointer:
		if v.IsNil() {
			b.WriteString("nil")
			return
		}
		r, ok := w.enter(v)
		if !ok {
			b.WriteString("...")
			return
		}
		defer w.leave(r)
		w.writeExact(b, v.Elem(), depth+1)
	case reflect.String:
		b.WriteString(strconv.Quote(v.String()))
	case reflect.Bool:
		b.WriteString(strconv.FormatBool(v.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b.WriteString(strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		b.WriteString(strconv.FormatUint(v.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		b.WriteString(strconv.FormatFloat(v.Float(), 'g', -1, 64))
	case reflect.Complex64, reflect.Complex128:
		b.WriteString(strconv.FormatComplex(v.Complex(), 'g', -1, 128))
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice {
			if v.IsNil() {
				b.WriteString("nil")
				return
			}
			if v.Len() > 0 {
				r, ok := w.enter(v)
				if !ok {
					b.WriteString("...")
					return
				}
				defer w.leave(r)
			}
		}
		b.WriteByte('[')
		for i := range v.Len() {
			if i > 0 {
				b.WriteByte(',')
			}
			w.writeExact(b, v.Index(i), depth+1)
		}
		b.WriteByte(']')
	case reflect.Map:
		if v.IsNil() {
			b.WriteString("nil")
			return
		}
		r, ok := w.enter(v)
		if !ok {
			b.WriteString("...")
			return
		}
		defer w.leave(r)
		entries := make([][2]string, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			var k, e strings.Builder
			w.writeExact(&k, iter.Key(), depth+1)
			w.writeExact(&e, iter.Value(), depth+1)
			entries = append(entries, [2]string{k.String(), e.String()})
		}
		slices.SortFunc(entries, func(x, y [2]string) int { return strings.Compare(x[0], y[0]) })
		b.WriteByte('{')
		for i, e := range entries {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(e[0])
			b.WriteByte(':')
			b.WriteString(e[1])
		}
		b.WriteByte('}')
	case reflect.Struct:
		b.WriteString(v.Type().String())
		b.WriteByte('{')
		for i := range v.NumField() {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(v.Type().Field(i).Name)
			b.WriteByte(':')
			w.writeExact(b, v.Field(i), depth+1)
		}
		b.WriteByte('}')
	default:
		// chan, func and unsafe pointers render by type only
		b.WriteString(v.Type().String())
	}
}

func bound(s string) Key {
	if len(s) <= MaxInlineLength {
		return Key(s)
	}
	return Key(digestPrefix + canonical.HashWithDomain(canonical.DomainKey, []byte(s)))
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return string(k)
}

// IsDigest reports whether the key is a digest of a long canonical form.
func (k Key) IsDigest() bool {
	return len(k) > len(digestPrefix) && string(k[:len(digestPrefix)]) == digestPrefix
}
