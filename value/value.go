// Package value defines the tagged value carried through every cache layer.
//
// A Value is exactly one of:
//   - Present(v): a real value, possibly the zero value of V;
//   - Null: a remembered "the source has nothing for this key";
//   - Absent: nothing is cached at all.
//
// Null and Absent are distinct on purpose: a Null entry is a cache hit that
// tells callers not to ask the backing source again.
package value

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Kind tags a Value.
type Kind uint8

const (
	// Absent means no entry.
	Absent Kind = iota
	// Null means a cached "no value".
	Null
	// Present means a real value.
	Present
)

func (k Kind) String() string {
	switch k {
	case Absent:
		return "absent"
	case Null:
		return "null"
	case Present:
		return "present"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is an immutable tagged option. The zero Value is Absent.
type Value[V any] struct {
	kind Kind
	v    V
}

// Of wraps v as a Present value.
func Of[V any](v V) Value[V] { return Value[V]{kind: Present, v: v} }

// NullOf returns the Null value for V.
func NullOf[V any]() Value[V] { return Value[V]{kind: Null} }

// AbsentOf returns the Absent value for V.
func AbsentOf[V any]() Value[V] { return Value[V]{} }

// Kind reports the tag.
func (x Value[V]) Kind() Kind { return x.kind }

// Get returns the wrapped value and whether it is Present.
func (x Value[V]) Get() (V, bool) { return x.v, x.kind == Present }

// OrElse returns the wrapped value, or def when x is not Present.
func (x Value[V]) OrElse(def V) V {
	if x.kind == Present {
		return x.v
	}
	return def
}

func (x Value[V]) IsPresent() bool { return x.kind == Present }
func (x Value[V]) IsNull() bool    { return x.kind == Null }
func (x Value[V]) IsAbsent() bool  { return x.kind == Absent }

// Cached reports whether x represents a cache hit (Present or Null).
func (x Value[V]) Cached() bool { return x.kind != Absent }

// Normalize maps Absent to Null, leaving other kinds untouched. Loader results
// go through it so "nothing found" is remembered instead of recomputed.
func (x Value[V]) Normalize() Value[V] {
	if x.kind == Absent {
		return NullOf[V]()
	}
	return x
}

func (x Value[V]) String() string {
	if x.kind == Present {
		return fmt.Sprintf("present(%v)", x.v)
	}
	return x.kind.String()
}

// ---- wire codec ----

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrAbsent is returned when encoding an Absent value; there is nothing to store.
var ErrAbsent = errors.New("value: cannot encode absent value")

type envelope[V any] struct {
	Null  bool `json:"null,omitempty"`
	Value *V   `json:"v,omitempty"`
}

// Encode serializes x as a JSON envelope: {"null":true} or {"v":...}.
func Encode[V any](x Value[V]) ([]byte, error) {
	switch x.kind {
	case Null:
		return json.Marshal(envelope[V]{Null: true})
	case Present:
		v := x.v
		return json.Marshal(envelope[V]{Value: &v})
	default:
		return nil, ErrAbsent
	}
}

// Decode parses an envelope written by Encode. A Present envelope whose
// payload is JSON null or missing decodes to Present(zero value).
func Decode[V any](data []byte) (Value[V], error) {
	var env envelope[V]
	if err := json.Unmarshal(data, &env); err != nil {
		return Value[V]{}, fmt.Errorf("value: decode: %w", err)
	}
	if env.Null {
		return NullOf[V](), nil
	}
	if env.Value == nil {
		var zero V
		return Of(zero), nil
	}
	return Of(*env.Value), nil
}
