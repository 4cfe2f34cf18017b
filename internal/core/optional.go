package core

import (
	"bytes"
	"encoding/json"
)

// Field is a value that is either present or absent.
// The zero Field is absent; with the omitzero tag option it is left out of JSON.
type Field[T comparable] struct {
	value T
	ok    bool
}

// Some returns a present field holding v.
func Some[T comparable](v T) Field[T] {
	return Field[T]{value: v, ok: true}
}

// None returns an absent field.
func None[T comparable]() Field[T] {
	return Field[T]{}
}

// Get returns the value and whether it is present.
func (f Field[T]) Get() (T, bool) {
	return f.value, f.ok
}

// Present reports whether the field holds a value.
func (f Field[T]) Present() bool {
	return f.ok
}

// Or returns the value, or def when absent.
func (f Field[T]) Or(def T) T {
	if !f.ok {
		return def
	}
	return f.value
}

// IsZero reports whether the field is absent.
func (f Field[T]) IsZero() bool {
	return !f.ok
}

// Equal reports whether both fields are absent or both hold the same value.
func (f Field[T]) Equal(o Field[T]) bool {
	if f.ok != o.ok {
		return false
	}
	return !f.ok || f.value == o.value
}

func (f Field[T]) MarshalJSON() ([]byte, error) {
	if !f.ok {
		return []byte("null"), nil
	}
	return json.Marshal(f.value)
}

func (f *Field[T]) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*f = Field[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Some(v)
	return nil
}
