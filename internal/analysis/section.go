package analysis

import (
	"encoding/json"
	"math"
)

// SectionKind says which variant a Section holds.
type SectionKind int

const (
	SectionOK SectionKind = iota
	SectionNote
	SectionError
)

// Section is the outcome of one analysis section: a value, a note explaining
// why the section does not apply, or an error message from a failure that was
// contained to this section.
type Section[T any] struct {
	kind    SectionKind
	value   T
	message string
}

// OK wraps a computed section value.
func OK[T any](v T) Section[T] {
	return Section[T]{kind: SectionOK, value: v}
}

// Note marks a section as not applicable to the table.
func Note[T any](reason string) Section[T] {
	return Section[T]{kind: SectionNote, message: reason}
}

// Error marks a section as failed.
func Error[T any](message string) Section[T] {
	return Section[T]{kind: SectionError, message: message}
}

func (s Section[T]) Kind() SectionKind { return s.kind }

// Value returns the section value and whether the section is OK.
func (s Section[T]) Value() (T, bool) {
	return s.value, s.kind == SectionOK
}

// Message returns the note or error text; empty for OK sections.
func (s Section[T]) Message() string { return s.message }

// MarshalJSON renders OK sections as the value itself, notes as {"note": ...}
// and errors as {"error": ...}. A value that cannot be encoded is rendered as
// an error of its own section.
func (s Section[T]) MarshalJSON() ([]byte, error) {
	switch s.kind {
	case SectionNote:
		return json.Marshal(map[string]string{"note": s.message})
	case SectionError:
		return json.Marshal(map[string]string{"error": s.message})
	default:
		data, err := json.Marshal(s.value)
		if err != nil {
			return json.Marshal(map[string]string{"error": "unencodable result: " + err.Error()})
		}
		return data, nil
	}
}

// Float is a statistic that may be undefined. It encodes as null when not finite.
type Float float64

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

// Defined reports whether the value is finite.
func (f Float) Defined() bool {
	v := float64(f)
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
