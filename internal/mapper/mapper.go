// Package mapper turns a decoded station telemetry frame into column
// assignments for the wide per-unit telemetry table.
//
// A frame is a JSON object. LOT, TYPE and MACHINE identify the record
// context; every other top-level key is a station report whose name selects
// a rule (see rules.go) and whose object value carries the sub-fields.
package mapper

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
)

// Unknown is substituted for missing text fields.
const Unknown = "unknown"

// Frame context keys.
const (
	keyLot     = "LOT"
	keyType    = "TYPE"
	keyMachine = "MACHINE"
)

// ErrDecode is returned when a payload is not a JSON object.
var ErrDecode = errors.New("telemetry frame is not a JSON object")

// MappingError reports a frame key that could not be mapped. It never fails
// the frame as a whole.
type MappingError struct {
	Key    string
	Reason string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping key %q: %s", e.Key, e.Reason)
}

// Column is one column/value pair. Values are int64 or string.
type Column struct {
	Name  string
	Value any
}

// Assignment is the set of columns one frame key writes to the row keyed by
// (lot, serial).
type Assignment struct {
	Key     string
	Rule    Rule
	Unit    Unit
	Serial  int64
	Columns []Column
	// Counter names a column that is advanced by one on every write of this
	// assignment instead of being set from the frame. Empty for most rules.
	Counter string
}

// ColumnNames returns the names of the assigned columns, in order.
func (a Assignment) ColumnNames() []string {
	names := make([]string, len(a.Columns))
	for i, c := range a.Columns {
		names[i] = c.Name
	}
	return names
}

// Result is the outcome of mapping one frame.
type Result struct {
	Lot     string
	Type    string
	Machine string

	Assignments []Assignment
	// Errors holds one entry per key that was skipped because it could not
	// be mapped.
	Errors []*MappingError
	// Ignored lists keys that were recognised but carried nothing to write.
	Ignored []string
}

// Map decodes payload and classifies every report key. Keys are processed in
// lexical order so the result is deterministic.
func Map(payload []byte) (*Result, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var top map[string]any
	if err := dec.Decode(&top); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if top == nil {
		return nil, ErrDecode
	}
	// A payload carries exactly one object; anything after it fails the
	// whole frame.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after object", ErrDecode)
	}

	root := fields(top)
	res := &Result{
		Lot:     root.str(keyLot),
		Type:    root.str(keyType),
		Machine: root.str(keyMachine),
	}

	keys := make([]string, 0, len(top))
	for k := range top {
		switch k {
		case keyLot, keyType, keyMachine:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		spec, unit, merr := classify(key)
		if merr != nil {
			res.Errors = append(res.Errors, merr)
			continue
		}

		obj, ok := top[key].(map[string]any)
		if !ok {
			res.Errors = append(res.Errors, &MappingError{Key: key, Reason: "report is not an object"})
			continue
		}

		a, ok := spec.build(unit, fields(obj))
		if !ok {
			res.Ignored = append(res.Ignored, key)
			continue
		}
		a.Key = key
		a.Rule = spec.rule
		a.Unit = unit
		res.Assignments = append(res.Assignments, a)
	}

	return res, nil
}

// fields reads typed sub-fields with defaults.
type fields map[string]any

func (f fields) int(name string, def int64) int64 {
	n, ok := f[name].(json.Number)
	if !ok {
		return def
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	fl, err := n.Float64()
	if err != nil || math.IsNaN(fl) || math.IsInf(fl, 0) {
		return def
	}
	return int64(fl)
}

func (f fields) str(name string) string {
	switch v := f[name].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return Unknown
	}
}

func (f fields) ints(name string) []int64 {
	arr, ok := f[name].([]any)
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(arr))
	for _, v := range arr {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if i, err := n.Int64(); err == nil {
			out = append(out, i)
		}
	}
	return out
}
