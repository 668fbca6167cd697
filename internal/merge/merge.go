// Package merge implements the deep merge used to reconcile partial updates
// with the existing state of a row.
//
// Merge is pure: it never mutates its inputs and the result shares no mutable
// structure with them, so callers may keep using both sides afterwards.
package merge

import (
	"fmt"
	"strings"

	"github.com/roach88/rowhooks/internal/record"
)

// Strategy selects how two arrays found under the same key are combined.
type Strategy string

const (
	// Replace keeps only the incoming array.
	Replace Strategy = "replace"
	// Concat appends the incoming array after the base array, keeping
	// duplicates. Concat is not idempotent: merging the same update twice
	// appends it twice.
	Concat Strategy = "concat"
	// Union appends incoming items that are not already present in the base
	// array. Order is preserved and the first occurrence wins.
	Union Strategy = "union"
)

// Strategies lists the valid strategies in documentation order.
var Strategies = []Strategy{Replace, Concat, Union}

// ParseStrategy converts a configuration string into a Strategy.
// Matching is case-insensitive and ignores surrounding whitespace.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case Replace:
		return Replace, nil
	case Concat:
		return Concat, nil
	case Union:
		return Union, nil
	default:
		return "", fmt.Errorf("unknown array strategy %q: must be one of %v", s, Strategies)
	}
}

// Valid reports whether s is one of the known strategies.
func (s Strategy) Valid() bool {
	switch s {
	case Replace, Concat, Union:
		return true
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so strategies can be read
// straight from YAML and TOML configuration.
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Merge deep-merges incoming into base.
//
// If either side is not a plain mapping (record.Object) the incoming value
// wins outright. Otherwise every key of either side is present in the result:
// nested mappings recurse, arrays on both sides combine per strategy, and in
// all other cases (including keys defined on one side only) the incoming
// value wins, or the base value is kept when incoming lacks the key.
//
// An unknown strategy behaves like Replace.
func Merge(base, incoming record.Value, strategy Strategy) record.Value {
	baseObj, ok := base.(record.Object)
	if !ok {
		return record.Clone(incoming)
	}
	incomingObj, ok := incoming.(record.Object)
	if !ok {
		return record.Clone(incoming)
	}
	return mergeObjects(baseObj, incomingObj, strategy)
}

// Objects is Merge specialized to two mappings.
func Objects(base, incoming record.Object, strategy Strategy) record.Object {
	return mergeObjects(base, incoming, strategy)
}

func mergeObjects(base, incoming record.Object, strategy Strategy) record.Object {
	out := make(record.Object, len(base)+len(incoming))

	for k, v := range base {
		if _, overridden := incoming[k]; !overridden {
			out[k] = record.Clone(v)
		}
	}

	for k, in := range incoming {
		prev, exists := base[k]
		if !exists {
			out[k] = record.Clone(in)
			continue
		}
		out[k] = mergeValue(prev, in, strategy)
	}

	return out
}

func mergeValue(prev, in record.Value, strategy Strategy) record.Value {
	switch p := prev.(type) {
	case record.Object:
		if i, ok := in.(record.Object); ok {
			return mergeObjects(p, i, strategy)
		}
	case record.Array:
		if i, ok := in.(record.Array); ok {
			return combineArrays(p, i, strategy)
		}
	}
	return record.Clone(in)
}

func combineArrays(base, incoming record.Array, strategy Strategy) record.Array {
	switch strategy {
	case Concat:
		out := make(record.Array, 0, len(base)+len(incoming))
		for _, v := range base {
			out = append(out, record.Clone(v))
		}
		for _, v := range incoming {
			out = append(out, record.Clone(v))
		}
		return out

	case Union:
		out := make(record.Array, 0, len(base)+len(incoming))
		for _, v := range base {
			out = append(out, record.Clone(v))
		}
		for _, v := range incoming {
			if !contains(out, v) {
				out = append(out, record.Clone(v))
			}
		}
		return out

	default:
		return record.Clone(incoming).(record.Array)
	}
}

func contains(arr record.Array, v record.Value) bool {
	for _, existing := range arr {
		if record.Equal(existing, v) {
			return true
		}
	}
	return false
}
