package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowhooks/internal/record"
)

func TestMergeArrayStrategies(t *testing.T) {
	base := record.Object{"list": record.Array{record.Int(1), record.Int(2)}}
	incoming := record.Object{"list": record.Array{record.Int(2), record.Int(3)}}

	tests := []struct {
		strategy Strategy
		want     record.Array
	}{
		{Union, record.Array{record.Int(1), record.Int(2), record.Int(3)}},
		{Concat, record.Array{record.Int(1), record.Int(2), record.Int(2), record.Int(3)}},
		{Replace, record.Array{record.Int(2), record.Int(3)}},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			got := Merge(base, incoming, tt.strategy)
			assert.Equal(t, record.Object{"list": tt.want}, got)
		})
	}
}

func TestMergeNonMappingBaseReturnsIncoming(t *testing.T) {
	rhs := record.Object{"a": record.Int(1)}

	for name, base := range map[string]record.Value{
		"array":  record.Array{record.Int(1)},
		"string": record.String("x"),
		"int":    record.Int(3),
		"null":   record.Null{},
		"nil":    nil,
		"bytes":  record.Bytes("b"),
		"time":   record.NewTime(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
	} {
		t.Run(name, func(t *testing.T) {
			for _, s := range Strategies {
				assert.Equal(t, rhs, Merge(base, rhs, s))
			}
		})
	}
}

func TestMergeNonMappingIncomingWins(t *testing.T) {
	base := record.Object{"a": record.Int(1)}
	assert.Equal(t, record.String("x"), Merge(base, record.String("x"), Union))
	assert.Equal(t, record.Array{record.Int(1)}, Merge(base, record.Array{record.Int(1)}, Union))
	assert.Equal(t, record.Null{}, Merge(base, record.Null{}, Union))
}

func TestMergeTimeIsNotAMapping(t *testing.T) {
	stamp := record.NewTime(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	obj := record.Object{"at": record.String("noon")}

	t.Run("time base", func(t *testing.T) {
		base := record.Object{"when": stamp, "keep": record.Int(1)}
		got := Merge(base, record.Object{"when": obj}, Union)
		assert.Equal(t, record.Object{"when": obj, "keep": record.Int(1)}, got)
	})

	t.Run("time incoming", func(t *testing.T) {
		base := record.Object{"when": obj}
		got := Merge(base, record.Object{"when": stamp}, Union)
		assert.Equal(t, record.Object{"when": stamp}, got)
	})

	t.Run("top level", func(t *testing.T) {
		assert.Equal(t, stamp, Merge(obj, stamp, Union))
	})
}

func TestMergeKeyUnion(t *testing.T) {
	a := record.Object{
		"onlyA":  record.String("a"),
		"shared": record.Int(1),
		"nested": record.Object{"x": record.Int(1)},
	}
	b := record.Object{
		"onlyB":  record.String("b"),
		"shared": record.Int(2),
		"nested": record.Object{"y": record.Int(2)},
	}

	for _, s := range Strategies {
		t.Run(string(s), func(t *testing.T) {
			got, ok := Merge(a, b, s).(record.Object)
			require.True(t, ok)

			assert.ElementsMatch(t, []string{"onlyA", "onlyB", "shared", "nested"}, keysOf(got))
			assert.Equal(t, a["onlyA"], got["onlyA"])
			assert.Equal(t, b["onlyB"], got["onlyB"])
			assert.Equal(t, record.Int(2), got["shared"])
			assert.Equal(t, record.Object{"x": record.Int(1), "y": record.Int(2)}, got["nested"])
		})
	}
}

func TestMergeShapeMismatchIncomingWins(t *testing.T) {
	base := record.Object{
		"meta": record.Object{"a": record.Int(1)},
		"tags": record.Array{record.String("x")},
	}
	incoming := record.Object{
		"meta": record.Array{record.Int(1)},
		"tags": record.String("flat"),
	}

	got := Merge(base, incoming, Union)
	assert.Equal(t, incoming, got)
}

func TestMergeNestedMetaUnion(t *testing.T) {
	old := record.MustObject(map[string]any{
		"meta": map[string]any{"a": 1, "arr": []any{1}},
	})
	data := record.MustObject(map[string]any{
		"meta": map[string]any{"b": 2, "arr": []any{1, 2}},
	})

	got := Merge(old, data, Union)
	want := record.MustObject(map[string]any{
		"meta": map[string]any{"a": 1, "b": 2, "arr": []any{1, 2}},
	})
	assert.Equal(t, want, got)
}

func TestMergeUnionDeepEquality(t *testing.T) {
	base := record.Array{record.Object{"id": record.Int(1)}, record.Int(1)}
	incoming := record.Array{record.Object{"id": record.Int(1)}, record.Float(1), record.Object{"id": record.Int(2)}}

	got := Merge(record.Object{"l": base}, record.Object{"l": incoming}, Union)
	assert.Equal(t, record.Object{"l": record.Array{
		record.Object{"id": record.Int(1)},
		record.Int(1),
		record.Object{"id": record.Int(2)},
	}}, got)
}

func TestMergeUnionKeepsBaseDuplicates(t *testing.T) {
	base := record.Object{"l": record.Array{record.Int(1), record.Int(1)}}
	incoming := record.Object{"l": record.Array{record.Int(2), record.Int(2)}}

	got := Merge(base, incoming, Union)
	assert.Equal(t, record.Object{"l": record.Array{record.Int(1), record.Int(1), record.Int(2)}}, got)
}

func TestMergeIdempotence(t *testing.T) {
	a := record.MustObject(map[string]any{
		"meta": map[string]any{"a": 1, "arr": []any{1, 2}},
		"tags": []any{"x"},
	})
	b := record.MustObject(map[string]any{
		"meta": map[string]any{"arr": []any{2, 3}},
		"tags": []any{"y", "x"},
	})

	for _, s := range []Strategy{Replace, Union} {
		t.Run(string(s), func(t *testing.T) {
			once := Merge(a, b, s)
			twice := Merge(once, b, s)
			assert.Equal(t, once, twice)
		})
	}

	t.Run("concat is not idempotent", func(t *testing.T) {
		once := Merge(a, b, Concat)
		twice := Merge(once, b, Concat)
		assert.NotEqual(t, once, twice)
	})
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	a := record.MustObject(map[string]any{"meta": map[string]any{"arr": []any{1}}})
	b := record.MustObject(map[string]any{"meta": map[string]any{"arr": []any{2}}})
	aCopy := record.CloneObject(a)
	bCopy := record.CloneObject(b)

	got := Merge(a, b, Concat).(record.Object)
	got["meta"].(record.Object)["arr"].(record.Array)[0] = record.Int(99)

	assert.Equal(t, aCopy, a)
	assert.Equal(t, bCopy, b)
}

func TestMergeUnknownStrategyReplaces(t *testing.T) {
	got := Merge(
		record.Object{"l": record.Array{record.Int(1)}},
		record.Object{"l": record.Array{record.Int(2)}},
		Strategy("bogus"),
	)
	assert.Equal(t, record.Object{"l": record.Array{record.Int(2)}}, got)
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"union", Union, false},
		{" Concat ", Concat, false},
		{"REPLACE", Replace, false},
		{"merge", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrategy(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.Valid())
		})
	}
}

func TestStrategyText(t *testing.T) {
	var s Strategy
	require.NoError(t, s.UnmarshalText([]byte("Concat")))
	assert.Equal(t, Concat, s)

	out, err := s.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "concat", string(out))

	require.Error(t, s.UnmarshalText([]byte("nope")))
	assert.Equal(t, Concat, s, "failed unmarshal leaves value unchanged")
}

func keysOf(obj record.Object) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	return keys
}
