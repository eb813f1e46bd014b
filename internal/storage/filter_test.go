package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdev/engram/internal/storage"
)

func TestNormalize_MultiKeyBecomesAnd(t *testing.T) {
	f := storage.Filter{"a": "1", "b": "2"}
	norm := f.Normalize()

	clauses, ok := norm[storage.OpAnd].([]storage.Filter)
	require.True(t, ok, "multi-key filter must normalize to $and")
	require.Len(t, clauses, 2)

	// Keys are sorted, so the rewrite is deterministic.
	assert.Equal(t, storage.Filter{"a": map[string]any{storage.OpEq: "1"}}, clauses[0])
	assert.Equal(t, storage.Filter{"b": map[string]any{storage.OpEq: "2"}}, clauses[1])
}

func TestNormalize_SingleKeyUnchanged(t *testing.T) {
	f := storage.Filter{"a": "1"}
	assert.Equal(t, f, f.Normalize())
}

func TestNormalize_ExplicitAndUnchanged(t *testing.T) {
	f := storage.Filter{storage.OpAnd: []storage.Filter{{"a": "1"}}}
	assert.Equal(t, f, f.Normalize())
}

func TestNormalize_NestedFilterLeafKept(t *testing.T) {
	f := storage.Filter{"a": "1", "ts": storage.Filter{storage.OpGt: "5"}}
	norm := f.Normalize()

	clauses, ok := norm[storage.OpAnd].([]storage.Filter)
	require.True(t, ok)
	require.Len(t, clauses, 2)

	// The operator leaf keeps its operators instead of being wrapped in $eq.
	assert.Equal(t, storage.Filter{"ts": map[string]any{storage.OpGt: "5"}}, clauses[1])
}

func TestNestedFilterLeafSpec(t *testing.T) {
	// Leaf specs built as nested Filter values behave exactly like plain maps.
	f := storage.Filter{"count": storage.Filter{storage.OpGt: 5}}
	require.NoError(t, f.Validate())

	assert.True(t, f.Matches(map[string]string{"count": "7"}))
	assert.False(t, f.Matches(map[string]string{"count": "3"}))

	_, exact := f.EqualityClauses()
	assert.False(t, exact, "a range leaf is not an exact-match tree")

	eq, exact := storage.Filter{"color": storage.Filter{storage.OpEq: "red"}}.EqualityClauses()
	assert.True(t, exact)
	assert.Equal(t, map[string]string{"color": "red"}, eq)
}

func TestValidate_RejectsUnknownOperatorInNestedFilter(t *testing.T) {
	f := storage.Filter{"a": storage.Filter{"$regex": "x"}}
	err := f.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestValidate_RejectsUnknownOperator(t *testing.T) {
	f := storage.Filter{"a": map[string]any{"$regex": "x"}}
	err := f.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestMatches_BareEquality(t *testing.T) {
	f := storage.Filter{"color": "red"}
	assert.True(t, f.Matches(map[string]string{"color": "red"}))
	assert.False(t, f.Matches(map[string]string{"color": "blue"}))
	assert.False(t, f.Matches(map[string]string{}))
}

func TestMatches_CoercesOperands(t *testing.T) {
	f := storage.Filter{"count": 3, "active": true}
	assert.True(t, f.Matches(map[string]string{"count": "3", "active": "True"}))
}

func TestMatches_NeOnMissingKeySucceeds(t *testing.T) {
	f := storage.Filter{"color": map[string]any{storage.OpNe: "red"}}
	assert.True(t, f.Matches(map[string]string{}))
	assert.True(t, f.Matches(map[string]string{"color": "blue"}))
	assert.False(t, f.Matches(map[string]string{"color": "red"}))
}

func TestMatches_OrderedComparesNumerically(t *testing.T) {
	f := storage.Filter{"ts": map[string]any{storage.OpGt: "9"}}
	// "10" < "9" lexicographically, but both parse as floats.
	assert.True(t, f.Matches(map[string]string{"ts": "10"}))
	assert.False(t, f.Matches(map[string]string{"ts": "8"}))
}

func TestMatches_OrderedFallsBackToLexicographic(t *testing.T) {
	f := storage.Filter{"name": map[string]any{storage.OpLt: "m"}}
	assert.True(t, f.Matches(map[string]string{"name": "alice"}))
	assert.False(t, f.Matches(map[string]string{"name": "zoe"}))

	// A non-numeric stored value against a numeric operand compares as text
	// rather than erroring out.
	g := storage.Filter{"count": map[string]any{storage.OpGt: "5"}}
	assert.True(t, g.Matches(map[string]string{"count": "abc"}))
}

func TestMatches_RangeLeaf(t *testing.T) {
	f := storage.Filter{"ts": map[string]any{storage.OpGt: "5", storage.OpLt: "10"}}
	assert.True(t, f.Matches(map[string]string{"ts": "7"}))
	assert.False(t, f.Matches(map[string]string{"ts": "4"}))
	assert.False(t, f.Matches(map[string]string{"ts": "11"}))
}

func TestMatches_Contains(t *testing.T) {
	f := storage.Filter{"tags": map[string]any{storage.OpContains: "urgent"}}
	assert.True(t, f.Matches(map[string]string{"tags": "work,urgent,todo"}))
	assert.False(t, f.Matches(map[string]string{"tags": "work"}))
}

func TestMatches_OrAnyMemberSuffices(t *testing.T) {
	f := storage.Filter{storage.OpOr: []storage.Filter{
		{"color": "red"},
		{"color": "blue"},
	}}
	assert.True(t, f.Matches(map[string]string{"color": "blue"}))
	assert.False(t, f.Matches(map[string]string{"color": "green"}))
}

func TestMatches_AndAllMembersRequired(t *testing.T) {
	f := storage.Filter{storage.OpAnd: []storage.Filter{
		{"a": "1"},
		{"b": "2"},
	}}
	assert.True(t, f.Matches(map[string]string{"a": "1", "b": "2"}))
	assert.False(t, f.Matches(map[string]string{"a": "1"}))
}

func TestEqualityClauses_ExactTree(t *testing.T) {
	f := storage.Filter{storage.OpAnd: []storage.Filter{
		{"a": map[string]any{storage.OpEq: "1"}},
		{"b": "2"},
	}}
	eq, exact := f.EqualityClauses()
	assert.True(t, exact)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, eq)
}

func TestEqualityClauses_RangeMakesInexact(t *testing.T) {
	f := storage.Filter{storage.OpAnd: []storage.Filter{
		{"a": "1"},
		{"ts": map[string]any{storage.OpGt: "5"}},
	}}
	eq, exact := f.EqualityClauses()
	assert.False(t, exact)
	assert.Equal(t, map[string]string{"a": "1"}, eq)
}

func TestEqualityClauses_OrMakesInexact(t *testing.T) {
	f := storage.Filter{storage.OpOr: []storage.Filter{{"a": "1"}}}
	_, exact := f.EqualityClauses()
	assert.False(t, exact)
}

func TestCanonicalID_ZeroPadsNumeric(t *testing.T) {
	assert.Equal(t, "0000000000000007", storage.CanonicalID("7"))
	assert.Equal(t, "0000000000000007", storage.CanonicalID("0000000000000007"))
	assert.Equal(t, "0000000000000000", storage.CanonicalID("0"))
}

func TestCanonicalID_NonNumericPassesThrough(t *testing.T) {
	assert.Equal(t, "abc-123", storage.CanonicalID("abc-123"))
	assert.Equal(t, "", storage.CanonicalID(""))
}

func TestFormatID(t *testing.T) {
	assert.Equal(t, "0000000000000042", storage.FormatID(42))
}

func TestParseDate_AcceptedFormats(t *testing.T) {
	for _, value := range []string{
		"2026-08-28T10:30:00Z",
		"2026-08-28T10:30:00",
		"2026-08-28 10:30:00",
		"2026-08-28",
		"08/28/2026",
	} {
		_, err := storage.ParseDate("created_after", value)
		assert.NoError(t, err, "format %q must parse", value)
	}
}

func TestParseDate_ErrorNamesField(t *testing.T) {
	_, err := storage.ParseDate("created_before", "not-a-date")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
	assert.Contains(t, err.Error(), "created_before")
}
