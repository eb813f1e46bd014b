package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdev/engram/internal/storage"
)

func TestValidIdent(t *testing.T) {
	assert.True(t, validIdent("facts"))
	assert.True(t, validIdent("created_at"))
	assert.True(t, validIdent("_x1"))
	assert.False(t, validIdent("drop table"))
	assert.False(t, validIdent("a;b"))
	assert.False(t, validIdent("1abc"))
	assert.False(t, validIdent(""))
}

func TestWhereBuilder_BareEquality(t *testing.T) {
	w := newWhereBuilder(1)
	require.NoError(t, w.addFilter(storage.Filter{"color": "red"}))

	assert.Equal(t, ` WHERE "color" = $1`, w.where())
	assert.Equal(t, []any{"red"}, w.args)
}

func TestWhereBuilder_PlaceholderOffset(t *testing.T) {
	// The query vector occupies $1, so filter placeholders start at $2.
	w := newWhereBuilder(2)
	require.NoError(t, w.addFilter(storage.Filter{"color": "red"}))
	w.addDocumentContains("cat")

	assert.Equal(t, ` WHERE "color" = $2 AND document LIKE $3`, w.where())
	assert.Equal(t, []any{"red", "%cat%"}, w.args)
}

func TestWhereBuilder_OperatorLeaves(t *testing.T) {
	w := newWhereBuilder(1)
	require.NoError(t, w.addFilter(storage.Filter{
		"status": map[string]any{storage.OpNe: "done"},
	}))

	assert.Equal(t, ` WHERE "status" IS DISTINCT FROM $1`, w.where())
}

func TestWhereBuilder_ContainsBecomesLike(t *testing.T) {
	w := newWhereBuilder(1)
	require.NoError(t, w.addFilter(storage.Filter{
		"tags": map[string]any{storage.OpContains: "urgent"},
	}))

	assert.Equal(t, ` WHERE "tags" LIKE $1`, w.where())
	assert.Equal(t, []any{"%urgent%"}, w.args)
}

func TestWhereBuilder_NumericOrderedMirrorsInMemoryRule(t *testing.T) {
	w := newWhereBuilder(1)
	require.NoError(t, w.addFilter(storage.Filter{
		"created_at": map[string]any{storage.OpGt: "1724800000.5"},
	}))

	// Numeric-looking rows compare as numbers, everything else as text, so a
	// row holding non-numeric text never reaches the cast.
	clause := w.where()
	assert.Contains(t, clause, `"created_at" ~ '`+sqlNumericPattern+`' AND "created_at"::numeric > $1`)
	assert.Contains(t, clause, `NOT "created_at" ~ '`+sqlNumericPattern+`' AND "created_at" > $2`)
	assert.Equal(t, []any{1724800000.5, "1724800000.5"}, w.args)
}

func TestWhereBuilder_TextOrderedComparesAsText(t *testing.T) {
	w := newWhereBuilder(1)
	require.NoError(t, w.addFilter(storage.Filter{
		"name": map[string]any{storage.OpLt: "m"},
	}))

	assert.Equal(t, ` WHERE "name" < $1`, w.where())
}

func TestWhereBuilder_OrGroupsParenthesized(t *testing.T) {
	w := newWhereBuilder(1)
	require.NoError(t, w.addFilter(storage.Filter{
		storage.OpOr: []storage.Filter{
			{"color": "red"},
			{"color": "blue"},
		},
	}))

	assert.Equal(t, ` WHERE ("color" = $1 OR "color" = $2)`, w.where())
	assert.Equal(t, []any{"red", "blue"}, w.args)
}

func TestWhereBuilder_AndOfMixedLeaves(t *testing.T) {
	w := newWhereBuilder(1)
	require.NoError(t, w.addFilter(storage.Filter{
		storage.OpAnd: []storage.Filter{
			{"a": "1"},
			{"ts": map[string]any{storage.OpGt: "5"}},
		},
	}))

	clause := w.where()
	assert.Contains(t, clause, `"a" = $1`)
	assert.Contains(t, clause, `"ts"::numeric > $2`)
	assert.Contains(t, clause, `"ts" > $3`)
	assert.Equal(t, []any{"1", float64(5), "5"}, w.args)
}

func TestWhereBuilder_NestedFilterLeaf(t *testing.T) {
	w := newWhereBuilder(1)
	require.NoError(t, w.addFilter(storage.Filter{
		"status": storage.Filter{storage.OpNe: "done"},
	}))

	assert.Equal(t, ` WHERE "status" IS DISTINCT FROM $1`, w.where())
	assert.Equal(t, []any{"done"}, w.args)
}

func TestWhereBuilder_RejectsUnsafeField(t *testing.T) {
	w := newWhereBuilder(1)
	err := w.addFilter(storage.Filter{"a;drop": "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestWhereBuilder_RejectsUnknownOperator(t *testing.T) {
	w := newWhereBuilder(1)
	err := w.addFilter(storage.Filter{"a": map[string]any{"$regex": "x"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestBuildDelete_ByIDs(t *testing.T) {
	stmt, args, err := buildDelete(`"public"."memory_facts"`, []int64{1, 2}, nil, "")
	require.NoError(t, err)

	assert.Equal(t, `DELETE FROM "public"."memory_facts" WHERE id = ANY($1)`, stmt)
	require.Len(t, args, 1)
}

func TestBuildDelete_ByFilterAndContains(t *testing.T) {
	stmt, args, err := buildDelete(`"public"."memory_facts"`, nil, storage.Filter{"color": "red"}, "cat")
	require.NoError(t, err)

	assert.Equal(t, `DELETE FROM "public"."memory_facts" WHERE "color" = $1 AND document LIKE $2`, stmt)
	assert.Equal(t, []any{"red", "%cat%"}, args)
}

func TestBuildDelete_RefusesUnconditional(t *testing.T) {
	_, _, err := buildDelete(`"public"."memory_facts"`, nil, nil, "")
	assert.ErrorIs(t, err, storage.ErrNoCondition)
}

func TestSelectColumns_OrderAndDistance(t *testing.T) {
	assert.Equal(t, "id, document, embedding", selectColumns(nil, false))
	assert.Equal(t,
		`id, document, embedding, "color", "size", embedding <-> $1 AS distance`,
		selectColumns([]string{"color", "size"}, true))
}

func TestMetadataKeys_Sorted(t *testing.T) {
	keys := metadataKeys(map[string]string{"b": "2", "a": "1", "c": "3"})
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}
