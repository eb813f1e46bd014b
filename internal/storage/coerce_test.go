package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/engramdev/engram/internal/storage"
)

func TestCoerceValue_StringsPassThrough(t *testing.T) {
	assert.Equal(t, "hello", storage.CoerceValue("hello"))
	assert.Equal(t, "", storage.CoerceValue(""))
}

func TestCoerceValue_Booleans(t *testing.T) {
	assert.Equal(t, "True", storage.CoerceValue(true))
	assert.Equal(t, "False", storage.CoerceValue(false))
}

func TestCoerceValue_Numbers(t *testing.T) {
	assert.Equal(t, "3", storage.CoerceValue(3))
	assert.Equal(t, "-17", storage.CoerceValue(int64(-17)))
	assert.Equal(t, "2.5", storage.CoerceValue(2.5))
	assert.Equal(t, "0.1", storage.CoerceValue(0.1))
}

func TestCoerceValue_NilIsEmpty(t *testing.T) {
	assert.Equal(t, "", storage.CoerceValue(nil))
}

func TestCoerceValue_CompositesBecomeJSON(t *testing.T) {
	assert.Equal(t, `["a","b"]`, storage.CoerceValue([]string{"a", "b"}))
	assert.Equal(t, `{"k":1}`, storage.CoerceValue(map[string]int{"k": 1}))
}

func TestCoerceMetadata_CoercesEveryValue(t *testing.T) {
	meta := storage.CoerceMetadata(map[string]any{
		"count":  3,
		"active": true,
		"name":   "x",
	})
	assert.Equal(t, map[string]string{
		"count":  "3",
		"active": "True",
		"name":   "x",
	}, meta)
}

func TestCoerceMetadata_NilYieldsEmptyMap(t *testing.T) {
	meta := storage.CoerceMetadata(nil)
	assert.NotNil(t, meta)
	assert.Empty(t, meta)
}
