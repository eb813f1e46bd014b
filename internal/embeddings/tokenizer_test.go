package embeddings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVocab() *wordPieceTokenizer {
	return &wordPieceTokenizer{vocab: map[string]int{
		"hello": 5,
		"wor":   6,
		"##ld":  7,
		"a":     8,
	}}
}

func TestEncode_ClsTokensSepPadding(t *testing.T) {
	tok := testVocab()

	ids, mask := tok.Encode("Hello world!", 8)
	assert.Equal(t, []int64{tokenCls, 5, 6, 7, tokenSep, 0, 0, 0}, ids)
	assert.Equal(t, []int64{1, 1, 1, 1, 1, 0, 0, 0}, mask)
}

func TestEncode_TruncatesToMaxLen(t *testing.T) {
	tok := testVocab()

	ids, mask := tok.Encode("hello hello hello hello hello", 4)
	require.Len(t, ids, 4)
	assert.Equal(t, []int64{tokenCls, 5, 5, tokenSep}, ids)
	assert.Equal(t, []int64{1, 1, 1, 1}, mask)
}

func TestEncode_EmptyText(t *testing.T) {
	tok := testVocab()

	ids, mask := tok.Encode("", 4)
	assert.Equal(t, []int64{tokenCls, tokenSep, 0, 0}, ids)
	assert.Equal(t, []int64{1, 1, 0, 0}, mask)
}

func TestTokenize_StripsPunctuationAndLowercases(t *testing.T) {
	tok := testVocab()
	assert.Equal(t, []int64{5, 8}, tok.tokenize("HELLO, 'a'!"))
}

func TestTokenize_UnknownFallsBackToUnk(t *testing.T) {
	tok := testVocab()
	out := tok.tokenize("zz")
	require.NotEmpty(t, out)
	for _, id := range out {
		assert.Equal(t, int64(tokenUnk), id)
	}
}

func TestWordPieces_GreedyLongestPrefix(t *testing.T) {
	tok := testVocab()
	assert.Equal(t, []string{"wor", "##ld"}, tok.wordPieces("world"))
}

func TestLoadTokenizer_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	content := `{"model": {"vocab": {"hello": 5, "[CLS]": 101}}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	tok, err := loadTokenizer(path)
	require.NoError(t, err)
	assert.Equal(t, 5, tok.vocab["hello"])
}

func TestLoadTokenizer_EmptyVocabFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"model": {"vocab": {}}}`), 0o644))

	_, err := loadTokenizer(path)
	assert.Error(t, err)
}

func TestLoadTokenizer_MissingFileFails(t *testing.T) {
	_, err := loadTokenizer(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
