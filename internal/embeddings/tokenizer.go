package embeddings

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Special token ids in the BERT vocabulary.
const (
	tokenUnk = 100 // [UNK]
	tokenCls = 101 // [CLS]
	tokenSep = 102 // [SEP]
)

// wordPieceTokenizer is a BERT-style WordPiece tokenizer loaded from a
// HuggingFace tokenizer.json vocabulary.
type wordPieceTokenizer struct {
	vocab map[string]int
}

// loadTokenizer reads the vocabulary from a tokenizer.json file.
func loadTokenizer(path string) (*wordPieceTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("embeddings: read tokenizer: %w", err)
	}

	var parsed struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("embeddings: parse tokenizer: %w", err)
	}
	if len(parsed.Model.Vocab) == 0 {
		return nil, fmt.Errorf("embeddings: tokenizer %s has an empty vocabulary", path)
	}

	return &wordPieceTokenizer{vocab: parsed.Model.Vocab}, nil
}

// Encode tokenizes text and returns fixed-length input ids and attention
// mask rows, truncated and padded to maxLen. The row layout is
// [CLS] tokens... [SEP] padding..., matching what the encoder was trained on.
func (t *wordPieceTokenizer) Encode(text string, maxLen int) (ids, mask []int64) {
	tokens := t.tokenize(text)

	ids = make([]int64, maxLen)
	mask = make([]int64, maxLen)

	ids[0] = tokenCls
	mask[0] = 1

	n := len(tokens)
	if n > maxLen-2 {
		n = maxLen - 2
	}
	for i := 0; i < n; i++ {
		ids[i+1] = tokens[i]
		mask[i+1] = 1
	}

	ids[n+1] = tokenSep
	mask[n+1] = 1
	return ids, mask
}

// tokenize splits lowercased text into WordPiece token ids.
func (t *wordPieceTokenizer) tokenize(text string) []int64 {
	var out []int64
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]")
		if word == "" {
			continue
		}
		if id, ok := t.vocab[word]; ok {
			out = append(out, int64(id))
			continue
		}
		for _, piece := range t.wordPieces(word) {
			if id, ok := t.vocab[piece]; ok {
				out = append(out, int64(id))
			} else {
				out = append(out, tokenUnk)
			}
		}
	}
	return out
}

// wordPieces greedily splits a word into the longest vocabulary prefixes,
// prefixing continuations with "##" per the WordPiece convention.
func (t *wordPieceTokenizer) wordPieces(word string) []string {
	var pieces []string
	start := 0
	for start < len(word) {
		end := len(word)
		found := false
		for end > start {
			piece := word[start:end]
			if start > 0 {
				piece = "##" + piece
			}
			if _, ok := t.vocab[piece]; ok {
				pieces = append(pieces, piece)
				start = end
				found = true
				break
			}
			end--
		}
		if !found {
			pieces = append(pieces, "[UNK]")
			start++
		}
	}
	return pieces
}
