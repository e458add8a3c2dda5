// Package tokenizer provides text tokenization for the engine.
//
// Supported tokenizers:
//   - TikToken: OpenAI BPE encodings (cl100k_base, o200k_base, p50k_base)
//   - Vocab: the piece table embedded in GGUF metadata
package tokenizer

import (
	"github.com/casonadams/minerva-sub000/internal/gguf"
	"github.com/casonadams/minerva-sub000/internal/tokenizer"
)

// Tokenizer converts between text and token ids.
type Tokenizer = tokenizer.Tokenizer

// Vocab is a GGUF piece table.
type Vocab = tokenizer.Vocab

// NewTikToken creates a TikToken tokenizer with the specified encoding.
func NewTikToken(encodingName string) (Tokenizer, error) {
	tok, err := tokenizer.NewTikToken(encodingName)
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// FromGGUF reads the vocabulary of the GGUF file at path.
func FromGGUF(path string) (*Vocab, error) {
	f, err := (&gguf.Parser{}).Inspect(path)
	if err != nil {
		return nil, err
	}
	return tokenizer.FromGGUF(f)
}

// EOS returns the end-of-sequence token of tok, if it has one.
func EOS(tok Tokenizer) (uint32, bool) {
	return tokenizer.EOS(tok)
}
