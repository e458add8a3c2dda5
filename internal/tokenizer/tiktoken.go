package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

const (
	encodingCL100kBase = "cl100k_base"
	encodingP50kBase   = "p50k_base"
	encodingR50kBase   = "r50k_base"
	encodingO200kBase  = "o200k_base"
)

// TikToken wraps the pkoukk/tiktoken-go library for OpenAI tokenizers.
//
// Supported encodings:
//   - o200k_base: GPT-4o
//   - cl100k_base: GPT-4, GPT-3.5-turbo, text-embedding-ada-002
//   - p50k_base: GPT-3, Codex
//   - r50k_base: GPT-3, davinci-002, babbage-002
type TikToken struct {
	encoding *tiktoken.Tiktoken
	name     string
}

// NewTikToken creates a new TikToken tokenizer with the specified encoding.
// The BPE ranks are fetched on first use and cached by tiktoken-go.
func NewTikToken(encodingName string) (*TikToken, error) {
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %q: %w", encodingName, err)
	}
	return &TikToken{encoding: encoding, name: encodingName}, nil
}

// NewTikTokenForModel creates a TikToken tokenizer for a specific model.
//
// Example models: "gpt-4", "gpt-3.5-turbo", "text-embedding-ada-002".
func NewTikTokenForModel(modelName string) (*TikToken, error) {
	encoding, err := tiktoken.EncodingForModel(modelName)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken for model %q: %w", modelName, err)
	}
	return &TikToken{encoding: encoding, name: modelName}, nil
}

// Encode converts text to token IDs. Special tokens are encoded as text.
func (t *TikToken) Encode(text string) ([]uint32, error) {
	tokens := t.encoding.Encode(text, nil, nil)
	result := make([]uint32, len(tokens))
	for i, tok := range tokens {
		result[i] = uint32(tok) //nolint:gosec // G115: ranks are below 2^31.
	}
	return result, nil
}

// Decode converts token IDs back to text.
func (t *TikToken) Decode(tokens []uint32) (string, error) {
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		ids[i] = int(tok)
	}
	return t.encoding.Decode(ids), nil
}

// VocabSize returns the size of the ordinary (non-special) vocabulary.
func (t *TikToken) VocabSize() int {
	switch t.name {
	case encodingO200kBase:
		return 199998
	case encodingCL100kBase:
		return 100256
	case encodingP50kBase, encodingR50kBase:
		return 50257
	default:
		return 100000
	}
}

// EosToken returns the id of <|endoftext|>.
func (t *TikToken) EosToken() (uint32, bool) {
	switch t.name {
	case encodingO200kBase:
		return 199999, true
	case encodingCL100kBase:
		return 100257, true
	case encodingP50kBase, encodingR50kBase:
		return 50256, true
	}
	return 0, false
}

// Name returns the encoding name.
func (t *TikToken) Name() string {
	return t.name
}
