// Package tokenizer converts between text and the uint32 token ids consumed by
// the engine.
//
// Two implementations are provided: TikToken wraps the OpenAI encodings, and
// Vocab decodes the piece table stored in GGUF metadata.
package tokenizer

// Tokenizer is the core interface for text tokenization.
type Tokenizer interface {
	// Encode converts text to token IDs.
	Encode(text string) ([]uint32, error)

	// Decode converts token IDs back to text.
	Decode(tokens []uint32) (string, error)

	// VocabSize returns the total vocabulary size.
	VocabSize() int
}

// Special is implemented by tokenizers that know their end-of-sequence token.
type Special interface {
	EosToken() (uint32, bool)
}

// EOS returns the end-of-sequence token of tok, if it has one.
func EOS(tok Tokenizer) (uint32, bool) {
	if s, ok := tok.(Special); ok {
		return s.EosToken()
	}
	return 0, false
}
