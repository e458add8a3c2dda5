// Package generate runs greedy decoding loops over an engine.
//
// Example usage:
//
//	gen := generate.NewTextGenerator(e, tok)
//	text, err := gen.Generate(ctx, "Once upon a time", generate.DefaultGenerateConfig())
package generate

import (
	"github.com/casonadams/minerva-sub000/internal/generate"
	"github.com/casonadams/minerva-sub000/internal/tokenizer"
)

// GenerateConfig configures text generation.
//
//nolint:revive // GenerateConfig is clearer than Config
type GenerateConfig = generate.GenerateConfig

// GenerateResult is a single result from streaming generation.
//
//nolint:revive // GenerateResult is clearer than Result
type GenerateResult = generate.GenerateResult

// StopReason says why generation ended.
type StopReason = generate.StopReason

// Stop reasons.
const (
	StopMaxTokens   = generate.StopMaxTokens
	StopToken       = generate.StopToken
	StopString      = generate.StopString
	StopContextFull = generate.StopContextFull
)

// Model is satisfied by *engine.Engine.
type Model = generate.Model

// TextGenerator generates text using an LLM.
type TextGenerator = generate.TextGenerator

// DefaultGenerateConfig returns sensible defaults for generation.
func DefaultGenerateConfig() GenerateConfig {
	return generate.DefaultGenerateConfig()
}

// NewTextGenerator creates a text generator. tok may be nil for token-level
// generation.
func NewTextGenerator(model Model, tok tokenizer.Tokenizer) *TextGenerator {
	return generate.NewTextGenerator(model, tok)
}
