// Package generate drives greedy text generation over an engine.
package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/kvcache"
	"github.com/casonadams/minerva-sub000/internal/logger"
	"github.com/casonadams/minerva-sub000/internal/tokenizer"
)

// StopReason says why generation ended.
type StopReason string

// Stop reasons.
const (
	StopMaxTokens   StopReason = "max_tokens"
	StopToken       StopReason = "stop_token"
	StopString      StopReason = "stop_string"
	StopContextFull StopReason = "context_full"
)

// GenerateConfig configures text generation.
//
//nolint:revive // GenerateConfig is clearer than Config
type GenerateConfig struct {
	// MaxTokens is the maximum number of tokens to generate.
	MaxTokens int

	// MinTokens is the minimum number of tokens before a stop token or
	// string may end generation.
	MinTokens int

	// StopTokens are token IDs that trigger stopping.
	StopTokens []uint32

	// StopStrings trigger stopping when the decoded output ends with one.
	StopStrings []string

	// EchoPrompt includes the prompt in Generate's output.
	EchoPrompt bool
}

// DefaultGenerateConfig returns sensible defaults for generation.
func DefaultGenerateConfig() GenerateConfig {
	return GenerateConfig{MaxTokens: 256}
}

// Validate checks the limits.
func (c GenerateConfig) Validate() error {
	if c.MaxTokens <= 0 {
		return &errs.ConfigError{Field: "max_tokens", Expected: "> 0", Actual: fmt.Sprint(c.MaxTokens)}
	}
	if c.MinTokens < 0 || c.MinTokens > c.MaxTokens {
		return &errs.ConfigError{Field: "min_tokens", Expected: fmt.Sprintf("in [0, %d]", c.MaxTokens), Actual: fmt.Sprint(c.MinTokens)}
	}
	return nil
}

// GenerateResult is a single result from streaming generation.
//
//nolint:revive // GenerateResult is clearer than Result
type GenerateResult struct {
	Token   string     // Decoded token text, empty without a tokenizer.
	TokenID uint32     // Token ID
	Done    bool       // Is generation complete
	Reason  StopReason // Set when Done
	Error   error      // Error if any
}

// Model is the part of an engine the generator drives.
type Model interface {
	NewCache() (*kvcache.Cache, error)
	Prefill(ctx context.Context, tokens []uint32, cache *kvcache.Cache) ([]float32, error)
	Step(ctx context.Context, token uint32, cache *kvcache.Cache) ([]float32, error)
}

// TextGenerator generates text using an LLM. It holds no per-session state;
// every call runs in a fresh cache.
type TextGenerator struct {
	model     Model
	tokenizer tokenizer.Tokenizer
}

// NewTextGenerator creates a new text generator. tok may be nil when only
// token-level generation is used.
func NewTextGenerator(model Model, tok tokenizer.Tokenizer) *TextGenerator {
	return &TextGenerator{model: model, tokenizer: tok}
}

// Generate generates text from a prompt.
func (g *TextGenerator) Generate(ctx context.Context, prompt string, config GenerateConfig) (string, error) {
	inputIDs, err := g.encode(prompt)
	if err != nil {
		return "", err
	}

	var result strings.Builder
	if config.EchoPrompt {
		result.WriteString(prompt)
	}
	_, err = g.GenerateTokens(ctx, inputIDs, config, func(res GenerateResult) bool {
		result.WriteString(res.Token)
		return true
	})
	if err != nil {
		return "", err
	}
	return result.String(), nil
}

// GenerateStream generates text and returns a channel of results. The last
// result has Done or Error set. Cancel ctx to stop early.
func (g *TextGenerator) GenerateStream(ctx context.Context, prompt string, config GenerateConfig) (<-chan GenerateResult, error) {
	inputIDs, err := g.encode(prompt)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ch := make(chan GenerateResult, 1)
	go func() {
		defer close(ch)
		send := func(res GenerateResult) bool {
			select {
			case ch <- res:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if _, err := g.GenerateTokens(ctx, inputIDs, config, send); err != nil {
			send(GenerateResult{Done: true, Error: err})
		}
	}()
	return ch, nil
}

// GenerateTokens runs the prompt and greedily decodes up to MaxTokens tokens,
// calling fn for each. fn returning false stops generation. The generated
// ids are returned.
func (g *TextGenerator) GenerateTokens(ctx context.Context, prompt []uint32, config GenerateConfig, fn func(GenerateResult) bool) ([]uint32, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cache, err := g.model.NewCache()
	if err != nil {
		return nil, err
	}
	logits, err := g.model.Prefill(ctx, prompt, cache)
	if err != nil {
		return nil, fmt.Errorf("prefill: %w", err)
	}

	generated := make([]uint32, 0, config.MaxTokens)
	for {
		next := Argmax(logits)
		generated = append(generated, next)

		res := GenerateResult{TokenID: next}
		if g.tokenizer != nil {
			if res.Token, err = g.tokenizer.Decode([]uint32{next}); err != nil {
				return generated, fmt.Errorf("decode token %d: %w", next, err)
			}
		}
		res.Reason, err = g.checkStopConditions(next, generated, cache, config)
		if err != nil {
			return generated, err
		}
		res.Done = res.Reason != ""
		if fn != nil && !fn(res) {
			return generated, ctx.Err()
		}
		if res.Done {
			logger.Log.Debug("generation done", "session", cache.ID().String(),
				"prompt", len(prompt), "generated", len(generated), "reason", string(res.Reason))
			return generated, nil
		}

		logits, err = g.model.Step(ctx, next, cache)
		if err != nil {
			return generated, fmt.Errorf("step %d: %w", len(generated), err)
		}
	}
}

// checkStopConditions checks if generation should stop after token.
func (g *TextGenerator) checkStopConditions(
	token uint32,
	generated []uint32,
	cache *kvcache.Cache,
	config GenerateConfig,
) (StopReason, error) {
	if len(generated) >= config.MinTokens {
		for _, stopToken := range config.StopTokens {
			if token == stopToken {
				return StopToken, nil
			}
		}
		if len(config.StopStrings) > 0 && g.tokenizer != nil {
			fullText, err := g.tokenizer.Decode(generated)
			if err != nil {
				return "", fmt.Errorf("decode output: %w", err)
			}
			for _, stopStr := range config.StopStrings {
				if strings.HasSuffix(fullText, stopStr) {
					return StopString, nil
				}
			}
		}
	}
	if len(generated) >= config.MaxTokens {
		return StopMaxTokens, nil
	}
	// The token just chosen still has to be fed through a Step.
	if cache.Remaining() == 0 {
		return StopContextFull, nil
	}
	return "", nil
}

func (g *TextGenerator) encode(prompt string) ([]uint32, error) {
	if g.tokenizer == nil {
		return nil, &errs.ConfigError{Field: "tokenizer", Expected: "set for text generation", Actual: "nil"}
	}
	ids, err := g.tokenizer.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	return ids, nil
}

// Argmax returns the index of the largest logit, the lowest index on ties.
func Argmax(logits []float32) uint32 {
	best := 0
	for i, x := range logits {
		if x > logits[best] {
			best = i
		}
	}
	return uint32(best) //nolint:gosec // G115: vocab sizes fit in uint32.
}
