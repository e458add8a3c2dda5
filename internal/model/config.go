// Package model holds the format-agnostic description of a loaded model: the
// architecture parameters and the canonical, immutable weight set. Both the
// GGUF and the SafeTensors parsers produce these types.
package model

import (
	"fmt"

	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/nn"
)

// Architecture names.
const (
	ArchitectureLLaMA   = "llama"
	ArchitectureMistral = "mistral"
	ArchitectureQwen2   = "qwen2"
)

// Defaults applied when a file omits the value.
const (
	DefaultRMSNormEps  = 1e-5
	DefaultRopeTheta   = 10000.0
	DefaultMaxPosition = 2048
)

// Config describes the transformer architecture.
type Config struct {
	Architecture     string
	HiddenSize       int
	NumLayers        int
	NumHeads         int
	NumKVHeads       int
	HeadDim          int
	VocabSize        int
	IntermediateSize int
	RMSNormEps       float64
	MaxPosition      int
	RopeTheta        float64
	RopeStyle        nn.RopeStyle
}

// Validate checks positivity and head divisibility and fills HeadDim when it
// is zero.
func (c *Config) Validate() error {
	for _, f := range []struct {
		name string
		v    int
	}{
		{"hidden_size", c.HiddenSize},
		{"num_layers", c.NumLayers},
		{"num_attention_heads", c.NumHeads},
		{"num_kv_heads", c.NumKVHeads},
		{"vocab_size", c.VocabSize},
		{"intermediate_size", c.IntermediateSize},
		{"max_position", c.MaxPosition},
	} {
		if f.v <= 0 {
			return &errs.ConfigError{Field: f.name, Expected: "> 0", Actual: fmt.Sprint(f.v)}
		}
	}
	if c.RMSNormEps <= 0 {
		return &errs.ConfigError{Field: "rms_norm_eps", Expected: "> 0", Actual: fmt.Sprint(c.RMSNormEps)}
	}
	if c.NumHeads%c.NumKVHeads != 0 {
		return &errs.ConfigError{
			Field:    "num_kv_heads",
			Expected: fmt.Sprintf("a divisor of num_attention_heads=%d", c.NumHeads),
			Actual:   fmt.Sprint(c.NumKVHeads),
		}
	}
	if c.HeadDim == 0 {
		if c.HiddenSize%c.NumHeads != 0 {
			return &errs.ConfigError{
				Field:    "hidden_size",
				Expected: fmt.Sprintf("a multiple of num_attention_heads=%d", c.NumHeads),
				Actual:   fmt.Sprint(c.HiddenSize),
			}
		}
		c.HeadDim = c.HiddenSize / c.NumHeads
	}
	if c.HeadDim <= 0 || c.HeadDim%2 != 0 {
		return &errs.ConfigError{Field: "head_dim", Expected: "a positive even number", Actual: fmt.Sprint(c.HeadDim)}
	}
	if c.RopeTheta <= 0 {
		c.RopeTheta = DefaultRopeTheta
	}
	return nil
}

// QDim is the width of the concatenated query heads.
func (c *Config) QDim() int { return c.NumHeads * c.HeadDim }

// KVDim is the width of the concatenated key (or value) heads.
func (c *Config) KVDim() int { return c.NumKVHeads * c.HeadDim }

// Attention returns the kernel configuration for a step starting at startPos.
func (c *Config) Attention(startPos, tile int) nn.AttentionConfig {
	return nn.AttentionConfig{
		NumHeads:   c.NumHeads,
		NumKVHeads: c.NumKVHeads,
		HeadDim:    c.HeadDim,
		Causal:     true,
		StartPos:   startPos,
		TileSize:   tile,
	}
}
