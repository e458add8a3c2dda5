package gguf

import (
	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/model"
	"github.com/casonadams/minerva-sub000/internal/nn"
)

// Architectures whose llama.cpp graph uses NEOX (half) rotary embeddings.
var halfRope = map[string]bool{
	"qwen2":      true,
	"qwen3":      true,
	"phi3":       true,
	"gemma":      true,
	"gemma2":     true,
	"stablelm":   true,
	"gptneox":    true,
	"starcoder2": true,
}

// ModelConfig reads the architecture parameters from the "<arch>.*" keys.
func (f *File) ModelConfig() (*model.Config, error) {
	arch := f.Architecture()
	if arch == "" {
		return nil, &errs.ConfigError{Field: "general.architecture", Expected: "a string", Actual: "missing"}
	}
	key := func(k string) string { return arch + "." + k }

	cfg := &model.Config{
		Architecture:     arch,
		HiddenSize:       f.intOr(key("embedding_length"), 0),
		NumLayers:        f.intOr(key("block_count"), 0),
		NumHeads:         f.intOr(key("attention.head_count"), 0),
		IntermediateSize: f.intOr(key("feed_forward_length"), 0),
		MaxPosition:      f.intOr(key("context_length"), model.DefaultMaxPosition),
		HeadDim:          f.intOr(key("attention.key_length"), 0),
		RMSNormEps:       f.floatOr(key("attention.layer_norm_rms_epsilon"), model.DefaultRMSNormEps),
		RopeTheta:        f.floatOr(key("rope.freq_base"), model.DefaultRopeTheta),
		RopeStyle:        nn.RopeInterleaved,
	}
	cfg.NumKVHeads = f.intOr(key("attention.head_count_kv"), cfg.NumHeads)
	if halfRope[arch] {
		cfg.RopeStyle = nn.RopeHalf
	}

	cfg.VocabSize = f.intOr(key("vocab_size"), 0)
	if cfg.VocabSize == 0 {
		if tokens, ok := f.Metadata["tokenizer.ggml.tokens"].([]string); ok {
			cfg.VocabSize = len(tokens)
		}
	}
	if cfg.VocabSize == 0 {
		if emb := f.Tensor("token_embd.weight"); emb != nil && len(emb.Dims) == 2 {
			cfg.VocabSize = int(emb.Dims[1]) //nolint:gosec // G115: dims bounded by file size.
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *File) intOr(key string, def int) int {
	if v, ok := f.Int(key); ok {
		return int(v)
	}
	return def
}

func (f *File) floatOr(key string, def float64) float64 {
	if v, ok := f.Float(key); ok {
		return v
	}
	return def
}
