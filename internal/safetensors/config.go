package safetensors

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"

	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/model"
	"github.com/casonadams/minerva-sub000/internal/nn"
)

// ConfigFile is the Hugging Face model configuration next to the weights.
const ConfigFile = "config.json"

type hfConfig struct {
	ModelType         string   `json:"model_type"`
	Architectures     []string `json:"architectures"`
	HiddenSize        int      `json:"hidden_size"`
	IntermediateSize  int      `json:"intermediate_size"`
	NumHiddenLayers   int      `json:"num_hidden_layers"`
	NumAttentionHeads int      `json:"num_attention_heads"`
	NumKeyValueHeads  int      `json:"num_key_value_heads"`
	HeadDim           int      `json:"head_dim"`
	VocabSize         int      `json:"vocab_size"`
	RMSNormEps        float64  `json:"rms_norm_eps"`
	MaxPosition       int      `json:"max_position_embeddings"`
	RopeTheta         float64  `json:"rope_theta"`
}

// ReadConfig parses a config.json into a validated model config.
func ReadConfig(path string) (*model.Config, error) {
	//nolint:gosec // G304: model paths come from the caller.
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errs.ConfigError{Field: ConfigFile, Expected: "file next to the weights", Actual: "missing"}
		}
		return nil, err
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (*model.Config, error) {
	var hf hfConfig
	if err := json.Unmarshal(b, &hf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	cfg := &model.Config{
		Architecture:     hf.ModelType,
		HiddenSize:       hf.HiddenSize,
		NumLayers:        hf.NumHiddenLayers,
		NumHeads:         hf.NumAttentionHeads,
		NumKVHeads:       hf.NumKeyValueHeads,
		HeadDim:          hf.HeadDim,
		VocabSize:        hf.VocabSize,
		IntermediateSize: hf.IntermediateSize,
		RMSNormEps:       hf.RMSNormEps,
		MaxPosition:      hf.MaxPosition,
		RopeTheta:        hf.RopeTheta,
		RopeStyle:        nn.RopeHalf,
	}
	if cfg.Architecture == "" {
		cfg.Architecture = model.ArchitectureLLaMA
	}
	if cfg.NumKVHeads == 0 {
		cfg.NumKVHeads = cfg.NumHeads
	}
	if cfg.RMSNormEps == 0 {
		cfg.RMSNormEps = model.DefaultRMSNormEps
	}
	if cfg.MaxPosition == 0 {
		cfg.MaxPosition = model.DefaultMaxPosition
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
