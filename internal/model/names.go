package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Canonical tensor names.
const (
	EmbeddingName = "embedding.weight"
	NormName      = "norm.weight"
	LMHeadName    = "lm_head.weight"
)

// Per-layer canonical suffixes, used with LayerName.
const (
	AttnQ    = "attn.q.weight"
	AttnK    = "attn.k.weight"
	AttnV    = "attn.v.weight"
	AttnO    = "attn.o.weight"
	AttnQB   = "attn.q.bias"
	AttnKB   = "attn.k.bias"
	AttnVB   = "attn.v.bias"
	FFNGate  = "ffn.gate.weight"
	FFNUp    = "ffn.up.weight"
	FFNDown  = "ffn.down.weight"
	AttnNorm = "norm1.weight"
	FFNNorm  = "norm2.weight"
)

// LayerName returns the canonical name of a per-layer tensor.
func LayerName(layer int, suffix string) string {
	return fmt.Sprintf("layers.%d.%s", layer, suffix)
}

// Mapper converts a file-specific tensor name to its canonical name. ok is
// false for tensors the engine does not use.
type Mapper interface {
	MapName(name string) (canonical string, ok bool)
}

// HFMapper maps Hugging Face LLaMA-family names (LLaMA, Mistral, Qwen2).
//
//	model.embed_tokens.weight                  -> embedding.weight
//	model.layers.{i}.self_attn.q_proj.weight   -> layers.{i}.attn.q.weight
//	model.layers.{i}.mlp.gate_proj.weight      -> layers.{i}.ffn.gate.weight
//	model.layers.{i}.input_layernorm.weight    -> layers.{i}.norm1.weight
//	model.norm.weight                          -> norm.weight
type HFMapper struct{}

var hfLayer = map[string]string{
	"self_attn.q_proj.weight":         AttnQ,
	"self_attn.k_proj.weight":         AttnK,
	"self_attn.v_proj.weight":         AttnV,
	"self_attn.o_proj.weight":         AttnO,
	"self_attn.q_proj.bias":           AttnQB,
	"self_attn.k_proj.bias":           AttnKB,
	"self_attn.v_proj.bias":           AttnVB,
	"mlp.gate_proj.weight":            FFNGate,
	"mlp.up_proj.weight":              FFNUp,
	"mlp.down_proj.weight":            FFNDown,
	"input_layernorm.weight":          AttnNorm,
	"post_attention_layernorm.weight": FFNNorm,
}

// MapName implements Mapper.
func (HFMapper) MapName(name string) (string, bool) {
	switch name {
	case "model.embed_tokens.weight":
		return EmbeddingName, true
	case "model.norm.weight":
		return NormName, true
	case "lm_head.weight":
		return LMHeadName, true
	}
	return mapLayer(name, "model.layers.", hfLayer)
}

// GGUFMapper maps llama.cpp tensor names.
//
//	token_embd.weight       -> embedding.weight
//	blk.{i}.attn_q.weight   -> layers.{i}.attn.q.weight
//	blk.{i}.ffn_gate.weight -> layers.{i}.ffn.gate.weight
//	output_norm.weight      -> norm.weight
//	output.weight           -> lm_head.weight
type GGUFMapper struct{}

var ggufLayer = map[string]string{
	"attn_q.weight":      AttnQ,
	"attn_k.weight":      AttnK,
	"attn_v.weight":      AttnV,
	"attn_output.weight": AttnO,
	"attn_q.bias":        AttnQB,
	"attn_k.bias":        AttnKB,
	"attn_v.bias":        AttnVB,
	"ffn_gate.weight":    FFNGate,
	"ffn_up.weight":      FFNUp,
	"ffn_down.weight":    FFNDown,
	"attn_norm.weight":   AttnNorm,
	"ffn_norm.weight":    FFNNorm,
}

// MapName implements Mapper.
func (GGUFMapper) MapName(name string) (string, bool) {
	switch name {
	case "token_embd.weight":
		return EmbeddingName, true
	case "output_norm.weight":
		return NormName, true
	case "output.weight":
		return LMHeadName, true
	}
	return mapLayer(name, "blk.", ggufLayer)
}

// GGUFName is the inverse of MapName.
func (GGUFMapper) GGUFName(canonical string) (string, bool) {
	switch canonical {
	case EmbeddingName:
		return "token_embd.weight", true
	case NormName:
		return "output_norm.weight", true
	case LMHeadName:
		return "output.weight", true
	}
	rest, found := strings.CutPrefix(canonical, "layers.")
	if !found {
		return "", false
	}
	idx, suffix, found := strings.Cut(rest, ".")
	if !found {
		return "", false
	}
	for name, canon := range ggufLayer {
		if canon == suffix {
			return "blk." + idx + "." + name, true
		}
	}
	return "", false
}

func mapLayer(name, prefix string, table map[string]string) (string, bool) {
	rest, found := strings.CutPrefix(name, prefix)
	if !found {
		return "", false
	}
	idx, suffix, found := strings.Cut(rest, ".")
	if !found {
		return "", false
	}
	layer, err := strconv.Atoi(idx)
	if err != nil || layer < 0 {
		return "", false
	}
	canon, ok := table[suffix]
	if !ok {
		return "", false
	}
	return LayerName(layer, canon), true
}
