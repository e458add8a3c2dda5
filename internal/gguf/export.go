package gguf

import (
	"fmt"
	"strings"

	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/model"
	"github.com/casonadams/minerva-sub000/internal/nn"
	"github.com/casonadams/minerva-sub000/internal/quant"
	"github.com/casonadams/minerva-sub000/internal/tensor"
)

// Export encodes a loaded model as GGUF. Matrices whose rows are whole
// blocks are stored as dtype (F32, Q8_0 or Q4_0); everything else is F32.
// Half-style Q/K projections are permuted to the interleaved layout that
// llama.cpp expects for the llama architecture.
func Export(ws *model.WeightSet, cfg *model.Config, dtype quant.DType) (*Writer, error) {
	if dtype != quant.F32 && dtype != quant.Q8_0 && dtype != quant.Q4_0 {
		return nil, &errs.FormatError{Kind: errs.UnknownDType, Actual: int64(dtype), Detail: "export supports F32, Q8_0 and Q4_0"}
	}
	arch := cfg.Architecture
	if arch == "" || (cfg.RopeStyle == nn.RopeInterleaved && halfRope[arch]) {
		arch = model.ArchitectureLLaMA
	}
	permute := cfg.RopeStyle == nn.RopeHalf && !halfRope[arch]

	w := NewWriter()
	w.Set("general.architecture", arch)
	w.Set(arch+".embedding_length", uint32(cfg.HiddenSize))          //nolint:gosec // G115: validated config.
	w.Set(arch+".block_count", uint32(cfg.NumLayers))                //nolint:gosec // G115: validated config.
	w.Set(arch+".attention.head_count", uint32(cfg.NumHeads))        //nolint:gosec // G115: validated config.
	w.Set(arch+".attention.head_count_kv", uint32(cfg.NumKVHeads))   //nolint:gosec // G115: validated config.
	w.Set(arch+".attention.key_length", uint32(cfg.HeadDim))         //nolint:gosec // G115: validated config.
	w.Set(arch+".feed_forward_length", uint32(cfg.IntermediateSize)) //nolint:gosec // G115: validated config.
	w.Set(arch+".context_length", uint32(cfg.MaxPosition))           //nolint:gosec // G115: validated config.
	w.Set(arch+".vocab_size", uint32(cfg.VocabSize))                 //nolint:gosec // G115: validated config.
	w.Set(arch+".attention.layer_norm_rms_epsilon", float32(cfg.RMSNormEps))
	w.Set(arch+".rope.freq_base", float32(cfg.RopeTheta))

	var mapper model.GGUFMapper
	emb, _ := ws.Get(model.EmbeddingName)
	for _, canon := range ws.Names() {
		name, ok := mapper.GGUFName(canon)
		if !ok {
			continue
		}
		a, _ := ws.Get(canon)
		if canon == model.LMHeadName && a == emb {
			continue
		}
		data := a.Data()
		if data == nil {
			return nil, &errs.GraphError{Kind: errs.DeviceMismatch, Node: -1, Input: -1, Detail: canon + " is not on the CPU"}
		}
		if permute {
			switch {
			case strings.HasSuffix(canon, model.AttnQ), strings.HasSuffix(canon, model.AttnQB):
				data = permuteRows(data, cfg.NumHeads, cfg.HeadDim)
			case strings.HasSuffix(canon, model.AttnK), strings.HasSuffix(canon, model.AttnKB):
				data = permuteRows(data, cfg.NumKVHeads, cfg.HeadDim)
			}
		}
		if err := addEncoded(w, name, a.Shape(), data, dtype); err != nil {
			return nil, fmt.Errorf("export %s: %w", canon, err)
		}
	}
	return w, nil
}

func addEncoded(w *Writer, name string, shape tensor.Shape, data []float32, dtype quant.DType) error {
	if len(shape) != 2 || shape.Cols()%quant.QK != 0 || dtype == quant.F32 {
		w.AddF32(name, shape, data)
		return nil
	}
	var raw []byte
	var err error
	if dtype == quant.Q8_0 {
		raw, err = quant.QuantizeQ8_0(data)
	} else {
		raw, err = quant.QuantizeQ4_0(data)
	}
	if err != nil {
		return err
	}
	w.AddTensor(name, dtype, shape, raw)
	return nil
}

// permuteRows reorders the rows of each head from (i, i+d/2) pairs to (2i, 2i+1).
// It works for weights [heads*d, in] and biases [heads*d].
func permuteRows(data []float32, heads, headDim int) []float32 {
	rowLen := len(data) / (heads * headDim)
	out := make([]float32, len(data))
	half := headDim / 2
	for h := 0; h < heads; h++ {
		for i := 0; i < half; i++ {
			for j := 0; j < 2; j++ {
				dst := (h*headDim + 2*i + j) * rowLen
				src := (h*headDim + j*half + i) * rowLen
				copy(out[dst:dst+rowLen], data[src:src+rowLen])
			}
		}
	}
	return out
}
