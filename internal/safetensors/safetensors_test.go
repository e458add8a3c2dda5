package safetensors

import (
	"context"
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/model"
	"github.com/casonadams/minerva-sub000/internal/nn"
	"github.com/casonadams/minerva-sub000/internal/quant"
	"github.com/casonadams/minerva-sub000/internal/tensor"
)

const toyConfigJSON = `{
  "architectures": ["LlamaForCausalLM"],
  "model_type": "llama",
  "hidden_size": 16,
  "intermediate_size": 24,
  "num_hidden_layers": 2,
  "num_attention_heads": 4,
  "num_key_value_heads": 2,
  "vocab_size": 10,
  "rms_norm_eps": 1e-6,
  "max_position_embeddings": 32,
  "rope_theta": 10000.0
}`

type hfTensor struct {
	name  string
	shape []int
}

func toyTensors() []hfTensor {
	ts := []hfTensor{{"model.embed_tokens.weight", []int{10, 16}}}
	for l := 0; l < 2; l++ {
		p := "model.layers." + string(rune('0'+l)) + "."
		ts = append(ts,
			hfTensor{p + "input_layernorm.weight", []int{16}},
			hfTensor{p + "self_attn.q_proj.weight", []int{16, 16}},
			hfTensor{p + "self_attn.k_proj.weight", []int{8, 16}},
			hfTensor{p + "self_attn.v_proj.weight", []int{8, 16}},
			hfTensor{p + "self_attn.o_proj.weight", []int{16, 16}},
			hfTensor{p + "post_attention_layernorm.weight", []int{16}},
			hfTensor{p + "mlp.gate_proj.weight", []int{24, 16}},
			hfTensor{p + "mlp.up_proj.weight", []int{24, 16}},
			hfTensor{p + "mlp.down_proj.weight", []int{16, 24}},
		)
	}
	return append(ts, hfTensor{"model.norm.weight", []int{16}}, hfTensor{"lm_head.weight", []int{10, 16}})
}

func randData(rng *rand.Rand, shape []int) []float32 {
	data := make([]float32, tensor.Shape(shape).NumElements())
	for i := range data {
		data[i] = float32(rng.NormFloat64()) * 0.1
	}
	return data
}

// writeToy writes the toy checkpoint split over nShards files (1 = no index).
func writeToy(t *testing.T, dir string, nShards int, dtype quant.DType) map[string][]float32 {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte(toyConfigJSON), 0o600))
	rng := rand.New(rand.NewSource(7))
	writers := make([]*Writer, nShards)
	for i := range writers {
		writers[i] = &Writer{Metadata: map[string]string{"format": "pt"}}
	}
	values := make(map[string][]float32)
	weightMap := make(map[string]string)
	shardName := func(i int) string {
		if nShards == 1 {
			return "model.safetensors"
		}
		return "model-0000" + string(rune('1'+i)) + "-of-0000" + string(rune('0'+nShards)) + ".safetensors"
	}
	for i, ts := range toyTensors() {
		data := randData(rng, ts.shape)
		values[ts.name] = data
		writers[i%nShards].Add(ts.name, dtype, ts.shape, data)
		weightMap[ts.name] = shardName(i % nShards)
	}
	// An unused tensor the loader has to skip.
	writers[0].Add("model.layers.0.self_attn.rotary_emb.inv_freq", quant.F32, []int{2}, []float32{1, 0.01})
	weightMap["model.layers.0.self_attn.rotary_emb.inv_freq"] = shardName(0)
	for i, w := range writers {
		require.NoError(t, w.WriteFile(filepath.Join(dir, shardName(i))))
	}
	if nShards > 1 {
		require.NoError(t, WriteIndex(dir, weightMap))
	}
	return values
}

func TestLoadSingleFile(t *testing.T) {
	dir := t.TempDir()
	want := writeToy(t, dir, 1, quant.F32)
	path := filepath.Join(dir, "model.safetensors")

	p := &Parser{Workers: 2, Mmap: true}
	require.True(t, p.Detect(path))
	require.True(t, p.Detect(dir))

	ws, cfg, err := p.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "llama", cfg.Architecture)
	assert.Equal(t, 4, cfg.HeadDim)
	assert.Equal(t, nn.RopeHalf, cfg.RopeStyle)
	assert.Equal(t, 32, cfg.MaxPosition)

	q, ok := ws.Get(model.LayerName(1, model.AttnQ))
	require.True(t, ok)
	assert.Equal(t, want["model.layers.1.self_attn.q_proj.weight"], q.Data())
	head, _ := ws.Get(model.LMHeadName)
	assert.Equal(t, want["lm_head.weight"], head.Data())
	for _, name := range ws.Names() {
		assert.NotContains(t, name, "inv_freq")
	}
}

func TestLoadSharded(t *testing.T) {
	dir := t.TempDir()
	want := writeToy(t, dir, 3, quant.F32)

	p := &Parser{Workers: 3}
	require.True(t, p.Detect(dir))
	require.True(t, p.Detect(filepath.Join(dir, IndexFile)))

	ws, _, err := p.Load(context.Background(), dir)
	require.NoError(t, err)
	emb, _ := ws.Get(model.EmbeddingName)
	assert.Equal(t, want["model.embed_tokens.weight"], emb.Data())
	down, _ := ws.Get(model.LayerName(0, model.FFNDown))
	assert.Equal(t, tensor.Shape{16, 24}, down.Shape())

	single := t.TempDir()
	writeToy(t, single, 1, quant.F32)
	ws1, _, err := p.Load(context.Background(), single)
	require.NoError(t, err)
	require.Equal(t, ws1.Names(), ws.Names())
	for _, name := range ws.Names() {
		a, _ := ws.Get(name)
		b, _ := ws1.Get(name)
		assert.Equal(t, b.Data(), a.Data(), name)
	}
}

func TestLoadHalfPrecision(t *testing.T) {
	for _, dtype := range []quant.DType{quant.F16, quant.BF16} {
		t.Run(dtype.String(), func(t *testing.T) {
			dir := t.TempDir()
			want := writeToy(t, dir, 2, dtype)
			ws, _, err := (&Parser{}).Load(context.Background(), dir)
			require.NoError(t, err)
			up, _ := ws.Get(model.LayerName(1, model.FFNUp))
			tol := 1e-3
			if dtype == quant.BF16 {
				tol = 2e-3
			}
			for i, v := range want["model.layers.1.mlp.up_proj.weight"] {
				assert.InDelta(t, v, up.Data()[i], tol)
			}
		})
	}
}

func TestLoadMissingShard(t *testing.T) {
	dir := t.TempDir()
	writeToy(t, dir, 3, quant.F32)
	require.NoError(t, os.Remove(filepath.Join(dir, "model-00002-of-00003.safetensors")))

	ws, _, err := (&Parser{}).Load(context.Background(), dir)
	require.ErrorIs(t, err, errs.ErrMissingShard)
	var fe *errs.FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "model-00002-of-00003.safetensors", fe.Tensor)
	assert.Nil(t, ws)
}

func TestLoadIndexPointsAtWrongShard(t *testing.T) {
	dir := t.TempDir()
	writeToy(t, dir, 2, quant.F32)
	require.NoError(t, WriteIndex(dir, map[string]string{
		"model.embed_tokens.weight": "model-00002-of-00002.safetensors",
		"model.norm.weight":         "model-00001-of-00002.safetensors",
	}))
	_, _, err := (&Parser{}).Load(context.Background(), dir)
	require.ErrorIs(t, err, errs.ErrMissingShard)
}

func TestLoadMissingConfig(t *testing.T) {
	dir := t.TempDir()
	writeToy(t, dir, 1, quant.F32)
	require.NoError(t, os.Remove(filepath.Join(dir, ConfigFile)))
	_, _, err := (&Parser{}).Load(context.Background(), dir)
	var ce *errs.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConfigFile, ce.Field)
}

func TestLoadCancelled(t *testing.T) {
	dir := t.TempDir()
	writeToy(t, dir, 2, quant.F32)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := (&Parser{}).Load(ctx, dir)
	require.ErrorIs(t, err, context.Canceled)
}

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig([]byte(`{"hidden_size": 64, "intermediate_size": 128, "num_hidden_layers": 2,
		"num_attention_heads": 4, "vocab_size": 32}`))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.NumKVHeads)
	assert.Equal(t, 16, cfg.HeadDim)
	assert.Equal(t, model.DefaultRMSNormEps, cfg.RMSNormEps)
	assert.Equal(t, model.DefaultMaxPosition, cfg.MaxPosition)
	assert.Equal(t, model.DefaultRopeTheta, cfg.RopeTheta)

	_, err = parseConfig([]byte(`{"hidden_size": 64, "intermediate_size": 128, "num_hidden_layers": 2,
		"num_attention_heads": 4, "num_key_value_heads": 3, "vocab_size": 32}`))
	require.ErrorIs(t, err, errs.ErrConfig)

	_, err = parseConfig([]byte(`{not json`))
	require.Error(t, err)
}

func TestParseHeaderErrors(t *testing.T) {
	w := &Writer{}
	w.Add("a", quant.F32, []int{2, 2}, []float32{1, 2, 3, 4})
	good, err := w.Bytes()
	require.NoError(t, err)

	f, err := Parse("good", good)
	require.NoError(t, err)
	info := f.Tensors["a"]
	assert.Equal(t, quant.F32, info.DType)
	assert.Len(t, f.Data(info), 16)
	assert.Zero(t, f.DataStart%8)

	t.Run("short", func(t *testing.T) {
		_, err := Parse("x", good[:4])
		require.ErrorIs(t, err, errs.ErrSizeMismatch)
	})
	t.Run("header too long", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		binary.LittleEndian.PutUint64(bad, uint64(len(bad)))
		_, err := Parse("x", bad)
		require.ErrorIs(t, err, errs.ErrSizeMismatch)
	})
	t.Run("truncated data", func(t *testing.T) {
		_, err := Parse("x", good[:len(good)-4])
		require.ErrorIs(t, err, errs.ErrSizeMismatch)
		var fe *errs.FormatError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, "a", fe.Tensor)
	})
	t.Run("unknown dtype", func(t *testing.T) {
		_, err := Parse("x", rawFile(t, `{"a":{"dtype":"I64","shape":[1],"data_offsets":[0,8]}}`, 8))
		require.ErrorIs(t, err, errs.ErrUnknownDType)
	})
	t.Run("offsets disagree with shape", func(t *testing.T) {
		_, err := Parse("x", rawFile(t, `{"a":{"dtype":"F32","shape":[3],"data_offsets":[0,8]}}`, 12))
		require.ErrorIs(t, err, errs.ErrSizeMismatch)
		var fe *errs.FormatError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, int64(12), fe.Expected)
		assert.Equal(t, int64(8), fe.Actual)
	})
	t.Run("shape overflows", func(t *testing.T) {
		_, err := Parse("x", rawFile(t, `{"a":{"dtype":"F32","shape":[4294967296,4294967296],"data_offsets":[0,0]}}`, 8))
		require.ErrorIs(t, err, errs.ErrSizeMismatch)
		var fe *errs.FormatError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, "a", fe.Tensor)
		assert.Equal(t, int64(8), fe.Expected)
	})
	t.Run("bad json", func(t *testing.T) {
		_, err := Parse("x", rawFile(t, `{"a":`, 0))
		require.Error(t, err)
	})
}

func rawFile(t *testing.T, header string, dataLen int) []byte {
	t.Helper()
	out := make([]byte, 8, 8+len(header)+dataLen)
	binary.LittleEndian.PutUint64(out, uint64(len(header)))
	out = append(out, header...)
	return append(out, make([]byte, dataLen)...)
}

func TestToBF16(t *testing.T) {
	assert.Equal(t, uint16(0x3f80), toBF16(1))
	assert.Equal(t, uint16(0xc000), toBF16(-2))
	assert.Equal(t, float32(1), quant.BF16ToFloat32(toBF16(1.001)))
}
