package generate

import (
	"context"
	"os"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casonadams/minerva-sub000/internal/engine"
	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/gguf"
	"github.com/casonadams/minerva-sub000/internal/kvcache"
	"github.com/casonadams/minerva-sub000/internal/tensor"
	"github.com/casonadams/minerva-sub000/internal/tokenizer"
)

const mockVocab = 8

// mockModel predicts (last token + 1) mod vocab and appends one zero
// position per token to a one-layer cache.
type mockModel struct {
	maxPosition int
	steps       int
}

func (m *mockModel) NewCache() (*kvcache.Cache, error) {
	return kvcache.New(kvcache.Config{NumLayers: 1, MaxPosition: m.maxPosition, NumKVHeads: 1, HeadDim: 2})
}

func (m *mockModel) Prefill(ctx context.Context, tokens []uint32, cache *kvcache.Cache) ([]float32, error) {
	if len(tokens) == 0 {
		return nil, &errs.ConfigError{Field: "tokens", Expected: "at least one token", Actual: "0"}
	}
	return m.forward(ctx, tokens, cache)
}

func (m *mockModel) Step(ctx context.Context, token uint32, cache *kvcache.Cache) ([]float32, error) {
	m.steps++
	return m.forward(ctx, []uint32{token}, cache)
}

func (m *mockModel) forward(ctx context.Context, tokens []uint32, cache *kvcache.Cache) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kv := tensor.MustFromData(make([]float32, 2*len(tokens)), len(tokens), 2)
	if err := cache.Append(0, kv, kv); err != nil {
		return nil, err
	}
	logits := make([]float32, mockVocab)
	logits[(tokens[len(tokens)-1]+1)%mockVocab] = 1
	return logits, nil
}

func newMockTokenizer(t *testing.T) *tokenizer.Vocab {
	t.Helper()
	v, err := tokenizer.NewVocab([]string{"a", "b", "c", "d", "e", "f", "g", "</s>"}, 7, -1)
	require.NoError(t, err)
	return v
}

func TestGenerateTokens_StopConditions(t *testing.T) {
	tests := []struct {
		name        string
		maxPosition int
		prompt      []uint32
		config      GenerateConfig
		want        []uint32
		reason      StopReason
	}{
		{
			name: "max tokens", maxPosition: 32, prompt: []uint32{0},
			config: GenerateConfig{MaxTokens: 3},
			want:   []uint32{1, 2, 3}, reason: StopMaxTokens,
		},
		{
			name: "stop token", maxPosition: 32, prompt: []uint32{2},
			config: GenerateConfig{MaxTokens: 10, StopTokens: []uint32{5}},
			want:   []uint32{3, 4, 5}, reason: StopToken,
		},
		{
			name: "min tokens defers stop token", maxPosition: 32, prompt: []uint32{4},
			config: GenerateConfig{MaxTokens: 3, MinTokens: 3, StopTokens: []uint32{5}},
			want:   []uint32{5, 6, 7}, reason: StopMaxTokens,
		},
		{
			name: "stop string", maxPosition: 32, prompt: []uint32{0},
			config: GenerateConfig{MaxTokens: 10, StopStrings: []string{"cd"}},
			want:   []uint32{1, 2, 3}, reason: StopString,
		},
		{
			name: "context full", maxPosition: 4, prompt: []uint32{0, 1},
			config: GenerateConfig{MaxTokens: 10},
			want:   []uint32{2, 3, 4}, reason: StopContextFull,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockModel{maxPosition: tt.maxPosition}
			gen := NewTextGenerator(m, newMockTokenizer(t))

			var results []GenerateResult
			got, err := gen.GenerateTokens(t.Context(), tt.prompt, tt.config, func(r GenerateResult) bool {
				results = append(results, r)
				return true
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			require.Len(t, results, len(tt.want))
			last := results[len(results)-1]
			assert.True(t, last.Done)
			assert.Equal(t, tt.reason, last.Reason)
			for _, r := range results[:len(results)-1] {
				assert.False(t, r.Done)
			}
			assert.Equal(t, len(tt.want)-1, m.steps)
		})
	}
}

func TestGenerate_Text(t *testing.T) {
	gen := NewTextGenerator(&mockModel{maxPosition: 32}, newMockTokenizer(t))

	out, err := gen.Generate(t.Context(), "a", GenerateConfig{MaxTokens: 3})
	require.NoError(t, err)
	assert.Equal(t, "bcd", out)

	out, err = gen.Generate(t.Context(), "ab", GenerateConfig{MaxTokens: 2, EchoPrompt: true})
	require.NoError(t, err)
	assert.Equal(t, "abcd", out)

	eos, ok := tokenizer.EOS(newMockTokenizer(t))
	require.True(t, ok)
	out, err = gen.Generate(t.Context(), "e", GenerateConfig{MaxTokens: 10, StopTokens: []uint32{eos}})
	require.NoError(t, err)
	assert.Equal(t, "fg</s>", out)
}

func TestGenerateStream(t *testing.T) {
	gen := NewTextGenerator(&mockModel{maxPosition: 32}, newMockTokenizer(t))

	ch, err := gen.GenerateStream(t.Context(), "c", GenerateConfig{MaxTokens: 4})
	require.NoError(t, err)
	var text string
	var last GenerateResult
	for r := range ch {
		require.NoError(t, r.Error)
		text += r.Token
		last = r
	}
	assert.Equal(t, "defg", text)
	assert.Equal(t, StopMaxTokens, last.Reason)
}

func TestGenerateStream_ReportsErrors(t *testing.T) {
	gen := NewTextGenerator(&mockModel{maxPosition: 2}, newMockTokenizer(t))

	ch, err := gen.GenerateStream(t.Context(), "abc", GenerateConfig{MaxTokens: 4})
	require.NoError(t, err)
	var results []GenerateResult
	for r := range ch {
		results = append(results, r)
	}
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Error, errs.ErrCacheOverflow)
}

func TestGenerateTokens_Errors(t *testing.T) {
	m := &mockModel{maxPosition: 8}
	gen := NewTextGenerator(m, nil)

	_, err := gen.GenerateTokens(t.Context(), []uint32{1}, GenerateConfig{}, nil)
	assert.ErrorIs(t, err, errs.ErrConfig)
	_, err = gen.GenerateTokens(t.Context(), []uint32{1}, GenerateConfig{MaxTokens: 2, MinTokens: 3}, nil)
	assert.ErrorIs(t, err, errs.ErrConfig)
	_, err = gen.GenerateTokens(t.Context(), nil, DefaultGenerateConfig(), nil)
	assert.ErrorIs(t, err, errs.ErrConfig)
	_, err = gen.Generate(t.Context(), "a", DefaultGenerateConfig())
	assert.ErrorIs(t, err, errs.ErrConfig, "text generation needs a tokenizer")

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = gen.GenerateTokens(ctx, []uint32{1}, DefaultGenerateConfig(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerateTokens_CallbackStops(t *testing.T) {
	m := &mockModel{maxPosition: 32}
	gen := NewTextGenerator(m, nil)
	n := 0
	got, err := gen.GenerateTokens(t.Context(), []uint32{0}, GenerateConfig{MaxTokens: 10}, func(GenerateResult) bool {
		n++
		return n < 2
	})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, got)
	assert.Equal(t, 1, m.steps)
}

func TestArgmax(t *testing.T) {
	assert.Equal(t, uint32(2), Argmax([]float32{0, 1, 3, 3}))
	assert.Equal(t, uint32(0), Argmax([]float32{-1, -1}))
}

// The toy model's first greedy token is the argmax of its recorded logits,
// and its vocabulary decodes every generated id.
func TestGenerate_ToyModel(t *testing.T) {
	const toy = "../engine/testdata/toy.gguf"
	raw, err := os.ReadFile("../engine/testdata/toy_reference.json")
	require.NoError(t, err)
	var ref struct {
		Prompt []uint32    `json:"prompt"`
		Decode []uint32    `json:"decode"`
		Logits [][]float32 `json:"logits"`
	}
	require.NoError(t, json.Unmarshal(raw, &ref))

	e, err := engine.Load(t.Context(), toy, engine.Options{Fuse: true})
	require.NoError(t, err)
	f, err := (&gguf.Parser{}).Inspect(toy)
	require.NoError(t, err)
	vocab, err := tokenizer.FromGGUF(f)
	require.NoError(t, err)
	assert.Equal(t, e.Config().VocabSize, vocab.VocabSize())

	gen := NewTextGenerator(e, vocab)
	var texts []string
	got, err := gen.GenerateTokens(t.Context(), ref.Prompt, GenerateConfig{MaxTokens: 4}, func(r GenerateResult) bool {
		texts = append(texts, r.Token)
		return true
	})
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, Argmax(ref.Logits[0]), got[0])
	for i, id := range got {
		want, err := vocab.Decode([]uint32{id})
		require.NoError(t, err)
		assert.Equal(t, want, texts[i])
	}

	prompt, err := vocab.Decode(ref.Prompt)
	require.NoError(t, err)
	text, err := gen.Generate(t.Context(), prompt, GenerateConfig{MaxTokens: 4})
	require.NoError(t, err)
	want, err := vocab.Decode(got)
	require.NoError(t, err)
	assert.Equal(t, want, text)
}
