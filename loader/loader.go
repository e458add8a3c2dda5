// Package loader exposes format detection and weight loading.
//
// The supported formats are GGUF (v1 to v3) and SafeTensors, either a single
// file or a directory sharded by model.safetensors.index.json. Both produce
// the same canonical weight names.
package loader

import (
	"context"

	"github.com/casonadams/minerva-sub000/internal/loader"
	"github.com/casonadams/minerva-sub000/internal/model"
)

// ModelFormat represents the model weight format.
type ModelFormat = loader.ModelFormat

// Supported model formats.
const (
	FormatUnknown     ModelFormat = loader.FormatUnknown
	FormatSafeTensors ModelFormat = loader.FormatSafeTensors
	FormatGGUF        ModelFormat = loader.FormatGGUF
)

// Options are passed to the format parser.
type Options = loader.Options

// WeightSet maps canonical tensor names to dequantized float32 arrays.
type WeightSet = model.WeightSet

// DetectFormat reports the format of path without loading it.
func DetectFormat(path string) ModelFormat {
	return loader.DetectFormat(path)
}

// Open detects the format of path and loads its weights and model config.
func Open(ctx context.Context, path string, opts Options) (*WeightSet, *model.Config, ModelFormat, error) {
	return loader.Open(ctx, path, opts)
}
