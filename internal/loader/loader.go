// Package loader selects the weight format of a model path and loads it into
// a canonical weight set. The set of formats is closed.
package loader

import (
	"context"
	"fmt"

	"github.com/casonadams/minerva-sub000/internal/gguf"
	"github.com/casonadams/minerva-sub000/internal/model"
	"github.com/casonadams/minerva-sub000/internal/safetensors"
)

// ModelFormat represents the model weight format.
type ModelFormat int

// Supported model formats.
const (
	FormatUnknown ModelFormat = iota
	FormatSafeTensors
	FormatGGUF
)

// String returns the format name.
func (f ModelFormat) String() string {
	switch f {
	case FormatSafeTensors:
		return "SafeTensors"
	case FormatGGUF:
		return "GGUF"
	default:
		return "Unknown"
	}
}

// Options are passed to every parser.
type Options struct {
	Workers int  // Bounded pool size for tensor and shard decoding.
	Mmap    bool // Map files instead of reading them.
}

// Parser returns the parser for f, or nil for FormatUnknown.
func Parser(f ModelFormat, opts Options) model.FormatParser {
	switch f {
	case FormatGGUF:
		return &gguf.Parser{Workers: opts.Workers, Mmap: opts.Mmap}
	case FormatSafeTensors:
		return &safetensors.Parser{Workers: opts.Workers, Mmap: opts.Mmap}
	}
	return nil
}

// DetectFormat asks each parser in turn whether it recognises path.
func DetectFormat(path string) ModelFormat {
	for _, f := range []ModelFormat{FormatGGUF, FormatSafeTensors} {
		if Parser(f, Options{}).Detect(path) {
			return f
		}
	}
	return FormatUnknown
}

// Open detects the format of path and loads it.
func Open(ctx context.Context, path string, opts Options) (*model.WeightSet, *model.Config, ModelFormat, error) {
	f := DetectFormat(path)
	if f == FormatUnknown {
		return nil, nil, f, fmt.Errorf("%s: unrecognised model format (want GGUF or SafeTensors)", path)
	}
	ws, cfg, err := Parser(f, opts).Load(ctx, path)
	if err != nil {
		return nil, nil, f, err
	}
	return ws, cfg, f, nil
}
