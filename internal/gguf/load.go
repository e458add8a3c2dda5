package gguf

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/casonadams/minerva-sub000/internal/logger"
	"github.com/casonadams/minerva-sub000/internal/metrics"
	"github.com/casonadams/minerva-sub000/internal/mmap"
	"github.com/casonadams/minerva-sub000/internal/model"
	"github.com/casonadams/minerva-sub000/internal/parallel"
	"github.com/casonadams/minerva-sub000/internal/quant"
	"github.com/casonadams/minerva-sub000/internal/tensor"
)

// Parser loads GGUF files. The zero value uses one worker per CPU and reads
// the file without mapping it.
type Parser struct {
	Workers int
	Mmap    bool
}

// Name implements model.FormatParser.
func (*Parser) Name() string { return "gguf" }

// Detect reports whether path starts with the GGUF magic.
func (*Parser) Detect(path string) bool {
	//nolint:gosec // G304: model paths come from the caller.
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()
	var magic uint32
	if err := binary.Read(f, binary.LittleEndian, &magic); err != nil {
		return false
	}
	return magic == MagicGGUFLE
}

// Inspect parses the descriptors of path without decoding tensors. The
// returned file does not alias the mapping.
func (p *Parser) Inspect(path string) (*File, error) {
	m, err := mmap.Open(path, p.Mmap)
	if err != nil {
		return nil, err
	}
	defer func() { _ = m.Close() }()
	f, err := Parse(m.Data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	f.data = nil
	return f, nil
}

// Load implements model.FormatParser. Every descriptor is validated before
// any tensor is decoded; tensors are then decoded in parallel, and the
// context is checked before each one.
func (p *Parser) Load(ctx context.Context, path string) (*model.WeightSet, *model.Config, error) {
	start := time.Now()
	m, err := mmap.Open(path, p.Mmap)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = m.Close() }()

	f, err := Parse(m.Data)
	if err != nil {
		metrics.RecordValidationError("gguf_parse", "format")
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg, err := f.ModelConfig()
	if err != nil {
		metrics.RecordValidationError("gguf_config", "config")
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	var mapper model.GGUFMapper
	type job struct {
		info  *TensorInfo
		canon string
	}
	var jobs []job
	for i := range f.Tensors {
		canon, ok := mapper.MapName(f.Tensors[i].Name)
		if !ok {
			logger.Log.Debug("skipping unused tensor", "tensor", f.Tensors[i].Name)
			continue
		}
		jobs = append(jobs, job{&f.Tensors[i], canon})
	}

	decoded := make([]*tensor.Array, len(jobs))
	err = parallel.ForEach(ctx, len(jobs), p.Workers, func(_ context.Context, i int) error {
		a, err := decodeTensor(f, jobs[i].info)
		if err != nil {
			return err
		}
		decoded[i] = a
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", path, err)
	}

	tensors := make(map[string]*tensor.Array, len(jobs))
	for i, j := range jobs {
		tensors[j.canon] = decoded[i]
	}
	ws, err := model.NewWeightSet(tensors, cfg)
	if err != nil {
		metrics.RecordValidationError("gguf_weights", "config")
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	metrics.RecordLoad("gguf", start)
	logger.Log.Info("gguf model loaded", "path", path, "arch", cfg.Architecture, "tensors", ws.Len(),
		"mmap", m.Mapped(), "duration", time.Since(start).String())
	return ws, cfg, nil
}

// decodeTensor dequantizes one tensor into a fresh CPU array.
func decodeTensor(f *File, info *TensorInfo) (*tensor.Array, error) {
	dst := make([]float32, info.NumElements())
	raw := f.TensorData(info)
	if err := quant.DequantizeInto(dst, info.Type, raw); err != nil {
		return nil, fmt.Errorf("tensor %q: %w", info.Name, err)
	}
	metrics.TensorsLoaded.WithLabelValues(info.Type.String()).Inc()
	metrics.DequantizedBytes.Add(float64(len(raw)))
	return tensor.FromData(dst, info.Shape())
}

// ReadTensor decodes a single named tensor from r without mapping the file.
// It is used for spot checks; Load is the bulk path.
func ReadTensor(r io.ReaderAt, size int64, f *File, name string) ([]float32, error) {
	info := f.Tensor(name)
	if info == nil {
		return nil, fmt.Errorf("tensor %q not found", name)
	}
	if info.Size() < 0 {
		return nil, fmt.Errorf("tensor %q has an invalid size", name)
	}
	off := f.DataOffset + int64(info.Offset) //nolint:gosec // G115: validated during parse.
	if off+info.Size() > size {
		return nil, fmt.Errorf("tensor %q extends past end of file", name)
	}
	dst := make([]float32, info.NumElements())
	if err := quant.DequantizeReader(io.NewSectionReader(r, off, info.Size()), info.Type, dst); err != nil {
		return nil, fmt.Errorf("tensor %q: %w", name, err)
	}
	return dst, nil
}
