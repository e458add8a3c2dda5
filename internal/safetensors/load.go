package safetensors

import (
	"context"
	"encoding/binary"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/logger"
	"github.com/casonadams/minerva-sub000/internal/metrics"
	"github.com/casonadams/minerva-sub000/internal/mmap"
	"github.com/casonadams/minerva-sub000/internal/model"
	"github.com/casonadams/minerva-sub000/internal/parallel"
	"github.com/casonadams/minerva-sub000/internal/quant"
	"github.com/casonadams/minerva-sub000/internal/tensor"
)

// IndexFile names the weight map of a sharded checkpoint.
const IndexFile = "model.safetensors.index.json"

type index struct {
	Metadata  map[string]any    `json:"metadata,omitempty"`
	WeightMap map[string]string `json:"weight_map"`
}

// Parser loads SafeTensors checkpoints. path may be a .safetensors file, an
// index file, or a directory holding either.
type Parser struct {
	Workers int
	Mmap    bool
}

// Name implements model.FormatParser.
func (*Parser) Name() string { return "safetensors" }

// Detect reports whether path is a SafeTensors checkpoint.
func (*Parser) Detect(path string) bool {
	dir, shards, err := resolve(path)
	if err != nil || len(shards) == 0 {
		return false
	}
	return plausibleHeader(filepath.Join(dir, shards[0].file))
}

func plausibleHeader(path string) bool {
	//nolint:gosec // G304: model paths come from the caller.
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()
	var buf [9]byte
	if _, err := f.Read(buf[:]); err != nil {
		return false
	}
	n := binary.LittleEndian.Uint64(buf[:8])
	return n > 0 && n <= maxHeaderSize && buf[8] == '{'
}

// shard is one file and the tensors to take from it. A nil names list means
// every tensor in the file.
type shard struct {
	file  string
	names []string
}

// resolve finds the shard list for path.
func resolve(path string) (dir string, shards []shard, err error) {
	st, err := os.Stat(path)
	if err != nil {
		return "", nil, err
	}
	if st.IsDir() {
		idx := filepath.Join(path, IndexFile)
		if _, err := os.Stat(idx); err == nil {
			return resolveIndex(idx)
		}
		matches, _ := filepath.Glob(filepath.Join(path, "*.safetensors"))
		if len(matches) != 1 {
			return "", nil, fmt.Errorf("%s: expected one .safetensors file or %s, found %d files", path, IndexFile, len(matches))
		}
		return path, []shard{{file: filepath.Base(matches[0])}}, nil
	}
	if strings.HasSuffix(path, ".index.json") {
		return resolveIndex(path)
	}
	if strings.HasSuffix(path, ".safetensors") {
		return filepath.Dir(path), []shard{{file: filepath.Base(path)}}, nil
	}
	return "", nil, fmt.Errorf("%s: not a safetensors path", path)
}

func resolveIndex(path string) (string, []shard, error) {
	//nolint:gosec // G304: model paths come from the caller.
	b, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	var idx index
	if err := json.Unmarshal(b, &idx); err != nil {
		return "", nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(idx.WeightMap) == 0 {
		return "", nil, fmt.Errorf("%s: empty weight_map", path)
	}
	byFile := make(map[string][]string)
	for name, file := range idx.WeightMap {
		if file == "" || filepath.Base(file) != file {
			return "", nil, fmt.Errorf("%s: invalid shard name %q for tensor %q", path, file, name)
		}
		byFile[file] = append(byFile[file], name)
	}
	shards := make([]shard, 0, len(byFile))
	for _, file := range slices.Sorted(maps.Keys(byFile)) {
		names := byFile[file]
		slices.Sort(names)
		shards = append(shards, shard{file: file, names: names})
	}
	return filepath.Dir(path), shards, nil
}

// Load implements model.FormatParser. Every referenced shard must exist
// before any is read; shards are then decoded in parallel.
func (p *Parser) Load(ctx context.Context, path string) (*model.WeightSet, *model.Config, error) {
	start := time.Now()
	dir, shards, err := resolve(path)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := ReadConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		metrics.RecordValidationError("safetensors_config", "config")
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, s := range shards {
		if _, err := os.Stat(filepath.Join(dir, s.file)); err != nil {
			metrics.RecordValidationError("safetensors_shard", "missing_shard")
			ref := ""
			if len(s.names) > 0 {
				ref = "referenced by " + s.names[0]
			}
			return nil, nil, &errs.FormatError{Kind: errs.MissingShard, Tensor: s.file, Detail: ref}
		}
	}

	results := make([]map[string]*tensor.Array, len(shards))
	err = parallel.ForEach(ctx, len(shards), p.Workers, func(ctx context.Context, i int) error {
		out, err := p.loadShard(ctx, filepath.Join(dir, shards[i].file), shards[i].names)
		if err != nil {
			return err
		}
		results[i] = out
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", path, err)
	}

	tensors := make(map[string]*tensor.Array)
	for _, r := range results {
		for name, a := range r {
			if _, dup := tensors[name]; dup {
				return nil, nil, fmt.Errorf("load %s: tensor %s appears in more than one shard", path, name)
			}
			tensors[name] = a
		}
	}
	ws, err := model.NewWeightSet(tensors, cfg)
	if err != nil {
		metrics.RecordValidationError("safetensors_weights", "config")
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	metrics.RecordLoad("safetensors", start)
	logger.Log.Info("safetensors model loaded", "path", path, "arch", cfg.Architecture,
		"shards", len(shards), "tensors", ws.Len(), "duration", time.Since(start).String())
	return ws, cfg, nil
}

// loadShard decodes the mapped tensors of one file under canonical names.
func (p *Parser) loadShard(ctx context.Context, path string, names []string) (map[string]*tensor.Array, error) {
	m, err := mmap.Open(path, p.Mmap)
	if err != nil {
		return nil, err
	}
	defer func() { _ = m.Close() }()

	f, err := Parse(filepath.Base(path), m.Data)
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = slices.Sorted(maps.Keys(f.Tensors))
	}

	var mapper model.HFMapper
	out := make(map[string]*tensor.Array, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, ok := f.Tensors[name]
		if !ok {
			return nil, &errs.FormatError{Kind: errs.MissingShard, Tensor: name,
				Detail: "weight_map points at " + filepath.Base(path) + " which does not contain it"}
		}
		canon, ok := mapper.MapName(name)
		if !ok {
			logger.Log.Debug("skipping unused tensor", "tensor", name)
			continue
		}
		raw := f.Data(info)
		dst := make([]float32, tensor.Shape(info.Shape).NumElements())
		if err := quant.DequantizeInto(dst, info.DType, raw); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		a, err := tensor.FromData(dst, info.Shape)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		metrics.TensorsLoaded.WithLabelValues(info.DType.String()).Inc()
		metrics.DequantizedBytes.Add(float64(len(raw)))
		out[canon] = a
	}
	return out, nil
}
