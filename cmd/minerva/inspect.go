package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/casonadams/minerva-sub000/internal/gguf"
	"github.com/casonadams/minerva-sub000/internal/loader"
	"github.com/casonadams/minerva-sub000/internal/model"
)

func inspectCmd() *cli.Command {
	var (
		tensorLimit  int
		tensorFilter string
		showMeta     bool
	)
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print the format, model config and tensors of a model file",
		ArgsUsage: "<model>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
			&cli.StringFlag{Name: "tensors-filter", Usage: "only list tensors whose name contains this", Destination: &tensorFilter},
			&cli.BoolFlag{Name: "metadata", Usage: "print GGUF metadata", Destination: &showMeta},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return fmt.Errorf("inspect: missing <model> argument")
			}
			out := os.Stdout
			format := loader.DetectFormat(path)
			fmt.Fprintf(out, "format: %s\n", format)

			if format == loader.FormatGGUF {
				f, err := (&gguf.Parser{Mmap: runtimeConfig(ctx).Load.Mmap}).Inspect(path)
				if err != nil {
					return err
				}
				return inspectGGUF(out, f, showMeta, tensorFilter, tensorLimit)
			}

			rc := runtimeConfig(ctx)
			ws, cfg, _, err := loader.Open(ctx, path, loader.Options{Workers: rc.Load.Workers, Mmap: rc.Load.Mmap})
			if err != nil {
				return err
			}
			printConfig(out, cfg)
			printWeights(out, ws, tensorFilter, tensorLimit)
			return nil
		},
	}
}

func inspectGGUF(out io.Writer, f *gguf.File, showMeta bool, filter string, limit int) error {
	fmt.Fprintf(out, "version: %d\ntensors: %d\nalignment: %d\n", f.Header.Version, len(f.Tensors), f.Alignment)
	if name := f.Name(); name != "" {
		fmt.Fprintf(out, "name: %s\n", name)
	}
	cfg, err := f.ModelConfig()
	if err != nil {
		fmt.Fprintf(out, "config: %v\n", err)
	} else {
		printConfig(out, cfg)
	}

	if showMeta {
		keys := make([]string, 0, len(f.Metadata))
		for k := range f.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(out, "metadata:")
		for _, k := range keys {
			fmt.Fprintf(out, "  %s = %s\n", k, metaString(f.Metadata[k]))
		}
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TENSOR\tTYPE\tSHAPE\tBYTES")
	shown := 0
	for i := range f.Tensors {
		t := &f.Tensors[i]
		if filter != "" && !strings.Contains(t.Name, filter) {
			continue
		}
		if limit > 0 && shown == limit {
			fmt.Fprintf(tw, "...\t\t\t\n")
			break
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\t%d\n", t.Name, t.Type, t.Shape(), t.Size())
		shown++
	}
	return tw.Flush()
}

// metaString keeps long arrays such as the token table to one line.
func metaString(v any) string {
	switch x := v.(type) {
	case []string:
		if len(x) > 8 {
			return fmt.Sprintf("%q ... (%d strings)", x[:8], len(x))
		}
		return fmt.Sprintf("%q", x)
	case []int32:
		if len(x) > 8 {
			return fmt.Sprintf("%v ... (%d ints)", x[:8], len(x))
		}
	case []float32:
		if len(x) > 8 {
			return fmt.Sprintf("%v ... (%d floats)", x[:8], len(x))
		}
	case []any:
		if len(x) > 8 {
			return fmt.Sprintf("%v ... (%d values)", x[:8], len(x))
		}
	}
	return fmt.Sprint(v)
}

func printConfig(out io.Writer, cfg *model.Config) {
	fmt.Fprintf(out, "architecture: %s\n", cfg.Architecture)
	fmt.Fprintf(out, "hidden_size: %d\nnum_layers: %d\nnum_heads: %d\nnum_kv_heads: %d\nhead_dim: %d\n",
		cfg.HiddenSize, cfg.NumLayers, cfg.NumHeads, cfg.NumKVHeads, cfg.HeadDim)
	fmt.Fprintf(out, "intermediate_size: %d\nvocab_size: %d\nmax_position: %d\n",
		cfg.IntermediateSize, cfg.VocabSize, cfg.MaxPosition)
	fmt.Fprintf(out, "rms_norm_eps: %g\nrope_theta: %g\nrope_style: %s\n", cfg.RMSNormEps, cfg.RopeTheta, cfg.RopeStyle)
}

func printWeights(out io.Writer, ws *model.WeightSet, filter string, limit int) {
	fmt.Fprintf(out, "tensors: %d\nbytes: %d\n", ws.Len(), ws.Bytes())
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TENSOR\tSHAPE")
	shown := 0
	for _, name := range ws.Names() {
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		if limit > 0 && shown == limit {
			fmt.Fprintln(tw, "...\t")
			break
		}
		a, _ := ws.Get(name)
		fmt.Fprintf(tw, "%s\t%s\n", name, a.Shape())
		shown++
	}
	_ = tw.Flush()
}
