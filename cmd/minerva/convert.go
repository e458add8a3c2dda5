package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/casonadams/minerva-sub000/internal/gguf"
	"github.com/casonadams/minerva-sub000/internal/loader"
	"github.com/casonadams/minerva-sub000/internal/logger"
	"github.com/casonadams/minerva-sub000/internal/quant"
)

func convertCmd() *cli.Command {
	return &cli.Command{
		Name:      "convert",
		Usage:     "Write a model (GGUF or SafeTensors) as a GGUF file",
		ArgsUsage: "<input> <output.gguf>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dtype", Value: "Q8_0", Usage: "matrix encoding: F32, Q8_0 or Q4_0"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			in, out := cmd.Args().Get(0), cmd.Args().Get(1)
			if in == "" || out == "" {
				return fmt.Errorf("convert: want <input> <output.gguf>")
			}
			dtype, ok := quant.ParseDType(strings.ToUpper(cmd.String("dtype")))
			if !ok {
				return fmt.Errorf("convert: unknown dtype %q", cmd.String("dtype"))
			}

			start := time.Now()
			rc := runtimeConfig(ctx)
			ws, cfg, format, err := loader.Open(ctx, in, loader.Options{Workers: rc.Load.Workers, Mmap: rc.Load.Mmap})
			if err != nil {
				return err
			}
			w, err := gguf.Export(ws, cfg, dtype)
			if err != nil {
				return err
			}
			if err := w.WriteFile(out); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			logger.Log.Info("converted", "input", in, "from", format.String(), "output", out,
				"dtype", dtype.String(), "tensors", ws.Len(), "duration", time.Since(start).String())
			return nil
		},
	}
}
