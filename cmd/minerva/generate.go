package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/casonadams/minerva-sub000/internal/engine"
	"github.com/casonadams/minerva-sub000/internal/generate"
	"github.com/casonadams/minerva-sub000/internal/gguf"
	"github.com/casonadams/minerva-sub000/internal/loader"
	"github.com/casonadams/minerva-sub000/internal/logger"
	"github.com/casonadams/minerva-sub000/internal/tokenizer"
)

func generateCmd() *cli.Command {
	return &cli.Command{
		Name:      "generate",
		Usage:     "Greedily decode a continuation of a prompt",
		ArgsUsage: "<model>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "prompt", Aliases: []string{"p"}, Usage: "prompt text"},
			&cli.StringFlag{Name: "tokens", Usage: "comma-separated prompt token ids, instead of --prompt"},
			&cli.StringFlag{Name: "encoding", Usage: "tiktoken encoding (e.g. cl100k_base); default is the GGUF vocabulary"},
			&cli.IntFlag{Name: "max-tokens", Aliases: []string{"n"}, Value: 32, Usage: "tokens to generate"},
			&cli.StringSliceFlag{Name: "stop", Usage: "stop string (repeatable)"},
			&cli.BoolFlag{Name: "ids", Usage: "print token ids instead of text"},
		},
		Action: runGenerate,
	}
}

func runGenerate(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return fmt.Errorf("generate: missing <model> argument")
	}
	opts := engine.FromConfig(runtimeConfig(ctx))
	e, err := engine.Load(ctx, path, opts)
	if err != nil {
		return err
	}

	tok, err := openTokenizer(path, e.Format(), cmd.String("encoding"), opts.Mmap)
	if err != nil {
		return err
	}
	var prompt []uint32
	switch {
	case cmd.String("tokens") != "":
		if prompt, err = parseTokens(cmd.String("tokens")); err != nil {
			return err
		}
	case tok != nil:
		if prompt, err = tok.Encode(cmd.String("prompt")); err != nil {
			return err
		}
	default:
		return fmt.Errorf("generate: no tokenizer for %s, pass --tokens or --encoding", path)
	}

	gc := generate.GenerateConfig{
		MaxTokens:   int(cmd.Int("max-tokens")),
		StopStrings: cmd.StringSlice("stop"),
	}
	if tok != nil {
		if eos, ok := tokenizer.EOS(tok); ok {
			gc.StopTokens = append(gc.StopTokens, eos)
		}
	}

	gen := generate.NewTextGenerator(e, tok)
	printIDs := cmd.Bool("ids") || tok == nil
	start := time.Now()
	var reason generate.StopReason
	ids, err := gen.GenerateTokens(ctx, prompt, gc, func(r generate.GenerateResult) bool {
		if printIDs {
			fmt.Fprintf(os.Stdout, "%d ", r.TokenID)
		} else {
			fmt.Fprint(os.Stdout, r.Token)
		}
		reason = r.Reason
		return true
	})
	fmt.Fprintln(os.Stdout)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	logger.Log.Info("generated", "prompt_tokens", len(prompt), "tokens", len(ids), "reason", string(reason),
		"duration", elapsed.String(), "tokens_per_sec", float64(len(ids))/elapsed.Seconds())
	return nil
}

// openTokenizer prefers an explicit tiktoken encoding and falls back to the
// vocabulary embedded in a GGUF file. It returns nil when neither exists.
func openTokenizer(path string, format loader.ModelFormat, encoding string, mmap bool) (tokenizer.Tokenizer, error) {
	if encoding != "" {
		return tokenizer.NewTikToken(encoding)
	}
	if format != loader.FormatGGUF {
		return nil, nil
	}
	f, err := (&gguf.Parser{Mmap: mmap}).Inspect(path)
	if err != nil {
		return nil, err
	}
	if _, ok := f.Metadata["tokenizer.ggml.tokens"]; !ok {
		return nil, nil
	}
	return tokenizer.FromGGUF(f)
}

func parseTokens(s string) ([]uint32, error) {
	var ids []uint32
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse token %q: %w", field, err)
		}
		ids = append(ids, uint32(v))
	}
	return ids, nil
}
