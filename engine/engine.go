// Package engine is the public entry point of the minerva runtime.
//
// It wraps the internal engine and exports a small API for loading a model
// and running token steps against per-session KV caches.
//
// Example usage:
//
//	import "github.com/casonadams/minerva-sub000/engine"
//
//	e, err := engine.Load(ctx, "model.gguf", engine.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cache, err := e.NewCache()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logits, err := e.Prefill(ctx, prompt, cache)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logits, err = e.Step(ctx, next, cache)
package engine

import (
	"context"

	"github.com/casonadams/minerva-sub000/internal/engine"
	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/kvcache"
	"github.com/casonadams/minerva-sub000/internal/model"
)

// Engine executes forward passes over one loaded model. It is safe for
// concurrent use by sessions that each own a Cache.
type Engine = engine.Engine

// Options configure loading and the forward pass.
type Options = engine.Options

// Cache is the KV cache of one generation session.
type Cache = kvcache.Cache

// Config is the model architecture read from the weight file.
type Config = model.Config

// Typed errors. Use errors.As to inspect their fields.
type (
	FormatError        = errs.FormatError
	ConfigError        = errs.ConfigError
	GraphError         = errs.GraphError
	CacheOverflowError = errs.CacheOverflowError
)

// Sentinels for errors.Is.
var (
	ErrBadMagic              = errs.ErrBadMagic
	ErrMisalignedBlock       = errs.ErrMisalignedBlock
	ErrSizeMismatch          = errs.ErrSizeMismatch
	ErrMissingShard          = errs.ErrMissingShard
	ErrUnknownDType          = errs.ErrUnknownDType
	ErrConfig                = errs.ErrConfig
	ErrDanglingOrCyclicInput = errs.ErrDanglingOrCyclicInput
	ErrUnresolvedOutput      = errs.ErrUnresolvedOutput
	ErrDeviceMismatch        = errs.ErrDeviceMismatch
	ErrShapeMismatch         = errs.ErrShapeMismatch
	ErrCacheOverflow         = errs.ErrCacheOverflow
)

// DefaultOptions returns the options of the default runtime config.
func DefaultOptions() Options {
	return engine.DefaultOptions()
}

// Load detects the format of path (GGUF or sharded SafeTensors), loads the
// weights and returns an engine.
func Load(ctx context.Context, path string, opts Options) (*Engine, error) {
	return engine.Load(ctx, path, opts)
}
