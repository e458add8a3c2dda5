// Package errs defines the typed errors shared by the loaders, the compute graph,
// the KV cache and the engine.
//
// Every error carries expected and actual values where they exist so that format
// bugs can be diagnosed from the message alone. Callers match kinds with errors.Is
// against the sentinels below, or extract the full value with errors.As.
package errs

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is matching.
var (
	ErrBadMagic        = errors.New("bad magic")
	ErrMisalignedBlock = errors.New("misaligned block")
	ErrSizeMismatch    = errors.New("size mismatch")
	ErrMissingShard    = errors.New("missing shard")
	ErrUnknownDType    = errors.New("unknown dtype")

	ErrConfig = errors.New("invalid model config")

	ErrDanglingOrCyclicInput = errors.New("dangling or cyclic input")
	ErrUnresolvedOutput      = errors.New("unresolved output")
	ErrDeviceMismatch        = errors.New("device mismatch")
	ErrShapeMismatch         = errors.New("shape mismatch")

	ErrCacheOverflow = errors.New("kv cache overflow")
)

// FormatKind classifies a FormatError.
type FormatKind int

// Format error kinds.
const (
	BadMagic FormatKind = iota
	MisalignedBlock
	SizeMismatch
	MissingShard
	UnknownDType
)

var formatKindNames = [...]string{"bad_magic", "misaligned_block", "size_mismatch", "missing_shard", "unknown_dtype"}

var formatSentinels = [...]error{ErrBadMagic, ErrMisalignedBlock, ErrSizeMismatch, ErrMissingShard, ErrUnknownDType}

func (k FormatKind) String() string {
	if int(k) < len(formatKindNames) {
		return formatKindNames[k]
	}
	return fmt.Sprintf("FormatKind(%d)", int(k))
}

// FormatError reports a malformed weight file. It is always fatal to the load.
type FormatError struct {
	Kind     FormatKind
	Tensor   string // Tensor or shard involved, if any.
	Expected int64
	Actual   int64
	Detail   string
}

// Error implements the error interface.
func (e *FormatError) Error() string {
	msg := e.Kind.String()
	if e.Tensor != "" {
		msg += fmt.Sprintf(": %q", e.Tensor)
	}
	if e.Expected != 0 || e.Actual != 0 {
		msg += fmt.Sprintf(": expected %d, got %d", e.Expected, e.Actual)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is reports whether target is the sentinel for this kind.
func (e *FormatError) Is(target error) bool {
	return int(e.Kind) < len(formatSentinels) && target == formatSentinels[e.Kind]
}

// NewMisaligned builds a MisalignedBlock error.
func NewMisaligned(tensor string, expected, actual int64, detail string) *FormatError {
	return &FormatError{Kind: MisalignedBlock, Tensor: tensor, Expected: expected, Actual: actual, Detail: detail}
}

// NewSizeMismatch builds a SizeMismatch error.
func NewSizeMismatch(tensor string, expected, actual int64, detail string) *FormatError {
	return &FormatError{Kind: SizeMismatch, Tensor: tensor, Expected: expected, Actual: actual, Detail: detail}
}

// ConfigError reports an inconsistent model configuration or weight set.
// It is raised at load time before any inference runs.
type ConfigError struct {
	Field    string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: expected %s, got %s", e.Field, e.Expected, e.Actual)
}

// Is matches ErrConfig.
func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// GraphKind classifies a GraphError.
type GraphKind int

// Graph error kinds.
const (
	DanglingOrCyclicInput GraphKind = iota
	UnresolvedOutput
	DeviceMismatch
	ShapeMismatch
)

var graphKindNames = [...]string{"dangling_or_cyclic_input", "unresolved_output", "device_mismatch", "shape_mismatch"}

var graphSentinels = [...]error{ErrDanglingOrCyclicInput, ErrUnresolvedOutput, ErrDeviceMismatch, ErrShapeMismatch}

func (k GraphKind) String() string {
	if int(k) < len(graphKindNames) {
		return graphKindNames[k]
	}
	return fmt.Sprintf("GraphKind(%d)", int(k))
}

// GraphError reports an invalid compute graph. Node and Input are node ids,
// -1 when not applicable.
type GraphError struct {
	Kind   GraphKind
	Node   int
	Input  int
	Detail string
}

// Error implements the error interface.
func (e *GraphError) Error() string {
	msg := fmt.Sprintf("graph %s: node %d", e.Kind, e.Node)
	if e.Input >= 0 {
		msg += fmt.Sprintf(", input %d", e.Input)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is reports whether target is the sentinel for this kind.
func (e *GraphError) Is(target error) bool {
	return int(e.Kind) < len(graphSentinels) && target == graphSentinels[e.Kind]
}

// CacheOverflowError is returned when an append would grow a layer past its capacity.
// The cache is left unchanged.
type CacheOverflowError struct {
	Layer     int
	Max       int
	Requested int
}

// Error implements the error interface.
func (e *CacheOverflowError) Error() string {
	return fmt.Sprintf("kv cache overflow: layer %d: max %d positions, requested %d", e.Layer, e.Max, e.Requested)
}

// Is matches ErrCacheOverflow.
func (e *CacheOverflowError) Is(target error) bool { return target == ErrCacheOverflow }
