package model

import "context"

// FormatParser is implemented by each supported weight format. The set is
// closed; loader.Open dispatches across it.
type FormatParser interface {
	// Name is the format name used in logs and metrics.
	Name() string
	// Detect reports whether path looks like this format. It reads at most
	// the file header.
	Detect(path string) bool
	// Load parses and dequantizes the whole model. It is all or nothing:
	// on error no WeightSet is returned.
	Load(ctx context.Context, path string) (*WeightSet, *Config, error)
}
