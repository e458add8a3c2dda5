package logger

import (
	"bytes"
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "json")

	l.Info("tensor loaded", "name", "blk.0.attn_q.weight", "elements", 4096, "err", errors.New("boom"), "dangling")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "tensor loaded", line["message"])
	assert.Equal(t, "blk.0.attn_q.weight", line["name"])
	assert.EqualValues(t, 4096, line["elements"])
	assert.Equal(t, "boom", line["err"])
	assert.NotContains(t, line, "dangling")
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "json").With("session", "abc")

	l.Warn("overflow")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "abc", line["session"])
	assert.Equal(t, "warn", line["level"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("WARN"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.Disabled, ParseLevel("off"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("unknown"))
}
