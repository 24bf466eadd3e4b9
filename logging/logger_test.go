package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_ContextFieldsAreEmitted(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{ServiceName: "stock", Level: zerolog.DebugLevel, Output: &buf})

	ctx := log.WithRequestID(context.Background(), "req-1")
	ctx = log.WithFields(ctx, map[string]any{"operation": "allocate_line"})
	log.Error(ctx, "allocation failed", errors.New("boom"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "stock", got["service"])
	assert.Equal(t, "req-1", got["request_id"])
	assert.Equal(t, "allocate_line", got["operation"])
	assert.Equal(t, "boom", got["error"])
	assert.Equal(t, "allocation failed", got["message"])
}

func TestLogger_LevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{ServiceName: "stock", Level: zerolog.InfoLevel, Output: &buf})

	log.Debug(context.Background(), "hidden")
	assert.Zero(t, buf.Len())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.DebugLevel, ParseLevel(" DEBUG "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
}
