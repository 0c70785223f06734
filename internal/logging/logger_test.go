package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("WARNING"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
}

func TestBuildJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	l := build(&Config{Level: "warn", Component: "ledger", JSONFormat: true}, &buf)

	l.Info().Msg("dropped")
	l.Warn().Str("investor_id", "inv-1").Msg("kept")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "ledger", entry["service"])
	assert.Equal(t, "inv-1", entry["investor_id"])
}

func TestWithTraceContext(t *testing.T) {
	var buf bytes.Buffer
	ctx, _ := WithTraceContext(context.Background(), build(&Config{JSONFormat: true}, &buf))

	FromContext(ctx).Info().Msg("traced")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.NotEmpty(t, entry["trace_id"])
}
