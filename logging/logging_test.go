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

func TestInit_JSONOutsideDevelopment(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Environment: "production", Output: &buf})
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	FromContext(context.Background()).Info().Msg("dropped")
	FromContext(context.Background()).Warn().Str("user_id", "u1").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "u1", line["user_id"])
}

func TestWithContext_CarriesLogger(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf).With().Str("request_id", "abc").Logger()
	ctx := WithContext(context.Background(), &l)

	FromContext(ctx).Error().Msg("boom")

	assert.Contains(t, buf.String(), `"request_id":"abc"`)
}
