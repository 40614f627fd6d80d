package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range tests {
		require.Equal(t, want, parseLevel(in), in)
	}
}

func TestComponentAndConversationFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	logger := WithConversation(Component("timeline"), "g1", "42")
	logger.Info().Msg("applied")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "timeline", line["component"])
	require.Equal(t, "g1", line["conversation_id"])
	require.Equal(t, "42", line["thread_id"])
	require.Equal(t, "applied", line["message"])
}

func TestFromContextFallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).With().Str("k", "v").Logger()
	ctx := WithContext(context.Background(), logger)

	got := FromContext(ctx)
	got.Info().Msg("x")
	require.Contains(t, buf.String(), `"k":"v"`)

	require.NotPanics(t, func() {
		l := FromContext(context.Background())
		l.Debug().Msg("global")
	})
}
