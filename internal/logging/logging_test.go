package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel, " WARN ": zerolog.WarnLevel, "warning": zerolog.WarnLevel,
		"error": zerolog.ErrorLevel, "off": zerolog.Disabled, "trace": zerolog.TraceLevel,
	}
	for raw, want := range cases {
		got, ok := ParseLevel(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, got, raw)
	}
	_, ok := ParseLevel("")
	require.False(t, ok)
	_, ok = ParseLevel("loud")
	require.False(t, ok)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogNoColor, "true")
	t.Setenv(EnvLogTimestamp, "not a bool")
	cfg := DefaultConfig(ProfileRuntime)
	ApplyEnv(&cfg)
	require.Equal(t, zerolog.ErrorLevel, cfg.Level)
	require.True(t, cfg.NoColor)
	require.True(t, cfg.Timestamp)
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig(ProfileTest)
	cfg.JSON = true
	cfg.Out = &buf
	l := New("protosync", cfg)
	l.Trace().Msg("hidden")
	l.Debug().Str("path", "task").Msg("visible")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "protosync", line["app"])
	require.Equal(t, "task", line["path"])
	require.Equal(t, "visible", line["message"])
	require.NotContains(t, line, "time")
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig(ProfileTest)
	cfg.NoColor = true
	cfg.Out = &buf
	l := New("", cfg)
	l.Info().Str("protocol", "tasks").Msg("listening")
	out := buf.String()
	require.True(t, strings.Contains(out, "listening"), out)
	require.True(t, strings.Contains(out, "protocol=tasks"), out)
}

func TestConfigureFileSettingsYieldToEnv(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	l := Configure("protosync", ProfileRuntime, "debug", true)
	require.Equal(t, zerolog.DebugLevel, l.GetLevel())

	t.Setenv(EnvLogLevel, "warn")
	l = Configure("protosync", ProfileRuntime, "debug", false)
	require.Equal(t, zerolog.WarnLevel, l.GetLevel())
}
