package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerWritesFieldsInOrder(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "dispatch"), String("k", "first"))
	log.Info("batch done", Int("processed", 3), String("k", "second"), Err(errors.New("boom")))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	require.Equal(t, "batch done", m["message"])
	require.Equal(t, "dispatch", m["comp"])
	require.Equal(t, float64(3), m["processed"])
	require.Equal(t, "boom", m["err"])
	require.Equal(t, "second", m["k"])
	require.True(t, strings.HasPrefix(m["caller"].(string), "logger_test.go:"), m["caller"])
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Debug("hidden")
	require.Zero(t, buf.Len())
	require.False(t, log.Enabled(LevelInfo))
	require.True(t, log.Enabled(LevelError))
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var log Logger
	require.True(t, log.IsZero())
	log.Error("ignored", String("k", "v"))
	require.False(t, Nop().IsZero())
	require.False(t, Nop().Enabled(LevelError))
}

func TestSinkSwitchesOutputs(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "logs", "a.log")
	second := filepath.Join(dir, "b.log")

	sink, root := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	log := root.With(String("comp", "test"))
	log.Debug("below level")
	log.Info("to first")

	require.NoError(t, sink.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: second}}))
	log.Debug("to second")
	require.NoError(t, sink.Close())
	log.Error("after close")

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	require.Contains(t, string(a), `"message":"to first"`)
	require.Contains(t, string(a), `"comp":"test"`)
	require.NotContains(t, string(a), "below level")

	b, err := os.ReadFile(second)
	require.NoError(t, err)
	require.Contains(t, string(b), `"message":"to second"`)
	require.NotContains(t, string(b), "after close")
}

func TestSinkReportsUnusableFile(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	sink, _ := New(Config{Level: "error"})
	err := sink.Apply(Config{File: FileConfig{Enabled: true, Path: filepath.Join(blocker, "x.log")}})
	require.Error(t, err)
	require.NoError(t, sink.Close())
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	require.Equal(t, LevelWarn, parseLevel(" warning ", LevelInfo))
	require.Equal(t, LevelInfo, parseLevel("bogus", LevelInfo))
	require.Equal(t, LevelTrace, parseLevel("TRACE", LevelInfo))
	require.Equal(t, LevelInfo, parseLevel("", LevelInfo))
}
