package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterEmitsJSONWithFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("component", "local"))

	log.Debug("dispatched", String("id", "ex1"), Int("attempt", 2), Err(errors.New("boom")), Err(nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "dispatched", line["message"])
	assert.Equal(t, "local", line["component"])
	assert.Equal(t, "ex1", line["id"])
	assert.Equal(t, float64(2), line["attempt"])
	assert.Equal(t, "boom", line["err"])
	assert.Contains(t, line["caller"], "logx_test.go:")
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, log.Enabled(LevelError))
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var log Logger
	assert.True(t, log.IsZero())
	assert.NotPanics(t, func() { log.With(String("a", "b")).Error("nothing") })
	assert.False(t, Nop().IsZero())
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, LevelWarn, ParseLevel(" WARNING ", LevelInfo))
	assert.Equal(t, LevelTrace, ParseLevel("trace", LevelInfo))
	assert.Equal(t, LevelInfo, ParseLevel("loud", LevelInfo))
}

func TestServiceApplySwapsSinks(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "b.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	defer svc.Close()
	child := log.With(String("component", "test"))
	child.Info("one")

	require.NoError(t, svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: second}}))
	child.Info("dropped")
	child.Error("two")

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	b, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Contains(t, string(a), `"message":"one"`)
	assert.NotContains(t, string(b), "dropped")
	assert.Equal(t, 1, strings.Count(string(b), "\n"))
	assert.Contains(t, string(b), `"component":"test"`)
}

func TestServiceApplyReportsUnopenableFile(t *testing.T) {
	t.Parallel()
	svc := &Service{}
	err := svc.Apply(Config{File: FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "missing", "x.log")}})
	assert.Error(t, err)
	assert.NotPanics(t, func() { svc.Logger().Warn("still logs to stdout") })
}
