package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deferq/internal/eventbus"
	"deferq/pkg/backend"
	logx "deferq/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func drivers(t *testing.T) map[string]Config {
	dir := t.TempDir()
	return map[string]Config{
		"file":   {Driver: "file", Path: filepath.Join(dir, "journal", "deferq.jsonl")},
		"sqlite": {Driver: "sqlite", Path: filepath.Join(dir, "deferq.db"), BusyTimeout: time.Second},
	}
}

func TestAppendAndHistory(t *testing.T) {
	for name, cfg := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			st, err := Open(cfg, logx.Nop())
			require.NoError(t, err)
			defer st.Close()

			ctx := context.Background()
			at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
			exec := backend.Execution{ID: "a", FunctionID: "f1", FunctionName: "resize", State: backend.StateCreated, ScheduleFor: at}
			require.NoError(t, st.Append(ctx, EntryFor("execution.created", at, exec)))
			require.NoError(t, st.Append(ctx, EntryFor("execution.created", at, backend.Execution{ID: "b", State: backend.StateCreated})))
			exec.State, exec.ErrorCode = backend.StateFailed, backend.ErrorCodeFailed
			require.NoError(t, st.Append(ctx, EntryFor("execution.failed", at.Add(time.Second), exec)))

			got, err := st.History(ctx, "a", 0)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "execution.created", got[0].Event)
			assert.Equal(t, "resize", got[0].FunctionName)
			assert.True(t, got[0].ScheduleFor.Equal(at))
			assert.Equal(t, "failed", got[1].State)
			assert.Equal(t, backend.ErrorCodeFailed, got[1].ErrorCode)
			assert.True(t, got[1].At.Equal(at.Add(time.Second)))

			got, err = st.History(ctx, "a", 1)
			require.NoError(t, err)
			assert.Len(t, got, 1)

			got, err = st.History(ctx, "missing", 0)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestFileJournalIsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "j.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Append(context.Background(), Entry{Event: "execution.started", ExecutionID: "x", State: "started"}))
	require.NoError(t, st.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"execution_id":"x"`)
	assert.Equal(t, byte('\n'), b[len(b)-1])

	assert.ErrorIs(t, st.Append(context.Background(), Entry{}), ErrDisabled)
}

func TestRecorderFollowsBus(t *testing.T) {
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "r.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	bus := eventbus.New()
	rec := NewRecorder(st, bus, 16, logx.Nop())

	bus.Publish(eventbus.Event{Type: "execution.created", Data: backend.Execution{ID: "e", State: backend.StateCreated}})
	bus.Publish(eventbus.Event{Type: "config.reloaded"})
	bus.Publish(eventbus.Event{Type: "execution.started", Data: backend.Execution{ID: "e", State: backend.StateStarted}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := st.History(context.Background(), "e", 0)
		return err == nil && len(got) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSQLiteRetentionPrunes(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "p.db"), Retention: time.Hour}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < pruneEvery-1; i++ {
		require.NoError(t, st.Append(ctx, Entry{At: t0, Event: "execution.created", ExecutionID: "old", State: "created"}))
	}
	require.NoError(t, st.Append(ctx, Entry{At: t0.Add(2 * time.Hour), Event: "execution.created", ExecutionID: "new", State: "created"}))

	old, err := st.History(ctx, "old", 0)
	require.NoError(t, err)
	assert.Empty(t, old)
	fresh, err := st.History(ctx, "new", 0)
	require.NoError(t, err)
	assert.Len(t, fresh, 1)
}
