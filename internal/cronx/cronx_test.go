package cronx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deferq/pkg/backend"
	logx "deferq/pkg/logx"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []backend.EnqueueOptions
	names []string
	err   error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, fn *backend.Function, _ any, opts backend.EnqueueOptions) (backend.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	f.names = append(f.names, fn.Name)
	if f.err != nil {
		return backend.Execution{}, f.err
	}
	return backend.Execution{ID: "x", FunctionName: fn.Name, State: backend.StateCreated}, nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "*/5 * * * *", want: "*/5 * * * *"},
		{in: "@hourly", want: "@hourly"},
		{in: " 15m ", want: "@every 15m0s"},
		{in: "", wantErr: true},
		{in: "-1m", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tc := range tests {
		got, err := Normalize(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestAddValidates(t *testing.T) {
	t.Parallel()

	tr := New(&fakeEnqueuer{}, "", logx.Nop())
	require.Error(t, tr.Add(&backend.Function{Name: "bad", Cron: "61 * * * *"}))
	require.Error(t, tr.Add(&backend.Function{Cron: "@daily"}))
	require.NoError(t, tr.Add(&backend.Function{Name: "ok", Cron: "0 9 * * *"}))
	assert.Len(t, tr.Entries(time.Now()), 1)
}

func TestEntriesUseTimezone(t *testing.T) {
	t.Parallel()

	tr := New(&fakeEnqueuer{}, "UTC", logx.Nop())
	require.NoError(t, tr.Add(&backend.Function{Name: "daily", Cron: "30 9 * * *"}))
	require.NoError(t, tr.Add(&backend.Function{Name: "every", Cron: "90s"}))

	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	entries := tr.Entries(now)
	require.Len(t, entries, 2)
	assert.Equal(t, "daily", entries[0].Name)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC), entries[0].Next.UTC())
	assert.Equal(t, "@every 1m30s", entries[1].Spec)
	assert.Equal(t, now.Add(90*time.Second), entries[1].Next.UTC())
}

func TestFireEnqueues(t *testing.T) {
	t.Parallel()

	enq := &fakeEnqueuer{}
	tr := New(enq, "", logx.Nop())
	require.NoError(t, tr.Add(&backend.Function{Name: "report", Cron: "@daily"}))

	e, err := tr.Fire(context.Background(), "report")
	require.NoError(t, err)
	assert.Equal(t, "report", e.FunctionName)
	require.Equal(t, 1, enq.count())
	assert.Equal(t, "cron", enq.calls[0].Metadata["trigger"])
	assert.Equal(t, "@daily", enq.calls[0].Metadata["cron"])

	_, err = tr.Fire(context.Background(), "missing")
	require.Error(t, err)

	enq.err = errors.New("backend down")
	_, err = tr.Fire(context.Background(), "report")
	require.Error(t, err)
	assert.Equal(t, "backend down", tr.Entries(time.Now())[0].LastErr)
	assert.Equal(t, uint64(2), tr.Entries(time.Now())[0].Fired)
}

func TestScheduleFires(t *testing.T) {
	t.Parallel()

	enq := &fakeEnqueuer{}
	tr := New(enq, "", logx.Nop())
	require.NoError(t, tr.Add(&backend.Function{Name: "tick", Cron: "* * * * * *"}))

	tr.Start(context.Background())
	defer tr.Stop(context.Background())

	require.Eventually(t, func() bool { return enq.count() > 0 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, tr.Remove("tick"))
	assert.False(t, tr.Remove("tick"))
}

func TestApplyRestarts(t *testing.T) {
	t.Parallel()

	tr := New(&fakeEnqueuer{}, "", logx.Nop())
	require.NoError(t, tr.Add(&backend.Function{Name: "daily", Cron: "0 0 * * *"}))
	tr.Start(context.Background())
	defer tr.Stop(context.Background())

	tr.Apply("UTC")
	assert.Equal(t, "UTC", tr.loc.String())
	tr.Apply("Not/AZone")
	assert.Equal(t, time.Local, tr.loc)
}
