package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"collections/internal/cache"
	"collections/internal/collections"
	"collections/internal/store"
	"collections/internal/store/memstore"
)

type fakeRunner struct {
	calls []collections.RunOptions
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, opts collections.RunOptions) (collections.RunSummary, error) {
	f.calls = append(f.calls, opts)
	return collections.RunSummary{RunID: "run_1", Sent: 2}, f.err
}

func newRedisLock(t *testing.T) *cache.RunLock {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewRunLock(client, time.Minute)
}

func TestRunHandler(t *testing.T) {
	fr := &fakeRunner{}
	h := &RunHandler{Runner: fr, Lock: newRedisLock(t)}

	task, err := NewRunTask(RunPayload{AsOf: "2024-02-01", Trigger: "api"})
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), task))
	require.Len(t, fr.calls, 1)
	require.Equal(t, "api", fr.calls[0].Trigger)
	require.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), fr.calls[0].AsOf)

	// The lock was released, so a second run goes through.
	require.NoError(t, h.Handle(context.Background(), task))
	require.Len(t, fr.calls, 2)
}

func TestRunHandlerDefaultsTrigger(t *testing.T) {
	fr := &fakeRunner{}
	task, _ := NewRunTask(RunPayload{})
	require.NoError(t, (&RunHandler{Runner: fr}).Handle(context.Background(), task))
	require.Equal(t, "schedule", fr.calls[0].Trigger)
	require.True(t, fr.calls[0].AsOf.IsZero())
}

func TestRunHandlerSkipsWhenLocked(t *testing.T) {
	fr := &fakeRunner{}
	lock := newRedisLock(t)
	_, ok, err := lock.Acquire(context.Background(), runLockKey)
	require.NoError(t, err)
	require.True(t, ok)

	task, _ := NewRunTask(RunPayload{Trigger: "schedule"})
	require.NoError(t, (&RunHandler{Runner: fr, Lock: lock}).Handle(context.Background(), task))
	require.Empty(t, fr.calls)
}

func TestRunHandlerRecordsSkippedRun(t *testing.T) {
	ctx := context.Background()
	fr := &fakeRunner{}
	lock := newRedisLock(t)
	_, ok, err := lock.Acquire(ctx, runLockKey)
	require.NoError(t, err)
	require.True(t, ok)

	runs := memstore.New()
	h := &RunHandler{
		Runner: fr,
		Lock:   lock,
		Runs:   runs,
		taskID: func(context.Context) (string, bool) { return "task-42", true },
	}
	task, _ := NewRunTask(RunPayload{AsOf: "2024-02-01", Trigger: "api"})
	require.NoError(t, h.Handle(ctx, task))
	require.Empty(t, fr.calls)

	rec, found, err := runs.GetRun(ctx, "task-42")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, store.RunSkipped, rec.Status)
	require.Equal(t, "api", rec.Trigger)
	require.Equal(t, "2024-02-01", rec.AsOf.Format("2006-01-02"))
	require.Zero(t, rec.Processed)
}

func TestRunHandlerBadPayload(t *testing.T) {
	h := &RunHandler{Runner: &fakeRunner{}}
	err := h.Handle(context.Background(), asynq.NewTask(TaskCollectionsRun, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	task, _ := NewRunTask(RunPayload{AsOf: "02/01/2024"})
	require.ErrorIs(t, h.Handle(context.Background(), task), asynq.SkipRetry)
}

func TestRunHandlerPropagatesRunError(t *testing.T) {
	boom := errors.New("db down")
	task, _ := NewRunTask(RunPayload{})
	err := (&RunHandler{Runner: &fakeRunner{err: boom}}).Handle(context.Background(), task)
	require.ErrorIs(t, err, boom)
}
