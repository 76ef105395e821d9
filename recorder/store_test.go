package recorder_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/carla-mcp/recorder"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	lock sync.Mutex
	now  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func openStore(t *testing.T) *recorder.Store {
	t.Helper()

	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	path := filepath.Join(t.TempDir(), "runs.db")
	store, err := recorder.Open(context.Background(), path, recorder.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func TestRunLifecycle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	delta := 0.05
	run, err := store.StartRun(ctx, recorder.NewRun{Name: "smoke", MapName: "Town01", FixedDeltaSeconds: &delta})
	require.NoError(t, err)
	assert.Len(t, run.ID, 26)
	assert.Equal(t, recorder.StatusRunning, run.Status)

	for i := range 3 {
		f, err := store.RecordFrame(ctx, run.ID, recorder.Frame{
			Frame:      uint64(100 + i),
			ElapsedMS:  int64(i * 50),
			ActorCount: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, i, f.Index)
	}

	finished, err := store.FinishRun(ctx, run.ID, recorder.StatusCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, recorder.StatusCompleted, finished.Status)
	assert.Equal(t, 3, finished.Frames)
	require.NotNil(t, finished.FinishedAt)
	assert.True(t, finished.FinishedAt.After(finished.StartedAt))
	require.NotNil(t, finished.FixedDeltaSeconds)
	assert.InDelta(t, 0.05, *finished.FixedDeltaSeconds, 1e-9)

	got, err := store.Run(ctx, run.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(finished, got); diff != "" {
		t.Errorf("Run() mismatch (-want +got):\n%s", diff)
	}

	frames, err := store.Frames(ctx, run.ID)
	require.NoError(t, err)
	want := []recorder.Frame{
		{RunID: run.ID, Index: 0, Frame: 100, ElapsedMS: 0, ActorCount: 2},
		{RunID: run.ID, Index: 1, Frame: 101, ElapsedMS: 50, ActorCount: 2},
		{RunID: run.ID, Index: 2, Frame: 102, ElapsedMS: 100, ActorCount: 2},
	}
	if diff := cmp.Diff(want, frames, cmpopts.IgnoreFields(recorder.Frame{}, "RecordedAt")); diff != "" {
		t.Errorf("Frames() mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordFrameOnFinishedRun(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	run, err := store.StartRun(ctx, recorder.NewRun{MapName: "Town01"})
	require.NoError(t, err)

	_, err = store.FinishRun(ctx, run.ID, recorder.StatusFailed, errors.New("simulator went away"))
	require.NoError(t, err)

	_, err = store.RecordFrame(ctx, run.ID, recorder.Frame{Frame: 1})
	assert.ErrorIs(t, err, recorder.ErrRunFinished)

	_, err = store.FinishRun(ctx, run.ID, recorder.StatusCompleted, nil)
	assert.ErrorIs(t, err, recorder.ErrRunFinished)

	got, err := store.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, recorder.StatusFailed, got.Status)
	assert.Equal(t, "simulator went away", got.Error)
	assert.Zero(t, got.Frames)
}

func TestUnknownRun(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	_, err := store.Run(ctx, "nope")
	assert.ErrorIs(t, err, recorder.ErrRunNotFound)

	_, err = store.Frames(ctx, "nope")
	assert.ErrorIs(t, err, recorder.ErrRunNotFound)

	_, err = store.RecordFrame(ctx, "nope", recorder.Frame{})
	assert.ErrorIs(t, err, recorder.ErrRunNotFound)

	_, err = store.FinishRun(ctx, "nope", recorder.StatusCancelled, nil)
	assert.ErrorIs(t, err, recorder.ErrRunNotFound)

	_, err = store.FinishRun(ctx, "nope", recorder.StatusRunning, nil)
	assert.Error(t, err)
}

func TestRunsNewestFirst(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"first", "second", "third"} {
		run, err := store.StartRun(ctx, recorder.NewRun{Name: name, MapName: "Town01"})
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}

	runs, err := store.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{runs[0].ID, runs[1].ID, runs[2].ID})

	runs, err = store.Runs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "third", runs[0].Name)
}

func TestReopenKeepsRuns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")

	store, err := recorder.Open(ctx, path)
	require.NoError(t, err)
	run, err := store.StartRun(ctx, recorder.NewRun{MapName: "Town02"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = recorder.Open(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "Town02", got.MapName)
	assert.Nil(t, got.FixedDeltaSeconds)
	assert.Nil(t, got.FinishedAt)
}
