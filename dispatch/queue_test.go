package dispatch_test

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/watershed-dss/wqdss"
	"github.com/watershed-dss/wqdss/dispatch"
	"github.com/watershed-dss/wqdss/dispatch/broker"
	"github.com/watershed-dss/wqdss/internal/wqerrors"
)

type fakePublisher struct {
	mu    sync.Mutex
	tasks []broker.SweepTask
}

func (f *fakePublisher) Publish(task broker.SweepTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return nil
}

type fakeResultStore struct {
	mu      sync.Mutex
	results map[string]dispatch.ResultEnvelope
}

func newFakeResultStore() *fakeResultStore {
	return &fakeResultStore{results: map[string]dispatch.ResultEnvelope{}}
}

func (f *fakeResultStore) SetResult(ctx context.Context, taskID string, env dispatch.ResultEnvelope, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[taskID] = env
	return nil
}

func (f *fakeResultStore) GetResult(ctx context.Context, taskID string) (*dispatch.ResultEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	env, ok := f.results[taskID]
	if !ok {
		return nil, nil
	}
	return &env, nil
}

func TestQueueDispatchReturnsCompletedArchive(t *testing.T) {
	pub := &fakePublisher{}
	store := newFakeResultStore()
	q := dispatch.NewQueue(pub, store, 10*time.Millisecond, 2*time.Second)

	go func() {
		for {
			pub.mu.Lock()
			n := len(pub.tasks)
			pub.mu.Unlock()
			if n > 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		pub.mu.Lock()
		taskID := pub.tasks[0].TaskID
		pub.mu.Unlock()
		store.SetResult(context.Background(), taskID, dispatch.ResultEnvelope{
			TaskID:     taskID,
			Status:     dispatch.ResultStatusCompleted,
			ArchiveB64: base64.StdEncoding.EncodeToString([]byte("archive-bytes")),
		}, time.Minute)
	}()

	archiveBytes, err := q.Dispatch(context.Background(), "default", wqdss.Permutation{}, "out.csv")
	require.NoError(t, err)
	require.Equal(t, "archive-bytes", string(archiveBytes))
}

func TestQueueDispatchReturnsErrorOnFailedTask(t *testing.T) {
	pub := &fakePublisher{}
	store := newFakeResultStore()
	q := dispatch.NewQueue(pub, store, 10*time.Millisecond, 2*time.Second)

	go func() {
		for {
			pub.mu.Lock()
			n := len(pub.tasks)
			pub.mu.Unlock()
			if n > 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		pub.mu.Lock()
		taskID := pub.tasks[0].TaskID
		pub.mu.Unlock()
		store.SetResult(context.Background(), taskID, dispatch.ResultEnvelope{
			TaskID: taskID,
			Status: dispatch.ResultStatusFailed,
			Error:  "model binary crashed",
		}, time.Minute)
	}()

	_, err := q.Dispatch(context.Background(), "default", wqdss.Permutation{}, "out.csv")
	require.Error(t, err)
	require.Contains(t, err.Error(), "model binary crashed")
}

func TestQueueDispatchTimesOut(t *testing.T) {
	pub := &fakePublisher{}
	store := newFakeResultStore()
	q := dispatch.NewQueue(pub, store, 5*time.Millisecond, 20*time.Millisecond)

	_, err := q.Dispatch(context.Background(), "default", wqdss.Permutation{}, "out.csv")
	require.True(t, errors.Is(err, wqerrors.ErrDispatchTimeout))
}
