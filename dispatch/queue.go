package dispatch

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/watershed-dss/wqdss"
	"github.com/watershed-dss/wqdss/dispatch/broker"
	"github.com/watershed-dss/wqdss/internal/wqerrors"
	"github.com/watershed-dss/wqdss/internal/wqlog"
)

// Publisher is the subset of broker.Publisher the queue dispatcher
// needs, narrowed so tests can substitute a fake.
type Publisher interface {
	Publish(task broker.SweepTask) error
}

// Queue dispatches a permutation by publishing a task to a durable
// broker queue and polling a result store until a worker reports
// completion, failure, or the configured timeout elapses. The broker
// and the result store are two separate systems on purpose: the
// broker only needs to deliver the task once to some worker, while the
// result store needs to be queryable by task ID from a different
// process than the one that enqueued the task.
type Queue struct {
	Publisher    Publisher
	Results      ResultStore
	PollInterval time.Duration
	Timeout      time.Duration // zero means no timeout
	ResultTTL    time.Duration
	log          *wqlog.ContextLogger
}

// NewQueue returns a Queue dispatcher. pollInterval defaults to 500ms
// if zero, matching the polling cadence used across the service.
func NewQueue(pub Publisher, results ResultStore, pollInterval, timeout time.Duration) *Queue {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Queue{
		Publisher:    pub,
		Results:      results,
		PollInterval: pollInterval,
		Timeout:      timeout,
		ResultTTL:    1 * time.Hour,
		log:          wqlog.New().WithField("component", "dispatch.queue"),
	}
}

// Dispatch implements Dispatcher by handing the permutation off to a
// worker over the broker and blocking until that worker reports a
// result.
func (q *Queue) Dispatch(ctx context.Context, modelName string, perm wqdss.Permutation, outputFile string) ([]byte, error) {
	taskID := uuid.NewString()
	task := broker.SweepTask{
		TaskID:      taskID,
		ModelName:   modelName,
		Permutation: perm,
		OutputFile:  outputFile,
	}

	if err := q.Publisher.Publish(task); err != nil {
		return nil, fmt.Errorf("publish task %s: %w", taskID, err)
	}

	ticker := time.NewTicker(q.PollInterval)
	defer ticker.Stop()

	var deadline time.Time
	hasDeadline := q.Timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(q.Timeout)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			env, err := q.Results.GetResult(ctx, taskID)
			if err != nil {
				return nil, err
			}
			if env != nil {
				switch env.Status {
				case ResultStatusCompleted:
					archiveBytes, err := base64.StdEncoding.DecodeString(env.ArchiveB64)
					if err != nil {
						return nil, fmt.Errorf("decode result archive for task %s: %w", taskID, err)
					}
					return archiveBytes, nil
				case ResultStatusFailed:
					return nil, fmt.Errorf("task %s failed: %s", taskID, env.Error)
				}
			}
			if hasDeadline && time.Now().After(deadline) {
				return nil, fmt.Errorf("%w: task %s", wqerrors.ErrDispatchTimeout, taskID)
			}
		}
	}
}
