package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"github.com/watershed-dss/wqdss"
	"github.com/watershed-dss/wqdss/dispatch/broker"
	"github.com/watershed-dss/wqdss/internal/wqlog"
)

// Executor runs one permutation and returns its output archive. InProcess
// satisfies this so a worker process can reuse the same prepare/exec/
// package pipeline as the in-process dispatcher.
type Executor interface {
	Dispatch(ctx context.Context, modelName string, perm wqdss.Permutation, outputFile string) ([]byte, error)
}

// DeliverySource is the subset of broker.Consumer the worker loop needs,
// narrowed so tests can drive Worker.Run with an in-memory channel
// instead of a real AMQP broker.
type DeliverySource interface {
	Deliveries(consumerTag string) (<-chan amqp.Delivery, error)
}

// Worker consumes SweepTasks from a broker queue, executes each one
// locally, and writes its outcome to the result store. Unlike the
// generic queue abstraction this was grounded on, it talks to the AMQP
// channel directly so it can ack only after a task's result has been
// durably recorded — a crash between exec and ack simply redelivers the
// task to another worker.
type Worker struct {
	Consumer  DeliverySource
	Executor  Executor
	Results   ResultStore
	ResultTTL time.Duration
	Tag       string

	log *wqlog.ContextLogger
}

// NewWorker returns a Worker ready to Run.
func NewWorker(consumer DeliverySource, executor Executor, results ResultStore, tag string) *Worker {
	return &Worker{
		Consumer:  consumer,
		Executor:  executor,
		Results:   results,
		ResultTTL: 1 * time.Hour,
		Tag:       tag,
		log:       wqlog.New().WithField("component", "dispatch.worker"),
	}
}

// Run blocks, consuming and processing deliveries until ctx is
// cancelled or the delivery channel closes.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.Consumer.Deliveries(w.Tag)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	var task broker.SweepTask
	if err := json.Unmarshal(d.Body, &task); err != nil {
		w.log.WithError(err).Errorf("discarding malformed task")
		d.Nack(false, false)
		return
	}

	log := w.log.WithField("task_id", task.TaskID)

	archiveBytes, err := w.Executor.Dispatch(ctx, task.ModelName, task.Permutation, task.OutputFile)
	if err != nil {
		log.WithError(err).Warnf("task execution failed")
		setErr := w.Results.SetResult(ctx, task.TaskID, ResultEnvelope{
			TaskID: task.TaskID,
			Status: ResultStatusFailed,
			Error:  err.Error(),
		}, w.ResultTTL)
		if setErr != nil {
			log.WithError(setErr).Errorf("failed to record failure result")
			d.Nack(false, true)
			return
		}
		d.Ack(false)
		return
	}

	env := ResultEnvelope{
		TaskID:     task.TaskID,
		Status:     ResultStatusCompleted,
		ArchiveB64: base64.StdEncoding.EncodeToString(archiveBytes),
	}
	if err := w.Results.SetResult(ctx, task.TaskID, env, w.ResultTTL); err != nil {
		log.WithError(err).Errorf("failed to record completion result")
		d.Nack(false, true)
		return
	}

	log.Infof("task completed")
	d.Ack(false)
}
