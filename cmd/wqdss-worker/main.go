// Command wqdss-worker consumes sweep tasks from the broker queue and
// executes them locally with the same prepare/exec/package pipeline the
// in-process dispatcher uses, writing each outcome back to the shared
// result store. Run one or many of these alongside wqdssd in queue
// dispatch mode to spread model runs across a fleet.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/watershed-dss/wqdss/dispatch"
	"github.com/watershed-dss/wqdss/dispatch/broker"
	"github.com/watershed-dss/wqdss/internal/wqconfig"
	"github.com/watershed-dss/wqdss/internal/wqlog"
	"github.com/watershed-dss/wqdss/modelstore"
	"github.com/watershed-dss/wqdss/sandbox"
	"github.com/watershed-dss/wqdss/version"
)

func main() {
	cfg := wqconfig.Load()
	wqlog.Configure(cfg.LogLevel, cfg.LogFormat, cfg.Debug)
	log := wqlog.ServiceLogger("wqdss-worker", version.GetServiceVersion())

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Errorf("invalid configuration")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	models, err := modelstore.New(cfg.BaseModelDir)
	if err != nil {
		log.WithError(err).Errorf("failed to initialise model store")
		os.Exit(1)
	}
	if err := models.LoadFromDisk(); err != nil {
		log.WithError(err).Errorf("failed to load existing models from disk")
		os.Exit(1)
	}

	box, err := sandbox.New(cfg.ModelExePath, os.TempDir()+"/wqdss-worker-runs")
	if err != nil {
		log.WithError(err).Errorf("failed to initialise run sandbox")
		os.Exit(1)
	}
	executor := dispatch.NewInProcess(models, box)

	consumer, err := broker.NewConsumer(cfg.AMQPURL, cfg.AMQPQueueName)
	if err != nil {
		log.WithError(err).Errorf("failed to connect to broker")
		os.Exit(1)
	}
	defer consumer.Close()

	results, err := dispatch.NewRedisResultStore(ctx, cfg.RedisURL, "")
	if err != nil {
		log.WithError(err).Errorf("failed to connect to result store")
		os.Exit(1)
	}
	defer results.Close()

	tag, err := os.Hostname()
	if err != nil || tag == "" {
		tag = uuid.NewString()
	}
	worker := dispatch.NewWorker(consumer, executor, results, tag)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Infof("shutdown signal received")
		cancel()
	}()

	log.WithField("queue", cfg.AMQPQueueName).WithField("tag", tag).Infof("worker consuming sweep tasks")
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Errorf("worker stopped unexpectedly")
		os.Exit(1)
	}
}
