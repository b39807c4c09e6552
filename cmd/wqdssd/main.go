// Command wqdssd is the water-quality decision-support sweep service: it
// serves the HTTP surface described in spec §6 over a model registry, an
// execution registry, and a sweep engine, dispatching runs either
// in-process or onto a broker/queue-backed worker pool depending on
// configuration.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/watershed-dss/wqdss/dispatch"
	"github.com/watershed-dss/wqdss/dispatch/broker"
	"github.com/watershed-dss/wqdss/execreg"
	"github.com/watershed-dss/wqdss/httpapi"
	"github.com/watershed-dss/wqdss/internal/mirror"
	"github.com/watershed-dss/wqdss/internal/wqconfig"
	"github.com/watershed-dss/wqdss/internal/wqlog"
	"github.com/watershed-dss/wqdss/modelstore"
	"github.com/watershed-dss/wqdss/sandbox"
	"github.com/watershed-dss/wqdss/sweep"
	"github.com/watershed-dss/wqdss/version"
)

func main() {
	cfg := wqconfig.Load()
	wqlog.Configure(cfg.LogLevel, cfg.LogFormat, cfg.Debug)
	log := wqlog.ServiceLogger("wqdssd", version.GetServiceVersion())

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Errorf("invalid configuration")
		os.Exit(1)
	}

	ctx := context.Background()

	models, err := modelstore.New(cfg.BaseModelDir)
	if err != nil {
		log.WithError(err).Errorf("failed to initialise model store")
		os.Exit(1)
	}
	if err := models.LoadFromDisk(); err != nil {
		log.WithError(err).Errorf("failed to load existing models from disk")
		os.Exit(1)
	}

	durabilityMirror, err := mirror.New(ctx, cfg.MirrorBucket, cfg.MirrorRegion, "", "")
	if err != nil {
		log.WithError(err).Errorf("failed to initialise durability mirror")
		os.Exit(1)
	}
	if durabilityMirror.Enabled() {
		models.SetMirror(durabilityMirror)
		log.WithField("bucket", cfg.MirrorBucket).Infof("archive durability mirror enabled")
	}

	execs := execreg.New()

	engine := sweep.New(newDispatcher(ctx, cfg, models, log), cfg.NumParallelExecs, cfg.BestRunsDir)
	if durabilityMirror.Enabled() {
		engine.Mirror = durabilityMirror
	}

	server := httpapi.NewServer(models, execs, engine)

	e := httpapi.NewEchoServer(httpapi.ServerConfig{
		Debug:          cfg.Debug,
		BodyLimit:      "200M",
		AllowedOrigins: []string{"*"},
		APIKey:         cfg.APIKey,
	})
	server.RegisterRoutes(e)

	log.WithField("port", cfg.HTTPPort).Infof("starting wqdss HTTP surface")
	go func() {
		if err := httpapi.StartServer(e, cfg.HTTPPort); err != nil {
			log.WithError(err).Warnf("http server stopped")
		}
	}()

	waitForShutdown(log)
	if err := httpapi.GracefulShutdown(e, 15*time.Second); err != nil {
		log.WithError(err).Warnf("graceful shutdown did not complete cleanly")
	}
}

// newDispatcher selects the broker/queue-backed remote dispatcher when
// the dispatch mode is "queue", so a fleet of wqdss-worker processes can
// absorb the load, and the in-process dispatcher for any other mode.
func newDispatcher(ctx context.Context, cfg wqconfig.Config, models *modelstore.Store, log *wqlog.ContextLogger) dispatch.Dispatcher {
	if cfg.DispatchMode != "queue" {
		box, err := sandbox.New(cfg.ModelExePath, os.TempDir()+"/wqdss-runs")
		if err != nil {
			log.WithError(err).Errorf("failed to initialise run sandbox")
			os.Exit(1)
		}
		log.Infof("dispatching runs in-process")
		return dispatch.NewInProcess(models, box)
	}

	pub, err := broker.NewPublisher(cfg.AMQPURL, cfg.AMQPQueueName)
	if err != nil {
		log.WithError(err).Errorf("failed to connect to broker")
		os.Exit(1)
	}

	results, err := dispatch.NewRedisResultStore(ctx, cfg.RedisURL, "")
	if err != nil {
		log.WithError(err).Errorf("failed to connect to result store")
		os.Exit(1)
	}

	log.WithField("queue", cfg.AMQPQueueName).Infof("dispatching runs onto the worker queue")
	return dispatch.NewQueue(pub, results, cfg.QueuePollInterval, cfg.QueueTimeout)
}

// waitForShutdown blocks until SIGINT or SIGTERM arrives.
func waitForShutdown(log *wqlog.ContextLogger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infof("shutdown signal received")
}
