package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"batchbridge/internal/consumer"
	"batchbridge/internal/db"
	"batchbridge/internal/metrics"
	"batchbridge/internal/notify"
	"batchbridge/internal/orchestrator"
	"batchbridge/internal/source"
	"batchbridge/internal/stage"
	"batchbridge/internal/worker"
)

func main() {
	zl, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer zl.Sync()
	logger := zl.Sugar()

	store := db.MustOpenStore()
	querier := source.NewHTTPQuerier(os.Getenv("SOURCE_QUERY_URL"), os.Getenv("SOURCE_QUERY_TOKEN"))

	var st *stage.Stage
	if os.Getenv("STAGE_S3_BUCKET") != "" {
		s3store, err := stage.NewS3Store(context.Background())
		if err != nil {
			logger.Fatalw("stage store", "err", err)
		}
		st = stage.New(s3store, logger)
	}

	var notifier notify.Notifier = notify.Nop{}
	if url := os.Getenv("NOTIFY_WEBHOOK_URL"); url != "" {
		notifier = notify.NewWebhook(url, os.Getenv("NOTIFY_WEBHOOK_SECRET"), logger)
	}

	cfg := orchestrator.Config{
		QueueCapacity:    envInt("QUEUE_CAPACITY"),
		CheckWindow:      envInt("AUTO_PAUSE_CHECK_WINDOW"),
		FailureThreshold: envInt("AUTO_PAUSE_FAILURE_THRESHOLD"),
		Consumer: consumer.Config{
			MaxFileSizeBytes:     int64(envInt("MAX_FILE_SIZE_MB")) << 20,
			UploadChunkSizeBytes: int64(envInt("UPLOAD_CHUNK_SIZE_MB")) << 20,
			Workers:              envInt("UPLOAD_WORKERS"),
		},
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalw("config", "err", err)
	}

	asq := asynq.NewClient(asynq.RedisClientOpt{Addr: os.Getenv("REDIS_ADDR")})
	enq := &orchestrator.Enqueuer{Client: asq}

	o := &orchestrator.Orchestrator{
		Store:    store,
		Querier:  querier,
		Stage:    st,
		Enqueuer: enq,
		Metrics:  metrics.New(prometheus.DefaultRegisterer),
		Notifier: notifier,
		Cfg:      cfg,
		Log:      logger,
	}

	dispatcher := &orchestrator.Dispatcher{Store: store, Enqueuer: enq, Log: logger}
	c := cron.New()
	_, err = c.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := dispatcher.DispatchDue(ctx, time.Now().UTC()); err != nil {
			logger.Warnw("dispatch due runs", "err", err)
		}
	})
	if err != nil {
		logger.Fatalw("cron", "err", err)
	}
	c.Start()
	defer c.Stop()

	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warnw("metrics listener", "err", err)
			}
		}()
	}

	if err := worker.Run(os.Getenv("REDIS_ADDR"), envInt("WORKER_CONCURRENCY"), o); err != nil {
		logger.Fatalw("worker", "err", err)
	}
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return n
}
