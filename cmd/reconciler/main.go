package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"batchbridge/internal/db"
	"batchbridge/internal/reconcile"
	"batchbridge/internal/source"
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

	lookback, _ := time.ParseDuration(os.Getenv("RECONCILE_LOOKBACK"))
	r := &reconcile.Reconciler{
		Store:    store,
		Querier:  querier,
		Lookback: lookback,
		Log:      logger,
	}

	schedule := os.Getenv("RECONCILE_SCHEDULE")
	if schedule == "" {
		schedule = "@every 30m"
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Minute)
		defer cancel()
		if err := r.ReconcileAll(ctx, time.Now().UTC()); err != nil {
			logger.Warnw("reconcile pass", "err", err)
		}
	}); err != nil {
		logger.Fatalw("cron", "err", err)
	}
	c.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	c.Stop()
}
