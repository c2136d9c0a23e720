package main

import (
	"log"
	"os"

	"github.com/hibiken/asynq"

	"batchbridge/internal/db"
	httpSrv "batchbridge/internal/http"
	"batchbridge/internal/migrations"
	"batchbridge/internal/orchestrator"
)

func main() {
	migrations.MustRun()

	store := db.MustOpenStore()
	asq := asynq.NewClient(asynq.RedisClientOpt{Addr: os.Getenv("REDIS_ADDR")})
	enq := &orchestrator.Enqueuer{Client: asq}

	addr := os.Getenv("API_ADDR")
	if addr == "" {
		addr = ":8000"
	}
	srv := httpSrv.NewServer(addr, store, enq)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}
