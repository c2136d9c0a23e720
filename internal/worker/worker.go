// Package worker assembles the task queue server that executes batch
// export runs and backfills.
package worker

import (
	"github.com/hibiken/asynq"

	"batchbridge/internal/orchestrator"
)

type Server struct {
	Orchestrator *orchestrator.Orchestrator
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(orchestrator.TaskTypeRun, s.Orchestrator.HandleRun)
	mux.HandleFunc(orchestrator.TaskTypeBackfill, s.Orchestrator.HandleBackfill)
	return mux
}

// Run blocks serving tasks from the redis instance at addr. concurrency
// bounds simultaneous runs per process.
func Run(addr string, concurrency int, o *orchestrator.Orchestrator) error {
	if concurrency <= 0 {
		concurrency = 5
	}
	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: addr}, asynq.Config{Concurrency: concurrency})
	w := &Server{Orchestrator: o}
	return srv.Run(w.mux())
}
