package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/cortexd/internal/routerqueue"
)

// ExecutorFunc performs the actual model call for a dispatched job
// (spec.md §4.10 "Worker").
type ExecutorFunc func(ctx context.Context, prompt, model string) (string, error)

// Worker runs a single job to completion: transitions it into execution,
// keeps a heartbeat alive for the duration of the call, and reports the
// outcome. Grounded on the teacher's HeartbeatManager ticker-goroutine
// lifecycle, scoped here to one job instead of one process.
type Worker struct {
	store             *routerqueue.Store
	executor          ExecutorFunc
	notifier          *Notifier
	heartbeatInterval time.Duration
	prompt            string
	model             string
	log               *slog.Logger
}

// NewWorker builds a Worker for a single job execution. model is the tier's
// concrete model identifier (TierConfig.Model), not the tier name.
func NewWorker(store *routerqueue.Store, executor ExecutorFunc, notifier *Notifier, heartbeatInterval time.Duration, prompt, model string, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	return &Worker{store: store, executor: executor, notifier: notifier, heartbeatInterval: heartbeatInterval, prompt: prompt, model: model, log: log}
}

// Execute transitions the job to in_execution, runs the executor under an
// active heartbeat, and records the terminal outcome. The heartbeat is
// cancelled on every exit path (spec.md §4.10 "The heartbeat MUST be
// cancelled on every exit path").
func (w *Worker) Execute(ctx context.Context, job routerqueue.Job) {
	workerID := job.ID + ":worker"
	if err := w.store.StartExecution(ctx, job.ID, workerID); err != nil {
		w.log.Error("router: failed to start execution", "job_id", job.ID, "error", err)
		return
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go w.heartbeatLoop(heartbeatCtx, job.ID)

	result, err := w.executor(ctx, w.prompt, w.model)
	cancelHeartbeat()

	if err != nil {
		if failErr := w.store.Fail(ctx, job.ID, err.Error()); failErr != nil {
			w.log.Error("router: failed to record job failure", "job_id", job.ID, "error", failErr)
		}
		if w.notifier != nil {
			w.notifier.PublishFailed(job.ID)
		}
		return
	}

	if err := w.store.Complete(ctx, job.ID, result); err != nil {
		w.log.Error("router: failed to record job completion", "job_id", job.ID, "error", err)
		return
	}
	if w.notifier != nil {
		w.notifier.PublishCompleted(job.ID)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.store.Heartbeat(ctx, jobID, ""); err != nil {
				w.log.Warn("router: heartbeat write failed", "job_id", jobID, "error", err)
			}
		}
	}
}
