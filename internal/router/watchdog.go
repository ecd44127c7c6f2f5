package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/cortexd/internal/routerqueue"
)

// Watchdog periodically requeues or fails hung jobs — in_execution rows
// whose last checkpoint predates HungThreshold (spec.md §4.10 "Watchdog").
type Watchdog struct {
	store    *routerqueue.Store
	interval time.Duration
	hung     time.Duration
	maxRetry int
	log      *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// NewWatchdog builds a Watchdog.
func NewWatchdog(store *routerqueue.Store, interval, hungThreshold time.Duration, maxRetries int, log *slog.Logger) *Watchdog {
	if log == nil {
		log = slog.Default()
	}
	w := &Watchdog{
		store:    store,
		interval: interval,
		hung:     hungThreshold,
		maxRetry: maxRetries,
		log:      log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	return w
}

// Run scans for hung jobs on a fixed interval until ctx is cancelled or Stop
// is called.
func (w *Watchdog) Run(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// Stop halts the watchdog's scan loop.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *Watchdog) sweep(ctx context.Context) {
	hung, err := w.store.HungJobs(ctx, int(w.hung.Seconds()))
	if err != nil {
		w.log.Error("router: watchdog scan failed", "error", err)
		return
	}
	for _, job := range hung {
		if err := w.store.RequeueOrFail(ctx, job.ID, w.maxRetry); err != nil {
			w.log.Error("router: watchdog requeue/fail failed", "job_id", job.ID, "error", err)
		}
	}
}
