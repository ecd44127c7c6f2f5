package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/cortexd/internal/bus"
	"github.com/basket/cortexd/internal/routerqueue"
)

// Job event topics (spec.md §4.11). Dot-separated to match the teacher's
// bus topic-prefix convention rather than the spec prose's colon notation.
const (
	TopicJobCompleted = "job.completed"
	TopicJobFailed    = "job.failed"
	TopicJobDelivered = "job.delivered"
)

// jobEvent carries a job id across the bus; the notifier reloads the full
// record before archiving so the payload is never stale.
type jobEvent struct {
	JobID string
}

// OnDeliveredFunc is invoked after a job is archived, for side effects —
// e.g. the Cortex bridge re-ingesting the result as a router-channel
// envelope (spec.md §4.11, and the REDESIGN FLAGS note on breaking the
// Cortex/Router cyclic dependency at this callback).
type OnDeliveredFunc func(jobID string, job routerqueue.Job)

// Notifier listens for job.completed/job.failed, archives the job, and emits
// job.delivered (spec.md §4.11).
type Notifier struct {
	store       *routerqueue.Store
	eventBus    *bus.Bus
	onDelivered OnDeliveredFunc
	log         *slog.Logger

	sub    *bus.Subscription
	doneCh chan struct{}
}

// NewNotifier builds a Notifier bound to eventBus. onDelivered may be nil.
func NewNotifier(store *routerqueue.Store, eventBus *bus.Bus, onDelivered OnDeliveredFunc, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{store: store, eventBus: eventBus, onDelivered: onDelivered, log: log, doneCh: make(chan struct{})}
}

// PublishCompleted is called by a Worker on successful execution.
func (n *Notifier) PublishCompleted(jobID string) {
	n.eventBus.Publish(TopicJobCompleted, jobEvent{JobID: jobID})
}

// PublishFailed is called by a Worker on execution failure.
func (n *Notifier) PublishFailed(jobID string) {
	n.eventBus.Publish(TopicJobFailed, jobEvent{JobID: jobID})
}

// Run subscribes to job.completed/job.failed and archives each job in turn,
// until ctx is cancelled or Stop is called.
func (n *Notifier) Run(ctx context.Context) {
	defer close(n.doneCh)
	n.sub = n.eventBus.Subscribe("job.")
	defer n.eventBus.Unsubscribe(n.sub)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-n.sub.Ch():
			if !ok {
				return
			}
			if evt.Topic == TopicJobDelivered {
				continue
			}
			je, ok := evt.Payload.(jobEvent)
			if !ok {
				continue
			}
			n.deliver(ctx, je.JobID)
		}
	}
}

// Stop waits for Run's subscription loop to exit after ctx is cancelled by
// the caller; it does not itself cancel anything (mirrors the Dispatcher's
// split between loop ownership and context cancellation).
func (n *Notifier) Stop() {
	<-n.doneCh
}

// RedeliverUndelivered re-runs delivery for terminal jobs that never made it
// past archiving before a crash (spec.md §4 "Terminal Router jobs whose
// delivered-at is NULL are re-delivered"). Intended to run once at startup,
// before Run is started.
func (n *Notifier) RedeliverUndelivered(ctx context.Context) (int, error) {
	jobs, err := n.store.UndeliveredTerminal(ctx)
	if err != nil {
		return 0, fmt.Errorf("router: list undelivered terminal jobs: %w", err)
	}
	for _, job := range jobs {
		n.deliver(ctx, job.ID)
	}
	return len(jobs), nil
}

func (n *Notifier) deliver(ctx context.Context, jobID string) {
	job, err := n.store.Deliver(ctx, jobID)
	if err != nil {
		n.log.Error("router: failed to archive job", "job_id", jobID, "error", err)
		return
	}
	n.eventBus.Publish(TopicJobDelivered, *job)
	if n.onDelivered != nil {
		n.onDelivered(jobID, *job)
	}
}

// waitForJob resolves on the first job.delivered event matching jobID, or
// returns an error on timeout. The subscription is always removed on both
// paths (spec.md §4.11).
func WaitForJob(ctx context.Context, eventBus *bus.Bus, jobID string, timeout time.Duration) (*routerqueue.Job, error) {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	sub := eventBus.Subscribe(TopicJobDelivered)
	defer eventBus.Unsubscribe(sub)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("router: wait for job %s timed out after %s", jobID, timeout)
		case evt, ok := <-sub.Ch():
			if !ok {
				return nil, fmt.Errorf("router: job delivery subscription closed waiting for %s", jobID)
			}
			job, ok := evt.Payload.(routerqueue.Job)
			if !ok {
				continue
			}
			if job.ID == jobID {
				return &job, nil
			}
		}
	}
}
