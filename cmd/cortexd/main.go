// Command cortexd is the composition root: it loads configuration, opens
// both durable stores, wires Cortex and the Router together through the
// pending-op/job bridge, starts the channel adapters and the scheduler, and
// runs until signalled to stop.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/cortexd/internal/assembler"
	"github.com/basket/cortexd/internal/bus"
	"github.com/basket/cortexd/internal/channels"
	"github.com/basket/cortexd/internal/config"
	"github.com/basket/cortexd/internal/cortex"
	"github.com/basket/cortexd/internal/gardener"
	"github.com/basket/cortexd/internal/hippocampus"
	"github.com/basket/cortexd/internal/llm"
	otelpkg "github.com/basket/cortexd/internal/otel"
	"github.com/basket/cortexd/internal/persistence"
	"github.com/basket/cortexd/internal/router"
	"github.com/basket/cortexd/internal/routerqueue"
	"github.com/basket/cortexd/internal/scheduler"
	"github.com/basket/cortexd/internal/telemetry"
	"github.com/google/uuid"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *versionFlag {
		fmt.Println("cortexd " + Version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "cortexd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.Telemetry.LogLevel, false)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exporter := "stdout"
	if cfg.Telemetry.OTLPEndpoint != "" {
		exporter = "otlp-http"
	}
	tracingEnabled := cfg.Telemetry.MetricsEnable || cfg.Telemetry.OTLPEndpoint != ""
	provider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:        tracingEnabled,
		Exporter:       exporter,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     1.0,
		MetricsEnabled: &cfg.Telemetry.MetricsEnable,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer provider.Shutdown(context.Background())

	metrics, err := otelpkg.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	store, err := persistence.Open(cfg.Cortex.DBPath, cfg.Cortex.HippocampusEnabled)
	if err != nil {
		return fmt.Errorf("open cortex store: %w", err)
	}
	defer store.Close()

	rqStore, err := routerqueue.Open(routerqueue.DefaultDBPath(cfg.HomeDir))
	if err != nil {
		return fmt.Errorf("open router queue: %w", err)
	}
	defer rqStore.Close()

	var memory *hippocampus.Memory
	if store.HippocampusEnabled() {
		memory = hippocampus.New(store, llm.FallbackEmbed)
	}

	llmClient := llm.New(ctx, cfg.LLM, cfg.SOUL, logger)

	asm := assembler.New(store, memory, assembler.Identity{Name: cfg.Cortex.AgentID, Soul: cfg.SOUL}, assembler.Config{
		MaxContextTokens: cfg.Cortex.MaxContextTokens,
	})

	registry := channels.NewRegistry(logger)
	var starters []func(context.Context) error

	if cfg.Channels.Telegram.Enabled {
		tg := channels.NewTelegramChannel(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.AllowedIDs, store, logger)
		registry.Register(tg)
		starters = append(starters, tg.Start)
	}
	if cfg.Channels.Webchat.Enabled {
		wc := channels.NewWebchatChannel(cfg.Channels.Webchat.Addr, cfg.Channels.Webchat.AllowOrigins, store, logger)
		registry.Register(wc)
		starters = append(starters, wc.Start)
	}

	routerTiers := make([]router.TierConfig, 0, len(cfg.Router.Tiers))
	for _, t := range cfg.Router.Tiers {
		routerTiers = append(routerTiers, router.TierConfig{Name: t.Name, MinWeight: t.MinRange, MaxWeight: t.MaxRange, Model: t.Model})
	}

	// spawnFunc bridges Cortex's sessions_spawn tool call into a router job.
	// The job id doubles as the pending op id: the bridge has exactly one
	// identifier to carry across both stores, instead of a side table.
	spawnFunc := func(ctx context.Context, params cortex.SpawnParams) (*string, error) {
		payload, err := json.Marshal(spawnPayload{ReplyChannel: params.ReplyChannel, Task: params.Task})
		if err != nil {
			return nil, fmt.Errorf("encode spawn payload: %w", err)
		}
		jobID := params.TaskID
		if err := rqStore.Enqueue(ctx, jobID, "subagent_task", cfg.Cortex.AgentID, string(payload)); err != nil {
			return nil, err
		}
		metrics.JobsDispatched.Add(ctx, 1)
		return &jobID, nil
	}

	cortexLoop := cortex.New(
		store, asm, registry,
		llmClient.CallLLM,
		spawnFunc,
		cortexMemory(memory),
		func(envelopeID string, err error) {
			logger.Error("cortex: turn failed", "envelope_id", envelopeID, "error", err)
		},
		func(taskID string, err error) {
			if err != nil {
				logger.Warn("cortex: spawn failed", "op_id", taskID, "error", err)
			}
		},
		func(envelopeID string, reply *persistence.ReplyContext, silent bool) {
			logger.Debug("cortex: turn complete", "envelope_id", envelopeID, "silent", silent)
		},
		cortex.Config{AgentID: cfg.Cortex.AgentID, PollInterval: time.Duration(cfg.Cortex.PollIntervalMs) * time.Millisecond},
		logger,
	)

	eventBus := bus.NewWithLogger(logger)

	// onDelivered closes the loop: it resolves the pending op Cortex is
	// still holding open and re-ingests the job's result as a "router"
	// channel envelope, so the next Cortex turn sees it through the
	// ordinary claim path rather than a side channel.
	onDelivered := func(jobID string, job routerqueue.Job) {
		var payload spawnPayload
		_ = json.Unmarshal([]byte(job.Payload), &payload)

		if job.Status == routerqueue.StatusFailed {
			if err := store.FailPendingOp(ctx, jobID, job.Error); err != nil {
				logger.Error("router bridge: failed to fail pending op", "op_id", jobID, "error", err)
			}
		} else {
			if err := store.CompletePendingOp(ctx, jobID, job.Result); err != nil {
				logger.Error("router bridge: failed to complete pending op", "op_id", jobID, "error", err)
			}
		}

		content := job.Result
		if content == "" {
			content = job.Error
		}
		env := persistence.Envelope{
			ID:       uuid.NewString(),
			Channel:  "router",
			Sender:   persistence.Sender{ID: "router", Name: "router", Relationship: "system"},
			Content:  content,
			Priority: persistence.PriorityNormal,
		}
		if payload.ReplyChannel != "" {
			env.Reply = &persistence.ReplyContext{Channel: payload.ReplyChannel}
		}
		if _, err := store.Enqueue(ctx, env); err != nil {
			logger.Error("router bridge: failed to enqueue result envelope", "op_id", jobID, "error", err)
		}
	}

	notifier := router.NewNotifier(rqStore, eventBus, onDelivered, logger)

	// Startup recovery runs once, before either loop starts (spec.md §4.2):
	// a bus row or job left mid-flight by a prior crash is reset/reprocessed
	// exactly once rather than stuck forever.
	if cp, err := store.LatestCheckpoint(ctx); err == nil {
		logger.Info("cortexd: last known-good checkpoint", "taken_at", cp.TakenAt, "channels", len(cp.ChannelStates), "pending_ops", len(cp.PendingOps))
	} else if !errors.Is(err, sql.ErrNoRows) {
		logger.Warn("cortexd: failed to load latest checkpoint", "error", err)
	}

	envelopeReport, err := store.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover cortex store: %w", err)
	}
	logger.Info("cortexd: cortex recovery complete", "stalled_envelopes_reset", envelopeReport.StalledEnvelopesReset)

	jobReport, err := rqStore.Recover(ctx, cfg.Router.MaxRetries)
	if err != nil {
		return fmt.Errorf("recover router queue: %w", err)
	}
	logger.Info("cortexd: router recovery complete",
		"reverted_to_queue", jobReport.RevertedToQueue,
		"reverted_to_pending", jobReport.RevertedToPending,
		"failed_max_retries", jobReport.FailedMaxRetries,
	)

	redelivered, err := notifier.RedeliverUndelivered(ctx)
	if err != nil {
		return fmt.Errorf("redeliver undelivered router jobs: %w", err)
	}
	logger.Info("cortexd: router redelivery complete", "jobs_redelivered", redelivered)

	evaluator := router.NewEvaluator(llmClient.ScoreTask, llmClient.ScoreTask, router.EvaluatorConfig{
		LowTrustThreshold: cfg.Router.Evaluator.FallbackWeight,
		FallbackWeight:    cfg.Router.Evaluator.FallbackWeight,
		Stage1Timeout:     time.Duration(cfg.Router.Evaluator.TimeoutSeconds) * time.Second,
	})
	dispatcher := router.NewDispatcher(rqStore, evaluator, llmClient.Execute, notifier, router.Config{
		Tiers:            routerTiers,
		HungThreshold:    time.Duration(cfg.Router.HungThresholdSeconds) * time.Second,
		WatchdogInterval: time.Duration(cfg.Router.WatchdogIntervalMs) * time.Millisecond,
		MaxRetries:       cfg.Router.MaxRetries,
	}, logger)
	watchdog := router.NewWatchdog(rqStore, time.Duration(cfg.Router.WatchdogIntervalMs)*time.Millisecond,
		time.Duration(cfg.Router.HungThresholdSeconds)*time.Second, cfg.Router.MaxRetries, logger)

	sched := scheduler.New(scheduler.Config{Store: store, Logger: logger})
	if cfg.Scheduler.Enabled {
		if err := seedSchedules(ctx, store, cfg.Scheduler.Jobs); err != nil {
			logger.Error("cortexd: failed to seed schedules", "error", err)
		}
	}

	gdn := gardener.New(store, memory, func(ctx context.Context, prompt string) ([]string, error) {
		return nil, errors.New("fact extraction requires an LLM-backed extractor; none configured")
	}, nil, gardener.Config{}, logger)

	for _, start := range starters {
		go func(start func(context.Context) error) {
			if err := start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("channel adapter stopped", "error", err)
			}
		}(start)
	}

	go cortexLoop.Run(ctx)
	if cfg.Router.Enabled {
		go notifier.Run(ctx)
		go dispatcher.Run(ctx)
		go watchdog.Run(ctx)
	}
	if cfg.Scheduler.Enabled {
		sched.Start(ctx)
	}
	gdn.Start(ctx)

	logger.Info("cortexd: started", "agent_id", cfg.Cortex.AgentID, "version", Version)
	<-ctx.Done()
	logger.Info("cortexd: shutting down")

	cortexLoop.Stop()
	if cfg.Router.Enabled {
		dispatcher.Stop()
		notifier.Stop()
		watchdog.Stop()
	}
	if cfg.Scheduler.Enabled {
		sched.Stop()
	}
	gdn.Stop()
	return nil
}

// spawnPayload is the router job payload carrying what the bridge needs to
// re-ingest a result into Cortex once the job is delivered.
type spawnPayload struct {
	ReplyChannel string `json:"reply_channel"`
	Task         string `json:"task"`
}

// seedSchedules inserts every config-declared schedule job that isn't
// already present by name, so restarting cortexd with an unchanged config
// never creates duplicate rows. A schedule's id is derived from its name so
// this check is a simple set membership test, not a full diff.
func seedSchedules(ctx context.Context, store *persistence.Store, jobs []config.ScheduleConfig) error {
	existing, err := store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, s := range existing {
		have[s.Name] = true
	}

	now := time.Now()
	for _, job := range jobs {
		if have[job.Name] {
			continue
		}
		next, err := scheduler.NextRunTime(job.Cron, now)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", job.Name, err)
		}
		priority := persistence.Priority(job.Priority)
		if priority == "" {
			priority = persistence.PriorityBackground
		}
		sch := persistence.Schedule{
			ID:        "cron:" + job.Name,
			Name:      job.Name,
			CronExpr:  job.Cron,
			Channel:   job.Channel,
			Content:   job.Content,
			Priority:  priority,
			Enabled:   true,
			NextRunAt: &next,
		}
		if sch.Channel == "" {
			sch.Channel = "cron"
		}
		if err := store.InsertSchedule(ctx, sch); err != nil {
			return fmt.Errorf("insert schedule %q: %w", job.Name, err)
		}
	}
	return nil
}

func cortexMemory(m *hippocampus.Memory) cortex.MemoryQuerier {
	if m == nil {
		return nil
	}
	return cortex.HippocampusAdapter{Memory: m}
}
