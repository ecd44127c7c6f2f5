// Package gardener runs the four background workers described in spec.md
// §4.9: Fact Extractor, Op Harvester, Channel Compactor, and Vector Evictor.
// Each is soft-scheduled — run-on-interval, a run finishes before the next
// starts, and failures never cascade between workers.
package gardener

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/cortexd/internal/hippocampus"
	"github.com/basket/cortexd/internal/persistence"
)

// ExtractFunc turns free text into a list of atomic facts, e.g. via an LLM
// call. Supplied by the composition root (spec.md §1: out of scope here).
type ExtractFunc func(ctx context.Context, prompt string) ([]string, error)

// SummarizeFunc compacts a channel's transcript into a short summary.
type SummarizeFunc func(ctx context.Context, history []persistence.SessionMessage) (string, error)

// Result is the {processed, errors} shape every worker exposes for tests
// (spec.md §4.9).
type Result struct {
	Processed int
	Errors    []error
}

// Config tunes worker intervals and thresholds (spec.md §6).
type Config struct {
	FactExtractorInterval    time.Duration
	OpHarvesterInterval      time.Duration
	ChannelCompactorInterval time.Duration
	VectorEvictorInterval    time.Duration
	CompactIdleThreshold     time.Duration
	StaleFactOlderDays       int
	StaleFactMaxHits         int
}

func defaultConfig(c Config) Config {
	if c.FactExtractorInterval <= 0 {
		c.FactExtractorInterval = time.Minute
	}
	if c.OpHarvesterInterval <= 0 {
		c.OpHarvesterInterval = time.Minute
	}
	if c.ChannelCompactorInterval <= 0 {
		c.ChannelCompactorInterval = 5 * time.Minute
	}
	if c.VectorEvictorInterval <= 0 {
		c.VectorEvictorInterval = 10 * time.Minute
	}
	if c.CompactIdleThreshold <= 0 {
		c.CompactIdleThreshold = time.Hour
	}
	if c.StaleFactOlderDays <= 0 {
		c.StaleFactOlderDays = 14
	}
	return c
}

// Gardener owns the four periodic workers and their tickers.
type Gardener struct {
	store     *persistence.Store
	memory    *hippocampus.Memory // nil when hippocampus is disabled
	extract   ExtractFunc
	summarize SummarizeFunc
	cfg       Config
	log       *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(store *persistence.Store, memory *hippocampus.Memory, extract ExtractFunc, summarize SummarizeFunc, cfg Config, log *slog.Logger) *Gardener {
	if log == nil {
		log = slog.Default()
	}
	return &Gardener{
		store:     store,
		memory:    memory,
		extract:   extract,
		summarize: summarize,
		cfg:       defaultConfig(cfg),
		log:       log,
		stopCh:    make(chan struct{}),
	}
}

// Start launches all four workers as independent goroutines.
func (g *Gardener) Start(ctx context.Context) {
	workers := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) Result
	}{
		{"fact_extractor", g.cfg.FactExtractorInterval, g.RunFactExtractor},
		{"op_harvester", g.cfg.OpHarvesterInterval, g.RunOpHarvester},
		{"channel_compactor", g.cfg.ChannelCompactorInterval, g.RunChannelCompactor},
		{"vector_evictor", g.cfg.VectorEvictorInterval, g.RunVectorEvictor},
	}
	for _, w := range workers {
		g.wg.Add(1)
		go g.loop(ctx, w.name, w.interval, w.run)
	}
}

// loop runs one worker on a ticker; a run must finish before the next
// starts (the ticker is reset after each run rather than free-running), and
// a panic/error in one worker never stops the others.
func (g *Gardener) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context) Result) {
	defer g.wg.Done()
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-timer.C:
			result := run(ctx)
			if len(result.Errors) > 0 {
				g.log.Warn("gardener worker completed with errors", "worker", name, "processed", result.Processed, "errors", len(result.Errors))
			} else {
				g.log.Debug("gardener worker completed", "worker", name, "processed", result.Processed)
			}
			timer.Reset(interval)
		}
	}
}

// Stop signals every worker loop to exit and waits for them to finish.
func (g *Gardener) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
}
