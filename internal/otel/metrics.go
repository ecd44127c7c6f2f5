package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the instruments emitted by Cortex and Router (spec.md §4.3,
// §4.10).
type Metrics struct {
	TurnDuration       metric.Float64Histogram
	LLMCallDuration    metric.Float64Histogram
	TokensUsed         metric.Int64Counter
	ToolCallDuration   metric.Float64Histogram
	ToolCallErrors     metric.Int64Counter
	ActiveCortexLoops  metric.Int64UpDownCounter
	ClaimCycles        metric.Int64Counter
	EvaluationDuration metric.Float64Histogram
	JobsDispatched     metric.Int64Counter
	JobRetries         metric.Int64Counter
	WatchdogRequeues   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnDuration, err = meter.Float64Histogram("cortexd.turn.duration",
		metric.WithDescription("Cortex turn duration, claim to finalize, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("cortexd.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("cortexd.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("cortexd.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("cortexd.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveCortexLoops, err = meter.Int64UpDownCounter("cortexd.cortex.active",
		metric.WithDescription("Number of Cortex loops currently InLLM or Dispatching"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimCycles, err = meter.Int64Counter("cortexd.cortex.claim_cycles",
		metric.WithDescription("Total envelope claim attempts, including no-op polls"),
	)
	if err != nil {
		return nil, err
	}

	m.EvaluationDuration, err = meter.Float64Histogram("cortexd.router.evaluation.duration",
		metric.WithDescription("Router stage-1/stage-2 evaluation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsDispatched, err = meter.Int64Counter("cortexd.router.jobs.dispatched",
		metric.WithDescription("Router jobs transitioned from pending to in_execution"),
	)
	if err != nil {
		return nil, err
	}

	m.JobRetries, err = meter.Int64Counter("cortexd.router.jobs.retries",
		metric.WithDescription("Router jobs reverted to pending after crash or hang recovery"),
	)
	if err != nil {
		return nil, err
	}

	m.WatchdogRequeues, err = meter.Int64Counter("cortexd.router.watchdog.requeues",
		metric.WithDescription("Jobs requeued by the watchdog after exceeding the hung threshold"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
