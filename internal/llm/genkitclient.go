// Package llm provides an optional genkit-backed implementation of the
// external collaborators spec.md §6 treats as pluggable: callLLM and
// embedFn. Neither is required — tests and the default composition root
// use closures instead — but this gives the pluggable slot a real backend
// across the same three providers the teacher's GenkitBrain supported.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/basket/cortexd/internal/assembler"
	"github.com/basket/cortexd/internal/config"
	"github.com/basket/cortexd/internal/cortex"
	"github.com/basket/cortexd/internal/persistence"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// silenceTokens are returned verbatim by the model to mean "no outbound
// reply" (spec.md §4.6 Response Protocol).
const (
	noReplyToken    = "NO_REPLY"
	heartbeatOKToken = "HEARTBEAT_OK"
)

// Client wraps a genkit instance configured for one provider and exposes
// cortex.CallLLMFunc/EmbedFunc-shaped methods.
type Client struct {
	g        *genkit.Genkit
	provider string
	model    string
	soul     string
	log      *slog.Logger
}

// New initializes genkit with the configured provider. If the provider's
// API key is missing, the returned Client still works but CallLLM answers
// with a deterministic placeholder instead of calling out, matching the
// teacher's no-key fallback behavior.
func New(ctx context.Context, cfg config.LLMConfig, soul string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "anthropic"
	}
	apiKey := cfg.APIKey(provider)

	var g *genkit.Genkit
	model := modelForProvider(cfg, provider)

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			log.Info("llm: genkit client initialized", "provider", provider, "model", model)
		}
	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
			log.Info("llm: genkit client initialized", "provider", provider, "model", model)
		}
	case "openai_compatible":
		if apiKey != "" {
			providerCfg := cfg.Providers[provider]
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  providerCfg.BaseURL,
			}))
			log.Info("llm: genkit client initialized", "provider", provider, "model", model)
		}
	default:
		log.Warn("llm: unknown provider, CallLLM will use the deterministic fallback", "provider", provider)
	}

	if g == nil {
		log.Warn("llm: no API key configured, CallLLM will use the deterministic fallback", "provider", provider)
		g = genkit.Init(ctx)
	}

	return &Client{g: g, provider: provider, model: model, soul: soul, log: log}
}

func modelForProvider(cfg config.LLMConfig, provider string) string {
	switch provider {
	case "anthropic":
		if cfg.AnthropicModel != "" {
			return cfg.AnthropicModel
		}
		return "claude-sonnet-4-5-20250929"
	case "google":
		if cfg.GeminiModel != "" {
			return cfg.GeminiModel
		}
		return "gemini-3-flash-preview"
	case "openai_compatible":
		if cfg.OpenAIModel != "" {
			return cfg.OpenAIModel
		}
		return "gpt-4o-mini"
	default:
		return cfg.AnthropicModel
	}
}

func fullModelName(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "google":
		return "googleai/" + model
	default:
		return model
	}
}

// toolCallPrompt tells the model how to request a tool call: an inline
// tagged JSON block, stripped from the dispatched text before cortex ever
// sees it. Cortex owns tool execution (pending-op-before-fire, spec.md
// §4.6 step 6a), so this client never hands genkit an executable tool —
// it only needs the call's name and arguments out of the raw completion.
const toolCallPrompt = `When you want to invoke a tool, include exactly one line of the form:
[[tool:NAME]]{"arg":"value"}
where NAME is sessions_spawn or memory_query and the JSON object holds that tool's arguments. Tool lines are removed before your reply is shown to anyone.`

// CallLLM satisfies cortex.CallLLMFunc.
func (c *Client) CallLLM(ctx context.Context, assembled assembler.AssembledContext, env persistence.Envelope) (cortex.Response, error) {
	systemPrompt := strings.TrimSpace(c.soul)
	if systemPrompt == "" {
		systemPrompt = "You are a single continuous cognitive process, not a chatbot restarted per message."
	}
	systemPrompt = systemPrompt + "\n\n" + assembled.SystemFloor
	if assembled.Background != "" {
		systemPrompt = systemPrompt + "\n\n" + assembled.Background
	}
	systemPrompt = systemPrompt + "\n\n" + toolCallPrompt

	if c.g == nil {
		return cortex.Response{Text: noReplyToken}, nil
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(fullModelName(c.provider, c.model)),
		ai.WithSystem(systemPrompt),
		ai.WithPrompt(assembled.ForegroundText),
	}
	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return cortex.Response{}, fmt.Errorf("genkit generate: %w", err)
	}

	return parseResponse(resp.Text()), nil
}

const scorePrompt = `Rate how much model capability the following task requires, from 1 (trivial, a cheap model handles it fine) to 10 (demands frontier reasoning). Reply with exactly one line: "WEIGHT: <n> REASON: <short reason>".

Task: %s`

var scoreLineRE = regexp.MustCompile(`(?i)WEIGHT:\s*(\d+)\s*REASON:\s*(.*)`)

// ScoreTask satisfies router.ScoreFunc: a single untooled completion asking
// the model to rate the task's required capability. Used as both the
// evaluator's stage1 (cheap model) and stage2 (strong model) ScoreFunc —
// the caller picks which Client to wrap at each stage.
func (c *Client) ScoreTask(ctx context.Context, task string) (int, string, error) {
	if c.g == nil {
		return 5, "fallback: no LLM configured", nil
	}
	opts := []ai.GenerateOption{
		ai.WithModelName(fullModelName(c.provider, c.model)),
		ai.WithPrompt(fmt.Sprintf(scorePrompt, task)),
	}
	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return 0, "", fmt.Errorf("genkit generate: %w", err)
	}
	m := scoreLineRE.FindStringSubmatch(resp.Text())
	if m == nil {
		return 5, "fallback: unparseable score response", nil
	}
	weight := 5
	if _, err := fmt.Sscanf(m[1], "%d", &weight); err != nil {
		weight = 5
	}
	if weight < 1 {
		weight = 1
	} else if weight > 10 {
		weight = 10
	}
	return weight, strings.TrimSpace(m[2]), nil
}

// Execute satisfies router.ExecutorFunc: runs a dispatched job's rendered
// prompt against an explicit model override (the tier's concrete model id),
// rather than the Client's own configured default.
func (c *Client) Execute(ctx context.Context, prompt, model string) (string, error) {
	if c.g == nil {
		return noReplyToken, nil
	}
	if model == "" {
		model = c.model
	}
	opts := []ai.GenerateOption{
		ai.WithModelName(fullModelName(c.provider, model)),
		ai.WithPrompt(prompt),
	}
	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

var toolCallLineRE = regexp.MustCompile(`(?m)^\[\[tool:([a-zA-Z_][\w-]*)\]\](\{.*\})\s*$`)

// parseResponse strips [[tool:NAME]]{...} lines from raw and turns them
// into cortex.ToolCall entries, leaving the remaining text as the
// user-visible reply.
func parseResponse(raw string) cortex.Response {
	var out cortex.Response
	remaining := toolCallLineRE.ReplaceAllStringFunc(raw, func(line string) string {
		m := toolCallLineRE.FindStringSubmatch(line)
		if m == nil {
			return line
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(m[2]), &args); err != nil {
			return ""
		}
		out.ToolCalls = append(out.ToolCalls, cortex.ToolCall{Name: m[1], Arguments: args})
		return ""
	})
	out.Text = strings.TrimSpace(remaining)
	if out.Text == "" && len(out.ToolCalls) == 0 {
		out.Text = noReplyToken
	}
	return out
}
