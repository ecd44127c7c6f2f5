package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ModelDef describes a model entry in the built-in models list, used by the
// optional genkit-backed CallLLM implementation to pick a default per provider.
type ModelDef struct {
	ID   string
	Desc string
}

// BuiltinModels maps provider IDs to their built-in model lists.
var BuiltinModels = map[string][]ModelDef{
	"google": {
		{"gemini-3-pro-preview", "Most capable, advanced reasoning"},
		{"gemini-3-flash-preview", "Balanced speed + frontier intelligence"},
		{"gemini-2.5-flash", "Fast, cost-effective"},
	},
	"anthropic": {
		{"claude-opus-4-6", "Most capable"},
		{"claude-sonnet-4-5-20250929", "Balanced performance"},
		{"claude-haiku-4-5-20251001", "Fast, cost-effective"},
	},
	"openai_compatible": {
		{"gpt-4o", "Versatile, multimodal"},
		{"gpt-4o-mini", "Fast, cost-effective"},
	},
}

// ProviderConfig holds per-provider settings for the optional genkit-backed
// CallLLM/embedFn implementation (SPEC_FULL.md "internal/llm").
type ProviderConfig struct {
	APIKey  string   `yaml:"api_key"`
	BaseURL string   `yaml:"base_url"`
	Models  []string `yaml:"models"`
}

// LLMConfig selects and configures the optional genkit-backed CallLLM
// implementation. Recognized by the spec as an external collaborator
// (spec.md §1); this is only one pluggable way to satisfy `callLLM`/`embedFn`.
type LLMConfig struct {
	Provider       string `yaml:"provider"` // "anthropic", "google", "openai_compatible"
	AnthropicModel string `yaml:"anthropic_model"`
	GeminiModel    string `yaml:"gemini_model"`
	OpenAIModel    string `yaml:"openai_model"`

	Providers map[string]ProviderConfig `yaml:"providers"`
}

// APIKey returns the provider's API key, env override first.
func (c LLMConfig) APIKey(provider string) string {
	envMap := map[string]string{
		"google":    "GOOGLE_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// CortexConfig is the Cortex loop's recognized options (spec.md §6
// "Configuration (Cortex)").
type CortexConfig struct {
	AgentID            string `yaml:"agent_id"`
	WorkspaceDir       string `yaml:"workspace_dir"`
	DBPath             string `yaml:"db_path"`
	MaxContextTokens   int    `yaml:"max_context_tokens"`
	PollIntervalMs     int    `yaml:"poll_interval_ms"`
	HippocampusEnabled bool   `yaml:"hippocampus_enabled"`
}

// TierRangeConfig maps a weight range to a config-named tier (spec.md §6
// "Configuration (Router)": `tiers.<name>.{range,model}`).
type TierRangeConfig struct {
	Name     string `yaml:"name"`
	MinRange int    `yaml:"min"`
	MaxRange int    `yaml:"max"`
	Model    string `yaml:"model"`
}

// EvaluatorSettingsConfig configures the Router's stage-1 scorer (spec.md §6
// "evaluator.{model,tier,timeout,fallback_weight}").
type EvaluatorSettingsConfig struct {
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	FallbackWeight int    `yaml:"fallback_weight"`
}

// RouterConfig is the Router's recognized options (spec.md §6 "Configuration (Router)").
type RouterConfig struct {
	Enabled   bool                    `yaml:"enabled"`
	Evaluator EvaluatorSettingsConfig `yaml:"evaluator"`
	Tiers     []TierRangeConfig       `yaml:"tiers"`

	HungThresholdSeconds int `yaml:"hung_threshold_seconds"`
	MaxRetries           int `yaml:"max_retries"`
	WatchdogIntervalMs   int `yaml:"watchdog_interval_ms"`
}

// TelegramConfig configures the Telegram channel adapter.
type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// WebchatConfig configures the webchat channel adapter.
type WebchatConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Addr         string   `yaml:"addr"`
	AllowOrigins []string `yaml:"allow_origins"`
}

// ChannelsConfig groups all configured channel adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Webchat  WebchatConfig  `yaml:"webchat"`
}

// SchedulerConfig configures the internal envelope producer (SPEC_FULL.md
// "Scheduled envelope producer").
type SchedulerConfig struct {
	Enabled bool             `yaml:"enabled"`
	Jobs    []ScheduleConfig `yaml:"jobs"`
}

// ScheduleConfig is one cron-style scheduled envelope.
type ScheduleConfig struct {
	Name     string `yaml:"name"`
	Cron     string `yaml:"cron"`
	Channel  string `yaml:"channel"`
	Content  string `yaml:"content"`
	Priority string `yaml:"priority"`
}

// TelemetryConfig configures structured logging and OpenTelemetry export.
type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`  // empty = stdout exporter
	ServiceName   string `yaml:"service_name"`
	MetricsEnable bool   `yaml:"metrics_enabled"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	Cortex    CortexConfig    `yaml:"cortex"`
	Router    RouterConfig    `yaml:"router"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	LLM       LLMConfig       `yaml:"llm"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	SOUL string `yaml:"-"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		Cortex: CortexConfig{
			AgentID:            "default",
			MaxContextTokens:   8000,
			PollIntervalMs:     500,
			HippocampusEnabled: true,
		},
		Router: RouterConfig{
			Enabled: true,
			Evaluator: EvaluatorSettingsConfig{
				TimeoutSeconds: 10,
				FallbackWeight: 5,
			},
			Tiers: []TierRangeConfig{
				{Name: "cheap", MinRange: 1, MaxRange: 3, Model: "claude-haiku-4-5-20251001"},
				{Name: "standard", MinRange: 4, MaxRange: 7, Model: "claude-sonnet-4-5-20250929"},
				{Name: "frontier", MinRange: 8, MaxRange: 10, Model: "claude-opus-4-6"},
			},
			HungThresholdSeconds: 120,
			MaxRetries:           3,
			WatchdogIntervalMs:   5000,
		},
		Channels: ChannelsConfig{
			Webchat: WebchatConfig{Addr: "127.0.0.1:18789"},
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			ServiceName: "cortexd",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("CORTEXD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".cortexd")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create home dir: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadTextFiles(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.Cortex.AgentID == "" {
		cfg.Cortex.AgentID = "default"
	}
	if cfg.Cortex.DBPath == "" {
		cfg.Cortex.DBPath = filepath.Join(cfg.HomeDir, "cortex.db")
	}
	if cfg.Cortex.WorkspaceDir == "" {
		cfg.Cortex.WorkspaceDir = cfg.HomeDir
	}
	if cfg.Cortex.MaxContextTokens <= 0 {
		cfg.Cortex.MaxContextTokens = 8000
	}
	if cfg.Cortex.PollIntervalMs <= 0 {
		cfg.Cortex.PollIntervalMs = 500
	}
	if cfg.Router.Evaluator.TimeoutSeconds <= 0 {
		cfg.Router.Evaluator.TimeoutSeconds = 10
	}
	if cfg.Router.Evaluator.FallbackWeight <= 0 {
		cfg.Router.Evaluator.FallbackWeight = 5
	}
	if cfg.Router.HungThresholdSeconds <= 0 {
		cfg.Router.HungThresholdSeconds = 120
	}
	if cfg.Router.MaxRetries <= 0 {
		cfg.Router.MaxRetries = 3
	}
	if cfg.Router.WatchdogIntervalMs <= 0 {
		cfg.Router.WatchdogIntervalMs = 5000
	}
	if cfg.Channels.Webchat.Addr == "" {
		cfg.Channels.Webchat.Addr = "127.0.0.1:18789"
	}
	if cfg.Telemetry.LogLevel == "" {
		cfg.Telemetry.LogLevel = "info"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "cortexd"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CORTEXD_AGENT_ID"); raw != "" {
		cfg.Cortex.AgentID = raw
	}
	if raw := os.Getenv("CORTEXD_DB_PATH"); raw != "" {
		cfg.Cortex.DBPath = raw
	}
	if raw := os.Getenv("CORTEXD_POLL_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Cortex.PollIntervalMs = v
		}
	}
	if raw := os.Getenv("CORTEXD_LOG_LEVEL"); raw != "" {
		cfg.Telemetry.LogLevel = raw
	}
	if raw := os.Getenv("ANTHROPIC_API_KEY"); raw != "" {
		if cfg.LLM.Providers == nil {
			cfg.LLM.Providers = make(map[string]ProviderConfig)
		}
		p := cfg.LLM.Providers["anthropic"]
		p.APIKey = raw
		cfg.LLM.Providers["anthropic"] = p
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}

func loadTextFiles(cfg *Config) {
	soulPath := filepath.Join(cfg.Cortex.WorkspaceDir, "SOUL.md")
	if b, err := os.ReadFile(soulPath); err == nil {
		cfg.SOUL = string(b)
	}
}

// SetAPIKey updates a single provider's API key in config.yaml, preserving
// other settings.
func SetAPIKey(homeDir, provider, value string) error {
	configPath := ConfigPath(homeDir)
	raw := make(map[string]interface{})
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	llmRaw, _ := raw["llm"].(map[string]interface{})
	if llmRaw == nil {
		llmRaw = make(map[string]interface{})
	}
	providersRaw, _ := llmRaw["providers"].(map[string]interface{})
	if providersRaw == nil {
		providersRaw = make(map[string]interface{})
	}
	providerRaw, _ := providersRaw[provider].(map[string]interface{})
	if providerRaw == nil {
		providerRaw = make(map[string]interface{})
	}
	providerRaw["api_key"] = value
	providersRaw[provider] = providerRaw
	llmRaw["providers"] = providersRaw
	raw["llm"] = llmRaw

	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(configPath, out, 0o644)
}
