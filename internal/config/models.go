package config

import "os"

// AvailableModels returns models based on configured API keys, for the
// optional genkit-backed CallLLM implementation to offer as defaults.
func AvailableModels() []string {
	var models []string
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		models = append(models, "claude-sonnet-4-5-20250929", "claude-haiku-4-5-20251001")
	}
	if os.Getenv("GOOGLE_API_KEY") != "" {
		models = append(models, "gemini-3-flash-preview")
	}
	if len(models) == 0 {
		models = []string{"claude-sonnet-4-5-20250929"}
	}
	return models
}
