// Package llm wraps the Gemini API used by the model-audit QA backend.
package llm

// Provider represents an LLM provider
type Provider string

// ProviderGemini is the Google Gemini provider.
const ProviderGemini Provider = "gemini"

// Config holds the generation settings for audit calls.
type Config struct {
	Provider    Provider
	Model       string
	Temperature float32
	// MaxOutputTokens caps the response length. Zero leaves the provider default.
	MaxOutputTokens int32
}

// DefaultConfig returns the default Gemini configuration.
func DefaultConfig() *Config {
	return &Config{
		Provider:        ProviderGemini,
		Model:           "gemini-2.5-flash",
		Temperature:     0.1,
		MaxOutputTokens: 1024,
	}
}

// WithModel returns a copy of the config using model. An empty model keeps
// the current one.
func (c *Config) WithModel(model string) *Config {
	next := *c
	if model != "" {
		next.Model = model
	}
	return &next
}
