package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ProviderGemini, cfg.Provider)
	assert.Equal(t, "gemini-2.5-flash", cfg.Model)
	assert.InDelta(t, 0.1, cfg.Temperature, 1e-6)
}

func TestWithModel(t *testing.T) {
	cfg := DefaultConfig()

	custom := cfg.WithModel("gemini-2.5-pro")
	assert.Equal(t, "gemini-2.5-pro", custom.Model)
	assert.Equal(t, "gemini-2.5-flash", cfg.Model, "original should be unchanged")
	assert.Equal(t, cfg.Temperature, custom.Temperature)

	same := cfg.WithModel("")
	assert.Equal(t, cfg.Model, same.Model)
}
