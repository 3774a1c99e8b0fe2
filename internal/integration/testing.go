// Package integration holds end-to-end tests wiring the chat engine to real
// providers, capabilities and storage.
package integration

import (
	"context"
	"os"
	"testing"
	"time"
)

// Config holds integration test settings read from the environment.
type Config struct {
	OllamaURL   string
	OllamaModel string
	GroqKey     string
	TestTimeout time.Duration
}

// LoadConfig reads integration settings from the environment.
func LoadConfig() *Config {
	model := os.Getenv("MOXIE_TEST_MODEL")
	if model == "" {
		model = "llama3.2"
	}
	return &Config{
		OllamaURL:   os.Getenv("OLLAMA_URL"),
		OllamaModel: model,
		GroqKey:     os.Getenv("GROQ_API_KEY"),
		TestTimeout: 2 * time.Minute,
	}
}

// SkipIfUnset skips the test when value is empty.
func SkipIfUnset(t *testing.T, value, env string) {
	t.Helper()
	if value == "" {
		t.Skipf("skipping: %s not set", env)
	}
}

// SkipIfShort skips integration tests in short mode.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests.
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
