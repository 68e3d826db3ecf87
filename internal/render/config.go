package render

import (
	"time"

	"videoloop/internal/config"
)

// Hardcoded delivery defaults - these rarely need tuning.
const (
	defaultMaxRetries       = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
)

// Default generation parameters, from the SVD deployment this service fronts.
const (
	defaultSteps = 10

	defaultPrompt = "abstract cinematic background motion, environmental movement, " +
		"atmospheric depth, natural motion, no characters"

	defaultNegativePrompt = "people, person, human, humans, face, faces, body, bodies, " +
		"silhouette, character, characters, man, woman, child, " +
		"hands, arms, legs"
)

// DispatcherConfig holds configuration for the async dispatcher.
type DispatcherConfig struct {
	BufferSize   int           // pending dispatch buffer (default: 1000)
	Workers      int           // concurrent dispatch goroutines (default: 4)
	Timeout      time.Duration // per-delivery timeout across retries (default: 2m)
	UpstreamHost string        // circuit breaker key, the render API host
}

// LoadClientConfigFromEnv loads render service settings from environment variables.
func LoadClientConfigFromEnv() ClientConfig {
	return ClientConfig{
		BaseURL:        config.GetEnv("RENDER_API_BASE", "https://api.runpod.ai"),
		EndpointID:     config.GetEnv("RENDER_ENDPOINT_ID", ""),
		APIKey:         config.GetSecretEnv("RENDER_API_KEY"),
		Steps:          config.GetIntEnv("RENDER_STEPS", defaultSteps),
		Prompt:         config.GetEnv("RENDER_PROMPT", defaultPrompt),
		NegativePrompt: config.GetEnv("RENDER_NEGATIVE_PROMPT", defaultNegativePrompt),
		HTTPTimeout:    config.GetDurationEnv("RENDER_HTTP_TIMEOUT", 30*time.Second),
	}
}

// LoadDispatcherConfigFromEnv loads dispatcher configuration from environment variables.
func LoadDispatcherConfigFromEnv() DispatcherConfig {
	cfg := DispatcherConfig{
		BufferSize: config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 1000),
		Workers:    config.GetIntEnv("DISPATCHER_WORKERS", 4),
		Timeout:    config.GetDurationEnv("DISPATCHER_TIMEOUT", 2*time.Minute),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.UpstreamHost == "" {
		c.UpstreamHost = "render-api"
	}
	return c
}
