// Package config holds the runtime configuration shared across anvil
// components. Values are loaded once at startup and passed explicitly;
// nothing in this package is consulted ambiently after Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration for the anvil server.
type Config struct {
	Environment string
	Addr        string

	// Platform is the capability provider hosting VMs, git repos and the
	// deployment registry.
	PlatformBaseURL string
	PlatformAPIKey  string

	// LLM provider selection: "anthropic" or "openai".
	LLMProvider     string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	LLMModel        string
	MaxSteps        int

	// VM layout shared by the tool executor, provisioning, and the system
	// prompt: where the app lives and where its dev server listens.
	VMWorkdir string
	DevPort   int

	TemplateRepoURL string
	BootstrapCommit string
	DomainSuffix    string

	JWTSecret string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ChatRateLimit   int
	PollRateLimit   int
	RateLimitWindow time.Duration

	ShutdownTimeout time.Duration
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:     getString("APP_ENV", "development"),
		Addr:            getString("ANVIL_ADDR", ":8080"),
		PlatformBaseURL: getString("ANVIL_PLATFORM_URL", "https://api.anvil-platform.dev"),
		PlatformAPIKey:  getString("ANVIL_PLATFORM_API_KEY", ""),
		LLMProvider:     getString("ANVIL_LLM_PROVIDER", "anthropic"),
		AnthropicAPIKey: getString("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getString("OPENAI_API_KEY", ""),
		LLMModel:        getString("ANVIL_LLM_MODEL", ""),
		MaxSteps:        getInt("ANVIL_MAX_STEPS", 40),
		VMWorkdir:       getString("ANVIL_VM_WORKDIR", "/app"),
		DevPort:         getInt("ANVIL_DEV_PORT", 3000),
		TemplateRepoURL: getString("ANVIL_TEMPLATE_REPO", "https://github.com/anvil-dev/next-template"),
		BootstrapCommit: getString("ANVIL_BOOTSTRAP_COMMIT", "Initial commit from template"),
		DomainSuffix:    getString("ANVIL_DOMAIN_SUFFIX", ".anvilapps.dev"),
		JWTSecret:       getString("ANVIL_JWT_SECRET", ""),
		RedisAddr:       getString("ANVIL_REDIS_ADDR", ""),
		RedisPassword:   getString("ANVIL_REDIS_PASSWORD", ""),
		RedisDB:         getInt("ANVIL_REDIS_DB", 0),
		ChatRateLimit:   getInt("ANVIL_CHAT_RATE_LIMIT", 30),
		PollRateLimit:   getInt("ANVIL_POLL_RATE_LIMIT", 240),
		RateLimitWindow: time.Duration(getInt("ANVIL_RATE_WINDOW_SECONDS", 60)) * time.Second,
		ShutdownTimeout: time.Duration(getInt("ANVIL_SHUTDOWN_TIMEOUT_SECONDS", 15)) * time.Second,
	}
}

// Validate reports configuration that cannot possibly work.
func (c Config) Validate() error {
	if c.PlatformAPIKey == "" {
		return fmt.Errorf("config: ANVIL_PLATFORM_API_KEY is required")
	}
	switch c.LLMProvider {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("config: ANTHROPIC_API_KEY is required when ANVIL_LLM_PROVIDER=anthropic")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("config: OPENAI_API_KEY is required when ANVIL_LLM_PROVIDER=openai")
		}
	default:
		return fmt.Errorf("config: unknown LLM provider %q", c.LLMProvider)
	}
	if c.DevPort <= 0 || c.DevPort > 65535 {
		return fmt.Errorf("config: invalid dev port %d", c.DevPort)
	}
	return nil
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
