// Command anvil serves the orchestration API for the Anvil app builder:
// chat turns against a coding agent, workspace provisioning, and
// deployment status for the apps the agent builds.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"anvil.dev/config"
	"anvil.dev/deploystate"
	"anvil.dev/llm"
	"anvil.dev/llm/ant"
	"anvil.dev/llm/oai"
	"anvil.dev/loop"
	"anvil.dev/platform"
	"anvil.dev/repostate"
	"anvil.dev/scribe"
	"anvil.dev/server"
	"anvil.dev/vmtool"
	"anvil.dev/workshop"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v: %v\n", os.Args[0], err)
		os.Exit(1)
	}
}

func run() error {
	verbose := flag.Bool("verbose", false, "enable debug logging")
	logJSON := flag.Bool("log-json", true, "log in JSON (false for human-readable text)")
	flag.Parse()

	setupLogging(*verbose, *logJSON)
	slog.Debug("starting", "env", scribe.Redact(os.Environ()))

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	service, err := llmService(cfg)
	if err != nil {
		return err
	}

	client := platform.NewClient(cfg.PlatformBaseURL, cfg.PlatformAPIKey)
	store := repostate.NewStore(client)

	reconciler := &deploystate.Reconciler{
		Git:              client,
		Registry:         client,
		Store:            store,
		DomainSuffix:     cfg.DomainSuffix,
		BootstrapMessage: cfg.BootstrapCommit,
	}
	agent := &loop.Agent{
		Service:  service,
		Store:    store,
		Identity: client,
		Sandbox:  func(vmID string) vmtool.Sandbox { return client.VM(vmID) },
		Deployer: reconciler,
		Workdir:  cfg.VMWorkdir,
		DevPort:  cfg.DevPort,
		MaxSteps: cfg.MaxSteps,
	}
	provisioner := &workshop.Provisioner{
		Platform:        client,
		Store:           store,
		TemplateRepoURL: cfg.TemplateRepoURL,
		VMWorkdir:       cfg.VMWorkdir,
		DevPort:         cfg.DevPort,
	}

	var limiter server.RateLimiter
	if cfg.RedisAddr != "" {
		limiter, err = server.NewRedisRateLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}

	router := server.NewRouter(provisioner, agent, reconciler, store, limiter, server.Options{
		JWTSecret:  cfg.JWTSecret,
		ChatLimit:  cfg.ChatRateLimit,
		PollLimit:  cfg.PollRateLimit,
		RateWindow: cfg.RateLimitWindow,
	})
	defer router.Close()

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	banner(cfg)
	slog.Info("anvil listening",
		slog.String("addr", cfg.Addr),
		slog.String("llm_provider", cfg.LLMProvider),
		slog.String("environment", cfg.Environment),
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down", slog.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// llmService picks the provider once at startup. Both variants speak
// the same llm.Service contract; nothing downstream knows which one it
// is talking to.
func llmService(cfg config.Config) (llm.Service, error) {
	switch cfg.LLMProvider {
	case "anthropic":
		return &ant.Service{
			APIKey: cfg.AnthropicAPIKey,
			Model:  cfg.LLMModel,
		}, nil
	case "openai":
		model := oai.DefaultModel
		if cfg.LLMModel != "" {
			model = oai.ModelByUserName(cfg.LLMModel)
			if model.ModelName == "" {
				return nil, fmt.Errorf("unknown openai model %q", cfg.LLMModel)
			}
		}
		return &oai.Service{
			APIKey: cfg.OpenAIAPIKey,
			Model:  model,
		}, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
	}
}

func setupLogging(verbose, logJSON bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if logJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(scribe.AttrsWrap(handler)))
}

func banner(cfg config.Config) {
	if cfg.Environment == "production" {
		return
	}
	bold := color.New(color.FgHiYellow, color.Bold)
	bold.Fprintln(os.Stderr, "  anvil: chat, build, deploy")
	fmt.Fprintf(os.Stderr, "  listening on %s (%s)\n", cfg.Addr, cfg.LLMProvider)
}
