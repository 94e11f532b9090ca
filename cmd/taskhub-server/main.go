package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	agentrepo "github.com/taskhub/taskhub/internal/agent/repositoryimpl"
	"github.com/taskhub/taskhub/internal/classifier"
	"github.com/taskhub/taskhub/internal/config"
	"github.com/taskhub/taskhub/internal/eventbus"
	"github.com/taskhub/taskhub/internal/idregistry"
	"github.com/taskhub/taskhub/internal/monitor"
	"github.com/taskhub/taskhub/internal/orchestrator"
	"github.com/taskhub/taskhub/internal/pushnotification"
	pushsubrepo "github.com/taskhub/taskhub/internal/pushsubscription/repositoryimpl"
	"github.com/taskhub/taskhub/internal/ratelimit"
	"github.com/taskhub/taskhub/internal/scm"
	"github.com/taskhub/taskhub/internal/server"
	"github.com/taskhub/taskhub/internal/task"
	taskrepo "github.com/taskhub/taskhub/internal/task/repositoryimpl"
	"github.com/taskhub/taskhub/pkg/clog"
	"github.com/taskhub/taskhub/pkg/storage"

	"github.com/anthropics/anthropic-sdk-go"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewHTTPTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Setup storage
	var store storage.Storage
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(ctx, env.S3Bucket, env.S3Prefix, env.S3Region)
		if err != nil {
			slog.Error("failed to create S3 storage", "error", err)
			os.Exit(1)
		}
	default:
		store, err = storage.NewLocalStorage(env.BaseDir)
		if err != nil {
			slog.Error("failed to create local storage", "error", err)
			os.Exit(1)
		}
	}

	// Setup task repository: MySQL for multi-process deployments, YAML otherwise.
	var taskRepository task.Repository
	if env.StorageEnv.Type == "mysql" {
		mysqlRepo, err := taskrepo.NewMySQLRepository(ctx, env.MySQLDSN)
		if err != nil {
			slog.Error("failed to connect to mysql", "error", err)
			os.Exit(1)
		}
		defer mysqlRepo.Close()
		taskRepository = mysqlRepo
	} else {
		taskRepository = taskrepo.NewYAMLRepository(store)
	}

	agentRepo := agentrepo.NewYAMLRepository(store)
	pushSubRepo := pushsubrepo.NewYAMLRepository(store)

	bus := eventbus.New()

	// Rebuild the short-id registry from today's tasks.
	registry := idregistry.New()
	if err := registry.Rebuild(ctx, taskRepository); err != nil {
		slog.Error("failed to rebuild id registry", "error", err)
		os.Exit(1)
	}

	// Setup classifier: Claude when an API key is configured, with the
	// deterministic heuristic as the always-available fallback.
	var primary classifier.Classifier
	if env.AnthropicAPIKey != "" {
		primary = classifier.NewClaude(env.AnthropicAPIKey, anthropic.Model(env.AnthropicModel))
	}
	cls := classifier.NewFallback(primary, classifier.NewHeuristic(),
		time.Duration(env.ClassifierEnv.TimeoutSeconds)*time.Second)

	// Setup SCM collaborator for the review bridge.
	var collab scm.Collaborator
	if env.GitHubEnv.Token != "" && env.GitHubEnv.Owner != "" && env.GitHubEnv.Repo != "" {
		collab = scm.NewGitHub(env.GitHubEnv.Token, env.GitHubEnv.Owner, env.GitHubEnv.Repo, env.GitHubEnv.BaseBranch)
	}

	// Setup submission rate limiter.
	var limiter ratelimit.Limiter
	window := time.Duration(env.RateLimitEnv.WindowSeconds) * time.Second
	switch env.RateLimitEnv.Backend {
	case "redis":
		limiter = ratelimit.NewRedis(env.RedisAddr, env.RedisPassword, env.RedisDB, env.RateLimitEnv.Limit, window)
	default:
		limiter = ratelimit.NewMemory(env.RateLimitEnv.Limit, window)
	}

	orch := orchestrator.New(taskRepository, agentRepo, registry, cls, collab, bus)

	mon := monitor.New(monitor.Config{
		SweepInterval:   time.Duration(env.MonitorEnv.SweepIntervalSeconds) * time.Second,
		MaxTaskDuration: time.Duration(env.MonitorEnv.MaxTaskDurationMinutes) * time.Minute,
	}, taskRepository, orch)

	vapidEnv := config.VAPIDEnvFromEnv(env)
	pushSender := pushnotification.NewSender(vapidEnv, pushSubRepo)
	pushDispatcher := pushnotification.NewDispatcher(bus, taskRepository, pushSender)

	srv := server.NewServer(env, orch, pushSubRepo, bus, limiter)

	go func() {
		if err := mon.Run(ctx); err != nil {
			slog.Error("monitor error", "error", err)
		}
	}()
	go pushDispatcher.Start(ctx)

	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}
