package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	agentrepo "github.com/taskhub/taskhub/internal/agent/repositoryimpl"
	"github.com/taskhub/taskhub/internal/config"
	"github.com/taskhub/taskhub/internal/eventbus"
	"github.com/taskhub/taskhub/internal/scm"
	"github.com/taskhub/taskhub/internal/task"
	taskrepo "github.com/taskhub/taskhub/internal/task/repositoryimpl"
	"github.com/taskhub/taskhub/internal/testrunner"
	"github.com/taskhub/taskhub/internal/worker"
	"github.com/taskhub/taskhub/pkg/clog"
	"github.com/taskhub/taskhub/pkg/sentinel"
	"github.com/taskhub/taskhub/pkg/storage"
)

func main() {
	mode := "run"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	switch mode {
	case "run":
		if err := run(); err != nil {
			slog.Error("agent error", "error", err)
			os.Exit(1)
		}
	case "supervise":
		// Sentinel re-executes this binary with the "run" subcommand and
		// restarts it when the binary on disk changes or the child crashes.
		sentinel.Run()
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [run|supervise]\n", os.Args[0])
		os.Exit(2)
	}
}

func run() error {
	env, err := config.LoadEnv()
	if err != nil {
		return err
	}

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

	var store storage.Storage
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(ctx, env.S3Bucket, env.S3Prefix, env.S3Region)
		if err != nil {
			return err
		}
	default:
		store, err = storage.NewLocalStorage(env.BaseDir)
		if err != nil {
			return err
		}
	}

	// The worker shares the task store with the server. Conditional claims
	// arbitrate which process wins a task.
	var taskRepository task.Repository
	if env.StorageEnv.Type == "mysql" {
		mysqlRepo, err := taskrepo.NewMySQLRepository(ctx, env.MySQLDSN)
		if err != nil {
			return err
		}
		defer mysqlRepo.Close()
		taskRepository = mysqlRepo
	} else {
		taskRepository = taskrepo.NewYAMLRepository(store)
	}

	var runner testrunner.Runner
	if env.WorkerEnv.TestCommand != "" {
		runner = testrunner.NewShellRunner(env.WorkerEnv.TestCommand, env.WorkerEnv.WorkDir)
	}

	var collab scm.Collaborator
	if env.GitHubEnv.Token != "" && env.GitHubEnv.Owner != "" && env.GitHubEnv.Repo != "" {
		collab = scm.NewGitHub(env.GitHubEnv.Token, env.GitHubEnv.Owner, env.GitHubEnv.Repo, env.GitHubEnv.BaseBranch)
	}

	w := worker.New(worker.Config{
		Identity:          env.WorkerEnv.Identity,
		Category:          env.WorkerEnv.Category,
		WorkDir:           env.WorkerEnv.WorkDir,
		PollInterval:      time.Duration(env.WorkerEnv.PollIntervalSeconds) * time.Second,
		ProgressInterval:  time.Duration(env.WorkerEnv.ProgressIntervalSeconds) * time.Second,
		HeartbeatInterval: time.Duration(env.WorkerEnv.HeartbeatIntervalSeconds) * time.Second,
		MaxTaskDuration:   time.Duration(env.WorkerEnv.MaxTaskDurationMinutes) * time.Minute,
	},
		taskRepository,
		agentrepo.NewYAMLRepository(store),
		worker.NewScriptDelegate(env.WorkerEnv.ExecCommand, env.WorkerEnv.WorkDir),
		runner,
		collab,
		// Process-local bus: worker events stay in this process. The server's
		// push dispatcher picks up review hand-offs from the shared store.
		eventbus.New(),
	)

	return w.Run(ctx)
}
