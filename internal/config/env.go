package config

import (
	"fmt"
	"log/slog"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3100"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	APIKey   string `envconfig:"API_KEY" required:"true"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".taskhub/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"taskhub/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
	// MySQL settings (used when Type == "mysql"); parseTime is required so
	// DATETIME columns scan into time.Time.
	MySQLDSN string `envconfig:"MYSQL_DSN" default:"taskhub:taskhub@tcp(127.0.0.1:3306)/taskhub?parseTime=true"`
}

type ClassifierEnv struct {
	AnthropicAPIKey string `envconfig:"ANTHROPIC_API_KEY"`
	AnthropicModel  string `envconfig:"ANTHROPIC_MODEL"`
	TimeoutSeconds  int    `envconfig:"CLASSIFIER_TIMEOUT_SECONDS" default:"30"`
}

type WorkerEnv struct {
	Identity                 string `envconfig:"WORKER_IDENTITY" default:"backend-agent-alpha"`
	Category                 string `envconfig:"WORKER_CATEGORY" default:"backend"`
	WorkDir                  string `envconfig:"WORKER_WORK_DIR" default:"."`
	ExecCommand              string `envconfig:"WORKER_EXEC_COMMAND" default:"echo task acknowledged"`
	TestCommand              string `envconfig:"WORKER_TEST_COMMAND"`
	PollIntervalSeconds      int    `envconfig:"WORKER_POLL_INTERVAL_SECONDS" default:"10"`
	ProgressIntervalSeconds  int    `envconfig:"WORKER_PROGRESS_INTERVAL_SECONDS" default:"300"`
	HeartbeatIntervalSeconds int    `envconfig:"WORKER_HEARTBEAT_INTERVAL_SECONDS" default:"30"`
	MaxTaskDurationMinutes   int    `envconfig:"WORKER_MAX_TASK_DURATION_MINUTES" default:"240"`
}

type MonitorEnv struct {
	SweepIntervalSeconds   int `envconfig:"MONITOR_SWEEP_INTERVAL_SECONDS" default:"300"`
	MaxTaskDurationMinutes int `envconfig:"MONITOR_MAX_TASK_DURATION_MINUTES" default:"240"`
}

type GitHubEnv struct {
	Token      string `envconfig:"GITHUB_TOKEN"`
	Owner      string `envconfig:"GITHUB_OWNER"`
	Repo       string `envconfig:"GITHUB_REPO"`
	BaseBranch string `envconfig:"GITHUB_BASE_BRANCH" default:"main"`
}

type VAPIDEnv struct {
	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDContact    string `envconfig:"VAPID_CONTACT" default:"mailto:admin@taskhub.local"`
}

type RateLimitEnv struct {
	Backend       string `envconfig:"RATE_LIMIT_BACKEND" default:"memory"`
	Limit         int    `envconfig:"RATE_LIMIT" default:"30"`
	WindowSeconds int    `envconfig:"RATE_LIMIT_WINDOW_SECONDS" default:"60"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
}

type Env struct {
	BaseEnv
	StorageEnv
	ClassifierEnv
	WorkerEnv
	MonitorEnv
	GitHubEnv
	VAPIDEnv
	RateLimitEnv
}

const namespace = "TASKHUB"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

func BaseEnvFromEnv(env *Env) *BaseEnv {
	return &env.BaseEnv
}

func StorageEnvFromEnv(env *Env) *StorageEnv {
	return &env.StorageEnv
}

func ClassifierEnvFromEnv(env *Env) *ClassifierEnv {
	return &env.ClassifierEnv
}

func WorkerEnvFromEnv(env *Env) *WorkerEnv {
	return &env.WorkerEnv
}

func MonitorEnvFromEnv(env *Env) *MonitorEnv {
	return &env.MonitorEnv
}

func GitHubEnvFromEnv(env *Env) *GitHubEnv {
	return &env.GitHubEnv
}

func VAPIDEnvFromEnv(env *Env) *VAPIDEnv {
	return &env.VAPIDEnv
}

func RateLimitEnvFromEnv(env *Env) *RateLimitEnv {
	return &env.RateLimitEnv
}
