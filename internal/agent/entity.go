package agent

import "time"

// Record is the liveness and metrics snapshot one worker writes on every
// heartbeat.
type Record struct {
	Identity          string    `yaml:"identity" json:"identity"`
	Category          string    `yaml:"category" json:"category"`
	CurrentTaskID     string    `yaml:"current_task_id,omitempty" json:"current_task_id,omitempty"`
	TasksAssigned     int       `yaml:"tasks_assigned" json:"tasks_assigned"`
	TasksCompleted    int       `yaml:"tasks_completed" json:"tasks_completed"`
	TasksFailed       int       `yaml:"tasks_failed" json:"tasks_failed"`
	ErrorsEncountered int       `yaml:"errors_encountered" json:"errors_encountered"`
	StartedAt         time.Time `yaml:"started_at" json:"started_at"`
	LastHeartbeat     time.Time `yaml:"last_heartbeat" json:"last_heartbeat"`
}

// Uptime is the time since the worker process started, as of now.
func (r *Record) Uptime(now time.Time) time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(r.StartedAt)
}

// Alive reports whether the last heartbeat is within threshold of now.
func (r *Record) Alive(now time.Time, threshold time.Duration) bool {
	return now.Sub(r.LastHeartbeat) <= threshold
}
