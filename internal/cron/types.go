package cron

import (
	"context"
	"time"
)

// Bus event types published by the engine.
const (
	EventJobAdded       = "job-added"
	EventJobUpdated     = "job-updated"
	EventJobRemoved     = "job-removed"
	EventJobStarted     = "job-started"
	EventJobFinished    = "job-finished"
	EventServiceStarted = "service-started"
	EventServiceStopped = "service-stopped"
)

// PayloadKind selects the job execution path.
type PayloadKind string

const (
	// PayloadSystemEvent delivers text as a system-role message to a
	// session.
	PayloadSystemEvent PayloadKind = "system_event"
	// PayloadAgentTurn runs a prompt in a fresh isolated session.
	PayloadAgentTurn PayloadKind = "agent_turn"
)

// Payload is what a job does when it fires.
type Payload struct {
	Kind   PayloadKind `json:"kind"`
	Text   string      `json:"text,omitempty"`   // system_event
	Prompt string      `json:"prompt,omitempty"` // agent_turn
	Model  string      `json:"model,omitempty"`  // agent_turn, optional
}

// RunStatus of a completed job execution.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Job is one scheduled unit of work.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	AgentID        string   `json:"agent_id,omitempty"`
	DeleteAfterRun bool     `json:"delete_after_run,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	NextRun      time.Time     `json:"next_run,omitempty"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastStatus   RunStatus     `json:"last_status,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

func (j *Job) clone() *Job {
	c := *j
	return &c
}

// AgentResult is what the isolated agent callback reports back.
type AgentResult struct {
	Success      bool   `json:"success"`
	Summary      string `json:"summary,omitempty"`
	FullResponse string `json:"full_response,omitempty"`
	SessionKey   string `json:"session_key,omitempty"`
	Model        string `json:"model,omitempty"`
}

// SystemEventFunc delivers a system event payload. agentID may be empty
// for the default agent.
type SystemEventFunc func(ctx context.Context, text, agentID string) error

// IsolatedAgentFunc runs an agent turn in a session owned by the
// executor; state never leaks between fires.
type IsolatedAgentFunc func(ctx context.Context, job *Job) (*AgentResult, error)

// RunRecord is one line in a job's append-only run log.
type RunRecord struct {
	JobID      string    `json:"job_id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Status     RunStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	SessionKey string    `json:"session_key,omitempty"`
}
