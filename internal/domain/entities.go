// Package domain holds the core entities and ports of the platform.
//
// Everything here is dependency-free: adapters (postgres, redpanda, docker,
// redis, websocket) implement the ports declared in this package and the
// usecase layer only talks to these interfaces.
package domain

import (
	"context"
	"errors"
	"io"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNotFound         = errors.New("not found")
	ErrQueueUnavailable = errors.New("queue unavailable")
	ErrInternal         = errors.New("internal error")
)

// Status is the closed set of execution states.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusAnalyzing Status = "ANALYZING"
	StatusPassed    Status = "PASSED"
	StatusFailed    Status = "FAILED"
	StatusUnstable  Status = "UNSTABLE"
	StatusError     Status = "ERROR"
)

// transitions is the allowed walk on the status machine. Terminal states have
// no outgoing edges; the only way out of them is an explicit delete.
var transitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusError},
	StatusRunning:   {StatusPassed, StatusFailed, StatusUnstable, StatusAnalyzing, StatusError},
	StatusAnalyzing: {StatusFailed, StatusUnstable},
}

// Valid reports whether s is a member of the status enum.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusAnalyzing, StatusPassed, StatusFailed, StatusUnstable, StatusError:
		return true
	}
	return false
}

// Terminal reports whether s has no outgoing transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusUnstable, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal status transition.
// Re-entering the same state is allowed so that redelivered jobs can repeat
// their RUNNING broadcast idempotently.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RunConfig carries the caller-supplied run settings.
// The environment list includes "test" alongside the deployment-style names
// because tenant suites routinely target disposable test environments.
type RunConfig struct {
	Environment   string            `json:"environment" validate:"required,oneof=development staging production test"`
	BaseURL       string            `json:"baseUrl,omitempty" validate:"omitempty,url"`
	RetryAttempts int               `json:"retryAttempts" validate:"min=0,max=5"`
	EnvVars       map[string]string `json:"envVars,omitempty"`
}

// Execution is the central entity, identified by (TaskID, OrganizationID).
// Invariants: OrganizationID never mutates; EndTime is set only on terminal
// transitions and is never before StartTime; status changes follow
// CanTransition.
type Execution struct {
	ID             string     `json:"id,omitempty"`
	TaskID         string     `json:"taskId"`
	OrganizationID string     `json:"organizationId"`
	Status         Status     `json:"status"`
	Image          string     `json:"image"`
	Command        string     `json:"command"`
	Config         RunConfig  `json:"config"`
	Tests          []string   `json:"tests,omitempty"`
	StartTime      time.Time  `json:"startTime"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	Output         string     `json:"output,omitempty"`
	Error          string     `json:"error,omitempty"`
	Analysis       string     `json:"analysis,omitempty"`
	ReportsBaseURL string     `json:"reportsBaseUrl,omitempty"`
}

// JobMessage is the transient queue payload. A message without an
// organization id is rejected by the consumer without being processed.
type JobMessage struct {
	TaskID         string    `json:"taskId"`
	OrganizationID string    `json:"organizationId"`
	Image          string    `json:"image"`
	Command        string    `json:"command"`
	Folder         string    `json:"folder,omitempty"`
	Config         RunConfig `json:"config"`
	Tests          []string  `json:"tests,omitempty"`
}

// Identity is the verified tenant identity extracted from a bearer token.
type Identity struct {
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
	Role           string `json:"role"`
}

// Repositories (ports)

type ExecutionRepository interface {
	// Upsert creates or replaces the record keyed by (TaskID, OrganizationID).
	Upsert(ctx Context, e Execution) error
	// Update overwrites the mutable fields of an existing record.
	Update(ctx Context, e Execution) error
	Get(ctx Context, taskID, orgID string) (Execution, error)
	// ListRecent returns at most limit executions for the org, newest first.
	ListRecent(ctx Context, orgID string, limit int) ([]Execution, error)
	// Delete removes the record; ErrNotFound when no row matches the pair.
	Delete(ctx Context, taskID, orgID string) error
}

// Queue (port)

type Queue interface {
	EnqueueRun(ctx Context, msg JobMessage) error
}

// ContainerSpec describes a container the engine should create.
type ContainerSpec struct {
	Name       string
	Image      string
	Entrypoint []string
	Env        []string
	ExtraHosts []string
	AutoRemove bool
}

// ContainerEngine (port) wraps the container runtime used to execute jobs.
type ContainerEngine interface {
	PullImage(ctx Context, ref string) error
	HasImage(ctx Context, ref string) (bool, error)
	CreateContainer(ctx Context, spec ContainerSpec) (string, error)
	StartContainer(ctx Context, id string) error
	// StreamLogs copies the demultiplexed stdout+stderr of the container to w,
	// following until the container stops or ctx is cancelled.
	StreamLogs(ctx Context, id string, w io.Writer) error
	// WaitContainer blocks until the container exits and returns its exit code.
	WaitContainer(ctx Context, id string) (int64, error)
	// CopyFromContainer returns a tar stream of path inside the container.
	CopyFromContainer(ctx Context, id, path string) (io.ReadCloser, error)
	RemoveContainer(ctx Context, id string, force bool) error
}

// Analyzer (port) produces a markdown root-cause analysis for a failed run.
type Analyzer interface {
	Analyze(ctx Context, logTail, image, hint string) (string, error)
}

// MetricsRecorder (port) keeps a bounded list of recent run durations per
// (organization, image).
type MetricsRecorder interface {
	RecordDuration(ctx Context, orgID, image string, d time.Duration) error
	RecentDurations(ctx Context, orgID, image string) ([]int64, error)
}

// Notifier (port) publishes tenant-scoped realtime events. Implementations
// are best-effort; callers log failures and move on.
type Notifier interface {
	PublishUpdate(ctx Context, e Execution) error
	PublishLog(ctx Context, orgID, taskID, line string) error
}

// TokenVerifier (port) validates a bearer token and yields the identity.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

// Context is an alias so the domain stays decoupled from call sites; adapters
// and usecases pass context.Context through unchanged.
type Context = context.Context
