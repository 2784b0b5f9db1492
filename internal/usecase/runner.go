package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/testdock/internal/adapter/observability"
	"github.com/fairyhunter13/testdock/internal/domain"
	"github.com/fairyhunter13/testdock/pkg/textx"
)

const (
	// minLogForAnalysis gates the AI step: buffers shorter than this carry no
	// signal worth a model round-trip.
	minLogForAnalysis = 50
	// analysisTailChars bounds how much log tail is handed to the analyzer.
	analysisTailChars = 8000

	defaultFolder = "all"
)

// artifactMapping pairs a fixed in-container path with the alias it is
// published under. Several framework-native reports share one alias; the
// store resolves collisions last-writer-wins.
type artifactMapping struct {
	containerPath string
	alias         string
}

var artifactMappings = []artifactMapping{
	{"/app/playwright-report", "native-report"},
	{"/app/pytest-report", "native-report"},
	{"/app/mochawesome-report", "native-report"},
	{"/app/allure-results", "allure-results"},
	{"/app/allure-report", "allure-report"},
}

// ArtifactStore is the slice of the artifact filesystem the runner needs.
type ArtifactStore interface {
	EnsureRunDir(orgID, taskID string) (string, error)
	ExtractTar(r io.Reader, orgID, taskID, alias string) error
}

// Runner executes one queued job end to end: container lifecycle, log
// streaming, outcome classification, optional AI analysis, artifact
// publication and the terminal persist+broadcast.
type Runner struct {
	Repo      domain.ExecutionRepository
	Engine    domain.ContainerEngine
	Artifacts ArtifactStore
	Analyzer  domain.Analyzer
	Metrics   domain.MetricsRecorder
	Notifier  domain.Notifier
	Injector  Injector

	// ReportsBaseURL prefixes the per-run artifact URL handed to clients.
	ReportsBaseURL string
	// ExtraHosts is passed to every container (host-gateway alias on Linux).
	ExtraHosts []string
	// JobTimeout bounds a single job including image pull and analysis.
	JobTimeout time.Duration
}

// HandleJob processes one queue delivery. It only returns an error for
// malformed messages; every orchestration failure is absorbed into a durable
// ERROR record so the consumer can ack unconditionally.
func (r *Runner) HandleJob(ctx domain.Context, msg domain.JobMessage) error {
	if msg.OrganizationID == "" {
		return fmt.Errorf("op=runner: %w: job without organization id", domain.ErrInvalidArgument)
	}
	if r.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.JobTimeout)
		defer cancel()
	}

	observability.JobsProcessing.Inc()
	defer observability.JobsProcessing.Dec()

	start := time.Now().UTC()
	exec := domain.Execution{
		TaskID:         msg.TaskID,
		OrganizationID: msg.OrganizationID,
		Status:         domain.StatusRunning,
		Image:          msg.Image,
		Command:        msg.Command,
		Config:         msg.Config,
		Tests:          msg.Tests,
		StartTime:      start,
		ReportsBaseURL: joinURL(r.ReportsBaseURL, msg.OrganizationID, msg.TaskID),
	}
	log := slog.With(
		slog.String("task_id", msg.TaskID),
		slog.String("organization_id", msg.OrganizationID),
		slog.String("image", msg.Image))

	if _, err := r.Artifacts.EnsureRunDir(msg.OrganizationID, msg.TaskID); err != nil {
		log.Warn("artifact dir preparation failed", slog.Any("error", err))
	}

	if eta, ok := r.expectedDuration(ctx, msg); ok {
		log.Info("job started", slog.Duration("expected_duration", eta))
	}

	r.persistAndBroadcast(ctx, log, exec)

	buf := newLogBuffer(ctx, r.Notifier, msg.OrganizationID, msg.TaskID)

	containerID, exitCode, runErr := r.runContainer(ctx, log, msg, buf)
	if containerID != "" {
		// Cleanup is guaranteed on every exit path, detached from the job
		// deadline so a timed-out job still loses its container.
		defer func() {
			rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := r.Engine.RemoveContainer(rmCtx, containerID, true); err != nil {
				log.Warn("container removal failed", slog.Any("error", err))
			}
		}()
	}

	exec.Output = buf.String()
	now := time.Now().UTC()
	exec.EndTime = &now

	if runErr != nil {
		exec.Status = domain.StatusError
		exec.Error = runErr.Error()
		log.Error("job errored", slog.Any("error", runErr))
		r.persistAndBroadcast(ctx, log, exec)
		observability.JobsCompletedTotal.WithLabelValues(string(exec.Status)).Inc()
		observability.JobDuration.Observe(time.Since(start).Seconds())
		return nil
	}

	final := Classify(exitCode, exec.Output)
	log.Info("run classified",
		slog.Int64("exit_code", exitCode),
		slog.String("status", string(final)))

	if (final == domain.StatusFailed || final == domain.StatusUnstable) && len(exec.Output) >= minLogForAnalysis {
		exec.Analysis = r.analyze(ctx, log, exec)
	}

	r.copyArtifacts(ctx, log, containerID, msg)

	if err := r.Metrics.RecordDuration(ctx, msg.OrganizationID, msg.Image, now.Sub(start)); err != nil {
		log.Warn("metrics sample failed", slog.Any("error", err))
	}

	exec.Status = final
	exec.Error = ""
	r.persistAndBroadcast(ctx, log, exec)
	observability.JobsCompletedTotal.WithLabelValues(string(final)).Inc()
	observability.JobDuration.Observe(time.Since(start).Seconds())
	return nil
}

// runContainer covers steps pull through wait. The returned container id is
// non-empty as soon as creation succeeded so the caller can always clean up.
func (r *Runner) runContainer(ctx domain.Context, log *slog.Logger, msg domain.JobMessage, buf *logBuffer) (string, int64, error) {
	if err := r.Engine.PullImage(ctx, msg.Image); err != nil {
		log.Warn("image pull failed, falling back to local cache", slog.Any("error", err))
		ok, hasErr := r.Engine.HasImage(ctx, msg.Image)
		if hasErr != nil || !ok {
			return "", 0, fmt.Errorf("image %q unavailable: pull failed and no local copy", msg.Image)
		}
	}

	folder := msg.Folder
	if folder == "" {
		folder = defaultFolder
	}
	entrypoint := append([]string{"/bin/sh", "/app/entrypoint.sh", folder}, msg.Tests...)

	spec := domain.ContainerSpec{
		Name:       containerName(msg.OrganizationID, msg.TaskID),
		Image:      msg.Image,
		Entrypoint: entrypoint,
		Env:        r.Injector.Build(msg.TaskID, msg.Config.BaseURL, msg.Config.EnvVars),
		ExtraHosts: r.ExtraHosts,
		// AutoRemove stays off so the post-exit artifact copy still finds
		// the container filesystem.
		AutoRemove: false,
	}
	id, err := r.Engine.CreateContainer(ctx, spec)
	if err != nil {
		return "", 0, fmt.Errorf("create container: %w", err)
	}
	if err := r.Engine.StartContainer(ctx, id); err != nil {
		return id, 0, fmt.Errorf("start container: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.Engine.StreamLogs(ctx, id, buf); err != nil {
			log.Warn("log stream ended with error", slog.Any("error", err))
		}
		buf.Flush()
	}()

	exitCode, err := r.Engine.WaitContainer(ctx, id)
	wg.Wait()
	if err != nil {
		return id, 0, fmt.Errorf("wait container: %w", err)
	}
	return id, exitCode, nil
}

func (r *Runner) analyze(ctx domain.Context, log *slog.Logger, exec domain.Execution) string {
	analyzing := exec
	analyzing.Status = domain.StatusAnalyzing
	analyzing.EndTime = nil
	r.persistAndBroadcast(ctx, log, analyzing)

	tail := textx.Tail(exec.Output, analysisTailChars)
	analysis, err := r.Analyzer.Analyze(ctx, tail, exec.Image, FlakyHint(exec.Output))
	if err != nil {
		log.Warn("analysis failed", slog.Any("error", err))
		return "Automatic analysis is unavailable for this run. Review the log output above for the failing step."
	}
	return analysis
}

// copyArtifacts publishes whatever report directories the container produced.
// Every mapping is best-effort; a missing path is the common case.
func (r *Runner) copyArtifacts(ctx domain.Context, log *slog.Logger, containerID string, msg domain.JobMessage) {
	if containerID == "" {
		return
	}
	for _, m := range artifactMappings {
		rc, err := r.Engine.CopyFromContainer(ctx, containerID, m.containerPath)
		if err != nil {
			continue
		}
		if err := r.Artifacts.ExtractTar(rc, msg.OrganizationID, msg.TaskID, m.alias); err != nil {
			log.Warn("artifact extraction failed",
				slog.String("path", m.containerPath),
				slog.Any("error", err))
		}
		_ = rc.Close()
	}
}

// expectedDuration averages the recent samples for (org, image). Best-effort:
// a cold cache or an unreachable Redis never delays the job.
func (r *Runner) expectedDuration(ctx domain.Context, msg domain.JobMessage) (time.Duration, bool) {
	samples, err := r.Metrics.RecentDurations(ctx, msg.OrganizationID, msg.Image)
	if err != nil || len(samples) == 0 {
		return 0, false
	}
	var sum int64
	for _, ms := range samples {
		sum += ms
	}
	return time.Duration(sum/int64(len(samples))) * time.Millisecond, true
}

// persistAndBroadcast writes the record first and only then fans out, so a
// subscriber can never observe a state the store would not confirm. The row
// normally exists from submit time; a redelivery that outlived it falls back
// to recreating the record.
func (r *Runner) persistAndBroadcast(ctx domain.Context, log *slog.Logger, exec domain.Execution) {
	err := r.Repo.Update(ctx, exec)
	if errors.Is(err, domain.ErrNotFound) {
		err = r.Repo.Upsert(ctx, exec)
	}
	if err != nil {
		log.Error("persist failed", slog.String("status", string(exec.Status)), slog.Any("error", err))
		return
	}
	if err := r.Notifier.PublishUpdate(ctx, exec); err != nil {
		log.Warn("broadcast failed", slog.String("status", string(exec.Status)), slog.Any("error", err))
	}
}

func containerName(orgID, taskID string) string {
	return "org_" + sanitizeNamePart(orgID) + "_task_" + sanitizeNamePart(taskID)
}

// sanitizeNamePart keeps container names within the runtime's allowed
// charset ([a-zA-Z0-9_.-]).
func sanitizeNamePart(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		}
		return '-'
	}, s)
}

func joinURL(base string, parts ...string) string {
	if base == "" {
		return ""
	}
	out := strings.TrimRight(base, "/")
	for _, p := range parts {
		out += "/" + p
	}
	return out
}

// logBuffer accumulates the sanitized container output and forwards complete
// lines to the realtime notifier as they arrive.
type logBuffer struct {
	ctx      domain.Context
	notifier domain.Notifier
	orgID    string
	taskID   string

	mu      sync.Mutex
	partial strings.Builder
	out     strings.Builder
}

func newLogBuffer(ctx domain.Context, notifier domain.Notifier, orgID, taskID string) *logBuffer {
	return &logBuffer{ctx: ctx, notifier: notifier, orgID: orgID, taskID: taskID}
}

// Write implements io.Writer for the engine's log stream.
func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partial.WriteString(string(p))
	for {
		s := b.partial.String()
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			break
		}
		line := textx.SanitizeText(s[:i])
		b.partial.Reset()
		b.partial.WriteString(s[i+1:])
		b.emit(line)
	}
	return len(p), nil
}

// Flush emits any trailing partial line once the stream ends.
func (b *logBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.partial.Len() == 0 {
		return
	}
	line := textx.SanitizeText(b.partial.String())
	b.partial.Reset()
	b.emit(line)
}

func (b *logBuffer) emit(line string) {
	b.out.WriteString(line)
	b.out.WriteByte('\n')
	if line == "" {
		return
	}
	_ = b.notifier.PublishLog(b.ctx, b.orgID, b.taskID, line)
}

// String returns the accumulated sanitized output.
func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.out.String()
}
