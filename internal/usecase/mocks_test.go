package usecase

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fairyhunter13/testdock/internal/domain"
)

// fakeRepo is an in-memory ExecutionRepository keyed by (taskID, orgID).
type fakeRepo struct {
	mu      sync.Mutex
	rows    map[string]domain.Execution
	history []domain.Status

	upserts int
	updates int

	upsertErr error
	deleteErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: make(map[string]domain.Execution)}
}

func repoKey(taskID, orgID string) string { return orgID + "/" + taskID }

func (f *fakeRepo) Upsert(_ domain.Context, e domain.Execution) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	f.rows[repoKey(e.TaskID, e.OrganizationID)] = e
	f.history = append(f.history, e.Status)
	return nil
}

func (f *fakeRepo) Update(_ domain.Context, e domain.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[repoKey(e.TaskID, e.OrganizationID)]; !ok {
		return domain.ErrNotFound
	}
	f.updates++
	f.rows[repoKey(e.TaskID, e.OrganizationID)] = e
	f.history = append(f.history, e.Status)
	return nil
}

func (f *fakeRepo) Get(_ domain.Context, taskID, orgID string) (domain.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.rows[repoKey(taskID, orgID)]
	if !ok {
		return domain.Execution{}, domain.ErrNotFound
	}
	return e, nil
}

func (f *fakeRepo) ListRecent(_ domain.Context, orgID string, limit int) ([]domain.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Execution
	for _, e := range f.rows {
		if e.OrganizationID == orgID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepo) Delete(_ domain.Context, taskID, orgID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[repoKey(taskID, orgID)]; !ok {
		return domain.ErrNotFound
	}
	delete(f.rows, repoKey(taskID, orgID))
	return nil
}

func (f *fakeRepo) statuses() []domain.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Status(nil), f.history...)
}

// fakeQueue records enqueued messages.
type fakeQueue struct {
	mu   sync.Mutex
	msgs []domain.JobMessage
	err  error
}

func (f *fakeQueue) EnqueueRun(_ domain.Context, msg domain.JobMessage) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

// fakeNotifier records broadcasts.
type fakeNotifier struct {
	mu      sync.Mutex
	updates []domain.Execution
	logs    []string
}

func (f *fakeNotifier) PublishUpdate(_ domain.Context, e domain.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, e)
	return nil
}

func (f *fakeNotifier) PublishLog(_ domain.Context, _, _, line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, line)
	return nil
}

func (f *fakeNotifier) updateStatuses() []domain.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Status, len(f.updates))
	for i, e := range f.updates {
		out[i] = e.Status
	}
	return out
}

// fakeEngine scripts a container lifecycle.
type fakeEngine struct {
	mu sync.Mutex

	pullErr   error
	hasImage  bool
	createErr error
	startErr  error
	waitErr   error
	exitCode  int64
	logOutput string

	// artifacts maps a container path to tar bytes returned by copy.
	artifacts map[string][]byte

	created []domain.ContainerSpec
	removed []string
}

func (f *fakeEngine) PullImage(_ domain.Context, _ string) error { return f.pullErr }

func (f *fakeEngine) HasImage(_ domain.Context, _ string) (bool, error) { return f.hasImage, nil }

func (f *fakeEngine) CreateContainer(_ domain.Context, spec domain.ContainerSpec) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, spec)
	return fmt.Sprintf("ctr-%d", len(f.created)), nil
}

func (f *fakeEngine) StartContainer(_ domain.Context, _ string) error { return f.startErr }

func (f *fakeEngine) StreamLogs(_ domain.Context, _ string, w io.Writer) error {
	_, err := io.Copy(w, bytes.NewReader([]byte(f.logOutput)))
	return err
}

func (f *fakeEngine) WaitContainer(_ domain.Context, _ string) (int64, error) {
	if f.waitErr != nil {
		return 0, f.waitErr
	}
	return f.exitCode, nil
}

func (f *fakeEngine) CopyFromContainer(_ domain.Context, _, path string) (io.ReadCloser, error) {
	b, ok := f.artifacts[path]
	if !ok {
		return nil, fmt.Errorf("no such path %q", path)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeEngine) RemoveContainer(_ domain.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngine) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

// fakeAnalyzer returns a fixed analysis or error.
type fakeAnalyzer struct {
	mu     sync.Mutex
	out    string
	err    error
	calls  int
	gotLog string
	hint   string
}

func (f *fakeAnalyzer) Analyze(_ domain.Context, logTail, _, hint string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotLog = logTail
	f.hint = hint
	if f.err != nil {
		return "", f.err
	}
	return f.out, nil
}

// fakeMetrics records duration samples and serves a scripted history.
type fakeMetrics struct {
	mu      sync.Mutex
	samples []time.Duration

	recent      []int64
	recentErr   error
	recentCalls int
}

func (f *fakeMetrics) RecordDuration(_ domain.Context, _, _ string, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, d)
	return nil
}

func (f *fakeMetrics) RecentDurations(_ domain.Context, _, _ string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recentCalls++
	return f.recent, f.recentErr
}

// fakeArtifacts records extraction calls without touching the filesystem.
type fakeArtifacts struct {
	mu      sync.Mutex
	aliases []string
}

func (f *fakeArtifacts) EnsureRunDir(_, _ string) (string, error) { return "/tmp/fake", nil }

func (f *fakeArtifacts) ExtractTar(r io.Reader, _, _, alias string) error {
	_, _ = io.Copy(io.Discard, r)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aliases = append(f.aliases, alias)
	return nil
}
