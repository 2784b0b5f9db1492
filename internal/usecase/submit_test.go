package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/testdock/internal/domain"
)

var testIdentity = domain.Identity{
	UserID:         "user-1",
	OrganizationID: "org-a",
	Role:           "member",
}

func testSubmitRequest() SubmitRequest {
	return SubmitRequest{
		TaskID:  "task-1",
		Image:   "registry.local/suite:1",
		Command: "npm test",
		Config:  domain.RunConfig{Environment: "test"},
	}
}

func TestSubmitQueuesAndBroadcastsPending(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	queue := &fakeQueue{}
	notifier := &fakeNotifier{}
	svc := NewExecutionService(repo, queue, notifier)

	res, err := svc.Submit(context.Background(), testIdentity, testSubmitRequest())
	require.NoError(t, err)
	assert.Equal(t, "queued", res.Status)
	assert.Equal(t, "task-1", res.TaskID)

	stored, err := repo.Get(context.Background(), "task-1", "org-a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, "org-a", stored.OrganizationID)
	assert.False(t, stored.StartTime.IsZero())

	require.Len(t, queue.msgs, 1)
	assert.Equal(t, "org-a", queue.msgs[0].OrganizationID)

	require.Len(t, notifier.updates, 1)
	assert.Equal(t, domain.StatusPending, notifier.updates[0].Status)
}

func TestSubmitRollsBackWhenQueueRejects(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	queue := &fakeQueue{err: domain.ErrQueueUnavailable}
	notifier := &fakeNotifier{}
	svc := NewExecutionService(repo, queue, notifier)

	_, err := svc.Submit(context.Background(), testIdentity, testSubmitRequest())
	require.ErrorIs(t, err, domain.ErrQueueUnavailable)

	// No durable record survives a failed enqueue.
	_, err = repo.Get(context.Background(), "task-1", "org-a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, notifier.updates)
}

func TestSubmitRequiresOrganization(t *testing.T) {
	t.Parallel()

	svc := NewExecutionService(newFakeRepo(), &fakeQueue{}, &fakeNotifier{})
	_, err := svc.Submit(context.Background(), domain.Identity{UserID: "u"}, testSubmitRequest())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestGetScopedByOrganization(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := NewExecutionService(repo, &fakeQueue{}, &fakeNotifier{})
	require.NoError(t, repo.Upsert(context.Background(), domain.Execution{
		TaskID:         "task-b",
		OrganizationID: "org-b",
		Status:         domain.StatusPassed,
	}))

	// Another org's task id reads as missing, not forbidden.
	_, err := svc.Get(context.Background(), testIdentity, "task-b")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err := svc.Get(context.Background(), domain.Identity{OrganizationID: "org-b"}, "task-b")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPassed, got.Status)
}

func TestDeleteScopedByOrganization(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := NewExecutionService(repo, &fakeQueue{}, &fakeNotifier{})
	require.NoError(t, repo.Upsert(context.Background(), domain.Execution{
		TaskID:         "task-b",
		OrganizationID: "org-b",
	}))

	err := svc.Delete(context.Background(), testIdentity, "task-b")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, svc.Delete(context.Background(), domain.Identity{OrganizationID: "org-b"}, "task-b"))
}

func TestListFiltersByOrganization(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := NewExecutionService(repo, &fakeQueue{}, &fakeNotifier{})
	require.NoError(t, repo.Upsert(context.Background(), domain.Execution{TaskID: "a1", OrganizationID: "org-a"}))
	require.NoError(t, repo.Upsert(context.Background(), domain.Execution{TaskID: "a2", OrganizationID: "org-a"}))
	require.NoError(t, repo.Upsert(context.Background(), domain.Execution{TaskID: "b1", OrganizationID: "org-b"}))

	execs, err := svc.List(context.Background(), testIdentity)
	require.NoError(t, err)
	assert.Len(t, execs, 2)
	for _, e := range execs {
		assert.Equal(t, "org-a", e.OrganizationID)
	}
}
