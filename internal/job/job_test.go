package job

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentd/internal/config"
	"github.com/kadirpekel/agentd/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, storage.Actor) {
	t.Helper()
	cfg := &config.Config{DBPoolSize: 2, DBPoolTimeout: 5 * time.Second, DBPoolRecycle: time.Hour}
	db, err := storage.OpenMemoryForTest(context.Background(), cfg, t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return New(db), storage.Actor{ID: "user-1", OrgID: "org-1"}
}

func TestSafeUpdateStatus_AllowsCreatedToPending(t *testing.T) {
	m, actor := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, storage.Job{Type: storage.JobTypeRun, UserID: actor.ID}, actor)
	require.NoError(t, err)

	tr, err := m.SafeUpdateStatus(ctx, j.ID, actor, storage.JobStatusPending)
	require.NoError(t, err)
	require.True(t, tr.Applied)
	require.Equal(t, storage.JobStatusPending, tr.Job.Status)
}

func TestSafeUpdateStatus_RejectsSkippingPending(t *testing.T) {
	m, actor := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, storage.Job{Type: storage.JobTypeRun, UserID: actor.ID}, actor)
	require.NoError(t, err)

	tr, err := m.SafeUpdateStatus(ctx, j.ID, actor, storage.JobStatusRunning)
	require.NoError(t, err)
	require.False(t, tr.Applied)
	require.Equal(t, storage.JobStatusCreated, tr.Job.Status)
}

func TestSafeUpdateStatus_AnyNonTerminalToTerminalAllowed(t *testing.T) {
	m, actor := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, storage.Job{Type: storage.JobTypeRun, UserID: actor.ID}, actor)
	require.NoError(t, err)

	tr, err := m.SafeUpdateStatus(ctx, j.ID, actor, storage.JobStatusCancelled)
	require.NoError(t, err)
	require.True(t, tr.Applied)
	require.NotNil(t, tr.Job.CompletedAt)
}

func TestSafeUpdateStatus_TerminalIsSticky(t *testing.T) {
	m, actor := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, storage.Job{Type: storage.JobTypeRun, UserID: actor.ID}, actor)
	require.NoError(t, err)

	_, err = m.SafeUpdateStatus(ctx, j.ID, actor, storage.JobStatusCompleted)
	require.NoError(t, err)

	tr, err := m.SafeUpdateStatus(ctx, j.ID, actor, storage.JobStatusRunning)
	require.NoError(t, err)
	require.False(t, tr.Applied)
	require.Equal(t, storage.JobStatusCompleted, tr.Job.Status)
}

func TestSafeUpdateStatus_DispatchesCallbackOnTerminalTransition(t *testing.T) {
	received := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m, actor := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, storage.Job{Type: storage.JobTypeRun, UserID: actor.ID, CallbackURL: server.URL}, actor)
	require.NoError(t, err)

	tr, err := m.SafeUpdateStatus(ctx, j.ID, actor, storage.JobStatusCompleted)
	require.NoError(t, err)
	require.True(t, tr.Applied)
	require.NotNil(t, tr.Job.CallbackStatusCode)
	require.Equal(t, http.StatusOK, *tr.Job.CallbackStatusCode)
	require.NotNil(t, tr.Job.CallbackSentAt)

	select {
	case payload := <-received:
		require.Equal(t, j.ID, payload["job_id"])
		require.Equal(t, "completed", payload["status"])
	case <-time.After(time.Second):
		t.Fatal("callback was not received")
	}
}

func TestSafeUpdateStatus_CallbackFailureDoesNotFailTransition(t *testing.T) {
	m, actor := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, storage.Job{Type: storage.JobTypeRun, UserID: actor.ID, CallbackURL: "http://127.0.0.1:0/unreachable"}, actor)
	require.NoError(t, err)

	tr, err := m.SafeUpdateStatus(ctx, j.ID, actor, storage.JobStatusFailed)
	require.NoError(t, err)
	require.True(t, tr.Applied)
	require.NotEmpty(t, tr.Job.CallbackError)
}

func TestJobUsageAndListJobs(t *testing.T) {
	m, actor := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, storage.Job{Type: storage.JobTypeBatch, UserID: actor.ID}, actor)
	require.NoError(t, err)

	_, err = m.AddJobUsage(ctx, storage.Step{JobID: j.ID, PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7})
	require.NoError(t, err)

	usage, err := m.GetJobUsage(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 7, usage.TotalTokens)

	jobs, err := m.ListJobs(ctx, actor, storage.Page{Limit: 10, Ascending: true}, nil, storage.JobTypeBatch, "")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}
