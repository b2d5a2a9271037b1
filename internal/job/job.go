// Package job wraps storage.Job with the lifecycle state machine and
// callback dispatch described in spec §4.4.
package job

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kadirpekel/agentd/internal/httpclient"
	"github.com/kadirpekel/agentd/internal/storage"
)

// Transition is the result of a SafeUpdateStatus call.
type Transition struct {
	Job     storage.Job
	Applied bool // false means "skipped, invalid transition" (not an error)
}

// Manager drives job lifecycle transitions and usage/message bookkeeping on
// top of the storage adapter.
type Manager struct {
	db         *storage.DB
	callbackHT *httpclient.Client
}

func New(db *storage.DB) *Manager {
	return &Manager{
		db: db,
		callbackHT: httpclient.New(
			httpclient.WithRetryStrategy(httpclient.FixedStrategy(httpclient.NoRetry)),
		),
	}
}

// allowedNonTerminalAdvances enumerates the only two non-terminal → non-terminal
// transitions SafeUpdateStatus permits (spec §4.4's state diagram).
var allowedNonTerminalAdvances = map[storage.JobStatus]storage.JobStatus{
	storage.JobStatusCreated: storage.JobStatusPending,
	storage.JobStatusPending: storage.JobStatusRunning,
}

// SafeUpdateStatus validates and applies a job status transition atomically
// (read-for-update + write in one transaction, so a concurrent caller can
// never observe or apply a second conflicting transition). Any non-terminal
// status may move to any terminal status exactly once; the only other
// allowed advances are created→pending and pending→running. Every other
// requested transition is skipped, not an error, so idempotent callers are
// safe to retry blindly.
func (m *Manager) SafeUpdateStatus(ctx context.Context, jobID string, actor storage.Actor, newStatus storage.JobStatus) (Transition, error) {
	tx, err := m.db.BeginTx(ctx)
	if err != nil {
		return Transition{}, err
	}
	defer tx.Rollback()

	current, err := m.db.ReadJobForUpdate(ctx, tx, jobID, actor)
	if err != nil {
		return Transition{}, err
	}

	if !isAllowedTransition(current.Status, newStatus) {
		return Transition{Job: current, Applied: false}, nil
	}

	current.Status = newStatus
	if newStatus.IsTerminal() {
		now := time.Now().UTC()
		current.CompletedAt = &now
	}

	if err := m.db.UpdateJobStatusTx(ctx, tx, current, actor); err != nil {
		return Transition{}, err
	}

	if err := tx.Commit(); err != nil {
		return Transition{}, err
	}

	// Callback dispatch happens after the transition is committed, in its own
	// transaction, so a slow or unreachable callback URL (up to 5s, §4.4.1)
	// never holds the single-writer lock that SafeUpdateStatus's transaction
	// would otherwise keep open. A dispatch failure never undoes the
	// transition; its outcome is just recorded on the row for later reads.
	if newStatus.IsTerminal() && current.CallbackURL != "" {
		m.dispatchCallback(ctx, &current)
		if err := m.recordCallbackResult(ctx, current, actor); err != nil {
			slog.Warn("job: failed to record callback result", "job_id", current.ID, "error", err)
		}
	}

	return Transition{Job: current, Applied: true}, nil
}

// recordCallbackResult persists the callback_sent_at/status_code/error
// fields dispatchCallback set on j, in a fresh transaction separate from
// the status transition itself.
func (m *Manager) recordCallbackResult(ctx context.Context, j storage.Job, actor storage.Actor) error {
	tx, err := m.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.db.UpdateJobStatusTx(ctx, tx, j, actor); err != nil {
		return err
	}
	return tx.Commit()
}

func isAllowedTransition(from, to storage.JobStatus) bool {
	if to.IsTerminal() && !from.IsTerminal() {
		return true
	}
	return allowedNonTerminalAdvances[from] == to
}

type callbackPayload struct {
	JobID       string          `json:"job_id"`
	Status      string          `json:"status"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// dispatchCallback POSTs the terminal-transition payload with a 5-second
// total timeout (§4.4.1), recording the outcome on j. Errors are swallowed:
// the caller commits the transition regardless.
func (m *Manager) dispatchCallback(ctx context.Context, j *storage.Job) {
	payload := callbackPayload{
		JobID:       j.ID,
		Status:      string(j.Status),
		CompletedAt: j.CompletedAt,
		Metadata:    j.Metadata,
	}

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sentAt := time.Now().UTC()
	j.CallbackSentAt = &sentAt

	body, err := json.Marshal(payload)
	if err != nil {
		j.CallbackError = err.Error()
		return
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, j.CallbackURL, bytes.NewReader(body))
	if err != nil {
		j.CallbackError = err.Error()
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.callbackHT.Do(req)
	if err != nil {
		j.CallbackError = err.Error()
		slog.Warn("job: callback dispatch failed", "job_id", j.ID, "url", j.CallbackURL, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	status := resp.StatusCode
	j.CallbackStatusCode = &status
}

func (m *Manager) CreateJob(ctx context.Context, j storage.Job, actor storage.Actor) (storage.Job, error) {
	return m.db.CreateJob(ctx, j, actor)
}

func (m *Manager) ReadJob(ctx context.Context, id string, actor storage.Actor) (storage.Job, error) {
	return m.db.ReadJob(ctx, id, actor)
}

func (m *Manager) ListJobs(ctx context.Context, actor storage.Actor, page storage.Page, statuses []storage.JobStatus, jobType storage.JobType, sourceID string) ([]storage.Job, error) {
	return m.db.ListJobs(ctx, actor, page, statuses, jobType, sourceID)
}

func (m *Manager) AddMessagesToJob(ctx context.Context, jobID string, messageIDs []string) error {
	return m.db.AddMessagesToJob(ctx, jobID, messageIDs)
}

func (m *Manager) GetJobMessages(ctx context.Context, jobID string, actor storage.Actor, page storage.Page, role *storage.MessageRole) ([]storage.Message, error) {
	return m.db.GetJobMessages(ctx, jobID, actor, page, role)
}

func (m *Manager) AddJobUsage(ctx context.Context, s storage.Step) (storage.Step, error) {
	return m.db.AddJobUsage(ctx, s)
}

func (m *Manager) GetJobUsage(ctx context.Context, jobID string) (storage.JobUsage, error) {
	return m.db.GetJobUsage(ctx, jobID)
}
