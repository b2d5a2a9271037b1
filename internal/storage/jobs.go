package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kadirpekel/agentd/internal/apperrors"
)

// JobType distinguishes synchronous jobs, agent-loop runs, and batches.
// Per the documented Open Question resolution (see DESIGN.md), batch
// shares this table and state machine rather than getting its own.
type JobType string

const (
	JobTypeJob   JobType = "job"
	JobTypeRun   JobType = "run"
	JobTypeBatch JobType = "batch"
)

// JobStatus is the job lifecycle state. Terminal states are Completed,
// Failed, and Cancelled.
type JobStatus string

const (
	JobStatusCreated   JobStatus = "created"
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job is an asynchronous unit of work: an ingestion, an agent-loop run, or
// a batch. See internal/job for the state-machine and callback logic built
// on top of this row.
type Job struct {
	Base
	UserID             string
	Type               JobType
	Status             JobStatus
	Metadata           json.RawMessage
	RequestConfig      json.RawMessage
	CallbackURL        string
	CompletedAt        *time.Time
	CallbackSentAt     *time.Time
	CallbackStatusCode *int
	CallbackError      string
}

func (db *DB) CreateJob(ctx context.Context, j Job, actor Actor) (Job, error) {
	if j.ID == "" {
		j.ID = NewID("job")
	}
	if j.Status == "" {
		j.Status = JobStatusCreated
	}
	now := nowUTC()
	j.OrganizationID = actor.OrgID
	j.CreatedAt, j.UpdatedAt = now, now
	j.CreatedBy, j.UpdatedBy = actor.ID, actor.ID

	_, err := db.exec(ctx, `
INSERT INTO jobs (id, organization_id, user_id, type, status, metadata, request_config, callback_url, is_deleted, created_at, updated_at, created_by, updated_by)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.OrganizationID, j.UserID, string(j.Type), string(j.Status), nullIfEmpty(j.Metadata), nullIfEmpty(j.RequestConfig),
		nullIfEmptyString(j.CallbackURL), false, j.CreatedAt, j.UpdatedAt, j.CreatedBy, j.UpdatedBy)
	if err != nil {
		return Job{}, conflictOrInternal(err, "job")
	}
	return j, nil
}

func scanJob(scan func(dest ...any) error) (Job, error) {
	var j Job
	var metadata, reqConfig, callbackURL, callbackError sql.NullString
	var completedAt, callbackSentAt sql.NullTime
	var callbackStatusCode sql.NullInt64

	err := scan(&j.ID, &j.OrganizationID, &j.UserID, &j.Type, &j.Status, &metadata, &reqConfig, &callbackURL,
		&completedAt, &callbackSentAt, &callbackStatusCode, &callbackError,
		&j.IsDeleted, &j.CreatedAt, &j.UpdatedAt, &j.CreatedBy, &j.UpdatedBy)
	if err != nil {
		return Job{}, wrapSQLError(err, "job not found")
	}
	j.Metadata = json.RawMessage(metadata.String)
	j.RequestConfig = json.RawMessage(reqConfig.String)
	j.CallbackURL = callbackURL.String
	j.CallbackError = callbackError.String
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	if callbackSentAt.Valid {
		t := callbackSentAt.Time
		j.CallbackSentAt = &t
	}
	if callbackStatusCode.Valid {
		n := int(callbackStatusCode.Int64)
		j.CallbackStatusCode = &n
	}
	return j, nil
}

const jobColumns = `id, organization_id, user_id, type, status, metadata, request_config, callback_url,
       completed_at, callback_sent_at, callback_status_code, callback_error,
       is_deleted, created_at, updated_at, created_by, updated_by`

func (db *DB) ReadJob(ctx context.Context, id string, actor Actor) (Job, error) {
	row := db.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ? AND organization_id = ? AND is_deleted = false`, id, actor.OrgID)
	return scanJob(row.Scan)
}

// ReadJobForUpdate reads the job row within a transaction with a row lock
// where the dialect supports one (Postgres FOR UPDATE); this is the read
// SafeUpdateStatus uses to make its terminal-state check atomic with the
// write, per §5 "guarded by the SafeUpdateStatus check that reads the
// current state in the same transaction".
func (db *DB) ReadJobForUpdate(ctx context.Context, tx *sql.Tx, id string, actor Actor) (Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ? AND organization_id = ? AND is_deleted = false`
	if db.Dialect == DialectPostgres {
		query += ` FOR UPDATE`
	}
	row := tx.QueryRowContext(ctx, db.rebind(query), id, actor.OrgID)
	return scanJob(row.Scan)
}

// BeginTx exposes a transaction handle for callers (internal/job) that need
// to pair ReadJobForUpdate with a subsequent UpdateJobStatusTx atomically.
func (db *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Internal(err, "storage: begin tx")
	}
	return tx, nil
}

// UpdateJobStatusTx writes the new status (and, for a terminal transition,
// completed_at and the callback dispatch result) within the caller's
// transaction.
func (db *DB) UpdateJobStatusTx(ctx context.Context, tx *sql.Tx, j Job, actor Actor) error {
	j.UpdatedAt = nowUTC()
	j.UpdatedBy = actor.ID

	_, err := tx.ExecContext(ctx, db.rebind(`
UPDATE jobs SET status = ?, completed_at = ?, callback_sent_at = ?, callback_status_code = ?, callback_error = ?,
       updated_at = ?, updated_by = ?
WHERE id = ? AND organization_id = ?`),
		string(j.Status), j.CompletedAt, j.CallbackSentAt, j.CallbackStatusCode, nullIfEmptyString(j.CallbackError),
		j.UpdatedAt, j.UpdatedBy, j.ID, actor.OrgID)
	if err != nil {
		return apperrors.Internal(err, "storage: update job status")
	}
	return nil
}

// ListJobs applies the cursor/status/type/source_id filters described in
// §4.4 "Listing".
func (db *DB) ListJobs(ctx context.Context, actor Actor, page Page, statuses []JobStatus, jobType JobType, sourceID string) ([]Job, error) {
	if page.Limit <= 0 {
		return nil, nil
	}
	extraWhere, extraArgs, err := db.cursorBounds(ctx, "jobs", "organization_id", actor.OrgID, page)
	if err == errCursorNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal(err, "storage: list jobs")
	}

	where := `organization_id = ? AND is_deleted = false`
	args := []any{actor.OrgID}

	if jobType != "" {
		where += ` AND type = ?`
		args = append(args, string(jobType))
	}
	if len(statuses) > 0 {
		placeholders := ""
		for i, s := range statuses {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, string(s))
		}
		where += ` AND status IN (` + placeholders + `)`
	}
	if sourceID != "" {
		// metadata.source_id == X: a JSON substring match is dialect-portable
		// without requiring each backend's JSON operator syntax.
		where += ` AND metadata LIKE ?`
		args = append(args, `%"source_id":"`+sourceID+`"%`)
	}

	args = append(args, extraArgs...)
	args = append(args, page.Limit)

	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s %s %s LIMIT ?`, jobColumns, where, extraWhere, orderClause(page.Ascending))

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal(err, "storage: list jobs")
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// AddMessagesToJob inserts job_messages edges; the UNIQUE constraint on
// message_id enforces "each message belongs to at most one job" (I4/T4).
func (db *DB) AddMessagesToJob(ctx context.Context, jobID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	tx, err := db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal(err, "storage: begin tx")
	}
	defer tx.Rollback()

	for _, mid := range messageIDs {
		if _, err := tx.ExecContext(ctx, db.rebind(`INSERT INTO job_messages (job_id, message_id) VALUES (?, ?)`), jobID, mid); err != nil {
			return conflictOrInternal(err, "job message association")
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Internal(err, "storage: commit job message associations")
	}
	return nil
}

// GetJobMessages joins messages with job_messages, optionally filtered by
// role, cursor-paginated.
func (db *DB) GetJobMessages(ctx context.Context, jobID string, actor Actor, page Page, role *MessageRole) ([]Message, error) {
	if page.Limit <= 0 {
		return nil, nil
	}
	extraWhere, extraArgs, err := db.cursorBoundsQualified(ctx, "messages", "organization_id", actor.OrgID, page, "m.")
	if err == errCursorNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal(err, "storage: get job messages")
	}

	where := `jm.job_id = ? AND m.organization_id = ? AND m.is_deleted = false`
	args := []any{jobID, actor.OrgID}
	if role != nil {
		where += ` AND m.role = ?`
		args = append(args, string(*role))
	}
	args = append(args, extraArgs...)
	args = append(args, page.Limit)

	query := fmt.Sprintf(`
SELECT m.id, m.organization_id, m.agent_id, m.step_id, m.role, m.content, m.tool_calls, m.tool_call_id,
       m.is_deleted, m.created_at, m.updated_at, m.created_by, m.updated_by
FROM messages m JOIN job_messages jm ON jm.message_id = m.id
WHERE %s %s %s LIMIT ?`, where, extraWhere, messageOrderClauseQualified(page.Ascending, "m."))

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal(err, "storage: get job messages")
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

