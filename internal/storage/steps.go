package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/kadirpekel/agentd/internal/apperrors"
)

// Step is one LLM call within a job; summing a job's steps yields its
// usage statistics (T6).
type Step struct {
	ID               string
	JobID            string
	RequestConfig    json.RawMessage
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CreatedAt        time.Time
}

// AddJobUsage inserts a step row recording one LLM call's token usage,
// optionally tagged with the request_config snapshot active at call time
// (the supplemented "step-level request config echo" feature).
func (db *DB) AddJobUsage(ctx context.Context, s Step) (Step, error) {
	if s.ID == "" {
		s.ID = NewID("step")
	}
	s.CreatedAt = nowUTC()

	_, err := db.exec(ctx, `
INSERT INTO steps (id, job_id, request_config, prompt_tokens, completion_tokens, total_tokens, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.JobID, nullIfEmpty(s.RequestConfig), s.PromptTokens, s.CompletionTokens, s.TotalTokens, s.CreatedAt)
	if err != nil {
		return Step{}, apperrors.Internal(err, "storage: insert step")
	}
	return s, nil
}

// JobUsage is the sum of a job's step usage.
type JobUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	StepCount        int
}

// GetJobUsage sums prompt_tokens, completion_tokens, and total_tokens
// across every step associated with jobID (T6).
func (db *DB) GetJobUsage(ctx context.Context, jobID string) (JobUsage, error) {
	var u JobUsage
	err := db.queryRow(ctx, `
SELECT COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(total_tokens), 0), COUNT(*)
FROM steps WHERE job_id = ?`, jobID).Scan(&u.PromptTokens, &u.CompletionTokens, &u.TotalTokens, &u.StepCount)
	if err != nil {
		return JobUsage{}, apperrors.Internal(err, "storage: sum job usage")
	}
	return u, nil
}

// ListStepsByJob returns every step recorded against a job, insertion
// order.
func (db *DB) ListStepsByJob(ctx context.Context, jobID string) ([]Step, error) {
	rows, err := db.query(ctx, `
SELECT id, job_id, request_config, prompt_tokens, completion_tokens, total_tokens, created_at
FROM steps WHERE job_id = ? ORDER BY seq ASC`, jobID)
	if err != nil {
		return nil, apperrors.Internal(err, "storage: list steps")
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		var s Step
		var cfg sql.NullString
		if err := rows.Scan(&s.ID, &s.JobID, &cfg, &s.PromptTokens, &s.CompletionTokens, &s.TotalTokens, &s.CreatedAt); err != nil {
			return nil, apperrors.Internal(err, "storage: scan step row")
		}
		s.RequestConfig = json.RawMessage(cfg.String)
		out = append(out, s)
	}
	return out, rows.Err()
}
