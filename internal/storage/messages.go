package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kadirpekel/agentd/internal/apperrors"
)

// MessageRole mirrors the role enum carried on every message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Message is one append-only turn in an agent's conversation, ordered by
// (created_at, seq) -- seq (not the random-UUID id) breaks ties within a
// single batch insert so a tool-using turn's messages replay in the order
// they were persisted.
type Message struct {
	Base
	AgentID    string
	StepID     string
	Role       MessageRole
	Content    string
	ToolCalls  json.RawMessage
	ToolCallID string
}

func (db *DB) CreateMessage(ctx context.Context, m Message, actor Actor) (Message, error) {
	if m.ID == "" {
		m.ID = NewID("message")
	}
	now := nowUTC()
	m.OrganizationID = actor.OrgID
	m.CreatedAt, m.UpdatedAt = now, now
	m.CreatedBy, m.UpdatedBy = actor.ID, actor.ID

	_, err := db.exec(ctx, `
INSERT INTO messages (id, organization_id, agent_id, step_id, role, content, tool_calls, tool_call_id, is_deleted, created_at, updated_at, created_by, updated_by)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.OrganizationID, m.AgentID, nullIfEmptyString(m.StepID), string(m.Role), m.Content,
		nullIfEmpty(m.ToolCalls), nullIfEmptyString(m.ToolCallID), false, m.CreatedAt, m.UpdatedAt, m.CreatedBy, m.UpdatedBy)
	if err != nil {
		return Message{}, conflictOrInternal(err, "message")
	}
	return m, nil
}

// CreateMessages inserts a batch atomically, preserving the caller's order
// -- used by the agent loop so a turn's messages become visible together.
func (db *DB) CreateMessages(ctx context.Context, msgs []Message, actor Actor) ([]Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	tx, err := db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Internal(err, "storage: begin tx")
	}
	defer tx.Rollback()

	now := nowUTC()
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		if m.ID == "" {
			m.ID = NewID("message")
		}
		m.OrganizationID = actor.OrgID
		m.CreatedAt, m.UpdatedAt = now, now
		m.CreatedBy, m.UpdatedBy = actor.ID, actor.ID

		_, err := tx.ExecContext(ctx, db.rebind(`
INSERT INTO messages (id, organization_id, agent_id, step_id, role, content, tool_calls, tool_call_id, is_deleted, created_at, updated_at, created_by, updated_by)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			m.ID, m.OrganizationID, m.AgentID, nullIfEmptyString(m.StepID), string(m.Role), m.Content,
			nullIfEmpty(m.ToolCalls), nullIfEmptyString(m.ToolCallID), false, m.CreatedAt, m.UpdatedAt, m.CreatedBy, m.UpdatedBy)
		if err != nil {
			return nil, conflictOrInternal(err, "message")
		}
		out[i] = m
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Internal(err, "storage: commit message batch")
	}
	return out, nil
}

func scanMessage(scan func(dest ...any) error) (Message, error) {
	var m Message
	var stepID, toolCallID sql.NullString
	var toolCalls sql.NullString
	err := scan(&m.ID, &m.OrganizationID, &m.AgentID, &stepID, &m.Role, &m.Content, &toolCalls, &toolCallID,
		&m.IsDeleted, &m.CreatedAt, &m.UpdatedAt, &m.CreatedBy, &m.UpdatedBy)
	if err != nil {
		return Message{}, wrapSQLError(err, "message not found")
	}
	m.StepID = stepID.String
	m.ToolCallID = toolCallID.String
	m.ToolCalls = json.RawMessage(toolCalls.String)
	return m, nil
}

func (db *DB) ReadMessage(ctx context.Context, id string, actor Actor) (Message, error) {
	row := db.queryRow(ctx, `
SELECT id, organization_id, agent_id, step_id, role, content, tool_calls, tool_call_id, is_deleted, created_at, updated_at, created_by, updated_by
FROM messages WHERE id = ? AND organization_id = ? AND is_deleted = false`, id, actor.OrgID)
	return scanMessage(row.Scan)
}

// ListMessagesByAgent returns an agent's conversation history,
// cursor-paginated, oldest-first by default -- the order the agent loop
// replays history in.
func (db *DB) ListMessagesByAgent(ctx context.Context, agentID string, actor Actor, page Page) ([]Message, error) {
	if page.Limit <= 0 {
		return nil, nil
	}
	extraWhere, extraArgs, err := db.cursorBounds(ctx, "messages", "organization_id", actor.OrgID, page)
	if err == errCursorNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal(err, "storage: list messages")
	}

	query := fmt.Sprintf(`
SELECT id, organization_id, agent_id, step_id, role, content, tool_calls, tool_call_id, is_deleted, created_at, updated_at, created_by, updated_by
FROM messages WHERE agent_id = ? AND organization_id = ? AND is_deleted = false %s %s LIMIT ?`, extraWhere, messageOrderClauseQualified(page.Ascending, ""))

	args := append([]any{agentID, actor.OrgID}, extraArgs...)
	args = append(args, page.Limit)

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal(err, "storage: list messages")
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

func nullIfEmptyString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
