package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kadirpekel/agentd/internal/apperrors"
)

// Agent owns memory blocks, attached tools/sources, model configuration,
// and (via the messages table) its conversation history.
type Agent struct {
	Base
	Name             string
	LLMConfig        json.RawMessage
	EmbeddingConfig  json.RawMessage
	ToolIDs          []string
	SourceIDs        []string
	TopK             int
	MemoryBlockOrder []string
}

func (db *DB) CreateAgent(ctx context.Context, a Agent, actor Actor) (Agent, error) {
	if a.ID == "" {
		a.ID = NewID("agent")
	}
	if a.TopK <= 0 {
		a.TopK = 3
	}
	now := nowUTC()
	a.OrganizationID = actor.OrgID
	a.CreatedAt, a.UpdatedAt = now, now
	a.CreatedBy, a.UpdatedBy = actor.ID, actor.ID

	toolIDs, err := json.Marshal(a.ToolIDs)
	if err != nil {
		return Agent{}, apperrors.InvalidArgument("storage: marshal tool_ids: %v", err)
	}
	sourceIDs, err := json.Marshal(a.SourceIDs)
	if err != nil {
		return Agent{}, apperrors.InvalidArgument("storage: marshal source_ids: %v", err)
	}
	blockOrder, err := json.Marshal(a.MemoryBlockOrder)
	if err != nil {
		return Agent{}, apperrors.InvalidArgument("storage: marshal memory_block_order: %v", err)
	}

	_, err = db.exec(ctx, `
INSERT INTO agents (id, organization_id, name, memory_block_order, llm_config, embedding_config, tool_ids, source_ids, top_k, is_deleted, created_at, updated_at, created_by, updated_by)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OrganizationID, a.Name, string(blockOrder), nullIfEmpty(a.LLMConfig), nullIfEmpty(a.EmbeddingConfig),
		string(toolIDs), string(sourceIDs), a.TopK, false, a.CreatedAt, a.UpdatedAt, a.CreatedBy, a.UpdatedBy)
	if err != nil {
		return Agent{}, conflictOrInternal(err, "agent")
	}
	return a, nil
}

func (db *DB) ReadAgent(ctx context.Context, id string, actor Actor, _ AccessLevel) (Agent, error) {
	row := db.queryRow(ctx, `
SELECT id, organization_id, name, memory_block_order, llm_config, embedding_config, tool_ids, source_ids, top_k,
       is_deleted, created_at, updated_at, created_by, updated_by
FROM agents WHERE id = ? AND organization_id = ? AND is_deleted = false`, id, actor.OrgID)
	return scanAgent(row)
}

func scanAgent(row *sql.Row) (Agent, error) {
	var a Agent
	var toolIDs, sourceIDs, blockOrder string
	var llmConfig, embConfig sql.NullString
	err := row.Scan(&a.ID, &a.OrganizationID, &a.Name, &blockOrder, &llmConfig, &embConfig, &toolIDs, &sourceIDs,
		&a.TopK, &a.IsDeleted, &a.CreatedAt, &a.UpdatedAt, &a.CreatedBy, &a.UpdatedBy)
	if err != nil {
		return Agent{}, wrapSQLError(err, "agent not found")
	}
	a.LLMConfig = json.RawMessage(llmConfig.String)
	a.EmbeddingConfig = json.RawMessage(embConfig.String)
	_ = json.Unmarshal([]byte(toolIDs), &a.ToolIDs)
	_ = json.Unmarshal([]byte(sourceIDs), &a.SourceIDs)
	_ = json.Unmarshal([]byte(blockOrder), &a.MemoryBlockOrder)
	return a, nil
}

// UpdateAgent performs an optimistic update: the whole row is rewritten and
// updated_at/_by refreshed, scoped to the actor's organization so a caller
// cannot update across tenants.
func (db *DB) UpdateAgent(ctx context.Context, a Agent, actor Actor) (Agent, error) {
	toolIDs, _ := json.Marshal(a.ToolIDs)
	sourceIDs, _ := json.Marshal(a.SourceIDs)
	blockOrder, _ := json.Marshal(a.MemoryBlockOrder)
	a.UpdatedAt = nowUTC()
	a.UpdatedBy = actor.ID

	res, err := db.exec(ctx, `
UPDATE agents SET name = ?, memory_block_order = ?, llm_config = ?, embedding_config = ?, tool_ids = ?, source_ids = ?,
       top_k = ?, updated_at = ?, updated_by = ?
WHERE id = ? AND organization_id = ? AND is_deleted = false`,
		a.Name, string(blockOrder), nullIfEmpty(a.LLMConfig), nullIfEmpty(a.EmbeddingConfig), string(toolIDs), string(sourceIDs),
		a.TopK, a.UpdatedAt, a.UpdatedBy, a.ID, actor.OrgID)
	if err != nil {
		return Agent{}, apperrors.Internal(err, "storage: update agent")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Agent{}, apperrors.NotFound("agent %s not found", a.ID)
	}
	return db.ReadAgent(ctx, a.ID, actor, AccessWrite)
}

// HardDeleteAgent cascades to the agent's memory blocks and agent passages
// but, per the data model, not to source passages (those belong to the
// source, not the agent).
func (db *DB) HardDeleteAgent(ctx context.Context, id string, actor Actor) error {
	tx, err := db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal(err, "storage: begin tx")
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM memory_blocks WHERE agent_id = ? AND organization_id = ?`,
		`DELETE FROM passages_agent WHERE agent_id = ? AND organization_id = ?`,
		`DELETE FROM messages WHERE agent_id = ? AND organization_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, db.rebind(stmt), id, actor.OrgID); err != nil {
			return apperrors.Internal(err, "storage: cascade delete for agent %s", id)
		}
	}
	res, err := tx.ExecContext(ctx, db.rebind(`DELETE FROM agents WHERE id = ? AND organization_id = ?`), id, actor.OrgID)
	if err != nil {
		return apperrors.Internal(err, "storage: delete agent")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("agent %s not found", id)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Internal(err, "storage: commit agent delete")
	}
	return nil
}

// ListAgents returns agents in the actor's organization, cursor-paginated.
func (db *DB) ListAgents(ctx context.Context, actor Actor, page Page) ([]Agent, error) {
	if page.Limit <= 0 {
		return nil, nil
	}
	extraWhere, extraArgs, err := db.cursorBounds(ctx, "agents", "organization_id", actor.OrgID, page)
	if err == errCursorNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal(err, "storage: list agents")
	}

	query := fmt.Sprintf(`
SELECT id, organization_id, name, memory_block_order, llm_config, embedding_config, tool_ids, source_ids, top_k,
       is_deleted, created_at, updated_at, created_by, updated_by
FROM agents WHERE organization_id = ? AND is_deleted = false %s %s LIMIT ?`, extraWhere, orderClause(page.Ascending))

	args := append([]any{actor.OrgID}, extraArgs...)
	args = append(args, page.Limit)

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal(err, "storage: list agents")
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		var toolIDs, sourceIDs, blockOrder string
		var llmConfig, embConfig sql.NullString
		if err := rows.Scan(&a.ID, &a.OrganizationID, &a.Name, &blockOrder, &llmConfig, &embConfig, &toolIDs, &sourceIDs,
			&a.TopK, &a.IsDeleted, &a.CreatedAt, &a.UpdatedAt, &a.CreatedBy, &a.UpdatedBy); err != nil {
			return nil, apperrors.Internal(err, "storage: scan agent row")
		}
		a.LLMConfig = json.RawMessage(llmConfig.String)
		a.EmbeddingConfig = json.RawMessage(embConfig.String)
		_ = json.Unmarshal([]byte(toolIDs), &a.ToolIDs)
		_ = json.Unmarshal([]byte(sourceIDs), &a.SourceIDs)
		_ = json.Unmarshal([]byte(blockOrder), &a.MemoryBlockOrder)
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullIfEmpty(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// conflictOrInternal distinguishes a unique-key violation (surfaced as
// Conflict per §7) from any other database error. Driver-specific error
// text is matched loosely since pq/mysql/sqlite each format this
// differently and none expose a portable typed error for it.
func conflictOrInternal(err error, what string) error {
	msg := err.Error()
	for _, marker := range []string{"UNIQUE constraint", "duplicate key", "Duplicate entry", "unique constraint"} {
		if strings.Contains(msg, marker) {
			return apperrors.Conflict("storage: %s already exists", what)
		}
	}
	return apperrors.Internal(err, "storage: create %s", what)
}
