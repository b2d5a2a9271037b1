package storage

import (
	"context"
	"database/sql"

	"github.com/kadirpekel/agentd/internal/apperrors"
)

// MemoryBlock is a labeled, editable text fragment owned by an agent.
type MemoryBlock struct {
	Base
	AgentID string
	Label   string
	Value   string
}

func (db *DB) CreateMemoryBlock(ctx context.Context, b MemoryBlock, actor Actor) (MemoryBlock, error) {
	if b.ID == "" {
		b.ID = NewID("block")
	}
	now := nowUTC()
	b.OrganizationID = actor.OrgID
	b.CreatedAt, b.UpdatedAt = now, now
	b.CreatedBy, b.UpdatedBy = actor.ID, actor.ID

	_, err := db.exec(ctx, `
INSERT INTO memory_blocks (id, organization_id, agent_id, label, value, is_deleted, created_at, updated_at, created_by, updated_by)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.OrganizationID, b.AgentID, b.Label, b.Value, false, b.CreatedAt, b.UpdatedAt, b.CreatedBy, b.UpdatedBy)
	if err != nil {
		return MemoryBlock{}, conflictOrInternal(err, "memory block label "+b.Label)
	}
	return b, nil
}

func (db *DB) ReadMemoryBlock(ctx context.Context, id string, actor Actor) (MemoryBlock, error) {
	row := db.queryRow(ctx, `
SELECT id, organization_id, agent_id, label, value, is_deleted, created_at, updated_at, created_by, updated_by
FROM memory_blocks WHERE id = ? AND organization_id = ? AND is_deleted = false`, id, actor.OrgID)
	return scanMemoryBlock(row)
}

// ReadMemoryBlockByLabel looks up a block by its (agent, label) key, the
// access path the agent loop and the core_memory_* tools actually use.
func (db *DB) ReadMemoryBlockByLabel(ctx context.Context, agentID, label string, actor Actor) (MemoryBlock, error) {
	row := db.queryRow(ctx, `
SELECT id, organization_id, agent_id, label, value, is_deleted, created_at, updated_at, created_by, updated_by
FROM memory_blocks WHERE agent_id = ? AND label = ? AND organization_id = ? AND is_deleted = false`, agentID, label, actor.OrgID)
	return scanMemoryBlock(row)
}

func scanMemoryBlock(row *sql.Row) (MemoryBlock, error) {
	var b MemoryBlock
	err := row.Scan(&b.ID, &b.OrganizationID, &b.AgentID, &b.Label, &b.Value, &b.IsDeleted, &b.CreatedAt, &b.UpdatedAt, &b.CreatedBy, &b.UpdatedBy)
	if err != nil {
		return MemoryBlock{}, wrapSQLError(err, "memory block not found")
	}
	return b, nil
}

// ListMemoryBlocksByAgent returns every block for an agent in label order,
// the composition order used to build the system prompt.
func (db *DB) ListMemoryBlocksByAgent(ctx context.Context, agentID string, actor Actor) ([]MemoryBlock, error) {
	rows, err := db.query(ctx, `
SELECT id, organization_id, agent_id, label, value, is_deleted, created_at, updated_at, created_by, updated_by
FROM memory_blocks WHERE agent_id = ? AND organization_id = ? AND is_deleted = false ORDER BY label ASC`, agentID, actor.OrgID)
	if err != nil {
		return nil, apperrors.Internal(err, "storage: list memory blocks")
	}
	defer rows.Close()

	var out []MemoryBlock
	for rows.Next() {
		var b MemoryBlock
		if err := rows.Scan(&b.ID, &b.OrganizationID, &b.AgentID, &b.Label, &b.Value, &b.IsDeleted, &b.CreatedAt, &b.UpdatedAt, &b.CreatedBy, &b.UpdatedBy); err != nil {
			return nil, apperrors.Internal(err, "storage: scan memory block row")
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateMemoryBlockValue replaces the block's value, used by
// core_memory_replace. Appending is read-modify-write at the caller
// (internal/memory's CoreMemoryAppend) so both tools share this single write path.
func (db *DB) UpdateMemoryBlockValue(ctx context.Context, id, value string, actor Actor) (MemoryBlock, error) {
	res, err := db.exec(ctx, `
UPDATE memory_blocks SET value = ?, updated_at = ?, updated_by = ?
WHERE id = ? AND organization_id = ? AND is_deleted = false`, value, nowUTC(), actor.ID, id, actor.OrgID)
	if err != nil {
		return MemoryBlock{}, apperrors.Internal(err, "storage: update memory block")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return MemoryBlock{}, apperrors.NotFound("memory block %s not found", id)
	}
	return db.ReadMemoryBlock(ctx, id, actor)
}

func (db *DB) HardDeleteMemoryBlock(ctx context.Context, id string, actor Actor) error {
	res, err := db.exec(ctx, `DELETE FROM memory_blocks WHERE id = ? AND organization_id = ?`, id, actor.OrgID)
	if err != nil {
		return apperrors.Internal(err, "storage: delete memory block")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("memory block %s not found", id)
	}
	return nil
}
