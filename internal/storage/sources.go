package storage

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/kadirpekel/agentd/internal/apperrors"
)

// Source is a named collection of SourcePassages, attachable to zero or
// more agents.
type Source struct {
	Base
	Name            string
	EmbeddingConfig json.RawMessage
}

// File belongs to exactly one source and owns zero or more SourcePassages.
type File struct {
	Base
	SourceID string
	Name     string
}

func (db *DB) CreateSource(ctx context.Context, s Source, actor Actor) (Source, error) {
	if s.ID == "" {
		s.ID = NewID("source")
	}
	now := nowUTC()
	s.OrganizationID = actor.OrgID
	s.CreatedAt, s.UpdatedAt = now, now
	s.CreatedBy, s.UpdatedBy = actor.ID, actor.ID

	_, err := db.exec(ctx, `
INSERT INTO sources (id, organization_id, name, embedding_config, is_deleted, created_at, updated_at, created_by, updated_by)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.OrganizationID, s.Name, nullIfEmpty(s.EmbeddingConfig), false, s.CreatedAt, s.UpdatedAt, s.CreatedBy, s.UpdatedBy)
	if err != nil {
		return Source{}, conflictOrInternal(err, "source")
	}
	return s, nil
}

func (db *DB) ReadSource(ctx context.Context, id string, actor Actor) (Source, error) {
	row := db.queryRow(ctx, `
SELECT id, organization_id, name, embedding_config, is_deleted, created_at, updated_at, created_by, updated_by
FROM sources WHERE id = ? AND organization_id = ? AND is_deleted = false`, id, actor.OrgID)

	var s Source
	var cfg sql.NullString
	if err := row.Scan(&s.ID, &s.OrganizationID, &s.Name, &cfg, &s.IsDeleted, &s.CreatedAt, &s.UpdatedAt, &s.CreatedBy, &s.UpdatedBy); err != nil {
		return Source{}, wrapSQLError(err, "source not found")
	}
	s.EmbeddingConfig = json.RawMessage(cfg.String)
	return s, nil
}

func (db *DB) HardDeleteSource(ctx context.Context, id string, actor Actor) error {
	res, err := db.exec(ctx, `DELETE FROM sources WHERE id = ? AND organization_id = ?`, id, actor.OrgID)
	if err != nil {
		return apperrors.Internal(err, "storage: delete source")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("source %s not found", id)
	}
	return nil
}

// AttachSourceToAgent records the many-to-many source<->agent edge used by
// the agent loop's retrieval step to know which sources to search.
func (db *DB) AttachSourceToAgent(ctx context.Context, sourceID, agentID string) error {
	_, err := db.exec(ctx, `
INSERT INTO sources_agents (source_id, agent_id) VALUES (?, ?)`, sourceID, agentID)
	if err != nil {
		return conflictOrInternal(err, "source-agent attachment")
	}
	return nil
}

func (db *DB) ListSourceIDsForAgent(ctx context.Context, agentID string) ([]string, error) {
	rows, err := db.query(ctx, `SELECT source_id FROM sources_agents WHERE agent_id = ?`, agentID)
	if err != nil {
		return nil, apperrors.Internal(err, "storage: list sources for agent")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Internal(err, "storage: scan source id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (db *DB) CreateFile(ctx context.Context, f File, actor Actor) (File, error) {
	if f.ID == "" {
		f.ID = NewID("file")
	}
	now := nowUTC()
	f.OrganizationID = actor.OrgID
	f.CreatedAt, f.UpdatedAt = now, now
	f.CreatedBy, f.UpdatedBy = actor.ID, actor.ID

	_, err := db.exec(ctx, `
INSERT INTO files (id, organization_id, source_id, name, is_deleted, created_at, updated_at, created_by, updated_by)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.OrganizationID, f.SourceID, f.Name, false, f.CreatedAt, f.UpdatedAt, f.CreatedBy, f.UpdatedBy)
	if err != nil {
		return File{}, conflictOrInternal(err, "file")
	}
	return f, nil
}

func (db *DB) ReadFile(ctx context.Context, id string, actor Actor) (File, error) {
	row := db.queryRow(ctx, `
SELECT id, organization_id, source_id, name, is_deleted, created_at, updated_at, created_by, updated_by
FROM files WHERE id = ? AND organization_id = ? AND is_deleted = false`, id, actor.OrgID)

	var f File
	if err := row.Scan(&f.ID, &f.OrganizationID, &f.SourceID, &f.Name, &f.IsDeleted, &f.CreatedAt, &f.UpdatedAt, &f.CreatedBy, &f.UpdatedBy); err != nil {
		return File{}, wrapSQLError(err, "file not found")
	}
	return f, nil
}
