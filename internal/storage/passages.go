package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kadirpekel/agentd/internal/apperrors"
)

// AgentPassage is a retrievable chunk owned by an agent's archival memory.
// Storage keeps AgentPassage and SourcePassage in separate tables (the
// teacher's session/message split generalized one level further) so the
// disjoint agent_id/source_id invariant (I1) holds by construction instead
// of by a runtime check on a shared table.
type AgentPassage struct {
	Base
	AgentID         string
	Text            string
	Embedding       []float32
	EmbeddingDim    int
	EmbeddingConfig json.RawMessage
}

// SourcePassage is a retrievable chunk produced by ingesting a file into a
// source.
type SourcePassage struct {
	Base
	SourceID        string
	FileID          string
	FileName        string
	Text            string
	Embedding       []float32
	EmbeddingDim    int
	EmbeddingConfig json.RawMessage
}

func encodeEmbedding(e []float32) string {
	b, _ := json.Marshal(e)
	return string(b)
}

func decodeEmbedding(s string) []float32 {
	var e []float32
	_ = json.Unmarshal([]byte(s), &e)
	return e
}

func (db *DB) CreateAgentPassage(ctx context.Context, p AgentPassage, actor Actor) (AgentPassage, error) {
	if p.Text == "" {
		return AgentPassage{}, apperrors.InvalidArgument("storage: passage text must not be empty")
	}
	if len(p.Embedding) != p.EmbeddingDim {
		return AgentPassage{}, apperrors.InvalidArgument("storage: embedding length %d does not match embedding_dim %d", len(p.Embedding), p.EmbeddingDim)
	}
	if p.ID == "" {
		p.ID = NewID("passage")
	}
	now := nowUTC()
	p.OrganizationID = actor.OrgID
	p.CreatedAt, p.UpdatedAt = now, now
	p.CreatedBy, p.UpdatedBy = actor.ID, actor.ID

	_, err := db.exec(ctx, `
INSERT INTO passages_agent (id, organization_id, agent_id, text, embedding, embedding_dim, embedding_config, is_deleted, created_at, updated_at, created_by, updated_by)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrganizationID, p.AgentID, p.Text, encodeEmbedding(p.Embedding), p.EmbeddingDim, nullIfEmpty(p.EmbeddingConfig),
		false, p.CreatedAt, p.UpdatedAt, p.CreatedBy, p.UpdatedBy)
	if err != nil {
		return AgentPassage{}, conflictOrInternal(err, "agent passage")
	}
	return p, nil
}

func (db *DB) CreateSourcePassage(ctx context.Context, p SourcePassage, actor Actor) (SourcePassage, error) {
	if p.Text == "" {
		return SourcePassage{}, apperrors.InvalidArgument("storage: passage text must not be empty")
	}
	if len(p.Embedding) != p.EmbeddingDim {
		return SourcePassage{}, apperrors.InvalidArgument("storage: embedding length %d does not match embedding_dim %d", len(p.Embedding), p.EmbeddingDim)
	}
	if p.ID == "" {
		p.ID = NewID("passage")
	}
	now := nowUTC()
	p.OrganizationID = actor.OrgID
	p.CreatedAt, p.UpdatedAt = now, now
	p.CreatedBy, p.UpdatedBy = actor.ID, actor.ID

	_, err := db.exec(ctx, `
INSERT INTO passages_source (id, organization_id, source_id, file_id, file_name, text, embedding, embedding_dim, embedding_config, is_deleted, created_at, updated_at, created_by, updated_by)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrganizationID, p.SourceID, p.FileID, p.FileName, p.Text, encodeEmbedding(p.Embedding), p.EmbeddingDim,
		nullIfEmpty(p.EmbeddingConfig), false, p.CreatedAt, p.UpdatedAt, p.CreatedBy, p.UpdatedBy)
	if err != nil {
		return SourcePassage{}, conflictOrInternal(err, "source passage")
	}
	return p, nil
}

// CreateManySourcePassages batches an ingestion job's chunks into one
// transaction so a partially-ingested file is never visible.
func (db *DB) CreateManySourcePassages(ctx context.Context, passages []SourcePassage, actor Actor) ([]SourcePassage, error) {
	if len(passages) == 0 {
		return nil, nil
	}
	tx, err := db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Internal(err, "storage: begin tx")
	}
	defer tx.Rollback()

	now := nowUTC()
	out := make([]SourcePassage, len(passages))
	for i, p := range passages {
		if p.Text == "" {
			return nil, apperrors.InvalidArgument("storage: passage text must not be empty")
		}
		if len(p.Embedding) != p.EmbeddingDim {
			return nil, apperrors.InvalidArgument("storage: embedding length %d does not match embedding_dim %d", len(p.Embedding), p.EmbeddingDim)
		}
		if p.ID == "" {
			p.ID = NewID("passage")
		}
		p.OrganizationID = actor.OrgID
		p.CreatedAt, p.UpdatedAt = now, now
		p.CreatedBy, p.UpdatedBy = actor.ID, actor.ID

		_, err := tx.ExecContext(ctx, db.rebind(`
INSERT INTO passages_source (id, organization_id, source_id, file_id, file_name, text, embedding, embedding_dim, embedding_config, is_deleted, created_at, updated_at, created_by, updated_by)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			p.ID, p.OrganizationID, p.SourceID, p.FileID, p.FileName, p.Text, encodeEmbedding(p.Embedding), p.EmbeddingDim,
			nullIfEmpty(p.EmbeddingConfig), false, p.CreatedAt, p.UpdatedAt, p.CreatedBy, p.UpdatedBy)
		if err != nil {
			return nil, conflictOrInternal(err, "source passage")
		}
		out[i] = p
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Internal(err, "storage: commit passage batch")
	}
	return out, nil
}

func scanAgentPassage(scan func(dest ...any) error) (AgentPassage, error) {
	var p AgentPassage
	var embedding string
	var embConfig sql.NullString
	err := scan(&p.ID, &p.OrganizationID, &p.AgentID, &p.Text, &embedding, &p.EmbeddingDim, &embConfig,
		&p.IsDeleted, &p.CreatedAt, &p.UpdatedAt, &p.CreatedBy, &p.UpdatedBy)
	if err != nil {
		return AgentPassage{}, wrapSQLError(err, "agent passage not found")
	}
	p.Embedding = decodeEmbedding(embedding)
	p.EmbeddingConfig = json.RawMessage(embConfig.String)
	return p, nil
}

func scanSourcePassage(scan func(dest ...any) error) (SourcePassage, error) {
	var p SourcePassage
	var embedding string
	var embConfig sql.NullString
	err := scan(&p.ID, &p.OrganizationID, &p.SourceID, &p.FileID, &p.FileName, &p.Text, &embedding, &p.EmbeddingDim, &embConfig,
		&p.IsDeleted, &p.CreatedAt, &p.UpdatedAt, &p.CreatedBy, &p.UpdatedBy)
	if err != nil {
		return SourcePassage{}, wrapSQLError(err, "source passage not found")
	}
	p.Embedding = decodeEmbedding(embedding)
	p.EmbeddingConfig = json.RawMessage(embConfig.String)
	return p, nil
}

func (db *DB) ReadAgentPassage(ctx context.Context, id string, actor Actor) (AgentPassage, error) {
	row := db.queryRow(ctx, `
SELECT id, organization_id, agent_id, text, embedding, embedding_dim, embedding_config, is_deleted, created_at, updated_at, created_by, updated_by
FROM passages_agent WHERE id = ? AND organization_id = ? AND is_deleted = false`, id, actor.OrgID)
	return scanAgentPassage(row.Scan)
}

func (db *DB) ReadSourcePassage(ctx context.Context, id string, actor Actor) (SourcePassage, error) {
	row := db.queryRow(ctx, `
SELECT id, organization_id, source_id, file_id, file_name, text, embedding, embedding_dim, embedding_config, is_deleted, created_at, updated_at, created_by, updated_by
FROM passages_source WHERE id = ? AND organization_id = ? AND is_deleted = false`, id, actor.OrgID)
	return scanSourcePassage(row.Scan)
}

// ReadAgentPassagesByIDs re-hydrates the requested passage rows, keyed by
// id; the passage manager re-orders them into vector-store score order after
// a similarity search.
func (db *DB) ReadAgentPassagesByIDs(ctx context.Context, ids []string, actor Actor) (map[string]AgentPassage, error) {
	return readPassagesByIDs(ctx, db, "passages_agent", ids, actor, func(scan func(dest ...any) error) (string, AgentPassage, error) {
		p, err := scanAgentPassage(scan)
		return p.ID, p, err
	})
}

// ReadSourcePassagesByIDs is the SourcePassage counterpart.
func (db *DB) ReadSourcePassagesByIDs(ctx context.Context, ids []string, actor Actor) (map[string]SourcePassage, error) {
	return readPassagesByIDs(ctx, db, "passages_source", ids, actor, func(scan func(dest ...any) error) (string, SourcePassage, error) {
		p, err := scanSourcePassage(scan)
		return p.ID, p, err
	})
}

func readPassagesByIDs[T any](ctx context.Context, db *DB, table string, ids []string, actor Actor, scanFn func(func(dest ...any) error) (string, T, error)) (map[string]T, error) {
	out := make(map[string]T, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, actor.OrgID)

	var cols string
	if table == "passages_agent" {
		cols = "id, organization_id, agent_id, text, embedding, embedding_dim, embedding_config, is_deleted, created_at, updated_at, created_by, updated_by"
	} else {
		cols = "id, organization_id, source_id, file_id, file_name, text, embedding, embedding_dim, embedding_config, is_deleted, created_at, updated_at, created_by, updated_by"
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id IN (%s) AND organization_id = ? AND is_deleted = false`,
		cols, table, joinPlaceholders(placeholders))

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal(err, "storage: read passages by id")
	}
	defer rows.Close()

	for rows.Next() {
		id, val, err := scanFn(rows.Scan)
		if err != nil {
			return nil, err
		}
		out[id] = val
	}
	return out, rows.Err()
}

func joinPlaceholders(p []string) string {
	out := ""
	for i, s := range p {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

// ListSourcePassagesByFile returns every passage produced from one file,
// ordered by created_at, then id; rows written in one batch share a
// created_at, so their relative order follows id, not insertion order.
func (db *DB) ListSourcePassagesByFile(ctx context.Context, fileID string, actor Actor) ([]SourcePassage, error) {
	rows, err := db.query(ctx, `
SELECT id, organization_id, source_id, file_id, file_name, text, embedding, embedding_dim, embedding_config, is_deleted, created_at, updated_at, created_by, updated_by
FROM passages_source WHERE file_id = ? AND organization_id = ? AND is_deleted = false ORDER BY created_at ASC, id ASC`, fileID, actor.OrgID)
	if err != nil {
		return nil, apperrors.Internal(err, "storage: list passages by file")
	}
	defer rows.Close()

	var out []SourcePassage
	for rows.Next() {
		p, err := scanSourcePassage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (db *DB) HardDeleteAgentPassage(ctx context.Context, id string, actor Actor) error {
	res, err := db.exec(ctx, `DELETE FROM passages_agent WHERE id = ? AND organization_id = ?`, id, actor.OrgID)
	if err != nil {
		return apperrors.Internal(err, "storage: delete agent passage")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("agent passage %s not found", id)
	}
	return nil
}

func (db *DB) HardDeleteSourcePassage(ctx context.Context, id string, actor Actor) error {
	res, err := db.exec(ctx, `DELETE FROM passages_source WHERE id = ? AND organization_id = ?`, id, actor.OrgID)
	if err != nil {
		return apperrors.Internal(err, "storage: delete source passage")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("source passage %s not found", id)
	}
	return nil
}

// UpdateAgentPassage applies a partial update: empty Text/nil Embedding
// leave the stored value unchanged, matching UpdateAgentPassageById's
// "partial update" semantics (§4.3).
func (db *DB) UpdateAgentPassage(ctx context.Context, id string, actor Actor, text string, embedding []float32, embeddingDim int) (AgentPassage, error) {
	existing, err := db.ReadAgentPassage(ctx, id, actor)
	if err != nil {
		return AgentPassage{}, err
	}
	if text != "" {
		existing.Text = text
	}
	if embedding != nil {
		if len(embedding) != embeddingDim {
			return AgentPassage{}, apperrors.InvalidArgument("storage: embedding length %d does not match embedding_dim %d", len(embedding), embeddingDim)
		}
		existing.Embedding = embedding
		existing.EmbeddingDim = embeddingDim
	}
	existing.UpdatedAt = nowUTC()
	existing.UpdatedBy = actor.ID

	_, err = db.exec(ctx, `
UPDATE passages_agent SET text = ?, embedding = ?, embedding_dim = ?, updated_at = ?, updated_by = ?
WHERE id = ? AND organization_id = ?`,
		existing.Text, encodeEmbedding(existing.Embedding), existing.EmbeddingDim, existing.UpdatedAt, existing.UpdatedBy, id, actor.OrgID)
	if err != nil {
		return AgentPassage{}, apperrors.Internal(err, "storage: update agent passage")
	}
	return existing, nil
}

// UpdateSourcePassage is the SourcePassage counterpart of UpdateAgentPassage.
func (db *DB) UpdateSourcePassage(ctx context.Context, id string, actor Actor, text string, embedding []float32, embeddingDim int) (SourcePassage, error) {
	existing, err := db.ReadSourcePassage(ctx, id, actor)
	if err != nil {
		return SourcePassage{}, err
	}
	if text != "" {
		existing.Text = text
	}
	if embedding != nil {
		if len(embedding) != embeddingDim {
			return SourcePassage{}, apperrors.InvalidArgument("storage: embedding length %d does not match embedding_dim %d", len(embedding), embeddingDim)
		}
		existing.Embedding = embedding
		existing.EmbeddingDim = embeddingDim
	}
	existing.UpdatedAt = nowUTC()
	existing.UpdatedBy = actor.ID

	_, err = db.exec(ctx, `
UPDATE passages_source SET text = ?, embedding = ?, embedding_dim = ?, updated_at = ?, updated_by = ?
WHERE id = ? AND organization_id = ?`,
		existing.Text, encodeEmbedding(existing.Embedding), existing.EmbeddingDim, existing.UpdatedAt, existing.UpdatedBy, id, actor.OrgID)
	if err != nil {
		return SourcePassage{}, apperrors.Internal(err, "storage: update source passage")
	}
	return existing, nil
}

// AgentPassageSize counts an agent's passages; agentID empty counts across
// the whole organization.
func (db *DB) AgentPassageSize(ctx context.Context, agentID string, actor Actor) (int, error) {
	var n int
	var err error
	if agentID == "" {
		err = db.queryRow(ctx, `SELECT COUNT(*) FROM passages_agent WHERE organization_id = ? AND is_deleted = false`, actor.OrgID).Scan(&n)
	} else {
		err = db.queryRow(ctx, `SELECT COUNT(*) FROM passages_agent WHERE agent_id = ? AND organization_id = ? AND is_deleted = false`, agentID, actor.OrgID).Scan(&n)
	}
	if err != nil {
		return 0, apperrors.Internal(err, "storage: count agent passages")
	}
	return n, nil
}

// SourcePassageSize counts a source's passages; sourceID empty counts
// across the whole organization.
func (db *DB) SourcePassageSize(ctx context.Context, sourceID string, actor Actor) (int, error) {
	var n int
	var err error
	if sourceID == "" {
		err = db.queryRow(ctx, `SELECT COUNT(*) FROM passages_source WHERE organization_id = ? AND is_deleted = false`, actor.OrgID).Scan(&n)
	} else {
		err = db.queryRow(ctx, `SELECT COUNT(*) FROM passages_source WHERE source_id = ? AND organization_id = ? AND is_deleted = false`, sourceID, actor.OrgID).Scan(&n)
	}
	if err != nil {
		return 0, apperrors.Internal(err, "storage: count source passages")
	}
	return n, nil
}
