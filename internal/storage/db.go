// Package storage implements the typed row-level CRUD adapter: organization
// scoped access control, soft delete, bulk insert, and cursor pagination
// over a PostgreSQL/MySQL/SQLite-compatible database/sql connection.
//
// Grounded on the teacher's pkg/memory.SQLSessionService: one *sql.DB, a
// dialect string threaded through every query, and driver-specific schema
// DDL chosen at initSchema time. Where the teacher special-cases Postgres
// vs everything-else for placeholders, this package centralizes that in
// rebind so individual entity files read like plain `?`-parameterized SQL.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/kadirpekel/agentd/internal/apperrors"
	"github.com/kadirpekel/agentd/internal/config"
)

// Dialect identifies the SQL dialect in use.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// DB wraps a *sql.DB with the dialect needed to rebind placeholders and pick
// dialect-specific DDL.
type DB struct {
	Conn    *sql.DB
	Dialect Dialect
}

// Open connects to the configured relational store. When cfg.PGURI is
// empty, it falls back to an embedded, pure-Go SQLite file database,
// agentd.db in the process's working directory, so the process runs with zero external dependencies,
// mirroring the teacher's chromem-go fallback when no vector service is
// configured.
func Open(ctx context.Context, cfg *config.Config) (*DB, error) {
	var driverName, dsn string
	var dialect Dialect

	switch {
	case strings.HasPrefix(cfg.PGURI, "postgres://") || strings.HasPrefix(cfg.PGURI, "postgresql://"):
		driverName, dialect, dsn = "postgres", DialectPostgres, cfg.PGURI
	case strings.HasPrefix(cfg.PGURI, "mysql://"):
		driverName, dialect, dsn = "mysql", DialectMySQL, strings.TrimPrefix(cfg.PGURI, "mysql://")
	case cfg.PGURI != "":
		return nil, fmt.Errorf("storage: unrecognized PG_URI scheme in %q", cfg.PGURI)
	default:
		driverName, dialect, dsn = "sqlite", DialectSQLite, "file:agentd.db?cache=shared&_pragma=foreign_keys(1)"
	}

	return open(ctx, cfg, driverName, dialect, dsn)
}

// openMemoryForTest opens a private, uniquely named in-memory SQLite
// database -- used only by this package's tests so each test gets an
// isolated schema instead of sharing the on-disk fallback file Open uses
// in production.
func openMemoryForTest(ctx context.Context, cfg *config.Config, name string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", name)
	return open(ctx, cfg, "sqlite", DialectSQLite, dsn)
}

// OpenMemoryForTest is openMemoryForTest exported for other packages'
// tests (internal/passage, internal/job, ...) that need an isolated
// in-memory storage instance without standing up the embedded file DB.
func OpenMemoryForTest(ctx context.Context, cfg *config.Config, name string) (*DB, error) {
	return openMemoryForTest(ctx, cfg, name)
}

func open(ctx context.Context, cfg *config.Config, driverName string, dialect Dialect, dsn string) (*DB, error) {
	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driverName, err)
	}

	conn.SetMaxOpenConns(cfg.DBPoolSize + cfg.DBMaxOverflow)
	conn.SetMaxIdleConns(cfg.DBPoolSize)
	conn.SetConnMaxLifetime(cfg.DBPoolRecycle)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DBPoolTimeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", driverName, err)
	}

	db := &DB{Conn: conn, Dialect: dialect}
	if err := db.initSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: init schema: %w", err)
	}
	return db, nil
}

// Close releases the underlying connection pool.
func (db *DB) Close() error {
	return db.Conn.Close()
}

// rebind rewrites `?` placeholders into the dialect's native placeholder
// syntax. SQLite and MySQL both accept `?`; Postgres requires `$1, $2, ...`.
func (db *DB) rebind(query string) string {
	if db.Dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.Conn.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.Conn.QueryContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.Conn.QueryRowContext(ctx, db.rebind(query), args...)
}

// autoIncrementPK returns the dialect-specific surrogate primary key clause
// used by append-only tables (messages, steps) that need a monotonic
// sequence in addition to their string id.
func (db *DB) autoIncrementPK() string {
	switch db.Dialect {
	case DialectPostgres:
		return "BIGSERIAL PRIMARY KEY"
	case DialectMySQL:
		return "BIGINT PRIMARY KEY AUTO_INCREMENT"
	default:
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
}

func (db *DB) jsonType() string {
	if db.Dialect == DialectPostgres {
		return "JSONB"
	}
	return "TEXT"
}

func (db *DB) timestampType() string {
	if db.Dialect == DialectMySQL {
		return "DATETIME(6)"
	}
	return "TIMESTAMP"
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS agents (
	id VARCHAR(255) PRIMARY KEY,
	organization_id VARCHAR(255) NOT NULL,
	name VARCHAR(255),
	memory_block_order TEXT,
	llm_config %[1]s,
	embedding_config %[1]s,
	tool_ids %[1]s,
	source_ids %[1]s,
	top_k INTEGER NOT NULL DEFAULT 3,
	is_deleted BOOLEAN NOT NULL DEFAULT false,
	created_at %[2]s NOT NULL,
	updated_at %[2]s NOT NULL,
	created_by VARCHAR(255),
	updated_by VARCHAR(255)
);
CREATE INDEX IF NOT EXISTS idx_agents_org ON agents(organization_id, is_deleted);

CREATE TABLE IF NOT EXISTS memory_blocks (
	id VARCHAR(255) PRIMARY KEY,
	organization_id VARCHAR(255) NOT NULL,
	agent_id VARCHAR(255) NOT NULL,
	label VARCHAR(255) NOT NULL,
	value TEXT NOT NULL,
	is_deleted BOOLEAN NOT NULL DEFAULT false,
	created_at %[2]s NOT NULL,
	updated_at %[2]s NOT NULL,
	created_by VARCHAR(255),
	updated_by VARCHAR(255)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_memory_blocks_agent_label ON memory_blocks(agent_id, label);

CREATE TABLE IF NOT EXISTS messages (
	seq %[3]s,
	id VARCHAR(255) NOT NULL,
	organization_id VARCHAR(255) NOT NULL,
	agent_id VARCHAR(255) NOT NULL,
	step_id VARCHAR(255),
	role VARCHAR(50) NOT NULL,
	content TEXT NOT NULL,
	tool_calls %[1]s,
	tool_call_id VARCHAR(255),
	is_deleted BOOLEAN NOT NULL DEFAULT false,
	created_at %[2]s NOT NULL,
	updated_at %[2]s NOT NULL,
	created_by VARCHAR(255),
	updated_by VARCHAR(255)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_id ON messages(id);
CREATE INDEX IF NOT EXISTS idx_messages_agent ON messages(agent_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_messages_seq ON messages(agent_id, seq);

CREATE TABLE IF NOT EXISTS sources (
	id VARCHAR(255) PRIMARY KEY,
	organization_id VARCHAR(255) NOT NULL,
	name VARCHAR(255) NOT NULL,
	embedding_config %[1]s,
	is_deleted BOOLEAN NOT NULL DEFAULT false,
	created_at %[2]s NOT NULL,
	updated_at %[2]s NOT NULL,
	created_by VARCHAR(255),
	updated_by VARCHAR(255)
);

CREATE TABLE IF NOT EXISTS sources_agents (
	source_id VARCHAR(255) NOT NULL,
	agent_id VARCHAR(255) NOT NULL,
	PRIMARY KEY (source_id, agent_id)
);

CREATE TABLE IF NOT EXISTS files (
	id VARCHAR(255) PRIMARY KEY,
	organization_id VARCHAR(255) NOT NULL,
	source_id VARCHAR(255) NOT NULL,
	name VARCHAR(512) NOT NULL,
	is_deleted BOOLEAN NOT NULL DEFAULT false,
	created_at %[2]s NOT NULL,
	updated_at %[2]s NOT NULL,
	created_by VARCHAR(255),
	updated_by VARCHAR(255)
);
CREATE INDEX IF NOT EXISTS idx_files_source ON files(source_id);

CREATE TABLE IF NOT EXISTS passages_agent (
	id VARCHAR(255) PRIMARY KEY,
	organization_id VARCHAR(255) NOT NULL,
	agent_id VARCHAR(255) NOT NULL,
	text TEXT NOT NULL,
	embedding %[1]s NOT NULL,
	embedding_dim INTEGER NOT NULL,
	embedding_config %[1]s,
	is_deleted BOOLEAN NOT NULL DEFAULT false,
	created_at %[2]s NOT NULL,
	updated_at %[2]s NOT NULL,
	created_by VARCHAR(255),
	updated_by VARCHAR(255)
);
CREATE INDEX IF NOT EXISTS idx_passages_agent_agent ON passages_agent(agent_id, is_deleted);

CREATE TABLE IF NOT EXISTS passages_source (
	id VARCHAR(255) PRIMARY KEY,
	organization_id VARCHAR(255) NOT NULL,
	source_id VARCHAR(255) NOT NULL,
	file_id VARCHAR(255) NOT NULL,
	file_name VARCHAR(512),
	text TEXT NOT NULL,
	embedding %[1]s NOT NULL,
	embedding_dim INTEGER NOT NULL,
	embedding_config %[1]s,
	is_deleted BOOLEAN NOT NULL DEFAULT false,
	created_at %[2]s NOT NULL,
	updated_at %[2]s NOT NULL,
	created_by VARCHAR(255),
	updated_by VARCHAR(255)
);
CREATE INDEX IF NOT EXISTS idx_passages_source_source ON passages_source(source_id, is_deleted);
CREATE INDEX IF NOT EXISTS idx_passages_source_file ON passages_source(file_id);

CREATE TABLE IF NOT EXISTS jobs (
	id VARCHAR(255) PRIMARY KEY,
	organization_id VARCHAR(255) NOT NULL,
	user_id VARCHAR(255),
	type VARCHAR(50) NOT NULL,
	status VARCHAR(50) NOT NULL,
	metadata %[1]s,
	request_config %[1]s,
	callback_url TEXT,
	completed_at %[2]s,
	callback_sent_at %[2]s,
	callback_status_code INTEGER,
	callback_error TEXT,
	is_deleted BOOLEAN NOT NULL DEFAULT false,
	created_at %[2]s NOT NULL,
	updated_at %[2]s NOT NULL,
	created_by VARCHAR(255),
	updated_by VARCHAR(255)
);
CREATE INDEX IF NOT EXISTS idx_jobs_org ON jobs(organization_id, status, type);

CREATE TABLE IF NOT EXISTS job_messages (
	job_id VARCHAR(255) NOT NULL,
	message_id VARCHAR(255) NOT NULL UNIQUE
);
CREATE INDEX IF NOT EXISTS idx_job_messages_job ON job_messages(job_id);

CREATE TABLE IF NOT EXISTS steps (
	seq %[3]s,
	id VARCHAR(255) NOT NULL,
	job_id VARCHAR(255) NOT NULL,
	request_config %[1]s,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	created_at %[2]s NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_steps_job ON steps(job_id);
`

func (db *DB) initSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(schemaDDL, db.jsonType(), db.timestampType(), db.autoIncrementPK())
	for _, stmt := range splitStatements(ddl) {
		if stmt == "" {
			continue
		}
		if _, err := db.Conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func splitStatements(ddl string) []string {
	var out []string
	for _, stmt := range strings.Split(ddl, ";\n") {
		out = append(out, strings.TrimSpace(stmt))
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// wrapSQLError turns a database/sql error into the apperrors taxonomy,
// distinguishing "no rows" from everything else (which is Internal).
func wrapSQLError(err error, notFoundMsg string) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return apperrors.NotFound("%s", notFoundMsg)
	}
	return apperrors.Internal(err, "storage: query failed")
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// cursorBounds looks up the (created_at, id) of a cursor row in table and
// returns the extra WHERE clause (using `?` placeholders, rebound by the
// caller's eventual db.query/db.exec) plus its args, implementing the
// "strictly after/before in (created_at, id) order" cursor semantics
// shared by every List operation.
func (db *DB) cursorBounds(ctx context.Context, table, orgCol, orgID string, page Page) (string, []any, error) {
	return db.cursorBoundsQualified(ctx, table, orgCol, orgID, page, "")
}

// cursorBoundsQualified is cursorBounds with an optional column prefix
// (e.g. "m." when the eventual query joins messages as `m`), so the
// returned WHERE fragment references the right table in a multi-table
// query like GetJobMessages.
func (db *DB) cursorBoundsQualified(ctx context.Context, table, orgCol, orgID string, page Page, colPrefix string) (string, []any, error) {
	cursorID := page.After
	strictlyAfter := true
	if cursorID == "" && page.Before != "" {
		cursorID = page.Before
		strictlyAfter = false
	}
	if cursorID == "" {
		return "", nil, nil
	}

	var createdAt time.Time
	row := db.queryRow(ctx, fmt.Sprintf(
		`SELECT created_at FROM %s WHERE id = ? AND %s = ?`, table, orgCol), cursorID, orgID)
	if err := row.Scan(&createdAt); err != nil {
		if err == sql.ErrNoRows {
			// Cursor row not visible to this actor or already gone: treat as
			// "no further rows" rather than leaking existence via an error.
			return "", nil, errCursorNotFound
		}
		return "", nil, fmt.Errorf("storage: resolve cursor: %w", err)
	}

	createdCol := colPrefix + "created_at"
	idCol := colPrefix + "id"
	if strictlyAfter {
		return fmt.Sprintf(`AND (%s > ? OR (%s = ? AND %s > ?))`, createdCol, createdCol, idCol), []any{createdAt, createdAt, cursorID}, nil
	}
	return fmt.Sprintf(`AND (%s < ? OR (%s = ? AND %s < ?))`, createdCol, createdCol, idCol), []any{createdAt, createdAt, cursorID}, nil
}

var errCursorNotFound = fmt.Errorf("storage: cursor row not found")

// orderClause renders ORDER BY created_at, id in the requested direction.
func orderClause(ascending bool) string {
	return orderClauseQualified(ascending, "")
}

// orderClauseQualified is orderClause with a column prefix for multi-table
// queries.
func orderClauseQualified(ascending bool, colPrefix string) string {
	if ascending {
		return fmt.Sprintf("ORDER BY %screated_at ASC, %sid ASC", colPrefix, colPrefix)
	}
	return fmt.Sprintf("ORDER BY %screated_at DESC, %sid DESC", colPrefix, colPrefix)
}

// messageOrderClauseQualified orders messages by created_at with seq (the
// table's monotonic autoincrement column, db.go's autoIncrementPK) as the
// tie-breaker instead of id: a batch persisted by CreateMessages shares one
// created_at timestamp, and id is a random UUID that carries no ordering
// information, so tie-breaking on id replays a tool-using turn's
// assistant/tool/assistant messages in a random permutation on the next
// loadHistory (agentloop.go's loadHistory). seq reflects insertion order.
func messageOrderClauseQualified(ascending bool, colPrefix string) string {
	if ascending {
		return fmt.Sprintf("ORDER BY %screated_at ASC, %sseq ASC", colPrefix, colPrefix)
	}
	return fmt.Sprintf("ORDER BY %screated_at DESC, %sseq DESC", colPrefix, colPrefix)
}
