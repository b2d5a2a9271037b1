package storage

import (
	"time"

	"github.com/google/uuid"
)

// Actor identifies the caller issuing a storage operation and the
// organization whose rows it may see. Queries on organization-owned tables
// filter on organization_id = Actor.OrgID, and reads also on
// is_deleted = false; the steps and sources_agents lookups by job or agent
// id are not organization-scoped.
type Actor struct {
	ID    string
	OrgID string
}

// AccessLevel is accepted by Read for symmetry with the spec's contract;
// the adapter does not yet implement per-level authorization beyond
// organization scoping, so all three levels currently behave identically.
type AccessLevel int

const (
	AccessRead AccessLevel = iota
	AccessWrite
	AccessDelete
)

// Base holds the fields every entity carries per the data model: a stable
// prefixed id, tenant scope, soft-delete flag, and audit timestamps/actors.
type Base struct {
	ID             string
	OrganizationID string
	IsDeleted      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CreatedBy      string
	UpdatedBy      string
}

// NewID generates a stable "<prefix>-<uuid>" identifier, as used throughout
// the teacher and the rest of the example pack for entity ids.
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Page describes a cursor-paginated request: before/after are opaque ids
// from a prior page; exactly one of them (or neither, for the first page)
// should be set. Ties within the same created_at are broken by id, except in
// message lists, which break them by insertion sequence (seq).
type Page struct {
	Before    string
	After     string
	Limit     int
	Ascending bool
}
