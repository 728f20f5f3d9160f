package repository

import (
	"context"
	"errors"
	"time"

	"github.com/raakeshmj/keygate/internal/db"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a record with the same id or hash exists.
	ErrConflict = errors.New("conflict")
	// ErrStale is returned by Update when the stored record changed since it
	// was read, or has been revoked.
	ErrStale = errors.New("stale record")
)

// KeyFilter narrows List results. Zero fields match everything.
type KeyFilter struct {
	OwnerID   string
	TenantID  string
	ProjectID string
	Status    db.Status
}

func (f KeyFilter) Matches(k *db.APIKey) bool {
	return (f.OwnerID == "" || k.OwnerID == f.OwnerID) &&
		(f.TenantID == "" || k.TenantID == f.TenantID) &&
		(f.ProjectID == "" || k.ProjectID == f.ProjectID) &&
		(f.Status == "" || k.Status == f.Status)
}

// KeyStore persists key records. Implementations return copies; mutating a
// returned record does not change stored state until Update is called.
//
// Update is a compare-and-swap on Revision: it succeeds only while the stored
// record still has key.Revision and is not revoked, then advances both. It
// never touches UsageCount or LastUsedAt, which only IncrementUsage moves.
type KeyStore interface {
	Get(ctx context.Context, id string) (*db.APIKey, error)
	GetByHash(ctx context.Context, keyHash string) (*db.APIKey, error)
	List(ctx context.Context, filter KeyFilter) ([]*db.APIKey, error)
	Create(ctx context.Context, key *db.APIKey) error
	Update(ctx context.Context, key *db.APIKey) error
	IncrementUsage(ctx context.Context, id string, at time.Time) error
}

// RoleProvider resolves the roles a user holds inside a tenant.
type RoleProvider interface {
	GetUserRoles(ctx context.Context, userID, tenantID string) ([]string, error)
}

// UsageSink receives one entry per validation attempt.
type UsageSink interface {
	Record(ctx context.Context, entry db.UsageEntry) error
}

// RoleStore manages tenant role grants.
type RoleStore interface {
	RoleProvider
	GrantRoles(ctx context.Context, userID, tenantID string, roles ...string) error
	RevokeRole(ctx context.Context, userID, tenantID, role string) error
}

// UsageReader reads back recorded usage, newest first.
type UsageReader interface {
	ListUsage(ctx context.Context, keyID string, limit int) ([]db.UsageEntry, error)
}
