package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/raakeshmj/keygate/internal/db"
	"github.com/raakeshmj/keygate/internal/repository"
)

// MemoryRepository keeps keys, role grants and usage entries in process.
// It backs single-instance deployments and tests.
type MemoryRepository struct {
	keys   map[string]*db.APIKey // id -> key
	byHash map[string]string     // keyHash -> id
	roles  map[string]map[string][]string
	usage  []db.UsageEntry
	mu     sync.RWMutex
}

func New() *MemoryRepository {
	return &MemoryRepository{
		keys:   make(map[string]*db.APIKey),
		byHash: make(map[string]string),
		roles:  make(map[string]map[string][]string),
	}
}

// KeyStore implementation
func (r *MemoryRepository) Get(ctx context.Context, id string) (*db.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if k, ok := r.keys[id]; ok {
		return k.Clone(), nil
	}
	return nil, repository.ErrNotFound
}

func (r *MemoryRepository) GetByHash(ctx context.Context, keyHash string) (*db.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byHash[keyHash]; ok {
		return r.keys[id].Clone(), nil
	}
	return nil, repository.ErrNotFound
}

func (r *MemoryRepository) List(ctx context.Context, filter repository.KeyFilter) ([]*db.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var list []*db.APIKey
	for _, k := range r.keys {
		if filter.Matches(k) {
			list = append(list, k.Clone())
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

func (r *MemoryRepository) Create(ctx context.Context, key *db.APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key.ID]; ok {
		return repository.ErrConflict
	}
	if _, ok := r.byHash[key.KeyHash]; ok && key.KeyHash != "" {
		return repository.ErrConflict
	}
	r.keys[key.ID] = key.Clone()
	if key.KeyHash != "" {
		r.byHash[key.KeyHash] = key.ID
	}
	return nil
}

func (r *MemoryRepository) Update(ctx context.Context, key *db.APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.keys[key.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if old.Revision != key.Revision || old.Status == db.StatusRevoked {
		return repository.ErrStale
	}
	if old.KeyHash != key.KeyHash {
		if owner, taken := r.byHash[key.KeyHash]; taken && owner != key.ID {
			return repository.ErrConflict
		}
		delete(r.byHash, old.KeyHash)
		if key.KeyHash != "" {
			r.byHash[key.KeyHash] = key.ID
		}
	}
	key.Revision++
	stored := key.Clone()
	stored.UsageCount = old.UsageCount
	stored.LastUsedAt = old.LastUsedAt
	r.keys[key.ID] = stored
	return nil
}

func (r *MemoryRepository) IncrementUsage(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	if !ok {
		return repository.ErrNotFound
	}
	k.UsageCount++
	k.LastUsedAt = &at
	return nil
}

// RoleProvider implementation
func (r *MemoryRepository) GetUserRoles(ctx context.Context, userID, tenantID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.roles[tenantID][userID]), nil
}

// GrantRoles adds roles to a user inside a tenant.
func (r *MemoryRepository) GrantRoles(ctx context.Context, userID, tenantID string, roles ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byUser, ok := r.roles[tenantID]
	if !ok {
		byUser = make(map[string][]string)
		r.roles[tenantID] = byUser
	}
	for _, role := range roles {
		if !slices.Contains(byUser[userID], role) {
			byUser[userID] = append(byUser[userID], role)
		}
	}
	return nil
}

// RevokeRole removes a single grant.
func (r *MemoryRepository) RevokeRole(ctx context.Context, userID, tenantID, role string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byUser := r.roles[tenantID]
	if byUser == nil {
		return nil
	}
	byUser[userID] = slices.DeleteFunc(byUser[userID], func(g string) bool { return g == role })
	return nil
}

// UsageSink implementation
func (r *MemoryRepository) Record(ctx context.Context, entry db.UsageEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage = append(r.usage, entry)
	return nil
}

// Usage returns the recorded usage entries for a key, oldest first.
func (r *MemoryRepository) Usage(keyID string) []db.UsageEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []db.UsageEntry
	for _, e := range r.usage {
		if e.KeyID == keyID {
			out = append(out, e)
		}
	}
	return out
}

// ListUsage returns up to limit entries for a key, newest first.
func (r *MemoryRepository) ListUsage(ctx context.Context, keyID string, limit int) ([]db.UsageEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	entries := r.Usage(keyID)
	slices.Reverse(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Interface check
var _ repository.KeyStore = (*MemoryRepository)(nil)
var _ repository.RoleProvider = (*MemoryRepository)(nil)
var _ repository.UsageSink = (*MemoryRepository)(nil)
var _ repository.RoleStore = (*MemoryRepository)(nil)
var _ repository.UsageReader = (*MemoryRepository)(nil)
