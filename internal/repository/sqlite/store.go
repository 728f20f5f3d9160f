package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/raakeshmj/keygate/internal/db"
	"github.com/raakeshmj/keygate/internal/repository"
)

// Store persists key records, tenant role grants and the usage log in SQLite.
type Store struct {
	db *sqlx.DB
}

// NewStore opens the database at path. Pass empty string for in-memory.
func NewStore(path string) (*Store, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	conn, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open key database: %w", err)
	}

	conn.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	s := &Store{db: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate key database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// keyRow maps 1:1 to the api_keys table. List columns are stored as JSON.
type keyRow struct {
	ID               string     `db:"id"`
	Name             string     `db:"name"`
	Provider         string     `db:"provider"`
	ProjectID        string     `db:"project_id"`
	TenantID         string     `db:"tenant_id"`
	OwnerID          string     `db:"owner_id"`
	Status           string     `db:"status"`
	ScopesJSON       string     `db:"scopes_json"`
	AllowedRolesJSON string     `db:"allowed_roles_json"`
	ModelAccessJSON  string     `db:"model_access_json"`
	IPWhitelistJSON  string     `db:"ip_whitelist_json"`
	RateLimitsJSON   string     `db:"rate_limits_json"`
	TagsJSON         string     `db:"tags_json"`
	ExpiresAt        *time.Time `db:"expires_at"`
	LastUsedAt       *time.Time `db:"last_used_at"`
	UsageCount       int64      `db:"usage_count"`
	Version          int        `db:"version"`
	Revision         int64      `db:"revision"`
	KeyHash          string     `db:"key_hash"`
	KeyPrefix        string     `db:"key_prefix"`
	MaskedKey        string     `db:"masked_key"`
	SealedSecret     []byte     `db:"sealed_secret"`
	Description      string     `db:"description"`
	CreatedAt        time.Time  `db:"created_at"`
	CreatedBy        string     `db:"created_by"`
	UpdatedAt        time.Time  `db:"updated_at"`
	UpdatedBy        string     `db:"updated_by"`
}

func keyRowFromModel(k *db.APIKey) (keyRow, error) {
	row := keyRow{
		ID:           k.ID,
		Name:         k.Name,
		Provider:     string(k.Provider),
		ProjectID:    k.ProjectID,
		TenantID:     k.TenantID,
		OwnerID:      k.OwnerID,
		Status:       string(k.Status),
		ExpiresAt:    utcPtr(k.ExpiresAt),
		LastUsedAt:   utcPtr(k.LastUsedAt),
		UsageCount:   k.UsageCount,
		Version:      k.Version,
		Revision:     k.Revision,
		KeyHash:      k.KeyHash,
		KeyPrefix:    k.KeyPrefix,
		MaskedKey:    k.MaskedKey,
		SealedSecret: k.SealedSecret,
		Description:  k.Description,
		CreatedAt:    k.CreatedAt.UTC(),
		CreatedBy:    k.CreatedBy,
		UpdatedAt:    k.UpdatedAt.UTC(),
		UpdatedBy:    k.UpdatedBy,
	}

	var err error
	if row.ScopesJSON, err = encodeJSON(k.Scopes); err != nil {
		return row, err
	}
	if row.AllowedRolesJSON, err = encodeJSON(k.AllowedRoles); err != nil {
		return row, err
	}
	if row.ModelAccessJSON, err = encodeJSON(k.ModelAccess); err != nil {
		return row, err
	}
	if row.IPWhitelistJSON, err = encodeJSON(k.IPWhitelist); err != nil {
		return row, err
	}
	if row.TagsJSON, err = encodeJSON(k.Tags); err != nil {
		return row, err
	}
	if k.RateLimits != nil {
		if row.RateLimitsJSON, err = encodeJSON(k.RateLimits); err != nil {
			return row, err
		}
	}
	return row, nil
}

func (r keyRow) toModel() (*db.APIKey, error) {
	k := &db.APIKey{
		ID:           r.ID,
		Name:         r.Name,
		Provider:     db.Provider(r.Provider),
		ProjectID:    r.ProjectID,
		TenantID:     r.TenantID,
		OwnerID:      r.OwnerID,
		Status:       db.Status(r.Status),
		ExpiresAt:    r.ExpiresAt,
		LastUsedAt:   r.LastUsedAt,
		UsageCount:   r.UsageCount,
		Version:      r.Version,
		Revision:     r.Revision,
		KeyHash:      r.KeyHash,
		KeyPrefix:    r.KeyPrefix,
		MaskedKey:    r.MaskedKey,
		SealedSecret: r.SealedSecret,
		Description:  r.Description,
		CreatedAt:    r.CreatedAt,
		CreatedBy:    r.CreatedBy,
		UpdatedAt:    r.UpdatedAt,
		UpdatedBy:    r.UpdatedBy,
	}

	for _, col := range []struct {
		raw string
		dst any
	}{
		{r.ScopesJSON, &k.Scopes},
		{r.AllowedRolesJSON, &k.AllowedRoles},
		{r.ModelAccessJSON, &k.ModelAccess},
		{r.IPWhitelistJSON, &k.IPWhitelist},
		{r.TagsJSON, &k.Tags},
	} {
		if err := decodeJSON(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("decode key %s: %w", r.ID, err)
		}
	}
	if r.RateLimitsJSON != "" {
		k.RateLimits = &db.RateLimits{}
		if err := decodeJSON(r.RateLimitsJSON, k.RateLimits); err != nil {
			return nil, fmt.Errorf("decode key %s rate limits: %w", r.ID, err)
		}
	}
	return k, nil
}

// ---------------------------------------------------------------------------
// KeyStore
// ---------------------------------------------------------------------------

func (s *Store) Get(ctx context.Context, id string) (*db.APIKey, error) {
	return s.getOne(ctx, "SELECT * FROM api_keys WHERE id = ?", id)
}

func (s *Store) GetByHash(ctx context.Context, keyHash string) (*db.APIKey, error) {
	return s.getOne(ctx, "SELECT * FROM api_keys WHERE key_hash = ?", keyHash)
}

func (s *Store) getOne(ctx context.Context, q string, arg string) (*db.APIKey, error) {
	var row keyRow
	if err := s.db.GetContext(ctx, &row, q, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return row.toModel()
}

func (s *Store) List(ctx context.Context, filter repository.KeyFilter) ([]*db.APIKey, error) {
	var (
		where []string
		args  []any
	)
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	q := "SELECT * FROM api_keys"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"

	var rows []keyRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	keys := make([]*db.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *Store) Create(ctx context.Context, key *db.APIKey) error {
	row, err := keyRowFromModel(key)
	if err != nil {
		return fmt.Errorf("encode api key: %w", err)
	}

	const q = `INSERT INTO api_keys
		(id, name, provider, project_id, tenant_id, owner_id, status,
		 scopes_json, allowed_roles_json, model_access_json, ip_whitelist_json,
		 rate_limits_json, tags_json, expires_at, last_used_at, usage_count, version, revision,
		 key_hash, key_prefix, masked_key, sealed_secret, description,
		 created_at, created_by, updated_at, updated_by)
		VALUES
		(:id, :name, :provider, :project_id, :tenant_id, :owner_id, :status,
		 :scopes_json, :allowed_roles_json, :model_access_json, :ip_whitelist_json,
		 :rate_limits_json, :tags_json, :expires_at, :last_used_at, :usage_count, :version, :revision,
		 :key_hash, :key_prefix, :masked_key, :sealed_secret, :description,
		 :created_at, :created_by, :updated_at, :updated_by)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, key *db.APIKey) error {
	row, err := keyRowFromModel(key)
	if err != nil {
		return fmt.Errorf("encode api key: %w", err)
	}

	const q = `UPDATE api_keys SET
		name = :name, provider = :provider, project_id = :project_id,
		tenant_id = :tenant_id, owner_id = :owner_id, status = :status,
		scopes_json = :scopes_json, allowed_roles_json = :allowed_roles_json,
		model_access_json = :model_access_json, ip_whitelist_json = :ip_whitelist_json,
		rate_limits_json = :rate_limits_json, tags_json = :tags_json,
		expires_at = :expires_at, version = :version,
		key_hash = :key_hash, key_prefix = :key_prefix, masked_key = :masked_key,
		sealed_secret = :sealed_secret, description = :description,
		updated_at = :updated_at, updated_by = :updated_by,
		revision = revision + 1
		WHERE id = :id AND revision = :revision AND status != 'revoked'`

	result, err := s.db.NamedExecContext(ctx, q, row)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("update api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update api key rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		if err := s.db.GetContext(ctx, &exists, "SELECT COUNT(*) FROM api_keys WHERE id = ?", key.ID); err != nil {
			return fmt.Errorf("update api key: %w", err)
		}
		if exists == 0 {
			return repository.ErrNotFound
		}
		return repository.ErrStale
	}
	key.Revision++
	return nil
}

// IncrementUsage bumps the usage counter in a single statement so concurrent
// validations never lose an increment.
func (s *Store) IncrementUsage(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?",
		at.UTC(), id)
	if err != nil {
		return fmt.Errorf("increment api key usage: %w", err)
	}
	return expectOneRow(result, "increment api key usage")
}

// ---------------------------------------------------------------------------
// RoleProvider
// ---------------------------------------------------------------------------

func (s *Store) GetUserRoles(ctx context.Context, userID, tenantID string) ([]string, error) {
	var roles []string
	if err := s.db.SelectContext(ctx, &roles,
		"SELECT role FROM user_roles WHERE user_id = ? AND tenant_id = ? ORDER BY role",
		userID, tenantID); err != nil {
		return nil, fmt.Errorf("get user roles: %w", err)
	}
	return roles, nil
}

// GrantRoles adds roles to a user inside a tenant. Existing grants are kept.
func (s *Store) GrantRoles(ctx context.Context, userID, tenantID string, roles ...string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin grant roles: %w", err)
	}
	defer tx.Rollback()

	for _, role := range roles {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO user_roles (tenant_id, user_id, role) VALUES (?, ?, ?)",
			tenantID, userID, role); err != nil {
			return fmt.Errorf("grant role %s: %w", role, err)
		}
	}
	return tx.Commit()
}

// RevokeRole removes a single grant.
func (s *Store) RevokeRole(ctx context.Context, userID, tenantID, role string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM user_roles WHERE tenant_id = ? AND user_id = ? AND role = ?",
		tenantID, userID, role)
	if err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// UsageSink
// ---------------------------------------------------------------------------

func (s *Store) Record(ctx context.Context, entry db.UsageEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()

	const q = `INSERT INTO api_key_usage_logs
		(id, key_id, user_id, endpoint, method, model, estimated_tokens,
		 client_ip, user_agent, session_id, success, reason, created_at)
		VALUES
		(:id, :key_id, :user_id, :endpoint, :method, :model, :estimated_tokens,
		 :client_ip, :user_agent, :session_id, :success, :reason, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, q, entry); err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}

// ListUsage returns the most recent usage entries for a key, newest first.
func (s *Store) ListUsage(ctx context.Context, keyID string, limit int) ([]db.UsageEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []db.UsageEntry
	if err := s.db.SelectContext(ctx, &entries,
		"SELECT * FROM api_key_usage_logs WHERE key_id = ? ORDER BY created_at DESC LIMIT ?",
		keyID, limit); err != nil {
		return nil, fmt.Errorf("list usage logs: %w", err)
	}
	return entries, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(raw string, dst any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func expectOneRow(result sql.Result, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var (
	_ repository.KeyStore     = (*Store)(nil)
	_ repository.RoleProvider = (*Store)(nil)
	_ repository.UsageSink    = (*Store)(nil)
	_ repository.RoleStore    = (*Store)(nil)
	_ repository.UsageReader  = (*Store)(nil)
)
