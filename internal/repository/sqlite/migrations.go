package sqlite

import (
	"fmt"
	"strings"
)

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			tenant_id TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			scopes_json TEXT NOT NULL DEFAULT '[]',
			allowed_roles_json TEXT NOT NULL DEFAULT '[]',
			model_access_json TEXT NOT NULL DEFAULT '[]',
			ip_whitelist_json TEXT NOT NULL DEFAULT '[]',
			rate_limits_json TEXT NOT NULL DEFAULT '',
			tags_json TEXT NOT NULL DEFAULT '{}',
			expires_at DATETIME,
			last_used_at DATETIME,
			usage_count INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			revision INTEGER NOT NULL DEFAULT 0,
			key_hash TEXT UNIQUE NOT NULL,
			key_prefix TEXT NOT NULL DEFAULT '',
			masked_key TEXT NOT NULL DEFAULT '',
			sealed_secret BLOB,
			description TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_by TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_by TEXT NOT NULL DEFAULT ''
		)`,

		`ALTER TABLE api_keys ADD COLUMN revision INTEGER NOT NULL DEFAULT 0`,

		`CREATE INDEX IF NOT EXISTS idx_api_keys_owner ON api_keys(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_tenant ON api_keys(tenant_id)`,

		`CREATE TABLE IF NOT EXISTS user_roles (
			tenant_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (tenant_id, user_id, role)
		)`,

		`CREATE TABLE IF NOT EXISTS api_key_usage_logs (
			id TEXT PRIMARY KEY,
			key_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			endpoint TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			estimated_tokens INTEGER NOT NULL DEFAULT 0,
			client_ip TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			success INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_usage_logs_key ON api_key_usage_logs(key_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// ALTER TABLE ADD COLUMN fails if the column already exists.
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
