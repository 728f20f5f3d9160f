package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/raakeshmj/keygate/internal/audit"
	"github.com/raakeshmj/keygate/internal/repository"
)

// RoleService manages tenant role grants on behalf of tenant admins.
type RoleService struct {
	store  repository.RoleStore
	audit  audit.Logger
	logger *zap.Logger
	now    func() time.Time
}

func NewRoleService(store repository.RoleStore, auditLogger audit.Logger, logger *zap.Logger) *RoleService {
	if auditLogger == nil {
		auditLogger = audit.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoleService{store: store, audit: auditLogger, logger: logger, now: time.Now}
}

// List returns userID's roles in tenantID. Users may read their own grants;
// anyone else needs the admin role in the tenant.
func (s *RoleService) List(ctx context.Context, actor, tenantID, userID string) ([]string, error) {
	if actor != userID {
		if err := s.requireAdmin(ctx, actor, tenantID); err != nil {
			return nil, err
		}
	}
	roles, err := s.store.GetUserRoles(ctx, userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get user roles: %w", err)
	}
	return nonNil(roles), nil
}

func (s *RoleService) Grant(ctx context.Context, actor, tenantID, userID string, roles ...string) error {
	if userID == "" || len(roles) == 0 || slices.Contains(roles, "") {
		return fmt.Errorf("%w: user and roles are required", ErrInvalidRequest)
	}
	if err := s.requireAdmin(ctx, actor, tenantID); err != nil {
		return err
	}
	if err := s.store.GrantRoles(ctx, userID, tenantID, roles...); err != nil {
		return fmt.Errorf("grant roles: %w", err)
	}
	s.record(actor, "role_grant", tenantID, userID, roles)
	return nil
}

// Revoke removes one grant. Admins cannot drop their own admin role, so a
// tenant never locks itself out by accident.
func (s *RoleService) Revoke(ctx context.Context, actor, tenantID, userID, role string) error {
	if err := s.requireAdmin(ctx, actor, tenantID); err != nil {
		return err
	}
	if actor == userID && role == AdminRole {
		return fmt.Errorf("%w: cannot revoke your own admin role", ErrInvalidRequest)
	}
	if err := s.store.RevokeRole(ctx, userID, tenantID, role); err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	s.record(actor, "role_revoke", tenantID, userID, []string{role})
	return nil
}

func (s *RoleService) requireAdmin(ctx context.Context, actor, tenantID string) error {
	if actor == "" {
		return ErrForbidden
	}
	roles, err := s.store.GetUserRoles(ctx, actor, tenantID)
	if err != nil {
		return fmt.Errorf("get user roles: %w", err)
	}
	if !slices.Contains(roles, AdminRole) {
		return ErrForbidden
	}
	return nil
}

func (s *RoleService) record(actor, action, tenantID, userID string, roles []string) {
	s.audit.Log(audit.LogEntry{
		Timestamp: s.now().UTC(),
		TenantID:  tenantID,
		ActorID:   actor,
		Action:    action,
		Resource:  "user:" + userID,
		Metadata:  map[string]interface{}{"roles": roles},
	})
	s.logger.Info(action, zap.String("tenant_id", tenantID), zap.String("user_id", userID), zap.Strings("roles", roles))
}
