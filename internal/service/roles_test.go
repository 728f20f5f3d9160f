package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raakeshmj/keygate/internal/limiter"
	"github.com/raakeshmj/keygate/internal/repository/memory"
)

func TestRoleServiceRequiresTenantAdmin(t *testing.T) {
	repo := memory.New()
	svc := NewRoleService(repo, nil, nil)
	ctx := context.Background()
	require.NoError(t, repo.GrantRoles(ctx, "boss", "t1", AdminRole))

	assert.ErrorIs(t, svc.Grant(ctx, "dev", "t1", "dev", AdminRole), ErrForbidden)
	assert.ErrorIs(t, svc.Grant(ctx, "boss", "t2", "dev", "developer"), ErrForbidden)
	assert.ErrorIs(t, svc.Grant(ctx, "boss", "t1", "", "developer"), ErrInvalidRequest)

	require.NoError(t, svc.Grant(ctx, "boss", "t1", "dev", "developer", "viewer"))
	roles, err := svc.List(ctx, "dev", "t1", "dev")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"developer", "viewer"}, roles)

	_, err = svc.List(ctx, "dev", "t1", "boss")
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, svc.Revoke(ctx, "boss", "t1", "dev", "viewer"))
	roles, err = svc.List(ctx, "boss", "t1", "dev")
	require.NoError(t, err)
	assert.Equal(t, []string{"developer"}, roles)

	assert.ErrorIs(t, svc.Revoke(ctx, "boss", "t1", "boss", AdminRole), ErrInvalidRequest)
}

func TestKeyUsageIsAuthorized(t *testing.T) {
	repo := memory.New()
	keys := NewKeyService(repo, repo, WithUsageReader(repo))
	valid := NewValidationService(repo, repo, repo, limiter.NewMemoryStore())
	ctx := context.Background()

	issued, err := keys.Issue(ctx, "owner", validIssue())
	require.NoError(t, err)
	valid.Validate(ctx, issued.Key.ID, "owner", RequestContext{ClientIP: "10.0.0.1", Endpoint: "/v1/models", Scopes: []string{"nope"}})
	valid.Wait()

	entries, err := keys.Usage(ctx, "owner", issued.Key.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Equal(t, string(KindScopeInsufficient), entries[0].Reason)

	_, err = keys.Usage(ctx, "stranger", issued.Key.ID, 10)
	assert.ErrorIs(t, err, ErrForbidden)
}
