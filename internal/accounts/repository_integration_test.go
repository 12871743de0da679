//go:build integration

package accounts

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/quotaengine/internal/testutil"
)

func TestPostgresRepository_Lifecycle(t *testing.T) {
	repo := NewRepository(testutil.Postgres(t))
	ctx := context.Background()
	userID := uuid.New()
	createdAt := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)

	a, created, err := repo.Create(ctx, userID, createdAt)
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, a.Provisioned())

	a, created, err = repo.Create(ctx, userID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, a.CreatedAt.Equal(createdAt))

	require.NoError(t, repo.RecordFailure(ctx, userID, "boom"))
	pending, err := repo.ListPending(ctx, time.Now().UTC(), 5, 1000)
	require.NoError(t, err)
	found := false
	for _, p := range pending {
		if p.UserID == userID {
			found = true
			assert.Equal(t, 1, p.ProvisionAttempts)
			assert.Equal(t, "boom", p.LastError)
		}
	}
	assert.True(t, found)

	require.NoError(t, repo.MarkProvisioned(ctx, userID, time.Now().UTC()))
	a, err = repo.Get(ctx, userID)
	require.NoError(t, err)
	assert.True(t, a.Provisioned())
	assert.Empty(t, a.LastError)

	missing, err := repo.Get(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}
