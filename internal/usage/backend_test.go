package usage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/quotaengine/internal/config"
)

func TestNewBackend(t *testing.T) {
	cfg := &config.Config{}

	cfg.Quota.Store = config.StoreRedis
	b, err := NewBackend(cfg, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, b)

	cfg.Quota.Store = config.StorePostgres
	b, err = NewBackend(cfg, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &PostgresStore{}, b)

	cfg.Quota.Store = "memcached"
	_, err = NewBackend(cfg, nil, nil)
	assert.Error(t, err)
}
