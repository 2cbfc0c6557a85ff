package database

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/payout_service/internal/infrastructure/config"
)

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()

	client, err := NewRedisClient(context.Background(), config.RedisConfig{Addr: addr})
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())

	mr.Close()
	_, err = NewRedisClient(context.Background(), config.RedisConfig{Addr: addr})
	assert.Error(t, err)
}
