package health

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBChecker_Unreachable(t *testing.T) {
	db, err := sql.Open("postgres", "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	r := NewRegistry()
	r.Register("database", DBChecker(db))
	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 1)
	assert.Equal(t, "database", statuses[0].Name)
	assert.NotEmpty(t, statuses[0].Detail)
}

func TestRedisChecker_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer func() { _ = client.Close() }()

	assert.Error(t, RedisChecker(client)(context.Background()))
}
