package health

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
)

// DBChecker pings the Postgres pool holding refunds and the ledger.
func DBChecker(db *sql.DB) Checker {
	return func(ctx context.Context) error {
		return db.PingContext(ctx)
	}
}

// RedisChecker pings the Redis instance backing transition locks.
func RedisChecker(client *redis.Client) Checker {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
