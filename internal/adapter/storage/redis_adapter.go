package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stockKeyPrefix    = "stock:"
	idempotencyKeyTTL = 24 * time.Hour
)

// setStockScript writes the mirrored quantity only when the version is newer
// than the one stored. Versions are audit log sequence numbers, which grow
// strictly per sweet in commit order.
var setStockScript = redis.NewScript(`
local key = KEYS[1]
local quantity = ARGV[1]
local version = ARGV[2]

local current = redis.call('HGET', key, 'version')
if current and tonumber(current) >= tonumber(version) then
	return 0
end

redis.call('HSET', key, 'quantity', quantity, 'version', version)
return 1
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func StockKey(sweetID int64) string {
	return stockKeyPrefix + strconv.FormatInt(sweetID, 10)
}

func (r *RedisAdapter) SetStock(ctx context.Context, sweetID int64, quantity int64, version int64) error {
	return setStockScript.Run(ctx, r.client, []string{StockKey(sweetID)}, quantity, version).Err()
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
