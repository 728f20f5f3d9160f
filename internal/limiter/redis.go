package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript reserves one request against several sliding windows
// atomically. Each window is a sorted set scored by milliseconds whose members
// end in ":<cost>".
// KEYS[i]  = window key for limit i
// ARGV[1]  = now (unix ms)
// ARGV[2]  = unique member id for this request
// then per limit i: cutoff (unix ms), window ms, max, cost
// Returns: {1, 0, remaining_1, ..., remaining_n} or {0, i, remaining_i, retry_ms}
var slidingWindowScript = redis.NewScript(`
local now = ARGV[1]
local member = ARGV[2]
local used = {}

for i = 1, #KEYS do
	local base = 3 + (i - 1) * 4
	local limit = tonumber(ARGV[base + 2])
	local cost = tonumber(ARGV[base + 3])

	redis.call("ZREMRANGEBYSCORE", KEYS[i], "-inf", ARGV[base])
	local total = 0
	local entries = redis.call("ZRANGE", KEYS[i], 0, -1, "WITHSCORES")
	for j = 1, #entries, 2 do
		total = total + tonumber(string.match(entries[j], ":(%d+)$"))
	end
	if total + cost > limit then
		local left = limit - total
		if left < 0 then
			left = 0
		end
		local window = tonumber(ARGV[base + 1])
		local retry = window
		if cost <= limit then
			local excess = total + cost - limit
			for j = 1, #entries, 2 do
				excess = excess - tonumber(string.match(entries[j], ":(%d+)$"))
				if excess <= 0 then
					retry = tonumber(entries[j + 1]) + window - tonumber(now)
					break
				end
			end
		end
		return {0, i, left, retry}
	end
	used[i] = total
end

local result = {1, 0}
for i = 1, #KEYS do
	local base = 3 + (i - 1) * 4
	local limit = tonumber(ARGV[base + 2])
	local cost = tonumber(ARGV[base + 3])
	if cost > 0 then
		redis.call("ZADD", KEYS[i], now, member .. ":" .. ARGV[base + 3])
	end
	redis.call("PEXPIRE", KEYS[i], ARGV[base + 1])
	result[#result + 1] = limit - used[i] - cost
end
return result
`)

// RedisStore is a Store shared by every gateway instance pointed at the same
// Redis. All windows of a key hash to one slot so the script stays cluster-safe.
type RedisStore struct {
	client redis.Scripter
	prefix string
}

func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit"}
}

func (s *RedisStore) windowKey(key, limit string) string {
	return fmt.Sprintf("%s:{%s}:%s", s.prefix, key, limit)
}

func (s *RedisStore) Reserve(ctx context.Context, key string, limits []Limit, now time.Time) (Decision, error) {
	if len(limits) == 0 {
		return Decision{Allowed: true, Remaining: map[string]int64{}}, nil
	}

	keys := make([]string, 0, len(limits))
	args := make([]interface{}, 0, 2+4*len(limits))
	args = append(args, now.UnixMilli(), uuid.NewString())
	for _, l := range limits {
		keys = append(keys, s.windowKey(key, l.Name))
		args = append(args, now.Add(-l.Window).UnixMilli(), l.Window.Milliseconds(), l.Max, l.Cost)
	}

	res, err := slidingWindowScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("reserve rate limit: %w", err)
	}
	if len(res) < 2 {
		return Decision{}, fmt.Errorf("reserve rate limit: unexpected reply %v", res)
	}

	if res[0] == 0 {
		idx := int(res[1]) - 1
		if idx < 0 || idx >= len(limits) || len(res) < 4 {
			return Decision{}, fmt.Errorf("reserve rate limit: unexpected reply %v", res)
		}
		name := limits[idx].Name
		return Decision{
			Allowed:    false,
			Exceeded:   name,
			Remaining:  map[string]int64{name: res[2]},
			RetryAfter: time.Duration(res[3]) * time.Millisecond,
		}, nil
	}

	if len(res) != 2+len(limits) {
		return Decision{}, fmt.Errorf("reserve rate limit: unexpected reply %v", res)
	}
	remaining := make(map[string]int64, len(limits))
	for i, l := range limits {
		remaining[l.Name] = res[2+i]
	}
	return Decision{Allowed: true, Remaining: remaining}, nil
}

var _ Store = (*RedisStore)(nil)
