package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript performs the compare-and-set in one atomic server-side step.
// ARGV[1] is the expected current value ("" = key must be absent),
// ARGV[2] the new value, ARGV[3] the TTL in milliseconds.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if (cur == false and ARGV[1] == '') or cur == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
	return 1
end
return 0
`)

// RedisStore is a Redis-backed Store shared by all server instances.
// The Lua-scripted CompareAndSet makes admission decisions linearizable
// per identity across processes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store over an existing client.
// prefix namespaces keys (e.g. "askdocs:ratelimit").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Get implements Store. A missing key reads as absent, not as an error.
func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("rate limit get: %w", err)
	}
	rec, err := decodeRecord(val)
	if err != nil {
		// A corrupt record is indistinguishable from an absent one for
		// admission purposes; surface it so the limiter fails open.
		return Record{}, false, fmt.Errorf("rate limit decode: %w", err)
	}
	return rec, true, nil
}

// CompareAndSet implements Store.
func (s *RedisStore) CompareAndSet(ctx context.Context, key string, old *Record, next Record, ttl time.Duration) (bool, error) {
	expected := ""
	if old != nil {
		expected = encodeRecord(*old)
	}
	ttlMillis := ttl.Milliseconds()
	if ttlMillis < 1 {
		ttlMillis = 1
	}

	n, err := casScript.Run(ctx, s.client, []string{s.key(key)},
		expected, encodeRecord(next), ttlMillis).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit compare-and-set: %w", err)
	}
	return n == 1, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("rate limit delete: %w", err)
	}
	return nil
}

// key builds the namespaced Redis key, sanitizing the identity so header
// or address derived values cannot inject key separators.
func (s *RedisStore) key(identity string) string {
	return s.prefix + ":" + sanitizeIdentity(identity)
}

// sanitizeIdentity replaces characters outside [A-Za-z0-9_\-@.:] with '_'.
// The ':' is kept because resolved identities are namespaced like
// "anon:web:1.2.3.4".
func sanitizeIdentity(identity string) string {
	var b strings.Builder
	b.Grow(len(identity))
	for _, r := range identity {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '-' || r == '@' || r == '.' || r == ':':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// encodeRecord serializes a record as "<unixNano>|<count>".
func encodeRecord(rec Record) string {
	return strconv.FormatInt(rec.WindowStart.UnixNano(), 10) + "|" + strconv.Itoa(rec.Count)
}

func decodeRecord(val string) (Record, error) {
	nanoStr, countStr, ok := strings.Cut(val, "|")
	if !ok {
		return Record{}, fmt.Errorf("malformed record %q", val)
	}
	nanos, err := strconv.ParseInt(nanoStr, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("malformed window start %q", nanoStr)
	}
	count, err := strconv.Atoi(countStr)
	if err != nil {
		return Record{}, fmt.Errorf("malformed count %q", countStr)
	}
	return Record{WindowStart: time.Unix(0, nanos), Count: count}, nil
}
