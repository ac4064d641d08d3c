package sessions

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces session keys in a shared Redis.
const DefaultKeyPrefix = "chat:session"

// RedisOptions configures a Redis-backed directory.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

// RedisDirectory stores one string key per session with the user id as
// value and the session lifetime as key expiry.
type RedisDirectory struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisDirectory wraps an existing client.
func NewRedisDirectory(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisDirectory {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisDirectory{rdb: rdb, prefix: prefix, ttl: ttl}
}

// DialRedis connects to Redis, verifies the connection with PING, and
// returns a directory that owns the client.
func DialRedis(ctx context.Context, opts RedisOptions) (*RedisDirectory, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", opts.Addr)
	}
	return NewRedisDirectory(rdb, opts.Prefix, opts.TTL), nil
}

func (d *RedisDirectory) key(token string) string {
	return d.prefix + ":" + token
}

func (d *RedisDirectory) Resolve(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, ErrUnknownSession
	}
	val, err := d.rdb.Get(ctx, d.key(token)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrUnknownSession
	}
	if err != nil {
		return 0, errors.Wrap(err, "resolve session")
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrUnknownSession, "corrupt session value %q", val)
	}
	return id, nil
}

func (d *RedisDirectory) Create(ctx context.Context, userID int64) (string, error) {
	token := newToken()
	if err := d.rdb.Set(ctx, d.key(token), strconv.FormatInt(userID, 10), d.ttl).Err(); err != nil {
		return "", errors.Wrapf(err, "create session for user %d", userID)
	}
	return token, nil
}

func (d *RedisDirectory) Delete(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return errors.Wrap(d.rdb.Del(ctx, d.key(token)).Err(), "delete session")
}

// Close releases the underlying client.
func (d *RedisDirectory) Close() error {
	return d.rdb.Close()
}
