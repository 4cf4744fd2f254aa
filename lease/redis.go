package lease

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token, so a
// holder whose lease expired cannot release its successor's.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every process using the same server.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// NewRedis connects to the server in cfg and checks it answers.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "connecting to redis at %s", cfg.Address)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "gorollout:lease:"
	}
	return &Redis{client: client, prefix: prefix}, nil
}

// Acquire sets the lease key if absent.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	name := r.prefix + key
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "acquiring lease %s", key)
	}
	if !ok {
		return nil, errors.Wrap(ErrHeld, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			err := releaseScript.Run(context.WithoutCancel(ctx), r.client, []string{name}, token).Err()
			if err != nil {
				log.WithError(err).WithField("lease", key).Warn("failed to release lease")
			}
		})
	}, nil
}

// Ping checks the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
