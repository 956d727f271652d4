package session

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voicebridge/sessionrt/internal/log"
)

// acquireScript grants the lease unconditionally, returning the previous
// holder's session id (empty string if none held it or it had expired). A
// plain GET+SET would race two processes admitting for the same agent at
// once; the script makes the read-then-write atomic.
var acquireScript = redis.NewScript(`
local previous = redis.call("GET", KEYS[1])
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
if previous == false then
	return ""
end
return previous
`)

// releaseScript deletes the key only if it still holds sessionID, so a
// lease that was already displaced by someone else isn't clobbered.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the TTL only if sessionID still holds the lease.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

const displacedChannelPrefix = "sessionrt:lease-displaced:"

// RedisLeases is the multi-process Leases implementation.
// Displacement is cross-process: the process that
// overwrites a key publishes the previous holder's session id on a Pub/Sub
// channel, and every RedisLeases instance (including ones in other
// processes) listening for that key's displaced channel closes its local
// handle if it matches.
type RedisLeases struct {
	client *redis.Client

	mu      sync.Mutex
	waiting map[string]chan struct{} // key -> local channel for a session this process currently holds
}

// NewRedisLeases wraps an existing client and starts the background
// subscriber that fans in displacement notices.
func NewRedisLeases(client *redis.Client) *RedisLeases {
	r := &RedisLeases{
		client:  client,
		waiting: make(map[string]chan struct{}),
	}
	go r.subscribeLoop()
	return r
}

func (r *RedisLeases) subscribeLoop() {
	ctx := context.Background()
	pubsub := r.client.PSubscribe(ctx, displacedChannelPrefix+"*")
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		key := msg.Channel[len(displacedChannelPrefix):]
		displacedSessionID := msg.Payload

		r.mu.Lock()
		ch, ok := r.waiting[key]
		if ok {
			delete(r.waiting, key)
		}
		r.mu.Unlock()

		if ok {
			log.L().Info("session lease displaced", "key", key, "session_id", displacedSessionID)
			close(ch)
		}
	}
}

func (r *RedisLeases) AcquireOrDisplace(ctx context.Context, key, sessionID string, ttl time.Duration) (<-chan struct{}, string, error) {
	previous, err := acquireScript.Run(ctx, r.client, []string{leaseKey(key)}, sessionID, ttl.Milliseconds()).Text()
	if err != nil && err != redis.Nil {
		return nil, "", err
	}

	ch := make(chan struct{})
	r.mu.Lock()
	r.waiting[key] = ch
	r.mu.Unlock()

	if previous != "" {
		if err := r.client.Publish(ctx, displacedChannelPrefix+key, previous).Err(); err != nil {
			log.L().Warn("failed to publish lease displacement", "key", key, "error", err)
		}
	}
	return ch, previous, nil
}

func (r *RedisLeases) Renew(ctx context.Context, key, sessionID string, ttl time.Duration) error {
	return renewScript.Run(ctx, r.client, []string{leaseKey(key)}, sessionID, ttl.Milliseconds()).Err()
}

func (r *RedisLeases) Release(ctx context.Context, key, sessionID string) error {
	r.mu.Lock()
	delete(r.waiting, key)
	r.mu.Unlock()
	return releaseScript.Run(ctx, r.client, []string{leaseKey(key)}, sessionID).Err()
}

func leaseKey(key string) string {
	return "sessionrt:lease:" + key
}
