package redis

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yuguang.xiao/leaselock/db"
)

const (
	localHost = "localhost:6379"
)

var tracer = otel.Tracer("github.com/yuguang.xiao/leaselock/db/redis")

// lock entry is a hash: field = owner token, value = hold count.
// expiry lives on the key itself.
var (
	acquireScript = redis.NewScript(`if (redis.call('exists', KEYS[1]) == 0) then
	redis.call('hincrby', KEYS[1], ARGV[1], 1);
	redis.call('pexpire', KEYS[1], tonumber(ARGV[2]));
	return nil;
end;
if (redis.call('hexists', KEYS[1], ARGV[1]) == 1) then
	redis.call('hincrby', KEYS[1], ARGV[1], 1);
	redis.call('pexpire', KEYS[1], tonumber(ARGV[2]));
	return nil;
end;
return redis.call('pttl', KEYS[1]);`)

	releaseScript = redis.NewScript(`if (redis.call('exists', KEYS[1]) == 0) then
	return -2;
end;
if (redis.call('hexists', KEYS[1], ARGV[1]) == 0) then
	return -1;
end;
local counter = redis.call('hincrby', KEYS[1], ARGV[1], -1);
if (counter > 0) then
	redis.call('pexpire', KEYS[1], tonumber(ARGV[2]));
	return counter;
end;
redis.call('del', KEYS[1]);
return 0;`)

	renewScript = redis.NewScript(`if (redis.call('hexists', KEYS[1], ARGV[1]) == 1) then
	redis.call('pexpire', KEYS[1], tonumber(ARGV[2]));
	return 1;
end;
return 0;`)
)

type redisStoreImpl struct {
	redisClient redis.UniversalClient

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	pubsub *redis.PubSub
	chans  []chan string

	// closed once the server side subscription is confirmed or failed,
	// err is only read after ready
	ready chan struct{}
	err   error
}

func NewLocalHostRedisStore() *redisStoreImpl {
	return NewRedisStore(localHost)
}

func NewRedisStore(addr string) *redisStoreImpl {
	redisClient := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return NewRedisStoreFromClient(redisClient)
}

// NewRedisStoreFromClient wraps an existing client, so cluster and sentinel
// topologies can be used as well.
func NewRedisStoreFromClient(redisClient redis.UniversalClient) *redisStoreImpl {
	return &redisStoreImpl{
		redisClient: redisClient,
		subs:        map[string]*subscription{},
	}
}

func (r *redisStoreImpl) TryAcquire(ctx context.Context, key string, token string, lease time.Duration) (bool, time.Duration, error) {
	ctx, span := tracer.Start(ctx, "RedisStore.TryAcquire", trace.WithAttributes(attribute.String("lock.key", key)))
	defer span.End()

	val, err := acquireScript.Run(ctx, r.redisClient, []string{key}, token, lease.Milliseconds()).Result()
	if err == redis.Nil {
		return true, 0, nil
	}
	if err != nil {
		span.RecordError(err)
		return false, 0, err
	}
	// held by someone else, the script reports the holder's remaining pttl
	ttl := scriptInt(val)
	if ttl < 0 {
		ttl = 0
	}
	return false, time.Duration(ttl) * time.Millisecond, nil
}

func (r *redisStoreImpl) Release(ctx context.Context, key string, token string, lease time.Duration) (db.ReleaseStatus, int64, error) {
	ctx, span := tracer.Start(ctx, "RedisStore.Release", trace.WithAttributes(attribute.String("lock.key", key)))
	defer span.End()

	val, err := releaseScript.Run(ctx, r.redisClient, []string{key}, token, lease.Milliseconds()).Result()
	if err != nil {
		span.RecordError(err)
		return db.ReleaseMissing, 0, err
	}
	switch n := scriptInt(val); {
	case n == -2:
		return db.ReleaseMissing, 0, nil
	case n == -1:
		return db.ReleaseNotOwner, 0, nil
	case n > 0:
		return db.ReleaseHeld, n, nil
	default:
		return db.ReleaseFull, 0, nil
	}
}

func (r *redisStoreImpl) Renew(ctx context.Context, key string, token string, lease time.Duration) (bool, error) {
	ctx, span := tracer.Start(ctx, "RedisStore.Renew", trace.WithAttributes(attribute.String("lock.key", key)))
	defer span.End()

	val, err := renewScript.Run(ctx, r.redisClient, []string{key}, token, lease.Milliseconds()).Result()
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	return scriptInt(val) == 1, nil
}

func (r *redisStoreImpl) HoldCount(ctx context.Context, key string, token string) (int64, error) {
	val, err := r.redisClient.HGet(ctx, key, token).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

func (r *redisStoreImpl) Locked(ctx context.Context, key string) (bool, error) {
	n, err := r.redisClient.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *redisStoreImpl) ForceRelease(ctx context.Context, key string) (bool, error) {
	ctx, span := tracer.Start(ctx, "RedisStore.ForceRelease", trace.WithAttributes(attribute.String("lock.key", key)))
	defer span.End()

	n, err := r.redisClient.Del(ctx, key).Result()
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	return n > 0, nil
}

func (r *redisStoreImpl) Publish(ctx context.Context, channel string, message string) (int64, error) {
	ctx, span := tracer.Start(ctx, "RedisStore.Publish", trace.WithAttributes(attribute.String("lock.channel", channel)))
	defer span.End()

	n, err := r.redisClient.Publish(ctx, channel, message).Result()
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return n, nil
}

// Subscribe multiplexes all subscribers of one channel over a single
// server-side subscription.
func (r *redisStoreImpl) Subscribe(ctx context.Context, channel string) (db.Subscription, error) {
	ctx, span := tracer.Start(ctx, "RedisStore.Subscribe", trace.WithAttributes(attribute.String("lock.channel", channel)))
	defer span.End()

	ch := make(chan string, 1)

	r.mu.Lock()
	sub := r.subs[channel]
	created := sub == nil
	if created {
		sub = &subscription{ready: make(chan struct{})}
		r.subs[channel] = sub
	}
	sub.chans = append(sub.chans, ch)
	r.mu.Unlock()

	if created {
		// confirm the subscription before anyone relies on it, outside the
		// registry lock so a slow confirm cannot stall other channels
		pubsub := r.redisClient.Subscribe(ctx, channel)
		_, err := pubsub.Receive(ctx)
		r.mu.Lock()
		if err != nil {
			sub.err = err
			delete(r.subs, channel)
		} else {
			sub.pubsub = pubsub
		}
		r.mu.Unlock()
		close(sub.ready)
		if err != nil {
			span.RecordError(err)
			_ = pubsub.Close()
			return nil, err
		}
		go r.dispatch(sub)
		return &subHandle{store: r, channel: channel, ch: ch}, nil
	}

	// another subscriber owns the confirm, wait for its verdict
	select {
	case <-sub.ready:
	case <-ctx.Done():
		_ = r.unsubscribe(channel, ch)
		return nil, ctx.Err()
	}
	r.mu.Lock()
	err := sub.err
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &subHandle{store: r, channel: channel, ch: ch}, nil
}

func (r *redisStoreImpl) dispatch(sub *subscription) {
	for msg := range sub.pubsub.Channel() {
		r.mu.Lock()
		for _, ch := range sub.chans {
			select {
			case ch <- msg.Payload:
			default:
				// subscriber has a wake pending already
			}
		}
		r.mu.Unlock()
	}
}

func (r *redisStoreImpl) unsubscribe(channel string, ch chan string) error {
	r.mu.Lock()
	sub := r.subs[channel]
	if sub == nil {
		r.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.subs, channel)
	r.mu.Unlock()
	return sub.pubsub.Close()
}

type subHandle struct {
	store   *redisStoreImpl
	channel string
	ch      chan string
	once    sync.Once
}

func (s *subHandle) Messages() <-chan string {
	return s.ch
}

func (s *subHandle) Close() error {
	var err error
	s.once.Do(func() {
		err = s.store.unsubscribe(s.channel, s.ch)
	})
	return err
}

// script results arrive as int64 from the client, but replies that travelled
// through a resp2 proxy can come back as strings
func scriptInt(v interface{}) int64 {
	switch v := v.(type) {
	case int64:
		return v
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}
