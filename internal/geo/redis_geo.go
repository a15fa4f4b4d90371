package geo

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/roadside-dispatch/internal/models"
)

const mirrorQueueSize = 256

// RedisMirror publishes live provider positions into a Redis GEO set so that
// out-of-process readers (admin map, analytics) can see them. It is an
// Observer of the Index; the Index stays the source of truth for matching.
// Writes are queued and applied by a single worker, so registry callers never
// wait on Redis. When the queue is full the update is dropped.
type RedisMirror struct {
	client  *redis.Client
	key     string
	timeout time.Duration
	logger  *slog.Logger

	ops     chan func(ctx context.Context)
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

func NewRedisMirror(addr, password, key string, logger *slog.Logger) *RedisMirror {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return newRedisMirror(c, key, logger, mirrorQueueSize)
}

func newRedisMirror(c *redis.Client, key string, logger *slog.Logger, queue int) *RedisMirror {
	if logger == nil {
		logger = slog.Default()
	}
	r := &RedisMirror{
		client:  c,
		key:     key,
		timeout: time.Second,
		logger:  logger,
		ops:     make(chan func(ctx context.Context), queue),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *RedisMirror) run() {
	defer close(r.done)
	for {
		select {
		case <-r.quit:
			return
		case op := <-r.ops:
			select {
			case <-r.quit:
				return
			default:
			}
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			op(ctx)
			cancel()
		}
	}
}

func (r *RedisMirror) enqueue(providerID string, op func(ctx context.Context)) {
	select {
	case <-r.quit:
		return
	default:
	}
	select {
	case r.ops <- op:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("redis mirror queue full, update dropped", "provider_id", providerID, "dropped_total", n)
		}
	}
}

// Dropped reports how many updates were discarded on a full queue.
func (r *RedisMirror) Dropped() int64 { return r.dropped.Load() }

func (r *RedisMirror) ProviderUpdated(e models.ProviderEntry) {
	r.enqueue(e.ProviderID, func(ctx context.Context) {
		if e.Coordinates != nil {
			if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: e.Coordinates.Lng, Latitude: e.Coordinates.Lat, Name: e.ProviderID}).Err(); err != nil {
				r.logger.Warn("redis geoadd failed", "provider_id", e.ProviderID, "error", err)
				return
			}
		}
		err := r.client.HSet(ctx, metaKey(e.ProviderID), map[string]interface{}{
			"role":      string(e.Role),
			"available": strconv.FormatBool(e.Available),
			"updated":   e.Updated.Format(time.RFC3339),
		}).Err()
		if err != nil {
			r.logger.Warn("redis hset failed", "provider_id", e.ProviderID, "error", err)
		}
	})
}

func (r *RedisMirror) ProviderRemoved(providerID string) {
	r.enqueue(providerID, func(ctx context.Context) {
		pipe := r.client.TxPipeline()
		pipe.ZRem(ctx, r.key, providerID)
		pipe.Del(ctx, metaKey(providerID))
		if _, err := pipe.Exec(ctx); err != nil {
			r.logger.Warn("redis remove failed", "provider_id", providerID, "error", err)
		}
	})
}

// Ping reports whether the mirror's Redis is reachable.
func (r *RedisMirror) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

// Close stops the worker, discarding queued updates, and closes the client.
func (r *RedisMirror) Close() error {
	r.once.Do(func() { close(r.quit) })
	<-r.done
	return r.client.Close()
}

func metaKey(id string) string { return "provider:meta:" + id }
