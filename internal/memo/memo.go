// Package memo caches expensive proof results in memory and in optional
// persistent stores, keyed by content hashes.
package memo

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/23skdu/longbow-assay/internal/logger"
	"github.com/23skdu/longbow-assay/internal/metrics"
	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/singleflight"
)

var ErrNotFound = errors.New("memo: not found")

// Store is a persistent byte store. Get returns ErrNotFound for absent keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

type tier struct {
	name  string
	store Store
}

// Cache is an explicit memo table: an unbounded in-memory map in front of
// zero or more stores, consulted in the order they were added. Writes go to
// every tier and the last writer wins. A Cache is safe for concurrent use.
type Cache struct {
	mu    sync.RWMutex
	mem   map[string][]byte
	tiers []tier
	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithStore adds a store tier labelled name in metrics.
func WithStore(name string, s Store) Option {
	return func(c *Cache) {
		if s != nil {
			c.tiers = append(c.tiers, tier{name: name, store: s})
		}
	}
}

func New(opts ...Option) *Cache {
	c := &Cache{mem: make(map[string][]byte)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Len is the number of entries held in memory.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.mem)
}

// Get looks key up in memory, then in each store. A store hit is copied
// into memory and into the tiers in front of it. Store errors other than
// ErrNotFound are logged and treated as misses.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	v, ok := c.mem[key]
	c.mu.RUnlock()
	if ok {
		metrics.RecordCacheLookup("memory", "hit")
		return v, true
	}
	metrics.RecordCacheLookup("memory", "miss")

	for i, t := range c.tiers {
		v, err := t.store.Get(ctx, key)
		switch {
		case err == nil:
			metrics.RecordCacheLookup(t.name, "hit")
			c.setMem(key, v)
			for _, front := range c.tiers[:i] {
				if err := front.store.Put(ctx, key, v); err != nil {
					logger.Log.Warn("memo backfill failed", "tier", front.name, "key", key, "error", err)
				}
			}
			return v, true
		case errors.Is(err, ErrNotFound):
			metrics.RecordCacheLookup(t.name, "miss")
		default:
			metrics.RecordCacheLookup(t.name, "error")
			logger.Log.Warn("memo lookup failed", "tier", t.name, "key", key, "error", err)
		}
	}
	return nil, false
}

// Put stores value in memory and every store tier. It returns the first
// store error after attempting all tiers.
func (c *Cache) Put(ctx context.Context, key string, value []byte) error {
	c.setMem(key, value)
	var firstErr error
	for _, t := range c.tiers {
		if err := t.store.Put(ctx, key, value); err != nil {
			logger.Log.Warn("memo store failed", "tier", t.name, "key", key, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("memo: %s tier: %w", t.name, err)
			}
		}
	}
	return firstErr
}

func (c *Cache) setMem(key string, value []byte) {
	c.mu.Lock()
	c.mem[key] = value
	c.mu.Unlock()
}

// Codec converts cached values to and from bytes.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

// Do returns the cached value for key or computes, caches and returns it.
// Concurrent calls for the same key share one computation. hit reports
// whether the value came from the cache. A failed store write is logged and
// does not fail the call.
func Do[T any](ctx context.Context, c *Cache, key string, codec Codec[T], fn func(context.Context) (T, error)) (val T, hit bool, err error) {
	if b, ok := c.Get(ctx, key); ok {
		v, err := codec.Decode(b)
		if err == nil {
			return v, true, nil
		}
		logger.Log.Warn("memo entry undecodable, recomputing", "key", key, "error", err)
	}

	out, err, _ := c.group.Do(key, func() (interface{}, error) {
		v, err := fn(ctx)
		if err != nil {
			return v, err
		}
		b, err := codec.Encode(v)
		if err != nil {
			return v, fmt.Errorf("memo: encode %s: %w", key, err)
		}
		_ = c.Put(ctx, key, b)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	return out.(T), false, nil
}

// Key joins parts with a separator and returns the hex SHA3-256 digest.
func Key(parts ...string) string {
	sum := sha3.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}
