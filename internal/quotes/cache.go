// Package quotes holds the in-memory last-traded-price cache fed by the
// market stream, with an optional Redis mirror for external consumers. Reads
// are age-checked: a price older than the freshness window is treated as
// absent, which downstream turns into a skipped cycle rather than a trade on
// stale data.
package quotes

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kmenon/nifty_straddler/internal/models"
)

// ErrDataUnavailable is returned when no fresh price exists for a query.
var ErrDataUnavailable = errors.New("quotes: no fresh price")

// DefaultMaxAge is the freshness window when none is configured. Ticks for a
// liquid chain arrive every second or two; anything minutes old means the
// stream has died.
const DefaultMaxAge = 2 * time.Minute

type entry struct {
	price     float64
	updatedAt time.Time
}

// Cache is the concurrent token-keyed LTP store.
type Cache struct {
	mu        sync.RWMutex
	prices    map[uint32]entry
	spotToken uint32
	maxAge    time.Duration
	mirror    *Mirror
	logger    *log.Logger
}

// NewCache builds a cache with the given freshness window; maxAge <= 0 uses
// DefaultMaxAge. The mirror may be nil.
func NewCache(maxAge time.Duration, mirror *Mirror, logger *log.Logger) *Cache {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Cache{
		prices: make(map[uint32]entry),
		maxAge: maxAge,
		mirror: mirror,
		logger: logger,
	}
}

// SetSpotToken names the token whose price Spot returns.
func (c *Cache) SetSpotToken(token uint32) {
	c.mu.Lock()
	c.spotToken = token
	c.mu.Unlock()
}

// Update records a tick. The mirror write is best effort; a dead Redis never
// blocks the price path.
func (c *Cache) Update(token uint32, price float64, at time.Time) {
	c.mu.Lock()
	c.prices[token] = entry{price: price, updatedAt: at}
	c.mu.Unlock()

	if c.mirror != nil {
		c.mirror.publish(token, price)
	}
}

// Price returns the fresh price for a token, if one exists.
func (c *Cache) Price(token uint32) (float64, bool) {
	c.mu.RLock()
	e, ok := c.prices[token]
	c.mu.RUnlock()
	if !ok || time.Since(e.updatedAt) > c.maxAge {
		return 0, false
	}
	return e.price, true
}

// LastPrice returns the fresh price for an instrument's token.
func (c *Cache) LastPrice(inst models.Instrument) (float64, bool) {
	return c.Price(inst.Token)
}

// Spot returns the underlying's fresh price.
func (c *Cache) Spot() (float64, error) {
	c.mu.RLock()
	token := c.spotToken
	c.mu.RUnlock()
	if token == 0 {
		return 0, fmt.Errorf("%w: no spot token configured", ErrDataUnavailable)
	}
	price, ok := c.Price(token)
	if !ok {
		return 0, fmt.Errorf("%w: spot token %d", ErrDataUnavailable, token)
	}
	return price, nil
}

// Mirror writes ticks through to Redis so dashboards and ad hoc tooling can
// read LTPs without touching the bot.
type Mirror struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	logger  *log.Logger
	mu      sync.Mutex
	lastErr time.Time
}

// NewMirror connects a mirror. The connection is verified with a ping so a
// misconfigured Redis fails at startup, not mid-session.
func NewMirror(addr, password string, db int, ttl time.Duration, logger *log.Logger) (*Mirror, error) {
	if logger == nil {
		logger = log.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis %s: %w", addr, err)
	}
	return &Mirror{client: client, prefix: "ltp:", ttl: ttl, logger: logger}, nil
}

// Close releases the Redis connection.
func (m *Mirror) Close() error { return m.client.Close() }

// publish writes one tick, logging failures at most once a minute so a Redis
// outage does not flood the log at tick rate.
func (m *Mirror) publish(token uint32, price float64) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	key := fmt.Sprintf("%s%d", m.prefix, token)
	if err := m.client.Set(ctx, key, price, m.ttl).Err(); err != nil {
		m.mu.Lock()
		if time.Since(m.lastErr) > time.Minute {
			m.logger.Printf("Warning: redis mirror write failed: %v", err)
			m.lastErr = time.Now()
		}
		m.mu.Unlock()
	}
}
