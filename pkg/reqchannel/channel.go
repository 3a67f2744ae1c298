package reqchannel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/betbot/orderdesk/pkg/cache"
)

// Operation is a single upstream call executed through a channel.
type Operation func(ctx context.Context) (interface{}, error)

// Config describes one upstream service channel.
type Config struct {
	Name       string
	PerSecond  float64       // calls per second; min spacing = 1s / PerSecond
	DailyLimit int           // calls per rolling day; 0 means unlimited
	CacheTTL   time.Duration // response cache TTL; 0 uses DefaultCacheTTL
}

// DefaultCacheTTL applies when Config.CacheTTL is zero.
const DefaultCacheTTL = 5 * time.Minute

const queueCapacity = 1024

// QuotaExceededError is returned once a channel's daily budget is spent.
type QuotaExceededError struct {
	Channel    string
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("channel %s: daily quota exceeded, retry after %s",
		e.Channel, e.RetryAfter.Round(time.Second))
}

// Stats is an observability snapshot; not used for correctness.
type Stats struct {
	Name           string    `json:"name"`
	QueueLength    int       `json:"queue_length"`
	CallsUsed      int       `json:"calls_used"`
	CallsRemaining int       `json:"calls_remaining"`
	ResetAt        time.Time `json:"reset_at"`
	CacheSize      int       `json:"cache_size"`
}

type result struct {
	value interface{}
	err   error
}

type request struct {
	ctx      context.Context
	op       Operation
	cacheKey string
	done     chan result
}

// Channel serializes calls to one upstream service, enforcing minimum
// spacing between calls and a rolling daily quota, with an optional
// response cache in front. Requests drain strictly FIFO.
type Channel struct {
	cfg      Config
	spacing  time.Duration
	queue    chan *request
	cache    *cache.InMemoryCache[string, interface{}]
	cacheTTL time.Duration

	mu           sync.Mutex
	lastRequest  time.Time
	dailyCount   int
	dailyResetAt time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a channel and starts its processing loop.
func New(cfg Config) *Channel {
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = 1
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	c := &Channel{
		cfg:          cfg,
		spacing:      time.Duration(float64(time.Second) / cfg.PerSecond),
		queue:        make(chan *request, queueCapacity),
		cache:        cache.NewInMemoryCache[string, interface{}](ttl),
		cacheTTL:     ttl,
		dailyResetAt: time.Now().Add(24 * time.Hour),
		closed:       make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Channel) Name() string { return c.cfg.Name }

// Execute runs op through the channel. When cacheKey is non-empty a fresh
// cached response short-circuits the call without consuming quota; a
// successful response is stored back under cacheKey. Once enqueued the
// request cannot be cancelled: it either runs or is rejected when the
// daily quota is exhausted.
func (c *Channel) Execute(ctx context.Context, op Operation, cacheKey string) (interface{}, error) {
	if cacheKey != "" {
		if v, ok := c.cache.Get(cacheKey); ok {
			return v, nil
		}
	}

	// Reject up front once the budget is spent so callers fail fast
	// instead of queueing behind guaranteed rejections.
	if err := c.quotaCheck(false); err != nil {
		return nil, err
	}

	req := &request{ctx: ctx, op: op, cacheKey: cacheKey, done: make(chan result, 1)}
	select {
	case c.queue <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("channel %s: closed", c.cfg.Name)
	}

	select {
	case res := <-req.done:
		return res.value, res.err
	case <-ctx.Done():
		// Only the wait is abandoned; the queued request still runs.
		return nil, ctx.Err()
	}
}

// quotaCheck resets the window when due and, with consume, takes one call
// from the daily budget.
func (c *Channel) quotaCheck(consume bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if !now.Before(c.dailyResetAt) {
		c.dailyCount = 0
		c.dailyResetAt = c.dailyResetAt.Add(24 * time.Hour)
	}
	if c.cfg.DailyLimit > 0 && c.dailyCount >= c.cfg.DailyLimit {
		return &QuotaExceededError{
			Channel:    c.cfg.Name,
			RetryAfter: time.Until(c.dailyResetAt),
		}
	}
	if consume {
		c.dailyCount++
	}
	return nil
}

func (c *Channel) run() {
	for {
		select {
		case req := <-c.queue:
			c.process(req)
		case <-c.closed:
			c.drain()
			return
		}
	}
}

func (c *Channel) process(req *request) {
	// Quota before spacing: rejected requests are not upstream calls and
	// must not delay the rest of the queue.
	if err := c.quotaCheck(true); err != nil {
		req.done <- result{err: err}
		return
	}

	c.mu.Lock()
	wait := c.spacing - time.Since(c.lastRequest)
	c.mu.Unlock()
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-c.closed:
			req.done <- result{err: fmt.Errorf("channel %s: closed", c.cfg.Name)}
			return
		}
	}
	c.mu.Lock()
	c.lastRequest = time.Now()
	c.mu.Unlock()

	v, err := req.op(req.ctx)
	if err == nil && req.cacheKey != "" {
		c.cache.Set(req.cacheKey, v, c.cacheTTL)
	}
	req.done <- result{value: v, err: err}
}

func (c *Channel) drain() {
	for {
		select {
		case req := <-c.queue:
			req.done <- result{err: fmt.Errorf("channel %s: closed", c.cfg.Name)}
		default:
			return
		}
	}
}

// Stats returns a point-in-time snapshot.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	used := c.dailyCount
	resetAt := c.dailyResetAt
	c.mu.Unlock()

	remaining := -1
	if c.cfg.DailyLimit > 0 {
		remaining = c.cfg.DailyLimit - used
		if remaining < 0 {
			remaining = 0
		}
	}
	return Stats{
		Name:           c.cfg.Name,
		QueueLength:    len(c.queue),
		CallsUsed:      used,
		CallsRemaining: remaining,
		ResetAt:        resetAt,
		CacheSize:      c.cache.Size(),
	}
}

// InvalidateCache drops one cached response.
func (c *Channel) InvalidateCache(cacheKey string) {
	c.cache.Delete(cacheKey)
}

// Close stops the processing loop and rejects queued requests.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cache.Close()
	})
}
