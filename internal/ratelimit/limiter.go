// Package ratelimit 实现按调用方划分的令牌桶限流。
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// Config 描述限流参数。
type Config struct {
	PerMinute  int
	Burst      int
	MaxEntries int
	// IdleTTL 之后未再访问的调用方会被淘汰，令牌桶随之重置。
	IdleTTL time.Duration
}

// Decision 是一次限流判断的结果。
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// Limiter 为每个调用方维护独立的令牌桶。
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	limit   rate.Limit
	entries *expirable.LRU[string, *rate.Limiter]
	now     func() time.Time
}

// New 创建 Limiter。
func New(cfg Config) *Limiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.PerMinute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		limit:   rate.Limit(float64(cfg.PerMinute) / 60),
		entries: expirable.NewLRU[string, *rate.Limiter](cfg.MaxEntries, nil, cfg.IdleTTL),
		now:     time.Now,
	}
}

// SetClock 替换时钟，用于测试。
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Allow 为 key 消耗一个令牌。
func (l *Limiter) Allow(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	lim, ok := l.entries.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.cfg.Burst)
	}
	// 重新写入以刷新空闲期限。
	l.entries.Add(key, lim)

	d := Decision{Limit: l.cfg.PerMinute}
	if lim.AllowN(now, 1) {
		d.Allowed = true
	}
	tokens := lim.TokensAt(now)
	if tokens < 0 {
		tokens = 0
	}
	d.Remaining = int(math.Floor(tokens))
	d.Reset = now.Add(l.durationFor(float64(l.cfg.Burst) - tokens))
	if !d.Allowed {
		d.RetryAfter = l.durationFor(1 - tokens)
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Second
		}
	}
	return d
}

func (l *Limiter) durationFor(tokens float64) time.Duration {
	if tokens <= 0 || l.limit <= 0 {
		return 0
	}
	return time.Duration(tokens / float64(l.limit) * float64(time.Second))
}

// Len 返回当前跟踪的调用方数量。
func (l *Limiter) Len() int {
	return l.entries.Len()
}
