package enhance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// BudgetConfig bounds summarization traffic.
type BudgetConfig struct {
	// Concurrency is the maximum number of in-flight calls (default: 4).
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
	// PerMinute is the call rate allowed in any minute (default: 15).
	PerMinute int `mapstructure:"per_minute" yaml:"per_minute"`
	// PerHour is the call rate allowed in any hour (default: 250).
	PerHour int `mapstructure:"per_hour" yaml:"per_hour"`
}

func (c BudgetConfig) withDefaults() BudgetConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PerMinute <= 0 {
		c.PerMinute = 15
	}
	if c.PerHour <= 0 {
		c.PerHour = 250
	}
	return c
}

// Budget is the shared gate every summarization call passes through. It is
// safe for concurrent use and can be retuned while calls are in flight.
type Budget struct {
	mu     sync.RWMutex
	cfg    BudgetConfig
	sem    *semaphore.Weighted
	minute *rate.Limiter
	hour   *rate.Limiter

	inFlight atomic.Int64
	granted  atomic.Int64
}

// NewBudget creates a budget.
func NewBudget(cfg BudgetConfig) *Budget {
	cfg = cfg.withDefaults()
	return &Budget{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		minute: rate.NewLimiter(perWindow(cfg.PerMinute, time.Minute), cfg.PerMinute),
		hour:   rate.NewLimiter(perWindow(cfg.PerHour, time.Hour), cfg.PerHour),
	}
}

func perWindow(n int, window time.Duration) rate.Limit {
	return rate.Every(window / time.Duration(n))
}

// Acquire blocks until a call may proceed: a concurrency slot is free and
// both rate windows have capacity. The returned release must be called
// when the call finishes.
func (b *Budget) Acquire(ctx context.Context) (release func(), err error) {
	b.mu.RLock()
	sem, minute, hour := b.sem, b.minute, b.hour
	b.mu.RUnlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := minute.Wait(ctx); err != nil {
		sem.Release(1)
		return nil, err
	}
	if err := hour.Wait(ctx); err != nil {
		sem.Release(1)
		return nil, err
	}

	b.inFlight.Add(1)
	b.granted.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			b.inFlight.Add(-1)
			sem.Release(1)
		})
	}, nil
}

// Reconfigure applies new limits. Rate changes take effect immediately;
// a concurrency change applies to calls acquired after it.
func (b *Budget) Reconfigure(cfg BudgetConfig) {
	cfg = cfg.withDefaults()
	b.mu.Lock()
	defer b.mu.Unlock()

	if cfg.Concurrency != b.cfg.Concurrency {
		b.sem = semaphore.NewWeighted(int64(cfg.Concurrency))
	}
	if cfg.PerMinute != b.cfg.PerMinute {
		b.minute.SetLimit(perWindow(cfg.PerMinute, time.Minute))
		b.minute.SetBurst(cfg.PerMinute)
	}
	if cfg.PerHour != b.cfg.PerHour {
		b.hour.SetLimit(perWindow(cfg.PerHour, time.Hour))
		b.hour.SetBurst(cfg.PerHour)
	}
	b.cfg = cfg
}

// BudgetStatus reports current limits and usage.
type BudgetStatus struct {
	Concurrency     int     `json:"concurrency"`
	PerMinute       int     `json:"per_minute"`
	PerHour         int     `json:"per_hour"`
	InFlight        int64   `json:"in_flight"`
	Granted         int64   `json:"granted"`
	MinuteAvailable float64 `json:"minute_available"`
	HourAvailable   float64 `json:"hour_available"`
}

// Status returns a snapshot of the budget.
func (b *Budget) Status() BudgetStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BudgetStatus{
		Concurrency:     b.cfg.Concurrency,
		PerMinute:       b.cfg.PerMinute,
		PerHour:         b.cfg.PerHour,
		InFlight:        b.inFlight.Load(),
		Granted:         b.granted.Load(),
		MinuteAvailable: b.minute.Tokens(),
		HourAvailable:   b.hour.Tokens(),
	}
}
