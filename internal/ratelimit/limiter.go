package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketCounters = []byte("rate_counters")

// Scope identifies which limit denied a submission
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopeSender    Scope = "sender"
	ScopeRecipient Scope = "recipient"
)

// Window contains rate limit values for one scope
type Window struct {
	PerHour int `yaml:"per_hour" json:"per_hour"`
	PerDay  int `yaml:"per_day" json:"per_day"`
}

// Config contains rate limit configuration
type Config struct {
	// Limit across all submissions
	Global *Window `yaml:"global,omitempty"`

	// Limit per sender address
	PerSender *Window `yaml:"per_sender,omitempty"`

	// Limit per recipient address
	PerRecipient *Window `yaml:"per_recipient,omitempty"`

	// Persistence settings
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// Request describes a submission to check
type Request struct {
	Sender    string
	Recipient string
}

// Decision is the outcome of a rate limit check
type Decision struct {
	Allowed    bool
	DeniedBy   Scope
	DeniedKey  string
	RetryAfter time.Duration
}

// Stats contains counter values for one key
type Stats struct {
	Scope       Scope
	Key         string
	HourlyCount int
	DailyCount  int
	HourStart   time.Time
	DayStart    time.Time
}

type counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Limiter enforces submission limits with counters persisted to BoltDB,
// so restarts do not reset the windows.
type Limiter struct {
	db       *bolt.DB
	config   *Config
	counters map[string]*counter
	mu       sync.RWMutex
	stopCh   chan struct{}
}

// NewLimiter creates a limiter and starts background persistence.
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCounters)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create counters bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		counters: make(map[string]*counter),
		stopCh:   make(chan struct{}),
	}

	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	go l.persistLoop()

	return l, nil
}

// Allow checks every applicable scope and increments counters only when
// all of them pass. Denials report when to retry.
func (l *Limiter) Allow(ctx context.Context, req *Request) (*Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	decision := &Decision{Allowed: true}
	now := time.Now()
	checks := l.checksFor(req)

	for _, check := range checks {
		c := l.getOrCreateCounter(check.key, now)
		resetExpired(c, now)

		if check.window.PerHour > 0 && c.HourlyCount >= check.window.PerHour {
			decision.Allowed = false
			decision.DeniedBy = check.scope
			decision.DeniedKey = check.key
			decision.RetryAfter = c.HourStart.Add(time.Hour).Sub(now)
			return decision, nil
		}
		if check.window.PerDay > 0 && c.DailyCount >= check.window.PerDay {
			decision.Allowed = false
			decision.DeniedBy = check.scope
			decision.DeniedKey = check.key
			decision.RetryAfter = c.DayStart.Add(24 * time.Hour).Sub(now)
			return decision, nil
		}
	}

	for _, check := range checks {
		c := l.counters[check.key]
		c.HourlyCount++
		c.DailyCount++
	}

	return decision, nil
}

// GetStats returns current counter values for one key.
func (l *Limiter) GetStats(ctx context.Context, scope Scope, key string) (*Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	c, exists := l.counters[makeKey(scope, key)]
	if !exists {
		return &Stats{Scope: scope, Key: key}, nil
	}

	now := time.Now()
	stats := &Stats{
		Scope:       scope,
		Key:         key,
		HourlyCount: c.HourlyCount,
		DailyCount:  c.DailyCount,
		HourStart:   c.HourStart,
		DayStart:    c.DayStart,
	}
	if now.Sub(c.HourStart) >= time.Hour {
		stats.HourlyCount = 0
	}
	if now.Sub(c.DayStart) >= 24*time.Hour {
		stats.DailyCount = 0
	}
	return stats, nil
}

// Stop stops background persistence and flushes counters.
func (l *Limiter) Stop() error {
	close(l.stopCh)
	return l.persistCounters()
}

type scopedCheck struct {
	scope  Scope
	key    string
	window *Window
}

func (l *Limiter) checksFor(req *Request) []scopedCheck {
	var checks []scopedCheck

	if l.config.Global != nil {
		checks = append(checks, scopedCheck{
			scope:  ScopeGlobal,
			key:    makeKey(ScopeGlobal, "global"),
			window: l.config.Global,
		})
	}
	if req.Sender != "" && l.config.PerSender != nil {
		checks = append(checks, scopedCheck{
			scope:  ScopeSender,
			key:    makeKey(ScopeSender, req.Sender),
			window: l.config.PerSender,
		})
	}
	if req.Recipient != "" && l.config.PerRecipient != nil {
		checks = append(checks, scopedCheck{
			scope:  ScopeRecipient,
			key:    makeKey(ScopeRecipient, req.Recipient),
			window: l.config.PerRecipient,
		})
	}

	return checks
}

func (l *Limiter) getOrCreateCounter(key string, now time.Time) *counter {
	c, exists := l.counters[key]
	if !exists {
		c = &counter{HourStart: now, DayStart: now}
		l.counters[key] = c
	}
	return c
}

func resetExpired(c *counter, now time.Time) {
	if now.Sub(c.HourStart) >= time.Hour {
		c.HourlyCount = 0
		c.HourStart = now
	}
	if now.Sub(c.DayStart) >= 24*time.Hour {
		c.DailyCount = 0
		c.DayStart = now
	}
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCounters)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var c counter
			if err := json.Unmarshal(v, &c); err != nil {
				return nil // Skip invalid entries
			}
			l.counters[string(k)] = &c
			return nil
		})
	})
}

func (l *Limiter) persistCounters() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCounters)
		if bucket == nil {
			return nil
		}
		for key, c := range l.counters {
			data, err := json.Marshal(c)
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistCounters()
		}
	}
}

func makeKey(scope Scope, key string) string {
	return string(scope) + ":" + key
}
