package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openlot/lotsync/pkg/metrics"
)

// BreakerState enumerates circuit breaker states.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned when a call is rejected without reaching the remote side.
var ErrBreakerOpen = errors.New("resilience: circuit breaker open")

// BreakerConfig tunes the per-account circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive countable failures that trips
	// the breaker open.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before allowing a half-open probe.
	Cooldown time.Duration
	// Countable reports whether an error should increment the failure count.
	// Configuration-class errors (bad credentials, conflicting identifiers,
	// constraint violations) must return false: they signal a setup problem, not
	// transient unavailability.
	Countable func(error) bool
	// RateLimitDelay extracts a resume-after hint from a rate-limit error,
	// returning zero when the error carries none. A non-zero hint throttles
	// subsequent calls until the hinted time, independently of breaker state.
	RateLimitDelay func(error) time.Duration
	// Clock overrides time.Now, primarily for tests.
	Clock func() time.Time
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Breaker short-circuits calls against a failing or rate-limited remote account.
type Breaker struct {
	cfg     BreakerConfig
	account string

	mu       sync.Mutex
	state    BreakerState
	failures int
	probing  bool
	openedAt time.Time
	resumeAt time.Time
}

// NewBreaker constructs a breaker for one remote account key.
func NewBreaker(account string, cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), account: account, state: StateClosed}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op through the breaker. Calls first honour any pending
// rate-limit resume-after window, then consult breaker state.
func (b *Breaker) Execute(ctx context.Context, op func() error) error {
	if err := b.waitForResume(ctx); err != nil {
		return err
	}

	if err := b.allow(); err != nil {
		return err
	}

	err := op()
	b.record(err)
	return err
}

func (b *Breaker) waitForResume(ctx context.Context) error {
	b.mu.Lock()
	wait := b.resumeAt.Sub(b.cfg.Clock())
	b.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.cfg.Clock().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrBreakerOpen
		}
		b.setState(StateHalfOpen)
		b.probing = true
	case StateHalfOpen:
		// One probe at a time; concurrent callers wait for its verdict.
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false

	if err == nil {
		b.failures = 0
		b.setState(StateClosed)
		return
	}

	if b.cfg.RateLimitDelay != nil {
		if delay := b.cfg.RateLimitDelay(err); delay > 0 {
			b.resumeAt = b.cfg.Clock().Add(delay)
			return
		}
	}

	if b.cfg.Countable != nil && !b.cfg.Countable(err) {
		return
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.openedAt = b.cfg.Clock()
		b.setState(StateOpen)
	}
}

func (b *Breaker) setState(state BreakerState) {
	if b.state == state {
		return
	}
	b.state = state
	metrics.BreakerState.WithLabelValues(b.account).Set(float64(state))
}

// Registry hands out one breaker per remote account key.
type Registry struct {
	cfg BreakerConfig

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry constructs a breaker registry sharing one configuration.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for the supplied account, creating it on first use.
func (r *Registry) Get(account string) *Breaker {
	r.mu.RLock()
	breaker, ok := r.breakers[account]
	r.mu.RUnlock()
	if ok {
		return breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if breaker, ok = r.breakers[account]; ok {
		return breaker
	}

	breaker = NewBreaker(account, r.cfg)
	r.breakers[account] = breaker
	return breaker
}
