package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is the position of a Breaker.
type State int

const (
	StateClosed   State = iota // calls pass
	StateOpen                  // calls are refused until the cooldown ends
	StateHalfOpen              // one probe call decides
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int
	// Cooldown is how long an open breaker refuses calls before probing.
	Cooldown time.Duration
	// IsFailure reports whether an error means the dependency is unhealthy.
	// Other errors leave the breaker as it is. Nil counts every error.
	IsFailure func(error) bool
	// OnStateChange runs after every transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

// DefaultBreakerConfig opens after five straight failures and probes again
// after thirty seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// OpenError is returned while a Breaker refuses calls.
type OpenError struct {
	Name     string
	Failures int
	RetryIn  time.Duration
}

func (e *OpenError) Error() string {
	if e.RetryIn <= 0 {
		return fmt.Sprintf("%s: circuit half-open, probe in flight", e.Name)
	}
	return fmt.Sprintf("%s: circuit open after %d consecutive failures, retry in %s",
		e.Name, e.Failures, e.RetryIn.Round(time.Millisecond))
}

// Breaker guards calls to one dependency. After FailureThreshold consecutive
// failures it refuses calls for Cooldown, then lets a single probe through;
// the probe closes it again or restarts the cooldown.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed Breaker for the named dependency.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

func (b *Breaker) Name() string { return b.name }

// State returns the current position. An open breaker whose cooldown has
// passed reports half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Failures returns the current run of consecutive failures.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Do runs fn unless the breaker refuses it, in which case an *OpenError is
// returned and fn is not called. fn's error is returned unchanged.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.record(probe, err)
	return err
}

func (b *Breaker) allow() (probe bool, err error) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cfg.Cooldown {
			err = &OpenError{Name: b.name, Failures: b.failures, RetryIn: b.cfg.Cooldown - elapsed}
			break
		}
		b.state = StateHalfOpen
		b.probing, probe = true, true
	case StateHalfOpen:
		if b.probing {
			err = &OpenError{Name: b.name, Failures: b.failures}
			break
		}
		b.probing, probe = true, true
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return probe, err
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	from := b.state
	if probe {
		b.probing = false
	}
	switch {
	case err == nil:
		b.failures = 0
		b.state = StateClosed
	case b.cfg.IsFailure != nil && !b.cfg.IsFailure(err):
		// Not the dependency's fault; a half-open breaker waits for the next probe.
	default:
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}
