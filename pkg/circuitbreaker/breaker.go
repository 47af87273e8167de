// Package circuitbreaker guards calls to a flaky dependency and fails fast
// once it keeps erroring, probing it again after a cool-down.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
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

type Config struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker; SuccessThreshold the half-open success count that closes it.
	FailureThreshold uint32
	SuccessThreshold uint32
	// MaxRequests bounds concurrent probes while half-open.
	MaxRequests uint32
	// Timeout is how long the breaker stays open before probing.
	Timeout       time.Duration
	OnStateChange func(name string, from, to State)
	Logger        *zap.Logger
}

type Breaker struct {
	name string
	cfg  Config

	mu sync.Mutex
	// epoch invalidates settle calls from requests admitted before the
	// last state change.
	epoch     uint64
	state     State
	requests  uint32
	failures  uint32
	successes uint32
	openedAt  time.Time
}

func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Breaker{name: name, cfg: cfg}
}

// Execute runs fn unless the breaker is open. A panic in fn counts as a
// failure and is re-raised.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	epoch, err := b.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.settle(epoch, false)
			panic(r)
		}
	}()

	err = fn()
	b.settle(epoch, err == nil)
	return err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refreshLocked(time.Now())

	switch {
	case b.state == StateOpen:
		return b.epoch, ErrOpen
	case b.state == StateHalfOpen && b.requests >= b.cfg.MaxRequests:
		return b.epoch, ErrTooManyRequests
	}

	b.requests++
	return b.epoch, nil
}

func (b *Breaker) settle(epoch uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if epoch != b.epoch {
		return
	}

	now := time.Now()
	if ok {
		b.successes++
		b.failures = 0
		if b.state == StateHalfOpen && b.successes >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed, now)
		}
		return
	}

	b.failures++
	b.successes = 0
	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen, now)
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen, now)
	}
}

// refreshLocked moves an open breaker to half-open once the cool-down has
// elapsed.
func (b *Breaker) refreshLocked(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.Timeout {
		b.transitionLocked(StateHalfOpen, now)
	}
}

func (b *Breaker) transitionLocked(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}

	b.state = to
	b.epoch++
	b.requests = 0
	b.failures = 0
	b.successes = 0
	if to == StateOpen {
		b.openedAt = now
	}

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
	if b.cfg.Logger != nil {
		b.cfg.Logger.Info("Circuit breaker state changed",
			zap.String("name", b.name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refreshLocked(time.Now())
	return b.state
}

func (b *Breaker) Name() string {
	return b.name
}
