package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/curator/internal/config"
	"github.com/pitabwire/curator/model"
)

// ErrBreakerOpen is returned while the breaker short-circuits delivery.
var ErrBreakerOpen = errors.New("notification breaker is open")

// BreakerState is the position of a Breaker.
type BreakerState int

const (
	// BreakerClosed passes every call through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the open period ends.
	BreakerOpen
	// BreakerHalfOpen lets probe calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker trips after a run of consecutive failures and recovers after
// enough successful probes. It is safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	probes    int
	threshold int
	recovery  int
	openFor   time.Duration
	openedAt  time.Time
	now       func() time.Time
}

// NewBreaker creates a closed breaker from cfg. Zero probe and open values
// fall back to 2 probes and 30 seconds.
func NewBreaker(cfg config.BreakerConfig) *Breaker {
	b := &Breaker{
		threshold: cfg.FailureThreshold,
		recovery:  cfg.ProbeSuccesses,
		openFor:   cfg.OpenFor,
		now:       time.Now,
	}
	if b.threshold < 1 {
		b.threshold = 5
	}
	if b.recovery < 1 {
		b.recovery = 2
	}
	if b.openFor <= 0 {
		b.openFor = 30 * time.Second
	}
	return b
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current() != BreakerOpen
}

// Success records a call that worked.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.current() {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.probes++
		if b.probes >= b.recovery {
			b.state, b.failures, b.probes = BreakerClosed, 0, 0
		}
	}
}

// Failure records a call that failed. A failed probe reopens at once.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.current() {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// State returns the breaker position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current()
}

// current advances an expired open period. Callers hold mu.
func (b *Breaker) current() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.openFor {
		b.state, b.probes = BreakerHalfOpen, 0
	}
	return b.state
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.probes = 0
}

// BreakerEmitter guards a remote emitter, usually the broker publisher, so
// an unreachable broker fails fast instead of stalling every transition.
type BreakerEmitter struct {
	next    Emitter
	breaker *Breaker
	logger  *zap.Logger
}

// NewBreakerEmitter wraps next with breaker.
func NewBreakerEmitter(next Emitter, breaker *Breaker, logger *zap.Logger) *BreakerEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerEmitter{next: next, breaker: breaker, logger: logger}
}

func (e *BreakerEmitter) Notify(ctx context.Context, n model.Notification) error {
	if !e.breaker.Allow() {
		return ErrBreakerOpen
	}
	before := e.breaker.State()
	if err := e.next.Notify(ctx, n); err != nil {
		e.breaker.Failure()
		if after := e.breaker.State(); after == BreakerOpen && before != BreakerOpen {
			e.logger.Warn("notification breaker opened", zap.Error(err))
		}
		return err
	}
	e.breaker.Success()
	if before == BreakerHalfOpen && e.breaker.State() == BreakerClosed {
		e.logger.Info("notification breaker closed")
	}
	return nil
}

func (e *BreakerEmitter) ResolvePending(ctx context.Context, objectType, objectID, procedureType string) error {
	return e.next.ResolvePending(ctx, objectType, objectID, procedureType)
}
