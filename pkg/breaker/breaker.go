// Copyright (c) Hivegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides a circuit breaker for backend broker dials.
//
// When the broker is down, every accepted client would otherwise hold a
// goroutine through a full dial timeout. The breaker fails those dials fast
// after a burst of failures and probes the broker again after a cooldown.
// It never retries on the caller's behalf.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the circuit is open and the call is not attempted.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
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
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failures before opening.
	MaxFailures int
	// ResetTimeout is how long to stay open before probing again.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in half-open
	// state required to close.
	SuccessThreshold int
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	mu            sync.Mutex
	config        Config
	state         State
	failures      int
	successes     int
	openedAt      time.Time
	onStateChange func(from, to State)
}

// New creates a circuit breaker, applying defaults for zero config fields.
func New(config Config) *Breaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	return &Breaker{config: config, state: StateClosed}
}

// Call executes fn if the breaker allows it, recording the outcome.
// Returns ErrOpen without calling fn when the circuit is open.
func (b *Breaker) Call(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.openedAt) > b.config.ResetTimeout {
			b.setState(StateHalfOpen)
			return nil
		}
		return ErrOpen
	}
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		// Any failure while half-open reopens immediately.
		if b.state == StateHalfOpen || b.failures >= b.config.MaxFailures {
			b.setState(StateOpen)
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.setState(StateClosed)
		}
	}
}

func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next

	switch next {
	case StateOpen:
		b.openedAt = time.Now()
	case StateClosed:
		b.failures = 0
		b.successes = 0
	case StateHalfOpen:
		b.successes = 0
	}

	if b.onStateChange != nil {
		go b.onStateChange(prev, next)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OnStateChange registers a callback invoked on state transitions.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}
