/*
Mailprobe - Email address verification service.
Copyright © 2024 Mailprobe contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package breaker implements a per-endpoint circuit breaker used around
// SMTP probe attempts.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/foxcpp/mailprobe/framework/exterrors"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrOpen is returned by Do without calling the operation when the
// breaker is open. It is a temporary error.
var ErrOpen = &exterrors.SMTPError{
	Code:    451,
	Message: "Remote endpoint temporarily disabled",
	Reason:  "circuit breaker open",
}

type Config struct {
	// Consecutive failures in the closed state before opening.
	FailureThreshold int

	// Time the breaker stays open before allowing trial calls.
	RecoveryTimeout time.Duration

	// Number of concurrent trial calls admitted in the half-open state.
	// The first trial success closes the breaker.
	HalfOpenMax int
}

// B tracks the health of one remote endpoint.
type B struct {
	cfg      Config
	endpoint string

	mu               sync.Mutex
	state            State
	failures         int
	openedAt         time.Time
	halfOpenInflight int

	now func() time.Time
}

func New(endpoint string, cfg Config) *B {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = time.Minute
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &B{
		cfg:      cfg,
		endpoint: endpoint,
		state:    StateClosed,
		now:      time.Now,
	}
}

// State returns the current state, applying the open -> half-open
// transition if the recovery timeout elapsed.
func (b *B) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRecoverLocked()
	return b.state
}

func (b *B) maybeRecoverLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.setStateLocked(StateHalfOpen)
		b.halfOpenInflight = 0
	}
}

func (b *B) setStateLocked(s State) {
	if b.state == s {
		return
	}
	b.state = s
	breakerState.WithLabelValues(b.endpoint).Set(float64(s))
	if s == StateOpen {
		b.openedAt = b.now()
		breakerOpened.WithLabelValues(b.endpoint).Inc()
	}
}

// Do runs op under the breaker.
//
// In the open state op is not called and ErrOpen is returned. In the
// half-open state at most HalfOpenMax concurrent trial calls are in
// flight; the rest get ErrOpen. The first trial that succeeds closes
// the breaker.
//
// A failure caused by the caller's own context being canceled does not
// count against the endpoint.
func (b *B) Do(ctx context.Context, op func(context.Context) error) error {
	b.mu.Lock()
	b.maybeRecoverLocked()
	trial := false
	switch b.state {
	case StateOpen:
		b.mu.Unlock()
		breakerRejected.WithLabelValues(b.endpoint).Inc()
		return ErrOpen
	case StateHalfOpen:
		if b.halfOpenInflight >= b.cfg.HalfOpenMax {
			b.mu.Unlock()
			breakerRejected.WithLabelValues(b.endpoint).Inc()
			return ErrOpen
		}
		b.halfOpenInflight++
		trial = true
	}
	b.mu.Unlock()

	err := op(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	if trial && b.halfOpenInflight > 0 {
		b.halfOpenInflight--
	}

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// Caller gave up, the endpoint is not to blame.
		return err
	}

	if err != nil {
		b.onFailureLocked()
		return err
	}
	b.onSuccessLocked()
	return nil
}

func (b *B) onFailureLocked() {
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		// Any trial failure reopens immediately.
		b.setStateLocked(StateOpen)
	}
}

func (b *B) onSuccessLocked() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		// Any trial success closes the breaker again.
		b.setStateLocked(StateClosed)
		b.failures = 0
	}
}

// Registry hands out one breaker per endpoint name (host:port for SMTP).
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*B
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: map[string]*B{},
	}
}

func (r *Registry) Get(endpoint string) *B {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[endpoint]
	if !ok {
		b = New(endpoint, r.cfg)
		r.breakers[endpoint] = b
	}
	return b
}

// Do is shorthand for Get(endpoint).Do(ctx, op).
func (r *Registry) Do(ctx context.Context, endpoint string, op func(context.Context) error) error {
	return r.Get(endpoint).Do(ctx, op)
}
