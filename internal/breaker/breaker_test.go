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

package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func testBreaker(t *testing.T) (*B, *time.Time) {
	t.Helper()
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	b := New("mx.example.org:25", Config{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		HalfOpenMax:      2,
	})
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(ctx context.Context) error    { return errBoom }
func succeed(ctx context.Context) error { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := testBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if b.State() != StateClosed {
			t.Fatalf("opened early after %d failures", i)
		}
		if err := b.Do(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if b.State() != StateOpen {
		t.Fatal("expected open state")
	}

	called := false
	err := b.Do(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("operation ran while open")
	}
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b, _ := testBreaker(t)
	ctx := context.Background()

	b.Do(ctx, fail)
	b.Do(ctx, fail)
	b.Do(ctx, succeed)
	b.Do(ctx, fail)
	b.Do(ctx, fail)
	if b.State() != StateClosed {
		t.Fatal("breaker opened despite intervening success")
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, now := testBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Do(ctx, fail)
	}
	*now = now.Add(2 * time.Minute)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}

	// The first trial success closes it again.
	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}

	// And the failure counter starts from zero.
	b.Do(ctx, fail)
	b.Do(ctx, fail)
	if b.State() != StateClosed {
		t.Fatal("recovery kept stale failure count")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := testBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Do(ctx, fail)
	}
	*now = now.Add(2 * time.Minute)
	b.Do(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("expected reopen, got %v", b.State())
	}
}

func TestBreaker_HalfOpenAdmissionLimit(t *testing.T) {
	b, now := testBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Do(ctx, fail)
	}
	*now = now.Add(2 * time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	for i := 0; i < 2; i++ {
		go b.Do(ctx, func(context.Context) error {
			started <- struct{}{}
			<-release
			return nil
		})
	}
	<-started
	<-started

	// Both trial slots taken, the next caller is rejected.
	if err := b.Do(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	close(release)
}

func TestBreaker_CallerCancelNotCounted(t *testing.T) {
	b, _ := testBreaker(t)

	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := b.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatal("caller cancellations opened the breaker")
	}
}

func TestRegistry_PerEndpoint(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMax: 1})
	ctx := context.Background()

	r.Do(ctx, "a.example.org:25", fail)
	if r.Get("a.example.org:25").State() != StateOpen {
		t.Fatal("expected a.example.org open")
	}
	if r.Get("b.example.org:25").State() != StateClosed {
		t.Fatal("b.example.org affected by a.example.org failures")
	}
	if r.Get("a.example.org:25") != r.Get("a.example.org:25") {
		t.Fatal("registry handed out two breakers for one endpoint")
	}
}
