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

package limiters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foxcpp/mailprobe/framework/config"
	"github.com/foxcpp/mailprobe/internal/store"
	"github.com/foxcpp/mailprobe/internal/testutils"
)

func testLimiter(t *testing.T, limit int) (*L, *store.Memory, *time.Time) {
	t.Helper()
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	mem.Now = func() time.Time { return now }

	cfg := config.RateLimit{
		Enabled:       true,
		DefaultLimit:  limit,
		DefaultWindow: time.Hour,
		FallbackLimit: 2,
	}
	l := New(cfg, mem, testutils.Logger(t, "limiter"))
	l.now = func() time.Time { return now }
	t.Cleanup(l.Close)
	return l, mem, &now
}

func TestLimiter_BasicTier(t *testing.T) {
	l, _, _ := testLimiter(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := l.Allow(ctx, "key1", TierBasic)
		if !d.Allowed {
			t.Fatalf("request %d denied early", i+1)
		}
		if d.Remaining != 3-(i+1) {
			t.Fatalf("request %d: remaining = %d", i+1, d.Remaining)
		}
	}

	if d := l.Allow(ctx, "key1", TierBasic); d.Allowed {
		t.Fatal("request over the limit allowed")
	}

	// Other keys are unaffected.
	if d := l.Allow(ctx, "key2", TierBasic); !d.Allowed {
		t.Fatal("unrelated key denied")
	}
}

func TestLimiter_WindowSlides(t *testing.T) {
	l, _, now := testLimiter(t, 2)
	ctx := context.Background()

	l.Allow(ctx, "key", TierBasic)
	l.Allow(ctx, "key", TierBasic)
	if d := l.Allow(ctx, "key", TierBasic); d.Allowed {
		t.Fatal("over-limit request allowed")
	}

	*now = now.Add(2 * time.Hour)
	if d := l.Allow(ctx, "key", TierBasic); !d.Allowed {
		t.Fatal("request denied after window passed")
	}
}

func TestLimiter_TierMultipliers(t *testing.T) {
	if TierBasic.Limit(100) != 100 {
		t.Error("basic limit")
	}
	if TierPro.Limit(100) != 1000 {
		t.Error("pro limit")
	}
	if TierEnterprise.Limit(100) != 10000 {
		t.Error("enterprise limit")
	}
	if TierUnlimited.Limit(100) != -1 {
		t.Error("unlimited limit")
	}
}

func TestLimiter_UnlimitedNoIO(t *testing.T) {
	l, _, _ := testLimiter(t, 1)
	l.store = failingStore{}

	// Unlimited tier never touches the store.
	d := l.Allow(context.Background(), "key", TierUnlimited)
	if !d.Allowed || d.Limit != -1 {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestLimiter_FailOpenBounded(t *testing.T) {
	l, _, _ := testLimiter(t, 100)
	l.store = failingStore{}
	ctx := context.Background()

	// Fallback bucket has FallbackLimit=2 tokens.
	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow(ctx, "key", TierBasic).Allowed {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("fallback allowed %d requests, want 2", allowed)
	}
}

func TestLimiter_Disabled(t *testing.T) {
	l, _, _ := testLimiter(t, 1)
	l.cfg.Enabled = false

	for i := 0; i < 5; i++ {
		if !l.Allow(context.Background(), "key", TierBasic).Allowed {
			t.Fatal("disabled limiter denied a request")
		}
	}
}

type failingStore struct {
	store.Store
}

func (failingStore) SlideWindow(context.Context, string, time.Time, time.Duration) (int64, error) {
	return 0, errors.New("store down")
}

func TestParseTier(t *testing.T) {
	if ParseTier("pro") != TierPro {
		t.Error("pro")
	}
	if ParseTier("bogus") != TierBasic {
		t.Error("unknown must default to basic")
	}
}
