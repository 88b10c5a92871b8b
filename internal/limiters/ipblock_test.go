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
	"testing"
	"time"

	"github.com/foxcpp/mailprobe/framework/config"
	"github.com/foxcpp/mailprobe/internal/store"
	"github.com/foxcpp/mailprobe/internal/testutils"
)

func testBlocker(t *testing.T) (*IPBlocker, *time.Time) {
	t.Helper()
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	mem.Now = func() time.Time { return now }

	cfg := config.IPBlock{
		MaxFailures:   3,
		FailureWindow: 5 * time.Minute,
		BlockDuration: time.Hour,
	}
	return NewIPBlocker(cfg, mem, testutils.Logger(t, "ipblock")), &now
}

func TestIPBlocker_BlocksAfterMaxFailures(t *testing.T) {
	b, _ := testBlocker(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		blocked, err := b.RecordFailure(ctx, "192.0.2.1")
		if err != nil || blocked {
			t.Fatalf("blocked early: %v, %v", blocked, err)
		}
		if b.IsBlocked(ctx, "192.0.2.1") {
			t.Fatal("IsBlocked before threshold")
		}
	}

	blocked, err := b.RecordFailure(ctx, "192.0.2.1")
	if err != nil || !blocked {
		t.Fatalf("not blocked at threshold: %v, %v", blocked, err)
	}
	if !b.IsBlocked(ctx, "192.0.2.1") {
		t.Fatal("IsBlocked false after block")
	}
	if b.IsBlocked(ctx, "192.0.2.2") {
		t.Fatal("unrelated IP blocked")
	}
}

func TestIPBlocker_BlockExpires(t *testing.T) {
	b, now := testBlocker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "192.0.2.1")
	}
	if !b.IsBlocked(ctx, "192.0.2.1") {
		t.Fatal("not blocked")
	}

	*now = now.Add(2 * time.Hour)
	if b.IsBlocked(ctx, "192.0.2.1") {
		t.Fatal("block survived its duration")
	}
}

func TestIPBlocker_WindowExpires(t *testing.T) {
	b, now := testBlocker(t)
	ctx := context.Background()

	b.RecordFailure(ctx, "192.0.2.1")
	b.RecordFailure(ctx, "192.0.2.1")

	// Failure counter resets once the window passes.
	*now = now.Add(10 * time.Minute)
	blocked, _ := b.RecordFailure(ctx, "192.0.2.1")
	if blocked {
		t.Fatal("stale failures counted")
	}
}

func TestClientIP(t *testing.T) {
	for _, tc := range []struct {
		xff, remote, want string
	}{
		{"", "192.0.2.1:1234", "192.0.2.1"},
		{"203.0.113.5", "192.0.2.1:1234", "203.0.113.5"},
		{"203.0.113.5, 10.0.0.1", "192.0.2.1:1234", "203.0.113.5"},
		{" 203.0.113.5 ,10.0.0.1", "192.0.2.1:1234", "203.0.113.5"},
		{"", "bad-addr", "bad-addr"},
	} {
		if got := ClientIP(tc.xff, tc.remote); got != tc.want {
			t.Errorf("ClientIP(%q, %q) = %q, want %q", tc.xff, tc.remote, got, tc.want)
		}
	}
}
