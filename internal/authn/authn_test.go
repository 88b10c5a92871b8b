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

package authn

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/mailprobe/internal/limiters"
	"github.com/foxcpp/mailprobe/internal/store"
	"github.com/foxcpp/mailprobe/internal/testutils"
)

func testManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	mem.Now = func() time.Time { return now }

	m := NewManager(mem, testutils.Logger(t, "authn"))
	m.now = func() time.Time { return now }
	return m, &now
}

func TestManager_GenerateResolve(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	key, err := m.Generate(ctx, limiters.TierPro, 30*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(key, "mp_") {
		t.Fatalf("unexpected key format: %q", key)
	}

	tier, err := m.Resolve(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if tier != limiters.TierPro {
		t.Fatalf("unexpected tier: %v", tier)
	}

	if _, err := m.Resolve(ctx, "mp_bogus"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestManager_Expiry(t *testing.T) {
	m, now := testManager(t)
	ctx := context.Background()

	key, err := m.Generate(ctx, limiters.TierBasic, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	*now = now.Add(48 * time.Hour)
	if _, err := m.Resolve(ctx, key); !errors.Is(err, ErrKeyExpired) {
		t.Fatalf("expected ErrKeyExpired, got %v", err)
	}
}

func TestManager_Revoke(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	key, err := m.Generate(ctx, limiters.TierBasic, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Revoke(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Resolve(ctx, key); !errors.Is(err, ErrKeyRevoked) {
		t.Fatalf("expected ErrKeyRevoked, got %v", err)
	}
}

func TestManager_Rotate(t *testing.T) {
	m, now := testManager(t)
	ctx := context.Background()

	oldKey, err := m.Generate(ctx, limiters.TierEnterprise, 0)
	if err != nil {
		t.Fatal(err)
	}
	newKey, err := m.Rotate(ctx, oldKey)
	if err != nil {
		t.Fatal(err)
	}
	if newKey == oldKey {
		t.Fatal("rotation returned the same key")
	}

	// Both keys resolve during the grace window, to the same tier.
	for _, k := range []string{oldKey, newKey} {
		tier, err := m.Resolve(ctx, k)
		if err != nil {
			t.Fatalf("resolve %q: %v", k, err)
		}
		if tier != limiters.TierEnterprise {
			t.Fatalf("unexpected tier: %v", tier)
		}
	}

	// After the window only the new key works.
	*now = now.Add(RotationTTL + time.Hour)
	if _, err := m.Resolve(ctx, oldKey); err == nil {
		t.Fatal("old key still resolves after rotation window")
	}
	if _, err := m.Resolve(ctx, newKey); err != nil {
		t.Fatalf("new key stopped resolving: %v", err)
	}
}

func TestManager_RotateRevoked(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	key, _ := m.Generate(ctx, limiters.TierBasic, 0)
	m.Revoke(ctx, key)
	if _, err := m.Rotate(ctx, key); !errors.Is(err, ErrKeyRevoked) {
		t.Fatalf("expected ErrKeyRevoked, got %v", err)
	}
}
