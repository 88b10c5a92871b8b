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

// Package authn manages API keys: generation, rotation with a grace
// window, revocation and resolution to a rate limiting tier.
package authn

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/foxcpp/mailprobe/framework/log"
	"github.com/foxcpp/mailprobe/internal/limiters"
	"github.com/foxcpp/mailprobe/internal/store"
)

var (
	ErrUnknownKey = errors.New("authn: unknown API key")
	ErrKeyRevoked = errors.New("authn: API key revoked")
	ErrKeyExpired = errors.New("authn: API key expired")
)

// RotationTTL is how long a rotated-out key keeps resolving to its
// replacement.
const RotationTTL = 7 * 24 * time.Hour

type KeyInfo struct {
	Tier      limiters.Tier
	CreatedAt time.Time
	ExpiresAt time.Time
	Active    bool
}

type Manager struct {
	store store.Store
	log   log.Logger

	now func() time.Time
}

func NewManager(st store.Store, logger log.Logger) *Manager {
	return &Manager{store: st, log: logger, now: time.Now}
}

func newKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("authn: generate key: %w", err)
	}
	return "mp_" + base64.RawURLEncoding.EncodeToString(raw), nil
}

// Generate creates a new API key for the given tier, valid for the
// given duration (0 means no expiry).
func (m *Manager) Generate(ctx context.Context, tier limiters.Tier, validFor time.Duration) (string, error) {
	key, err := newKey()
	if err != nil {
		return "", err
	}

	now := m.now()
	fields := map[string]string{
		"created_at": now.Format(time.RFC3339),
		"is_active":  "true",
		"tier":       string(tier),
	}
	if validFor > 0 {
		fields["expires_at"] = now.Add(validFor).Format(time.RFC3339)
	}
	if err := m.store.HSet(ctx, "apikey:"+key, fields); err != nil {
		return "", fmt.Errorf("authn: store key: %w", err)
	}
	if validFor > 0 {
		// Key record lingers past expiry so Resolve can tell expired
		// from unknown.
		if err := m.store.Expire(ctx, "apikey:"+key, validFor+RotationTTL); err != nil {
			return "", fmt.Errorf("authn: store key: %w", err)
		}
	}

	m.log.Msg("API key generated", "tier", tier)
	return key, nil
}

// Rotate replaces key with a fresh one of the same tier. The old key
// keeps working for RotationTTL, resolving to the new key's tier.
func (m *Manager) Rotate(ctx context.Context, key string) (string, error) {
	info, err := m.lookup(ctx, key)
	if err != nil {
		return "", err
	}
	if !info.Active {
		return "", ErrKeyRevoked
	}

	validFor := time.Duration(0)
	if !info.ExpiresAt.IsZero() {
		validFor = info.ExpiresAt.Sub(m.now())
		if validFor <= 0 {
			return "", ErrKeyExpired
		}
	}

	newKey, err := m.Generate(ctx, info.Tier, validFor)
	if err != nil {
		return "", err
	}

	if err := m.store.HSet(ctx, "apikey:"+key, map[string]string{"is_active": "false"}); err != nil {
		return "", fmt.Errorf("authn: deactivate old key: %w", err)
	}
	if err := m.store.Set(ctx, "rotation:"+key, newKey, RotationTTL); err != nil {
		return "", fmt.Errorf("authn: record rotation: %w", err)
	}

	m.log.Msg("API key rotated", "tier", info.Tier)
	return newKey, nil
}

// Revoke deactivates key immediately. Unlike rotation there is no grace
// window.
func (m *Manager) Revoke(ctx context.Context, key string) error {
	if _, err := m.lookup(ctx, key); err != nil {
		return err
	}
	if err := m.store.HSet(ctx, "apikey:"+key, map[string]string{"is_active": "false"}); err != nil {
		return fmt.Errorf("authn: revoke key: %w", err)
	}
	m.log.Msg("API key revoked")
	return nil
}

// Resolve validates key and returns its tier. A rotated-out key
// resolves through the rotation record while it lasts.
func (m *Manager) Resolve(ctx context.Context, key string) (limiters.Tier, error) {
	tier, err := m.resolve(ctx, key, true)
	if err != nil {
		return "", err
	}
	return tier, nil
}

func (m *Manager) resolve(ctx context.Context, key string, followRotation bool) (limiters.Tier, error) {
	info, err := m.lookup(ctx, key)
	if errors.Is(err, ErrUnknownKey) {
		return "", err
	}
	if err != nil {
		return "", err
	}

	if !info.Active || (!info.ExpiresAt.IsZero() && !info.ExpiresAt.After(m.now())) {
		if followRotation {
			newKey, rerr := m.store.Get(ctx, "rotation:"+key)
			if rerr == nil {
				return m.resolve(ctx, newKey, false)
			}
			if !errors.Is(rerr, store.ErrNotFound) {
				return "", rerr
			}
		}
		if !info.Active {
			return "", ErrKeyRevoked
		}
		return "", ErrKeyExpired
	}

	return info.Tier, nil
}

func (m *Manager) lookup(ctx context.Context, key string) (KeyInfo, error) {
	fields, err := m.store.HGetAll(ctx, "apikey:"+key)
	if err != nil {
		return KeyInfo{}, fmt.Errorf("authn: lookup key: %w", err)
	}
	if len(fields) == 0 {
		return KeyInfo{}, ErrUnknownKey
	}

	info := KeyInfo{
		Tier:   limiters.ParseTier(fields["tier"]),
		Active: fields["is_active"] == "true",
	}
	if v := fields["created_at"]; v != "" {
		info.CreatedAt, _ = time.Parse(time.RFC3339, v)
	}
	if v := fields["expires_at"]; v != "" {
		info.ExpiresAt, _ = time.Parse(time.RFC3339, v)
	}
	return info, nil
}
