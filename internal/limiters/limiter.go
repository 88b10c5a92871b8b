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
	"time"

	"github.com/foxcpp/mailprobe/framework/config"
	"github.com/foxcpp/mailprobe/framework/log"
	"github.com/foxcpp/mailprobe/internal/store"
)

// Tier is the rate limiting class of an API key.
type Tier string

const (
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierUnlimited  Tier = "unlimited"
)

// ParseTier maps a stored tier name to a Tier, defaulting to basic for
// unknown values.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierPro, TierEnterprise, TierUnlimited:
		return Tier(s)
	default:
		return TierBasic
	}
}

func (t Tier) multiplier() int {
	switch t {
	case TierPro:
		return 10
	case TierEnterprise:
		return 100
	default:
		return 1
	}
}

// Limit returns the number of requests per window allowed for the tier,
// -1 for unlimited.
func (t Tier) Limit(base int) int {
	if t == TierUnlimited {
		return -1
	}
	return base * t.multiplier()
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed bool

	// Requests left in the current window, -1 when not applicable
	// (unlimited tier or fallback path).
	Remaining int

	// Limit applied, -1 for unlimited.
	Limit int
}

// L is the sliding-window rate limiter. Redis holds the per-key event
// log; when it is unreachable the limiter fails open through a local
// token bucket bounded by the configured fallback limit.
type L struct {
	cfg      config.RateLimit
	store    store.Store
	fallback *RateSet
	log      log.Logger

	now func() time.Time
}

func New(cfg config.RateLimit, st store.Store, logger log.Logger) *L {
	return &L{
		cfg:      cfg,
		store:    st,
		fallback: NewRateSet(cfg.FallbackLimit, cfg.DefaultWindow, 65536),
		log:      logger,
		now:      time.Now,
	}
}

func (l *L) Close() {
	l.fallback.Close()
}

// Allow records one request for key and reports whether it fits the
// tier's limit. The unlimited tier short-circuits without any store
// I/O.
func (l *L) Allow(ctx context.Context, key string, tier Tier) Decision {
	if !l.cfg.Enabled || tier == TierUnlimited {
		return Decision{Allowed: true, Remaining: -1, Limit: -1}
	}

	limit := tier.Limit(l.cfg.DefaultLimit)
	n, err := l.store.SlideWindow(ctx, "rate_limit:"+key, l.now(), l.cfg.DefaultWindow)
	if err != nil {
		// Fail open, but bounded: Redis being down must not turn the
		// limiter off entirely.
		l.log.Error("rate limit store unavailable, using local fallback", err, "key", key)
		if l.fallback.TakeNow(key) {
			return Decision{Allowed: true, Remaining: -1, Limit: limit}
		}
		rateLimitExceeded.WithLabelValues(string(tier)).Inc()
		return Decision{Allowed: false, Remaining: 0, Limit: limit}
	}

	if n > int64(limit) {
		rateLimitExceeded.WithLabelValues(string(tier)).Inc()
		return Decision{Allowed: false, Remaining: 0, Limit: limit}
	}

	remaining := limit - int(n)
	return Decision{Allowed: true, Remaining: remaining, Limit: limit}
}
