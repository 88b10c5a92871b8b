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
	"net"
	"strings"

	"github.com/foxcpp/mailprobe/framework/config"
	"github.com/foxcpp/mailprobe/framework/log"
	"github.com/foxcpp/mailprobe/internal/store"
)

// IPBlocker temporarily bans client addresses that keep failing
// authentication.
//
// Failures are counted in a fixed window per IP; reaching MaxFailures
// blocks the address for BlockDuration. A successful authentication
// does not reset the counter.
type IPBlocker struct {
	cfg   config.IPBlock
	store store.Store
	log   log.Logger
}

func NewIPBlocker(cfg config.IPBlock, st store.Store, logger log.Logger) *IPBlocker {
	return &IPBlocker{cfg: cfg, store: st, log: logger}
}

// RecordFailure counts one failed authentication from ip and reports
// whether the address is now blocked.
func (b *IPBlocker) RecordFailure(ctx context.Context, ip string) (blocked bool, err error) {
	n, err := b.store.Incr(ctx, "failed_attempts:"+ip)
	if err != nil {
		return false, err
	}
	if n == 1 {
		if err := b.store.Expire(ctx, "failed_attempts:"+ip, b.cfg.FailureWindow); err != nil {
			return false, err
		}
	}

	if n < int64(b.cfg.MaxFailures) {
		return false, nil
	}

	if err := b.store.Set(ctx, "blocked_ip:"+ip, "1", b.cfg.BlockDuration); err != nil {
		return false, err
	}
	ipsBlocked.Inc()
	b.log.Msg("client address blocked", "ip", ip, "failures", n)
	return true, nil
}

// IsBlocked reports whether ip is currently banned. Store errors fail
// open: an unreachable Redis must not lock every client out.
func (b *IPBlocker) IsBlocked(ctx context.Context, ip string) bool {
	blocked, err := b.store.Exists(ctx, "blocked_ip:"+ip)
	if err != nil {
		b.log.Error("IP block check failed", err, "ip", ip)
		return false
	}
	return blocked
}

// ClientIP derives the client address from the X-Forwarded-For header
// if present (first element), falling back to the peer address.
func ClientIP(forwardedFor, remoteAddr string) string {
	if forwardedFor != "" {
		first := forwardedFor
		if idx := strings.IndexByte(forwardedFor, ','); idx >= 0 {
			first = forwardedFor[:idx]
		}
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
