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

// Package prober checks mailbox existence over SMTP without sending
// mail.
//
// A probe runs MAIL FROM and RCPT TO against the MX hosts of the
// recipient domain, in priority order, and maps the RCPT reply code to a
// verdict. The DATA stage is never reached, no message is ever
// delivered.
package prober

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxcpp/mailprobe/framework/config"
	"github.com/foxcpp/mailprobe/framework/exterrors"
	"github.com/foxcpp/mailprobe/framework/log"
	"github.com/foxcpp/mailprobe/internal/breaker"
	"github.com/foxcpp/mailprobe/internal/smtppool"
)

type Verdict int

const (
	// Deliverable means some MX accepted RCPT TO with code 250.
	Deliverable Verdict = iota

	// Undeliverable means some MX rejected the mailbox outright
	// (550, 551 or 553).
	Undeliverable

	// Tempfail means the decisive reply was a transient rejection
	// (greylisting, full mailbox) that persisted through retries.
	Tempfail

	// PolicyBlock means the MX rejected the probe itself rather than
	// the mailbox: our sender was refused or an unrelated permanent
	// reply came back.
	PolicyBlock

	// Inconclusive means no MX gave any usable reply.
	Inconclusive
)

func (v Verdict) String() string {
	switch v {
	case Deliverable:
		return "deliverable"
	case Undeliverable:
		return "undeliverable"
	case Tempfail:
		return "tempfail"
	case PolicyBlock:
		return "policy_block"
	case Inconclusive:
		return "inconclusive"
	}
	return "unknown"
}

// Authoritative reports whether the verdict settles mailbox existence.
// Only such verdicts stop the MX scan and are worth caching at full TTL.
func (v Verdict) Authoritative() bool {
	return v == Deliverable || v == Undeliverable
}

type Result struct {
	Verdict Verdict

	// SMTP reply code that decided the verdict, 0 if none was received.
	Code int

	// Message line of the decisive reply.
	Message string

	// MX host that produced the reply.
	MXHost string

	// Last error seen, set for non-authoritative results.
	Err error
}

type Prober struct {
	cfg      config.SMTP
	pool     *smtppool.P
	breakers *breaker.Registry
	log      log.Logger
}

func New(cfg config.SMTP, pool *smtppool.P, breakers *breaker.Registry, logger log.Logger) *Prober {
	return &Prober{
		cfg:      cfg,
		pool:     pool,
		breakers: breakers,
		log:      logger,
	}
}

// Probe checks whether addr is accepted by any of the given MX hosts.
//
// Hosts are tried in the given order. The first authoritative reply
// (acceptance or a permanent mailbox rejection) stops the scan;
// transient failures move on to the next host after retries.
func (p *Prober) Probe(ctx context.Context, addr string, mxHosts []string) Result {
	return p.ProbeFrom(ctx, p.cfg.FromAddress, addr, mxHosts)
}

// ProbeFrom is Probe with the MAIL FROM sender overridden for this one
// probe.
func (p *Prober) ProbeFrom(ctx context.Context, from, addr string, mxHosts []string) Result {
	if from == "" {
		from = p.cfg.FromAddress
	}
	start := time.Now()
	res := p.probe(ctx, from, addr, mxHosts)
	probeDuration.Observe(time.Since(start).Seconds())
	probesTotal.WithLabelValues(res.Verdict.String()).Inc()
	return res
}

func (p *Prober) probe(ctx context.Context, from, addr string, mxHosts []string) Result {
	if len(mxHosts) == 0 {
		return Result{
			Verdict: Inconclusive,
			Err:     errors.New("prober: no MX hosts to try"),
		}
	}

	last := Result{Verdict: Inconclusive}
	for _, host := range mxHosts {
		res := p.probeHost(ctx, host, from, addr)
		if res.Verdict.Authoritative() {
			return res
		}
		last = res

		if ctx.Err() != nil {
			break
		}
	}
	return last
}

func (p *Prober) probeHost(ctx context.Context, host, from, addr string) Result {
	endpoint := net.JoinHostPort(host, strconv.Itoa(p.cfg.Port))

	var res Result
	err := p.breakers.Do(ctx, endpoint, func(ctx context.Context) error {
		var opErr error
		res, opErr = p.attemptHost(ctx, host, from, addr)
		return opErr
	})
	if errors.Is(err, breaker.ErrOpen) {
		p.log.DebugMsg("mx skipped", "mx", host, "reason", "breaker open")
		return Result{Verdict: Inconclusive, MXHost: host, Err: err}
	}
	return res
}

// attemptHost runs the probe transaction against one host, retrying
// transient rejections with exponential backoff. The returned error is
// what the circuit breaker counts: authoritative verdicts (including
// permanent mailbox rejections) are not failures.
func (p *Prober) attemptHost(ctx context.Context, host, from, addr string) (Result, error) {
	var (
		lastRes Result
		lastErr error
	)
	delay := p.cfg.RetryDelay
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Result{Verdict: Inconclusive, MXHost: host, Err: ctx.Err()}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > p.cfg.MaxRetryDelay {
				delay = p.cfg.MaxRetryDelay
			}
		}

		res, retry, err := p.attemptOnce(ctx, host, from, addr)
		if !retry {
			return res, err
		}
		lastRes, lastErr = res, err
	}
	return lastRes, lastErr
}

func (p *Prober) attemptOnce(ctx context.Context, host, from, addr string) (res Result, retry bool, opErr error) {
	conn, err := p.pool.Borrow(ctx, host, p.cfg.Port)
	if err != nil {
		return Result{Verdict: Inconclusive, MXHost: host, Err: err}, false, err
	}

	if err := conn.C.Mail(ctx, from); err != nil {
		code := smtpCode(err)
		switch {
		case code == 421:
			// Service shutting down, the session is done for.
			p.pool.Discard(conn)
			return Result{Verdict: Inconclusive, Code: code, MXHost: host, Err: err}, false, err
		case code >= 450 && code <= 452:
			conn.RecordFailure()
			p.finish(ctx, conn)
			return Result{Verdict: Tempfail, Code: code, MXHost: host, Err: err}, true, err
		case code == 0:
			p.pool.Discard(conn)
			return Result{Verdict: Inconclusive, MXHost: host, Err: err}, false, err
		default:
			// Rejection of our sender. Nothing to retry here.
			p.finish(ctx, conn)
			return Result{Verdict: PolicyBlock, Code: code, MXHost: host, Err: err}, false, err
		}
	}

	rcptErr := conn.C.Rcpt(ctx, addr)
	if rcptErr == nil {
		p.finish(ctx, conn)
		return Result{Verdict: Deliverable, Code: 250, MXHost: host}, false, nil
	}

	code := smtpCode(rcptErr)
	switch {
	case code == 550 || code == 551 || code == 553:
		p.finish(ctx, conn)
		return Result{
			Verdict: Undeliverable,
			Code:    code,
			Message: smtpMessage(rcptErr),
			MXHost:  host,
		}, false, nil
	case code == 421:
		p.pool.Discard(conn)
		return Result{Verdict: Inconclusive, Code: code, MXHost: host, Err: rcptErr}, false, rcptErr
	case code >= 450 && code <= 452:
		// Greylisting or a full mailbox, worth another try.
		conn.RecordFailure()
		p.finish(ctx, conn)
		return Result{Verdict: Tempfail, Code: code, MXHost: host, Err: rcptErr}, true, rcptErr
	case code == 0:
		p.pool.Discard(conn)
		return Result{Verdict: Inconclusive, MXHost: host, Err: rcptErr}, false, rcptErr
	default:
		p.finish(ctx, conn)
		return Result{Verdict: PolicyBlock, Code: code, MXHost: host, Err: rcptErr}, false, rcptErr
	}
}

// finish resets the mail transaction and returns the session to the
// pool. Once the caller has given up the transaction state is unknown
// and the session is closed instead; same for one that fails RSET.
func (p *Prober) finish(ctx context.Context, conn *smtppool.Conn) {
	if ctx.Err() != nil {
		p.pool.Discard(conn)
		return
	}
	if err := conn.C.Rset(context.Background()); err != nil {
		p.pool.Discard(conn)
		return
	}
	p.pool.Release(conn)
}

// ProbeCatchAll reports whether the domain accepts mail for any local
// part. It probes a random mailbox that cannot plausibly exist;
// acceptance marks the domain as catch-all.
func (p *Prober) ProbeCatchAll(ctx context.Context, domain string, mxHosts []string) (bool, Result) {
	local := "mp-" + strings.ReplaceAll(uuid.New().String(), "-", "")
	res := p.Probe(ctx, local+"@"+domain, mxHosts)
	return res.Verdict == Deliverable, res
}

func smtpCode(err error) int {
	var serr *exterrors.SMTPError
	if errors.As(err, &serr) {
		return serr.Code
	}
	return 0
}

func smtpMessage(err error) string {
	var serr *exterrors.SMTPError
	if errors.As(err, &serr) {
		return serr.Message
	}
	return ""
}

