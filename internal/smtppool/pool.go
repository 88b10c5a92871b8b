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

// Package smtppool maintains per-MX pools of live SMTP sessions for the
// prober.
//
// Each host:port key holds at most MaxPerHost connections, counting both
// idle and borrowed ones. Borrowers that find the pool at capacity wait
// on a condition variable until a connection is released or WaitTimeout
// expires.
package smtppool

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/foxcpp/mailprobe/framework/config"
	"github.com/foxcpp/mailprobe/framework/exterrors"
	"github.com/foxcpp/mailprobe/framework/log"
	"github.com/foxcpp/mailprobe/internal/smtpconn"
)

// ErrExhausted is returned by Borrow when the per-host limit is reached
// and no connection was released within WaitTimeout.
var ErrExhausted = exterrors.WithTemporary(
	errors.New("smtppool: all connections busy"), true)

// ErrClosed is returned by Borrow after CloseAll.
var ErrClosed = errors.New("smtppool: pool is closed")

// Conn is a pooled SMTP session with its reuse bookkeeping.
type Conn struct {
	C *smtpconn.C

	host     string
	port     int
	openedAt time.Time

	// Fields below are guarded by the owning bucket's lock.
	lastUsedAt  time.Time
	inUse       bool
	failedCount int
}

func (c *Conn) Key() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// RecordFailure marks one failed probe attempt on this connection.
// Connections that failed MaxRetries times are not reused.
func (c *Conn) RecordFailure() {
	c.failedCount++
}

type bucket struct {
	mu    sync.Mutex
	cond  *sync.Cond
	conns []*Conn
	// Total owned by this bucket, idle and borrowed. Never exceeds
	// MaxPerHost.
	count int
}

// P is the connection pool. Construct with New.
type P struct {
	cfg config.SMTP
	log log.Logger

	// Dialer used to create new sessions, replaceable in tests.
	Connect func(ctx context.Context, host string, port int) (*smtpconn.C, error)

	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool

	reaperStop chan struct{}
	reaperDone chan struct{}

	now func() time.Time
}

func New(cfg config.SMTP, logger log.Logger) *P {
	p := &P{
		cfg:     cfg,
		log:     logger,
		buckets: map[string]*bucket{},
		now:     time.Now,
	}
	p.Connect = func(ctx context.Context, host string, port int) (*smtpconn.C, error) {
		c := smtpconn.New()
		c.CommandTimeout = cfg.Timeout
		c.ConnectTimeout = cfg.Timeout
		c.Hostname = cfg.Hostname
		c.Log = logger.Sublogger("conn")
		if err := c.Connect(ctx, host, port); err != nil {
			return nil, err
		}
		return c, nil
	}
	return p
}

func (p *P) bucketFor(host string, port int) *bucket {
	key := net.JoinHostPort(host, strconv.Itoa(port))
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[key]
	if !ok {
		b = &bucket{}
		b.cond = sync.NewCond(&b.mu)
		p.buckets[key] = b
	}
	return b
}

func (p *P) usable(c *Conn) bool {
	if c.inUse || c.C == nil {
		return false
	}
	if p.now().Sub(c.openedAt) > p.cfg.MaxLifetime {
		return false
	}
	if c.failedCount >= p.cfg.MaxRetries {
		return false
	}
	return true
}

// Borrow returns a live session to host:port, reusing an idle one when
// possible.
//
// An idle connection is verified with NOOP before being handed out, a
// dead one is discarded and the scan continues. When the per-host count
// is below MaxPerHost a new connection is dialed, with exponential
// backoff between attempts. Otherwise Borrow blocks until a connection
// is released, up to WaitTimeout.
func (p *P) Borrow(ctx context.Context, host string, port int) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.mu.Unlock()

	b := p.bucketFor(host, port)
	deadline := p.now().Add(p.cfg.WaitTimeout)

	for {
		b.mu.Lock()
		for i := 0; i < len(b.conns); {
			c := b.conns[i]
			if c.inUse {
				i++
				continue
			}
			if !p.usable(c) {
				p.dropLocked(b, i)
				continue
			}

			// NOOP with the bucket unlocked would allow a double borrow,
			// mark it busy first.
			c.inUse = true
			c.lastUsedAt = p.now()
			b.mu.Unlock()
			if err := c.C.Noop(); err != nil {
				p.Discard(c)
				b.mu.Lock()
				i = 0
				continue
			}
			poolReuses.Inc()
			return c, nil
		}

		if b.count < p.cfg.MaxPerHost {
			b.count++
			b.mu.Unlock()

			c, err := p.dial(ctx, host, port)
			if err != nil {
				b.mu.Lock()
				b.count--
				b.cond.Signal()
				b.mu.Unlock()
				return nil, err
			}

			b.mu.Lock()
			c.inUse = true
			b.conns = append(b.conns, c)
			b.mu.Unlock()
			poolDials.Inc()
			return c, nil
		}

		// At capacity: wait for a release. Cond has no deadline support,
		// poke the waiter periodically.
		wait := time.Until(deadline)
		if wait <= 0 {
			b.mu.Unlock()
			poolExhausted.Inc()
			return nil, ErrExhausted
		}
		waked := make(chan struct{})
		go func() {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
			case <-waked:
				return
			}
			b.cond.Broadcast()
		}()
		b.cond.Wait()
		close(waked)
		b.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !p.now().Before(deadline) {
			poolExhausted.Inc()
			return nil, ErrExhausted
		}
	}
}

// dial establishes a new session with exponential backoff between
// attempts. Only transient failures are retried.
func (p *P) dial(ctx context.Context, host string, port int) (*Conn, error) {
	var lastErr error
	delay := p.cfg.RetryDelay
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > p.cfg.MaxRetryDelay {
				delay = p.cfg.MaxRetryDelay
			}
		}

		c, err := p.Connect(ctx, host, port)
		if err == nil {
			now := p.now()
			return &Conn{C: c, host: host, port: port, openedAt: now, lastUsedAt: now}, nil
		}
		lastErr = err
		if !exterrors.IsTemporary(err) {
			break
		}
	}
	return nil, lastErr
}

func (p *P) dropLocked(b *bucket, i int) {
	c := b.conns[i]
	b.conns = append(b.conns[:i], b.conns[i+1:]...)
	b.count--
	b.cond.Signal()
	if c.C != nil {
		go c.C.DirectClose()
	}
}

// Release returns a borrowed connection to the pool. The session is
// verified with NOOP first; a dead or repeatedly failed one is closed
// instead of going back on the idle list.
func (p *P) Release(c *Conn) {
	if c == nil {
		return
	}
	if c.failedCount >= p.cfg.MaxRetries || c.C.Noop() != nil {
		p.Discard(c)
		return
	}

	b := p.bucketFor(c.host, c.port)
	b.mu.Lock()
	c.inUse = false
	c.lastUsedAt = p.now()
	b.cond.Signal()
	b.mu.Unlock()
}

// Discard closes a borrowed connection and frees its pool slot.
func (p *P) Discard(c *Conn) {
	if c == nil {
		return
	}
	b := p.bucketFor(c.host, c.port)

	b.mu.Lock()
	for i, have := range b.conns {
		if have == c {
			b.conns = append(b.conns[:i], b.conns[i+1:]...)
			b.count--
			break
		}
	}
	b.cond.Signal()
	b.mu.Unlock()

	if c.C != nil {
		conn := c.C
		c.C = nil
		go conn.Close()
	}
}

// InUse reports the number of connections owned by the host:port bucket,
// borrowed ones included.
func (p *P) InUse(host string, port int) int {
	b := p.bucketFor(host, port)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// StartReaper runs periodic eviction of idle expired connections until
// StopReaper.
func (p *P) StartReaper() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reaperStop != nil {
		return
	}
	p.reaperStop = make(chan struct{})
	p.reaperDone = make(chan struct{})
	go p.reaper(p.reaperStop, p.reaperDone)
}

func (p *P) StopReaper() {
	p.mu.Lock()
	stop, done := p.reaperStop, p.reaperDone
	p.reaperStop = nil
	p.reaperDone = nil
	p.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (p *P) reaper(stop, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(p.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.reap()
		case <-stop:
			return
		}
	}
}

func (p *P) reap() {
	p.mu.Lock()
	buckets := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.mu.Unlock()

	for _, b := range buckets {
		b.mu.Lock()
		for i := 0; i < len(b.conns); {
			c := b.conns[i]
			if !c.inUse && !p.usable(c) {
				p.dropLocked(b, i)
				poolReaped.Inc()
				continue
			}
			i++
		}
		b.mu.Unlock()
	}
}

// CloseAll closes every idle connection. Borrowed connections are closed
// when returned.
func (p *P) CloseAll() {
	p.StopReaper()

	p.mu.Lock()
	p.closed = true
	buckets := p.buckets
	p.buckets = map[string]*bucket{}
	p.mu.Unlock()

	for _, b := range buckets {
		b.mu.Lock()
		for _, c := range b.conns {
			if !c.inUse && c.C != nil {
				conn := c.C
				c.C = nil
				go conn.Close()
			}
		}
		b.conns = nil
		b.count = 0
		b.cond.Broadcast()
		b.mu.Unlock()
	}
}
