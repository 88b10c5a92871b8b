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

// Package resolver implements cached MX/A/AAAA/NS/PTR resolution on top
// of the sharded record cache.
//
// When explicit nameservers are configured, queries go out over raw DNS
// to up to three servers in parallel and the first successful non-empty
// answer wins. Otherwise the system resolver is used and record TTLs are
// not known, so the configured default TTL applies.
package resolver

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/foxcpp/mailprobe/framework/config"
	"github.com/foxcpp/mailprobe/framework/dns"
	"github.com/foxcpp/mailprobe/framework/log"
	"github.com/foxcpp/mailprobe/internal/dnscache"
)

// Outcome classifies a lookup result.
//
// OutcomeEmpty and OutcomeNx are terminal non-errors: the authority
// answered and there is nothing there. OutcomeTimeout and
// OutcomeTransport describe our failure to get an answer and are never
// cached.
type Outcome int

const (
	OutcomeOk Outcome = iota
	OutcomeEmpty
	OutcomeNx
	OutcomeTimeout
	OutcomeTransport
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOk:
		return "ok"
	case OutcomeEmpty:
		return "empty"
	case OutcomeNx:
		return "nxdomain"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeTransport:
		return "transport"
	}
	return "unknown"
}

type Result struct {
	Outcome Outcome
	Records []dns.Record
	Err     error
}

// R is the cached resolver. Construct with New.
type R struct {
	cfg   config.DNS
	cache *dnscache.C
	log   log.Logger

	// System resolver used when no explicit nameservers are configured.
	// Replaceable in tests (mockdns.Resolver implements it).
	System dns.Resolver

	sf singleflight.Group

	stopCleanup chan struct{}
	cleanupOnce sync.Once
}

func New(cfg config.DNS, cache *dnscache.C, logger log.Logger) *R {
	return &R{
		cfg:         cfg,
		cache:       cache,
		System:      dns.DefaultResolver(),
		log:         logger,
		stopCleanup: make(chan struct{}),
	}
}

// StartCleanup runs periodic cache cleanup until Close.
func (r *R) StartCleanup(interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				r.cache.Cleanup()
			case <-r.stopCleanup:
				return
			}
		}
	}()
}

func (r *R) Close() {
	r.cleanupOnce.Do(func() { close(r.stopCleanup) })
}

// Negative entries (empty answer, NXDOMAIN) are cached as a single
// record with an empty value; Priority tells the two apart.
const (
	negEmpty uint16 = 0
	negNx    uint16 = 1
)

func negativeRecord(kind dns.Kind, outcome Outcome) dns.Record {
	pri := negEmpty
	if outcome == OutcomeNx {
		pri = negNx
	}
	return dns.Record{Kind: kind, Priority: pri}
}

func decodeCached(records []dns.Record) Result {
	if len(records) == 1 && records[0].Value == "" {
		if records[0].Priority == negNx {
			return Result{Outcome: OutcomeNx}
		}
		return Result{Outcome: OutcomeEmpty}
	}
	sortMX(records)
	return Result{Outcome: OutcomeOk, Records: records}
}

func sortMX(records []dns.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Priority < records[j].Priority
	})
}

// ResolveMX returns the MX hosts for domain in priority order.
//
// Domains without MX records fall back to A and then AAAA lookups; a
// hit there synthesizes a single pseudo-MX with priority 10 pointing at
// the domain itself. err is non-nil only for OutcomeTimeout and
// OutcomeTransport.
func (r *R) ResolveMX(ctx context.Context, domain string) (Result, error) {
	return r.lookup(ctx, domain, dns.KindMX)
}

// ResolveA returns the IPv4 addresses of domain.
func (r *R) ResolveA(ctx context.Context, domain string) (Result, error) {
	return r.lookup(ctx, domain, dns.KindA)
}

// ResolveAAAA returns the IPv6 addresses of domain.
func (r *R) ResolveAAAA(ctx context.Context, domain string) (Result, error) {
	return r.lookup(ctx, domain, dns.KindAAAA)
}

// ResolveNS returns the nameservers of domain.
func (r *R) ResolveNS(ctx context.Context, domain string) (Result, error) {
	return r.lookup(ctx, domain, dns.KindNS)
}

// ResolvePTR returns the reverse DNS names of ip. The cache key is the
// textual form of the address.
func (r *R) ResolvePTR(ctx context.Context, ip net.IP) (Result, error) {
	return r.lookup(ctx, ip.String(), dns.KindPTR)
}

func (r *R) lookup(ctx context.Context, name string, kind dns.Kind) (Result, error) {
	if cached := r.cache.Get(name, kind); cached != nil {
		cacheHits.WithLabelValues(string(kind)).Inc()
		res := decodeCached(cached)
		lookupsTotal.WithLabelValues(string(kind), res.Outcome.String()).Inc()
		return res, res.Err
	}
	cacheMisses.WithLabelValues(string(kind)).Inc()

	v, err, shared := r.sf.Do(string(kind)+"/"+name, func() (interface{}, error) {
		start := time.Now()
		res, ttl := r.resolveUncached(ctx, name, kind)
		lookupDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
		lookupsTotal.WithLabelValues(string(kind), res.Outcome.String()).Inc()

		if entry, ok := r.bulkEntry(name, kind, res, ttl); ok {
			r.cache.Put(entry.Domain, entry.Kind, entry.Records, entry.TTL)
		}
		return res, nil
	})
	if err != nil {
		// The closure never fails; singleflight only surfaces panics here.
		return Result{Outcome: OutcomeTransport, Err: err}, err
	}

	res := v.(Result)
	if shared && len(res.Records) != 0 {
		// Each caller may reorder its slice.
		records := make([]dns.Record, len(res.Records))
		copy(records, res.Records)
		res.Records = records
	}
	return res, res.Err
}

func (r *R) bulkEntry(name string, kind dns.Kind, res Result, ttl time.Duration) (dnscache.BulkEntry, bool) {
	switch res.Outcome {
	case OutcomeOk:
		return dnscache.BulkEntry{Domain: name, Kind: kind, Records: res.Records, TTL: ttl}, true
	case OutcomeEmpty, OutcomeNx:
		return dnscache.BulkEntry{
			Domain:  name,
			Kind:    kind,
			Records: []dns.Record{negativeRecord(kind, res.Outcome)},
			TTL:     r.cfg.NegativeTTL,
		}, true
	}
	return dnscache.BulkEntry{}, false
}

// resolveUncached performs the actual lookup, including the MX -> A ->
// AAAA fallback, without touching the cache. The returned TTL is the
// cache TTL for a positive result.
func (r *R) resolveUncached(ctx context.Context, name string, kind dns.Kind) (Result, time.Duration) {
	res, ttl := r.queryOne(ctx, name, kind)
	if kind != dns.KindMX {
		return res, ttl
	}
	if res.Outcome != OutcomeEmpty && res.Outcome != OutcomeNx {
		return res, ttl
	}

	// No MX. A host with an address record still accepts mail per
	// RFC 5321 section 5.1.
	for _, fallback := range []dns.Kind{dns.KindA, dns.KindAAAA} {
		fres, fttl := r.queryOne(ctx, name, fallback)
		if fres.Outcome == OutcomeOk {
			return Result{
				Outcome: OutcomeOk,
				Records: []dns.Record{{Value: name, Kind: dns.KindMX, Priority: 10}},
			}, fttl
		}
		if fres.Outcome == OutcomeTimeout || fres.Outcome == OutcomeTransport {
			return fres, 0
		}
	}
	return res, ttl
}

func (r *R) queryOne(ctx context.Context, name string, kind dns.Kind) (Result, time.Duration) {
	if len(r.cfg.Nameservers) != 0 {
		return r.queryRaw(ctx, name, kind)
	}
	return r.querySystem(ctx, name, kind)
}

func (r *R) querySystem(ctx context.Context, name string, kind dns.Kind) (Result, time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var (
		records []dns.Record
		err     error
	)
	switch kind {
	case dns.KindMX:
		var mxs []*net.MX
		mxs, err = r.System.LookupMX(ctx, name)
		for _, mx := range mxs {
			host := strings.TrimSuffix(mx.Host, ".")
			if host == "" {
				// Null MX (RFC 7505), the domain does not accept mail.
				continue
			}
			records = append(records, dns.Record{Value: host, Kind: kind, Priority: mx.Pref})
		}
	case dns.KindA, dns.KindAAAA:
		var addrs []net.IPAddr
		addrs, err = r.System.LookupIPAddr(ctx, name)
		for _, a := range addrs {
			isV4 := a.IP.To4() != nil
			if (kind == dns.KindA) == isV4 {
				records = append(records, dns.Record{Value: a.IP.String(), Kind: kind})
			}
		}
	case dns.KindNS:
		var nss []*net.NS
		nss, err = r.System.LookupNS(ctx, name)
		for _, ns := range nss {
			records = append(records, dns.Record{Value: strings.TrimSuffix(ns.Host, "."), Kind: kind})
		}
	case dns.KindPTR:
		var names []string
		names, err = r.System.LookupAddr(ctx, name)
		for _, n := range names {
			records = append(records, dns.Record{Value: strings.TrimSuffix(n, "."), Kind: kind})
		}
	default:
		return Result{Outcome: OutcomeTransport, Err: errors.New("resolver: unsupported kind " + string(kind))}, 0
	}

	if err != nil {
		return classifyErr(err), 0
	}
	if len(records) == 0 {
		return Result{Outcome: OutcomeEmpty}, 0
	}
	sortMX(records)
	return Result{Outcome: OutcomeOk, Records: records}, r.cfg.CacheTTL
}

func classifyErr(err error) Result {
	var derr *net.DNSError
	if errors.As(err, &derr) {
		if derr.IsNotFound {
			return Result{Outcome: OutcomeNx}
		}
		if derr.IsTimeout {
			return Result{Outcome: OutcomeTimeout, Err: err}
		}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return Result{Outcome: OutcomeTimeout, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Result{Outcome: OutcomeTimeout, Err: err}
	}
	return Result{Outcome: OutcomeTransport, Err: err}
}

// ResolveMXBatch resolves MX records for multiple domains with bounded
// parallelism. Results for cache misses are written back in one bulk
// cache operation.
func (r *R) ResolveMXBatch(ctx context.Context, domains []string) map[string]Result {
	results := make(map[string]Result, len(domains))

	missing := r.cache.Missing(domains, dns.KindMX)
	seen := map[string]struct{}{}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		entries []dnscache.BulkEntry
	)
	sem := semaphore.NewWeighted(int64(r.cfg.MaxFanout))

	for _, domain := range missing {
		if _, ok := seen[domain]; ok {
			continue
		}
		seen[domain] = struct{}{}

		wg.Add(1)
		go func(domain string) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				results[domain] = Result{Outcome: OutcomeTimeout, Err: err}
				mu.Unlock()
				return
			}
			defer sem.Release(1)

			start := time.Now()
			res, ttl := r.resolveUncached(ctx, domain, dns.KindMX)
			lookupDuration.WithLabelValues(string(dns.KindMX)).Observe(time.Since(start).Seconds())
			lookupsTotal.WithLabelValues(string(dns.KindMX), res.Outcome.String()).Inc()

			mu.Lock()
			results[domain] = res
			if entry, ok := r.bulkEntry(domain, dns.KindMX, res, ttl); ok {
				entries = append(entries, entry)
			}
			mu.Unlock()
		}(domain)
	}
	wg.Wait()

	if len(entries) != 0 {
		r.cache.PutBulk(entries)
	}

	for _, domain := range domains {
		if _, ok := results[domain]; ok {
			continue
		}
		res, _ := r.ResolveMX(ctx, domain)
		results[domain] = res
	}
	return results
}
