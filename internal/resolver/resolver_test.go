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

package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/foxcpp/go-mockdns"

	"github.com/foxcpp/mailprobe/framework/config"
	"github.com/foxcpp/mailprobe/framework/dns"
	"github.com/foxcpp/mailprobe/internal/dnscache"
	"github.com/foxcpp/mailprobe/internal/testutils"
)

func testResolver(t *testing.T, zones map[string]mockdns.Zone) *R {
	t.Helper()
	cfg := config.Default().DNS
	r := New(cfg, dnscache.New(cfg.ShardCount), testutils.Logger(t, "resolver"))
	r.System = &mockdns.Resolver{Zones: zones}
	return r
}

func TestResolveMX_Ordered(t *testing.T) {
	r := testResolver(t, map[string]mockdns.Zone{
		"example.org.": {
			MX: []net.MX{
				{Host: "backup.example.org.", Pref: 20},
				{Host: "mx1.example.org.", Pref: 10},
			},
		},
	})

	res, err := r.ResolveMX(context.Background(), "example.org")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeOk {
		t.Fatalf("unexpected outcome: %v", res.Outcome)
	}
	if len(res.Records) != 2 || res.Records[0].Value != "mx1.example.org" {
		t.Fatalf("records not sorted by priority: %+v", res.Records)
	}
}

func TestResolveMX_Cached(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"example.org.": {
			MX: []net.MX{{Host: "mx1.example.org.", Pref: 10}},
		},
	}
	r := testResolver(t, zones)

	if _, err := r.ResolveMX(context.Background(), "example.org"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Second lookup must not hit the resolver at all.
	r.System = &mockdns.Resolver{Zones: map[string]mockdns.Zone{}}
	res, err := r.ResolveMX(context.Background(), "example.org")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeOk || len(res.Records) != 1 {
		t.Fatalf("cache miss on second lookup: %+v", res)
	}
}

func TestResolveMX_FallbackToA(t *testing.T) {
	r := testResolver(t, map[string]mockdns.Zone{
		"example.org.": {
			A: []string{"192.0.2.10"},
		},
	})

	res, err := r.ResolveMX(context.Background(), "example.org")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeOk {
		t.Fatalf("unexpected outcome: %v", res.Outcome)
	}
	if len(res.Records) != 1 || res.Records[0].Value != "example.org" || res.Records[0].Priority != 10 {
		t.Fatalf("unexpected pseudo-MX: %+v", res.Records)
	}
}

func TestResolveMX_Nx(t *testing.T) {
	r := testResolver(t, map[string]mockdns.Zone{})

	res, err := r.ResolveMX(context.Background(), "no-such-domain.example.org")
	if err != nil {
		t.Fatalf("NXDOMAIN must not be an error: %v", err)
	}
	if res.Outcome != OutcomeNx {
		t.Fatalf("unexpected outcome: %v", res.Outcome)
	}

	// The negative result is cached.
	res2, _ := r.ResolveMX(context.Background(), "no-such-domain.example.org")
	if res2.Outcome != OutcomeNx && res2.Outcome != OutcomeEmpty {
		t.Fatalf("negative result not cached: %v", res2.Outcome)
	}
}

func TestResolveMX_TransportNotCached(t *testing.T) {
	r := testResolver(t, map[string]mockdns.Zone{
		"example.org.": {
			Err: &net.DNSError{Err: "connection refused", Name: "example.org"},
		},
	})

	res, err := r.ResolveMX(context.Background(), "example.org")
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Outcome != OutcomeTransport {
		t.Fatalf("unexpected outcome: %v", res.Outcome)
	}

	// Once the resolver recovers, the next lookup succeeds: nothing was
	// negatively cached.
	r.System = &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"example.org.": {MX: []net.MX{{Host: "mx1.example.org.", Pref: 10}}},
	}}
	res, err = r.ResolveMX(context.Background(), "example.org")
	if err != nil || res.Outcome != OutcomeOk {
		t.Fatalf("transport failure was cached: %+v, %v", res, err)
	}
}

func TestResolveA(t *testing.T) {
	r := testResolver(t, map[string]mockdns.Zone{
		"example.org.": {A: []string{"192.0.2.10"}, AAAA: []string{"2001:db8::10"}},
	})

	res, err := r.ResolveA(context.Background(), "example.org")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Records) != 1 || res.Records[0].Value != "192.0.2.10" {
		t.Fatalf("unexpected A records: %+v", res.Records)
	}

	res, err = r.ResolveAAAA(context.Background(), "example.org")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Records) != 1 || res.Records[0].Value != "2001:db8::10" {
		t.Fatalf("unexpected AAAA records: %+v", res.Records)
	}
}

func TestResolvePTR(t *testing.T) {
	r := testResolver(t, map[string]mockdns.Zone{
		"10.2.0.192.in-addr.arpa.": {PTR: []string{"mx1.example.org."}},
	})

	res, err := r.ResolvePTR(context.Background(), net.IPv4(192, 0, 2, 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeOk || res.Records[0].Value != "mx1.example.org" {
		t.Fatalf("unexpected PTR result: %+v", res)
	}
}

func TestResolveMXBatch(t *testing.T) {
	r := testResolver(t, map[string]mockdns.Zone{
		"a.example.org.": {MX: []net.MX{{Host: "mx.a.example.org.", Pref: 10}}},
		"b.example.org.": {MX: []net.MX{{Host: "mx.b.example.org.", Pref: 10}}},
	})

	domains := []string{"a.example.org", "b.example.org", "missing.example.org", "a.example.org"}
	results := r.ResolveMXBatch(context.Background(), domains)

	if results["a.example.org"].Outcome != OutcomeOk {
		t.Fatalf("a.example.org: %+v", results["a.example.org"])
	}
	if results["b.example.org"].Outcome != OutcomeOk {
		t.Fatalf("b.example.org: %+v", results["b.example.org"])
	}
	if out := results["missing.example.org"].Outcome; out != OutcomeNx && out != OutcomeEmpty {
		t.Fatalf("missing.example.org: %+v", results["missing.example.org"])
	}

	// All positive results went through the bulk cache write.
	r.System = &mockdns.Resolver{Zones: map[string]mockdns.Zone{}}
	res, _ := r.ResolveMX(context.Background(), "b.example.org")
	if res.Outcome != OutcomeOk {
		t.Fatal("batch results not cached")
	}
}

func TestResolveMX_RawNameservers(t *testing.T) {
	srv, err := mockdns.NewServer(map[string]mockdns.Zone{
		"example.org.": {
			MX: []net.MX{
				{Host: "mx2.example.org.", Pref: 20},
				{Host: "mx1.example.org.", Pref: 10},
			},
		},
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	cfg := config.Default().DNS
	cfg.Nameservers = []string{srv.LocalAddr().String()}
	cfg.Timeout = 2 * time.Second
	r := New(cfg, dnscache.New(cfg.ShardCount), testutils.Logger(t, "resolver"))

	res, err := r.ResolveMX(context.Background(), "example.org")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeOk || len(res.Records) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Records[0].Value != "mx1.example.org" {
		t.Fatalf("records not sorted: %+v", res.Records)
	}
}

func TestResolveMX_RawNx(t *testing.T) {
	srv, err := mockdns.NewServer(map[string]mockdns.Zone{}, false)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	cfg := config.Default().DNS
	cfg.Nameservers = []string{srv.LocalAddr().String()}
	cfg.Timeout = 2 * time.Second
	r := New(cfg, dnscache.New(cfg.ShardCount), testutils.Logger(t, "resolver"))

	res, err := r.ResolveMX(context.Background(), "missing.example.org")
	if err != nil {
		t.Fatalf("NXDOMAIN must not be an error: %v", err)
	}
	if res.Outcome != OutcomeNx {
		t.Fatalf("unexpected outcome: %v", res.Outcome)
	}
}

func TestResolve_CacheExpiry(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"example.org.": {MX: []net.MX{{Host: "mx1.example.org.", Pref: 10}}},
	}
	cfg := config.Default().DNS
	cache := dnscache.New(cfg.ShardCount)
	r := New(cfg, cache, testutils.Logger(t, "resolver"))
	r.System = &mockdns.Resolver{Zones: zones}

	if _, err := r.ResolveMX(context.Background(), "example.org"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cache.Get("example.org", dns.KindMX) == nil {
		t.Fatal("positive result not cached")
	}

	cache.Clear()
	delete(zones, "example.org.")
	res, _ := r.ResolveMX(context.Background(), "example.org")
	if res.Outcome == OutcomeOk {
		t.Fatal("stale result served after cache clear")
	}
}
