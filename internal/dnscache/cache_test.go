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

package dnscache

import (
	"fmt"
	"testing"
	"time"

	"github.com/foxcpp/mailprobe/framework/dns"
)

func testCache(t *testing.T) (*C, *time.Time) {
	t.Helper()
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	c := New(16)
	c.now = func() time.Time { return now }
	return c, &now
}

func mx(host string, pref uint16) dns.Record {
	return dns.Record{Value: host, Kind: dns.KindMX, Priority: pref}
}

func TestCache_PutGet(t *testing.T) {
	c, _ := testCache(t)

	c.Put("example.org", dns.KindMX, []dns.Record{mx("mx1.example.org", 10)}, 5*time.Minute)

	got := c.Get("example.org", dns.KindMX)
	if len(got) != 1 || got[0].Value != "mx1.example.org" {
		t.Fatalf("unexpected records: %+v", got)
	}
	if c.Get("example.org", dns.KindA) != nil {
		t.Fatal("unexpected hit for different kind")
	}
	if c.Get("other.example.org", dns.KindMX) != nil {
		t.Fatal("unexpected hit for different domain")
	}
}

func TestCache_Expiry(t *testing.T) {
	c, now := testCache(t)

	c.Put("example.org", dns.KindMX, []dns.Record{mx("mx1.example.org", 10)}, 5*time.Minute)

	*now = now.Add(4 * time.Minute)
	if c.Get("example.org", dns.KindMX) == nil {
		t.Fatal("expected hit before expiry")
	}

	*now = now.Add(2 * time.Minute)
	if c.Get("example.org", dns.KindMX) != nil {
		t.Fatal("expected miss after expiry")
	}
	// The expired entry is gone, the read above deleted it.
	if got := c.Missing([]string{"example.org"}, dns.KindMX); len(got) != 1 {
		t.Fatalf("expected example.org to be missing, got %v", got)
	}
}

func TestCache_GetCopies(t *testing.T) {
	c, _ := testCache(t)

	c.Put("example.org", dns.KindMX, []dns.Record{
		mx("mx1.example.org", 10),
		mx("mx2.example.org", 20),
	}, 5*time.Minute)

	first := c.Get("example.org", dns.KindMX)
	first[0], first[1] = first[1], first[0]

	second := c.Get("example.org", dns.KindMX)
	if second[0].Value != "mx1.example.org" {
		t.Fatal("cache-owned slice was mutated through Get result")
	}
}

func TestCache_PutBulkMissing(t *testing.T) {
	c, _ := testCache(t)

	var entries []BulkEntry
	var domains []string
	for i := 0; i < 40; i++ {
		d := fmt.Sprintf("host%d.example.org", i)
		domains = append(domains, d)
		if i%2 == 0 {
			entries = append(entries, BulkEntry{
				Domain:  d,
				Kind:    dns.KindMX,
				Records: []dns.Record{mx("mx."+d, 10)},
				TTL:     time.Minute,
			})
		}
	}
	c.PutBulk(entries)

	missing := c.Missing(domains, dns.KindMX)
	if len(missing) != 20 {
		t.Fatalf("expected 20 missing, got %d", len(missing))
	}
	// Input order preserved.
	if missing[0] != "host1.example.org" || missing[19] != "host39.example.org" {
		t.Fatalf("missing order broken: %v", missing)
	}

	for i := 0; i < 40; i += 2 {
		d := fmt.Sprintf("host%d.example.org", i)
		if c.Get(d, dns.KindMX) == nil {
			t.Fatalf("expected hit for %s", d)
		}
	}
}

func TestCache_Cleanup(t *testing.T) {
	c, now := testCache(t)

	c.Put("short.example.org", dns.KindMX, []dns.Record{mx("mx1", 10)}, time.Minute)
	c.Put("long.example.org", dns.KindMX, []dns.Record{mx("mx2", 10)}, time.Hour)

	*now = now.Add(5 * time.Minute)
	c.Cleanup()

	if c.Get("short.example.org", dns.KindMX) != nil {
		t.Fatal("expired entry survived Cleanup")
	}
	if c.Get("long.example.org", dns.KindMX) == nil {
		t.Fatal("live entry dropped by Cleanup")
	}
}

func TestCache_Clear(t *testing.T) {
	c, _ := testCache(t)

	c.Put("example.org", dns.KindMX, []dns.Record{mx("mx1", 10)}, time.Hour)
	c.Clear()
	if c.Get("example.org", dns.KindMX) != nil {
		t.Fatal("entry survived Clear")
	}
}

func TestCache_Replace(t *testing.T) {
	c, _ := testCache(t)

	c.Put("example.org", dns.KindMX, []dns.Record{mx("old", 10)}, time.Hour)
	c.Put("example.org", dns.KindMX, []dns.Record{mx("new", 5)}, time.Hour)

	got := c.Get("example.org", dns.KindMX)
	if len(got) != 1 || got[0].Value != "new" {
		t.Fatalf("expected replacement, got %+v", got)
	}
}
