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

// Package dnscache implements the sharded TTL cache behind the DNS
// resolver.
//
// The cache is keyed by (domain, record kind). Every operation touches
// exactly one shard; bulk operations group their input by shard so that
// each shard lock is taken once, in ascending shard order.
package dnscache

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/foxcpp/mailprobe/framework/dns"
)

type shard struct {
	sync.Mutex
	entries map[string]map[dns.Kind][]dns.Record
}

// C is a sharded DNS record cache.
//
// A record returned by Get always satisfies ExpiresAt > now as observed
// at the time of the call. Expired entries are dropped on read-miss and
// by Cleanup.
type C struct {
	shards []*shard
	mask   uint32

	// Clock used for expiry checks, overridable in tests.
	now func() time.Time
}

// New creates a cache with the given number of shards. shardCount must be
// a power of two; 16 is the usual value.
func New(shardCount int) *C {
	if shardCount <= 0 || shardCount&(shardCount-1) != 0 {
		panic("dnscache: shard count must be a positive power of two")
	}

	c := &C{
		shards: make([]*shard, shardCount),
		mask:   uint32(shardCount - 1),
		now:    time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: map[string]map[dns.Kind][]dns.Record{}}
	}
	return c
}

func (c *C) shardIndex(domain string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(domain))
	return h.Sum32() & c.mask
}

func (c *C) shardFor(domain string) *shard {
	return c.shards[c.shardIndex(domain)]
}

// Get returns the cached records for (domain, kind), or nil on miss.
//
// An expired entry is deleted on the spot and treated as a miss.
func (c *C) Get(domain string, kind dns.Kind) []dns.Record {
	s := c.shardFor(domain)
	s.Lock()
	defer s.Unlock()

	kinds, ok := s.entries[domain]
	if !ok {
		return nil
	}
	records, ok := kinds[kind]
	if !ok {
		return nil
	}

	now := c.now()
	for _, r := range records {
		if r.Expired(now) {
			delete(kinds, kind)
			if len(kinds) == 0 {
				delete(s.entries, domain)
			}
			return nil
		}
	}

	// Callers may reorder the slice (e.g. sort MX records), do not hand
	// out the cache-owned one.
	out := make([]dns.Record, len(records))
	copy(out, records)
	return out
}

// Put stores records for (domain, kind) with the given TTL, replacing any
// previous entry. Records are stored with ExpiresAt = now + ttl.
func (c *C) Put(domain string, kind dns.Kind, records []dns.Record, ttl time.Duration) {
	expiry := c.now().Add(ttl)

	stored := make([]dns.Record, len(records))
	for i, r := range records {
		r.ExpiresAt = expiry
		stored[i] = r
	}

	s := c.shardFor(domain)
	s.Lock()
	defer s.Unlock()
	c.putLocked(s, domain, kind, stored)
}

func (c *C) putLocked(s *shard, domain string, kind dns.Kind, records []dns.Record) {
	kinds, ok := s.entries[domain]
	if !ok {
		kinds = map[dns.Kind][]dns.Record{}
		s.entries[domain] = kinds
	}
	kinds[kind] = records
}

// BulkEntry is a single (domain, kind) entry for PutBulk.
type BulkEntry struct {
	Domain  string
	Kind    dns.Kind
	Records []dns.Record
	TTL     time.Duration
}

// PutBulk stores multiple entries, holding each shard lock exactly once.
// Shards are visited in ascending index order.
func (c *C) PutBulk(entries []BulkEntry) {
	now := c.now()

	byShard := map[uint32][]BulkEntry{}
	for _, e := range entries {
		idx := c.shardIndex(e.Domain)
		byShard[idx] = append(byShard[idx], e)
	}

	order := make([]uint32, 0, len(byShard))
	for idx := range byShard {
		order = append(order, idx)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	for _, idx := range order {
		s := c.shards[idx]
		s.Lock()
		for _, e := range byShard[idx] {
			expiry := now.Add(e.TTL)
			stored := make([]dns.Record, len(e.Records))
			for i, r := range e.Records {
				r.ExpiresAt = expiry
				stored[i] = r
			}
			c.putLocked(s, e.Domain, e.Kind, stored)
		}
		s.Unlock()
	}
}

// Missing returns the subset of domains that have no live entry for kind.
// Input order is preserved. Each shard lock is taken at most once.
func (c *C) Missing(domains []string, kind dns.Kind) []string {
	now := c.now()

	type slot struct {
		domain string
		pos    int
	}
	byShard := map[uint32][]slot{}
	for i, d := range domains {
		idx := c.shardIndex(d)
		byShard[idx] = append(byShard[idx], slot{d, i})
	}

	order := make([]uint32, 0, len(byShard))
	for idx := range byShard {
		order = append(order, idx)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	missingPos := make([]bool, len(domains))
	for _, idx := range order {
		s := c.shards[idx]
		s.Lock()
		for _, sl := range byShard[idx] {
			records, ok := s.entries[sl.domain][kind]
			if !ok {
				missingPos[sl.pos] = true
				continue
			}
			for _, r := range records {
				if r.Expired(now) {
					missingPos[sl.pos] = true
					break
				}
			}
		}
		s.Unlock()
	}

	missing := make([]string, 0, len(domains))
	for i, d := range domains {
		if missingPos[i] {
			missing = append(missing, d)
		}
	}
	return missing
}

// Cleanup removes all expired entries.
func (c *C) Cleanup() {
	now := c.now()
	for _, s := range c.shards {
		s.Lock()
		for domain, kinds := range s.entries {
			for kind, records := range kinds {
				for _, r := range records {
					if r.Expired(now) {
						delete(kinds, kind)
						break
					}
				}
			}
			if len(kinds) == 0 {
				delete(s.entries, domain)
			}
		}
		s.Unlock()
	}
}

// Clear drops all entries.
func (c *C) Clear() {
	for _, s := range c.shards {
		s.Lock()
		s.entries = map[string]map[dns.Kind][]dns.Record{}
		s.Unlock()
	}
}
