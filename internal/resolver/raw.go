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
	"fmt"
	"strings"
	"time"

	mdns "github.com/miekg/dns"

	"github.com/foxcpp/mailprobe/framework/dns"
)

func qtypeFor(kind dns.Kind) uint16 {
	switch kind {
	case dns.KindMX:
		return mdns.TypeMX
	case dns.KindA:
		return mdns.TypeA
	case dns.KindAAAA:
		return mdns.TypeAAAA
	case dns.KindNS:
		return mdns.TypeNS
	case dns.KindPTR:
		return mdns.TypePTR
	}
	return mdns.TypeNone
}

// queryRaw asks the configured nameservers directly. Up to three servers
// are queried in parallel with half of the configured timeout each; the
// first successful non-empty answer wins and the remaining queries are
// cancelled.
func (r *R) queryRaw(ctx context.Context, name string, kind dns.Kind) (Result, time.Duration) {
	qtype := qtypeFor(kind)
	if qtype == mdns.TypeNone {
		return Result{Outcome: OutcomeTransport, Err: fmt.Errorf("resolver: unsupported kind %s", kind)}, 0
	}

	qname := mdns.Fqdn(name)
	if kind == dns.KindPTR {
		var err error
		qname, err = mdns.ReverseAddr(name)
		if err != nil {
			return Result{Outcome: OutcomeTransport, Err: err}, 0
		}
	}

	servers := r.cfg.Nameservers
	if len(servers) > 3 {
		servers = servers[:3]
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type reply struct {
		server string
		msg    *mdns.Msg
		err    error
	}
	replies := make(chan reply, len(servers))
	for _, server := range servers {
		go func(server string) {
			m := new(mdns.Msg)
			m.SetQuestion(qname, qtype)
			m.SetEdns0(4096, false)

			cl := mdns.Client{Timeout: r.cfg.Timeout / 2}
			resp, _, err := cl.ExchangeContext(ctx, m, server)
			replies <- reply{server, resp, err}
		}(server)
	}

	var (
		firstErr error
		sawNx    bool
		sawEmpty bool
	)
	for range servers {
		rp := <-replies
		if rp.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("resolver: %s: %w", rp.server, rp.err)
			}
			continue
		}
		switch rp.msg.Rcode {
		case mdns.RcodeSuccess:
			records, ttl := recordsFromMsg(rp.msg, kind)
			if len(records) != 0 {
				sortMX(records)
				if ttl > r.cfg.CacheTTL {
					ttl = r.cfg.CacheTTL
				}
				return Result{Outcome: OutcomeOk, Records: records}, ttl
			}
			sawEmpty = true
		case mdns.RcodeNameError:
			sawNx = true
		default:
			if firstErr == nil {
				firstErr = fmt.Errorf("resolver: %s: rcode %s", rp.server,
					mdns.RcodeToString[rp.msg.Rcode])
			}
		}
	}

	switch {
	case sawNx:
		return Result{Outcome: OutcomeNx}, 0
	case sawEmpty:
		return Result{Outcome: OutcomeEmpty}, 0
	default:
		return classifyErr(firstErr), 0
	}
}

func recordsFromMsg(msg *mdns.Msg, kind dns.Kind) ([]dns.Record, time.Duration) {
	var (
		records []dns.Record
		minTTL  = time.Duration(-1)
	)
	for _, rr := range msg.Answer {
		var rec dns.Record
		switch v := rr.(type) {
		case *mdns.MX:
			if kind != dns.KindMX {
				continue
			}
			host := strings.TrimSuffix(v.Mx, ".")
			if host == "" {
				// Null MX (RFC 7505).
				continue
			}
			rec = dns.Record{Value: host, Kind: kind, Priority: v.Preference}
		case *mdns.A:
			if kind != dns.KindA {
				continue
			}
			rec = dns.Record{Value: v.A.String(), Kind: kind}
		case *mdns.AAAA:
			if kind != dns.KindAAAA {
				continue
			}
			rec = dns.Record{Value: v.AAAA.String(), Kind: kind}
		case *mdns.NS:
			if kind != dns.KindNS {
				continue
			}
			rec = dns.Record{Value: strings.TrimSuffix(v.Ns, "."), Kind: kind}
		case *mdns.PTR:
			if kind != dns.KindPTR {
				continue
			}
			rec = dns.Record{Value: strings.TrimSuffix(v.Ptr, "."), Kind: kind}
		default:
			continue
		}

		ttl := time.Duration(rr.Header().Ttl) * time.Second
		if minTTL < 0 || ttl < minTTL {
			minTTL = ttl
		}
		records = append(records, rec)
	}
	if minTTL < 0 {
		minTTL = 0
	}
	return records, minTTL
}
