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

// Package verdict caches finished validation results.
//
// The cache key combines the normalized address with a digest of the
// validation options, so results computed with different option sets do
// not shadow each other. Redis is the primary backend; on Redis errors
// the cache degrades to a process-local map instead of failing the
// validation.
package verdict

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/foxcpp/mailprobe/framework/config"
	"github.com/foxcpp/mailprobe/framework/log"
	"github.com/foxcpp/mailprobe/internal/store"
)

// Options identifies the validation variant a cached verdict belongs
// to.
type Options struct {
	CheckMX       bool   `json:"check_mx"`
	CheckSMTP     bool   `json:"check_smtp"`
	CheckCatchAll bool   `json:"check_catch_all"`
	SMTPFrom      string `json:"smtp_from,omitempty"`
}

func (o Options) digest() string {
	raw, _ := json.Marshal(o)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

type S struct {
	cfg     config.Verdict
	primary store.Store
	local   *store.Memory
	log     log.Logger

	sf singleflight.Group
}

func New(cfg config.Verdict, primary store.Store, logger log.Logger) *S {
	return &S{
		cfg:     cfg,
		primary: primary,
		local:   store.NewMemory(),
		log:     logger,
	}
}

func key(email string, opts Options) string {
	return "email_validation:" + email + ":" + opts.digest()
}

// Get returns the cached verdict payload for (email, opts), or nil.
func (s *S) Get(ctx context.Context, email string, opts Options) json.RawMessage {
	k := key(email, opts)

	v, err := s.primary.Get(ctx, k)
	if err == nil {
		return json.RawMessage(v)
	}
	if err != store.ErrNotFound {
		s.log.Error("verdict cache read failed, trying local", err)
		if v, lerr := s.local.Get(ctx, k); lerr == nil {
			return json.RawMessage(v)
		}
	}
	return nil
}

// Put stores a verdict payload. Negative verdicts (Invalid status) get
// the shorter TTL so transient failures do not stick for a day.
func (s *S) Put(ctx context.Context, email string, opts Options, payload json.RawMessage, negative bool) {
	k := key(email, opts)
	ttl := s.cfg.TTL
	if negative {
		ttl = s.cfg.NegativeTTL
	}

	if err := s.primary.Set(ctx, k, string(payload), ttl); err != nil {
		s.log.Error("verdict cache write failed, using local", err)
		_ = s.local.Set(ctx, k, string(payload), ttl)
	}
}

// GetOrCompute returns the cached verdict or runs compute once,
// coalescing concurrent callers for the same key. Each caller gets its
// own copy of the payload.
func (s *S) GetOrCompute(ctx context.Context, email string, opts Options,
	compute func(ctx context.Context) (payload json.RawMessage, negative bool, err error)) (json.RawMessage, bool, error) {

	k := key(email, opts)

	type outcome struct {
		payload json.RawMessage
		cached  bool
	}
	v, err, _ := s.sf.Do(k, func() (interface{}, error) {
		if payload := s.Get(ctx, email, opts); payload != nil {
			return outcome{payload, true}, nil
		}

		payload, negative, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		s.Put(ctx, email, opts, payload, negative)
		return outcome{payload, false}, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("verdict: %w", err)
	}

	out := v.(outcome)
	payload := make(json.RawMessage, len(out.payload))
	copy(payload, out.payload)
	return payload, out.cached, nil
}
