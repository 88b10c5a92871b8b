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

// Package config defines the service configuration, loaded from
// MAILPROBE_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"time"
)

type DNS struct {
	// Explicit nameservers ("ip:port") queried in parallel. Empty means
	// use the system resolver.
	Nameservers []string

	Timeout     time.Duration
	CacheTTL    time.Duration
	NegativeTTL time.Duration
	ShardCount  int
	MaxFanout   int
}

type SMTP struct {
	Port            int
	Timeout         time.Duration
	MaxPerHost      int
	MaxLifetime     time.Duration
	CleanupInterval time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	MaxRetryDelay   time.Duration
	WaitTimeout     time.Duration

	// MAIL FROM address used by probes.
	FromAddress string

	// Hostname sent in EHLO/HELO, in ACE form.
	Hostname string
}

type Redis struct {
	Host     string
	Port     int
	DB       int
	Password string
	MaxConns int
}

func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type RateLimit struct {
	Enabled       bool
	DefaultLimit  int
	DefaultWindow time.Duration

	// Bound applied by the in-memory limiter when the backing store is
	// unreachable (fail-open policy).
	FallbackLimit int
}

type IPBlock struct {
	MaxFailures   int
	FailureWindow time.Duration
	BlockDuration time.Duration
}

type Breaker struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMax      int
}

type Verdict struct {
	TTL         time.Duration
	NegativeTTL time.Duration
}

type HTTP struct {
	Host        string
	Port        int
	MetricsAddr string
}

type Batch struct {
	DefaultSize     int
	MaxFanout       int
	InterChunkDelay time.Duration
}

type Config struct {
	DNS       DNS
	SMTP      SMTP
	Redis     Redis
	RateLimit RateLimit
	IPBlock   IPBlock
	Breaker   Breaker
	Verdict   Verdict
	HTTP      HTTP
	Batch     Batch

	// Newline-delimited JSON audit log destination. Empty means stderr.
	AuditPath string

	// Path to a disposable-domain list file (one domain per line,
	// *-prefixed suffix patterns allowed). Empty means built-in seed only.
	DisposablePath string

	// Path to a spam-trap address list (one address per line). Empty
	// disables spam-trap matching.
	SpamTrapPath string

	Debug bool
}

// Default returns the configuration defaults applied before the
// environment is consulted.
func Default() Config {
	return Config{
		DNS: DNS{
			Timeout:     5 * time.Second,
			CacheTTL:    300 * time.Second,
			NegativeTTL: 60 * time.Second,
			ShardCount:  16,
			MaxFanout:   10,
		},
		SMTP: SMTP{
			Port:            25,
			Timeout:         10 * time.Second,
			MaxPerHost:      10,
			MaxLifetime:     time.Hour,
			CleanupInterval: 5 * time.Minute,
			MaxRetries:      3,
			RetryDelay:      time.Second,
			MaxRetryDelay:   30 * time.Second,
			WaitTimeout:     30 * time.Second,
			FromAddress:     "verify@localhost",
			Hostname:        "localhost.localdomain",
		},
		Redis: Redis{
			Host:     "localhost",
			Port:     6379,
			MaxConns: 10,
		},
		RateLimit: RateLimit{
			Enabled:       true,
			DefaultLimit:  100,
			DefaultWindow: time.Hour,
			FallbackLimit: 50,
		},
		IPBlock: IPBlock{
			MaxFailures:   5,
			FailureWindow: 5 * time.Minute,
			BlockDuration: time.Hour,
		},
		Breaker: Breaker{
			FailureThreshold: 5,
			RecoveryTimeout:  time.Minute,
			HalfOpenMax:      3,
		},
		Verdict: Verdict{
			TTL:         24 * time.Hour,
			NegativeTTL: time.Hour,
		},
		HTTP: HTTP{
			Host:        "0.0.0.0",
			Port:        8000,
			MetricsAddr: "127.0.0.1:9090",
		},
		Batch: Batch{
			DefaultSize:     50,
			MaxFanout:       20,
			InterChunkDelay: 100 * time.Millisecond,
		},
	}
}

// Validate normalizes and bounds-checks the configuration.
func (cfg *Config) Validate() error {
	if cfg.DNS.ShardCount <= 0 {
		cfg.DNS.ShardCount = 16
	}
	if cfg.DNS.ShardCount&(cfg.DNS.ShardCount-1) != 0 {
		return errors.New("dns.shard_count must be a power of two")
	}
	if cfg.DNS.Timeout <= 0 {
		return errors.New("dns.timeout must be positive")
	}
	if len(cfg.DNS.Nameservers) > 3 {
		cfg.DNS.Nameservers = cfg.DNS.Nameservers[:3]
	}

	if cfg.SMTP.Port <= 0 || cfg.SMTP.Port > 65535 {
		return errors.New("smtp.port must be 1..65535")
	}
	if cfg.SMTP.MaxPerHost <= 0 {
		return errors.New("smtp.max_per_host must be positive")
	}
	if cfg.SMTP.MaxRetries <= 0 {
		cfg.SMTP.MaxRetries = 1
	}

	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be 1..65535")
	}

	if cfg.Verdict.NegativeTTL > cfg.Verdict.TTL {
		return errors.New("verdict.negative_ttl must not exceed verdict.ttl")
	}

	if cfg.RateLimit.FallbackLimit <= 0 {
		cfg.RateLimit.FallbackLimit = cfg.RateLimit.DefaultLimit / 2
	}

	if cfg.Batch.DefaultSize <= 0 {
		cfg.Batch.DefaultSize = 50
	}
	if cfg.Batch.MaxFanout <= 0 {
		cfg.Batch.MaxFanout = 20
	}

	return nil
}
