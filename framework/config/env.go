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

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "MAILPROBE_"

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *envReader) raw(name string) (string, bool) {
	return r.lookup(envPrefix + name)
}

func (r *envReader) str(name string, out *string) {
	if v, ok := r.raw(name); ok {
		*out = v
	}
}

func (r *envReader) strs(name string, out *[]string) {
	if v, ok := r.raw(name); ok {
		var parts []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		*out = parts
	}
}

func (r *envReader) integer(name string, out *int) {
	v, ok := r.raw(name)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("config: %s%s: %w", envPrefix, name, err)
	}
	if err == nil {
		*out = parsed
	}
}

func (r *envReader) boolean(name string, out *bool) {
	v, ok := r.raw(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("config: %s%s: %w", envPrefix, name, err)
	}
	if err == nil {
		*out = parsed
	}
}

// duration accepts either a Go duration string ("90s", "1h") or a bare
// number of seconds.
func (r *envReader) duration(name string, out *time.Duration) {
	v, ok := r.raw(name)
	if !ok {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*out = time.Duration(secs) * time.Second
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("config: %s%s: %w", envPrefix, name, err)
	}
	if err == nil {
		*out = parsed
	}
}

// FromEnv builds the configuration from defaults overridden by
// MAILPROBE_-prefixed environment variables and validates the result.
func FromEnv() (Config, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	r := envReader{lookup: lookup}

	r.strs("DNS_NAMESERVERS", &cfg.DNS.Nameservers)
	r.duration("DNS_TIMEOUT", &cfg.DNS.Timeout)
	r.duration("DNS_CACHE_TTL", &cfg.DNS.CacheTTL)
	r.duration("DNS_NEGATIVE_TTL", &cfg.DNS.NegativeTTL)
	r.integer("DNS_SHARD_COUNT", &cfg.DNS.ShardCount)
	r.integer("DNS_MAX_FANOUT", &cfg.DNS.MaxFanout)

	r.integer("SMTP_PORT", &cfg.SMTP.Port)
	r.duration("SMTP_TIMEOUT", &cfg.SMTP.Timeout)
	r.integer("SMTP_MAX_PER_HOST", &cfg.SMTP.MaxPerHost)
	r.duration("SMTP_MAX_LIFETIME", &cfg.SMTP.MaxLifetime)
	r.duration("SMTP_CLEANUP_INTERVAL", &cfg.SMTP.CleanupInterval)
	r.integer("SMTP_MAX_RETRIES", &cfg.SMTP.MaxRetries)
	r.duration("SMTP_RETRY_DELAY", &cfg.SMTP.RetryDelay)
	r.duration("SMTP_MAX_RETRY_DELAY", &cfg.SMTP.MaxRetryDelay)
	r.duration("SMTP_WAIT_TIMEOUT", &cfg.SMTP.WaitTimeout)
	r.str("SMTP_FROM_ADDRESS", &cfg.SMTP.FromAddress)
	r.str("SMTP_HOSTNAME", &cfg.SMTP.Hostname)

	r.str("REDIS_HOST", &cfg.Redis.Host)
	r.integer("REDIS_PORT", &cfg.Redis.Port)
	r.integer("REDIS_DB", &cfg.Redis.DB)
	r.str("REDIS_PASSWORD", &cfg.Redis.Password)
	r.integer("REDIS_MAX_CONNECTIONS", &cfg.Redis.MaxConns)

	r.boolean("RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	r.integer("RATE_LIMIT_DEFAULT", &cfg.RateLimit.DefaultLimit)
	r.duration("RATE_LIMIT_WINDOW", &cfg.RateLimit.DefaultWindow)
	r.integer("RATE_LIMIT_FALLBACK_LIMIT", &cfg.RateLimit.FallbackLimit)

	r.integer("IP_BLOCK_MAX_FAILURES", &cfg.IPBlock.MaxFailures)
	r.duration("IP_BLOCK_FAILURE_WINDOW", &cfg.IPBlock.FailureWindow)
	r.duration("IP_BLOCK_DURATION", &cfg.IPBlock.BlockDuration)

	r.integer("BREAKER_FAILURE_THRESHOLD", &cfg.Breaker.FailureThreshold)
	r.duration("BREAKER_RECOVERY_TIMEOUT", &cfg.Breaker.RecoveryTimeout)
	r.integer("BREAKER_HALF_OPEN_MAX", &cfg.Breaker.HalfOpenMax)

	r.duration("VERDICT_TTL", &cfg.Verdict.TTL)
	r.duration("VERDICT_NEGATIVE_TTL", &cfg.Verdict.NegativeTTL)

	r.str("HTTP_HOST", &cfg.HTTP.Host)
	r.integer("HTTP_PORT", &cfg.HTTP.Port)
	r.str("METRICS_ADDR", &cfg.HTTP.MetricsAddr)

	r.integer("BATCH_SIZE", &cfg.Batch.DefaultSize)
	r.integer("BATCH_MAX_FANOUT", &cfg.Batch.MaxFanout)
	r.duration("BATCH_INTER_CHUNK_DELAY", &cfg.Batch.InterChunkDelay)

	r.str("AUDIT_PATH", &cfg.AuditPath)
	r.str("DISPOSABLE_PATH", &cfg.DisposablePath)
	r.str("SPAM_TRAP_PATH", &cfg.SpamTrapPath)
	r.boolean("DEBUG", &cfg.Debug)

	if r.err != nil {
		return cfg, r.err
	}
	return cfg, cfg.Validate()
}
