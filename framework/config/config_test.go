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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := fromLookup(lookupMap(nil))
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.DNS.ShardCount)
	assert.Equal(t, 5*time.Second, cfg.DNS.Timeout)
	assert.Equal(t, 25, cfg.SMTP.Port)
	assert.Equal(t, 10, cfg.SMTP.MaxPerHost)
	assert.Equal(t, time.Hour, cfg.RateLimit.DefaultWindow)
	assert.True(t, cfg.Verdict.NegativeTTL < cfg.Verdict.TTL)
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := fromLookup(lookupMap(map[string]string{
		"MAILPROBE_DNS_NAMESERVERS":   "1.1.1.1:53, 8.8.8.8:53",
		"MAILPROBE_DNS_TIMEOUT":       "2s",
		"MAILPROBE_DNS_CACHE_TTL":     "600", // bare seconds
		"MAILPROBE_SMTP_MAX_PER_HOST": "4",
		"MAILPROBE_RATE_LIMIT_ENABLED": "false",
		"MAILPROBE_DEBUG":              "true",
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"1.1.1.1:53", "8.8.8.8:53"}, cfg.DNS.Nameservers)
	assert.Equal(t, 2*time.Second, cfg.DNS.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.DNS.CacheTTL)
	assert.Equal(t, 4, cfg.SMTP.MaxPerHost)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.True(t, cfg.Debug)
}

func TestFromEnv_Invalid(t *testing.T) {
	_, err := fromLookup(lookupMap(map[string]string{
		"MAILPROBE_SMTP_PORT": "notanumber",
	}))
	assert.Error(t, err)

	_, err = fromLookup(lookupMap(map[string]string{
		"MAILPROBE_DNS_SHARD_COUNT": "12", // not a power of two
	}))
	assert.Error(t, err)

	_, err = fromLookup(lookupMap(map[string]string{
		"MAILPROBE_VERDICT_TTL":          "1h",
		"MAILPROBE_VERDICT_NEGATIVE_TTL": "2h",
	}))
	assert.Error(t, err)
}
