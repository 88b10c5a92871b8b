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

package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/foxcpp/mailprobe/internal/audit"
	"github.com/foxcpp/mailprobe/internal/limiters"
)

const (
	ctxKeyAPIKey = "mailprobe.api_key"
	ctxKeyTier   = "mailprobe.tier"
)

func clientIP(c *gin.Context) string {
	return limiters.ClientIP(c.GetHeader("X-Forwarded-For"), c.Request.RemoteAddr)
}

func (e *Endpoint) auditEvent(c *gin.Context, eventType string, status int, details map[string]interface{}) {
	e.deps.Audit.Record(audit.Event{
		EventType:     eventType,
		ClientIP:      clientIP(c),
		APIKey:        c.GetString(ctxKeyAPIKey),
		RequestPath:   c.Request.URL.Path,
		RequestMethod: c.Request.Method,
		StatusCode:    status,
		Details:       details,
	})
}

// ipBlockMiddleware rejects blocked clients before any other work.
func (e *Endpoint) ipBlockMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := clientIP(c)
		if !e.deps.Blocker.IsBlocked(c.Request.Context(), ip) {
			c.Next()
			return
		}
		e.auditEvent(c, audit.EventIPBlocked, http.StatusForbidden, nil)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"detail": "ip_blocked"})
	}
}

// extractKey pulls the API key from the X-API-Key header, an
// Authorization bearer token or the api_key query parameter, in that
// order.
func extractKey(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.Query("api_key")
}

func (e *Endpoint) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, public := publicPaths[c.Request.URL.Path]; public {
			c.Next()
			return
		}

		key := extractKey(c)
		if key == "" {
			e.auditEvent(c, audit.EventAuthFailure, http.StatusForbidden,
				map[string]interface{}{"reason": "missing API key"})
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"detail": "API key required"})
			return
		}

		tier, err := e.deps.Keys.Resolve(c.Request.Context(), key)
		if err != nil {
			c.Set(ctxKeyAPIKey, key)
			if _, err := e.deps.Blocker.RecordFailure(c.Request.Context(), clientIP(c)); err != nil {
				e.log.Error("failure ledger update failed", err)
			}
			e.auditEvent(c, audit.EventAuthFailure, http.StatusForbidden,
				map[string]interface{}{"reason": err.Error()})
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"detail": "Invalid API key"})
			return
		}

		c.Set(ctxKeyAPIKey, key)
		c.Set(ctxKeyTier, string(tier))
		e.auditEvent(c, audit.EventAuthSuccess, http.StatusOK,
			map[string]interface{}{"tier": string(tier)})
		c.Next()
	}
}

func (e *Endpoint) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, public := publicPaths[c.Request.URL.Path]; public {
			c.Next()
			return
		}

		key := c.GetString(ctxKeyAPIKey)
		tier := limiters.ParseTier(c.GetString(ctxKeyTier))

		d := e.deps.Limiter.Allow(c.Request.Context(), key, tier)
		if d.Limit >= 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			remaining := d.Remaining
			if remaining < 0 {
				remaining = 0
			}
			c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}
		if d.Allowed {
			c.Next()
			return
		}

		e.auditEvent(c, audit.EventRateLimitExceeded, http.StatusTooManyRequests,
			map[string]interface{}{"tier": string(tier)})
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"detail": "Rate limit exceeded"})
	}
}
