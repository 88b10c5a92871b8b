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

// Package audit writes security-relevant request events as
// newline-delimited JSON, one object per line, suitable for shipping to
// a log pipeline. Writes never fail the request being audited.
package audit

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/foxcpp/mailprobe/framework/log"
)

const (
	EventAuthSuccess       = "authentication_success"
	EventAuthFailure       = "authentication_failure"
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventIPBlocked         = "ip_blocked"
	EventValidation        = "validation"
)

type Event struct {
	Timestamp     string                 `json:"timestamp"`
	EventType     string                 `json:"event_type"`
	ClientIP      string                 `json:"client_ip"`
	APIKey        string                 `json:"api_key,omitempty"`
	RequestPath   string                 `json:"request_path"`
	RequestMethod string                 `json:"request_method"`
	StatusCode    int                    `json:"status_code"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

type L struct {
	mu  sync.Mutex
	w   io.Writer
	c   io.Closer
	log log.Logger

	now func() time.Time
}

// New opens the audit log at path, creating it if needed. An empty path
// means stderr.
func New(path string, logger log.Logger) (*L, error) {
	l := &L{w: os.Stderr, log: logger, now: time.Now}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, err
		}
		l.w = f
		l.c = f
	}
	return l, nil
}

// maskKey keeps enough of the key to correlate events without logging
// the credential itself.
func maskKey(key string) string {
	if len(key) <= 10 {
		return key
	}
	return key[:10] + "..."
}

// Record writes ev with the current timestamp. The API key field is
// masked before it hits disk.
func (l *L) Record(ev Event) {
	ev.Timestamp = l.now().UTC().Format(time.RFC3339Nano)
	ev.APIKey = maskKey(ev.APIKey)

	raw, err := json.Marshal(ev)
	if err != nil {
		l.log.Error("audit event marshal failed", err, "event_type", ev.EventType)
		return
	}
	raw = append(raw, '\n')

	l.mu.Lock()
	_, err = l.w.Write(raw)
	l.mu.Unlock()
	if err != nil {
		l.log.Error("audit write failed", err, "event_type", ev.EventType)
	}
}

func (l *L) Close() error {
	if l.c != nil {
		return l.c.Close()
	}
	return nil
}
