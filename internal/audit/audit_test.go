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

package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/mailprobe/internal/testutils"
)

func TestRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	l, err := New(path, testutils.Logger(t, "audit"))
	if err != nil {
		t.Fatal(err)
	}
	l.now = func() time.Time {
		return time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	}

	l.Record(Event{
		EventType:     EventAuthFailure,
		ClientIP:      "192.0.2.10",
		APIKey:        "mp_abcdefghijklmnop",
		RequestPath:   "/validate",
		RequestMethod: "POST",
		StatusCode:    403,
		Details:       map[string]interface{}{"reason": "unknown key"},
	})
	l.Record(Event{
		EventType:     EventValidation,
		ClientIP:      "192.0.2.10",
		RequestPath:   "/validate",
		RequestMethod: "POST",
		StatusCode:    200,
	})
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line is not valid JSON: %q: %v", scanner.Text(), err)
		}
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events", len(events))
	}

	first := events[0]
	if first.EventType != EventAuthFailure || first.StatusCode != 403 {
		t.Fatalf("unexpected first event: %+v", first)
	}
	if first.Timestamp != "2024-01-15T12:00:00Z" {
		t.Fatalf("unexpected timestamp: %q", first.Timestamp)
	}
	if !strings.HasPrefix(first.APIKey, "mp_abcdefg") || !strings.HasSuffix(first.APIKey, "...") {
		t.Fatalf("API key not masked: %q", first.APIKey)
	}
	if first.Details["reason"] != "unknown key" {
		t.Fatalf("details lost: %+v", first.Details)
	}

	if events[1].APIKey != "" {
		t.Fatalf("empty API key serialized: %q", events[1].APIKey)
	}
}
