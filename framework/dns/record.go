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

package dns

import (
	"time"
)

// Kind identifies the DNS record type carried by a Record.
type Kind string

const (
	KindMX   Kind = "MX"
	KindA    Kind = "A"
	KindAAAA Kind = "AAAA"
	KindPTR  Kind = "PTR"
	KindNS   Kind = "NS"
)

// Record is a single DNS answer with a cache expiration deadline.
//
// Priority is meaningful only for KindMX. Records are immutable after
// construction.
type Record struct {
	Value     string
	Kind      Kind
	Priority  uint16
	ExpiresAt time.Time
}

// Expired reports whether the record should not be served at the given
// point in time.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
