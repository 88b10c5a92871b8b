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

package smtppool

import "github.com/prometheus/client_golang/prometheus"

var (
	poolDials = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailprobe",
			Subsystem: "smtp_pool",
			Name:      "dials_total",
			Help:      "Count of new SMTP sessions established",
		},
	)
	poolReuses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailprobe",
			Subsystem: "smtp_pool",
			Name:      "reuses_total",
			Help:      "Count of borrows served by an idle session",
		},
	)
	poolExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailprobe",
			Subsystem: "smtp_pool",
			Name:      "exhausted_total",
			Help:      "Count of borrows that timed out waiting for a free slot",
		},
	)
	poolReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailprobe",
			Subsystem: "smtp_pool",
			Name:      "reaped_total",
			Help:      "Count of idle sessions evicted by the reaper",
		},
	)
)

func init() {
	prometheus.MustRegister(poolDials)
	prometheus.MustRegister(poolReuses)
	prometheus.MustRegister(poolExhausted)
	prometheus.MustRegister(poolReaped)
}
