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

package breaker

import "github.com/prometheus/client_golang/prometheus"

var (
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mailprobe",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0 - closed, 1 - open, 2 - half-open)",
		},
		[]string{"endpoint"},
	)
	breakerOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailprobe",
			Subsystem: "breaker",
			Name:      "opened_total",
			Help:      "Count of closed/half-open to open transitions",
		},
		[]string{"endpoint"},
	)
	breakerRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailprobe",
			Subsystem: "breaker",
			Name:      "rejected_total",
			Help:      "Count of calls rejected without reaching the endpoint",
		},
		[]string{"endpoint"},
	)
)

func init() {
	prometheus.MustRegister(breakerState)
	prometheus.MustRegister(breakerOpened)
	prometheus.MustRegister(breakerRejected)
}
