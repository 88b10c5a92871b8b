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

package limiters

import "github.com/prometheus/client_golang/prometheus"

var (
	rateLimitExceeded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailprobe",
			Name:      "rate_limit_exceeded_total",
			Help:      "Count of requests rejected by the rate limiter, by tier",
		},
		[]string{"tier"},
	)
	ipsBlocked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailprobe",
			Name:      "ips_blocked_total",
			Help:      "Count of client addresses banned for repeated auth failures",
		},
	)
)

func init() {
	prometheus.MustRegister(rateLimitExceeded)
	prometheus.MustRegister(ipsBlocked)
}
