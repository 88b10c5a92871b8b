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

package validator

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	validationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailprobe",
			Name:      "validations_total",
			Help:      "Finished validations, by deepest stage reached and verdict status",
		},
		[]string{"type", "status"},
	)
	validationErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailprobe",
			Name:      "validation_errors_total",
			Help:      "Validations aborted by an infrastructure failure",
		},
	)
	validateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mailprobe",
			Name:      "validate_duration_seconds",
			Help:      "End-to-end duration of a single validation",
			Buckets:   prometheus.ExponentialBuckets(0.001, 3, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(validationsTotal)
	prometheus.MustRegister(validationErrors)
	prometheus.MustRegister(validateDuration)
}
