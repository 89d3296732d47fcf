// SPDX-License-Identifier: GPL-3.0-or-later

package world

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reasons for dropping a message.
const (
	// DropFailRate means the topology fail rate lost the message.
	DropFailRate = "fail_rate"

	// DropPartition means the hosts were partitioned.
	DropPartition = "partition"

	// DropUnknownHost means the destination is not registered.
	DropUnknownHost = "unknown_host"
)

// metrics contains the world counters.
type metrics struct {
	delivered prometheus.Counter
	dropped   *prometheus.CounterVec
	sent      prometheus.Counter
}

// newMetrics creates the counters and registers them with reg,
// unless reg is nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	m := &metrics{
		delivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "sim_messages_delivered_total",
			Help: "Messages delivered to the destination host.",
		}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sim_messages_dropped_total",
			Help: "Messages dropped by the simulated network.",
		}, []string{"reason"}),
		sent: factory.NewCounter(prometheus.CounterOpts{
			Name: "sim_messages_sent_total",
			Help: "Messages sent by simulated hosts.",
		}),
	}
	// make every reason visible from the start
	for _, reason := range []string{DropFailRate, DropPartition, DropUnknownHost} {
		m.dropped.WithLabelValues(reason)
	}
	return m
}
