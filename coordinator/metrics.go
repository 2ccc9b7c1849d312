// Copyright 2016 Aleksandr Demakin. All rights reserved.

package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	commands *prometheus.CounterVec
	sent     *prometheus.CounterVec
	received *prometheus.CounterVec
	forced   *prometheus.CounterVec
	active   *prometheus.GaugeVec
}

// newMetrics creates the coordinator collectors and registers them in reg.
// A nil reg leaves them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipclab",
			Name:      "commands_total",
			Help:      "Commands executed by the coordinator",
		}, []string{"action", "status"}),
		sent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipclab",
			Name:      "messages_sent_total",
			Help:      "Messages sent through a mechanism",
		}, []string{"mechanism"}),
		received: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipclab",
			Name:      "messages_received_total",
			Help:      "Messages received through a mechanism",
		}, []string{"mechanism"}),
		forced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipclab",
			Name:      "forced_terminations_total",
			Help:      "Responders killed after ignoring a termination request",
		}, []string{"mechanism"}),
		active: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ipclab",
			Name:      "mechanism_active",
			Help:      "1 if the mechanism is active",
		}, []string{"mechanism"}),
	}
}

func (m *metrics) setActive(mech Mechanism, active bool) {
	value := 0.0
	if active {
		value = 1
	}
	m.active.WithLabelValues(string(mech)).Set(value)
}
