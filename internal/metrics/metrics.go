/*
Mailsrv - Multi-protocol mail server (SMTP/IMAP/POP3) for a single administrative domain.
Copyright © 2026 Mailsrv contributors

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

// Package metrics collects Prometheus counters shared by the three protocol
// engines and the DNS resolver: connection counts, command throughput,
// delivery outcomes, and DNS resolution latency.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector is implemented by both the real Prometheus-backed collector and
// Noop, so engines can be unit-tested without a registry.
type Collector interface {
	ConnectionOpened(protocol string)
	ConnectionClosed(protocol string)
	CommandProcessed(protocol, verb string)
	DeliveryOutcome(kind string, success bool)
	DNSQuery(qtype string, latencySeconds float64, success bool)
}

// Noop discards every observation; used by tests and by callers that never
// wired a registry.
type Noop struct{}

func (Noop) ConnectionOpened(string)         {}
func (Noop) ConnectionClosed(string)         {}
func (Noop) CommandProcessed(string, string) {}
func (Noop) DeliveryOutcome(string, bool)    {}
func (Noop) DNSQuery(string, float64, bool)  {}

// Prometheus is the real collector, registering every metric with reg at
// construction time (grounded on infodancer-pop3d's PrometheusCollector).
type Prometheus struct {
	connectionsTotal  *prometheus.CounterVec
	connectionsActive *prometheus.GaugeVec
	commandsTotal     *prometheus.CounterVec
	deliveriesTotal   *prometheus.CounterVec
	dnsQueriesTotal   *prometheus.CounterVec
	dnsLatencySeconds *prometheus.HistogramVec
}

// New builds a Prometheus collector and registers its metrics with reg.
func New(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsrv_connections_total",
			Help: "Total number of connections accepted, by protocol.",
		}, []string{"protocol"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailsrv_connections_active",
			Help: "Number of currently open connections, by protocol.",
		}, []string{"protocol"}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsrv_commands_total",
			Help: "Total number of protocol commands processed.",
		}, []string{"protocol", "verb"}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsrv_deliveries_total",
			Help: "Total number of message deliveries, by kind (local/relay) and outcome.",
		}, []string{"kind", "result"}),
		dnsQueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsrv_dns_queries_total",
			Help: "Total number of DNS queries issued by the resolver.",
		}, []string{"qtype", "result"}),
		dnsLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailsrv_dns_query_duration_seconds",
			Help:    "Latency of DNS queries against the upstream resolver.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2},
		}, []string{"qtype"}),
	}

	reg.MustRegister(
		p.connectionsTotal,
		p.connectionsActive,
		p.commandsTotal,
		p.deliveriesTotal,
		p.dnsQueriesTotal,
		p.dnsLatencySeconds,
	)
	return p
}

func (p *Prometheus) ConnectionOpened(protocol string) {
	p.connectionsTotal.WithLabelValues(protocol).Inc()
	p.connectionsActive.WithLabelValues(protocol).Inc()
}

func (p *Prometheus) ConnectionClosed(protocol string) {
	p.connectionsActive.WithLabelValues(protocol).Dec()
}

func (p *Prometheus) CommandProcessed(protocol, verb string) {
	p.commandsTotal.WithLabelValues(protocol, verb).Inc()
}

func (p *Prometheus) DeliveryOutcome(kind string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	p.deliveriesTotal.WithLabelValues(kind, result).Inc()
}

func (p *Prometheus) DNSQuery(qtype string, latencySeconds float64, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	p.dnsQueriesTotal.WithLabelValues(qtype, result).Inc()
	p.dnsLatencySeconds.WithLabelValues(qtype).Observe(latencySeconds)
}
