// metrics.go: Prometheus collectors for resolution and installation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the engine's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	resolutions        *prometheus.CounterVec
	resolutionDuration prometheus.Histogram
	cacheHits          *prometheus.CounterVec
	compatChecks       *prometheus.CounterVec
	installSteps       *prometheus.CounterVec
	rollbacks          *prometheus.CounterVec
	fetchDuration      *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// returns a nil *Metrics.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugin_resolver_resolutions_total",
				Help: "Number of resolutions by outcome.",
			},
			[]string{"outcome"},
		),
		resolutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "plugin_resolver_resolution_duration_seconds",
				Help:    "Time taken to resolve a plugin closure.",
				Buckets: prometheus.DefBuckets,
			},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugin_resolver_cache_hits_total",
				Help: "Cache hits by cache.",
			},
			[]string{"cache"},
		),
		compatChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugin_resolver_compatibility_checks_total",
				Help: "Compatibility checks by risk level.",
			},
			[]string{"risk"},
		),
		installSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugin_resolver_install_steps_total",
				Help: "Installation steps by action and outcome.",
			},
			[]string{"action", "outcome"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugin_resolver_rollbacks_total",
				Help: "Restores from backup by trigger.",
			},
			[]string{"trigger"},
		),
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugin_resolver_fetch_duration_seconds",
				Help:    "Time taken to fetch a plugin payload.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.resolutions, m.resolutionDuration, m.cacheHits, m.compatChecks,
		m.installSteps, m.rollbacks, m.fetchDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (m *Metrics) observeResolution(success bool, took time.Duration) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome(success)).Inc()
	m.resolutionDuration.Observe(took.Seconds())
}

func (m *Metrics) cacheHit(cache string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(cache).Inc()
}

func (m *Metrics) observeCompatibility(risk RiskLevel) {
	if m == nil {
		return
	}
	m.compatChecks.WithLabelValues(risk.String()).Inc()
}

func (m *Metrics) observeStep(action InstallAction, success bool) {
	if m == nil {
		return
	}
	m.installSteps.WithLabelValues(string(action), outcome(success)).Inc()
}

func (m *Metrics) observeRollback(trigger string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(trigger).Inc()
}

func (m *Metrics) observeFetch(success bool, took time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.WithLabelValues(outcome(success)).Observe(took.Seconds())
}
