// Copyright 2026 The Bastion Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package metrics exposes Prometheus instrumentation for the decision
// engine. A private registry keeps Bastion's metrics separate from any
// host-process default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_decisions_total",
			Help: "Total auto-approval decisions by outcome and operation type.",
		},
		[]string{"outcome", "operation"},
	)

	riskLevelTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_risk_level_total",
			Help: "Risk assessments by resolved level.",
		},
		[]string{"level"},
	)

	rateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_rate_limited_total",
			Help: "Decisions denied by the rate limiter.",
		},
	)

	emergencyStopActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_emergency_stop_active",
			Help: "Whether the emergency stop is currently active (0 or 1).",
		},
	)

	decideDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "bastion_decide_duration_seconds",
			Help: "Decision evaluation duration in seconds.",
			Buckets: []float64{
				0.000001, 0.000005, 0.00001, 0.00005,
				0.0001, 0.0005, 0.001, 0.005, 0.01,
			},
		},
	)

	registry = prometheus.NewRegistry()
)

func init() {
	registry.MustRegister(
		decisionsTotal,
		riskLevelTotal,
		rateLimitedTotal,
		emergencyStopActive,
		decideDuration,
	)
}

// ObserveDecision records one completed decision.
func ObserveDecision(operation, outcome, riskLevel string, d time.Duration) {
	decisionsTotal.WithLabelValues(outcome, operation).Inc()
	if riskLevel != "" {
		riskLevelTotal.WithLabelValues(riskLevel).Inc()
	}
	decideDuration.Observe(d.Seconds())
}

// IncRateLimited records a rate-limiter denial.
func IncRateLimited() {
	rateLimitedTotal.Inc()
}

// SetEmergencyStop updates the emergency-stop gauge.
func SetEmergencyStop(active bool) {
	if active {
		emergencyStopActive.Set(1)
		return
	}
	emergencyStopActive.Set(0)
}

// Handler returns an http.Handler serving the Bastion metrics registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry for tests.
func Registry() *prometheus.Registry {
	return registry
}
