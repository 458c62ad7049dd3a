// metrics_test.go: Tests for the Prometheus collectors
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_NilRegisterer(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	// A nil *Metrics records nothing and does not panic.
	assert.NotPanics(t, func() {
		m.observeResolution(true, time.Millisecond)
		m.cacheHit("resolution")
		m.observeCompatibility(RiskHigh)
		m.observeStep(ActionInstall, false)
		m.observeRollback("manual")
		m.observeFetch(true, time.Millisecond)
	})
}

func TestNewMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)

	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func TestMetrics_Observations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.observeResolution(true, time.Millisecond)
	m.observeResolution(false, time.Millisecond)
	m.observeResolution(false, time.Millisecond)
	m.cacheHit("compatibility")
	m.observeCompatibility(RiskCritical)
	m.observeStep(ActionRollback, true)
	m.observeRollback("step_failure")
	m.observeFetch(false, 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolutions.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.resolutions.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheHits.WithLabelValues("compatibility")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.compatChecks.WithLabelValues(RiskCritical.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.installSteps.WithLabelValues("rollback", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rollbacks.WithLabelValues("step_failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.fetchDuration))

	count, err := testutil.GatherAndCount(reg, "plugin_resolver_resolutions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
