package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/sessiond"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Bootstrap metrics
	BootstrapResolutionsTotal metric.Int64Counter
	SessionsCreatedTotal      metric.Int64Counter

	// Session lifecycle metrics
	LoginsTotal  metric.Int64Counter
	LogoutsTotal metric.Int64Counter

	// Cascade metrics
	CascadeSweepsTotal         metric.Int64Counter
	CascadeRecordsSweptTotal   metric.Int64Counter
	CascadeRecordsSkippedTotal metric.Int64Counter

	// Resource metrics
	ResourceCommandsTotal      metric.Int64Counter
	ResourceCommandErrorsTotal metric.Int64Counter

	// Subscription metrics
	ActiveSubscriptions metric.Int64UpDownCounter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.BootstrapResolutionsTotal, _ = meter.Int64Counter(
		"sessiond.bootstrap.resolutions.total",
		metric.WithDescription("Total session key resolutions by outcome"),
		metric.WithUnit("{resolution}"),
	)

	m.SessionsCreatedTotal, _ = meter.Int64Counter(
		"sessiond.sessions.created.total",
		metric.WithDescription("Total sessions created"),
		metric.WithUnit("{session}"),
	)

	m.LoginsTotal, _ = meter.Int64Counter(
		"sessiond.sessions.logins.total",
		metric.WithDescription("Total login events applied"),
		metric.WithUnit("{login}"),
	)

	m.LogoutsTotal, _ = meter.Int64Counter(
		"sessiond.sessions.logouts.total",
		metric.WithDescription("Total logout events applied"),
		metric.WithUnit("{logout}"),
	)

	m.CascadeSweepsTotal, _ = meter.Int64Counter(
		"sessiond.cascade.sweeps.total",
		metric.WithDescription("Total cascade sweeps triggered by account events"),
		metric.WithUnit("{sweep}"),
	)

	m.CascadeRecordsSweptTotal, _ = meter.Int64Counter(
		"sessiond.cascade.records.swept.total",
		metric.WithDescription("Total session records re-derived by cascade sweeps"),
		metric.WithUnit("{record}"),
	)

	m.CascadeRecordsSkippedTotal, _ = meter.Int64Counter(
		"sessiond.cascade.records.skipped.total",
		metric.WithDescription("Total session records skipped by cascade sweeps due to per-record failures"),
		metric.WithUnit("{record}"),
	)

	m.ResourceCommandsTotal, _ = meter.Int64Counter(
		"sessiond.resource.commands.total",
		metric.WithDescription("Total resource commands executed by operation"),
		metric.WithUnit("{command}"),
	)

	m.ResourceCommandErrorsTotal, _ = meter.Int64Counter(
		"sessiond.resource.commands.errors.total",
		metric.WithDescription("Total resource command failures by operation"),
		metric.WithUnit("{error}"),
	)

	m.ActiveSubscriptions, _ = meter.Int64UpDownCounter(
		"sessiond.subscriptions.active",
		metric.WithDescription("Currently active read subscriptions"),
		metric.WithUnit("{subscription}"),
	)

	return m
}
