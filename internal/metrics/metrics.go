// Package metrics exposes Prometheus collectors for scans and occupancy.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"labtrack/internal/occupancy"
)

// Metrics groups the lab collectors.
type Metrics struct {
	Scans        *prometheus.CounterVec
	ScanDuration *prometheus.HistogramVec
	Present      prometheus.Gauge
	Entries      prometheus.Gauge
	Exits        prometheus.Gauge
	Members      prometheus.Gauge
	BadgeJobs    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labtrack",
			Name:      "scans_total",
			Help:      "Scans processed, by outcome.",
		}, []string{"outcome"}),
		ScanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "labtrack",
			Name:      "scan_duration_seconds",
			Help:      "Time to process one scan, by outcome.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"outcome"}),
		Present: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "labtrack",
			Name:      "present_estimate",
			Help:      "Approximate members inside (today's entries minus exits).",
		}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "labtrack",
			Name:      "today_entries",
			Help:      "IN entries on the reporting day within the dashboard window.",
		}),
		Exits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "labtrack",
			Name:      "today_exits",
			Help:      "OUT entries on the reporting day within the dashboard window.",
		}),
		Members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "labtrack",
			Name:      "members",
			Help:      "Registered members.",
		}),
		BadgeJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labtrack",
			Name:      "badge_jobs_total",
			Help:      "Badge render jobs handled by the worker, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Scans, m.ScanDuration, m.Present, m.Entries, m.Exits, m.Members, m.BadgeJobs)
	}
	return m
}

// ObserveScan records one scan outcome.
func (m *Metrics) ObserveScan(outcome string, elapsed time.Duration) {
	m.Scans.WithLabelValues(outcome).Inc()
	m.ScanDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveSummary mirrors the latest dashboard summary into gauges.
func (m *Metrics) ObserveSummary(s occupancy.Summary) {
	m.Present.Set(float64(s.CurrentlyPresentEstimate))
	m.Entries.Set(float64(s.TodayEntries))
	m.Exits.Set(float64(s.TodayExits))
	m.Members.Set(float64(s.TotalMembers))
}

// ObserveBadgeJob counts a finished badge job.
func (m *Metrics) ObserveBadgeJob(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BadgeJobs.WithLabelValues(result).Inc()
}
