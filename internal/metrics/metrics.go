package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the scan service collectors. It satisfies session.Observer.
type Metrics struct {
	SessionsOpened   prometheus.Counter
	SessionsFinished prometheus.Counter
	ActiveSessions   prometheus.Gauge
	Ticks            prometheus.Counter
	Attempts         *prometheus.CounterVec
	CameraFailures   prometheus.Counter
	ReportsGenerated prometheus.Counter
	ReportsExported  *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "attendscan_sessions_opened_total",
			Help: "Total number of scan sessions opened",
		}),
		SessionsFinished: f.NewCounter(prometheus.CounterOpts{
			Name: "attendscan_sessions_finished_total",
			Help: "Total number of scan sessions finished with a report",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "attendscan_active_sessions",
			Help: "Number of scan sessions currently open",
		}),
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "attendscan_scan_ticks_total",
			Help: "Total number of polling ticks processed while scanning",
		}),
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "attendscan_detection_attempts_total",
			Help: "Detection attempts by outcome",
		}, []string{"outcome"}),
		CameraFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "attendscan_camera_failures_total",
			Help: "Camera acquisitions that failed",
		}),
		ReportsGenerated: f.NewCounter(prometheus.CounterOpts{
			Name: "attendscan_reports_generated_total",
			Help: "Total number of attendance reports generated",
		}),
		ReportsExported: f.NewCounterVec(prometheus.CounterOpts{
			Name: "attendscan_reports_exported_total",
			Help: "Report exports by format",
		}, []string{"format"}),
	}
}

func (m *Metrics) Tick() { m.Ticks.Inc() }

func (m *Metrics) Attempt(matched bool) {
	outcome := "miss"
	if matched {
		outcome = "match"
	}
	m.Attempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CameraUnavailable() { m.CameraFailures.Inc() }

// Exported counts one report download or worker export in the given format.
func (m *Metrics) Exported(format string) { m.ReportsExported.WithLabelValues(format).Inc() }
