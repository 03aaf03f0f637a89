// Package metrics exports run results for the node_exporter textfile
// collector. Each run builds its own registry and replaces the textfile
// atomically at the end.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pljakobs/backup/pkg/status"
)

const namespace = "backup"

// Recorder collects gauges for one run.
type Recorder struct {
	reg *prometheus.Registry

	runStatus      prometheus.Gauge
	runTimestamp   prometheus.Gauge
	runDuration    prometheus.Gauge
	hostsFailed    prometheus.Gauge
	hostStatus     *prometheus.GaugeVec
	hostDuration   *prometheus.GaugeVec
	pathStatus     *prometheus.GaugeVec
	pathExitCode   *prometheus.GaugeVec
	pathBytesSent  *prometheus.GaugeVec
	pathBytesRecv  *prometheus.GaugeVec
	pathTotalSize  *prometheus.GaugeVec
	pathErrorLines *prometheus.GaugeVec
}

// NewRecorder returns a Recorder with a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	hostLabels := []string{"host"}
	pathLabels := []string{"host", "path"}

	return &Recorder{
		reg: reg,
		runStatus: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "run_status",
			Help: "Overall run status: 1 success, 0.5 warning, 0 failed",
		}),
		runTimestamp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "run_start_timestamp_seconds",
			Help: "Unix time the run started",
		}),
		runDuration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "run_duration_seconds",
			Help: "Wall time of the run",
		}),
		hostsFailed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "hosts_unreachable",
			Help: "Hosts that failed connectivity verification",
		}),
		hostStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "host_status",
			Help: "Per-host status: 1 success, 0.5 warning, 0 failed",
		}, hostLabels),
		hostDuration: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "host_duration_seconds",
			Help: "Wall time spent on a host's paths",
		}, hostLabels),
		pathStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "path_status",
			Help: "Per-path status: 1 success, 0.5 warning, 0 failed",
		}, pathLabels),
		pathExitCode: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "path_exit_code",
			Help: "Exit code of the path transfer",
		}, pathLabels),
		pathBytesSent: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "path_bytes_sent",
			Help: "Bytes sent by the path transfer",
		}, pathLabels),
		pathBytesRecv: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "path_bytes_received",
			Help: "Bytes received by the path transfer",
		}, pathLabels),
		pathTotalSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "path_total_size_bytes",
			Help: "Total size of the source tree",
		}, pathLabels),
		pathErrorLines: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "path_error_lines",
			Help: "Error lines in the transfer output",
		}, pathLabels),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// PathSample is one path job's numbers.
type PathSample struct {
	Host          string
	Path          string
	Status        status.Status
	ExitCode      int
	BytesSent     int64
	BytesReceived int64
	TotalSize     int64
	ErrorCount    int
}

// ObservePath records one path job.
func (r *Recorder) ObservePath(s PathSample) {
	r.pathStatus.WithLabelValues(s.Host, s.Path).Set(s.Status.Numeric())
	r.pathExitCode.WithLabelValues(s.Host, s.Path).Set(float64(s.ExitCode))
	r.pathBytesSent.WithLabelValues(s.Host, s.Path).Set(float64(s.BytesSent))
	r.pathBytesRecv.WithLabelValues(s.Host, s.Path).Set(float64(s.BytesReceived))
	r.pathTotalSize.WithLabelValues(s.Host, s.Path).Set(float64(s.TotalSize))
	r.pathErrorLines.WithLabelValues(s.Host, s.Path).Set(float64(s.ErrorCount))
}

// ObserveHost records a folded host.
func (r *Recorder) ObserveHost(host string, st status.Status, d time.Duration) {
	r.hostStatus.WithLabelValues(host).Set(st.Numeric())
	r.hostDuration.WithLabelValues(host).Set(d.Seconds())
}

// ObserveRun records the folded run.
func (r *Recorder) ObserveRun(st status.Status, started time.Time, d time.Duration, unreachable int) {
	r.runStatus.Set(st.Numeric())
	r.runTimestamp.Set(float64(started.Unix()))
	r.runDuration.Set(d.Seconds())
	r.hostsFailed.Set(float64(unreachable))
}

// WriteTextfile replaces path with the current samples. The file is written
// to a temporary name and renamed, so the collector never reads a partial
// file.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create textfile dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
