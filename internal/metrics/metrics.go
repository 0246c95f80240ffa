// Package metrics exposes Prometheus collectors for update runs and for
// the publishing server. Each side owns its registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schaermu/patchsync/internal/plugin"
	"github.com/schaermu/patchsync/internal/progress"
)

const namespace = "patchsync"

// Client holds the collectors of the update side
type Client struct {
	registry *prometheus.Registry

	actions     *prometheus.CounterVec
	runs        *prometheus.CounterVec
	duration    prometheus.Gauge
	lastSuccess prometheus.Gauge
}

// NewClient creates the update collectors. Progress counters are exported
// through gauge functions reading prog.
func NewClient(prog *progress.State) *Client {
	c := &Client{
		registry: prometheus.NewRegistry(),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "file_actions_total",
				Help:      "The number of file actions performed, by kind and result",
			},
			[]string{"kind", "result"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "update_runs_total",
				Help:      "The number of update runs, by result",
			},
			[]string{"result"},
		),
		duration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "update_duration_seconds",
				Help:      "Duration of the last update run",
			},
		),
		lastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "update_last_success_timestamp_seconds",
				Help:      "Unix time of the last successful update run",
			},
		),
	}

	c.registry.MustRegister(c.actions, c.runs, c.duration, c.lastSuccess)
	if prog != nil {
		c.registry.MustRegister(
			progressGauge("downloaded_bytes", "Bytes written during the current run", prog, func(s progress.Snapshot) float64 {
				return float64(s.BytesDownloaded)
			}),
			progressGauge("total_bytes", "Bytes expected during the current run", prog, func(s progress.Snapshot) float64 {
				return float64(s.BytesTotal)
			}),
			progressGauge("downloaded_files", "Files completed during the current run", prog, func(s progress.Snapshot) float64 {
				return float64(s.FilesDownloaded)
			}),
			progressGauge("total_files", "Files expected during the current run", prog, func(s progress.Snapshot) float64 {
				return float64(s.FilesTotal)
			}),
		)
	}
	return c
}

func progressGauge(name, help string, prog *progress.State, read func(progress.Snapshot) float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      name,
			Help:      help,
		},
		func() float64 { return read(prog.Snapshot()) },
	)
}

// Registry returns the client registry
func (c *Client) Registry() *prometheus.Registry { return c.registry }

// ObserveRun records the outcome of a run
func (c *Client) ObserveRun(err error, elapsed time.Duration, now time.Time) {
	c.duration.Set(elapsed.Seconds())
	if err != nil {
		c.runs.WithLabelValues("error").Inc()
		return
	}
	c.runs.WithLabelValues("success").Inc()
	c.lastSuccess.Set(float64(now.Unix()))
}

// WriteTextfile writes every client metric to path in the text exposition
// format, for node_exporter's textfile collector.
func (c *Client) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}

// Plugin counts file actions as they happen
func (c *Client) Plugin() plugin.Plugin {
	return &actionCounter{client: c}
}

type actionCounter struct {
	plugin.Base
	client *Client
}

func (a *actionCounter) Name() string { return "metrics" }

func (a *actionCounter) OnFileAction(ev plugin.FileActionEvent) {
	switch ev.Kind {
	case plugin.DownloadFinished, plugin.ExtractFinished, plugin.Delete:
	default:
		return
	}
	result := "success"
	if ev.Err != nil {
		result = "failure"
	}
	a.client.actions.WithLabelValues(string(ev.Kind), result).Inc()
}

// Server holds the collectors of the publishing server
type Server struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	bytesServed    prometheus.Counter
	manifestBuilds *prometheus.CounterVec
	manifestBuild  *prometheus.HistogramVec
}

// NewServer creates the server collectors, including process and Go
// runtime collectors.
func NewServer() *Server {
	s := &Server{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "requests_total",
				Help:      "The number of requests handled, by endpoint and status code",
			},
			[]string{"endpoint", "code"},
		),
		bytesServed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "served_bytes_total",
				Help:      "Bytes of file content served",
			},
		),
		manifestBuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "manifest_builds_total",
				Help:      "The number of manifest computations, by check method",
			},
			[]string{"method"},
		),
		manifestBuild: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "manifest_build_seconds",
				Help:      "Time spent computing a manifest",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"method"},
		),
	}

	s.registry.MustRegister(
		s.requests,
		s.bytesServed,
		s.manifestBuilds,
		s.manifestBuild,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

// Registry returns the server registry
func (s *Server) Registry() *prometheus.Registry { return s.registry }

// Handler serves the server registry
func (s *Server) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// ObserveRequest counts one handled request
func (s *Server) ObserveRequest(endpoint string, code int) {
	s.requests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
}

// AddServedBytes counts file content written to clients
func (s *Server) AddServedBytes(n int64) {
	s.bytesServed.Add(float64(n))
}

// ObserveManifestBuild records a manifest computation
func (s *Server) ObserveManifestBuild(method string, elapsed time.Duration) {
	s.manifestBuilds.WithLabelValues(method).Inc()
	s.manifestBuild.WithLabelValues(method).Observe(elapsed.Seconds())
}
