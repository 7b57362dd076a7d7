package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trafficserver/tscore/internal/cache"
	"github.com/trafficserver/tscore/internal/quic/congestion"
	"github.com/trafficserver/tscore/pkg/utils"
)

var (
	_ cache.Recorder      = (*Collector)(nil)
	_ congestion.Recorder = (*connRecorder)(nil)
)

// Collector exports cache segment, interactor and congestion control activity
// to Prometheus. It implements cache.Recorder directly and hands out a
// congestion.Recorder per connection.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	// Prometheus metrics
	segmentOps        *prometheus.CounterVec
	bufferTransitions *prometheus.CounterVec
	bytesTotal        *prometheus.CounterVec
	attaches          *prometheus.CounterVec
	detaches          *prometheus.CounterVec
	lockContention    *prometheus.CounterVec
	cwnd              *prometheus.GaugeVec
	bytesInFlight     *prometheus.GaugeVec
	ssthresh          *prometheus.GaugeVec
	congestionEvents  *prometheus.CounterVec

	// Internal tracking
	ops       map[string]*OperationMetrics
	lastReset time.Time
	statuses  map[string]func() interface{}

	// HTTP server for metrics endpoint
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "tscore",
		Labels:    make(map[string]string),
	}
}

// OperationMetrics tracks outcomes for one segment operation
type OperationMetrics struct {
	Count         int64            `json:"count"`
	Outcomes      map[string]int64 `json:"outcomes"`
	LastOperation time.Time        `json:"last_operation"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *utils.StructuredLogger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = utils.NopLogger()
	}

	c := &Collector{
		config:    config,
		logger:    logger.WithComponent("metrics"),
		ops:       make(map[string]*OperationMetrics),
		lastReset: time.Now(),
		statuses:  make(map[string]func() interface{}),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return c, nil
}

// Registry returns the Prometheus registry, or nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.config.Enabled {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	mux.HandleFunc("/debug/status", c.debugStatusHandler)
	return mux
}

// Start starts the metrics HTTP server
func (c *Collector) Start(_ context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", utils.Fields{"error": err})
		}
	}()

	c.logger.Info("metrics server started", utils.Fields{"port": c.config.Port, "path": c.config.Path})
	return nil
}

// Stop stops the metrics HTTP server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordAttach counts a client joining an interactor.
func (c *Collector) RecordAttach(interactor string) {
	if !c.config.Enabled {
		return
	}
	c.attaches.WithLabelValues(interactor).Inc()
}

// RecordDetach counts a client leaving an interactor.
func (c *Collector) RecordDetach(interactor string) {
	if !c.config.Enabled {
		return
	}
	c.detaches.WithLabelValues(interactor).Inc()
}

// RecordLockContention counts a failed try-lock on an interactor.
func (c *Collector) RecordLockContention(interactor string) {
	if !c.config.Enabled {
		return
	}
	c.lockContention.WithLabelValues(interactor).Inc()
}

// RecordSegmentOp counts the outcome of a segment operation
func (c *Collector) RecordSegmentOp(op, outcome string) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{Outcomes: make(map[string]int64)}
		c.ops[op] = m
	}
	m.Count++
	m.Outcomes[outcome]++
	m.LastOperation = time.Now()
	c.mu.Unlock()

	c.segmentOps.WithLabelValues(op, outcome).Inc()
}

// RecordBufferTransition counts an AbstractBuffer state change
func (c *Collector) RecordBufferTransition(from, to string) {
	if !c.config.Enabled {
		return
	}
	c.bufferTransitions.WithLabelValues(from, to).Inc()
}

// RecordBytes counts bytes moved through segment buffers
func (c *Collector) RecordBytes(direction string, n int) {
	if !c.config.Enabled || n <= 0 {
		return
	}
	c.bytesTotal.WithLabelValues(direction).Add(float64(n))
}

// ConnectionRecorder returns a congestion.Recorder that labels its gauges
// with conn.
func (c *Collector) ConnectionRecorder(conn string) congestion.Recorder {
	return &connRecorder{c: c, conn: conn}
}

// ForgetConnection drops the gauges of a closed connection.
func (c *Collector) ForgetConnection(conn string) {
	if !c.config.Enabled {
		return
	}
	c.cwnd.DeleteLabelValues(conn)
	c.bytesInFlight.DeleteLabelValues(conn)
	c.ssthresh.DeleteLabelValues(conn)
}

type connRecorder struct {
	c    *Collector
	conn string
}

func (r *connRecorder) RecordWindow(cwnd, bytesInFlight, ssthresh uint32) {
	if !r.c.config.Enabled {
		return
	}
	r.c.cwnd.WithLabelValues(r.conn).Set(float64(cwnd))
	r.c.bytesInFlight.WithLabelValues(r.conn).Set(float64(bytesInFlight))
	r.c.ssthresh.WithLabelValues(r.conn).Set(float64(ssthresh))
}

func (r *connRecorder) RecordCongestionEvent(trigger string) {
	if !r.c.config.Enabled {
		return
	}
	r.c.congestionEvents.WithLabelValues(trigger).Inc()
}

// Operations returns a copy of the per-operation tracking
func (c *Collector) Operations() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.ops))
	for name, m := range c.ops {
		outcomes := make(map[string]int64, len(m.Outcomes))
		for k, v := range m.Outcomes {
			outcomes[k] = v
		}
		out[name] = OperationMetrics{Count: m.Count, Outcomes: outcomes, LastOperation: m.LastOperation}
	}
	return out
}

// ResetOperations clears the per-operation tracking
func (c *Collector) ResetOperations() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ops = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: c.config.Labels,
		}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: c.config.Labels,
		}, labels)
	}

	// Cache segment metrics
	c.segmentOps = counter("segment_operations_total", "Segment operations by outcome", "operation", "outcome")
	c.bufferTransitions = counter("buffer_transitions_total", "Segment buffer state transitions", "from", "to")
	c.bytesTotal = counter("segment_bytes_total", "Bytes written to or read from segment buffers", "direction")

	// Interactor metrics
	c.attaches = counter("interactor_attaches_total", "Clients attached to an interactor", "interactor")
	c.detaches = counter("interactor_detaches_total", "Clients detached from an interactor", "interactor")
	c.lockContention = counter("interactor_lock_contention_total", "Failed interactor try-locks", "interactor")

	// Congestion control metrics
	c.cwnd = gauge("congestion_window_bytes", "Congestion window", "connection")
	c.bytesInFlight = gauge("bytes_in_flight", "Bytes sent and not yet acked or lost", "connection")
	c.ssthresh = gauge("slow_start_threshold_bytes", "Slow start threshold", "connection")
	c.congestionEvents = counter("congestion_events_total", "Congestion events by trigger", "trigger")
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.segmentOps,
		c.bufferTransitions,
		c.bytesTotal,
		c.attaches,
		c.detaches,
		c.lockContention,
		c.cwnd,
		c.bytesInFlight,
		c.ssthresh,
		c.congestionEvents,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// AddStatus registers fn under name in the /debug/status document. fn is
// called on every request and its result encoded as JSON.
func (c *Collector) AddStatus(name string, fn func() interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[name] = fn
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"tscore-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, _ *http.Request) {
	ops := c.Operations()
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	c.mu.RLock()
	lastReset := c.lastReset
	c.mu.RUnlock()

	type entry struct {
		Name string `json:"name"`
		OperationMetrics
	}
	body := struct {
		Uptime     string  `json:"uptime"`
		Operations []entry `json:"operations"`
	}{Uptime: time.Since(lastReset).Round(time.Second).String()}
	for _, name := range names {
		body.Operations = append(body.Operations, entry{Name: name, OperationMetrics: ops[name]})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		c.logger.Warn("debug operations encode failed", utils.Fields{"error": err})
	}
}

func (c *Collector) debugStatusHandler(w http.ResponseWriter, _ *http.Request) {
	c.mu.RLock()
	fns := make(map[string]func() interface{}, len(c.statuses))
	for name, fn := range c.statuses {
		fns[name] = fn
	}
	c.mu.RUnlock()

	body := make(map[string]interface{}, len(fns))
	for name, fn := range fns {
		body[name] = fn()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		c.logger.Warn("debug status encode failed", utils.Fields{"error": err})
	}
}
