package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, c *Collector, path string) string {
	t.Helper()

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s status = %d, want 200", path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with valid config", func(t *testing.T) {
		config := &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "tscore",
			Subsystem: "test",
		}
		collector, err := NewCollector(config, nil)
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector.config != config {
			t.Error("collector.config does not match input config")
		}
		if collector.Registry() == nil {
			t.Error("collector.Registry() is nil")
		}
	})

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil, nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v", err)
		}
		if collector.config.Port != 9090 {
			t.Errorf("Port = %d, want 9090", collector.config.Port)
		}
		if collector.config.Namespace != "tscore" {
			t.Errorf("Namespace = %q, want tscore", collector.config.Namespace)
		}
	})

	t.Run("disabled collector", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false}, nil)
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}
		if collector.Registry() != nil {
			t.Error("disabled collector should not create a registry")
		}

		// Should not panic
		collector.RecordSegmentOp("open_read", "ok")
		collector.RecordBufferTransition("ready", "ro")
		collector.RecordBytes("write", 10)
		collector.RecordAttach("seg")
		collector.ConnectionRecorder("c1").RecordWindow(1, 2, 3)
		collector.ForgetConnection("c1")

		if len(collector.Operations()) != 0 {
			t.Error("disabled collector should not track operations")
		}
		if err := collector.Start(context.Background()); err != nil {
			t.Errorf("Start() on disabled collector error = %v", err)
		}
	})
}

func TestSegmentMetrics(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Path: "/metrics", Namespace: "tscore"}, nil)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.RecordSegmentOp("write", "ok")
	collector.RecordSegmentOp("write", "ok")
	collector.RecordSegmentOp("write", "FULL")
	collector.RecordSegmentOp("flush", "committed")
	collector.RecordBufferTransition("ro", "flush")
	collector.RecordBytes("write", 40)
	collector.RecordBytes("write", 0)
	collector.RecordBytes("read", 24)
	collector.RecordAttach("segment")
	collector.RecordAttach("segment")
	collector.RecordDetach("segment")
	collector.RecordLockContention("segment")

	body := scrape(t, collector, "/metrics")
	want := []string{
		`tscore_segment_operations_total{operation="write",outcome="ok"} 2`,
		`tscore_segment_operations_total{operation="write",outcome="FULL"} 1`,
		`tscore_segment_operations_total{operation="flush",outcome="committed"} 1`,
		`tscore_buffer_transitions_total{from="ro",to="flush"} 1`,
		`tscore_segment_bytes_total{direction="write"} 40`,
		`tscore_segment_bytes_total{direction="read"} 24`,
		`tscore_interactor_attaches_total{interactor="segment"} 2`,
		`tscore_interactor_detaches_total{interactor="segment"} 1`,
		`tscore_interactor_lock_contention_total{interactor="segment"} 1`,
	}
	for _, line := range want {
		if !strings.Contains(body, line) {
			t.Errorf("scrape missing %q", line)
		}
	}

	ops := collector.Operations()
	if ops["write"].Count != 3 {
		t.Errorf("write count = %d, want 3", ops["write"].Count)
	}
	if ops["write"].Outcomes["FULL"] != 1 {
		t.Errorf("write FULL = %d, want 1", ops["write"].Outcomes["FULL"])
	}

	collector.ResetOperations()
	if len(collector.Operations()) != 0 {
		t.Error("ResetOperations() left tracked operations")
	}
}

func TestConnectionRecorder(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Path: "/metrics", Namespace: "tscore"}, nil)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	rec := collector.ConnectionRecorder("c1")
	rec.RecordWindow(12000, 3600, 6000)
	rec.RecordCongestionEvent("persistent_congestion")

	body := scrape(t, collector, "/metrics")
	for _, line := range []string{
		`tscore_congestion_window_bytes{connection="c1"} 12000`,
		`tscore_bytes_in_flight{connection="c1"} 3600`,
		`tscore_slow_start_threshold_bytes{connection="c1"} 6000`,
		`tscore_congestion_events_total{trigger="persistent_congestion"} 1`,
	} {
		if !strings.Contains(body, line) {
			t.Errorf("scrape missing %q", line)
		}
	}

	collector.ForgetConnection("c1")
	body = scrape(t, collector, "/metrics")
	if strings.Contains(body, `connection="c1"`) {
		t.Error("ForgetConnection() left gauges for c1")
	}
}

func TestHTTPHandlers(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Path: "/metrics", Namespace: "tscore"}, nil)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	collector.RecordSegmentOp("open_read", "ok")
	collector.RecordSegmentOp("close", "ok")

	t.Run("health", func(t *testing.T) {
		body := scrape(t, collector, "/health")
		if !strings.Contains(body, `"status":"healthy"`) {
			t.Errorf("health body = %s", body)
		}
	})

	t.Run("debug operations", func(t *testing.T) {
		var got struct {
			Operations []struct {
				Name  string `json:"name"`
				Count int64  `json:"count"`
			} `json:"operations"`
		}
		if err := json.Unmarshal([]byte(scrape(t, collector, "/debug/operations")), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(got.Operations) != 2 {
			t.Fatalf("operations = %d, want 2", len(got.Operations))
		}
		if got.Operations[0].Name != "close" || got.Operations[1].Name != "open_read" {
			t.Errorf("operations not sorted: %+v", got.Operations)
		}
	})

	t.Run("debug status", func(t *testing.T) {
		calls := 0
		collector.AddStatus("open_dir", func() interface{} {
			calls++
			return map[string]int{"active": calls}
		})

		var got map[string]map[string]int
		if err := json.Unmarshal([]byte(scrape(t, collector, "/debug/status")), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got["open_dir"]["active"] != 1 {
			t.Errorf("status = %v, want open_dir.active 1", got)
		}
	})
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 0, Path: "/metrics", Namespace: "tscore"}, nil)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	if err := collector.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := collector.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
