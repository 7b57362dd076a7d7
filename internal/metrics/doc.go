/*
Package metrics exports tscore activity to Prometheus.

# Overview

A single Collector owns a private Prometheus registry and serves it over
HTTP next to a health probe and a JSON view of recent segment operations.

	┌─────────────┐
	│  Collector  │
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌──────────▼────────┐
	│  Prometheus  │         │  HTTP Endpoints   │
	│   Registry   │         │  /metrics         │
	│              │         │  /health          │
	│ - Counters   │         │  /debug/operations│
	│ - Gauges     │         └───────────────────┘
	└──────────────┘

# Sources

Collector implements cache.Recorder, so it can be handed to
cache.NewOpenDir and receives segment operation outcomes, buffer state
transitions, byte counts and interactor roster events.

Each QUIC connection gets its own congestion.Recorder from
ConnectionRecorder; window gauges are labeled by connection and dropped
with ForgetConnection when the connection closes.

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "tscore",
	}, logger)
	if err != nil {
		return err
	}
	_ = collector.Start(ctx)
	defer collector.Stop(ctx)

	od, err := cache.NewOpenDir(dir, processor, odConfig, logger, collector)
	cc, err := congestion.NewController(ccConfig, rtt,
		congestion.WithRecorder(collector.ConnectionRecorder(connID)))

A disabled Collector accepts every Record call and does nothing.
*/
package metrics
