/*
Package config loads the tscore configuration from defaults, YAML files and
environment variables, validates it, and converts each section into the
configuration struct of the package that consumes it.

# Configuration Sources

Later sources override earlier ones:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│            (TSCORE_*)                       │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File                  │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	│           (NewDefault)                      │
	└─────────────────────────────────────────────┘

# Usage Examples

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/tscore/config.yaml"); err != nil {
		log.Fatal(err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	odc, _ := cfg.OpenDirConfig()
	cc, _ := congestion.NewController(cfg.CongestionConfig(), congestion.NewRTTMeasure(cfg.RTTConfig()))

Configuration file format:

	global:
	  log_level: INFO
	  log_format: text
	  metrics_port: 9090
	  component_levels:
	    quic.cc: DEBUG

	event:
	  workers: 4
	  queue_size: 1024
	  lock_retry_delay: 10ms

	buffer:
	  size: 1MB
	  alignment: 512
	  write_retries: 16

	directory:
	  log_path: /var/cache/tscore/directory.log
	  buckets: 64
	  compress_log: true
	  log_codec: zstd

	quic:
	  congestion_control:
	    max_datagram_size: 1200
	    initial_window_scale: 10
	    minimum_window_scale: 2
	    loss_reduction_factor: 0.5
	    persistent_congestion_threshold: 3
	  loss_detection:
	    granularity: 1ms
	    initial_rtt: 333ms
	    max_ack_delay: 25ms

Environment variable mapping:

	TSCORE_LOG_LEVEL="DEBUG"
	TSCORE_EVENT_WORKERS="8"
	TSCORE_BUFFER_SIZE="4MB"
	TSCORE_DIRECTORY_LOG_PATH="/var/cache/tscore/directory.log"
	TSCORE_CC_MAX_DATAGRAM_SIZE="1350"
	TSCORE_CC_LOSS_REDUCTION_FACTOR="0.7"

Validation failures are returned as INVALID_CONFIG errors; read and parse
failures as CONFIG_LOAD.
*/
package config
