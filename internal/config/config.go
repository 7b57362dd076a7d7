package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/trafficserver/tscore/internal/buffer"
	"github.com/trafficserver/tscore/internal/cache"
	"github.com/trafficserver/tscore/internal/event"
	"github.com/trafficserver/tscore/internal/interactor"
	"github.com/trafficserver/tscore/internal/metrics"
	"github.com/trafficserver/tscore/internal/quic/congestion"
	"github.com/trafficserver/tscore/pkg/errors"
	"github.com/trafficserver/tscore/pkg/retry"
	"github.com/trafficserver/tscore/pkg/utils"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Event      EventConfig      `yaml:"event"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Interactor InteractorConfig `yaml:"interactor"`
	Directory  DirectoryConfig  `yaml:"directory"`
	Writer     WriterConfig     `yaml:"writer"`
	QUIC       QUICConfig       `yaml:"quic"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`

	// ComponentLevels overrides log_level per component, e.g. quic.cc: DEBUG
	ComponentLevels map[string]string `yaml:"component_levels,omitempty"`
}

// EventConfig represents event processor settings
type EventConfig struct {
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	LockRetryDelay time.Duration `yaml:"lock_retry_delay"`
	MaxInflightIO  int64         `yaml:"max_inflight_io"`
}

// BufferConfig represents segment write buffer settings
type BufferConfig struct {
	Size         string `yaml:"size"`
	Alignment    uint32 `yaml:"alignment"`
	WriteRetries int    `yaml:"write_retries"`
}

// InteractorConfig represents attach/detach settings
type InteractorConfig struct {
	AttachRetryDelay time.Duration `yaml:"attach_retry_delay"`
}

// DirectoryConfig represents cache directory settings
type DirectoryConfig struct {
	LogPath     string `yaml:"log_path"`
	Buckets     int    `yaml:"buckets"`
	CompressLog bool   `yaml:"compress_log"`
	LogCodec    string `yaml:"log_codec"`
	OpenShards  int    `yaml:"open_shards"`
}

// WriterConfig represents writer retry settings
type WriterConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// QUICConfig represents QUIC transport settings
type QUICConfig struct {
	CongestionControl CongestionControlConfig `yaml:"congestion_control"`
	LossDetection     LossDetectionConfig     `yaml:"loss_detection"`
}

// CongestionControlConfig represents congestion controller settings
type CongestionControlConfig struct {
	MaxDatagramSize               uint32  `yaml:"max_datagram_size"`
	InitialWindowScale            uint32  `yaml:"initial_window_scale"`
	MinimumWindowScale            uint32  `yaml:"minimum_window_scale"`
	LossReductionFactor           float64 `yaml:"loss_reduction_factor"`
	PersistentCongestionThreshold uint32  `yaml:"persistent_congestion_threshold"`
	Pacing                        bool    `yaml:"pacing"`
}

// LossDetectionConfig represents loss detection timing settings
type LossDetectionConfig struct {
	Granularity time.Duration `yaml:"granularity"`
	InitialRTT  time.Duration `yaml:"initial_rtt"`
	MaxAckDelay time.Duration `yaml:"max_ack_delay"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFormat:   "text",
			LogFile:     "",
			MetricsPort: 9090,
		},
		Event: EventConfig{
			Workers:        4,
			QueueSize:      1024,
			LockRetryDelay: 10 * time.Millisecond,
			MaxInflightIO:  16,
		},
		Buffer: BufferConfig{
			Size:         "1MB",
			Alignment:    512,
			WriteRetries: 16,
		},
		Interactor: InteractorConfig{
			AttachRetryDelay: 10 * time.Millisecond,
		},
		Directory: DirectoryConfig{
			LogPath:     "",
			Buckets:     64,
			CompressLog: true,
			LogCodec:    cache.CodecZstd,
			OpenShards:  16,
		},
		Writer: WriterConfig{
			MaxAttempts:  5,
			InitialDelay: time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
		},
		QUIC: QUICConfig{
			CongestionControl: CongestionControlConfig{
				MaxDatagramSize:               1200,
				InitialWindowScale:            10,
				MinimumWindowScale:            2,
				LossReductionFactor:           0.5,
				PersistentCongestionThreshold: 3,
				Pacing:                        false,
			},
			LossDetection: LossDetectionConfig{
				Granularity: time.Millisecond,
				InitialRTT:  333 * time.Millisecond,
				MaxAckDelay: 25 * time.Millisecond,
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithDetail("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file").
			WithDetail("file", filename)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables. Values that
// do not parse are ignored.
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("TSCORE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = strings.ToUpper(val)
	}
	if val := os.Getenv("TSCORE_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = strings.ToLower(val)
	}
	if val := os.Getenv("TSCORE_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("TSCORE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}

	// Event processor
	if val := os.Getenv("TSCORE_EVENT_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil {
			c.Event.Workers = workers
		}
	}
	if val := os.Getenv("TSCORE_EVENT_LOCK_RETRY_DELAY"); val != "" {
		if delay, err := time.ParseDuration(val); err == nil {
			c.Event.LockRetryDelay = delay
		}
	}

	// Cache
	if val := os.Getenv("TSCORE_BUFFER_SIZE"); val != "" {
		c.Buffer.Size = val
	}
	if val := os.Getenv("TSCORE_BUFFER_ALIGNMENT"); val != "" {
		if alignment, err := strconv.ParseUint(val, 10, 32); err == nil {
			c.Buffer.Alignment = uint32(alignment)
		}
	}
	if val := os.Getenv("TSCORE_ATTACH_RETRY_DELAY"); val != "" {
		if delay, err := time.ParseDuration(val); err == nil {
			c.Interactor.AttachRetryDelay = delay
		}
	}
	if val := os.Getenv("TSCORE_DIRECTORY_LOG_PATH"); val != "" {
		c.Directory.LogPath = val
	}
	if val := os.Getenv("TSCORE_DIRECTORY_COMPRESS_LOG"); val != "" {
		c.Directory.CompressLog = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("TSCORE_DIRECTORY_LOG_CODEC"); val != "" {
		c.Directory.LogCodec = strings.ToLower(val)
	}

	// Congestion control
	cc := &c.QUIC.CongestionControl
	if val := os.Getenv("TSCORE_CC_MAX_DATAGRAM_SIZE"); val != "" {
		if mds, err := strconv.ParseUint(val, 10, 32); err == nil {
			cc.MaxDatagramSize = uint32(mds)
		}
	}
	if val := os.Getenv("TSCORE_CC_LOSS_REDUCTION_FACTOR"); val != "" {
		if factor, err := strconv.ParseFloat(val, 64); err == nil {
			cc.LossReductionFactor = factor
		}
	}
	if val := os.Getenv("TSCORE_CC_PERSISTENT_CONGESTION_THRESHOLD"); val != "" {
		if threshold, err := strconv.ParseUint(val, 10, 32); err == nil {
			cc.PersistentCongestionThreshold = uint32(threshold)
		}
	}
	if val := os.Getenv("TSCORE_CC_PACING"); val != "" {
		cc.Pacing = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to marshal config")
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to create config directory")
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to write config file")
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("invalid log_level: %s", c.Global.LogLevel)
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return invalid("invalid log_format: %s", c.Global.LogFormat)
	}
	for component, level := range c.Global.ComponentLevels {
		if _, err := utils.ParseLogLevel(level); err != nil {
			return invalid("invalid component_levels.%s: %s", component, level)
		}
	}

	if c.Global.MetricsPort < 0 || c.Global.MetricsPort > 65535 {
		return invalid("metrics_port must be between 0 and 65535, got %d", c.Global.MetricsPort)
	}

	if c.Event.Workers <= 0 {
		return invalid("event.workers must be greater than 0")
	}
	if c.Event.QueueSize <= 0 {
		return invalid("event.queue_size must be greater than 0")
	}

	if _, err := c.BufferConfig(); err != nil {
		return err
	}

	if c.Directory.Buckets <= 0 {
		return invalid("directory.buckets must be greater than 0")
	}
	switch c.Directory.LogCodec {
	case "", cache.CodecZstd, cache.CodecLZ4:
	default:
		return invalid("invalid directory.log_codec: %s", c.Directory.LogCodec)
	}
	if c.Writer.MaxAttempts <= 0 {
		return invalid("writer.max_attempts must be greater than 0")
	}

	if err := c.CongestionConfig().Validate(); err != nil {
		return err
	}
	return c.RTTConfig().Validate()
}

// BufferConfig converts the buffer section, parsing its size.
func (c *Configuration) BufferConfig() (*buffer.Config, error) {
	size, err := utils.ParseBytes(c.Buffer.Size)
	if err != nil {
		return nil, invalid("invalid buffer.size %q: %v", c.Buffer.Size, err)
	}
	if size <= 0 || size > buffer.MaxCapacity {
		return nil, invalid("buffer.size must be between 1 and %d bytes", buffer.MaxCapacity)
	}
	if a := c.Buffer.Alignment; a != 0 && a&(a-1) != 0 {
		return nil, invalid("buffer.alignment must be a power of two")
	}

	return &buffer.Config{
		Size:         uint32(size),
		Alignment:    c.Buffer.Alignment,
		WriteRetries: c.Buffer.WriteRetries,
	}, nil
}

// ProcessorConfig converts the event section.
func (c *Configuration) ProcessorConfig() *event.ProcessorConfig {
	return &event.ProcessorConfig{
		Workers:        c.Event.Workers,
		QueueSize:      c.Event.QueueSize,
		LockRetryDelay: c.Event.LockRetryDelay,
		MaxInflightIO:  c.Event.MaxInflightIO,
	}
}

// RetryConfig converts the writer section. Only BUSY is retried.
func (c *Configuration) RetryConfig() retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = c.Writer.MaxAttempts
	rc.InitialDelay = c.Writer.InitialDelay
	rc.MaxDelay = c.Writer.MaxDelay
	return rc
}

// SegmentConfig assembles the per-segment configuration.
func (c *Configuration) SegmentConfig() (*cache.SegmentConfig, error) {
	bc, err := c.BufferConfig()
	if err != nil {
		return nil, err
	}
	return &cache.SegmentConfig{
		Buffer:     bc,
		Interactor: &interactor.Config{AttachRetryDelay: c.Interactor.AttachRetryDelay},
		Writer:     c.RetryConfig(),
	}, nil
}

// DirectoryConfig converts the directory section.
func (c *Configuration) DirectoryConfig() *cache.DirectoryConfig {
	return &cache.DirectoryConfig{
		LogPath:     c.Directory.LogPath,
		Buckets:     c.Directory.Buckets,
		CompressLog: c.Directory.CompressLog,
		LogCodec:    c.Directory.LogCodec,
	}
}

// OpenDirConfig assembles the open directory configuration.
func (c *Configuration) OpenDirConfig() (*cache.OpenDirConfig, error) {
	sc, err := c.SegmentConfig()
	if err != nil {
		return nil, err
	}
	return &cache.OpenDirConfig{Shards: c.Directory.OpenShards, Segment: sc}, nil
}

// CongestionConfig converts the congestion control section.
func (c *Configuration) CongestionConfig() *congestion.Config {
	cc := c.QUIC.CongestionControl
	return &congestion.Config{
		MaxDatagramSize:               cc.MaxDatagramSize,
		InitialWindowScale:            cc.InitialWindowScale,
		MinimumWindowScale:            cc.MinimumWindowScale,
		LossReductionFactor:           cc.LossReductionFactor,
		PersistentCongestionThreshold: cc.PersistentCongestionThreshold,
		Pacing:                        cc.Pacing,
	}
}

// RTTConfig converts the loss detection section.
func (c *Configuration) RTTConfig() *congestion.RTTConfig {
	ld := c.QUIC.LossDetection
	return &congestion.RTTConfig{
		Granularity: ld.Granularity,
		InitialRTT:  ld.InitialRTT,
		MaxAckDelay: ld.MaxAckDelay,
	}
}

// MetricsConfig converts the global metrics settings. A zero port disables
// the exporter.
func (c *Configuration) MetricsConfig() *metrics.Config {
	mc := metrics.DefaultConfig()
	mc.Port = c.Global.MetricsPort
	mc.Enabled = c.Global.MetricsPort > 0
	return mc
}

// LoggerConfig builds the root logger configuration. A log file is opened
// for append; the caller owns closing it.
func (c *Configuration) LoggerConfig() (*utils.StructuredLoggerConfig, error) {
	level, err := utils.ParseLogLevel(c.Global.LogLevel)
	if err != nil {
		return nil, invalid("invalid log_level: %s", c.Global.LogLevel)
	}
	format, err := utils.ParseLogFormat(c.Global.LogFormat)
	if err != nil {
		return nil, invalid("invalid log_format: %s", c.Global.LogFormat)
	}

	lc := utils.DefaultStructuredLoggerConfig()
	lc.Level = level
	lc.Format = format
	if len(c.Global.ComponentLevels) > 0 {
		lc.ComponentLevels = make(map[string]utils.LogLevel, len(c.Global.ComponentLevels))
		for component, name := range c.Global.ComponentLevels {
			l, err := utils.ParseLogLevel(name)
			if err != nil {
				return nil, invalid("invalid component_levels.%s: %s", component, name)
			}
			lc.ComponentLevels[component] = l
		}
	}
	if c.Global.LogFile != "" {
		f, err := os.OpenFile(c.Global.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to open log file").
				WithDetail("file", c.Global.LogFile)
		}
		lc.Output = f
	}
	return lc, nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Newf(errors.ErrCodeInvalidConfig, format, args...).WithComponent("config")
}
