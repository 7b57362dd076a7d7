package congestion

import (
	"time"

	"github.com/trafficserver/tscore/pkg/errors"
)

// Config contains congestion controller configuration
type Config struct {
	// Largest UDP payload the connection sends, in bytes
	MaxDatagramSize uint32 `yaml:"max_datagram_size"`

	// Initial window in datagrams, capped at max(2*mds, 14600) bytes
	InitialWindowScale uint32 `yaml:"initial_window_scale"`

	// Floor for the congestion window in datagrams
	MinimumWindowScale uint32 `yaml:"minimum_window_scale"`

	// Multiplier applied to the window on a congestion event
	LossReductionFactor float64 `yaml:"loss_reduction_factor"`

	// Number of congestion periods a loss run must cover to count as
	// persistent congestion
	PersistentCongestionThreshold uint32 `yaml:"persistent_congestion_threshold"`

	// Enables the token-bucket pacer
	Pacing bool `yaml:"pacing"`
}

// DefaultConfig returns the default congestion controller configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxDatagramSize:               1200,
		InitialWindowScale:            10,
		MinimumWindowScale:            2,
		LossReductionFactor:           0.5,
		PersistentCongestionThreshold: 3,
	}
}

// InitialWindow returns min(scale*mds, max(2*mds, 14600)).
func (c *Config) InitialWindow() uint32 {
	return min(c.InitialWindowScale*c.MaxDatagramSize, max(2*c.MaxDatagramSize, 14600))
}

// MinimumWindow returns scale*mds.
func (c *Config) MinimumWindow() uint32 {
	return c.MinimumWindowScale * c.MaxDatagramSize
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch {
	case c.MaxDatagramSize == 0:
		return invalid("max_datagram_size must be positive")
	case c.InitialWindowScale == 0:
		return invalid("initial_window_scale must be positive")
	case c.MinimumWindowScale == 0:
		return invalid("minimum_window_scale must be positive")
	case c.LossReductionFactor <= 0 || c.LossReductionFactor >= 1:
		return invalid("loss_reduction_factor must be between 0 and 1")
	case c.PersistentCongestionThreshold == 0:
		return invalid("persistent_congestion_threshold must be positive")
	case c.MinimumWindow() > c.InitialWindow():
		return invalid("minimum window exceeds initial window")
	}
	return nil
}

// RTTConfig contains loss detection timing configuration
type RTTConfig struct {
	Granularity time.Duration `yaml:"granularity"`
	InitialRTT  time.Duration `yaml:"initial_rtt"`
	MaxAckDelay time.Duration `yaml:"max_ack_delay"`
}

// DefaultRTTConfig returns the RFC 9002 defaults.
func DefaultRTTConfig() *RTTConfig {
	return &RTTConfig{
		Granularity: time.Millisecond,
		InitialRTT:  333 * time.Millisecond,
		MaxAckDelay: 25 * time.Millisecond,
	}
}

// Validate checks the configuration for consistency.
func (c *RTTConfig) Validate() error {
	if c.Granularity <= 0 || c.InitialRTT <= 0 || c.MaxAckDelay < 0 {
		return invalid("loss detection durations must be positive")
	}
	return nil
}

func invalid(msg string) error {
	return errors.NewError(errors.ErrCodeInvalidConfig, msg).WithComponent("quic.cc")
}
