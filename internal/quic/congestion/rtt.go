package congestion

import (
	"sync"
	"time"
)

// RTTMeasure keeps the round-trip estimates of RFC 9002 section 5. It is
// shared between loss detection and the congestion controller, so it carries
// its own lock.
type RTTMeasure struct {
	mu     sync.RWMutex
	config RTTConfig

	latest   time.Duration
	smoothed time.Duration
	variance time.Duration
	min      time.Duration
	sampled  bool
}

// NewRTTMeasure creates an estimator seeded with config.InitialRTT.
func NewRTTMeasure(config *RTTConfig) *RTTMeasure {
	if config == nil {
		config = DefaultRTTConfig()
	}
	r := &RTTMeasure{config: *config}
	r.Reset()
	return r
}

// UpdateRTT folds a new sample into the estimates. ackDelay is ignored for
// the first sample and capped at MaxAckDelay afterwards.
func (r *RTTMeasure) UpdateRTT(latest, ackDelay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.latest = latest
	if !r.sampled {
		r.sampled = true
		r.min = latest
		r.smoothed = latest
		r.variance = latest / 2
		return
	}

	r.min = min(r.min, latest)
	ackDelay = min(ackDelay, r.config.MaxAckDelay)

	adjusted := latest
	if latest >= r.min+ackDelay {
		adjusted = latest - ackDelay
	}

	diff := r.smoothed - adjusted
	if diff < 0 {
		diff = -diff
	}
	r.variance = (3*r.variance + diff) / 4
	r.smoothed = (7*r.smoothed + adjusted) / 8
}

// LatestRTT returns the most recent sample.
func (r *RTTMeasure) LatestRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// SmoothedRTT returns the exponentially weighted RTT.
func (r *RTTMeasure) SmoothedRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.smoothed
}

// RTTVar returns the RTT variation.
func (r *RTTMeasure) RTTVar() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.variance
}

// MinRTT returns the smallest sample seen, or zero before the first sample.
func (r *RTTMeasure) MinRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.min
}

// PTOBase returns srtt + max(4*rttvar, granularity).
func (r *RTTMeasure) PTOBase() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ptoBase()
}

func (r *RTTMeasure) ptoBase() time.Duration {
	return r.smoothed + max(4*r.variance, r.config.Granularity)
}

// CongestionPeriod returns the duration a run of losses must cover to be
// persistent congestion: (srtt + max(4*rttvar, granularity) + max_ack_delay)
// * threshold.
func (r *RTTMeasure) CongestionPeriod(threshold uint32) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return (r.ptoBase() + r.config.MaxAckDelay) * time.Duration(threshold)
}

// Reset discards every sample.
func (r *RTTMeasure) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest = 0
	r.min = 0
	r.sampled = false
	r.smoothed = r.config.InitialRTT
	r.variance = r.config.InitialRTT / 2
}
