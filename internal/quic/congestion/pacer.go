package congestion

import (
	"time"

	"golang.org/x/time/rate"
)

// pacingGain spreads a window over slightly less than one smoothed RTT.
const pacingGain = 1.25

// Pacer spaces packet sends with a token bucket whose rate follows
// cwnd/srtt. Tokens are bytes.
type Pacer struct {
	limiter *rate.Limiter
	burst   int
}

// NewPacer creates an unlimited pacer that allows bursts of burst bytes.
func NewPacer(burst uint32) *Pacer {
	return &Pacer{
		limiter: rate.NewLimiter(rate.Inf, int(burst)),
		burst:   int(burst),
	}
}

// Update sets the pacing rate to 1.25 * cwnd / srtt. A zero srtt removes
// the limit.
func (p *Pacer) Update(now time.Time, cwnd uint32, srtt time.Duration) {
	if srtt <= 0 {
		p.limiter.SetLimitAt(now, rate.Inf)
		return
	}
	p.limiter.SetLimitAt(now, rate.Limit(pacingGain*float64(cwnd)/srtt.Seconds()))
}

// Delay reserves bytes from the bucket and returns how long the caller
// should wait before sending them. Packets larger than the burst are
// charged the whole burst.
func (p *Pacer) Delay(now time.Time, bytes uint32) time.Duration {
	n := min(int(bytes), p.burst)
	r := p.limiter.ReserveN(now, n)
	if !r.OK() {
		return 0
	}
	return r.DelayFrom(now)
}

// Rate returns the current pacing rate in bytes per second.
func (p *Pacer) Rate() float64 {
	return float64(p.limiter.Limit())
}
