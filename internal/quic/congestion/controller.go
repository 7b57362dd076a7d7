package congestion

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/trafficserver/tscore/pkg/utils"
)

// State is the controller's congestion state.
type State int

const (
	StateSlowStart State = iota
	StateCongestionAvoidance
	StateApplicationLimited
	StateRecovery
)

// String returns the qlog name of the state
func (s State) String() string {
	switch s {
	case StateSlowStart:
		return "slow_start"
	case StateCongestionAvoidance:
		return "congestion_avoidance"
	case StateApplicationLimited:
		return "application_limited"
	case StateRecovery:
		return "recovery"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Trigger says what caused a state change.
type Trigger int

const (
	TriggerUnknown Trigger = iota
	TriggerPersistentCongestion
	TriggerECN
)

// String returns the qlog name of the trigger
func (t Trigger) String() string {
	switch t {
	case TriggerPersistentCongestion:
		return "persistent_congestion"
	case TriggerECN:
		return "ecn"
	default:
		return "unknown"
	}
}

// Observer is told about every state change. It runs with the controller's
// lock held and must not call back into the controller.
type Observer interface {
	OnCongestionStateChanged(from, to State, trigger Trigger)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(from, to State, trigger Trigger)

// OnCongestionStateChanged calls f(from, to, trigger).
func (f ObserverFunc) OnCongestionStateChanged(from, to State, trigger Trigger) {
	f(from, to, trigger)
}

// Recorder receives the controller's gauges after every change.
type Recorder interface {
	RecordWindow(cwnd, bytesInFlight, ssthresh uint32)
	RecordCongestionEvent(trigger string)
}

type nopRecorder struct{}

func (nopRecorder) RecordWindow(uint32, uint32, uint32) {}
func (nopRecorder) RecordCongestionEvent(string)        {}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(l *utils.StructuredLogger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithClock replaces time.Now for recovery timestamps and pacing.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// Controller is a NewReno congestion controller for one connection. All
// fields are guarded by mu; the packet-tracking layer calls it from any
// goroutine.
type Controller struct {
	mu sync.Mutex

	config    Config
	rtt       *RTTMeasure
	logger    *utils.StructuredLogger
	recorder  Recorder
	now       func() time.Time
	pacer     *Pacer
	observers []Observer

	initialWindow uint32
	minimumWindow uint32

	cwnd          uint32
	bytesInFlight uint32
	ssthresh      uint32
	recoveryStart time.Time
	ecnCE         [numSpaces]uint64
	extraPackets  uint32
	appLimited    bool
	state         State
}

// NewController creates a controller in slow start with the initial window.
func NewController(config *Config, rtt *RTTMeasure, opts ...Option) (*Controller, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if rtt == nil {
		rtt = NewRTTMeasure(nil)
	}

	c := &Controller{
		config:        *config,
		rtt:           rtt,
		logger:        utils.NopLogger(),
		recorder:      nopRecorder{},
		now:           time.Now,
		initialWindow: config.InitialWindow(),
		minimumWindow: config.MinimumWindow(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("quic.cc")
	if config.Pacing {
		c.pacer = NewPacer(c.initialWindow)
	}

	c.mu.Lock()
	c.reset()
	c.mu.Unlock()
	return c, nil
}

// AddObserver registers o for state changes.
func (c *Controller) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// OnPacketSent accounts bytes as in flight. Outstanding extra credit is
// consumed first. Every packet passed here must later be reported exactly
// once, acked or lost, and releases its SentBytes then.
func (c *Controller) OnPacketSent(bytes uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.extraPackets > 0 {
		c.extraPackets--
	}
	c.bytesInFlight = addSat(c.bytesInFlight, bytes)
	c.changed()
}

// OnPacketsAcked releases the acked packets from flight and grows the window
// for every packet sent outside the current recovery period.
func (c *Controller) OnPacketsAcked(packets []*SentPacket) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range packets {
		c.release(p.SentBytes)
		if c.inRecovery(p.TimeSent) {
			continue
		}
		if c.appLimited {
			c.setState(StateApplicationLimited, TriggerUnknown)
			continue
		}

		if c.cwnd < c.ssthresh {
			c.cwnd = addSat(c.cwnd, p.SentBytes)
			c.setState(StateSlowStart, TriggerUnknown)
		} else {
			growth := uint64(c.config.MaxDatagramSize) * uint64(p.SentBytes) / uint64(c.cwnd)
			c.cwnd = addSat(c.cwnd, uint32(min(growth, math.MaxUint32)))
			c.setState(StateCongestionAvoidance, TriggerUnknown)
		}
	}
	c.changed()
}

// OnPacketsLost releases the lost packets from flight and starts a
// congestion event keyed on the largest lost packet. If the losses amount to
// persistent congestion the window collapses to the minimum.
func (c *Controller) OnPacketsLost(packets []*SentPacket) {
	if len(packets) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	largest := packets[0]
	for _, p := range packets {
		c.release(p.SentBytes)
		if p.PacketNumber > largest.PacketNumber ||
			(p.PacketNumber == largest.PacketNumber && p.TimeSent.After(largest.TimeSent)) {
			largest = p
		}
	}

	c.congestionEvent(largest.TimeSent, TriggerUnknown)

	if c.inPersistentCongestion(packets, largest) {
		c.cwnd = c.minimumWindow
		c.recoveryStart = time.Time{}
		c.recorder.RecordCongestionEvent(TriggerPersistentCongestion.String())
		c.notify(c.state, StateSlowStart, TriggerPersistentCongestion)
		c.state = StateSlowStart
	}
	c.changed()
}

// ProcessECN starts a congestion event if the peer's CE count for space
// went up since the last ACK.
func (c *Controller) ProcessECN(ack AckFrame, space PacketNumberSpace, largestAckedSentTime time.Time) {
	if ack.ECN == nil || space < 0 || space >= numSpaces {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ack.ECN.CE <= c.ecnCE[space] {
		return
	}
	c.ecnCE[space] = ack.ECN.CE
	c.congestionEvent(largestAckedSentTime, TriggerECN)
	c.changed()
}

// OnPacketNumberSpaceDiscarded drops bytes still counted for a retired
// packet number space.
func (c *Controller) OnPacketNumberSpaceDiscarded(bytes uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.release(bytes)
	c.changed()
}

// Credit returns how many bytes may be sent now. Outstanding extra credit
// lifts the limit entirely.
func (c *Controller) Credit() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.extraPackets > 0 {
		return math.MaxUint32
	}
	if c.bytesInFlight >= c.cwnd {
		return 0
	}
	return c.cwnd - c.bytesInFlight
}

// AddExtraCredit lets one more packet bypass the window, for PTO probes.
func (c *Controller) AddExtraCredit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extraPackets++
}

// SetAppLimited marks the sender as application or flow-control limited.
// While set, acks do not grow the window.
func (c *Controller) SetAppLimited(limited bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appLimited = limited
}

// PacingDelay returns how long to hold a packet of bytes, or zero when
// pacing is off.
func (c *Controller) PacingDelay(bytes uint32) time.Duration {
	if c.pacer == nil {
		return 0
	}
	return c.pacer.Delay(c.now(), bytes)
}

// Reset returns the controller to its initial state.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

// BytesInFlight returns the bytes sent but neither acked nor lost.
func (c *Controller) BytesInFlight() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesInFlight
}

// CongestionWindow returns the congestion window in bytes.
func (c *Controller) CongestionWindow() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cwnd
}

// CurrentSSThresh returns the slow start threshold.
func (c *Controller) CurrentSSThresh() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ssthresh
}

// State returns the current congestion state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InitialWindow returns the configured initial window.
func (c *Controller) InitialWindow() uint32 {
	return c.initialWindow
}

// MinimumWindow returns the configured minimum window.
func (c *Controller) MinimumWindow() uint32 {
	return c.minimumWindow
}

func (c *Controller) reset() {
	old := c.state
	c.cwnd = c.initialWindow
	c.bytesInFlight = 0
	c.ssthresh = math.MaxUint32
	c.recoveryStart = time.Time{}
	c.ecnCE = [numSpaces]uint64{}
	c.extraPackets = 0
	c.appLimited = false
	c.state = StateSlowStart
	if old != c.state {
		c.notify(old, c.state, TriggerUnknown)
	}
	c.changed()
}

func (c *Controller) inRecovery(sentTime time.Time) bool {
	return !c.recoveryStart.IsZero() && !sentTime.After(c.recoveryStart)
}

// congestionEvent enters a new recovery period unless sentTime belongs to
// the current one.
func (c *Controller) congestionEvent(sentTime time.Time, trigger Trigger) {
	if c.inRecovery(sentTime) {
		return
	}
	c.recoveryStart = c.now()
	c.cwnd = max(uint32(float64(c.cwnd)*c.config.LossReductionFactor), c.minimumWindow)
	c.ssthresh = c.cwnd
	c.recorder.RecordCongestionEvent(trigger.String())

	c.notify(c.state, StateRecovery, trigger)
	c.state = StateRecovery
}

// inPersistentCongestion reports whether the ack-eliciting packets lost in
// largest's space within one congestion period of it are at least two and
// carry contiguous packet numbers.
func (c *Controller) inPersistentCongestion(lost []*SentPacket, largest *SentPacket) bool {
	period := c.rtt.CongestionPeriod(c.config.PersistentCongestionThreshold)
	since := largest.TimeSent.Add(-period)

	numbers := make([]uint64, 0, len(lost))
	for _, p := range lost {
		if p.Space != largest.Space || !p.AckEliciting || p.TimeSent.Before(since) {
			continue
		}
		numbers = append(numbers, p.PacketNumber)
	}
	if len(numbers) < 2 {
		return false
	}

	slices.Sort(numbers)
	for i := 1; i < len(numbers); i++ {
		if numbers[i] != numbers[i-1]+1 {
			return false
		}
	}
	return true
}

func (c *Controller) setState(s State, trigger Trigger) {
	if c.state == s {
		return
	}
	c.notify(c.state, s, trigger)
	c.state = s
}

func (c *Controller) notify(from, to State, trigger Trigger) {
	c.logger.Debug("congestion state updated", utils.Fields{
		"old":      from.String(),
		"new":      to.String(),
		"trigger":  trigger.String(),
		"cwnd":     c.cwnd,
		"ssthresh": c.ssthresh,
	})
	for _, o := range c.observers {
		o.OnCongestionStateChanged(from, to, trigger)
	}
}

func (c *Controller) release(bytes uint32) {
	if bytes >= c.bytesInFlight {
		c.bytesInFlight = 0
		return
	}
	c.bytesInFlight -= bytes
}

// changed publishes the gauges and retunes the pacer.
func (c *Controller) changed() {
	c.recorder.RecordWindow(c.cwnd, c.bytesInFlight, c.ssthresh)
	if c.pacer != nil {
		c.pacer.Update(c.now(), c.cwnd, c.rtt.SmoothedRTT())
	}
}

func addSat(a, b uint32) uint32 {
	if a > math.MaxUint32-b {
		return math.MaxUint32
	}
	return a + b
}
