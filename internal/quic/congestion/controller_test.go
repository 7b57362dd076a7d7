package congestion

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Unix(1_700_000_000, 0)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

type transition struct {
	from, to State
	trigger  Trigger
}

type countingRecorder struct {
	windows int
	events  map[string]int
}

func (r *countingRecorder) RecordWindow(uint32, uint32, uint32) { r.windows++ }

func (r *countingRecorder) RecordCongestionEvent(trigger string) {
	if r.events == nil {
		r.events = make(map[string]int)
	}
	r.events[trigger]++
}

func newTestController(t *testing.T) (*Controller, *fakeClock, *[]transition) {
	t.Helper()
	clock := &fakeClock{now: base.Add(time.Second)}
	c, err := NewController(DefaultConfig(), NewRTTMeasure(nil), WithClock(clock.Now))
	require.NoError(t, err)

	var seen []transition
	c.AddObserver(ObserverFunc(func(from, to State, trigger Trigger) {
		seen = append(seen, transition{from, to, trigger})
	}))
	return c, clock, &seen
}

func packet(pn uint64, size uint32, sent time.Time) *SentPacket {
	return &SentPacket{
		PacketNumber: pn,
		Space:        SpaceApplicationData,
		SentBytes:    size,
		TimeSent:     sent,
		AckEliciting: true,
	}
}

func TestNewController_Defaults(t *testing.T) {
	c, _, _ := newTestController(t)

	assert.Equal(t, uint32(12000), c.InitialWindow())
	assert.Equal(t, uint32(2400), c.MinimumWindow())
	assert.Equal(t, uint32(12000), c.CongestionWindow())
	assert.Equal(t, uint32(math.MaxUint32), c.CurrentSSThresh())
	assert.Zero(t, c.BytesInFlight())
	assert.Equal(t, StateSlowStart, c.State())
}

func TestNewController_InvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.LossReductionFactor = 1.5
	_, err := NewController(config, nil)
	assert.Error(t, err)
}

func TestController_CreditAfterSend(t *testing.T) {
	c, _, _ := newTestController(t)

	c.OnPacketSent(500)
	assert.Equal(t, c.InitialWindow()-500, c.Credit())
	assert.Equal(t, uint32(500), c.BytesInFlight())

	c.OnPacketSent(c.InitialWindow())
	assert.Zero(t, c.Credit(), "no credit once the window is full")
}

func TestController_ExtraCredit(t *testing.T) {
	c, _, _ := newTestController(t)
	c.OnPacketSent(c.InitialWindow())
	require.Zero(t, c.Credit())

	c.AddExtraCredit()
	assert.Equal(t, uint32(math.MaxUint32), c.Credit())

	c.OnPacketSent(1200)
	assert.Zero(t, c.Credit(), "the probe consumed the extra credit")
	assert.Equal(t, c.InitialWindow()+1200, c.BytesInFlight())
}

func TestController_EveryReportedPacketLeavesFlight(t *testing.T) {
	tests := []struct {
		name     string
		report   func(c *Controller, p *SentPacket)
		wantCwnd uint32
	}{
		{"acked", func(c *Controller, p *SentPacket) { c.OnPacketsAcked([]*SentPacket{p}) }, 13200},
		{"lost", func(c *Controller, p *SentPacket) { c.OnPacketsLost([]*SentPacket{p}) }, 6000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newTestController(t)

			c.OnPacketSent(1200)
			tt.report(c, &SentPacket{PacketNumber: 1, SentBytes: 1200, TimeSent: base})

			assert.Zero(t, c.BytesInFlight())
			assert.Equal(t, tt.wantCwnd, c.CongestionWindow())
			assert.Equal(t, tt.wantCwnd, c.Credit())
		})
	}
}

func TestController_SlowStartAndAvoidance(t *testing.T) {
	c, clock, seen := newTestController(t)

	c.OnPacketSent(1200)
	c.OnPacketsAcked([]*SentPacket{packet(1, 1200, base)})
	assert.Equal(t, uint32(13200), c.CongestionWindow(), "slow start grows by the acked bytes")
	assert.Zero(t, c.BytesInFlight())

	c.OnPacketSent(1200)
	c.OnPacketsLost([]*SentPacket{packet(2, 1200, base.Add(time.Millisecond))})
	assert.Equal(t, uint32(6600), c.CongestionWindow())
	assert.Equal(t, uint32(6600), c.CurrentSSThresh())
	assert.Equal(t, StateRecovery, c.State())

	c.OnPacketSent(1200)
	c.OnPacketsAcked([]*SentPacket{packet(3, 1200, base.Add(2*time.Millisecond))})
	assert.Equal(t, uint32(6600), c.CongestionWindow(), "packets sent before recovery started do not grow the window")
	assert.Equal(t, StateRecovery, c.State())

	clock.now = clock.now.Add(time.Second)
	c.OnPacketSent(1200)
	c.OnPacketsAcked([]*SentPacket{packet(4, 1200, clock.now)})
	assert.Equal(t, uint32(6600+1200*1200/6600), c.CongestionWindow(), "avoidance grows by mds*acked/cwnd")
	assert.Equal(t, StateCongestionAvoidance, c.State())

	assert.Equal(t, []transition{
		{StateSlowStart, StateRecovery, TriggerUnknown},
		{StateRecovery, StateCongestionAvoidance, TriggerUnknown},
	}, *seen)
}

func TestController_GrowthBoundary(t *testing.T) {
	tests := []struct {
		name  string
		acked uint32
		want  func(cwnd uint32) uint32
	}{
		{"full datagram", 1200, func(cwnd uint32) uint32 { return cwnd + 1200*1200/cwnd }},
		{"small ack rounds down", 4, func(cwnd uint32) uint32 { return cwnd + 1200*4/cwnd }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, clock, _ := newTestController(t)
			c.OnPacketsLost([]*SentPacket{packet(1, 0, base)})
			cwnd := c.CongestionWindow()
			require.Equal(t, cwnd, c.CurrentSSThresh())

			c.OnPacketsAcked([]*SentPacket{packet(2, tt.acked, clock.now.Add(time.Millisecond))})
			assert.Equal(t, tt.want(cwnd), c.CongestionWindow())
		})
	}
}

func TestController_SingleEventPerRecoveryPeriod(t *testing.T) {
	c, clock, _ := newTestController(t)
	rec := &countingRecorder{}
	c.recorder = rec

	c.OnPacketsLost([]*SentPacket{packet(1, 1200, base)})
	assert.Equal(t, uint32(6000), c.CongestionWindow())

	c.OnPacketsLost([]*SentPacket{packet(5, 1200, base.Add(10*time.Millisecond))})
	assert.Equal(t, uint32(6000), c.CongestionWindow(), "losses from the same epoch are not penalized twice")

	c.OnPacketsLost([]*SentPacket{packet(9, 1200, clock.now.Add(time.Millisecond))})
	assert.Equal(t, uint32(3000), c.CongestionWindow(), "a packet sent after recovery started opens a new epoch")
	assert.Equal(t, 2, rec.events["unknown"])
}

func TestController_PersistentCongestion(t *testing.T) {
	tests := []struct {
		name    string
		numbers []uint64
		want    uint32
	}{
		{"contiguous run collapses", []uint64{1, 2, 3}, 2400},
		{"gap only reduces", []uint64{1, 2, 4}, 6000},
		{"single loss only reduces", []uint64{7}, 6000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, seen := newTestController(t)

			lost := make([]*SentPacket, 0, len(tt.numbers))
			for i, pn := range tt.numbers {
				c.OnPacketSent(1000)
				lost = append(lost, packet(pn, 1000, base.Add(time.Duration(i)*10*time.Millisecond)))
			}
			c.OnPacketsLost(lost)

			assert.Equal(t, tt.want, c.CongestionWindow())
			assert.Zero(t, c.BytesInFlight())
			assert.Equal(t, uint32(6000), c.CurrentSSThresh())

			if tt.want == c.MinimumWindow() {
				assert.Equal(t, StateSlowStart, c.State())
				assert.Equal(t, TriggerPersistentCongestion, (*seen)[len(*seen)-1].trigger)
			} else {
				assert.Equal(t, StateRecovery, c.State())
			}
		})
	}
}

func TestController_PersistentCongestionIgnoresOldAndOtherSpaces(t *testing.T) {
	c, _, _ := newTestController(t)
	period := c.rtt.CongestionPeriod(DefaultConfig().PersistentCongestionThreshold)

	old := packet(1, 1000, base.Add(-period-time.Millisecond))
	other := packet(2, 1000, base)
	other.Space = SpaceHandshake
	probe := packet(3, 1000, base)
	probe.AckEliciting = false

	c.OnPacketsLost([]*SentPacket{old, other, probe, packet(4, 1000, base)})
	assert.Equal(t, uint32(6000), c.CongestionWindow(), "one eligible loss is not persistent congestion")
}

func TestController_WindowFloor(t *testing.T) {
	c, clock, _ := newTestController(t)
	rng := rand.New(rand.NewSource(7))

	var pn uint64
	for i := 0; i < 500; i++ {
		clock.now = clock.now.Add(time.Duration(rng.Intn(50)) * time.Millisecond)
		n := 1 + rng.Intn(4)
		lost := make([]*SentPacket, 0, n)
		for j := 0; j < n; j++ {
			pn += uint64(1 + rng.Intn(2))
			size := uint32(100 + rng.Intn(1200))
			c.OnPacketSent(size)
			lost = append(lost, packet(pn, size, clock.now.Add(-time.Duration(rng.Intn(100))*time.Millisecond)))
		}
		c.OnPacketsLost(lost)
		require.GreaterOrEqual(t, c.CongestionWindow(), c.MinimumWindow())

		if rng.Intn(3) == 0 {
			c.OnPacketsAcked([]*SentPacket{packet(pn+1, 1200, clock.now.Add(time.Millisecond))})
		}
	}
	assert.Zero(t, c.BytesInFlight())
}

func TestController_ProcessECN(t *testing.T) {
	c, clock, seen := newTestController(t)

	c.ProcessECN(AckFrame{}, SpaceApplicationData, base)
	assert.Equal(t, uint32(12000), c.CongestionWindow(), "ACK without ECN counts")

	c.ProcessECN(AckFrame{ECN: &ECNCounts{CE: 1}}, SpaceApplicationData, base)
	assert.Equal(t, uint32(6000), c.CongestionWindow())
	assert.Equal(t, transition{StateSlowStart, StateRecovery, TriggerECN}, (*seen)[0])

	c.ProcessECN(AckFrame{ECN: &ECNCounts{CE: 1}}, SpaceApplicationData, clock.now.Add(time.Millisecond))
	assert.Equal(t, uint32(6000), c.CongestionWindow(), "CE count did not increase")

	c.ProcessECN(AckFrame{ECN: &ECNCounts{CE: 1}}, SpaceHandshake, clock.now.Add(time.Millisecond))
	assert.Equal(t, uint32(3000), c.CongestionWindow(), "counters are per packet number space")
}

func TestController_PacketNumberSpaceDiscarded(t *testing.T) {
	c, _, _ := newTestController(t)
	c.OnPacketSent(5000)

	c.OnPacketNumberSpaceDiscarded(3000)
	assert.Equal(t, uint32(2000), c.BytesInFlight())

	c.OnPacketNumberSpaceDiscarded(5000)
	assert.Zero(t, c.BytesInFlight(), "never below zero")
}

func TestController_AppLimited(t *testing.T) {
	c, _, _ := newTestController(t)
	c.SetAppLimited(true)

	c.OnPacketSent(1200)
	c.OnPacketsAcked([]*SentPacket{packet(1, 1200, base)})
	assert.Equal(t, uint32(12000), c.CongestionWindow())
	assert.Equal(t, StateApplicationLimited, c.State())
	assert.Zero(t, c.BytesInFlight(), "acks still release bytes")

	c.SetAppLimited(false)
	c.OnPacketsAcked([]*SentPacket{packet(2, 1200, base)})
	assert.Equal(t, uint32(13200), c.CongestionWindow())
	assert.Equal(t, StateSlowStart, c.State())
}

func TestController_Reset(t *testing.T) {
	c, _, seen := newTestController(t)
	c.OnPacketSent(3000)
	c.AddExtraCredit()
	c.ProcessECN(AckFrame{ECN: &ECNCounts{CE: 4}}, SpaceInitial, base)
	require.Equal(t, StateRecovery, c.State())

	c.Reset()
	assert.Equal(t, c.InitialWindow(), c.CongestionWindow())
	assert.Equal(t, uint32(math.MaxUint32), c.CurrentSSThresh())
	assert.Zero(t, c.BytesInFlight())
	assert.Equal(t, c.InitialWindow(), c.Credit(), "extra credit cleared")
	assert.Equal(t, StateSlowStart, c.State())
	assert.Equal(t, transition{StateRecovery, StateSlowStart, TriggerUnknown}, (*seen)[len(*seen)-1])

	c.ProcessECN(AckFrame{ECN: &ECNCounts{CE: 1}}, SpaceInitial, base)
	assert.Equal(t, uint32(6000), c.CongestionWindow(), "ECN counters were cleared")
}

func TestController_RecorderAndPacing(t *testing.T) {
	rec := &countingRecorder{}
	clock := &fakeClock{now: base}
	config := DefaultConfig()
	config.Pacing = true

	c, err := NewController(config, nil, WithRecorder(rec), WithClock(clock.Now))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.windows, "construction publishes the initial gauges")

	c.OnPacketSent(1200)
	assert.Equal(t, 2, rec.windows)

	assert.Zero(t, c.PacingDelay(c.InitialWindow()), "the first window goes out as a burst")
	assert.Positive(t, c.PacingDelay(1200))

	plain, _, _ := newTestController(t)
	assert.Zero(t, plain.PacingDelay(1200))
}
