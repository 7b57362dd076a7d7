package congestion

import (
	"fmt"
	"time"
)

// PacketNumberSpace identifies one of the three QUIC packet number spaces.
type PacketNumberSpace int

const (
	SpaceInitial PacketNumberSpace = iota
	SpaceHandshake
	SpaceApplicationData

	numSpaces = 3
)

func (s PacketNumberSpace) String() string {
	switch s {
	case SpaceInitial:
		return "initial"
	case SpaceHandshake:
		return "handshake"
	case SpaceApplicationData:
		return "application_data"
	default:
		return fmt.Sprintf("space(%d)", int(s))
	}
}

// SentPacket is what the packet-tracking layer remembers about a sent packet.
type SentPacket struct {
	PacketNumber uint64
	Space        PacketNumberSpace
	SentBytes    uint32
	TimeSent     time.Time
	AckEliciting bool
}

// ECNCounts are the cumulative counters carried by an ACK_ECN frame.
type ECNCounts struct {
	ECT0 uint64
	ECT1 uint64
	CE   uint64
}

// AckFrame is the part of an ACK frame the controller consumes.
type AckFrame struct {
	LargestAcknowledged uint64
	ECN                 *ECNCounts
}
