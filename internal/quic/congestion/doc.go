// Package congestion implements NewReno congestion control for a QUIC
// connection: the window and recovery state machine, RTT estimation and an
// optional pacer. The packet-tracking layer drives a Controller with sent,
// acked and lost packets and asks it for Credit before each send.
package congestion
