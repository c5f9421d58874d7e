package probe

import (
	"encoding/binary"
	"fmt"
)

// PacketSize is the payload of every probe and acknowledgement.
const PacketSize = 40

// Kind tells probes and the two acknowledgements apart.
type Kind uint8

const (
	KindProbe Kind = iota
	// KindAck is sent as soon as the probe is reaped and carries T3.
	KindAck
	// KindAckDelay follows once the first ACK left the device and carries
	// T3 and T4, so the prober can subtract the responder's processing time.
	KindAckDelay
)

func (k Kind) String() string {
	switch k {
	case KindProbe:
		return "probe"
	case KindAck:
		return "ack"
	case KindAckDelay:
		return "ack-delay"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Packet is the wire form of a probe:
//
//	0      8      16     24     32   33
//	| seq  | T1   | T3   | T4   |kind| reserved |
//
// Timestamps are nanoseconds on the clock of the node that took them.
type Packet struct {
	Seq  uint64
	T1   uint64
	T3   uint64
	T4   uint64
	Kind Kind
}

func (p *Packet) MarshalTo(b []byte) error {
	if len(b) < PacketSize {
		return fmt.Errorf("probe packet needs %d bytes, got %d", PacketSize, len(b))
	}
	binary.LittleEndian.PutUint64(b[0:], p.Seq)
	binary.LittleEndian.PutUint64(b[8:], p.T1)
	binary.LittleEndian.PutUint64(b[16:], p.T3)
	binary.LittleEndian.PutUint64(b[24:], p.T4)
	b[32] = byte(p.Kind)
	clear(b[33:PacketSize])
	return nil
}

func ParsePacket(b []byte) (Packet, error) {
	if len(b) < PacketSize {
		return Packet{}, fmt.Errorf("probe packet truncated: %d of %d bytes", len(b), PacketSize)
	}
	p := Packet{
		Seq:  binary.LittleEndian.Uint64(b[0:]),
		T1:   binary.LittleEndian.Uint64(b[8:]),
		T3:   binary.LittleEndian.Uint64(b[16:]),
		T4:   binary.LittleEndian.Uint64(b[24:]),
		Kind: Kind(b[32]),
	}
	if p.Kind > KindAckDelay {
		return Packet{}, fmt.Errorf("unknown probe packet kind %d", b[32])
	}
	return p, nil
}
