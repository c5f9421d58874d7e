package verbs

import (
	"encoding/binary"
	"fmt"
)

// PSNMask keeps packet sequence numbers to their 24 bits.
const PSNMask = 0xffffff

// DefaultQKey is the queue key datagram queue pairs use unless told otherwise.
const DefaultQKey uint32 = 0x11111111

// Endpoint is the addressing a queue pair publishes so a peer can connect to
// it or send datagrams to it.
type Endpoint struct {
	LID  uint16 `json:"lid"`
	GID  Gid    `json:"gid"`
	QPN  uint32 `json:"qpn"`
	PSN  uint32 `json:"psn"`
	MTU  MTU    `json:"mtu"`
	QKey uint32 `json:"qkey,omitempty"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("lid=%d gid=%s qpn=%d psn=%d", e.LID, e.GID, e.QPN, e.PSN)
}

// EndpointSize is the length of an encoded Endpoint.
const EndpointSize = 32

// MarshalBinary encodes the endpoint little-endian: LID, MTU, QPN, PSN and
// QKey, followed by the GID.
func (e Endpoint) MarshalBinary() ([]byte, error) {
	b := make([]byte, EndpointSize)
	binary.LittleEndian.PutUint16(b[0:], e.LID)
	binary.LittleEndian.PutUint16(b[2:], uint16(e.MTU))
	binary.LittleEndian.PutUint32(b[4:], e.QPN)
	binary.LittleEndian.PutUint32(b[8:], e.PSN)
	binary.LittleEndian.PutUint32(b[12:], e.QKey)
	copy(b[16:], e.GID[:])
	return b, nil
}

func (e *Endpoint) UnmarshalBinary(b []byte) error {
	if len(b) != EndpointSize {
		return fmt.Errorf("encoded endpoint is %d bytes, want %d", len(b), EndpointSize)
	}
	e.LID = binary.LittleEndian.Uint16(b[0:])
	e.MTU = MTU(binary.LittleEndian.Uint16(b[2:]))
	e.QPN = binary.LittleEndian.Uint32(b[4:])
	e.PSN = binary.LittleEndian.Uint32(b[8:])
	e.QKey = binary.LittleEndian.Uint32(b[12:])
	copy(e.GID[:], b[16:])
	return nil
}
