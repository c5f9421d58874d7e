package verbs

import (
	"fmt"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	// GRHSize is the space the device reserves at the head of every datagram
	// receive buffer.
	GRHSize = 40
	// ipv4HeaderOffset is where RoCEv2 places the IPv4 header inside the GRH
	// space; the first 20 bytes are undefined in that case.
	ipv4HeaderOffset    = 20
	ipv4HeaderMinLength = 20
)

// GRH holds the fields of a global route header that identify the sender.
type GRH struct {
	Version      int
	SGID         Gid
	DGID         Gid
	FlowLabel    uint32
	TrafficClass int
	HopLimit     int
}

// ParseGRH decodes the first GRHSize bytes of a datagram receive buffer. An
// IPv6 header is read in place; for RoCEv2 over IPv4 the addresses are mapped
// into ::ffff:A.B.C.D GIDs.
func ParseGRH(b []byte) (GRH, error) {
	if len(b) < GRHSize {
		return GRH{}, fmt.Errorf("GRH needs %d bytes, got %d", GRHSize, len(b))
	}
	b = b[:GRHSize]
	if b[0]>>4 == 6 {
		return parseIPv6GRH(b)
	}
	if b[ipv4HeaderOffset]>>4 == 4 {
		return parseIPv4GRH(b)
	}
	return GRH{}, fmt.Errorf("GRH has unknown IP version: %d", b[0]>>4)
}

func parseIPv6GRH(b []byte) (GRH, error) {
	h, err := ipv6.ParseHeader(b)
	if err != nil {
		return GRH{}, fmt.Errorf("failed to parse GRH as IPv6 header: %w", err)
	}
	g := GRH{
		Version:      h.Version,
		FlowLabel:    uint32(h.FlowLabel),
		TrafficClass: h.TrafficClass,
		HopLimit:     h.HopLimit,
	}
	copy(g.SGID[:], b[8:24])
	copy(g.DGID[:], b[24:40])
	return g, nil
}

func parseIPv4GRH(b []byte) (GRH, error) {
	h, err := ipv4.ParseHeader(b[ipv4HeaderOffset : ipv4HeaderOffset+ipv4HeaderMinLength])
	if err != nil {
		return GRH{}, fmt.Errorf("failed to parse GRH region's IPv4 header part: %w", err)
	}
	src, dst := h.Src.To4(), h.Dst.To4()
	if src == nil || dst == nil {
		return GRH{}, fmt.Errorf("could not convert GRH region's IPv4 Src/Dst to 4-byte format")
	}
	return GRH{
		Version:      h.Version,
		SGID:         mappedGid(src),
		DGID:         mappedGid(dst),
		TrafficClass: h.TOS,
		HopLimit:     h.TTL,
	}, nil
}

func mappedGid(v4 []byte) Gid {
	var g Gid
	g[10], g[11] = 0xff, 0xff
	copy(g[12:], v4)
	return g
}
