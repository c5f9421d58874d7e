package verbs

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Gid is a 128-bit global identifier in network byte order, laid out exactly
// like union ibv_gid.
type Gid [16]byte

// isIPv4MappedIPv6 checks for the ::ffff:A.B.C.D layout RoCEv2 uses for IPv4 GIDs.
func isIPv4MappedIPv6(b []byte) bool {
	if len(b) != 16 || b[10] != 0xff || b[11] != 0xff {
		return false
	}
	for _, v := range b[:10] {
		if v != 0 {
			return false
		}
	}
	return true
}

// String keeps the ::ffff: prefix for IPv4-mapped GIDs so the text form can be
// parsed back into the same 16 bytes.
func (g Gid) String() string {
	if isIPv4MappedIPv6(g[:]) {
		return fmt.Sprintf("::ffff:%d.%d.%d.%d", g[12], g[13], g[14], g[15])
	}
	return net.IP(g[:]).String()
}

// IsZero reports whether every byte of the GID is zero. Drivers report such
// entries for unpopulated GID table slots.
func (g Gid) IsZero() bool {
	return g == Gid{}
}

// IP returns the GID as an address; IPv4-mapped GIDs come back as 4-byte IPs.
func (g Gid) IP() net.IP {
	ip := make(net.IP, net.IPv6len)
	copy(ip, g[:])
	if v4 := ip.To4(); v4 != nil && isIPv4MappedIPv6(g[:]) {
		return v4
	}
	return ip
}

// SubnetPrefix is the upper 64 bits of the GID.
func (g Gid) SubnetPrefix() uint64 {
	return binary.BigEndian.Uint64(g[:8])
}

// InterfaceID is the lower 64 bits of the GID.
func (g Gid) InterfaceID() uint64 {
	return binary.BigEndian.Uint64(g[8:])
}

// MarshalText implements encoding.TextMarshaler.
func (g Gid) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *Gid) UnmarshalText(text []byte) error {
	parsed, err := ParseGid(string(text))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// ParseGid accepts any textual IPv6 form, including ::ffff:A.B.C.D, and a bare
// IPv4 address which is mapped the way RoCEv2 maps it.
func ParseGid(s string) (Gid, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return Gid{}, fmt.Errorf("failed to parse GID %q", s)
	}
	var g Gid
	copy(g[:], ip.To16())
	return g, nil
}

// GidFromBytes copies a 16-byte slice into a Gid.
func GidFromBytes(b []byte) (Gid, error) {
	var g Gid
	if len(b) != len(g) {
		return g, fmt.Errorf("GID must be %d bytes, got %d", len(g), len(b))
	}
	copy(g[:], b)
	return g, nil
}
