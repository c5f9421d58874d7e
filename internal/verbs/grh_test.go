package verbs

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"
)

func TestParseGRHIPv6(t *testing.T) {
	b := make([]byte, GRHSize+8)
	b[0] = 0x60 | 0x0a      // version 6, traffic class high nibble
	b[1] = 0x30 | 0x0b      // traffic class low nibble, flow label high nibble
	b[2], b[3] = 0xcd, 0xef // flow label
	b[6] = 0x1b             // next header
	b[7] = 64               // hop limit
	copy(b[8:24], net.ParseIP("fe80::1").To16())
	copy(b[24:40], net.ParseIP("fe80::2").To16())

	g, err := ParseGRH(b)
	require.NoError(t, err)
	assert.Equal(t, 6, g.Version)
	assert.Equal(t, "fe80::1", g.SGID.String())
	assert.Equal(t, "fe80::2", g.DGID.String())
	assert.Equal(t, uint32(0xbcdef), g.FlowLabel)
	assert.Equal(t, 0xa3, g.TrafficClass)
	assert.Equal(t, 64, g.HopLimit)
}

func TestParseGRHIPv4(t *testing.T) {
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TOS:      0x10,
		TotalLen: ipv4.HeaderLen + 8,
		TTL:      32,
		Protocol: 17,
		Src:      net.ParseIP("10.0.0.1"),
		Dst:      net.ParseIP("10.0.0.2"),
	}
	hb, err := h.Marshal()
	require.NoError(t, err)

	b := make([]byte, GRHSize)
	copy(b[20:], hb)

	g, err := ParseGRH(b)
	require.NoError(t, err)
	assert.Equal(t, 4, g.Version)
	assert.Equal(t, "::ffff:10.0.0.1", g.SGID.String())
	assert.Equal(t, "::ffff:10.0.0.2", g.DGID.String())
	assert.Equal(t, 32, g.HopLimit)
	assert.Equal(t, 0x10, g.TrafficClass)
}

func TestParseGRHErrors(t *testing.T) {
	_, err := ParseGRH(make([]byte, GRHSize-1))
	assert.Error(t, err)

	_, err = ParseGRH(make([]byte, GRHSize))
	assert.Error(t, err)
}
