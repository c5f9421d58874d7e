package verbs

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegion struct {
	Pins
	addr uintptr
	size int
	lkey uint32
	rkey uint32
}

func (r *fakeRegion) Addr() uintptr { return r.addr }
func (r *fakeRegion) Len() int      { return r.size }
func (r *fakeRegion) LKey() uint32  { return r.lkey }
func (r *fakeRegion) RKey() uint32  { return r.rkey }

func newFakeRegion() *fakeRegion {
	return &fakeRegion{addr: 0x10000, size: 4096, lkey: 0x11, rkey: 0x22}
}

func mustSlice(t *testing.T, r Region, off, n int) MrSlice {
	t.Helper()
	s, err := NewMrSlice(r, off, n)
	require.NoError(t, err)
	return s
}

func TestSendDescriptorOpcodeSelection(t *testing.T) {
	remote := RemoteSlice{Addr: 0xdead0000, Len: 64, RKey: 0x99}
	var handle byte
	ah := unsafe.Pointer(&handle)
	peer := Peer{AH: ah, QPN: 7, QKey: DefaultQKey}

	tests := []struct {
		name    string
		details SendDetails
		opcode  WROpcode
		imm     uint32
	}{
		{"send", Send{}, WRSend, 0},
		{"send with imm", Send{Imm: WithImm(42)}, WRSendWithImm, 42},
		{"send to", SendTo{Peer: peer}, WRSend, 0},
		{"send to with imm", SendTo{Peer: peer, Imm: WithImm(7)}, WRSendWithImm, 7},
		{"read", Read{Remote: remote}, WRRDMARead, 0},
		{"write", Write{Remote: remote}, WRRDMAWrite, 0},
		{"write with imm", Write{Remote: remote, Imm: WithImm(0xabcdef01)}, WRRDMAWriteWithImm, 0xabcdef01},
	}

	r := newFakeRegion()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wr := NewSendWr([]MrSlice{mustSlice(t, r, 0, 8)}, 5, true, tt.details)
			d := wr.Descriptor()
			assert.Equal(t, tt.opcode, d.Opcode)
			assert.Equal(t, tt.imm, d.Imm)
			assert.Equal(t, uint64(5), d.WrID)
			assert.Equal(t, SendSignaled, d.Flags)
		})
	}
}

func TestSendDescriptorUnionFields(t *testing.T) {
	r := newFakeRegion()
	local := []MrSlice{mustSlice(t, r, 0, 8)}
	remote := RemoteSlice{Addr: 0xdead0000, Len: 64, RKey: 0x99}

	d := NewSendWr(local, 1, false, Write{Remote: remote}).Descriptor()
	assert.Equal(t, remote.Addr, d.RemoteAddr)
	assert.Equal(t, remote.RKey, d.RKey)
	assert.Nil(t, d.AH)

	d = NewSendWr(local, 1, false, Read{Remote: remote}).Descriptor()
	assert.Equal(t, remote.Addr, d.RemoteAddr)
	assert.Equal(t, remote.RKey, d.RKey)

	var handle byte
	ah := unsafe.Pointer(&handle)
	d = NewSendWr(local, 1, false, SendTo{Peer: Peer{AH: ah, QPN: 77, QKey: 0x5}}).Descriptor()
	assert.Equal(t, ah, d.AH)
	assert.Equal(t, uint32(77), d.RemoteQPN)
	assert.Equal(t, uint32(0x5), d.RemoteQKey)
	assert.Zero(t, d.RemoteAddr)
	assert.Zero(t, d.RKey)
}

func TestSendWrScatterGatherList(t *testing.T) {
	r1 := newFakeRegion()
	r2 := &fakeRegion{addr: 0x90000, size: 128, lkey: 0x33, rkey: 0x44}
	local := []MrSlice{mustSlice(t, r1, 16, 32), mustSlice(t, r2, 0, 128)}

	wr := NewSendWr(local, 9, false, Send{})
	require.Len(t, wr.SGL(), 2)
	assert.Equal(t, Sge{Addr: 0x10010, Length: 32, LKey: 0x11}, wr.SGL()[0])
	assert.Equal(t, Sge{Addr: 0x90000, Length: 128, LKey: 0x33}, wr.SGL()[1])
	assert.Equal(t, []Region{r1, r2}, wr.Regions())
	assert.False(t, wr.Signaled())

	d := wr.Descriptor()
	assert.Same(t, &wr.SGL()[0], &d.SGL[0])
}

func TestSendWrEmptySGL(t *testing.T) {
	wr := NewSendWr(nil, 3, true, Send{Imm: WithImm(1)})
	d := wr.Descriptor()
	assert.Empty(t, d.SGL)
	assert.Equal(t, WRSendWithImm, d.Opcode)
}

func TestSendWrFlags(t *testing.T) {
	r := newFakeRegion()
	wr := NewSendWr([]MrSlice{mustSlice(t, r, 0, 8)}, 1, true, Send{}).Inline().Solicited()
	assert.Equal(t, SendSignaled|SendInline|SendSolicited, wr.Flags())
	assert.Equal(t, wr.Flags(), wr.Descriptor().Flags)

	wr = NewSendWr(nil, 1, false, Send{}).Fence()
	assert.Equal(t, SendFence, wr.Flags())
}

func TestImm(t *testing.T) {
	v, ok := Imm{}.Value()
	assert.False(t, ok)
	assert.Zero(t, v)

	v, ok = WithImm(0).Value()
	assert.True(t, ok)
	assert.Zero(t, v)
}

func TestRecvDescriptor(t *testing.T) {
	r := newFakeRegion()
	wr := NewRecvWr([]MrSlice{mustSlice(t, r, 64, 64)}, 11)
	d := wr.Descriptor()
	assert.Equal(t, uint64(11), d.WrID)
	require.Len(t, d.SGL, 1)
	assert.Equal(t, Sge{Addr: 0x10040, Length: 64, LKey: 0x11}, d.SGL[0])
	assert.Equal(t, []Region{r}, wr.Regions())
}

func TestDescriptorPanicsWithoutDetails(t *testing.T) {
	wr := NewSendWr(nil, 1, true, nil)
	assert.Panics(t, func() { wr.Descriptor() })
}
