package verbs

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
)

// Region is a registered memory region as seen by the work request layer.
// Implementations must keep the memory at Addr valid and unmoved until the
// registration is released.
type Region interface {
	Addr() uintptr
	Len() int
	LKey() uint32
	RKey() uint32

	// Pin and Unpin count in-flight references. A region refuses to be
	// released while the count is positive, and Pin reports false once the
	// region has been released.
	Pin() bool
	Unpin()
}

// sealedPins marks a counter whose region is being or has been released.
const sealedPins = math.MinInt64 / 2

// Pins is an embeddable in-flight reference counter for Region
// implementations. Seal and Pin race safely: either the pin lands first
// and Seal fails, or Seal wins and Pin fails.
type Pins struct {
	n atomic.Int64
}

func (p *Pins) Pin() bool {
	for {
		n := p.n.Load()
		if n < 0 {
			return false
		}
		if p.n.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (p *Pins) Unpin() {
	if p.n.Add(-1) < 0 {
		panic("verbs: memory region unpinned more times than pinned")
	}
}

// Seal stops further pinning. It fails while references are outstanding.
func (p *Pins) Seal() bool { return p.n.CompareAndSwap(0, sealedPins) }

// Unseal undoes Seal, for a release that failed.
func (p *Pins) Unseal() { p.n.CompareAndSwap(sealedPins, 0) }

// Pinned reports the number of outstanding references.
func (p *Pins) Pinned() int64 { return max(p.n.Load(), 0) }

// Sge has the same layout as struct ibv_sge.
type Sge struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// MrSlice is an immutable window into a local region.
type MrSlice struct {
	region Region
	offset int
	length int
}

// NewMrSlice validates offset+length against the region bounds.
func NewMrSlice(r Region, offset, length int) (MrSlice, error) {
	if offset < 0 || length < 0 || offset+length > r.Len() {
		return MrSlice{}, fmt.Errorf("slice [%d, %d) of region with length %d: %w",
			offset, offset+length, r.Len(), ErrOutOfRange)
	}
	return MrSlice{region: r, offset: offset, length: length}, nil
}

func (s MrSlice) Region() Region { return s.region }
func (s MrSlice) Offset() int    { return s.offset }
func (s MrSlice) Len() int       { return s.length }

// Addr is the virtual address of the first byte of the slice.
func (s MrSlice) Addr() uintptr {
	return s.region.Addr() + uintptr(s.offset)
}

// Sge derives the scatter-gather entry the device consumes for this slice.
func (s MrSlice) Sge() Sge {
	return Sge{
		Addr:   uint64(s.Addr()),
		Length: uint32(s.length),
		LKey:   s.region.LKey(),
	}
}

// Slice narrows the slice further; offset is relative to this slice.
func (s MrSlice) Slice(offset, length int) (MrSlice, error) {
	if offset < 0 || length < 0 || offset+length > s.length {
		return MrSlice{}, fmt.Errorf("sub-slice [%d, %d) of slice with length %d: %w",
			offset, offset+length, s.length, ErrOutOfRange)
	}
	return MrSlice{region: s.region, offset: s.offset + offset, length: length}, nil
}

// RemoteMr describes a peer's registered region as exchanged out of band.
type RemoteMr struct {
	Addr uint64 `json:"addr"`
	Len  uint64 `json:"len"`
	RKey uint32 `json:"rkey"`
}

// Slice produces a remote slice and checks it against the advertised length.
func (m RemoteMr) Slice(offset, length uint64) (RemoteSlice, error) {
	if offset+length < offset || offset+length > m.Len {
		return RemoteSlice{}, fmt.Errorf("remote slice [%d, %d) of region with length %d: %w",
			offset, offset+length, m.Len, ErrOutOfRange)
	}
	return RemoteSlice{Addr: m.Addr + offset, Len: length, RKey: m.RKey}, nil
}

// AsSlice covers the whole remote region.
func (m RemoteMr) AsSlice() RemoteSlice {
	return RemoteSlice{Addr: m.Addr, Len: m.Len, RKey: m.RKey}
}

// RemoteMrSize is the length of an encoded RemoteMr.
const RemoteMrSize = 20

// MarshalBinary encodes address, length and rkey little-endian.
func (m RemoteMr) MarshalBinary() ([]byte, error) {
	b := make([]byte, RemoteMrSize)
	binary.LittleEndian.PutUint64(b[0:], m.Addr)
	binary.LittleEndian.PutUint64(b[8:], m.Len)
	binary.LittleEndian.PutUint32(b[16:], m.RKey)
	return b, nil
}

func (m *RemoteMr) UnmarshalBinary(b []byte) error {
	if len(b) != RemoteMrSize {
		return fmt.Errorf("encoded memory region is %d bytes, want %d", len(b), RemoteMrSize)
	}
	m.Addr = binary.LittleEndian.Uint64(b[0:])
	m.Len = binary.LittleEndian.Uint64(b[8:])
	m.RKey = binary.LittleEndian.Uint32(b[16:])
	return nil
}

// RemoteSlice is the target of a one-sided read or write.
type RemoteSlice struct {
	Addr uint64
	Len  uint64
	RKey uint32
}

// BuildSGL converts local slices into scatter-gather entries in order.
func BuildSGL(local []MrSlice) []Sge {
	sgl := make([]Sge, len(local))
	for i, s := range local {
		sgl[i] = s.Sge()
	}
	return sgl
}
