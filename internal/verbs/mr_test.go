package verbs

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMrSliceBounds(t *testing.T) {
	r := newFakeRegion()

	tests := []struct {
		name   string
		offset int
		length int
		ok     bool
	}{
		{"whole", 0, 4096, true},
		{"empty at end", 4096, 0, true},
		{"interior", 100, 200, true},
		{"past end", 4000, 97, false},
		{"offset past end", 4097, 0, false},
		{"negative offset", -1, 8, false},
		{"negative length", 0, -8, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewMrSlice(r, tt.offset, tt.length)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrOutOfRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.offset, s.Offset())
			assert.Equal(t, tt.length, s.Len())
			assert.Equal(t, r.addr+uintptr(tt.offset), s.Addr())
			assert.Same(t, r, s.Region())
		})
	}
}

func TestMrSliceSubSlice(t *testing.T) {
	r := newFakeRegion()
	s := mustSlice(t, r, 100, 50)

	sub, err := s.Slice(10, 40)
	require.NoError(t, err)
	assert.Equal(t, 110, sub.Offset())
	assert.Equal(t, 40, sub.Len())
	assert.Equal(t, Sge{Addr: uint64(r.addr) + 110, Length: 40, LKey: r.lkey}, sub.Sge())

	_, err = s.Slice(10, 41)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestRemoteMrSlice(t *testing.T) {
	m := RemoteMr{Addr: 0x7000, Len: 4096, RKey: 0xbeef}

	s, err := m.Slice(8, 8)
	require.NoError(t, err)
	assert.Equal(t, RemoteSlice{Addr: 0x7008, Len: 8, RKey: 0xbeef}, s)

	_, err = m.Slice(4090, 8)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = m.Slice(^uint64(0), 2)
	assert.ErrorIs(t, err, ErrOutOfRange)

	assert.Equal(t, RemoteSlice{Addr: 0x7000, Len: 4096, RKey: 0xbeef}, m.AsSlice())
}

func TestRemoteMrJSON(t *testing.T) {
	m := RemoteMr{Addr: 0x7000, Len: 4096, RKey: 0xbeef}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"addr":28672,"len":4096,"rkey":48879}`, string(b))
}

func TestRemoteMrBinary(t *testing.T) {
	m := RemoteMr{Addr: 0xfffffffffffff000, Len: 1 << 40, RKey: 0xbeef}
	b, err := m.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, RemoteMrSize)
	assert.Equal(t, []byte{0x00, 0xf0, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, b[:8])
	assert.Equal(t, []byte{0xef, 0xbe, 0x00, 0x00}, b[16:])

	var got RemoteMr
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, m, got)
	assert.Error(t, got.UnmarshalBinary(b[:RemoteMrSize-1]))
}

func TestPins(t *testing.T) {
	var p Pins
	assert.True(t, p.Pin())
	assert.True(t, p.Pin())
	assert.Equal(t, int64(2), p.Pinned())
	p.Unpin()
	p.Unpin()
	assert.Zero(t, p.Pinned())
	assert.Panics(t, p.Unpin)
}

func TestPinsSeal(t *testing.T) {
	var p Pins
	require.True(t, p.Pin())
	assert.False(t, p.Seal())
	p.Unpin()

	require.True(t, p.Seal())
	assert.False(t, p.Pin())
	assert.Zero(t, p.Pinned())
	assert.False(t, p.Seal())

	p.Unseal()
	assert.True(t, p.Pin())
	assert.Equal(t, int64(1), p.Pinned())
}

func TestPinsSealRacesPin(t *testing.T) {
	for range 100 {
		var p Pins
		var pinned atomic.Bool
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			pinned.Store(p.Pin())
		}()
		sealed := p.Seal()
		wg.Wait()
		if sealed {
			assert.False(t, pinned.Load())
		} else {
			assert.True(t, pinned.Load())
			assert.Equal(t, int64(1), p.Pinned())
		}
	}
}
