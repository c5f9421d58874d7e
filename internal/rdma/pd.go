package rdma

// #cgo LDFLAGS: -libverbs
// #include "shim.h"
import "C"
import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/yuuki/rverbs/internal/verbs"
)

// ProtectionDomain groups memory regions, queue pairs and address handles
// that may be used together.
type ProtectionDomain struct {
	ctx *Context
	pd  *C.struct_ibv_pd

	mu     sync.Mutex
	closed bool
}

// AllocPD allocates a protection domain. It holds a reference on the
// context until closed.
func (c *Context) AllocPD() (*ProtectionDomain, error) {
	pd, errno := C.ibv_alloc_pd(c.ctx)
	if pd == nil {
		return nil, fmt.Errorf("failed to allocate PD on %s: %w", c.name, nilError("ibv_alloc_pd", errno))
	}
	c.acquire()
	log.Debug().Str("device", c.name).Uint32("pd_handle", uint32(pd.handle)).Msg("Allocated protection domain")
	return &ProtectionDomain{ctx: c, pd: pd}, nil
}

func (p *ProtectionDomain) Context() *Context { return p.ctx }

// Register registers caller memory. The memory must stay mapped and must not
// move until the region is closed; Go-heap buffers are pinned for the
// lifetime of the registration.
func (p *ProtectionDomain) Register(buf []byte, access verbs.Access) (*MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("cannot register an empty buffer: %w", verbs.ErrOutOfRange)
	}
	mr := &MemoryRegion{pd: p, buf: buf, access: access}
	mr.pinner.Pin(&buf[0])
	if err := mr.register(); err != nil {
		mr.pinner.Unpin()
		return nil, err
	}
	return mr, nil
}

// Alloc maps size bytes of anonymous memory outside the Go heap and
// registers them. The mapping is released when the region is closed.
func (p *ProtectionDomain) Alloc(size int, access verbs.Access) (*MemoryRegion, error) {
	if size <= 0 {
		return nil, fmt.Errorf("cannot allocate %d bytes: %w", size, verbs.ErrOutOfRange)
	}
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d bytes: %w", size, err)
	}
	mr := &MemoryRegion{pd: p, buf: buf, access: access, mapped: true}
	if err := mr.register(); err != nil {
		if uerr := unix.Munmap(buf); uerr != nil {
			log.Warn().Err(uerr).Int("size", size).Msg("Failed to unmap buffer after registration failure")
		}
		return nil, err
	}
	return mr, nil
}

// Close deallocates the domain. The device refuses with EBUSY while regions,
// queue pairs or address handles still reference it.
func (p *ProtectionDomain) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if ret, errno := C.ibv_dealloc_pd(p.pd); ret != 0 {
		return fmt.Errorf("failed to deallocate PD on %s: %w", p.ctx.name, callError("ibv_dealloc_pd", int(ret), errno))
	}
	p.closed = true
	p.pd = nil
	log.Debug().Str("device", p.ctx.name).Msg("Deallocated protection domain")
	p.ctx.release()
	return nil
}

// MemoryRegion is a buffer registered with the device. It implements
// verbs.Region so that slices of it can be used in work requests.
type MemoryRegion struct {
	verbs.Pins

	pd     *ProtectionDomain
	mr     *C.struct_ibv_mr
	buf    []byte
	lkey   uint32
	rkey   uint32
	access verbs.Access
	mapped bool
	pinner runtime.Pinner

	mu     sync.Mutex
	closed bool
}

func (m *MemoryRegion) register() error {
	addr := unsafe.Pointer(unsafe.SliceData(m.buf))
	mr, errno := C.rv_reg_mr(m.pd.pd, addr, C.size_t(len(m.buf)), C.int(m.access))
	if mr == nil {
		return fmt.Errorf("failed to register %d bytes on %s: %w", len(m.buf), m.pd.ctx.name, nilError("ibv_reg_mr", errno))
	}
	m.mr = mr
	m.lkey, m.rkey = uint32(mr.lkey), uint32(mr.rkey)
	log.Debug().
		Str("device", m.pd.ctx.name).
		Uint64("addr", uint64(uintptr(addr))).
		Int("length", len(m.buf)).
		Uint32("lkey", uint32(mr.lkey)).
		Uint32("rkey", uint32(mr.rkey)).
		Str("access", m.access.String()).
		Msg("Registered memory region")
	return nil
}

func (m *MemoryRegion) Addr() uintptr        { return uintptr(unsafe.Pointer(unsafe.SliceData(m.buf))) }
func (m *MemoryRegion) Len() int             { return len(m.buf) }
func (m *MemoryRegion) LKey() uint32         { return m.lkey }
func (m *MemoryRegion) RKey() uint32         { return m.rkey }
func (m *MemoryRegion) Access() verbs.Access { return m.access }

// Bytes exposes the registered memory. Writing to it while the device may
// be reading or writing the same range is a data race.
func (m *MemoryRegion) Bytes() []byte { return m.buf }

// Slice returns a window of the region for use in work requests.
func (m *MemoryRegion) Slice(offset, length int) (verbs.MrSlice, error) {
	return verbs.NewMrSlice(m, offset, length)
}

// Whole covers the entire region.
func (m *MemoryRegion) Whole() verbs.MrSlice {
	s, err := verbs.NewMrSlice(m, 0, len(m.buf))
	if err != nil {
		panic(err)
	}
	return s
}

// Remote describes the region for a peer. The peer may read or write it
// only as far as the access flags allow.
func (m *MemoryRegion) Remote() verbs.RemoteMr {
	return verbs.RemoteMr{Addr: uint64(m.Addr()), Len: uint64(len(m.buf)), RKey: m.RKey()}
}

// Close deregisters the region and unmaps memory it allocated. It returns
// verbs.ErrRegionInUse while posted work requests still reference it; once
// it has started, posting a request that references the region fails with
// verbs.ErrClosed. A peer holding the remote key is not detected.
func (m *MemoryRegion) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if !m.Seal() {
		return fmt.Errorf("%d work requests outstanding: %w", m.Pinned(), verbs.ErrRegionInUse)
	}
	if ret, errno := C.ibv_dereg_mr(m.mr); ret != 0 {
		m.Unseal()
		return fmt.Errorf("failed to deregister memory region: %w", callError("ibv_dereg_mr", int(ret), errno))
	}
	m.mr = nil
	m.closed = true
	if m.mapped {
		if err := unix.Munmap(m.buf); err != nil {
			log.Warn().Err(err).Int("length", len(m.buf)).Msg("Failed to unmap memory region buffer")
		}
	} else {
		m.pinner.Unpin()
	}
	log.Debug().Str("device", m.pd.ctx.name).Int("length", len(m.buf)).Msg("Deregistered memory region")
	m.buf = nil
	return nil
}
