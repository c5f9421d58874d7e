package rdma

// #cgo LDFLAGS: -libverbs
// #include "shim.h"
import "C"
import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rverbs/internal/verbs"
)

// Context is an opened device bound to one port and one GID. Device and port
// attributes are queried once at open time. Every protection domain,
// completion queue and queue pair derived from a Context holds a reference
// to it; the device closes when the last reference is released.
type Context struct {
	ctx      *C.struct_ibv_context
	name     string
	devAttr  DeviceAttr
	portAttr PortAttr
	port     uint8
	gid      verbs.Gid
	gidIndex uint8

	refs      atomic.Int32
	closeOnce sync.Once
}

// Open opens a device port.
//
// With a device name, port is that device's port number. Without one, every
// port of every device is scanned in list order and the port-th active port
// is used; ports are numbered from 1 in both cases. gidIndex is reduced
// modulo the port's GID table length.
func Open(name string, port uint8, gidIndex uint8) (*Context, error) {
	if port == 0 {
		return nil, fmt.Errorf("port number must be non-zero: %w", verbs.ErrInvalidPort)
	}

	dl, err := ListDevices()
	if err != nil {
		return nil, err
	}
	defer dl.Free()

	var (
		raw      *C.struct_ibv_context
		devAttr  DeviceAttr
		portAttr PortAttr
		portNum  uint8
	)
	if name != "" {
		raw, devAttr, portAttr, err = openNamed(dl, name, port)
		portNum = port
	} else {
		raw, devAttr, portAttr, portNum, err = openNthActive(dl, int(port))
	}
	if err != nil {
		return nil, err
	}

	c := &Context{
		ctx:      raw,
		name:     C.GoString(C.ibv_get_device_name(raw.device)),
		devAttr:  devAttr,
		portAttr: portAttr,
		port:     portNum,
	}
	c.refs.Store(1)

	if portAttr.GIDTableLen <= 0 {
		c.destroy()
		return nil, fmt.Errorf("device %s port %d reports an empty GID table", c.name, portNum)
	}
	c.gidIndex = uint8(int(gidIndex) % portAttr.GIDTableLen)
	if c.gid, err = queryGID(raw, portNum, int(c.gidIndex)); err != nil {
		c.destroy()
		return nil, fmt.Errorf("failed to query GID %d of %s port %d: %w", c.gidIndex, c.name, portNum, err)
	}

	log.Info().
		Str("device", c.name).
		Uint8("port", c.port).
		Uint8("gid_index", c.gidIndex).
		Str("gid", c.gid.String()).
		Uint16("lid", portAttr.LID).
		Str("link_layer", portAttr.LinkLayer.String()).
		Int("active_mtu", c.MTU()).
		Msg("Opened RDMA device")
	return c, nil
}

func openNamed(dl *DeviceList, name string, port uint8) (*C.struct_ibv_context, DeviceAttr, PortAttr, error) {
	dev := dl.find(name)
	if dev == nil {
		return nil, DeviceAttr{}, PortAttr{}, fmt.Errorf("device %s: %w", name, verbs.ErrDeviceNotFound)
	}
	raw, errno := C.ibv_open_device(dev)
	if raw == nil {
		return nil, DeviceAttr{}, PortAttr{}, fmt.Errorf("failed to open device %s: %w", name, nilError("ibv_open_device", errno))
	}

	devAttr, err := queryDevice(raw)
	if err != nil {
		C.ibv_close_device(raw)
		return nil, DeviceAttr{}, PortAttr{}, fmt.Errorf("failed to query device attributes for %s: %w", name, err)
	}
	if port > devAttr.PhysPortCount {
		C.ibv_close_device(raw)
		return nil, DeviceAttr{}, PortAttr{}, fmt.Errorf("device %s has %d ports, got port %d: %w",
			name, devAttr.PhysPortCount, port, verbs.ErrInvalidPort)
	}

	portAttr, err := queryPort(raw, port)
	if err != nil {
		C.ibv_close_device(raw)
		return nil, DeviceAttr{}, PortAttr{}, fmt.Errorf("failed to query port %d of %s: %w", port, name, err)
	}
	if portAttr.State != verbs.PortActive {
		C.ibv_close_device(raw)
		return nil, DeviceAttr{}, PortAttr{}, fmt.Errorf("device %s port %d is %s: %w",
			name, port, portAttr.State, verbs.ErrPortNotActive)
	}
	return raw, devAttr, portAttr, nil
}

// openNthActive walks devices in list order and their ports from 1 upward.
func openNthActive(dl *DeviceList, nth int) (*C.struct_ibv_context, DeviceAttr, PortAttr, uint8, error) {
	seen := 0
	for _, dev := range dl.devices {
		name := deviceName(dev)
		raw, errno := C.ibv_open_device(dev)
		if raw == nil {
			log.Warn().Str("device", name).Err(nilError("ibv_open_device", errno)).Msg("Failed to open device, skipping device.")
			continue
		}
		devAttr, err := queryDevice(raw)
		if err != nil {
			log.Warn().Str("device", name).Err(err).Msg("Failed to query device, skipping device.")
			C.ibv_close_device(raw)
			continue
		}
		for p := uint8(1); p <= devAttr.PhysPortCount && p != 0; p++ {
			portAttr, err := queryPort(raw, p)
			if err != nil {
				log.Warn().Str("device", name).Uint8("port", p).Err(err).Msg("Failed to query port, skipping port.")
				continue
			}
			if portAttr.State != verbs.PortActive {
				log.Debug().Str("device", name).Uint8("port", p).Str("state", portAttr.State.String()).Msg("Port not active, skipping port.")
				continue
			}
			seen++
			if seen == nth {
				return raw, devAttr, portAttr, p, nil
			}
		}
		C.ibv_close_device(raw)
	}
	return nil, DeviceAttr{}, PortAttr{}, 0, fmt.Errorf("wanted active port %d, found %d: %w", nth, seen, verbs.ErrNotEnoughPorts)
}

func (c *Context) acquire() {
	c.refs.Add(1)
}

func (c *Context) release() {
	switch n := c.refs.Add(-1); {
	case n == 0:
		c.destroy()
	case n < 0:
		panic("rdma: device context released more times than acquired")
	}
}

func (c *Context) destroy() {
	if ret, errno := C.ibv_close_device(c.ctx); ret != 0 {
		log.Error().Str("device", c.name).Err(callError("ibv_close_device", int(ret), errno)).Msg("Failed to close RDMA device")
		return
	}
	log.Debug().Str("device", c.name).Msg("Closed RDMA device")
}

// Close releases the caller's reference. Resources created from the context
// keep the device open until they are closed too.
func (c *Context) Close() error {
	c.closeOnce.Do(c.release)
	return nil
}

func (c *Context) Name() string               { return c.name }
func (c *Context) PortNum() uint8             { return c.port }
func (c *Context) LID() uint16                { return c.portAttr.LID }
func (c *Context) GID() verbs.Gid             { return c.gid }
func (c *Context) GIDIndex() uint8            { return c.gidIndex }
func (c *Context) ActiveMTU() verbs.MTU       { return c.portAttr.ActiveMTU }
func (c *Context) LinkLayer() verbs.LinkLayer { return c.portAttr.LinkLayer }
func (c *Context) PortState() verbs.PortState { return c.portAttr.State }
func (c *Context) MaxQPWR() int               { return c.devAttr.MaxQPWR }
func (c *Context) MaxSge() int                { return c.devAttr.MaxSge }
func (c *Context) MaxCQE() int                { return c.devAttr.MaxCQE }
func (c *Context) PhysPortCount() uint8       { return c.devAttr.PhysPortCount }
func (c *Context) DeviceAttr() DeviceAttr     { return c.devAttr }
func (c *Context) PortAttr() PortAttr         { return c.portAttr }

// MTU is the active path MTU in bytes.
func (c *Context) MTU() int {
	return c.portAttr.ActiveMTU.Bytes()
}

// endpoint fills in the port addressing of a local queue pair.
func (c *Context) endpoint(qpn, psn, qkey uint32) verbs.Endpoint {
	return verbs.Endpoint{
		LID:  c.portAttr.LID,
		GID:  c.gid,
		QPN:  qpn,
		PSN:  psn,
		MTU:  c.portAttr.ActiveMTU,
		QKey: qkey,
	}
}
