package rdma

// #cgo LDFLAGS: -libverbs
// #include "shim.h"
import "C"
import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rverbs/internal/verbs"
)

// DeviceList is a short-lived snapshot of the RDMA devices on this host.
// Release it with Free once the device of interest has been opened.
type DeviceList struct {
	list    **C.struct_ibv_device
	devices []*C.struct_ibv_device
}

// ListDevices enumerates the RDMA devices on this host.
func ListDevices() (*DeviceList, error) {
	var num C.int
	list, err := C.ibv_get_device_list(&num)
	if list == nil {
		if err == nil {
			err = errors.New("ibv_get_device_list returned no list")
		}
		return nil, fmt.Errorf("failed to get RDMA device list: %w", err)
	}
	dl := &DeviceList{list: list, devices: make([]*C.struct_ibv_device, 0, int(num))}
	for i := 0; i < int(num); i++ {
		dev := C.rv_device_at(list, C.int(i))
		if dev == nil {
			continue
		}
		dl.devices = append(dl.devices, dev)
		log.Debug().Str("device", deviceName(dev)).Msg("Found RDMA device")
	}
	return dl, nil
}

// Len is the number of devices in the list.
func (l *DeviceList) Len() int {
	return len(l.devices)
}

// Names returns the kernel names of the devices in list order.
func (l *DeviceList) Names() []string {
	names := make([]string, len(l.devices))
	for i, dev := range l.devices {
		names[i] = deviceName(dev)
	}
	return names
}

// Free releases the list. Contexts opened from it stay valid.
func (l *DeviceList) Free() {
	if l.list == nil {
		return
	}
	C.ibv_free_device_list(l.list)
	l.list = nil
	l.devices = nil
}

func (l *DeviceList) find(name string) *C.struct_ibv_device {
	for _, dev := range l.devices {
		if deviceName(dev) == name {
			return dev
		}
	}
	return nil
}

func deviceName(dev *C.struct_ibv_device) string {
	return C.GoString(C.ibv_get_device_name(dev))
}

// DeviceAttr is the part of struct ibv_device_attr this package exposes.
type DeviceAttr struct {
	FirmwareVersion string
	VendorID        uint32
	VendorPartID    uint32
	MaxMRSize       uint64
	MaxQP           int
	MaxQPWR         int
	MaxSge          int
	MaxCQ           int
	MaxCQE          int
	MaxMR           int
	MaxPD           int
	MaxQPRdAtom     int
	PhysPortCount   uint8
}

// PortAttr is the part of struct ibv_port_attr this package exposes.
type PortAttr struct {
	State       verbs.PortState
	MaxMTU      verbs.MTU
	ActiveMTU   verbs.MTU
	GIDTableLen int
	MaxMsgSize  uint32
	LID         uint16
	SMLID       uint16
	LMC         uint8
	ActiveWidth uint8
	ActiveSpeed uint8
	LinkLayer   verbs.LinkLayer
}

func queryDevice(ctx *C.struct_ibv_context) (DeviceAttr, error) {
	var attr C.struct_ibv_device_attr
	if ret, errno := C.ibv_query_device(ctx, &attr); ret != 0 {
		return DeviceAttr{}, callError("ibv_query_device", int(ret), errno)
	}
	return DeviceAttr{
		FirmwareVersion: C.GoString(&attr.fw_ver[0]),
		VendorID:        uint32(attr.vendor_id),
		VendorPartID:    uint32(attr.vendor_part_id),
		MaxMRSize:       uint64(attr.max_mr_size),
		MaxQP:           int(attr.max_qp),
		MaxQPWR:         int(attr.max_qp_wr),
		MaxSge:          int(attr.max_sge),
		MaxCQ:           int(attr.max_cq),
		MaxCQE:          int(attr.max_cqe),
		MaxMR:           int(attr.max_mr),
		MaxPD:           int(attr.max_pd),
		MaxQPRdAtom:     int(attr.max_qp_rd_atom),
		PhysPortCount:   uint8(attr.phys_port_cnt),
	}, nil
}

func queryPort(ctx *C.struct_ibv_context, port uint8) (PortAttr, error) {
	var attr C.struct_ibv_port_attr
	if ret, errno := C.rv_query_port(ctx, C.uint8_t(port), &attr); ret != 0 {
		return PortAttr{}, callError("ibv_query_port", int(ret), errno)
	}
	return PortAttr{
		State:       verbs.PortState(attr.state),
		MaxMTU:      verbs.MTU(attr.max_mtu),
		ActiveMTU:   verbs.MTU(attr.active_mtu),
		GIDTableLen: int(attr.gid_tbl_len),
		MaxMsgSize:  uint32(attr.max_msg_sz),
		LID:         uint16(attr.lid),
		SMLID:       uint16(attr.sm_lid),
		LMC:         uint8(attr.lmc),
		ActiveWidth: uint8(attr.active_width),
		ActiveSpeed: uint8(attr.active_speed),
		LinkLayer:   verbs.LinkLayer(attr.link_layer),
	}, nil
}

func queryGID(ctx *C.struct_ibv_context, port uint8, index int) (verbs.Gid, error) {
	var gid verbs.Gid
	ret, errno := C.ibv_query_gid(ctx, C.uint8_t(port), C.int(index), (*C.union_ibv_gid)(unsafe.Pointer(&gid)))
	if ret != 0 {
		return verbs.Gid{}, callError("ibv_query_gid", int(ret), errno)
	}
	return gid, nil
}
