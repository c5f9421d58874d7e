// Package rdma is the hardware boundary over libibverbs. It owns every raw
// ibv_* object and converts between the libibverbs layouts and the pure-Go
// types of internal/verbs; no C type escapes the package.
package rdma

// #cgo LDFLAGS: -libverbs
// #include "shim.h"
import "C"
import (
	"fmt"
	"unsafe"

	"github.com/yuuki/rverbs/internal/verbs"
)

type encoding struct {
	name   string
	goVal  uint32
	header uint32
}

// encodings lists every value that crosses the boundary without translation.
var encodings = []encoding{
	{"IBV_WR_RDMA_WRITE", uint32(verbs.WRRDMAWrite), uint32(C.IBV_WR_RDMA_WRITE)},
	{"IBV_WR_RDMA_WRITE_WITH_IMM", uint32(verbs.WRRDMAWriteWithImm), uint32(C.IBV_WR_RDMA_WRITE_WITH_IMM)},
	{"IBV_WR_SEND", uint32(verbs.WRSend), uint32(C.IBV_WR_SEND)},
	{"IBV_WR_SEND_WITH_IMM", uint32(verbs.WRSendWithImm), uint32(C.IBV_WR_SEND_WITH_IMM)},
	{"IBV_WR_RDMA_READ", uint32(verbs.WRRDMARead), uint32(C.IBV_WR_RDMA_READ)},
	{"IBV_WR_ATOMIC_CMP_AND_SWP", uint32(verbs.WRAtomicCmpAndSwp), uint32(C.IBV_WR_ATOMIC_CMP_AND_SWP)},
	{"IBV_WR_ATOMIC_FETCH_AND_ADD", uint32(verbs.WRAtomicFetchAdd), uint32(C.IBV_WR_ATOMIC_FETCH_AND_ADD)},
	{"IBV_SEND_FENCE", uint32(verbs.SendFence), uint32(C.IBV_SEND_FENCE)},
	{"IBV_SEND_SIGNALED", uint32(verbs.SendSignaled), uint32(C.IBV_SEND_SIGNALED)},
	{"IBV_SEND_SOLICITED", uint32(verbs.SendSolicited), uint32(C.IBV_SEND_SOLICITED)},
	{"IBV_SEND_INLINE", uint32(verbs.SendInline), uint32(C.IBV_SEND_INLINE)},
	{"IBV_WC_SUCCESS", uint32(verbs.WCSuccess), uint32(C.IBV_WC_SUCCESS)},
	{"IBV_WC_WR_FLUSH_ERR", uint32(verbs.WCWRFlushErr), uint32(C.IBV_WC_WR_FLUSH_ERR)},
	{"IBV_WC_REM_ACCESS_ERR", uint32(verbs.WCRemAccessErr), uint32(C.IBV_WC_REM_ACCESS_ERR)},
	{"IBV_WC_RETRY_EXC_ERR", uint32(verbs.WCRetryExcErr), uint32(C.IBV_WC_RETRY_EXC_ERR)},
	{"IBV_WC_GENERAL_ERR", uint32(verbs.WCGeneralErr), uint32(C.IBV_WC_GENERAL_ERR)},
	{"IBV_WC_SEND", uint32(verbs.WCSend), uint32(C.IBV_WC_SEND)},
	{"IBV_WC_RDMA_WRITE", uint32(verbs.WCRDMAWrite), uint32(C.IBV_WC_RDMA_WRITE)},
	{"IBV_WC_RDMA_READ", uint32(verbs.WCRDMARead), uint32(C.IBV_WC_RDMA_READ)},
	{"IBV_WC_RECV", uint32(verbs.WCRecv), uint32(C.IBV_WC_RECV)},
	{"IBV_WC_RECV_RDMA_WITH_IMM", uint32(verbs.WCRecvRDMAWithImm), uint32(C.IBV_WC_RECV_RDMA_WITH_IMM)},
	{"IBV_WC_GRH", uint32(verbs.WCGRH), uint32(C.IBV_WC_GRH)},
	{"IBV_WC_WITH_IMM", uint32(verbs.WCWithImm), uint32(C.IBV_WC_WITH_IMM)},
	{"IBV_MTU_256", uint32(verbs.MTU256), uint32(C.IBV_MTU_256)},
	{"IBV_MTU_4096", uint32(verbs.MTU4096), uint32(C.IBV_MTU_4096)},
	{"IBV_PORT_ACTIVE", uint32(verbs.PortActive), uint32(C.IBV_PORT_ACTIVE)},
	{"IBV_LINK_LAYER_INFINIBAND", uint32(verbs.LinkLayerInfiniBand), uint32(C.IBV_LINK_LAYER_INFINIBAND)},
	{"IBV_LINK_LAYER_ETHERNET", uint32(verbs.LinkLayerEthernet), uint32(C.IBV_LINK_LAYER_ETHERNET)},
	{"IBV_QPT_RC", uint32(verbs.QPTypeRC), uint32(C.IBV_QPT_RC)},
	{"IBV_QPT_UC", uint32(verbs.QPTypeUC), uint32(C.IBV_QPT_UC)},
	{"IBV_QPT_UD", uint32(verbs.QPTypeUD), uint32(C.IBV_QPT_UD)},
	{"IBV_QPS_RESET", uint32(verbs.QPStateReset), uint32(C.IBV_QPS_RESET)},
	{"IBV_QPS_RTS", uint32(verbs.QPStateRTS), uint32(C.IBV_QPS_RTS)},
	{"IBV_QPS_ERR", uint32(verbs.QPStateErr), uint32(C.IBV_QPS_ERR)},
	{"IBV_ACCESS_LOCAL_WRITE", uint32(verbs.AccessLocalWrite), uint32(C.IBV_ACCESS_LOCAL_WRITE)},
	{"IBV_ACCESS_REMOTE_WRITE", uint32(verbs.AccessRemoteWrite), uint32(C.IBV_ACCESS_REMOTE_WRITE)},
	{"IBV_ACCESS_REMOTE_READ", uint32(verbs.AccessRemoteRead), uint32(C.IBV_ACCESS_REMOTE_READ)},
	{"IBV_ACCESS_REMOTE_ATOMIC", uint32(verbs.AccessRemoteAtomic), uint32(C.IBV_ACCESS_REMOTE_ATOMIC)},
}

type layout struct {
	name   string
	goSize uintptr
	cSize  uintptr
}

// layouts lists Go types whose memory is handed to C as-is.
var layouts = []layout{
	{"struct ibv_sge", unsafe.Sizeof(verbs.Sge{}), uintptr(C.sizeof_struct_ibv_sge)},
	{"struct rv_wc", unsafe.Sizeof(verbs.Completion{}), uintptr(C.sizeof_struct_rv_wc)},
	{"union ibv_gid", unsafe.Sizeof(verbs.Gid{}), uintptr(C.sizeof_union_ibv_gid)},
}

// headerMismatches reports every encoding or layout that disagrees with the
// installed headers.
func headerMismatches() []string {
	var out []string
	for _, e := range encodings {
		if e.goVal != e.header {
			out = append(out, fmt.Sprintf("%s: go=%d header=%d", e.name, e.goVal, e.header))
		}
	}
	for _, l := range layouts {
		if l.goSize != l.cSize {
			out = append(out, fmt.Sprintf("%s: go=%d bytes C=%d bytes", l.name, l.goSize, l.cSize))
		}
	}
	return out
}

func init() {
	if m := headerMismatches(); len(m) > 0 {
		panic(fmt.Sprintf("rdma: libibverbs headers disagree with internal/verbs: %v", m))
	}
}
