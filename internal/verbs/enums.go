// Package verbs models the RDMA verbs fabric in pure Go: the numeric encodings
// the firmware produces and consumes, work request descriptors, completions and
// the spin-poll loop. The cgo boundary in internal/rdma serialises these types
// into the libibverbs layouts and never lets the raw layouts escape.
package verbs

import (
	"fmt"
	"strings"
)

// WROpcode mirrors enum ibv_wr_opcode.
type WROpcode uint32

const (
	WRRDMAWrite        WROpcode = 0
	WRRDMAWriteWithImm WROpcode = 1
	WRSend             WROpcode = 2
	WRSendWithImm      WROpcode = 3
	WRRDMARead         WROpcode = 4
	WRAtomicCmpAndSwp  WROpcode = 5
	WRAtomicFetchAdd   WROpcode = 6
)

func (o WROpcode) String() string {
	switch o {
	case WRRDMAWrite:
		return "RDMA_WRITE"
	case WRRDMAWriteWithImm:
		return "RDMA_WRITE_WITH_IMM"
	case WRSend:
		return "SEND"
	case WRSendWithImm:
		return "SEND_WITH_IMM"
	case WRRDMARead:
		return "RDMA_READ"
	case WRAtomicCmpAndSwp:
		return "ATOMIC_CMP_AND_SWP"
	case WRAtomicFetchAdd:
		return "ATOMIC_FETCH_AND_ADD"
	default:
		return fmt.Sprintf("WR_OPCODE(%d)", uint32(o))
	}
}

// SendFlags mirrors enum ibv_send_flags.
type SendFlags uint32

const (
	SendFence     SendFlags = 1 << 0
	SendSignaled  SendFlags = 1 << 1
	SendSolicited SendFlags = 1 << 2
	SendInline    SendFlags = 1 << 3
)

// WCStatus mirrors enum ibv_wc_status.
type WCStatus uint32

const (
	WCSuccess WCStatus = iota
	WCLocLenErr
	WCLocQPOpErr
	WCLocEECOpErr
	WCLocProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocAccessErr
	WCRemInvReqErr
	WCRemAccessErr
	WCRemOpErr
	WCRetryExcErr
	WCRNRRetryExcErr
	WCLocRDDViolErr
	WCRemInvRDReqErr
	WCRemAbortErr
	WCInvEECNErr
	WCInvEECStateErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

var wcStatusNames = [...]string{
	"success",
	"local length error",
	"local QP operation error",
	"local EE context operation error",
	"local protection error",
	"Work Request Flushed Error",
	"memory management operation error",
	"bad response error",
	"local access error",
	"remote invalid request error",
	"remote access error",
	"remote operation error",
	"transport retry counter exceeded",
	"RNR retry counter exceeded",
	"local RDD violation error",
	"remote invalid RD request",
	"aborted error",
	"invalid EE context number",
	"invalid EE context state",
	"fatal error",
	"response timeout error",
	"general error",
}

// String matches the text ibv_wc_status_str returns for the same code.
func (s WCStatus) String() string {
	if int(s) < len(wcStatusNames) {
		return wcStatusNames[s]
	}
	return fmt.Sprintf("unknown status (%d)", uint32(s))
}

// Fatal reports whether a completion with this status leaves a reliable
// queue pair in the error state. Every non-success status does: after one of
// them no further operation on that queue pair can be trusted to succeed, and
// outstanding requests complete with WCWRFlushErr.
func (s WCStatus) Fatal() bool {
	return s != WCSuccess
}

// WCOpcode mirrors enum ibv_wc_opcode.
type WCOpcode uint32

const (
	WCSend            WCOpcode = 0
	WCRDMAWrite       WCOpcode = 1
	WCRDMARead        WCOpcode = 2
	WCCompSwap        WCOpcode = 3
	WCFetchAdd        WCOpcode = 4
	WCBindMW          WCOpcode = 5
	WCLocalInv        WCOpcode = 6
	WCRecv            WCOpcode = 1 << 7
	WCRecvRDMAWithImm WCOpcode = WCRecv + 1
)

func (o WCOpcode) String() string {
	switch o {
	case WCSend:
		return "SEND"
	case WCRDMAWrite:
		return "RDMA_WRITE"
	case WCRDMARead:
		return "RDMA_READ"
	case WCCompSwap:
		return "COMP_SWAP"
	case WCFetchAdd:
		return "FETCH_ADD"
	case WCBindMW:
		return "BIND_MW"
	case WCLocalInv:
		return "LOCAL_INV"
	case WCRecv:
		return "RECV"
	case WCRecvRDMAWithImm:
		return "RECV_RDMA_WITH_IMM"
	default:
		return fmt.Sprintf("WC_OPCODE(%d)", uint32(o))
	}
}

// IsRecv reports whether the completion came from the receive queue.
func (o WCOpcode) IsRecv() bool {
	return o&WCRecv != 0
}

// WCFlags mirrors enum ibv_wc_flags.
type WCFlags uint32

const (
	WCGRH      WCFlags = 1 << 0
	WCWithImm  WCFlags = 1 << 1
	WCIPCsumOK WCFlags = 1 << 2
	WCWithInv  WCFlags = 1 << 3
)

// MTU mirrors enum ibv_mtu.
type MTU uint32

const (
	MTU256  MTU = 1
	MTU512  MTU = 2
	MTU1024 MTU = 3
	MTU2048 MTU = 4
	MTU4096 MTU = 5
)

// Bytes maps the enumerated transfer unit to a byte count. Any other code
// means the driver and the headers disagree, which cannot be recovered from.
func (m MTU) Bytes() int {
	switch m {
	case MTU256:
		return 256
	case MTU512:
		return 512
	case MTU1024:
		return 1024
	case MTU2048:
		return 2048
	case MTU4096:
		return 4096
	default:
		panic(fmt.Sprintf("verbs: unrecognized MTU code %d reported by device", uint32(m)))
	}
}

// MTUFromBytes is the inverse of Bytes.
func MTUFromBytes(n int) (MTU, error) {
	switch n {
	case 256:
		return MTU256, nil
	case 512:
		return MTU512, nil
	case 1024:
		return MTU1024, nil
	case 2048:
		return MTU2048, nil
	case 4096:
		return MTU4096, nil
	default:
		return 0, fmt.Errorf("invalid MTU %d: must be one of 256, 512, 1024, 2048, 4096", n)
	}
}

// PortState mirrors enum ibv_port_state.
type PortState uint32

const (
	PortNop         PortState = 0
	PortDown        PortState = 1
	PortInit        PortState = 2
	PortArmed       PortState = 3
	PortActive      PortState = 4
	PortActiveDefer PortState = 5
)

func (s PortState) String() string {
	switch s {
	case PortNop:
		return "NOP"
	case PortDown:
		return "DOWN"
	case PortInit:
		return "INIT"
	case PortArmed:
		return "ARMED"
	case PortActive:
		return "ACTIVE"
	case PortActiveDefer:
		return "ACTIVE_DEFER"
	default:
		return fmt.Sprintf("PORT_STATE(%d)", uint32(s))
	}
}

// LinkLayer mirrors the IBV_LINK_LAYER_* values.
type LinkLayer uint8

const (
	LinkLayerUnspecified LinkLayer = 0
	LinkLayerInfiniBand  LinkLayer = 1
	LinkLayerEthernet    LinkLayer = 2
)

func (l LinkLayer) String() string {
	switch l {
	case LinkLayerInfiniBand:
		return "InfiniBand"
	case LinkLayerEthernet:
		return "Ethernet"
	default:
		return "Unspecified"
	}
}

// QPType mirrors enum ibv_qp_type.
type QPType uint32

const (
	QPTypeRC QPType = 2
	QPTypeUC QPType = 3
	QPTypeUD QPType = 4
)

func (t QPType) String() string {
	switch t {
	case QPTypeRC:
		return "RC"
	case QPTypeUC:
		return "UC"
	case QPTypeUD:
		return "UD"
	default:
		return fmt.Sprintf("QP_TYPE(%d)", uint32(t))
	}
}

// ParseQPType accepts the short transport names used in configuration files.
func ParseQPType(s string) (QPType, error) {
	switch s {
	case "RC", "rc":
		return QPTypeRC, nil
	case "UC", "uc":
		return QPTypeUC, nil
	case "UD", "ud":
		return QPTypeUD, nil
	default:
		return 0, fmt.Errorf("unknown queue pair type %q", s)
	}
}

// QPState mirrors enum ibv_qp_state.
type QPState uint32

const (
	QPStateReset QPState = 0
	QPStateInit  QPState = 1
	QPStateRTR   QPState = 2
	QPStateRTS   QPState = 3
	QPStateSQD   QPState = 4
	QPStateSQE   QPState = 5
	QPStateErr   QPState = 6
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateSQD:
		return "SQD"
	case QPStateSQE:
		return "SQE"
	case QPStateErr:
		return "ERR"
	default:
		return fmt.Sprintf("QP_STATE(%d)", uint32(s))
	}
}

// Access mirrors enum ibv_access_flags.
type Access uint32

const (
	AccessLocalWrite   Access = 1 << 0
	AccessRemoteWrite  Access = 1 << 1
	AccessRemoteRead   Access = 1 << 2
	AccessRemoteAtomic Access = 1 << 3
)

// AccessAll grants every access a two-sided or one-sided peer needs.
const AccessAll = AccessLocalWrite | AccessRemoteWrite | AccessRemoteRead | AccessRemoteAtomic

func (a Access) String() string {
	if a == 0 {
		return "NONE"
	}
	var parts []string
	for _, f := range []struct {
		bit  Access
		name string
	}{
		{AccessLocalWrite, "LOCAL_WRITE"},
		{AccessRemoteWrite, "REMOTE_WRITE"},
		{AccessRemoteRead, "REMOTE_READ"},
		{AccessRemoteAtomic, "REMOTE_ATOMIC"},
	} {
		if a&f.bit != 0 {
			parts = append(parts, f.name)
			a &^= f.bit
		}
	}
	if a != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(a)))
	}
	return strings.Join(parts, "|")
}
