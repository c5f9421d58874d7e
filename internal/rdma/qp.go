package rdma

// #cgo LDFLAGS: -libverbs
// #include "shim.h"
import "C"
import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rverbs/internal/verbs"
)

// QPCaps sizes the work queues. Zero fields take the defaults.
type QPCaps struct {
	MaxSendWR     int
	MaxRecvWR     int
	MaxSendSGE    int
	MaxRecvSGE    int
	MaxInlineData int
}

// DefaultQPCaps matches what small request/response workloads need.
var DefaultQPCaps = QPCaps{MaxSendWR: 64, MaxRecvWR: 64, MaxSendSGE: 1, MaxRecvSGE: 1}

func (c QPCaps) withDefaults() QPCaps {
	if c.MaxSendWR == 0 {
		c.MaxSendWR = DefaultQPCaps.MaxSendWR
	}
	if c.MaxRecvWR == 0 {
		c.MaxRecvWR = DefaultQPCaps.MaxRecvWR
	}
	if c.MaxSendSGE == 0 {
		c.MaxSendSGE = DefaultQPCaps.MaxSendSGE
	}
	if c.MaxRecvSGE == 0 {
		c.MaxRecvSGE = DefaultQPCaps.MaxRecvSGE
	}
	return c
}

// QPConfig describes a queue pair. RecvCQ defaults to SendCQ. QKey is used
// by datagram pairs only and defaults to verbs.DefaultQKey.
type QPConfig struct {
	Type   verbs.QPType
	SendCQ *CompletionQueue
	RecvCQ *CompletionQueue
	Caps   QPCaps
	SigAll bool
	QKey   uint32
}

// QueuePair is one end of a connection (RC, UC) or a datagram endpoint (UD).
//
// The send queue and the receive queue each accept one poster at a time;
// posting to both from different goroutines is fine.
type QueuePair struct {
	pd     *ProtectionDomain
	qp     *C.struct_ibv_qp
	qpType verbs.QPType
	qpn    uint32
	psn    uint32
	qkey   uint32
	sigAll bool
	caps   QPCaps
	scq    *CompletionQueue
	rcq    *CompletionQueue

	sendTrack verbs.Tracker
	recvTrack verbs.Tracker

	sendMu    sync.Mutex
	sendDescs []C.struct_rv_send_desc
	sendSges  []verbs.Sge

	recvMu    sync.Mutex
	recvDescs []C.struct_rv_recv_desc
	recvSges  []verbs.Sge

	stateMu sync.Mutex
	remote  *verbs.Endpoint
	closed  atomic.Bool
}

// CreateQP creates a queue pair in the RESET state and attaches it to its
// completion queues.
func (p *ProtectionDomain) CreateQP(cfg QPConfig) (*QueuePair, error) {
	switch cfg.Type {
	case verbs.QPTypeRC, verbs.QPTypeUC, verbs.QPTypeUD:
	default:
		return nil, fmt.Errorf("unsupported queue pair type %s", cfg.Type)
	}
	if cfg.SendCQ == nil {
		return nil, errors.New("queue pair needs a send completion queue")
	}
	if cfg.RecvCQ == nil {
		cfg.RecvCQ = cfg.SendCQ
	}
	if cfg.QKey == 0 {
		cfg.QKey = verbs.DefaultQKey
	}
	caps := cfg.Caps.withDefaults()

	var initAttr C.struct_ibv_qp_init_attr
	initAttr.send_cq = cfg.SendCQ.cq
	initAttr.recv_cq = cfg.RecvCQ.cq
	initAttr.qp_type = C.enum_ibv_qp_type(cfg.Type)
	initAttr.cap.max_send_wr = C.uint32_t(caps.MaxSendWR)
	initAttr.cap.max_recv_wr = C.uint32_t(caps.MaxRecvWR)
	initAttr.cap.max_send_sge = C.uint32_t(caps.MaxSendSGE)
	initAttr.cap.max_recv_sge = C.uint32_t(caps.MaxRecvSGE)
	initAttr.cap.max_inline_data = C.uint32_t(caps.MaxInlineData)
	if cfg.SigAll {
		initAttr.sq_sig_all = 1
	}

	qp, errno := C.ibv_create_qp(p.pd, &initAttr)
	if qp == nil {
		return nil, fmt.Errorf("failed to create %s QP on %s: %w", cfg.Type, p.ctx.name, nilError("ibv_create_qp", errno))
	}
	// The provider may round the capacities up.
	caps.MaxSendWR = int(initAttr.cap.max_send_wr)
	caps.MaxRecvWR = int(initAttr.cap.max_recv_wr)
	caps.MaxSendSGE = int(initAttr.cap.max_send_sge)
	caps.MaxRecvSGE = int(initAttr.cap.max_recv_sge)
	caps.MaxInlineData = int(initAttr.cap.max_inline_data)

	q := &QueuePair{
		pd:     p,
		qp:     qp,
		qpType: cfg.Type,
		qpn:    uint32(qp.qp_num),
		psn:    rand.Uint32() & verbs.PSNMask,
		qkey:   cfg.QKey,
		sigAll: cfg.SigAll,
		caps:   caps,
		scq:    cfg.SendCQ,
		rcq:    cfg.RecvCQ,
	}
	p.ctx.acquire()
	if q.scq == q.rcq {
		q.scq.attach(q.qpn, &q.sendTrack, &q.recvTrack)
	} else {
		q.scq.attach(q.qpn, &q.sendTrack, nil)
		q.rcq.attach(q.qpn, nil, &q.recvTrack)
	}

	log.Debug().
		Str("device", p.ctx.name).
		Str("type", cfg.Type.String()).
		Uint32("qpn", q.qpn).
		Uint32("psn", q.psn).
		Int("max_send_wr", caps.MaxSendWR).
		Int("max_recv_wr", caps.MaxRecvWR).
		Msg("Created queue pair")
	return q, nil
}

func (q *QueuePair) QPN() uint32           { return q.qpn }
func (q *QueuePair) PSN() uint32           { return q.psn }
func (q *QueuePair) Type() verbs.QPType    { return q.qpType }
func (q *QueuePair) Caps() QPCaps          { return q.caps }
func (q *QueuePair) SCQ() *CompletionQueue { return q.scq }
func (q *QueuePair) RCQ() *CompletionQueue { return q.rcq }

// Outstanding reports how many posted send and receive requests have not
// retired yet.
func (q *QueuePair) Outstanding() (send, recv int) {
	return q.sendTrack.Len(), q.recvTrack.Len()
}

// Endpoint is the local addressing a peer needs to connect to this pair.
func (q *QueuePair) Endpoint() verbs.Endpoint {
	var qkey uint32
	if q.qpType == verbs.QPTypeUD {
		qkey = q.qkey
	}
	return q.pd.ctx.endpoint(q.qpn, q.psn, qkey)
}

// Remote returns the endpoint passed to Connect, if any.
func (q *QueuePair) Remote() (verbs.Endpoint, bool) {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	if q.remote == nil {
		return verbs.Endpoint{}, false
	}
	return *q.remote, true
}

// State queries the current state from the device.
func (q *QueuePair) State() (verbs.QPState, error) {
	if q.closed.Load() {
		return 0, fmt.Errorf("query QP %d: %w", q.qpn, verbs.ErrClosed)
	}
	var attr C.struct_ibv_qp_attr
	var initAttr C.struct_ibv_qp_init_attr
	if ret, errno := C.ibv_query_qp(q.qp, &attr, C.IBV_QP_STATE, &initAttr); ret != 0 {
		return 0, fmt.Errorf("failed to query QP %d: %w", q.qpn, callError("ibv_query_qp", int(ret), errno))
	}
	return verbs.QPState(attr.qp_state), nil
}

// Connect moves the pair from RESET to RTS. Connected pairs are pointed at
// remote; a datagram pair only needs its own QKey and remote is recorded
// for reference.
func (q *QueuePair) Connect(remote verbs.Endpoint) error {
	if q.closed.Load() {
		return fmt.Errorf("connect QP %d: %w", q.qpn, verbs.ErrClosed)
	}
	q.stateMu.Lock()
	defer q.stateMu.Unlock()

	if err := q.modifyToInit(); err != nil {
		return err
	}
	if err := q.modifyToRTR(remote); err != nil {
		return err
	}
	if err := q.modifyToRTS(); err != nil {
		return err
	}
	q.remote = &remote

	log.Info().
		Str("device", q.pd.ctx.name).
		Str("type", q.qpType.String()).
		Uint32("qpn", q.qpn).
		Str("remote", remote.String()).
		Msg("Queue pair connected")
	return nil
}

func (q *QueuePair) modifyToInit() error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_INIT
	attr.pkey_index = 0
	attr.port_num = C.uint8_t(q.pd.ctx.port)
	mask := C.IBV_QP_STATE | C.IBV_QP_PKEY_INDEX | C.IBV_QP_PORT
	switch q.qpType {
	case verbs.QPTypeUD:
		attr.qkey = C.uint32_t(q.qkey)
		mask |= C.IBV_QP_QKEY
	case verbs.QPTypeRC:
		attr.qp_access_flags = C.uint(verbs.AccessAll)
		mask |= C.IBV_QP_ACCESS_FLAGS
	case verbs.QPTypeUC:
		attr.qp_access_flags = C.uint(verbs.AccessLocalWrite | verbs.AccessRemoteWrite)
		mask |= C.IBV_QP_ACCESS_FLAGS
	}
	return q.modify(&attr, C.int(mask), verbs.QPStateInit)
}

func (q *QueuePair) modifyToRTR(remote verbs.Endpoint) error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTR
	if q.qpType == verbs.QPTypeUD {
		return q.modify(&attr, C.IBV_QP_STATE, verbs.QPStateRTR)
	}

	mtu := q.pd.ctx.portAttr.ActiveMTU
	if remote.MTU != 0 && remote.MTU < mtu {
		mtu = remote.MTU
	}
	attr.path_mtu = C.enum_ibv_mtu(mtu)
	attr.dest_qp_num = C.uint32_t(remote.QPN)
	attr.rq_psn = C.uint32_t(remote.PSN & verbs.PSNMask)
	attr.ah_attr.dlid = C.uint16_t(remote.LID)
	attr.ah_attr.sl = 0
	attr.ah_attr.src_path_bits = 0
	attr.ah_attr.port_num = C.uint8_t(q.pd.ctx.port)
	if !remote.GID.IsZero() {
		attr.ah_attr.is_global = 1
		*(*verbs.Gid)(unsafe.Pointer(&attr.ah_attr.grh.dgid)) = remote.GID
		attr.ah_attr.grh.sgid_index = C.uint8_t(q.pd.ctx.gidIndex)
		attr.ah_attr.grh.hop_limit = 255
	}
	mask := C.IBV_QP_STATE | C.IBV_QP_AV | C.IBV_QP_PATH_MTU | C.IBV_QP_DEST_QPN | C.IBV_QP_RQ_PSN
	if q.qpType == verbs.QPTypeRC {
		attr.max_dest_rd_atomic = 1
		attr.min_rnr_timer = 12
		mask |= C.IBV_QP_MAX_DEST_RD_ATOMIC | C.IBV_QP_MIN_RNR_TIMER
	}
	return q.modify(&attr, C.int(mask), verbs.QPStateRTR)
}

func (q *QueuePair) modifyToRTS() error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTS
	attr.sq_psn = C.uint32_t(q.psn)
	mask := C.IBV_QP_STATE | C.IBV_QP_SQ_PSN
	if q.qpType == verbs.QPTypeRC {
		attr.timeout = 14
		attr.retry_cnt = 7
		attr.rnr_retry = 7
		attr.max_rd_atomic = 1
		mask |= C.IBV_QP_TIMEOUT | C.IBV_QP_RETRY_CNT | C.IBV_QP_RNR_RETRY | C.IBV_QP_MAX_QP_RD_ATOMIC
	}
	return q.modify(&attr, C.int(mask), verbs.QPStateRTS)
}

func (q *QueuePair) modify(attr *C.struct_ibv_qp_attr, mask C.int, to verbs.QPState) error {
	if ret, errno := C.ibv_modify_qp(q.qp, attr, mask); ret != 0 {
		return fmt.Errorf("failed to modify QP %d to %s: %w", q.qpn, to, callError("ibv_modify_qp", int(ret), errno))
	}
	log.Debug().Str("device", q.pd.ctx.name).Uint32("qpn", q.qpn).Str("state", to.String()).Msg("QP state changed")
	return nil
}

// Reset returns the pair to RESET. Outstanding requests are discarded
// without completions and their regions released.
func (q *QueuePair) Reset() error {
	if q.closed.Load() {
		return fmt.Errorf("reset QP %d: %w", q.qpn, verbs.ErrClosed)
	}
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RESET
	if err := q.modify(&attr, C.IBV_QP_STATE, verbs.QPStateReset); err != nil {
		return err
	}
	q.remote = nil
	if n := q.sendTrack.Drain() + q.recvTrack.Drain(); n > 0 {
		log.Debug().Uint32("qpn", q.qpn).Int("discarded", n).Msg("Discarded outstanding work requests on reset")
	}
	return nil
}

// SetError moves the pair to ERR. Every outstanding request then completes
// with a flush error, which is the only way to cancel posted work.
func (q *QueuePair) SetError() error {
	if q.closed.Load() {
		return fmt.Errorf("set error on QP %d: %w", q.qpn, verbs.ErrClosed)
	}
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_ERR
	return q.modify(&attr, C.IBV_QP_STATE, verbs.QPStateErr)
}

// PostSend posts the requests as one chain in the given order. On
// rejection the returned *verbs.DeviceError names the first rejected
// request; the requests before it were accepted and will complete.
func (q *QueuePair) PostSend(wrs ...*verbs.SendWr) error {
	if len(wrs) == 0 {
		return nil
	}
	q.sendMu.Lock()
	defer q.sendMu.Unlock()
	if q.closed.Load() {
		return fmt.Errorf("post send on QP %d: %w", q.qpn, verbs.ErrClosed)
	}

	descs := q.sendDescs[:0]
	sges := q.sendSges[:0]
	for _, wr := range wrs {
		if err := q.checkSend(wr); err != nil {
			return err
		}
		d := wr.Descriptor()
		descs = append(descs, C.struct_rv_send_desc{
			wr_id:       C.uint64_t(d.WrID),
			remote_addr: C.uint64_t(d.RemoteAddr),
			ah:          (*C.struct_ibv_ah)(d.AH),
			opcode:      C.uint32_t(d.Opcode),
			send_flags:  C.uint32_t(d.Flags),
			imm_data:    C.uint32_t(d.Imm),
			rkey:        C.uint32_t(d.RKey),
			remote_qpn:  C.uint32_t(d.RemoteQPN),
			remote_qkey: C.uint32_t(d.RemoteQKey),
			num_sge:     C.uint32_t(len(d.SGL)),
		})
		sges = append(sges, d.SGL...)
	}
	q.sendDescs, q.sendSges = descs, sges

	for i, wr := range wrs {
		if err := q.sendTrack.Push(wr.WrID(), q.sigAll || wr.Signaled(), wr.Regions()); err != nil {
			q.sendTrack.Rollback(i)
			return err
		}
	}
	var bad C.int
	ret := C.rv_post_send(q.qp, &descs[0], C.int(len(descs)), sgePtr(sges), &bad)
	if ret != 0 {
		b := max(int(bad), 0)
		q.sendTrack.Rollback(len(wrs) - b)
		return verbs.NewDeviceError("ibv_post_send", int(ret), b)
	}
	if e := log.Trace(); e.Enabled() {
		e.Uint32("qpn", q.qpn).Int("count", len(wrs)).Uint64("first_wr_id", wrs[0].WrID()).Msg("Posted send requests")
	}
	return nil
}

func (q *QueuePair) checkSend(wr *verbs.SendWr) error {
	switch det := wr.Details().(type) {
	case nil:
		return fmt.Errorf("work request %d has no operation", wr.WrID())
	case verbs.SendTo:
		if q.qpType != verbs.QPTypeUD {
			return fmt.Errorf("send-to on %s QP %d: %w", q.qpType, q.qpn, verbs.ErrTransportMismatch)
		}
		if det.Peer.AH == nil {
			return fmt.Errorf("work request %d on UD QP %d: %w", wr.WrID(), q.qpn, verbs.ErrPeerRequired)
		}
	case verbs.Read:
		if q.qpType == verbs.QPTypeUC {
			return fmt.Errorf("read on UC QP %d: %w", q.qpn, verbs.ErrTransportMismatch)
		}
		if q.qpType == verbs.QPTypeUD {
			return fmt.Errorf("work request %d on UD QP %d: %w", wr.WrID(), q.qpn, verbs.ErrPeerRequired)
		}
	default:
		if q.qpType == verbs.QPTypeUD {
			return fmt.Errorf("work request %d on UD QP %d: %w", wr.WrID(), q.qpn, verbs.ErrPeerRequired)
		}
	}
	return nil
}

// PostRecv posts receive buffers as one chain in the given order.
func (q *QueuePair) PostRecv(wrs ...*verbs.RecvWr) error {
	if len(wrs) == 0 {
		return nil
	}
	q.recvMu.Lock()
	defer q.recvMu.Unlock()
	if q.closed.Load() {
		return fmt.Errorf("post recv on QP %d: %w", q.qpn, verbs.ErrClosed)
	}

	descs := q.recvDescs[:0]
	sges := q.recvSges[:0]
	for _, wr := range wrs {
		d := wr.Descriptor()
		descs = append(descs, C.struct_rv_recv_desc{
			wr_id:   C.uint64_t(d.WrID),
			num_sge: C.uint32_t(len(d.SGL)),
		})
		sges = append(sges, d.SGL...)
	}
	q.recvDescs, q.recvSges = descs, sges

	for i, wr := range wrs {
		if err := q.recvTrack.Push(wr.WrID(), true, wr.Regions()); err != nil {
			q.recvTrack.Rollback(i)
			return err
		}
	}
	var bad C.int
	ret := C.rv_post_recv(q.qp, &descs[0], C.int(len(descs)), sgePtr(sges), &bad)
	if ret != 0 {
		b := max(int(bad), 0)
		q.recvTrack.Rollback(len(wrs) - b)
		return verbs.NewDeviceError("ibv_post_recv", int(ret), b)
	}
	if e := log.Trace(); e.Enabled() {
		e.Uint32("qpn", q.qpn).Int("count", len(wrs)).Uint64("first_wr_id", wrs[0].WrID()).Msg("Posted receive requests")
	}
	return nil
}

func sgePtr(sges []verbs.Sge) *C.struct_ibv_sge {
	if len(sges) == 0 {
		return nil
	}
	return (*C.struct_ibv_sge)(unsafe.Pointer(&sges[0]))
}

// Write posts a one-sided write of local into remote.
func (q *QueuePair) Write(local []verbs.MrSlice, remote verbs.RemoteSlice, wrID uint64, imm verbs.Imm, signal bool) error {
	return q.PostSend(verbs.NewSendWr(local, wrID, signal, verbs.Write{Remote: remote, Imm: imm}))
}

// Read posts a one-sided read of remote into local.
func (q *QueuePair) Read(local []verbs.MrSlice, remote verbs.RemoteSlice, wrID uint64, signal bool) error {
	return q.PostSend(verbs.NewSendWr(local, wrID, signal, verbs.Read{Remote: remote}))
}

// Send posts a two-sided send on a connected pair.
func (q *QueuePair) Send(local []verbs.MrSlice, wrID uint64, imm verbs.Imm, signal bool) error {
	return q.PostSend(verbs.NewSendWr(local, wrID, signal, verbs.Send{Imm: imm}))
}

// SendTo posts a datagram to peer.
func (q *QueuePair) SendTo(local []verbs.MrSlice, peer verbs.Peer, wrID uint64, imm verbs.Imm, signal bool) error {
	return q.PostSend(verbs.NewSendWr(local, wrID, signal, verbs.SendTo{Peer: peer, Imm: imm}))
}

// Recv posts one receive buffer.
func (q *QueuePair) Recv(local []verbs.MrSlice, wrID uint64) error {
	return q.PostRecv(verbs.NewRecvWr(local, wrID))
}

// CreateAH resolves an address handle towards remote for datagram sends.
func (q *QueuePair) CreateAH(remote verbs.Endpoint) (*AddressHandle, error) {
	return q.pd.CreateAH(remote, 0)
}

// Close moves the pair to ERR, destroys it and releases every region its
// outstanding requests still pin. Later posts fail with verbs.ErrClosed.
func (q *QueuePair) Close() error {
	q.sendMu.Lock()
	defer q.sendMu.Unlock()
	q.recvMu.Lock()
	defer q.recvMu.Unlock()
	if q.closed.Swap(true) {
		return nil
	}

	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_ERR
	if ret, errno := C.ibv_modify_qp(q.qp, &attr, C.IBV_QP_STATE); ret != 0 {
		log.Warn().Uint32("qpn", q.qpn).Err(callError("ibv_modify_qp", int(ret), errno)).Msg("Failed to move QP to ERR before destroy")
	}
	q.scq.detach(q.qpn)
	if q.rcq != q.scq {
		q.rcq.detach(q.qpn)
	}
	if ret, errno := C.ibv_destroy_qp(q.qp); ret != 0 {
		return fmt.Errorf("failed to destroy QP %d: %w", q.qpn, callError("ibv_destroy_qp", int(ret), errno))
	}
	q.qp = nil
	n := q.sendTrack.Drain() + q.recvTrack.Drain()
	log.Debug().Str("device", q.pd.ctx.name).Uint32("qpn", q.qpn).Int("discarded", n).Msg("Destroyed queue pair")
	q.pd.ctx.release()
	return nil
}

// AddressHandle is a resolved route to a datagram peer.
type AddressHandle struct {
	pd     *ProtectionDomain
	ah     *C.struct_ibv_ah
	remote verbs.Endpoint
	once   sync.Once
}

// CreateAH creates an address handle towards remote. A zero GID addresses
// the peer by LID only.
func (p *ProtectionDomain) CreateAH(remote verbs.Endpoint, flowLabel uint32) (*AddressHandle, error) {
	var attr C.struct_ibv_ah_attr
	attr.dlid = C.uint16_t(remote.LID)
	attr.port_num = C.uint8_t(p.ctx.port)
	if !remote.GID.IsZero() {
		attr.is_global = 1
		attr.grh.flow_label = C.uint32_t(flowLabel)
		attr.grh.sgid_index = C.uint8_t(p.ctx.gidIndex)
		attr.grh.hop_limit = 255
		attr.grh.traffic_class = 0
		*(*verbs.Gid)(unsafe.Pointer(&attr.grh.dgid)) = remote.GID
	}
	ah, errno := C.ibv_create_ah(p.pd, &attr)
	if ah == nil {
		return nil, fmt.Errorf("failed to create address handle to %s: %w", remote, nilError("ibv_create_ah", errno))
	}
	log.Trace().Str("device", p.ctx.name).Str("remote", remote.String()).Uint32("flow_label", flowLabel).Msg("Created address handle")
	return &AddressHandle{pd: p, ah: ah, remote: remote}, nil
}

func (h *AddressHandle) Remote() verbs.Endpoint { return h.remote }

// Peer addresses queue pair qpn behind this handle. A zero qkey takes the
// QKey advertised in the remote endpoint.
func (h *AddressHandle) Peer(qpn, qkey uint32) verbs.Peer {
	if qkey == 0 {
		qkey = h.remote.QKey
	}
	return verbs.Peer{AH: unsafe.Pointer(h.ah), QPN: qpn, QKey: qkey}
}

// Close destroys the handle. Requests still referencing it must have
// completed.
func (h *AddressHandle) Close() error {
	var err error
	h.once.Do(func() {
		if ret, errno := C.ibv_destroy_ah(h.ah); ret != 0 {
			err = fmt.Errorf("failed to destroy address handle: %w", callError("ibv_destroy_ah", int(ret), errno))
		}
	})
	return err
}
