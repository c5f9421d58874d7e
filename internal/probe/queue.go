// Package probe measures datagram round trips between queue pairs: a
// Responder answers every probe with two acknowledgements and a Prober
// derives network RTT and the processing delay on both ends from the six
// timestamps involved.
package probe

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rverbs/internal/rdma"
	"github.com/yuuki/rverbs/internal/verbs"
)

// recvSlotSize leaves room for the GRH the device writes ahead of every
// datagram.
const recvSlotSize = verbs.GRHSize + PacketSize

// sendFlag marks send wr_ids; receive wr_ids are the slot index.
const sendFlag uint64 = 1 << 63

func sendWrID(n uint64) uint64 { return sendFlag | n }
func isSend(wrID uint64) bool  { return wrID&sendFlag != 0 }

type ahKey struct {
	lid uint16
	gid verbs.Gid
}

// udQueue is a datagram queue pair with its own completion queue and one
// registered buffer split into receive and send slots.
type udQueue struct {
	pd        *rdma.ProtectionDomain
	cq        *rdma.CompletionQueue
	qp        *rdma.QueuePair
	mr        *rdma.MemoryRegion
	recvSlots int
	sendSlots int
	ahs       map[ahKey]*rdma.AddressHandle
}

func newUDQueue(pd *rdma.ProtectionDomain, recvSlots, sendSlots int) (_ *udQueue, err error) {
	if recvSlots <= 0 || sendSlots <= 0 {
		return nil, fmt.Errorf("datagram queue needs receive and send slots, got %d and %d", recvSlots, sendSlots)
	}
	u := &udQueue{pd: pd, recvSlots: recvSlots, sendSlots: sendSlots, ahs: make(map[ahKey]*rdma.AddressHandle)}
	defer func() {
		if err != nil {
			u.close()
		}
	}()

	if u.cq, err = pd.Context().CreateCQ(recvSlots + sendSlots); err != nil {
		return nil, err
	}
	u.qp, err = pd.CreateQP(rdma.QPConfig{
		Type:   verbs.QPTypeUD,
		SendCQ: u.cq,
		Caps:   rdma.QPCaps{MaxSendWR: sendSlots, MaxRecvWR: recvSlots},
	})
	if err != nil {
		return nil, err
	}
	if err = u.qp.Connect(u.qp.Endpoint()); err != nil {
		return nil, err
	}
	if u.mr, err = pd.Alloc(recvSlots*recvSlotSize+sendSlots*PacketSize, verbs.AccessLocalWrite); err != nil {
		return nil, err
	}
	for slot := range recvSlots {
		if err = u.postRecv(slot); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func (u *udQueue) Endpoint() verbs.Endpoint { return u.qp.Endpoint() }

func (u *udQueue) postRecv(slot int) error {
	s, err := u.mr.Slice(slot*recvSlotSize, recvSlotSize)
	if err != nil {
		return err
	}
	return u.qp.Recv([]verbs.MrSlice{s}, uint64(slot))
}

func (u *udQueue) sendOffset(slot int) int {
	return u.recvSlots*recvSlotSize + slot*PacketSize
}

// send posts p from send slot slot to peer. The slot must not be reused
// until the send completes.
func (u *udQueue) send(slot int, wrID uint64, p *Packet, peer verbs.Peer) error {
	off := u.sendOffset(slot)
	if err := p.MarshalTo(u.mr.Bytes()[off : off+PacketSize]); err != nil {
		return err
	}
	s, err := u.mr.Slice(off, PacketSize)
	if err != nil {
		return err
	}
	return u.qp.SendTo([]verbs.MrSlice{s}, peer, wrID, verbs.Imm{}, true)
}

// received decodes the datagram in the receive slot of wc and returns the
// sender's address. The slot may be reposted as soon as this returns.
func (u *udQueue) received(wc *verbs.Completion) (Packet, verbs.Endpoint, error) {
	slot := int(wc.WrID)
	if slot < 0 || slot >= u.recvSlots {
		return Packet{}, verbs.Endpoint{}, fmt.Errorf("receive completion for unknown slot %d", wc.WrID)
	}
	buf := u.mr.Bytes()[slot*recvSlotSize : (slot+1)*recvSlotSize]
	if int(wc.ByteLen) < verbs.GRHSize+PacketSize {
		return Packet{}, verbs.Endpoint{}, fmt.Errorf("datagram of %d bytes is too short for a probe", wc.ByteLen)
	}

	src := verbs.Endpoint{LID: wc.SLID, QPN: wc.SrcQP}
	if wc.HasGRH() {
		grh, err := verbs.ParseGRH(buf)
		if err != nil {
			return Packet{}, verbs.Endpoint{}, err
		}
		src.GID = grh.SGID
	}
	p, err := ParsePacket(buf[verbs.GRHSize:])
	if err != nil {
		return Packet{}, verbs.Endpoint{}, err
	}
	return p, src, nil
}

// addressHandle returns a cached handle towards the LID and GID of ep.
func (u *udQueue) addressHandle(ep verbs.Endpoint) (*rdma.AddressHandle, error) {
	key := ahKey{lid: ep.LID, gid: ep.GID}
	if ah, ok := u.ahs[key]; ok {
		return ah, nil
	}
	ah, err := u.pd.CreateAH(ep, 0)
	if err != nil {
		return nil, err
	}
	u.ahs[key] = ah
	return ah, nil
}

func (u *udQueue) close() error {
	var errs []error
	if u.qp != nil {
		errs = append(errs, u.qp.Close())
	}
	for key, ah := range u.ahs {
		errs = append(errs, ah.Close())
		delete(u.ahs, key)
	}
	if u.mr != nil {
		errs = append(errs, u.mr.Close())
	}
	if u.cq != nil {
		errs = append(errs, u.cq.Close())
	}
	err := errors.Join(errs...)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to release datagram queue")
	}
	return err
}
