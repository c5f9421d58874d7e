package verbs

import "unsafe"

// Imm is an optional 32-bit immediate value. The zero value carries nothing.
type Imm struct {
	value uint32
	valid bool
}

// WithImm attaches v as immediate data.
func WithImm(v uint32) Imm {
	return Imm{value: v, valid: true}
}

// Value returns the immediate and whether one is present.
func (i Imm) Value() (uint32, bool) {
	return i.value, i.valid
}

// Peer addresses a remote datagram queue pair.
type Peer struct {
	// AH is an opaque struct ibv_ah pointer owned by an rdma.AddressHandle.
	AH   unsafe.Pointer
	QPN  uint32
	QKey uint32
}

// SendDetails selects the operation of a send work request. The set of
// implementations is closed: Send, SendTo, Read and Write.
type SendDetails interface {
	sendDetails()
}

// Send is a two-sided send over a connected queue pair.
type Send struct {
	Imm Imm
}

// SendTo is a two-sided send to a datagram peer.
type SendTo struct {
	Peer Peer
	Imm  Imm
}

// Read is a one-sided read from remote memory. Reads never carry immediates.
type Read struct {
	Remote RemoteSlice
}

// Write is a one-sided write into remote memory.
type Write struct {
	Remote RemoteSlice
	Imm    Imm
}

func (Send) sendDetails() {}
func (SendTo) sendDetails() {}
func (Read) sendDetails() {}
func (Write) sendDetails() {}

// SendDescriptor is the flattened form of a send work request. Imm is in
// host byte order; the hardware boundary swaps it.
type SendDescriptor struct {
	WrID       uint64
	Opcode     WROpcode
	Flags      SendFlags
	Imm        uint32
	RemoteAddr uint64
	RKey       uint32
	AH         unsafe.Pointer
	RemoteQPN  uint32
	RemoteQKey uint32
	SGL        []Sge
}

// SendWr is a send-queue work request. It keeps the scatter-gather list and
// the regions behind it so a queue pair can pin them until completion.
type SendWr struct {
	wrID    uint64
	flags   SendFlags
	details SendDetails
	sgl     []Sge
	regions []Region
}

// NewSendWr builds a send work request over the given local slices.
func NewSendWr(local []MrSlice, wrID uint64, signal bool, details SendDetails) *SendWr {
	wr := &SendWr{
		wrID:    wrID,
		details: details,
		sgl:     BuildSGL(local),
		regions: regionsOf(local),
	}
	if signal {
		wr.flags |= SendSignaled
	}
	return wr
}

// Inline asks the device to copy the payload into the descriptor at post
// time. Only valid for sends and writes no larger than the queue pair's
// inline capacity.
func (w *SendWr) Inline() *SendWr {
	w.flags |= SendInline
	return w
}

// Solicited raises a solicited event at the receiver.
func (w *SendWr) Solicited() *SendWr {
	w.flags |= SendSolicited
	return w
}

// Fence waits for prior reads to finish before this request executes.
func (w *SendWr) Fence() *SendWr {
	w.flags |= SendFence
	return w
}

func (w *SendWr) WrID() uint64         { return w.wrID }
func (w *SendWr) Flags() SendFlags     { return w.flags }
func (w *SendWr) Signaled() bool       { return w.flags&SendSignaled != 0 }
func (w *SendWr) Details() SendDetails { return w.details }
func (w *SendWr) SGL() []Sge           { return w.sgl }
func (w *SendWr) Regions() []Region    { return w.regions }

// Descriptor selects the opcode and fills the per-operation union. The SGL
// is shared with the work request, not copied.
func (w *SendWr) Descriptor() SendDescriptor {
	d := SendDescriptor{
		WrID:  w.wrID,
		Flags: w.flags,
		SGL:   w.sgl,
	}
	switch det := w.details.(type) {
	case Send:
		fillOpcode(&d, det.Imm, WRSend, WRSendWithImm)
	case SendTo:
		d.AH = det.Peer.AH
		d.RemoteQPN = det.Peer.QPN
		d.RemoteQKey = det.Peer.QKey
		fillOpcode(&d, det.Imm, WRSend, WRSendWithImm)
	case Read:
		d.RemoteAddr = det.Remote.Addr
		d.RKey = det.Remote.RKey
		d.Opcode = WRRDMARead
	case Write:
		d.RemoteAddr = det.Remote.Addr
		d.RKey = det.Remote.RKey
		fillOpcode(&d, det.Imm, WRRDMAWrite, WRRDMAWriteWithImm)
	default:
		panic("verbs: send work request without details")
	}
	return d
}

func fillOpcode(d *SendDescriptor, imm Imm, op, opWithImm WROpcode) {
	if v, ok := imm.Value(); ok {
		d.Opcode = opWithImm
		d.Imm = v
		return
	}
	d.Opcode = op
}

// RecvDescriptor is the flattened form of a receive work request.
type RecvDescriptor struct {
	WrID uint64
	SGL  []Sge
}

// RecvWr is a receive-queue work request. Receives always complete with a
// completion entry.
type RecvWr struct {
	wrID    uint64
	sgl     []Sge
	regions []Region
}

func NewRecvWr(local []MrSlice, wrID uint64) *RecvWr {
	return &RecvWr{
		wrID:    wrID,
		sgl:     BuildSGL(local),
		regions: regionsOf(local),
	}
}

func (w *RecvWr) WrID() uint64      { return w.wrID }
func (w *RecvWr) SGL() []Sge        { return w.sgl }
func (w *RecvWr) Regions() []Region { return w.regions }

func (w *RecvWr) Descriptor() RecvDescriptor {
	return RecvDescriptor{WrID: w.wrID, SGL: w.sgl}
}

func regionsOf(local []MrSlice) []Region {
	regions := make([]Region, len(local))
	for i, s := range local {
		regions[i] = s.region
	}
	return regions
}
