package verbs

// Completion mirrors struct ibv_wc. ImmData is already in host byte order.
// For failed completions only WrID, Status, VendorErr and QPNum are defined.
type Completion struct {
	WrID         uint64
	Status       WCStatus
	Opcode       WCOpcode
	VendorErr    uint32
	ByteLen      uint32
	ImmData      uint32
	QPNum        uint32
	SrcQP        uint32
	Flags        WCFlags
	PKeyIndex    uint16
	SLID         uint16
	SL           uint8
	DLIDPathBits uint8
}

// Imm returns the immediate data and whether the sender attached any.
func (c *Completion) Imm() (uint32, bool) {
	return c.ImmData, c.Flags&WCWithImm != 0
}

func (c *Completion) OK() bool {
	return c.Status == WCSuccess
}

// HasGRH reports whether a datagram receive buffer starts with a GRH.
func (c *Completion) HasGRH() bool {
	return c.Flags&WCGRH != 0
}

// IsRecv is only meaningful for successful completions.
func (c *Completion) IsRecv() bool {
	return c.Opcode.IsRecv()
}

// Err returns a *CompletionError for a failed completion and nil otherwise.
func (c *Completion) Err() error {
	if c.OK() {
		return nil
	}
	return &CompletionError{
		WrID:      c.WrID,
		Status:    c.Status,
		VendorErr: c.VendorErr,
		Opcode:    c.Opcode,
	}
}
