package verbs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNewDeviceError(t *testing.T) {
	assert.NoError(t, NewDeviceError("ibv_post_send", 0, -1))

	err := NewDeviceError("ibv_post_send", int(unix.ENOMEM), 3)
	var derr *DeviceError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, 3, derr.BadIndex)
	assert.Equal(t, unix.ENOMEM, derr.Errno)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.ErrorIs(t, err, unix.ENOMEM)
	assert.Contains(t, err.Error(), "request 3")

	wrapped := fmt.Errorf("posting batch: %w", err)
	assert.ErrorIs(t, wrapped, ErrQueueFull)
}

func TestNewDeviceErrorNegated(t *testing.T) {
	err := NewDeviceError("ibv_modify_qp", -int(unix.EINVAL), -1)
	assert.ErrorIs(t, err, unix.EINVAL)
	assert.False(t, errors.Is(err, ErrQueueFull))
	assert.NotContains(t, err.Error(), "request")
}

func TestCompletionErr(t *testing.T) {
	wc := Completion{WrID: 1, Status: WCSuccess}
	assert.NoError(t, wc.Err())
	assert.True(t, wc.OK())

	wc = Completion{WrID: 9, Status: WCWRFlushErr, VendorErr: 0xf5}
	err := wc.Err()
	var cerr *CompletionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, uint64(9), cerr.WrID)
	assert.Contains(t, err.Error(), "Work Request Flushed Error")
}

func TestCompletionImm(t *testing.T) {
	wc := Completion{ImmData: 0x01020304, Flags: WCWithImm | WCGRH}
	v, ok := wc.Imm()
	assert.True(t, ok)
	assert.Equal(t, uint32(0x01020304), v)
	assert.True(t, wc.HasGRH())

	wc = Completion{}
	_, ok = wc.Imm()
	assert.False(t, ok)
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "success", WCSuccess.String())
	assert.Equal(t, "remote access error", WCRemAccessErr.String())
	assert.Equal(t, "general error", WCGeneralErr.String())
	assert.Equal(t, "unknown status (99)", WCStatus(99).String())
	assert.Equal(t, "RDMA_WRITE_WITH_IMM", WRRDMAWriteWithImm.String())
	assert.Equal(t, "RECV_RDMA_WITH_IMM", WCRecvRDMAWithImm.String())
	assert.Equal(t, "ACTIVE", PortActive.String())
	assert.Equal(t, "RTS", QPStateRTS.String())
	assert.Equal(t, "Ethernet", LinkLayerEthernet.String())
}

func TestWCStatusFatal(t *testing.T) {
	assert.False(t, WCSuccess.Fatal())
	for s := WCLocLenErr; s <= WCGeneralErr; s++ {
		assert.True(t, s.Fatal(), s.String())
	}
}

func TestWCOpcodeIsRecv(t *testing.T) {
	assert.True(t, WCRecv.IsRecv())
	assert.True(t, WCRecvRDMAWithImm.IsRecv())
	assert.False(t, WCSend.IsRecv())
	assert.False(t, WCRDMARead.IsRecv())
}

func TestMTU(t *testing.T) {
	sizes := map[MTU]int{MTU256: 256, MTU512: 512, MTU1024: 1024, MTU2048: 2048, MTU4096: 4096}
	for code, n := range sizes {
		assert.Equal(t, n, code.Bytes())
		back, err := MTUFromBytes(n)
		require.NoError(t, err)
		assert.Equal(t, code, back)
	}
	assert.Panics(t, func() { MTU(0).Bytes() })
	assert.Panics(t, func() { MTU(6).Bytes() })
	_, err := MTUFromBytes(1500)
	assert.Error(t, err)
}

func TestParseQPType(t *testing.T) {
	for in, want := range map[string]QPType{"RC": QPTypeRC, "uc": QPTypeUC, "UD": QPTypeUD} {
		got, err := ParseQPType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseQPType("XRC")
	assert.Error(t, err)
}

func TestAccessString(t *testing.T) {
	assert.Equal(t, "NONE", Access(0).String())
	assert.Equal(t, "LOCAL_WRITE|REMOTE_READ", (AccessLocalWrite | AccessRemoteRead).String())
	assert.Equal(t, "LOCAL_WRITE|REMOTE_WRITE|REMOTE_READ|REMOTE_ATOMIC", AccessAll.String())
	assert.Equal(t, "REMOTE_WRITE|0x40", (AccessRemoteWrite | Access(0x40)).String())
}
