package linux

import (
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/XC-/btctl"
	"github.com/XC-/btctl/linux/internal/cmd"
	"github.com/pkg/errors"
)

// testDevice is a channel-backed socket. Packets written by the code under
// test appear on writec; packets sent on readc are read back.
type testDevice struct {
	readc  chan []byte
	writec chan []byte
	closed chan struct{}
	once   sync.Once
}

func newTestDevice() *testDevice {
	return &testDevice{
		readc:  make(chan []byte, 16),
		writec: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (d *testDevice) Read(b []byte) (int, error) {
	select {
	case p := <-d.readc:
		return copy(b, p), nil
	case <-d.closed:
		return 0, io.EOF
	}
}

func (d *testDevice) Write(b []byte) (int, error) {
	select {
	case d.writec <- append([]byte(nil), b...):
		return len(b), nil
	case <-d.closed:
		return 0, io.EOF
	}
}

func (d *testDevice) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

func evt(code uint8, params ...byte) []byte {
	return append([]byte{typEventPkt, code, byte(len(params))}, params...)
}

func cmdComplete(op cmd.Opcode, rp ...byte) []byte {
	return evt(0x0E, append([]byte{0x01, byte(op), byte(op >> 8)}, rp...)...)
}

func cmdStatus(op cmd.Opcode, status uint8) []byte {
	return evt(0x0F, status, 0x01, byte(op), byte(op>>8))
}

func opcodeOf(b []byte) cmd.Opcode {
	return cmd.Opcode(binary.LittleEndian.Uint16(b[1:3]))
}

func (d *testDevice) expect(t *testing.T, op cmd.Opcode) []byte {
	t.Helper()
	select {
	case b := <-d.writec:
		if got := opcodeOf(b); got != op {
			t.Fatalf("command: got %s want %s", got, op)
		}
		return b
	case <-time.After(time.Second):
		t.Fatalf("no %s command", op)
	}
	return nil
}

func TestExchangeCommandComplete(t *testing.T) {
	dev := newTestDevice()
	h := newHCISocket(0, dev, nil, nil)
	defer h.Close(time.Second)

	go func() {
		b := <-dev.writec
		dev.readc <- cmdComplete(opcodeOf(b), 0x00, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11)
	}()
	a, err := h.ReadAddress(time.Second)
	if err != nil {
		t.Fatalf("ReadAddress: %v", err)
	}
	if got := a.String(); got != "11:22:33:44:55:66" {
		t.Errorf("ReadAddress: got %s", got)
	}
}

func TestCompleteResolvesOnlyMatchingOpcode(t *testing.T) {
	dev := newTestDevice()
	h := newHCISocket(0, dev, nil, nil)
	defer h.Close(time.Second)

	resA := make(chan error, 1)
	resB := make(chan error, 1)
	if err := h.Send(time.Second, cmd.ReadBDADDR{}, nil, func(_ []byte, err error) { resA <- err }); err != nil {
		t.Fatal(err)
	}
	if err := h.Send(time.Second, cmd.WriteScanEnable{ScanEnable: 0x03}, nil, func(_ []byte, err error) { resB <- err }); err != nil {
		t.Fatal(err)
	}
	dev.expect(t, cmd.OpReadBDADDR)
	dev.expect(t, cmd.OpWriteScanEnable)

	dev.readc <- cmdComplete(cmd.OpWriteScanEnable, 0x00)
	select {
	case err := <-resB:
		if err != nil {
			t.Errorf("B: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("B not resolved")
	}
	select {
	case err := <-resA:
		t.Fatalf("A resolved by a completion for B: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	dev.readc <- cmdComplete(cmd.OpReadBDADDR, 0x00, 1, 2, 3, 4, 5, 6)
	select {
	case err := <-resA:
		if err != nil {
			t.Errorf("A: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("A not resolved")
	}
}

func TestExchangeStatusError(t *testing.T) {
	dev := newTestDevice()
	h := newHCISocket(0, dev, nil, nil)
	defer h.Close(time.Second)

	go func() {
		b := <-dev.writec
		dev.readc <- cmdStatus(opcodeOf(b), 0x0C)
	}()
	_, err := h.Exchange(time.Second, cmd.Inquiry{LAP: cmd.GIAC, InquiryLength: 1}, nil)
	serr, ok := errors.Cause(err).(StatusError)
	if !ok {
		t.Fatalf("Exchange: got %v, want a StatusError", err)
	}
	if serr.Op != cmd.OpInquiry || serr.Status != 0x0C {
		t.Errorf("StatusError: got %+v", serr)
	}
}

func TestExchangeTimeout(t *testing.T) {
	dev := newTestDevice()
	h := newHCISocket(0, dev, nil, nil)
	defer h.Close(time.Second)

	_, err := h.Exchange(20*time.Millisecond, cmd.ReadBDADDR{}, nil)
	if !errors.Is(err, btctl.ErrTimedOut) {
		t.Fatalf("Exchange: got %v want %v", err, btctl.ErrTimedOut)
	}
	h.c.mu.Lock()
	n := len(h.c.sent)
	h.c.mu.Unlock()
	if n != 0 {
		t.Errorf("pending waiters after timeout: %d", n)
	}

	// A late answer is dropped and does not disturb the next exchange.
	dev.readc <- cmdComplete(cmd.OpReadBDADDR, 0x00, 1, 2, 3, 4, 5, 6)
	go func() {
		b := <-dev.writec // the timed out command
		b = <-dev.writec
		dev.readc <- cmdComplete(opcodeOf(b), 0x00)
	}()
	if _, err := h.Exchange(time.Second, cmd.WriteScanEnable{}, nil); err != nil {
		t.Errorf("Exchange after timeout: %v", err)
	}
}

func TestExchangeWaitsForCompletionEvent(t *testing.T) {
	dev := newTestDevice()
	h := newHCISocket(0, dev, nil, nil)
	defer h.Close(time.Second)

	const handle = 0x0042
	go func() {
		b := <-dev.writec
		dev.readc <- cmdStatus(opcodeOf(b), 0x00)
		// Another link goes down first.
		dev.readc <- evt(0x05, 0x00, 0x41, 0x00, 0x13)
		dev.readc <- evt(0x05, 0x00, handle, 0x00, 0x16)
	}()
	b, err := h.Exchange(time.Second, cmd.Disconnect{ConnectionHandle: handle, Reason: ReasonRemoteUser}, matchHandle(handle, 1))
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if len(b) != 4 || b[3] != 0x16 {
		t.Errorf("completion: got [% X]", b)
	}
}

func TestCloseFailsPending(t *testing.T) {
	dev := newTestDevice()
	h := newHCISocket(0, dev, nil, nil)

	res := make(chan error, 1)
	h.Send(time.Minute, cmd.ReadBDADDR{}, nil, func(_ []byte, err error) { res <- err })
	<-dev.writec
	if err := h.Close(time.Second); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-res:
		if !errors.Is(err, btctl.ErrUnavailable) {
			t.Errorf("pending after Close: got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending command not failed on Close")
	}
}

func TestInquiryLength(t *testing.T) {
	for _, tt := range []struct {
		d    time.Duration
		want uint8
	}{
		{0, 1},
		{time.Second, 1},
		{1280 * time.Millisecond, 1},
		{10 * time.Second, 8},
		{time.Hour, 0x30},
	} {
		if got := inquiryLength(tt.d); got != tt.want {
			t.Errorf("inquiryLength(%s): got %d want %d", tt.d, got, tt.want)
		}
	}
}
