package linux

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/XC-/btctl"
	"github.com/XC-/btctl/linux/internal/cmd"
	"github.com/XC-/btctl/linux/internal/event"
	"github.com/XC-/btctl/linux/internal/socket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// EventSink receives the controller events that change device state.
// Methods are called from the reader goroutine and must not block on HCI
// exchanges.
type EventSink interface {
	Discovered(lowEnergy bool, a btctl.Address, name string)
	Connected(a btctl.Address, handle uint16, role uint8, p btctl.ConnectionParameters)
	Disconnected(handle uint16, reason uint8)
	Features(handle uint16, features []byte)
	ConnectionUpdated(handle uint16, p btctl.ConnectionParameters)
	Capabilities(a btctl.Address, c btctl.Capabilities)
}

// HCISocket speaks the HCI command and event protocol over a raw socket.
type HCISocket struct {
	id   uint16
	sink EventSink
	log  *logrus.Entry

	d    io.ReadWriteCloser
	c    *commands
	e    *event.Event
	xmu  sync.Mutex
	done chan struct{}

	inqmu sync.Mutex
	inqc  chan struct{}
}

// OpenHCI binds a raw socket to controller id and starts reading events.
func OpenHCI(id uint16, sink EventSink, l *logrus.Entry) (*HCISocket, error) {
	s, err := socket.Open(id, socket.ChannelRaw)
	if err != nil {
		return nil, err
	}
	if err := s.SetFilter(socket.EventFilter()); err != nil {
		s.Close()
		return nil, err
	}
	return newHCISocket(id, s, sink, l), nil
}

func newHCISocket(id uint16, d io.ReadWriteCloser, sink EventSink, l *logrus.Entry) *HCISocket {
	if l == nil {
		l = logrus.NewEntry(logrus.StandardLogger())
	}
	l = l.WithField("component", "hci")
	h := &HCISocket{
		id:   id,
		sink: sink,
		log:  l,
		d:    d,
		c:    newCommands(d, l),
		e:    event.NewEvent(l),
		done: make(chan struct{}),
	}

	h.e.HandleEvent(event.CommandStatus, event.HandlerFunc(h.c.handleStatus))
	h.e.HandleEvent(event.CommandComplete, event.HandlerFunc(h.c.handleComplete))
	h.e.HandleEvent(event.InquiryResult, h.inquiryResult(event.InquiryResult))
	h.e.HandleEvent(event.InquiryResultWithRSSI, h.inquiryResult(event.InquiryResultWithRSSI))
	h.e.HandleEvent(event.ExtendedInquiryResult, h.inquiryResult(event.ExtendedInquiryResult))
	h.e.HandleEvent(event.InquiryComplete, event.HandlerFunc(h.handleInquiryComplete))
	h.e.HandleEvent(event.ConnectionComplete, event.HandlerFunc(h.handleConnectionComplete))
	h.e.HandleEvent(event.DisconnectionComplete, event.HandlerFunc(h.handleDisconnectionComplete))
	h.e.HandleEvent(event.RemoteNameReqComplete, event.HandlerFunc(h.handleRemoteNameReqComplete))
	h.e.HandleEvent(event.ReadRemoteSupportedFeaturesComplete, event.HandlerFunc(h.handleRemoteFeatures))
	h.e.HandleEvent(event.IOCapabilityResponse, event.HandlerFunc(h.handleIOCapabilityResponse))
	h.e.HandleEvent(event.LEMeta, event.HandlerFunc(h.handleLEMeta))

	go h.loop()
	return h
}

func (h *HCISocket) ID() uint16 { return h.id }

func (h *HCISocket) loop() {
	defer close(h.done)
	b := make([]byte, 4096)
	for {
		n, err := h.d.Read(b)
		if err != nil {
			if err != io.EOF {
				h.log.WithError(err).Warn("reader stopped")
			}
			h.c.abort(errors.Wrap(btctl.ErrUnavailable, "hci socket closed"))
			return
		}
		if n == 0 {
			continue
		}
		if b[0] != typEventPkt {
			h.log.Tracef("dropped packet type 0x%02X", b[0])
			continue
		}
		p := append([]byte(nil), b[1:n]...)
		if err := h.e.Dispatch(p); err != nil {
			h.log.WithError(err).Debugf("event [ % X ]", p)
		}
	}
}

// Close stops the reader and waits up to timeout for it to exit.
func (h *HCISocket) Close(timeout time.Duration) error {
	err := h.d.Close()
	select {
	case <-h.done:
	case <-time.After(timeout):
		return errors.Wrap(btctl.ErrTimedOut, "hci reader did not stop")
	}
	return err
}

// Up brings controller id up.
func Up(id uint16) error { return socket.Up(id) }

// Down takes controller id down.
func Down(id uint16) error { return socket.Down(id) }

// Exchange sends cp and waits for its outcome: the return parameters of
// Command Complete, or the parameters of the completion event accepted by
// match. One Exchange is outstanding per socket. It must not be called
// from an EventSink method.
func (h *HCISocket) Exchange(timeout time.Duration, cp cmd.CmdParam, match func([]byte) bool) ([]byte, error) {
	h.xmu.Lock()
	defer h.xmu.Unlock()

	p, err := h.c.send(cp, match)
	if err != nil {
		return nil, err
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-p.done:
		return r.params, r.err
	case <-t.C:
		h.c.remove(p)
		return nil, errors.Wrapf(btctl.ErrTimedOut, "%s", cp.Opcode())
	}
}

// Send sends cp without blocking on its outcome; f is called from another
// goroutine once the command finishes or timeout passes.
func (h *HCISocket) Send(timeout time.Duration, cp cmd.CmdParam, match func([]byte) bool, f func([]byte, error)) error {
	p, err := h.c.send(cp, match)
	if err != nil {
		return err
	}
	go func() {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case r := <-p.done:
			f(r.params, r.err)
		case <-t.C:
			h.c.remove(p)
			f(nil, errors.Wrapf(btctl.ErrTimedOut, "%s", cp.Opcode()))
		}
	}()
	return nil
}

// inquiryLength converts d to the 1.28 s units of the Inquiry command.
func inquiryLength(d time.Duration) uint8 {
	n := (d + 1280*time.Millisecond - 1) / (1280 * time.Millisecond)
	switch {
	case n < 1:
		return 1
	case n > 0x30:
		return 0x30
	}
	return uint8(n)
}

// Scan runs a classic inquiry for d or until ctx is done. Results reach the
// sink as they arrive.
func (h *HCISocket) Scan(ctx context.Context, d time.Duration, limited bool, timeout time.Duration) error {
	lap := cmd.GIAC
	if limited {
		lap = cmd.LIAC
	}
	inqc := make(chan struct{})
	h.inqmu.Lock()
	h.inqc = inqc
	h.inqmu.Unlock()
	defer func() {
		h.inqmu.Lock()
		h.inqc = nil
		h.inqmu.Unlock()
	}()

	if _, err := h.Exchange(timeout, cmd.Inquiry{LAP: lap, InquiryLength: inquiryLength(d)}, nil); err != nil {
		return err
	}
	h.log.Debugf("inquiry started for %s", d)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-inqc:
		return nil
	case <-t.C:
	case <-ctx.Done():
	}
	if _, err := h.Exchange(timeout, cmd.InquiryCancel{}, nil); err != nil {
		h.log.WithError(err).Debug("inquiry cancel")
	}
	return ctx.Err()
}

// ScanLE enables LE scanning for d or until ctx is done.
func (h *HCISocket) ScanLE(ctx context.Context, d time.Duration, passive, duplicates bool, timeout time.Duration) error {
	typ := uint8(0x01)
	if passive {
		typ = 0x00
	}
	filter := uint8(0x01)
	if duplicates {
		filter = 0x00
	}
	// Disallowed while a previous scan is still enabled; that is fine.
	h.Exchange(timeout, cmd.LESetScanEnable{LEScanEnable: 0x00}, nil)

	params := cmd.LESetScanParameters{
		LEScanType:     typ,
		LEScanInterval: 0x0010, // N x 0.625 ms
		LEScanWindow:   0x0010,
	}
	if _, err := h.Exchange(timeout, params, nil); err != nil {
		return err
	}
	if _, err := h.Exchange(timeout, cmd.LESetScanEnable{LEScanEnable: 0x01, FilterDuplicates: filter}, nil); err != nil {
		return err
	}
	h.log.Debugf("LE scan started for %s", d)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	if _, err := h.Exchange(timeout, cmd.LESetScanEnable{LEScanEnable: 0x00}, nil); err != nil {
		h.log.WithError(err).Warn("LE scan disable")
	}
	return ctx.Err()
}

// ReadAddress returns the public address of the controller.
func (h *HCISocket) ReadAddress(timeout time.Duration) (btctl.Address, error) {
	b, err := h.Exchange(timeout, cmd.ReadBDADDR{}, nil)
	if err != nil {
		return btctl.Address{}, err
	}
	var rp cmd.ReadBDADDRRP
	if err := rp.Unmarshal(b); err != nil {
		return btctl.Address{}, err
	}
	return btctl.NewAddress(rp.BDADDR, btctl.BREDR), nil
}

// matchAddr accepts completion events carrying a at offset off.
func matchAddr(a [6]byte, off int) func([]byte) bool {
	return func(b []byte) bool {
		return len(b) >= off+6 && bytes.Equal(b[off:off+6], a[:])
	}
}

// matchHandle accepts completion events carrying handle at offset off.
func matchHandle(handle uint16, off int) func([]byte) bool {
	return func(b []byte) bool {
		return len(b) >= off+2 && binary.LittleEndian.Uint16(b[off:])&0x0FFF == handle
	}
}
