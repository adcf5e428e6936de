package linux

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/XC-/btctl"
	"github.com/XC-/btctl/linux/internal/mgmt"
	"github.com/XC-/btctl/linux/internal/socket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MgmtStatusError is a non-zero management command status.
type MgmtStatusError struct {
	Op     mgmt.Opcode
	Status uint8
}

func (e MgmtStatusError) Error() string {
	return fmt.Sprintf("%s: %s (0x%02X)", e.Op, mgmt.StatusName(e.Status), e.Status)
}

// Is maps the statuses that have a result error of their own.
func (e MgmtStatusError) Is(target error) bool {
	switch e.Status {
	case mgmt.StatusAlreadyPaired:
		return target == btctl.ErrAlreadyPaired
	case mgmt.StatusNotPaired:
		return target == btctl.ErrNotPaired
	case mgmt.StatusBusy:
		return target == btctl.ErrInProgress
	case mgmt.StatusNotConnected, mgmt.StatusDisconnected:
		return target == btctl.ErrNotConnected
	case mgmt.StatusTimeout:
		return target == btctl.ErrTimedOut
	case mgmt.StatusNotSupported, mgmt.StatusUnknownCommand:
		return target == btctl.ErrNotSupported
	case mgmt.StatusNotPowered, mgmt.StatusInvalidIndex, mgmt.StatusRFKilled:
		return target == btctl.ErrUnavailable
	}
	return false
}

type mgmtPkt struct {
	op   mgmt.Opcode
	done chan result
}

// ManagementSocket issues commands on the kernel management channel for
// one controller.
type ManagementSocket struct {
	index uint16
	log   *logrus.Entry
	d     io.ReadWriteCloser

	xmu      sync.Mutex
	mu       sync.Mutex
	sent     []*mgmtPkt
	handlers map[mgmt.EventCode]func([]byte) error
	done     chan struct{}

	dmu         sync.Mutex
	discovering bool
	discType    uint8
}

// OpenManagement opens the management channel for controller index.
func OpenManagement(index uint16, l *logrus.Entry) (*ManagementSocket, error) {
	s, err := socket.Open(socket.DevNone, socket.ChannelControl)
	if err != nil {
		return nil, err
	}
	return newManagementSocket(index, s, l), nil
}

func newManagementSocket(index uint16, d io.ReadWriteCloser, l *logrus.Entry) *ManagementSocket {
	if l == nil {
		l = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &ManagementSocket{
		index: index,
		log:   l.WithField("component", "mgmt"),
		d:     d,
		done:  make(chan struct{}),
	}
	m.handlers = map[mgmt.EventCode]func([]byte) error{
		mgmt.CommandComplete:    m.handleCommandComplete,
		mgmt.CommandStatus:      m.handleCommandStatus,
		mgmt.ControllerError:    m.handleControllerError,
		mgmt.DeviceConnected:    m.handleDeviceConnected,
		mgmt.DeviceDisconnected: m.handleDeviceDisconnected,
		mgmt.Discovering:        m.handleDiscovering,
		mgmt.NewIRK:             m.handleNewIRK,
		mgmt.NewConnParam:       m.handleNewConnParam,
	}
	go m.loop()
	return m
}

func (m *ManagementSocket) loop() {
	defer close(m.done)
	b := make([]byte, 1024)
	for {
		n, err := m.d.Read(b)
		if err != nil {
			if err != io.EOF {
				m.log.WithError(err).Warn("reader stopped")
			}
			m.abort(errors.Wrap(btctl.ErrUnavailable, "management socket closed"))
			return
		}
		if n == 0 {
			continue
		}
		if err := m.dispatch(append([]byte(nil), b[:n]...)); err != nil {
			m.log.WithError(err).Debugf("event [ % X ]", b[:n])
		}
	}
}

func (m *ManagementSocket) dispatch(b []byte) error {
	var h mgmt.Header
	if err := h.Unmarshal(b); err != nil {
		return err
	}
	if h.Index != m.index && h.Index != mgmt.IndexNone {
		return nil
	}
	code := mgmt.EventCode(h.Code)
	b = b[mgmt.HeaderLen:]
	f, ok := m.handlers[code]
	if !ok {
		m.log.Tracef("> MGMT Event: %s [ % X ]", code, b)
		return nil
	}
	m.log.Tracef("> MGMT Event: %s plen %d", code, h.Len)
	return f(b)
}

// Close stops the reader and waits up to timeout for it to exit.
func (m *ManagementSocket) Close(timeout time.Duration) error {
	err := m.d.Close()
	select {
	case <-m.done:
	case <-time.After(timeout):
		return errors.Wrap(btctl.ErrTimedOut, "management reader did not stop")
	}
	return err
}

func (m *ManagementSocket) abort(err error) {
	m.mu.Lock()
	sent := m.sent
	m.sent = nil
	m.mu.Unlock()
	for _, p := range sent {
		p.done <- result{err: err}
	}
}

func (m *ManagementSocket) take(op mgmt.Opcode) *mgmtPkt {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.sent {
		if p.op == op {
			m.sent = append(m.sent[:i], m.sent[i+1:]...)
			return p
		}
	}
	return nil
}

func (m *ManagementSocket) remove(p *mgmtPkt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, q := range m.sent {
		if q == p {
			m.sent = append(m.sent[:i], m.sent[i+1:]...)
			return
		}
	}
}

// Exchange sends c and waits for its Command Complete.
func (m *ManagementSocket) Exchange(timeout time.Duration, c mgmt.Command) ([]byte, error) {
	m.xmu.Lock()
	defer m.xmu.Unlock()

	p := &mgmtPkt{op: c.Opcode(), done: make(chan result, 1)}
	m.mu.Lock()
	m.sent = append(m.sent, p)
	m.mu.Unlock()

	raw := mgmt.Packet(m.index, c)
	m.log.Tracef("< MGMT Command: %s [ % X ]", c.Opcode(), raw[mgmt.HeaderLen:])
	if _, err := m.d.Write(raw); err != nil {
		m.remove(p)
		return nil, errors.Wrapf(err, "send %s", c.Opcode())
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-p.done:
		return r.params, r.err
	case <-t.C:
		m.remove(p)
		return nil, errors.Wrapf(btctl.ErrTimedOut, "%s", c.Opcode())
	}
}

func (m *ManagementSocket) handleCommandComplete(b []byte) error {
	var ep mgmt.CommandCompleteEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	p := m.take(ep.Opcode)
	if p == nil {
		m.log.Tracef("unmatched Command Complete for %s", ep.Opcode)
		return nil
	}
	r := result{params: append([]byte(nil), ep.Params...)}
	if ep.Status != mgmt.StatusSuccess {
		r.err = MgmtStatusError{Op: ep.Opcode, Status: ep.Status}
	}
	p.done <- r
	return nil
}

// A successful Command Status means the command is pending; its Command
// Complete follows.
func (m *ManagementSocket) handleCommandStatus(b []byte) error {
	var ep mgmt.CommandStatusEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	if ep.Status == mgmt.StatusSuccess {
		return nil
	}
	if p := m.take(ep.Opcode); p != nil {
		p.done <- result{err: MgmtStatusError{Op: ep.Opcode, Status: ep.Status}}
	}
	return nil
}

func (m *ManagementSocket) handleControllerError(b []byte) error {
	var ep mgmt.ControllerErrorEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	m.log.Warnf("controller error 0x%02X", ep.Code)
	return nil
}

func (m *ManagementSocket) handleDeviceConnected(b []byte) error {
	var ep mgmt.DeviceConnectedEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	m.log.WithField("address", mgmtAddress(ep.Address, ep.AddressType).String()).Debug("device connected")
	return nil
}

func (m *ManagementSocket) handleDeviceDisconnected(b []byte) error {
	var ep mgmt.DeviceDisconnectedEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	m.log.WithField("address", mgmtAddress(ep.Address, ep.AddressType).String()).Debugf("device disconnected, reason %d", ep.Reason)
	return nil
}

func (m *ManagementSocket) handleDiscovering(b []byte) error {
	var ep mgmt.DiscoveringEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	m.dmu.Lock()
	m.discovering = ep.Discovering
	if ep.Discovering {
		m.discType = ep.Type
	}
	m.dmu.Unlock()
	m.log.Debugf("discovering %t (type 0x%02X)", ep.Discovering, ep.Type)
	return nil
}

func (m *ManagementSocket) handleNewIRK(b []byte) error {
	var ep mgmt.NewIRKEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	m.log.WithField("address", mgmtAddress(ep.Address, ep.AddressType).String()).
		Debugf("new IRK, random address %s", btctl.NewAddress(ep.RandomAddr, btctl.LERandom))
	return nil
}

func (m *ManagementSocket) handleNewConnParam(b []byte) error {
	var ep mgmt.NewConnParamEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	m.log.WithField("address", mgmtAddress(ep.Address, ep.AddressType).String()).
		Debugf("connection parameters %d-%d latency %d timeout %d", ep.MinInterval, ep.MaxInterval, ep.Latency, ep.SupervisionTimeout)
	return nil
}

// Discovering reports whether the kernel runs a discovery on the controller.
func (m *ManagementSocket) Discovering() bool {
	m.dmu.Lock()
	defer m.dmu.Unlock()
	return m.discovering
}

// Discover starts or stops kernel discovery for the selected transports.
func (m *ManagementSocket) Discover(timeout time.Duration, enable, lowEnergy, regular bool) error {
	var typ uint8
	if regular {
		typ |= mgmt.DiscoveryBREDR
	}
	if lowEnergy {
		typ |= mgmt.DiscoveryLE
	}
	var err error
	if enable {
		_, err = m.Exchange(timeout, mgmt.StartDiscovery{Type: typ})
	} else {
		_, err = m.Exchange(timeout, mgmt.StopDiscovery{Type: typ})
	}
	return err
}

// Power switches the controller on or off.
func (m *ManagementSocket) Power(timeout time.Duration, on bool) error {
	_, err := m.Exchange(timeout, mgmt.SetPowered{Powered: on})
	return err
}

// Pair pairs with a. A running discovery is suspended for the duration and
// resumed afterwards; a failed resume is only logged.
func (m *ManagementSocket) Pair(timeout, pairTimeout time.Duration, a btctl.Address, c btctl.Capability) error {
	m.dmu.Lock()
	suspended, typ := m.discovering, m.discType
	m.dmu.Unlock()

	if suspended {
		if _, err := m.Exchange(timeout, mgmt.StopDiscovery{Type: typ}); err != nil {
			m.log.WithError(err).Debug("suspend discovery")
		}
	}

	_, err := m.Exchange(pairTimeout, mgmt.PairDevice{
		Address:      a.Wire(),
		AddressType:  uint8(a.Type()),
		IOCapability: uint8(c),
	})
	if errors.Is(err, btctl.ErrTimedOut) {
		m.Exchange(timeout, mgmt.CancelPairDevice{Address: a.Wire(), AddressType: uint8(a.Type())})
	}

	if suspended {
		if _, rerr := m.Exchange(timeout, mgmt.StartDiscovery{Type: typ}); rerr != nil {
			m.log.WithError(rerr).Warn("resume discovery")
		}
	}
	return err
}

// Unpair removes the bond with a and drops its connection.
func (m *ManagementSocket) Unpair(timeout time.Duration, a btctl.Address) error {
	_, err := m.Exchange(timeout, mgmt.UnpairDevice{
		Address:     a.Wire(),
		AddressType: uint8(a.Type()),
		Disconnect:  true,
	})
	return err
}

func mgmtAddress(b [6]byte, typ uint8) btctl.Address {
	return btctl.NewAddress(b, btctl.AddressType(typ))
}
