package linux

import (
	"context"
	"sync"
	"time"

	"github.com/XC-/btctl"
	"github.com/XC-/btctl/internal/worker"
	"github.com/XC-/btctl/linux/internal/cmd"
	"github.com/XC-/btctl/linux/internal/event"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// noID marks a ControlSocket that is not bound to a controller.
const noID = -1

// LEParameters are the connection parameters requested by LE Create
// Connection, in controller units.
type LEParameters struct {
	IntervalMin        uint16 // 1.25 ms
	IntervalMax        uint16
	Latency            uint16
	SupervisionTimeout uint16 // 10 ms
}

// Config holds what a ControlSocket needs beyond its sockets.
type Config struct {
	ID                   uint16
	ExchangeTimeout      time.Duration
	CommunicationTimeout time.Duration
	PairTimeout          time.Duration
	ConnectTimeout       time.Duration
	LE                   LEParameters
}

// DefaultConfig returns the parameters used when none are configured.
func DefaultConfig() Config {
	return Config{
		ExchangeTimeout:      2 * time.Second,
		CommunicationTimeout: 5 * time.Second,
		PairTimeout:          20 * time.Second,
		ConnectTimeout:       10 * time.Second,
		LE: LEParameters{
			IntervalMin:        0x0006,
			IntervalMax:        0x000C,
			Latency:            0x0000,
			SupervisionTimeout: 0x01F4,
		},
	}
}

// ControlSocket is the Linux Administrator: it owns the HCI and management
// sockets of one controller and translates their events into device state.
type ControlSocket struct {
	cfg  Config
	pool *worker.Pool
	log  *logrus.Entry

	mu   sync.Mutex
	id   int
	reg  btctl.Registry
	hci  *HCISocket
	mgmt *ManagementSocket

	job        *worker.Job
	scanMode   btctl.ScanMode
	scanTime   time.Duration
	scanCancel context.CancelFunc
}

// NewControlSocket returns an unopened ControlSocket. Scans run on pool, or
// on a private single worker when pool is nil.
func NewControlSocket(cfg Config, pool *worker.Pool, l *logrus.Entry) *ControlSocket {
	if l == nil {
		l = logrus.NewEntry(logrus.StandardLogger())
	}
	if pool == nil {
		pool = worker.New(1, 1, l)
	}
	c := &ControlSocket{
		cfg:  cfg,
		pool: pool,
		log:  l.WithField("component", "control"),
		id:   noID,
	}
	c.job = worker.NewJob("scan", c.runScan)
	return c
}

// Open binds the management channel and then the HCI socket of the
// configured controller. Events are translated through reg.
func (c *ControlSocket) Open(reg btctl.Registry) error {
	m, err := OpenManagement(c.cfg.ID, c.log)
	if err != nil {
		return errors.Wrap(err, "open management socket")
	}
	h, err := OpenHCI(c.cfg.ID, c, c.log)
	if err != nil {
		m.Close(c.cfg.ExchangeTimeout)
		return errors.Wrapf(err, "open hci%d", c.cfg.ID)
	}
	c.attach(reg, h, m)

	// Extended inquiry results carry the remote name.
	if _, err := h.Exchange(c.cfg.ExchangeTimeout, cmd.WriteInquiryMode{InquiryMode: 0x02}, nil); err != nil {
		c.log.WithError(err).Debug("write inquiry mode")
	}
	c.log.Infof("hci%d opened", c.cfg.ID)
	return nil
}

func (c *ControlSocket) attach(reg btctl.Registry, h *HCISocket, m *ManagementSocket) {
	c.mu.Lock()
	c.reg, c.hci, c.mgmt = reg, h, m
	c.id = int(c.cfg.ID)
	c.mu.Unlock()
}

// Close revokes a queued scan, cancels a running one and closes both
// sockets.
func (c *ControlSocket) Close() error {
	c.StopScan()

	c.mu.Lock()
	h, m := c.hci, c.mgmt
	c.hci, c.mgmt, c.id = nil, nil, noID
	c.mu.Unlock()

	var err error
	if h != nil {
		err = h.Close(c.cfg.ExchangeTimeout)
	}
	if m != nil {
		if merr := m.Close(c.cfg.ExchangeTimeout); err == nil {
			err = merr
		}
	}
	return err
}

// ID returns the bound controller id, or -1.
func (c *ControlSocket) ID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *ControlSocket) sockets() (*HCISocket, *ManagementSocket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hci == nil {
		return nil, nil, errors.Wrap(btctl.ErrUnavailable, "control socket not open")
	}
	return c.hci, c.mgmt, nil
}

func (c *ControlSocket) registry() btctl.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg
}

// Administrator

func (c *ControlSocket) Connect(a btctl.Address) (uint16, uint8, error) {
	h, _, err := c.sockets()
	if err != nil {
		return btctl.InvalidHandle, 0, err
	}
	b, err := h.Exchange(c.cfg.ConnectTimeout, cmd.CreateConn{
		BDADDR:                 a.Wire(),
		PacketType:             0xCC18, // DM1 DH1 DM3 DH3 DM5 DH5
		PageScanRepetitionMode: 0x02,
		AllowRoleSwitch:        0x01,
	}, matchAddr(a.Wire(), 3))
	if err != nil {
		if errors.Is(err, btctl.ErrTimedOut) {
			h.Exchange(c.cfg.ExchangeTimeout, cmd.CreateConnCancel{BDADDR: a.Wire()}, nil)
		}
		return btctl.InvalidHandle, 0, err
	}
	var ep event.ConnectionCompleteEP
	if err := ep.Unmarshal(b); err != nil {
		return btctl.InvalidHandle, 0, err
	}
	return ep.ConnectionHandle & 0x0FFF, btctl.RoleMaster, nil
}

func (c *ControlSocket) ConnectLE(a btctl.Address) (uint16, uint8, error) {
	h, _, err := c.sockets()
	if err != nil {
		return btctl.InvalidHandle, 0, err
	}
	peerType := uint8(advAddrPublic)
	if a.Type() == btctl.LERandom {
		peerType = advAddrRandom
	}
	b, err := h.Exchange(c.cfg.ConnectTimeout, cmd.LECreateConn{
		LEScanInterval:     0x0060, // N x 0.625 ms
		LEScanWindow:       0x0030,
		PeerAddressType:    peerType,
		PeerAddress:        a.Wire(),
		ConnIntervalMin:    c.cfg.LE.IntervalMin,
		ConnIntervalMax:    c.cfg.LE.IntervalMax,
		ConnLatency:        c.cfg.LE.Latency,
		SupervisionTimeout: c.cfg.LE.SupervisionTimeout,
	}, matchAddr(a.Wire(), 6))
	if err != nil {
		if errors.Is(err, btctl.ErrTimedOut) {
			h.Exchange(c.cfg.ExchangeTimeout, cmd.LECreateConnCancel{}, nil)
		}
		return btctl.InvalidHandle, 0, err
	}
	var ep event.LEConnectionCompleteEP
	if err := ep.Unmarshal(b); err != nil {
		return btctl.InvalidHandle, 0, err
	}
	return ep.ConnectionHandle & 0x0FFF, ep.Role, nil
}

func (c *ControlSocket) Disconnect(handle uint16, reason uint8) error {
	h, _, err := c.sockets()
	if err != nil {
		return err
	}
	_, err = h.Exchange(c.cfg.ConnectTimeout, cmd.Disconnect{ConnectionHandle: handle, Reason: reason}, matchHandle(handle, 1))
	return err
}

func (c *ControlSocket) RemoteName(a btctl.Address, done func(string, error)) error {
	h, _, err := c.sockets()
	if err != nil {
		return err
	}
	return h.Send(c.cfg.ConnectTimeout, cmd.RemoteNameReq{
		BDADDR:                 a.Wire(),
		PageScanRepetitionMode: 0x02,
	}, matchAddr(a.Wire(), 1), func(b []byte, err error) {
		if err != nil {
			done("", err)
			return
		}
		var ep event.RemoteNameReqCompleteEP
		if err := ep.Unmarshal(b); err != nil {
			done("", err)
			return
		}
		done(ep.Name, nil)
	})
}

func (c *ControlSocket) Pair(a btctl.Address, capability btctl.Capability) error {
	_, m, err := c.sockets()
	if err != nil {
		return err
	}
	return m.Pair(c.cfg.ExchangeTimeout, c.cfg.PairTimeout, a, capability)
}

func (c *ControlSocket) Unpair(a btctl.Address) error {
	_, m, err := c.sockets()
	if err != nil {
		return err
	}
	return m.Unpair(c.cfg.ExchangeTimeout, a)
}

// Power switches the controller on or off through the management channel.
func (c *ControlSocket) Power(on bool) error {
	_, m, err := c.sockets()
	if err != nil {
		return err
	}
	return m.Power(c.cfg.ExchangeTimeout, on)
}

func (c *ControlSocket) DialATT(a btctl.Address) (btctl.AttributeClient, error) {
	if _, _, err := c.sockets(); err != nil {
		return nil, err
	}
	cl, err := dialATT(a, c.cfg.ConnectTimeout, c.cfg.CommunicationTimeout, c.log.WithField("address", a.String()))
	if err != nil {
		return nil, err
	}
	return cl, nil
}

// Scan queues one discovery run. A request while a run is queued or in
// progress is dropped.
func (c *ControlSocket) Scan(mode btctl.ScanMode, d time.Duration) bool {
	if _, _, err := c.sockets(); err != nil {
		c.log.WithError(err).Warn("scan")
		return false
	}
	if c.job.Busy() {
		return false
	}
	c.mu.Lock()
	c.scanMode, c.scanTime = mode, d
	c.mu.Unlock()
	return c.pool.Submit(c.job)
}

func (c *ControlSocket) StopScan() bool {
	revoked := c.pool.Revoke(c.job)
	c.mu.Lock()
	cancel := c.scanCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		return true
	}
	return revoked
}

func (c *ControlSocket) Scanning() bool { return c.job.Busy() }

func (c *ControlSocket) runScan(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	h := c.hci
	mode, d := c.scanMode, c.scanTime
	c.scanCancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.scanCancel = nil
		c.mu.Unlock()
	}()
	if h == nil {
		return
	}

	if mode&btctl.ScanRegular != 0 {
		if err := h.Scan(ctx, d, mode&btctl.ScanLimited != 0, c.cfg.ExchangeTimeout); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Warn("inquiry")
		}
	}
	if mode&btctl.ScanLowEnergy != 0 && ctx.Err() == nil {
		if err := h.ScanLE(ctx, d, mode&btctl.ScanPassive != 0, false, c.cfg.ExchangeTimeout); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Warn("LE scan")
		}
	}
	c.log.Debug("scan finished")
}

// EventSink

func (c *ControlSocket) Discovered(lowEnergy bool, a btctl.Address, name string) {
	if reg := c.registry(); reg != nil {
		reg.Discovered(lowEnergy, a, name)
	}
}

// Connected records the link and reads the remote features. BR/EDR links
// carry zero parameters.
func (c *ControlSocket) Connected(a btctl.Address, handle uint16, role uint8, p btctl.ConnectionParameters) {
	reg := c.registry()
	if reg == nil {
		return
	}
	d := reg.Find(a)
	if d == nil {
		d = reg.Discovered(a.Type().LowEnergy(), a, "")
	}
	d.SetLink(handle, role, p)

	h, _, err := c.sockets()
	if err != nil {
		return
	}
	var cp cmd.CmdParam = cmd.ReadRemoteFeatures{ConnectionHandle: handle}
	match := matchHandle(handle, 1)
	if d.LowEnergy() {
		cp = cmd.LEReadRemoteUsedFeatures{ConnectionHandle: handle}
		match = matchHandle(handle, 2)
	}
	err = h.Send(c.cfg.ConnectTimeout, cp, match, func(_ []byte, err error) {
		if err != nil {
			c.log.WithError(err).WithField("address", a.String()).Warn("read remote features")
		}
	})
	if err != nil {
		c.log.WithError(err).Warn("read remote features")
	}
}

func (c *ControlSocket) Disconnected(handle uint16, reason uint8) {
	if d := c.byHandle(handle); d != nil {
		c.log.WithField("address", d.Address().String()).Debugf("disconnected, reason 0x%02X", reason)
		d.SetConnection(btctl.InvalidHandle, 0)
	}
}

func (c *ControlSocket) Features(handle uint16, f []byte) {
	if d := c.byHandle(handle); d != nil {
		d.SetFeatures(f)
	}
}

func (c *ControlSocket) ConnectionUpdated(handle uint16, p btctl.ConnectionParameters) {
	if d := c.byHandle(handle); d != nil {
		d.SetConnectionParameters(p)
	}
}

func (c *ControlSocket) Capabilities(a btctl.Address, caps btctl.Capabilities) {
	if reg := c.registry(); reg != nil {
		if d := reg.Find(a); d != nil {
			d.SetCapabilities(caps)
		}
	}
}

func (c *ControlSocket) byHandle(handle uint16) *btctl.Device {
	reg := c.registry()
	if reg == nil {
		return nil
	}
	return reg.FindByHandle(handle)
}
