package btctl

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Action is the operation a device currently has in flight. At most one
// action runs per device.
type Action uint8

const (
	ActionIdle Action = iota
	ActionConnecting
	ActionDisconnecting
	ActionPairing
	ActionUnpairing
)

func (a Action) String() string {
	str := []string{
		"Idle",
		"Connecting",
		"Disconnecting",
		"Pairing",
		"Unpairing",
	}
	if int(a) < len(str) {
		return str[a]
	}
	return fmt.Sprintf("Action(%d)", uint8(a))
}

// DeviceCallback is notified after every effective change of a device.
type DeviceCallback interface {
	Updated()
}

// ConnectionParameters are the LE link parameters reported by the
// controller, in controller units.
type ConnectionParameters struct {
	Interval uint16 // 1.25 ms
	Latency  uint16 // connection events
	Timeout  uint16 // 10 ms
}

// Capabilities are the remote pairing capabilities from an IO Capability
// Response.
type Capabilities struct {
	IO             Capability
	Authentication uint8
	OOB            bool
}

// variant holds what differs between BR/EDR and LE devices.
type variant interface {
	connect(admin Administrator, a Address) (uint16, uint8, error)
	resolveName(d *Device)
}

// A Device is the state of one remote device as seen by the local
// controller.
type Device struct {
	admin  Administrator
	v      variant
	notify func(*Device)
	log    *logrus.Entry

	localID   uint16
	addr      Address
	lowEnergy bool
	public    bool

	mu              sync.Mutex
	name            string
	handle          uint16
	role            uint8
	params          ConnectionParameters
	caps            Capabilities
	features        [8]byte
	action          Action
	decoupled       bool
	metadataPending bool
	paired          bool
	callback        DeviceCallback
}

func newDevice(admin Administrator, localID uint16, a Address, lowEnergy bool, name string, l *logrus.Entry) *Device {
	if l == nil {
		l = logrus.NewEntry(logrus.StandardLogger())
	}
	d := &Device{
		admin:     admin,
		log:       l.WithFields(logrus.Fields{"component": "device", "address": a.String()}),
		localID:   localID,
		addr:      a,
		lowEnergy: lowEnergy,
		public:    a.Type() != LERandom,
		name:      name,
		handle:    InvalidHandle,
	}
	for i := range d.features {
		d.features[i] = 0xFF
	}
	if lowEnergy {
		d.v = lowEnergyDevice{}
	} else {
		d.v = regularDevice{}
	}
	return d
}

func (d *Device) LocalID() uint16  { return d.localID }
func (d *Device) Address() Address { return d.addr }
func (d *Device) LowEnergy() bool  { return d.lowEnergy }
func (d *Device) Public() bool     { return d.public }

func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// Handle returns the connection handle, or InvalidHandle.
func (d *Device) Handle() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle
}

func (d *Device) Role() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.role
}

func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle != InvalidHandle
}

func (d *Device) Paired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paired
}

func (d *Device) Action() Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.action
}

func (d *Device) Decoupled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.decoupled
}

// MetadataPending reports whether a name lookup is outstanding.
func (d *Device) MetadataPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metadataPending
}

func (d *Device) Features() [8]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.features
}

// IsDiscovered reports whether the remote features have been read.
func (d *Device) IsDiscovered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return discovered(d.features)
}

func discovered(f [8]byte) bool {
	return f[0] != 0xFF || f[1] != 0xFF || f[2] != 0xFF || f[3] != 0xFF
}

func (d *Device) ConnectionParameters() ConnectionParameters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.params
}

func (d *Device) Capabilities() Capabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

// SetCallback installs the single callback. A different callback already
// in place yields ErrInUse.
func (d *Device) SetCallback(cb DeviceCallback) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.callback != nil && d.callback != cb {
		return ErrInUse
	}
	d.callback = cb
	return nil
}

// RemoveCallback clears the callback if cb is the installed one.
func (d *Device) RemoveCallback(cb DeviceCallback) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.callback != cb {
		return ErrIllegalState
	}
	d.callback = nil
	return nil
}

// begin claims the action slot. check runs under the lock and may veto.
func (d *Device) begin(a Action, check func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.action != ActionIdle {
		return ErrInProgress
	}
	if check != nil {
		if err := check(); err != nil {
			return err
		}
	}
	d.action = a
	return nil
}

func (d *Device) end() {
	d.mu.Lock()
	d.action = ActionIdle
	d.mu.Unlock()
}

// Connect creates a connection to the device.
func (d *Device) Connect() error {
	err := d.begin(ActionConnecting, func() error {
		if d.handle != InvalidHandle {
			return ErrAlreadyConnected
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer d.end()

	handle, role, err := d.v.connect(d.admin, d.addr)
	if err != nil {
		d.log.WithError(err).Warn("connect failed")
		return err
	}
	d.SetConnection(handle, role)
	return nil
}

// Disconnect terminates the connection with the given HCI reason code.
func (d *Device) Disconnect(reason uint8) error {
	var handle uint16
	err := d.begin(ActionDisconnecting, func() error {
		if d.handle == InvalidHandle {
			return ErrNotConnected
		}
		handle = d.handle
		return nil
	})
	if err != nil {
		return err
	}
	defer d.end()

	if err := d.admin.Disconnect(handle, reason); err != nil {
		d.log.WithError(err).Warn("disconnect failed")
		return err
	}
	d.SetConnection(InvalidHandle, 0)
	return nil
}

// Pair bonds with the device using capability c.
func (d *Device) Pair(c Capability) error {
	err := d.begin(ActionPairing, func() error {
		if d.paired {
			return ErrAlreadyPaired
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer d.end()

	if err := d.admin.Pair(d.addr, c); err != nil {
		d.log.WithError(err).Warnf("pairing as %s failed", c)
		return err
	}
	d.SetPaired(true)
	return nil
}

// Unpair removes the bond.
func (d *Device) Unpair() error {
	err := d.begin(ActionUnpairing, func() error {
		if !d.paired {
			return ErrNotPaired
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer d.end()

	if err := d.admin.Unpair(d.addr); err != nil {
		d.log.WithError(err).Warn("unpair failed")
		return err
	}
	d.SetPaired(false)
	return nil
}

// Clear marks the device decoupled when it is neither connected, paired
// nor busy, and reports whether it is decoupled.
func (d *Device) Clear() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.decoupled {
		return true
	}
	if d.handle != InvalidHandle || d.paired || d.action != ActionIdle {
		return false
	}
	d.decoupled = true
	return true
}

// update applies f under the lock and, if f reports a change, notifies the
// callback and the registry after releasing it.
func (d *Device) update(f func() bool) {
	d.mu.Lock()
	changed := f()
	cb := d.callback
	d.mu.Unlock()

	if !changed {
		return
	}
	if cb != nil {
		cb.Updated()
	}
	if d.notify != nil {
		d.notify(d)
	}
}

func (d *Device) SetName(name string) {
	d.update(func() bool {
		d.metadataPending = false
		if name == "" || name == d.name {
			return false
		}
		d.name = name
		return true
	})
}

// SetFeatures stores up to 8 bytes of LMP or LE features.
func (d *Device) SetFeatures(b []byte) {
	d.update(func() bool {
		var f [8]byte
		copy(f[:], d.features[:])
		copy(f[:], b)
		if f == d.features {
			return false
		}
		d.features = f
		return true
	})
}

// SetConnection records a new connection handle and role. InvalidHandle
// marks the link as gone.
func (d *Device) SetConnection(handle uint16, role uint8) {
	d.setConnection(handle, role, nil)
}

// SetLink records a connection together with its parameters as a single
// change.
func (d *Device) SetLink(handle uint16, role uint8, p ConnectionParameters) {
	d.setConnection(handle, role, &p)
}

func (d *Device) setConnection(handle uint16, role uint8, p *ConnectionParameters) {
	d.update(func() bool {
		same := handle == d.handle && (handle == InvalidHandle || role == d.role)
		if same && (p == nil || handle == InvalidHandle || *p == d.params) {
			return false
		}
		d.handle, d.role = handle, role
		if handle == InvalidHandle {
			d.params = ConnectionParameters{}
			return true
		}
		d.decoupled = false
		if p != nil {
			d.params = *p
		}
		return true
	})
}

func (d *Device) SetConnectionParameters(p ConnectionParameters) {
	d.update(func() bool {
		if p == d.params {
			return false
		}
		d.params = p
		return true
	})
}

func (d *Device) SetCapabilities(c Capabilities) {
	d.update(func() bool {
		if c == d.caps {
			return false
		}
		d.caps = c
		return true
	})
}

func (d *Device) SetPaired(paired bool) {
	d.update(func() bool {
		if paired == d.paired {
			return false
		}
		d.paired = paired
		return true
	})
}

func (d *Device) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	kind := "BR/EDR"
	if d.lowEnergy {
		kind = "LE"
	}
	return fmt.Sprintf("%s [%s] %q handle=0x%04X paired=%t %s", d.addr, kind, d.name, d.handle, d.paired, d.action)
}
