package btctl

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

// An Observer is told about every device added to or changed in the
// registry. Observers are called with the registry lock held and must not
// call back into the Controller.
type Observer interface {
	Update(d *Device)
}

// Controller is the device registry of one local controller.
type Controller struct {
	admin    Administrator
	localID  uint16
	log      *logrus.Entry
	mode     ScanMode
	duration time.Duration
	names    *lru.Cache

	mu        sync.Mutex
	devices   []*Device
	observers []Observer
}

// An Option configures a Controller.
type Option func(*Controller)

// LocalID sets the HCI index devices are reported against.
func LocalID(id uint16) Option {
	return func(c *Controller) { c.localID = id }
}

// Logger sets the logger.
func Logger(l *logrus.Entry) Option {
	return func(c *Controller) { c.log = l }
}

// ScanParameters sets what Scan(true) asks the administrator for.
func ScanParameters(mode ScanMode, d time.Duration) Option {
	return func(c *Controller) { c.mode, c.duration = mode, d }
}

// NameCache keeps the names of up to n removed devices so that a device
// found again gets its name back before it is resolved.
func NameCache(n int) Option {
	return func(c *Controller) {
		if n <= 0 {
			c.names = nil
			return
		}
		if cache, err := lru.New(n); err == nil {
			c.names = cache
		}
	}
}

// NewController returns an empty registry that issues its operations
// through admin.
func NewController(admin Administrator, opts ...Option) *Controller {
	c := &Controller{
		admin:    admin,
		log:      logrus.NewEntry(logrus.StandardLogger()),
		mode:     ScanLowEnergy | ScanRegular,
		duration: 10 * time.Second,
	}
	NameCache(64)(c)
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("component", "controller")
	return c
}

// Register adds obs and replays every known device to it, in registry
// order, before returning.
func (c *Controller) Register(obs Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.observers {
		if o == obs {
			return
		}
	}
	c.observers = append(c.observers, obs)
	for _, d := range c.devices {
		obs.Update(d)
	}
}

func (c *Controller) Unregister(obs Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, o := range c.observers {
		if o == obs {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			return
		}
	}
}

// updated is the notify hook of every registered device.
func (c *Controller) updated(d *Device) {
	if name := d.Name(); name != "" && c.names != nil {
		c.names.Add(d.Address().String(), name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.observers {
		o.Update(d)
	}
}

func (c *Controller) find(a Address) *Device {
	for _, d := range c.devices {
		if d.addr.Equal(a) {
			return d
		}
	}
	return nil
}

// Discovered records a device reported by an inquiry result or an
// advertising report. A known address is updated in place.
func (c *Controller) Discovered(lowEnergy bool, a Address, name string) *Device {
	c.mu.Lock()
	if d := c.find(a); d != nil {
		c.mu.Unlock()
		d.mu.Lock()
		d.decoupled = false
		d.mu.Unlock()
		d.SetName(name)
		return d
	}
	if name == "" && c.names != nil {
		if v, ok := c.names.Get(a.String()); ok {
			name = v.(string)
		}
	}
	d := newDevice(c.admin, c.localID, a, lowEnergy, name, c.log)
	d.notify = c.updated
	c.devices = append(c.devices, d)
	for _, o := range c.observers {
		o.Update(d)
	}
	c.mu.Unlock()

	c.log.WithField("address", a.String()).Debugf("discovered %q", name)
	d.v.resolveName(d)
	return d
}

// Find returns the device with address a, or nil.
func (c *Controller) Find(a Address) *Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.find(a)
}

// FindByHandle returns the device connected on handle, or nil.
func (c *Controller) FindByHandle(handle uint16) *Device {
	if handle == InvalidHandle {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.devices {
		if d.Handle() == handle {
			return d
		}
	}
	return nil
}

// Device is Find by another name, kept for API users that look devices up
// before connecting.
func (c *Controller) Device(a Address) *Device { return c.Find(a) }

// Devices returns a snapshot of the registry.
func (c *Controller) Devices() []*Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	dd := make([]*Device, len(c.devices))
	copy(dd, c.devices)
	return dd
}

// removeDecoupled clears every device and drops the ones that end up
// decoupled. Observers see each removed device once more, decoupled. It
// returns how many were removed.
func (c *Controller) removeDecoupled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.devices[:0]
	n := 0
	for _, d := range c.devices {
		if d.Clear() {
			if name := d.Name(); name != "" && c.names != nil {
				c.names.Add(d.addr.String(), name)
			}
			for _, o := range c.observers {
				o.Update(d)
			}
			n++
			continue
		}
		kept = append(kept, d)
	}
	for i := len(kept); i < len(c.devices); i++ {
		c.devices[i] = nil
	}
	c.devices = kept
	return n
}

// Scan starts or stops discovery and reports whether the resulting state
// matches the request. Starting a scan first garbage collects devices
// that are neither connected, paired nor busy.
func (c *Controller) Scan(enable bool) bool {
	if !enable {
		// Cancellation is asynchronous; a requested stop counts as stopped.
		return c.admin.StopScan() || !c.admin.Scanning()
	}
	if n := c.removeDecoupled(); n > 0 {
		c.log.Debugf("removed %d stale devices", n)
	}
	if !c.admin.Scan(c.mode, c.duration) {
		c.log.Debug("scan already in progress")
		return c.admin.Scanning()
	}
	return true
}

// Scanning reports whether a discovery run is queued or running.
func (c *Controller) Scanning() bool { return c.admin.Scanning() }
