package btctl

import (
	"context"
	"fmt"
	"sync"

	"github.com/XC-/btctl/att"
	"github.com/XC-/btctl/internal/worker"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// RemoteState is the state of the HID-over-GATT client of a Remote.
type RemoteState uint8

const (
	RemoteUnknown RemoteState = iota
	RemotePairing
	RemoteUnpairing
	RemoteOperational
)

func (s RemoteState) String() string {
	switch s {
	case RemoteUnknown:
		return "Unknown"
	case RemotePairing:
		return "Pairing"
	case RemoteUnpairing:
		return "Unpairing"
	case RemoteOperational:
		return "Operational"
	}
	return fmt.Sprintf("RemoteState(%d)", uint8(s))
}

// Metadata is what a Remote learns about a HID device over GATT.
type Metadata struct {
	VendorSource uint8
	Vendor       uint16
	Product      uint16
	Version      uint16
	Name         string
	Descriptor   []byte // HID report map
}

// An InputHandler receives HID input reports.
type InputHandler interface {
	Report(d *Device, handle uint16, data []byte)
}

// InputHandlerFunc adapts a function to an InputHandler.
type InputHandlerFunc func(d *Device, handle uint16, data []byte)

func (f InputHandlerFunc) Report(d *Device, handle uint16, data []byte) { f(d, handle, data) }

// errNotHID aborts the sequence on devices without a HID service.
var errNotHID = errors.Wrap(ErrNotSupported, "no HID service")

// A Remote drives the HID-over-GATT client of one device. It occupies the
// device's callback slot, so a device has at most one Remote.
type Remote struct {
	dev   *Device
	input InputHandler
	pool  *worker.Pool
	job   *worker.Job
	log   *logrus.Entry

	mu sync.Mutex
	// state is Unknown or Operational; action is Pairing or Unpairing
	// while one runs and overrides it in State.
	state   RemoteState
	action  RemoteState
	meta    Metadata
	client  AttributeClient
	reports map[uint16]bool
	running bool
}

// NewRemote attaches a Remote to d. Sequences run on pool, or on their own
// goroutine when pool is nil. Input reports go to in, which may be nil.
func NewRemote(d *Device, pool *worker.Pool, in InputHandler, l *logrus.Entry) (*Remote, error) {
	if l == nil {
		l = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Remote{
		dev:   d,
		input: in,
		pool:  pool,
		log:   l.WithFields(logrus.Fields{"component": "remote", "address": d.Address().String()}),
	}
	r.job = worker.NewJob("gatt "+d.Address().String(), func(context.Context) { r.run() })
	if err := d.SetCallback(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Remote) Device() *Device { return r.dev }

func (r *Remote) State() RemoteState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.action != RemoteUnknown {
		return r.action
	}
	return r.state
}

func (r *Remote) Metadata() Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.meta
	m.Descriptor = append([]byte(nil), r.meta.Descriptor...)
	return m
}

// Updated implements DeviceCallback. A connected, discovered device starts
// the GATT sequence; a lost connection drops the client.
func (r *Remote) Updated() {
	connected := r.dev.Connected()
	ready := connected && r.dev.IsDiscovered()

	r.mu.Lock()
	client := r.client
	if !connected && client != nil {
		r.client = nil
		r.reports = nil
		if r.state == RemoteOperational {
			r.state = RemoteUnknown
		}
	}
	start := ready && r.state == RemoteUnknown && r.action == RemoteUnknown && client == nil && !r.running
	if start {
		r.running = true
	}
	r.mu.Unlock()

	if !connected && client != nil {
		client.Close()
		r.log.Info("connection lost")
	}
	if start {
		r.start()
	}
}

func (r *Remote) start() {
	if r.pool == nil {
		go r.run()
		return
	}
	if !r.pool.Submit(r.job) {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}
}

// run takes the device from UNKNOWN to OPERATIONAL. Any failure leaves it
// UNKNOWN with the channel closed.
func (r *Remote) run() error {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	c, err := r.dev.admin.DialATT(r.dev.Address())
	if err != nil {
		return r.abort(nil, errors.Wrap(err, "dial ATT"))
	}

	var meta Metadata
	hid, err := r.service(c)
	if err != nil {
		return r.abort(c, err)
	}
	if err := r.version(c, &meta); err != nil {
		return r.abort(c, err)
	}
	if err := r.name(c, &meta); err != nil {
		return r.abort(c, err)
	}
	if err := r.descriptor(c, hid, &meta); err != nil {
		return r.abort(c, err)
	}
	reports, err := r.enableEvents(c, hid)
	if err != nil {
		return r.abort(c, err)
	}

	// The name update calls back into Updated, so it goes first.
	r.dev.SetName(meta.Name)

	c.Handle(r.notification)
	r.mu.Lock()
	// A link lost from here on finds the client installed and drops it.
	if !r.dev.Connected() {
		r.mu.Unlock()
		return r.abort(c, ErrNotConnected)
	}
	r.meta = meta
	r.client = c
	r.reports = reports
	r.state = RemoteOperational
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"vendor":  fmt.Sprintf("0x%04X", meta.Vendor),
		"product": fmt.Sprintf("0x%04X", meta.Product),
		"reports": len(reports),
	}).Infof("%q operational", meta.Name)
	return nil
}

func (r *Remote) abort(c AttributeClient, err error) error {
	if c != nil {
		c.Close()
	}
	r.mu.Lock()
	r.state = RemoteUnknown
	r.client = nil
	r.reports = nil
	r.mu.Unlock()
	r.log.WithError(err).Warn("GATT sequence aborted")
	return err
}

func (r *Remote) service(c AttributeClient) (att.HandleRange, error) {
	rr, err := c.FindByTypeValue(0x0001, 0xFFFF, gattAttrPrimaryServiceUUID, hidServiceUUID.Wire())
	if err != nil {
		return att.HandleRange{}, errors.Wrap(err, "find HID service")
	}
	if len(rr) == 0 {
		return att.HandleRange{}, errNotHID
	}
	return rr[0], nil
}

// version reads the PnP ID of the Device Information service.
func (r *Remote) version(c AttributeClient, m *Metadata) error {
	hv, err := c.ReadByType(0x0001, 0xFFFF, hidPnPIDUUID)
	if err != nil {
		return errors.Wrap(err, "read PnP ID")
	}
	if len(hv) == 0 {
		r.log.Debug("no PnP ID")
		return nil
	}
	b := hv[0].Value
	if len(b) < 7 {
		return errors.Errorf("PnP ID: %d bytes", len(b))
	}
	m.VendorSource = b[0]
	m.Vendor = uint16(b[1]) | uint16(b[2])<<8
	m.Product = uint16(b[3]) | uint16(b[4])<<8
	m.Version = uint16(b[5]) | uint16(b[6])<<8
	return nil
}

func (r *Remote) name(c AttributeClient, m *Metadata) error {
	hv, err := c.ReadByType(0x0001, 0xFFFF, gattAttrDeviceNameUUID)
	if err != nil {
		return errors.Wrap(err, "read device name")
	}
	if len(hv) == 0 {
		return nil
	}
	b, err := c.ReadLong(hv[0].Handle, 248)
	if err != nil {
		return errors.Wrap(err, "read device name")
	}
	m.Name = string(b)
	return nil
}

func (r *Remote) descriptor(c AttributeClient, hid att.HandleRange, m *Metadata) error {
	hv, err := c.ReadByType(hid.Start, hid.End, hidReportMapUUID)
	if err != nil {
		return errors.Wrap(err, "read report map")
	}
	if len(hv) == 0 {
		return errors.New("no report map")
	}
	b, err := c.ReadLong(hv[0].Handle, maxDescriptorLen)
	if err != nil {
		return errors.Wrap(err, "read report map")
	}
	m.Descriptor = b
	return nil
}

// enableEvents writes the notify flag to the configuration descriptor of
// every notifying Report characteristic and returns their value handles.
func (r *Remote) enableEvents(c AttributeClient, hid att.HandleRange) (map[uint16]bool, error) {
	hv, err := c.ReadByType(hid.Start, hid.End, gattAttrCharacteristicUUID)
	if err != nil {
		return nil, errors.Wrap(err, "discover characteristics")
	}
	var chars []att.Characteristic
	for _, v := range hv {
		ch, err := att.ParseCharacteristic(v)
		if err != nil {
			return nil, errors.Wrap(err, "discover characteristics")
		}
		chars = append(chars, ch)
	}

	reports := map[uint16]bool{}
	cfg := []byte{byte(gattCCCNotifyFlag), byte(gattCCCNotifyFlag >> 8)}
	for i, ch := range chars {
		if !ch.UUID.Equal(hidReportUUID) || ch.Properties&att.PropNotify == 0 {
			continue
		}
		end := hid.End
		if i+1 < len(chars) {
			end = chars[i+1].Handle - 1
		}
		if ch.ValueHandle >= end {
			continue
		}
		hh, err := c.FindInformation(ch.ValueHandle+1, end)
		if err != nil {
			return nil, errors.Wrap(err, "find report descriptors")
		}
		for _, h := range hh {
			if !h.UUID.Equal(gattAttrClientCharacteristicConfigUUID) {
				continue
			}
			if err := c.Write(h.Handle, cfg); err != nil {
				return nil, errors.Wrapf(err, "enable notifications on 0x%04X", ch.ValueHandle)
			}
			reports[ch.ValueHandle] = true
			break
		}
	}
	if len(reports) == 0 {
		return nil, errors.New("no input reports")
	}
	return reports, nil
}

func (r *Remote) notification(handle uint16, value []byte) {
	r.mu.Lock()
	ok := r.reports[handle]
	in := r.input
	r.mu.Unlock()
	if !ok {
		r.log.Tracef("notification on 0x%04X ignored", handle)
		return
	}
	if in != nil {
		in.Report(r.dev, handle, value)
	}
}

// Pair pairs the underlying device. It shares the device's action guard.
func (r *Remote) Pair(c Capability) error {
	return r.guard(RemotePairing, func() error { return r.dev.Pair(c) })
}

// Unpair removes the bond and drops the GATT client.
func (r *Remote) Unpair() error {
	err := r.guard(RemoteUnpairing, r.dev.Unpair)
	if err == nil {
		r.mu.Lock()
		client := r.client
		r.client, r.reports, r.state = nil, nil, RemoteUnknown
		r.mu.Unlock()
		if client != nil {
			client.Close()
		}
	}
	return err
}

func (r *Remote) guard(s RemoteState, f func() error) error {
	r.mu.Lock()
	if r.action != RemoteUnknown {
		r.mu.Unlock()
		return ErrInProgress
	}
	r.action = s
	r.mu.Unlock()

	err := f()

	r.mu.Lock()
	r.action = RemoteUnknown
	r.mu.Unlock()
	if err == nil {
		r.Updated()
	}
	return err
}

// Close detaches the Remote from its device and closes the channel.
func (r *Remote) Close() error {
	if r.pool != nil {
		r.pool.Revoke(r.job)
	}
	r.mu.Lock()
	client := r.client
	r.client, r.reports, r.state = nil, nil, RemoteUnknown
	r.mu.Unlock()
	if client != nil {
		client.Close()
	}
	return r.dev.RemoveCallback(r)
}
