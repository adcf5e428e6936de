package btctl

import (
	"sync"
	"testing"
)

type recordingObserver struct {
	mu      sync.Mutex
	updates []*Device
}

func (o *recordingObserver) Update(d *Device) {
	o.mu.Lock()
	o.updates = append(o.updates, d)
	o.mu.Unlock()
}

func (o *recordingObserver) seen() []*Device {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Device(nil), o.updates...)
}

func addrN(n byte) Address {
	return NewAddress([6]byte{n, 0x55, 0x44, 0x33, 0x22, 0x11}, LEPublic)
}

func TestRegisterReplaysInOrder(t *testing.T) {
	c := NewController(&testAdmin{})
	var want []*Device
	for i := byte(1); i <= 5; i++ {
		want = append(want, c.Discovered(true, addrN(i), "dev"))
	}

	obs := &recordingObserver{}
	c.Register(obs)
	got := obs.seen()
	if len(got) != len(want) {
		t.Fatalf("replayed %d devices, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("replay %d: got %s want %s", i, got[i].Address(), want[i].Address())
		}
	}

	c.Register(obs)
	if n := len(obs.seen()); n != len(want) {
		t.Errorf("second Register replayed again: %d updates", n)
	}
}

func TestDiscoveredUpdatesInPlace(t *testing.T) {
	c := NewController(&testAdmin{})
	obs := &recordingObserver{}
	c.Register(obs)

	a := c.Discovered(true, testAddr, "Foo")
	b := c.Discovered(true, testAddr, "Bar")
	if a != b {
		t.Fatal("second Discovered created a new device")
	}
	if n := len(c.Devices()); n != 1 {
		t.Errorf("registry size: got %d want 1", n)
	}
	if got := a.Name(); got != "Bar" {
		t.Errorf("Name: got %q want %q", got, "Bar")
	}
	if n := len(obs.seen()); n != 2 {
		t.Errorf("observer updates: got %d want 2 (add + rename)", n)
	}

	c.Discovered(true, testAddr, "Bar")
	if n := len(obs.seen()); n != 2 {
		t.Errorf("unchanged rediscovery notified: %d updates", n)
	}
}

func TestFind(t *testing.T) {
	c := NewController(&testAdmin{})
	d := c.Discovered(true, testAddr, "")
	d.SetConnection(0x0042, RoleSlave)

	if got := c.Find(testAddr.WithType(LERandom)); got != d {
		t.Error("Find ignores the address type: got nil")
	}
	if got := c.Device(addrN(9)); got != nil {
		t.Errorf("Device unknown address: got %v", got)
	}
	if got := c.FindByHandle(0x0042); got != d {
		t.Errorf("FindByHandle: got %v", got)
	}
	if got := c.FindByHandle(InvalidHandle); got != nil {
		t.Errorf("FindByHandle(InvalidHandle): got %v", got)
	}
}

func TestScanRemovesStaleDevices(t *testing.T) {
	admin := &testAdmin{scanOK: true}
	c := NewController(admin)

	stale := c.Discovered(true, addrN(1), "stale")
	connected := c.Discovered(true, addrN(2), "")
	connected.SetConnection(0x0001, RoleMaster)
	paired := c.Discovered(true, addrN(3), "")
	paired.SetPaired(true)
	obs := &recordingObserver{}
	c.Register(obs)

	if !c.Scan(true) {
		t.Fatal("Scan(true): got false")
	}
	devices := c.Devices()
	if len(devices) != 2 || devices[0] != connected || devices[1] != paired {
		t.Errorf("registry after scan: %v", devices)
	}
	if !stale.Decoupled() {
		t.Error("removed device is not decoupled")
	}
	if seen := obs.seen(); len(seen) != 4 || seen[3] != stale {
		t.Errorf("observer did not see the removal: %v", seen)
	}
	if admin.scans != 1 {
		t.Errorf("admin scans: got %d want 1", admin.scans)
	}

	again := c.Discovered(true, addrN(1), "")
	if again == stale {
		t.Error("removed device came back with the same identity")
	}
	if got := again.Name(); got != "stale" {
		t.Errorf("cached name: got %q want %q", got, "stale")
	}

	if !c.Scan(false) || c.Scanning() {
		t.Error("Scan(false) did not stop scanning")
	}
}

func TestScanInProgress(t *testing.T) {
	admin := &testAdmin{scanOK: false, scanning: true}
	c := NewController(admin)
	if !c.Scan(true) {
		t.Error("Scan(true) while scanning: got false, want true")
	}
	admin.scanning = false
	if c.Scan(true) {
		t.Error("Scan(true) rejected and idle: got true")
	}
	if !c.Scan(false) {
		t.Error("Scan(false) while idle: got false, want true")
	}
	if admin.stops != 1 {
		t.Errorf("admin stops: got %d want 1", admin.stops)
	}
}

func TestDiscoveredRegularResolvesName(t *testing.T) {
	admin := &testAdmin{}
	c := NewController(admin)
	obs := &recordingObserver{}
	c.Register(obs)

	d := c.Discovered(false, MustParseAddress("00:1A:7D:DA:71:13", BREDR), "")
	if len(admin.names) != 1 {
		t.Fatalf("name requests: got %d want 1", len(admin.names))
	}
	admin.names[0].done("Speaker", nil)
	if d.Name() != "Speaker" {
		t.Errorf("Name: got %q", d.Name())
	}
	if n := len(obs.seen()); n != 2 {
		t.Errorf("observer updates: got %d want 2", n)
	}

	c.Discovered(true, testAddr, "")
	if len(admin.names) != 1 {
		t.Error("LE device issued a remote name request")
	}
}

func TestUnregister(t *testing.T) {
	c := NewController(&testAdmin{})
	obs := &recordingObserver{}
	c.Register(obs)
	c.Unregister(obs)
	c.Discovered(true, testAddr, "x")
	if n := len(obs.seen()); n != 0 {
		t.Errorf("unregistered observer got %d updates", n)
	}
}
