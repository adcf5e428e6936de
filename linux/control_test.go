package linux

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/XC-/btctl"
	"github.com/XC-/btctl/internal/worker"
	"github.com/XC-/btctl/linux/internal/cmd"
)

func testControl(t *testing.T, pool *worker.Pool) (*ControlSocket, *btctl.Controller, *testDevice) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ExchangeTimeout = 200 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	c := NewControlSocket(cfg, pool, nil)
	ctrl := btctl.NewController(c)
	dev := newTestDevice()
	c.attach(ctrl, newHCISocket(0, dev, c, nil), nil)
	t.Cleanup(func() { c.Close() })
	return c, ctrl, dev
}

// answer replies to every command the way a controller would: Command
// Status for commands with a completion event, Command Complete otherwise.
// Completion events are left to the test.
func answer(dev *testDevice, seen chan<- cmd.Opcode) {
	for {
		select {
		case b := <-dev.writec:
			op := opcodeOf(b)
			if seen != nil {
				seen <- op
			}
			if _, ok := cmd.CompletionOf(op); ok || op == cmd.OpInquiry {
				dev.readc <- cmdStatus(op, 0x00)
			} else {
				dev.readc <- cmdComplete(op, 0x00)
			}
		case <-dev.closed:
			return
		}
	}
}

func TestConnectLE(t *testing.T) {
	c, ctrl, dev := testControl(t, nil)
	seen := make(chan cmd.Opcode, 16)
	go answer(dev, seen)

	a := btctl.MustParseAddress("11:22:33:44:55:66", btctl.LERandom)
	w := a.Wire()
	done := make(chan error, 1)
	var handle uint16
	go func() {
		var err error
		handle, _, err = c.ConnectLE(a)
		done <- err
	}()
	if op := <-seen; op != cmd.OpLECreateConn {
		t.Fatalf("first command: got %s", op)
	}
	dev.readc <- evt(0x3E,
		0x01, 0x00, 0x40, 0x00, 0x01, 0x01, w[0], w[1], w[2], w[3], w[4], w[5],
		0x18, 0x00, 0x00, 0x00, 0x48, 0x00, 0x00)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ConnectLE: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ConnectLE did not return")
	}
	if handle != 0x0040 {
		t.Errorf("handle: got 0x%04X", handle)
	}

	d := ctrl.Find(a)
	if d == nil {
		t.Fatal("connected device not registered")
	}
	if d.Handle() != 0x0040 || d.Role() != btctl.RoleSlave {
		t.Errorf("device: handle 0x%04X role %d", d.Handle(), d.Role())
	}
	if p := d.ConnectionParameters(); p.Interval != 0x18 || p.Timeout != 0x48 {
		t.Errorf("parameters: %+v", p)
	}
	select {
	case op := <-seen:
		if op != cmd.OpLEReadRemoteUsedFeatures {
			t.Errorf("after connect: got %s want %s", op, cmd.OpLEReadRemoteUsedFeatures)
		}
	case <-time.After(time.Second):
		t.Fatal("remote features not read")
	}

	dev.readc <- evt(0x3E, 0x04, 0x00, 0x40, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00)
	dev.readc <- evt(0x05, 0x00, 0x40, 0x00, 0x13)
	deadline := time.Now().Add(time.Second)
	for d.Connected() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if d.Connected() {
		t.Error("still connected after Disconnection Complete")
	}
	if !d.IsDiscovered() {
		t.Error("features not stored")
	}
}

type updates struct {
	mu sync.Mutex
	n  int
}

func (u *updates) Updated() {
	u.mu.Lock()
	u.n++
	u.mu.Unlock()
}

func (u *updates) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.n
}

func TestLEConnectDisconnectNotifiesTwice(t *testing.T) {
	_, ctrl, dev := testControl(t, nil)
	seen := make(chan cmd.Opcode, 16)
	go answer(dev, seen)
	waitFor := func(want cmd.Opcode) {
		t.Helper()
		for {
			select {
			case op := <-seen:
				if op == want {
					return
				}
			case <-time.After(time.Second):
				t.Fatalf("%s not sent", want)
			}
		}
	}

	a := btctl.MustParseAddress("11:22:33:44:55:66", btctl.LEPublic)
	w := a.Wire()
	d := ctrl.Discovered(true, a, "")
	u := &updates{}
	if err := d.SetCallback(u); err != nil {
		t.Fatalf("SetCallback: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- d.Connect() }()
	waitFor(cmd.OpLECreateConn)
	dev.readc <- evt(0x3E,
		0x01, 0x00, 0x40, 0x00, 0x00, 0x00, w[0], w[1], w[2], w[3], w[4], w[5],
		0x18, 0x00, 0x00, 0x00, 0x48, 0x00, 0x00)
	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if p := d.ConnectionParameters(); p.Interval != 0x18 {
		t.Errorf("parameters: %+v", p)
	}

	go func() { done <- d.Disconnect(0x13) }()
	waitFor(cmd.OpDisconnect)
	dev.readc <- evt(0x05, 0x00, 0x40, 0x00, 0x16)
	if err := <-done; err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := u.count(); got != 2 {
		t.Errorf("Updated calls: got %d want 2", got)
	}
}

func TestConnectFailureStatus(t *testing.T) {
	c, _, dev := testControl(t, nil)
	go func() {
		b := <-dev.writec
		dev.readc <- cmdStatus(opcodeOf(b), 0x00)
		w := btctl.MustParseAddress("00:1A:7D:DA:71:13", btctl.BREDR).Wire()
		dev.readc <- evt(0x03, append([]byte{0x04, 0x00, 0x00}, append(w[:], 0x01, 0x00)...)...)
	}()
	_, _, err := c.Connect(btctl.MustParseAddress("00:1A:7D:DA:71:13", btctl.BREDR))
	serr, ok := err.(StatusError)
	if !ok || serr.Status != 0x04 || serr.Op != cmd.OpCreateConn {
		t.Errorf("Connect: got %v, want Page Timeout", err)
	}
}

func TestAdvertisingReportDiscovers(t *testing.T) {
	_, ctrl, dev := testControl(t, nil)
	dev.readc <- evt(0x3E,
		0x02, 0x01,
		0x00, 0x00, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, 0x08, 0x07, 0x09, 'R', 'e', 'm', 'o', 't', 'e', 0xB0)

	a := btctl.MustParseAddress("11:22:33:44:55:66", btctl.LEPublic)
	deadline := time.Now().Add(time.Second)
	for ctrl.Find(a) == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	d := ctrl.Find(a)
	if d == nil {
		t.Fatal("advertiser not discovered")
	}
	if d.Name() != "Remote" || !d.LowEnergy() {
		t.Errorf("device: name %q low energy %t", d.Name(), d.LowEnergy())
	}
}

func TestScanSingleSlot(t *testing.T) {
	pool := worker.New(1, 1, nil)
	defer pool.Stop()
	c, _, dev := testControl(t, pool)
	go answer(dev, nil)

	if !c.Scan(btctl.ScanLowEnergy, time.Hour) {
		t.Fatal("Scan: got false")
	}
	if c.Scan(btctl.ScanLowEnergy, time.Hour) {
		t.Error("second Scan while scanning: got true")
	}
	if !c.Scanning() {
		t.Error("Scanning: got false")
	}

	deadline := time.Now().Add(time.Second)
	for !c.StopScan() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	for c.Scanning() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.Scanning() {
		t.Fatal("scan still running after StopScan")
	}
	if !c.Scan(btctl.ScanLowEnergy, 10*time.Millisecond) {
		t.Error("Scan after stop: got false")
	}
}

func TestScanRestartAfterStop(t *testing.T) {
	pool := worker.New(1, 1, nil)
	defer pool.Stop()
	release := make(chan struct{})
	started := make(chan struct{})
	pool.Submit(worker.NewJob("busy", func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	c, _, dev := testControl(t, pool)
	go answer(dev, nil)
	if !c.Scan(btctl.ScanLowEnergy, 10*time.Millisecond) {
		t.Fatal("Scan: got false")
	}
	if !c.StopScan() {
		t.Fatal("StopScan of a queued scan: got false")
	}
	if c.Scanning() {
		t.Error("Scanning after StopScan: got true")
	}
	if !c.Scan(btctl.ScanLowEnergy, 10*time.Millisecond) {
		t.Error("Scan after stop: got false, want true")
	}
	close(release)
}

func TestStopIdleScan(t *testing.T) {
	c, ctrl, _ := testControl(t, nil)
	if c.StopScan() {
		t.Error("StopScan with nothing queued: got true")
	}
	if !ctrl.Scan(false) {
		t.Error("Controller.Scan(false) while idle: got false, want true")
	}
}

func TestClosedControlSocket(t *testing.T) {
	c := NewControlSocket(DefaultConfig(), nil, nil)
	a := btctl.MustParseAddress("11:22:33:44:55:66", btctl.LEPublic)
	if _, _, err := c.ConnectLE(a); err == nil {
		t.Error("ConnectLE on a closed socket: got nil error")
	}
	if c.Scan(btctl.ScanLowEnergy, time.Second) {
		t.Error("Scan on a closed socket: got true")
	}
	if c.ID() != -1 {
		t.Errorf("ID: got %d", c.ID())
	}
}
