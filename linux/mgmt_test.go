package linux

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/XC-/btctl"
	"github.com/XC-/btctl/linux/internal/mgmt"
	"github.com/pkg/errors"
)

func mgmtEvent(code mgmt.EventCode, index uint16, params ...byte) []byte {
	b := make([]byte, mgmt.HeaderLen, mgmt.HeaderLen+len(params))
	binary.LittleEndian.PutUint16(b[0:], uint16(code))
	binary.LittleEndian.PutUint16(b[2:], index)
	binary.LittleEndian.PutUint16(b[4:], uint16(len(params)))
	return append(b, params...)
}

func mgmtComplete(op mgmt.Opcode, status uint8) []byte {
	return mgmtEvent(mgmt.CommandComplete, 0, byte(op), byte(op>>8), status)
}

func mgmtOpcode(b []byte) mgmt.Opcode {
	return mgmt.Opcode(binary.LittleEndian.Uint16(b))
}

// mgmtAnswer replies to each command with the status statuses holds for its
// opcode, success otherwise, and reports the opcodes it saw.
func mgmtAnswer(dev *testDevice, statuses map[mgmt.Opcode]uint8, seen chan<- mgmt.Opcode) {
	for {
		select {
		case b := <-dev.writec:
			op := mgmtOpcode(b)
			seen <- op
			dev.readc <- mgmtComplete(op, statuses[op])
		case <-dev.closed:
			return
		}
	}
}

func discovering(t *testing.T, m *ManagementSocket, dev *testDevice, typ uint8) {
	t.Helper()
	dev.readc <- mgmtEvent(mgmt.Discovering, m.index, typ, 0x01)
	deadline := time.Now().Add(time.Second)
	for !m.Discovering() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !m.Discovering() {
		t.Fatal("Discovering event not applied")
	}
}

func drain(seen <-chan mgmt.Opcode) []mgmt.Opcode {
	var ops []mgmt.Opcode
	for {
		select {
		case op := <-seen:
			ops = append(ops, op)
		case <-time.After(50 * time.Millisecond):
			return ops
		}
	}
}

func TestPairSuspendsDiscovery(t *testing.T) {
	for _, tt := range []struct {
		name     string
		statuses map[mgmt.Opcode]uint8
		want     error
	}{
		{"paired", nil, nil},
		{"already paired", map[mgmt.Opcode]uint8{mgmt.OpPairDevice: mgmt.StatusAlreadyPaired}, btctl.ErrAlreadyPaired},
		{"resume fails", map[mgmt.Opcode]uint8{mgmt.OpStartDiscovery: mgmt.StatusBusy}, nil},
	} {
		t.Run(tt.name, func(t *testing.T) {
			dev := newTestDevice()
			m := newManagementSocket(0, dev, nil)
			defer m.Close(time.Second)
			discovering(t, m, dev, mgmt.DiscoveryLE)

			seen := make(chan mgmt.Opcode, 16)
			go mgmtAnswer(dev, tt.statuses, seen)

			a := btctl.MustParseAddress("11:22:33:44:55:66", btctl.LEPublic)
			err := m.Pair(time.Second, time.Second, a, btctl.NoInputNoOutput)
			if tt.want == nil && err != nil {
				t.Fatalf("Pair: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("Pair: got %v want %v", err, tt.want)
			}

			want := []mgmt.Opcode{mgmt.OpStopDiscovery, mgmt.OpPairDevice, mgmt.OpStartDiscovery}
			got := drain(seen)
			if len(got) != len(want) {
				t.Fatalf("commands: got %v want %v", got, want)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Errorf("command %d: got %s want %s", i, got[i], want[i])
				}
			}
		})
	}
}

func TestPairWithoutDiscovery(t *testing.T) {
	dev := newTestDevice()
	m := newManagementSocket(0, dev, nil)
	defer m.Close(time.Second)

	seen := make(chan mgmt.Opcode, 16)
	go mgmtAnswer(dev, nil, seen)

	a := btctl.MustParseAddress("00:1A:7D:DA:71:13", btctl.BREDR)
	if err := m.Pair(time.Second, time.Second, a, btctl.DisplayYesNo); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if got := drain(seen); len(got) != 1 || got[0] != mgmt.OpPairDevice {
		t.Errorf("commands: got %v", got)
	}
}

func TestPairTimeoutCancels(t *testing.T) {
	dev := newTestDevice()
	m := newManagementSocket(0, dev, nil)
	defer m.Close(time.Second)

	seen := make(chan mgmt.Opcode, 16)
	go func() {
		for {
			select {
			case b := <-dev.writec:
				op := mgmtOpcode(b)
				seen <- op
				if op != mgmt.OpPairDevice {
					dev.readc <- mgmtComplete(op, mgmt.StatusSuccess)
				}
			case <-dev.closed:
				return
			}
		}
	}()

	a := btctl.MustParseAddress("00:1A:7D:DA:71:13", btctl.BREDR)
	err := m.Pair(time.Second, 20*time.Millisecond, a, btctl.DisplayYesNo)
	if !errors.Is(err, btctl.ErrTimedOut) {
		t.Fatalf("Pair: got %v want %v", err, btctl.ErrTimedOut)
	}
	got := drain(seen)
	if len(got) != 2 || got[1] != mgmt.OpCancelPairDevice {
		t.Errorf("commands: got %v", got)
	}
}

func TestMgmtCommandStatusFails(t *testing.T) {
	dev := newTestDevice()
	m := newManagementSocket(0, dev, nil)
	defer m.Close(time.Second)

	go func() {
		b := <-dev.writec
		op := mgmtOpcode(b)
		dev.readc <- mgmtEvent(mgmt.CommandStatus, 0, byte(op), byte(op>>8), mgmt.StatusNotPowered)
	}()
	err := m.Power(time.Second, true)
	if !errors.Is(err, btctl.ErrUnavailable) {
		t.Fatalf("Power: got %v want %v", err, btctl.ErrUnavailable)
	}
	serr, ok := err.(MgmtStatusError)
	if !ok || serr.Op != mgmt.OpSetPowered {
		t.Errorf("Power: got %#v", err)
	}
}

func TestMgmtIgnoresOtherIndex(t *testing.T) {
	dev := newTestDevice()
	m := newManagementSocket(1, dev, nil)
	defer m.Close(time.Second)

	dev.readc <- mgmtEvent(mgmt.Discovering, 0, mgmt.DiscoveryLE, 0x01)
	discovering(t, m, dev, mgmt.DiscoveryBREDR)
	m.dmu.Lock()
	typ := m.discType
	m.dmu.Unlock()
	if typ != mgmt.DiscoveryBREDR {
		t.Errorf("discovery type: got 0x%02X, event for controller 0 applied", typ)
	}
}
