// +build linux

package socket

import (
	"bytes"
	"testing"
)

func TestIoctlNumbers(t *testing.T) {
	for _, tt := range []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"HCIDEVUP", hciUpDevice, 0x400448C9},
		{"HCIDEVDOWN", hciDownDevice, 0x400448CA},
		{"HCIGETDEVLIST", hciGetDeviceList, 0x800448D2},
		{"HCIGETDEVINFO", hciGetDeviceInfo, 0x800448D3},
	} {
		if tt.got != tt.want {
			t.Errorf("%s: got 0x%08X want 0x%08X", tt.name, tt.got, tt.want)
		}
	}
}

func TestEventFilter(t *testing.T) {
	want := []byte{0x10, 0, 0, 0, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0, 0}
	if got := EventFilter().bytes(); !bytes.Equal(got, want) {
		t.Errorf("EventFilter: got [% X] want [% X]", got, want)
	}
}

func TestDeviceInfo(t *testing.T) {
	di := DeviceInfo{Flags: flagUp}
	copy(di.name[:], "hci0")
	if di.Name() != "hci0" || !di.Up() {
		t.Errorf("Name %q Up %t", di.Name(), di.Up())
	}
}
