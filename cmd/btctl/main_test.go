package main

import (
	"strings"
	"testing"
	"time"

	"github.com/XC-/btctl"
	"github.com/XC-/btctl/internal/config"
	"github.com/fatih/color"
)

func TestParseAddressType(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want btctl.AddressType
		ok   bool
	}{
		{"", btctl.LEPublic, true},
		{"le-public", btctl.LEPublic, true},
		{"le-random", btctl.LERandom, true},
		{"bredr", btctl.BREDR, true},
		{"usb", 0, false},
	} {
		got, err := parseAddressType(tt.in)
		if (err == nil) != tt.ok || (tt.ok && got != tt.want) {
			t.Errorf("parseAddressType(%q): got %s, %v", tt.in, got, err)
		}
	}
}

func TestScanMode(t *testing.T) {
	m := scanMode(config.ScanConfig{LowEnergy: true, Passive: true})
	if m != btctl.ScanLowEnergy|btctl.ScanPassive {
		t.Errorf("got %b", m)
	}
}

func TestControlConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Controller.Interface = 3
	cfg.LE.MaxInterval = 40
	lc := controlConfig(cfg)
	if lc.ID != 3 || lc.LE.IntervalMax != 40 || lc.PairTimeout != 20*time.Second {
		t.Errorf("got %+v", lc)
	}
}

type admin struct{}

func (admin) Connect(btctl.Address) (uint16, uint8, error)         { return 0, 0, nil }
func (admin) ConnectLE(btctl.Address) (uint16, uint8, error)       { return 0, 0, nil }
func (admin) Disconnect(uint16, uint8) error                       { return nil }
func (admin) RemoteName(btctl.Address, func(string, error)) error  { return nil }
func (admin) Pair(btctl.Address, btctl.Capability) error           { return nil }
func (admin) Unpair(btctl.Address) error                           { return nil }
func (admin) Scan(btctl.ScanMode, time.Duration) bool              { return true }
func (admin) StopScan() bool                                       { return true }
func (admin) Scanning() bool                                       { return false }
func (admin) DialATT(btctl.Address) (btctl.AttributeClient, error) { return nil, btctl.ErrNotSupported }

func TestDeviceLine(t *testing.T) {
	color.NoColor = true
	ctrl := btctl.NewController(admin{})
	d := ctrl.Discovered(true, btctl.MustParseAddress("11:22:33:44:55:66", btctl.LEPublic), "Keyboard")
	d.SetConnection(0x0040, btctl.RoleMaster)
	d.SetPaired(true)

	got := deviceLine(d)
	for _, want := range []string{"11:22:33:44:55:66", "LE Public", "Keyboard", "connected 0x0040", "paired"} {
		if !strings.Contains(got, want) {
			t.Errorf("deviceLine: %q lacks %q", got, want)
		}
	}
}
