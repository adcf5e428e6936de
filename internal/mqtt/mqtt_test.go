package mqtt

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/XC-/btctl"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

type token struct{ err error }

func (t token) Wait() bool                     { return true }
func (t token) WaitTimeout(time.Duration) bool { return true }
func (t token) Error() error                   { return t.err }

func (t token) Done() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu   sync.Mutex
	msgs []published
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic, retained, payload.([]byte)})
	return token{}
}

func (c *fakeClient) messages() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.msgs...)
}

type admin struct{}

func (admin) Connect(btctl.Address) (uint16, uint8, error)         { return 0x0040, btctl.RoleMaster, nil }
func (admin) ConnectLE(btctl.Address) (uint16, uint8, error)       { return 0x0041, btctl.RoleMaster, nil }
func (admin) Disconnect(uint16, uint8) error                       { return nil }
func (admin) RemoteName(btctl.Address, func(string, error)) error  { return nil }
func (admin) Pair(btctl.Address, btctl.Capability) error           { return nil }
func (admin) Unpair(btctl.Address) error                           { return nil }
func (admin) Scan(btctl.ScanMode, time.Duration) bool              { return true }
func (admin) StopScan() bool                                       { return true }
func (admin) Scanning() bool                                       { return false }
func (admin) DialATT(btctl.Address) (btctl.AttributeClient, error) { return nil, btctl.ErrNotSupported }

func TestSinkPublishesState(t *testing.T) {
	ctrl := btctl.NewController(admin{})
	a := btctl.MustParseAddress("11:22:33:44:55:66", btctl.LEPublic)
	d := ctrl.Discovered(true, a, "Keyboard")

	fc := &fakeClient{}
	s := newSink(fc, "home/bt", 1, nil)
	ctrl.Register(s)
	if err := d.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ctrl.Unregister(s)
	s.Close()

	msgs := fc.messages()
	if len(msgs) < 2 {
		t.Fatalf("published %d messages, want at least 2", len(msgs))
	}
	for _, m := range msgs {
		if m.topic != "home/bt/devices/11:22:33:44:55:66" || !m.retained {
			t.Errorf("message: topic %q retained %t", m.topic, m.retained)
		}
	}

	var first, last State
	if err := json.Unmarshal(msgs[0].payload, &first); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(msgs[len(msgs)-1].payload, &last); err != nil {
		t.Fatal(err)
	}
	if first.Name != "Keyboard" || !first.LowEnergy || first.Connected {
		t.Errorf("replayed state: %+v", first)
	}
	if !last.Connected || last.Handle != 0x0041 || last.Action != "Idle" {
		t.Errorf("connected state: %+v", last)
	}
}

func TestSinkClearsDecoupled(t *testing.T) {
	ctrl := btctl.NewController(admin{})
	d := ctrl.Discovered(true, btctl.MustParseAddress("11:22:33:44:55:66", btctl.LERandom), "")

	fc := &fakeClient{}
	s := newSink(fc, "btctl", 0, nil)
	ctrl.Register(s)
	if !ctrl.Scan(true) {
		t.Fatal("Scan: got false")
	}
	if !d.Decoupled() {
		t.Fatal("device not removed by Scan")
	}
	ctrl.Unregister(s)
	s.Close()

	msgs := fc.messages()
	if len(msgs) == 0 || len(msgs[len(msgs)-1].payload) != 0 {
		t.Errorf("last message does not clear the retained state: %+v", msgs)
	}
}

func TestSinkUpdateAfterClose(t *testing.T) {
	ctrl := btctl.NewController(admin{})
	d := ctrl.Discovered(true, btctl.MustParseAddress("11:22:33:44:55:66", btctl.LEPublic), "")
	fc := &fakeClient{}
	s := newSink(fc, "btctl", 0, nil)
	s.Close()
	s.Update(d)
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if n := len(fc.messages()); n != 0 {
		t.Errorf("published %d messages after Close", n)
	}
}
