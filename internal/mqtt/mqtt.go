// Package mqtt publishes device state to an MQTT broker. A Sink registers
// as a controller observer and publishes one retained JSON document per
// device on <prefix>/devices/<address>.
package mqtt

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/XC-/btctl"
	"github.com/XC-/btctl/internal/config"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	quiesce        = 250 // milliseconds
	backlog        = 64
)

// ErrPublishTimeout is returned when the broker does not acknowledge a
// publish in time.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// publisher is the part of pahomqtt.Client the sink uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// State is the published form of a device.
type State struct {
	Address    string `json:"address"`
	Type       string `json:"type"`
	Name       string `json:"name,omitempty"`
	LowEnergy  bool   `json:"low_energy"`
	Connected  bool   `json:"connected"`
	Handle     uint16 `json:"handle,omitempty"`
	Paired     bool   `json:"paired"`
	Action     string `json:"action"`
	Discovered bool   `json:"discovered"`
}

// NewState captures the current state of d.
func NewState(d *btctl.Device) State {
	s := State{
		Address:    d.Address().String(),
		Type:       d.Address().Type().String(),
		Name:       d.Name(),
		LowEnergy:  d.LowEnergy(),
		Connected:  d.Connected(),
		Paired:     d.Paired(),
		Action:     d.Action().String(),
		Discovered: d.IsDiscovered(),
	}
	if s.Connected {
		s.Handle = d.Handle()
	}
	return s
}

type message struct {
	topic   string
	payload []byte
}

// Sink is a btctl.Observer publishing device state.
type Sink struct {
	client publisher
	prefix string
	qos    byte
	log    *logrus.Entry

	mu      sync.Mutex
	closed  bool
	updates chan message
	done    chan struct{}

	disconnect func()
}

// Connect dials the broker named in cfg and returns a running sink. The
// broker is told to publish "offline" on <prefix>/status if the
// connection drops.
func Connect(cfg config.MQTTConfig, l *logrus.Entry) (*Sink, error) {
	status := cfg.TopicPrefix + "/status"
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetWill(status, "offline", byte(cfg.QoS), true)

	c := pahomqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		return nil, errors.Errorf("connect %s: timed out", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, errors.Wrapf(err, "connect %s", cfg.Broker)
	}
	c.Publish(status, byte(cfg.QoS), true, "online")

	s := newSink(c, cfg.TopicPrefix, byte(cfg.QoS), l)
	s.disconnect = func() {
		c.Publish(status, byte(cfg.QoS), true, "offline").WaitTimeout(publishTimeout)
		c.Disconnect(quiesce)
	}
	return s, nil
}

func newSink(c publisher, prefix string, qos byte, l *logrus.Entry) *Sink {
	if l == nil {
		l = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Sink{
		client:  c,
		prefix:  prefix,
		qos:     qos,
		log:     l.WithField("component", "mqtt"),
		updates: make(chan message, backlog),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

// Topic returns the state topic of address a.
func (s *Sink) Topic(a btctl.Address) string {
	return s.prefix + "/devices/" + a.String()
}

// Update queues the state of d. It runs under the controller lock and
// never blocks; when the backlog is full the update is dropped. A
// decoupled device clears its retained state.
func (s *Sink) Update(d *btctl.Device) {
	m := message{topic: s.Topic(d.Address())}
	if !d.Decoupled() {
		b, err := json.Marshal(NewState(d))
		if err != nil {
			s.log.WithError(err).Warn("encode state")
			return
		}
		m.payload = b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- m:
	default:
		s.log.WithField("topic", m.topic).Warn("backlog full, update dropped")
	}
}

func (s *Sink) loop() {
	defer close(s.done)
	for m := range s.updates {
		if err := s.publish(m); err != nil {
			s.log.WithError(err).WithField("topic", m.topic).Warn("publish failed")
		}
	}
}

func (s *Sink) publish(m message) error {
	tok := s.client.Publish(m.topic, s.qos, true, m.payload)
	if !tok.WaitTimeout(publishTimeout) {
		return ErrPublishTimeout
	}
	return tok.Error()
}

// Close publishes the queued updates and disconnects. Later updates are
// ignored.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.updates)
	s.mu.Unlock()

	<-s.done
	if s.disconnect != nil {
		s.disconnect()
	}
	return nil
}
