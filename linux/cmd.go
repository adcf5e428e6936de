package linux

import (
	"io"
	"sync"

	"github.com/XC-/btctl/linux/internal/cmd"
	"github.com/XC-/btctl/linux/internal/event"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type result struct {
	params []byte
	err    error
}

// A cmdPkt waits for the outcome of one command. Commands with a completion
// event stay pending after a successful Command Status until an event of
// that code passes match.
type cmdPkt struct {
	op         cmd.Opcode
	comp       cmd.Completion
	hasComp    bool
	match      func(params []byte) bool
	statusSeen bool
	done       chan result
}

func (p *cmdPkt) resolve(r result) {
	select {
	case p.done <- r:
	default:
	}
}

// commands correlates command packets with their status, complete and
// completion events. Every pending packet is an independent waiter.
type commands struct {
	dev io.Writer
	log *logrus.Entry

	mu   sync.Mutex
	sent []*cmdPkt
}

func newCommands(d io.Writer, l *logrus.Entry) *commands {
	return &commands{dev: d, log: l}
}

// send registers a waiter for cp and writes the packet.
func (c *commands) send(cp cmd.CmdParam, match func([]byte) bool) (*cmdPkt, error) {
	op := cp.Opcode()
	p := &cmdPkt{op: op, match: match, done: make(chan result, 1)}
	p.comp, p.hasComp = cmd.CompletionOf(op)
	raw := cmd.Packet(cp)

	c.mu.Lock()
	c.sent = append(c.sent, p)
	c.mu.Unlock()

	c.log.Tracef("< HCI Command: %s (0x%02X|0x%04X) plen %d: [ % X ]", op, op.OGF(), op.OCF(), len(raw)-4, raw[4:])
	if _, err := c.dev.Write(raw); err != nil {
		c.remove(p)
		return nil, errors.Wrapf(err, "send %s", op)
	}
	return p, nil
}

func (c *commands) remove(p *cmdPkt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, q := range c.sent {
		if q == p {
			c.sent = append(c.sent[:i], c.sent[i+1:]...)
			return
		}
	}
}

// take removes and returns the first pending packet satisfying f.
func (c *commands) take(f func(p *cmdPkt) bool) *cmdPkt {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.sent {
		if f(p) {
			c.sent = append(c.sent[:i], c.sent[i+1:]...)
			return p
		}
	}
	return nil
}

func (c *commands) handleStatus(b []byte) error {
	var ep event.CommandStatusEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	op := cmd.Opcode(ep.CommandOpcode)

	c.mu.Lock()
	var p *cmdPkt
	for i, q := range c.sent {
		if q.op != op || q.statusSeen {
			continue
		}
		p = q
		if ep.Status == 0x00 && q.hasComp {
			q.statusSeen = true
		} else {
			c.sent = append(c.sent[:i], c.sent[i+1:]...)
		}
		break
	}
	c.mu.Unlock()

	switch {
	case p == nil:
		c.log.Tracef("unmatched Command Status for %s", op)
	case ep.Status != 0x00:
		p.resolve(result{err: StatusError{Op: op, Status: ep.Status}})
	case !p.hasComp:
		p.resolve(result{})
	}
	return nil
}

func (c *commands) handleComplete(b []byte) error {
	var ep event.CommandCompleteEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	op := cmd.Opcode(ep.CommandOPCode)
	if op == 0 {
		return nil // NOP, command credits only
	}
	p := c.take(func(p *cmdPkt) bool { return p.op == op && !p.statusSeen })
	if p == nil {
		c.log.Tracef("unmatched Command Complete for %s", op)
		return nil
	}
	rp := append([]byte(nil), ep.ReturnParameters...)
	if len(rp) > 0 && rp[0] != 0x00 {
		p.resolve(result{params: rp, err: StatusError{Op: op, Status: rp[0]}})
		return nil
	}
	p.resolve(result{params: rp})
	return nil
}

// complete resolves the first packet waiting for event code (and LE
// subevent) whose match accepts params.
func (c *commands) complete(code event.EventCode, sub uint8, params []byte) {
	p := c.take(func(p *cmdPkt) bool {
		if !p.statusSeen || p.comp.Code != uint8(code) || p.comp.Subevent != sub {
			return false
		}
		return p.match == nil || p.match(params)
	})
	if p == nil {
		return
	}
	status := byte(0x00)
	switch {
	case code == event.LEMeta && len(params) > 1:
		status = params[1]
	case code != event.LEMeta && len(params) > 0:
		status = params[0]
	}
	params = append([]byte(nil), params...)
	if status != 0x00 {
		p.resolve(result{params: params, err: StatusError{Op: p.op, Status: status}})
		return
	}
	p.resolve(result{params: params})
}

// abort fails every pending packet with err.
func (c *commands) abort(err error) {
	c.mu.Lock()
	sent := c.sent
	c.sent = nil
	c.mu.Unlock()
	for _, p := range sent {
		p.resolve(result{err: err})
	}
}
