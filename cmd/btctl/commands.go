package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/XC-/btctl"
	"github.com/XC-/btctl/internal/config"
	"github.com/XC-/btctl/linux"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

func controllersCommand(c *cli.Context) error {
	cc, err := linux.Controllers()
	if err != nil {
		return err
	}
	if len(cc) == 0 {
		fmt.Println("no controllers")
		return nil
	}
	for _, ci := range cc {
		state := red("DOWN")
		if ci.Up {
			state = green("UP")
		}
		fmt.Printf("hci%d\t%s\t%s\t%s\n", ci.ID, ci.Address, ci.Name, state)
	}
	return nil
}

// deviceLine renders d on one line for the scan output.
func deviceLine(d *btctl.Device) string {
	var flags []string
	if d.Connected() {
		flags = append(flags, green(fmt.Sprintf("connected 0x%04X", d.Handle())))
	}
	if d.Paired() {
		flags = append(flags, green("paired"))
	}
	if a := d.Action(); a != btctl.ActionIdle {
		flags = append(flags, yellow(strings.ToLower(a.String())))
	}
	if d.Decoupled() {
		flags = append(flags, red("gone"))
	}
	name := d.Name()
	if name == "" {
		name = "-"
	}
	return strings.TrimSpace(fmt.Sprintf("%s %-10s %s %s", cyan(d.Address().String()), d.Address().Type(), name, strings.Join(flags, " ")))
}

type printer struct{}

func (printer) Update(d *btctl.Device) { fmt.Println(deviceLine(d)) }

func scanTweak(c *cli.Context) func(*config.Config) {
	return func(cfg *config.Config) {
		if d := c.Duration("duration"); d > 0 {
			cfg.Scan.Duration = d
		}
		if c.Bool("le") {
			cfg.Scan.LowEnergy, cfg.Scan.Regular = true, false
		}
		if c.Bool("classic") {
			cfg.Scan.LowEnergy, cfg.Scan.Regular = false, true
		}
		if c.Bool("passive") {
			cfg.Scan.Passive = true
		}
	}
}

// runScan starts a discovery and waits for it to finish or for an
// interrupt, which stops it.
func runScan(s *session) error {
	if !s.ctrl.Scan(true) {
		return errors.New("scan not started")
	}
	sig := interrupted()
	deadline := time.After(s.cfg.Scan.Duration + s.cfg.Controller.ExchangeTimeout*4)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for s.ctrl.Scanning() {
		select {
		case <-tick.C:
		case <-sig:
			s.ctrl.Scan(false)
			return nil
		case <-deadline:
			s.ctrl.Scan(false)
			return errors.Wrap(btctl.ErrTimedOut, "scan did not finish")
		}
	}
	return nil
}

func scanCommand(c *cli.Context) error {
	s, err := open(c, scanTweak(c))
	if err != nil {
		return err
	}
	defer s.Close()
	s.ctrl.Register(printer{})
	return runScan(s)
}

func devicesCommand(c *cli.Context) error {
	s, err := open(c, scanTweak(c))
	if err != nil {
		return err
	}
	defer s.Close()
	if err := runScan(s); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tTYPE\tNAME\tSTATE")
	for _, d := range s.ctrl.Devices() {
		state := "-"
		switch {
		case d.Connected():
			state = "connected"
		case d.Paired():
			state = "paired"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Address(), d.Address().Type(), d.Name(), state)
	}
	return w.Flush()
}

func connectCommand(c *cli.Context) error {
	s, err := open(c, nil)
	if err != nil {
		return err
	}
	defer s.Close()
	d, err := s.device(c)
	if err != nil {
		return err
	}
	if err := d.Connect(); err != nil {
		return err
	}
	fmt.Println(deviceLine(d))
	return nil
}

func disconnectCommand(c *cli.Context) error {
	handle := c.Int("handle")
	if handle < 0 || handle > 0x0EFF {
		return errors.New("--handle is required (0x0000-0x0EFF)")
	}
	s, err := open(c, nil)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.cs.Disconnect(uint16(handle), uint8(c.Int("reason")))
}

func pairCommand(c *cli.Context) error {
	capability, ok := btctl.ParseCapability(c.String("capability"))
	if !ok {
		return errors.Errorf("unknown capability %q", c.String("capability"))
	}
	s, err := open(c, nil)
	if err != nil {
		return err
	}
	defer s.Close()
	d, err := s.device(c)
	if err != nil {
		return err
	}
	if err := d.Pair(capability); err != nil {
		return err
	}
	fmt.Println(deviceLine(d))
	return nil
}

// The bond lives in the kernel and a fresh registry does not know it, so
// unpair goes to the administrator directly.
func unpairCommand(c *cli.Context) error {
	a, err := addressArg(c)
	if err != nil {
		return err
	}
	s, err := open(c, nil)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.cs.Unpair(a)
}

func powerCommand(c *cli.Context) error {
	var on bool
	switch c.Args().First() {
	case "on":
		on = true
	case "off":
	default:
		return errors.New("want on or off")
	}
	s, err := open(c, nil)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.cs.Power(on)
}

func remoteCommand(c *cli.Context) error {
	s, err := open(c, nil)
	if err != nil {
		return err
	}
	defer s.Close()
	d, err := s.device(c)
	if err != nil {
		return err
	}
	in := btctl.InputHandlerFunc(func(d *btctl.Device, handle uint16, data []byte) {
		fmt.Printf("%s report 0x%04X [ % X ]\n", cyan(d.Address().String()), handle, data)
	})
	r, err := btctl.NewRemote(d, s.pool, in, s.log.WithField("component", "remote"))
	if err != nil {
		return err
	}
	defer r.Close()
	if err := d.Connect(); err != nil {
		return err
	}

	sig := interrupted()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	last := r.State()
	for {
		select {
		case <-tick.C:
			st := r.State()
			if st == last {
				continue
			}
			last = st
			fmt.Println(yellow(st.String()))
			if st == btctl.RemoteOperational {
				m := r.Metadata()
				fmt.Printf("%s vendor 0x%04X product 0x%04X version 0x%04X, report map %d bytes\n",
					m.Name, m.Vendor, m.Product, m.Version, len(m.Descriptor))
			}
			if !d.Connected() {
				return errors.Wrap(btctl.ErrNotConnected, "remote")
			}
		case <-sig:
			if d.Connected() {
				return d.Disconnect(linux.ReasonRemoteUser)
			}
			return nil
		}
	}
}
