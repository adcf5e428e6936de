package main

/*
* CLI driving the btctl controller core
 */

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/XC-/btctl"
	"github.com/XC-/btctl/internal/config"
	"github.com/XC-/btctl/internal/logging"
	"github.com/XC-/btctl/internal/mqtt"
	"github.com/XC-/btctl/internal/worker"
	"github.com/XC-/btctl/linux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

func PrintFatal(msg string, args ...interface{}) {
	os.Stderr.WriteString(fmt.Sprintf(msg, args...) + "\n")
	os.Exit(1)
}

// session is an opened controller with everything attached to it.
type session struct {
	cfg  *config.Config
	log  *logrus.Logger
	pool *worker.Pool
	cs   *linux.ControlSocket
	ctrl *btctl.Controller
	sink *mqtt.Sink
}

func loadConfig(c *cli.Context, tweak func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	if tweak != nil {
		tweak(cfg)
	}
	if c.GlobalIsSet("interface") {
		cfg.Controller.Interface = uint16(c.GlobalInt("interface"))
	}
	if c.GlobalBool("mqtt") {
		cfg.MQTT.Enabled = true
	}
	if c.GlobalBool("verbose") {
		cfg.Logging.Level = "debug"
	}
	return cfg, cfg.Validate()
}

func controlConfig(cfg *config.Config) linux.Config {
	return linux.Config{
		ID:                   cfg.Controller.Interface,
		ExchangeTimeout:      cfg.Controller.ExchangeTimeout,
		CommunicationTimeout: cfg.Controller.CommunicationTimeout,
		PairTimeout:          cfg.Controller.PairTimeout,
		ConnectTimeout:       cfg.Controller.ConnectTimeout,
		LE: linux.LEParameters{
			IntervalMin:        cfg.LE.MinInterval,
			IntervalMax:        cfg.LE.MaxInterval,
			Latency:            cfg.LE.Latency,
			SupervisionTimeout: cfg.LE.SupervisionTimeout,
		},
	}
}

func scanMode(s config.ScanConfig) btctl.ScanMode {
	var m btctl.ScanMode
	if s.LowEnergy {
		m |= btctl.ScanLowEnergy
	}
	if s.Regular {
		m |= btctl.ScanRegular
	}
	if s.Passive {
		m |= btctl.ScanPassive
	}
	if s.Limited {
		m |= btctl.ScanLimited
	}
	return m
}

// open loads the configuration, lets tweak adjust it and opens the
// controller.
func open(c *cli.Context, tweak func(*config.Config)) (*session, error) {
	cfg, err := loadConfig(c, tweak)
	if err != nil {
		return nil, err
	}
	l := logging.New(cfg.Logging)
	s := &session{cfg: cfg, log: l}
	s.pool = worker.New(cfg.Workers, cfg.Workers, logging.Component(l, "worker"))
	s.cs = linux.NewControlSocket(controlConfig(cfg), s.pool, logging.Component(l, "control"))
	s.ctrl = btctl.NewController(s.cs,
		btctl.LocalID(cfg.Controller.Interface),
		btctl.Logger(logrus.NewEntry(l)),
		btctl.ScanParameters(scanMode(cfg.Scan), cfg.Scan.Duration),
		btctl.NameCache(cfg.NameCache),
	)
	if err := s.cs.Open(s.ctrl); err != nil {
		s.pool.Stop()
		return nil, err
	}
	if cfg.MQTT.Enabled {
		sink, err := mqtt.Connect(cfg.MQTT, logrus.NewEntry(l))
		if err != nil {
			s.Close()
			return nil, err
		}
		s.sink = sink
		s.ctrl.Register(sink)
	}
	return s, nil
}

func (s *session) Close() {
	if s.sink != nil {
		s.ctrl.Unregister(s.sink)
		s.sink.Close()
	}
	if err := s.cs.Close(); err != nil {
		s.log.WithError(err).Warn("close control socket")
	}
	s.pool.Stop()
}

// device returns the registry entry for the address argument, creating it
// for an explicit connect.
func (s *session) device(c *cli.Context) (*btctl.Device, error) {
	a, err := addressArg(c)
	if err != nil {
		return nil, err
	}
	return s.ctrl.Discovered(a.Type().LowEnergy(), a, ""), nil
}

func addressArg(c *cli.Context) (btctl.Address, error) {
	if c.NArg() < 1 {
		return btctl.Address{}, errors.New("missing device address")
	}
	typ, err := parseAddressType(c.String("type"))
	if err != nil {
		return btctl.Address{}, err
	}
	return btctl.ParseAddress(c.Args().First(), typ)
}

func parseAddressType(s string) (btctl.AddressType, error) {
	switch s {
	case "", "le-public", "le":
		return btctl.LEPublic, nil
	case "le-random", "random":
		return btctl.LERandom, nil
	case "bredr", "classic":
		return btctl.BREDR, nil
	}
	return 0, errors.Errorf("unknown address type %q", s)
}

func interrupted() <-chan os.Signal {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	return sig
}

var typeFlag = cli.StringFlag{
	Name:  "type, t",
	Value: "le-public",
	Usage: "address type: le-public, le-random or bredr",
}

func main() {
	app := cli.NewApp()
	app.Name = "btctl"
	app.Usage = "discover, connect and pair Bluetooth devices"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "YAML configuration file", EnvVar: "BTCTL_CONFIG"},
		cli.IntFlag{Name: "interface, i", Usage: "controller index (hciN)"},
		cli.BoolFlag{Name: "mqtt", Usage: "publish device state to the configured broker"},
		cli.BoolFlag{Name: "verbose", Usage: "debug logging"},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:    "controllers",
			Aliases: []string{"ls"},
			Usage:   "list local controllers",
			Action:  controllersCommand,
		},
		cli.Command{
			Name:  "scan",
			Usage: "discover devices and print every change",
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "duration, d", Usage: "scan duration (default from config)"},
				cli.BoolFlag{Name: "le", Usage: "low energy only"},
				cli.BoolFlag{Name: "classic", Usage: "BR/EDR only"},
				cli.BoolFlag{Name: "passive", Usage: "passive LE scan"},
			},
			Action: scanCommand,
		},
		cli.Command{
			Name:   "devices",
			Usage:  "scan, then print the device table",
			Flags:  []cli.Flag{cli.DurationFlag{Name: "duration, d"}},
			Action: devicesCommand,
		},
		cli.Command{
			Name:      "connect",
			Usage:     "connect to a device",
			ArgsUsage: "ADDRESS",
			Flags:     []cli.Flag{typeFlag},
			Action:    connectCommand,
		},
		cli.Command{
			Name:  "disconnect",
			Usage: "terminate a connection",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "handle", Value: -1, Usage: "connection handle"},
				cli.IntFlag{Name: "reason", Value: int(linux.ReasonRemoteUser)},
			},
			Action: disconnectCommand,
		},
		cli.Command{
			Name:      "pair",
			Usage:     "pair with a device",
			ArgsUsage: "ADDRESS",
			Flags: []cli.Flag{
				typeFlag,
				cli.StringFlag{Name: "capability", Value: btctl.NoInputNoOutput.String()},
			},
			Action: pairCommand,
		},
		cli.Command{
			Name:      "unpair",
			Usage:     "remove the bond with a device",
			ArgsUsage: "ADDRESS",
			Flags:     []cli.Flag{typeFlag},
			Action:    unpairCommand,
		},
		cli.Command{
			Name:      "power",
			Usage:     "switch the controller on or off",
			ArgsUsage: "on|off",
			Action:    powerCommand,
		},
		cli.Command{
			Name:      "remote",
			Usage:     "connect a HID remote and print its input reports",
			ArgsUsage: "ADDRESS",
			Flags:     []cli.Flag{typeFlag},
			Action:    remoteCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		PrintFatal(err.Error())
	}
}
