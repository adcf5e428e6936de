// Package btctl is the core of a Bluetooth Classic and LE controller
// manager.
//
// It keeps a registry of remote devices seen by one local controller,
// runs the per-device connect and pairing state machine, and drives a
// minimal HID-over-GATT client for connected LE remotes.
//
// The package does not talk to the kernel itself. Operations go through
// an Administrator; on Linux, linux.ControlSocket implements it on top of
// a raw HCI socket and the management channel.
//
//
// SETUP
//
// The administrator needs a controller that is up and managed by the
// kernel (HCI_CHANNEL_RAW and HCI_CHANNEL_CONTROL). Programs must either
// run as root or be granted the network capabilities:
//
//     sudo setcap 'cap_net_raw,cap_net_admin+eip' <executable>
//
//
// USAGE
//
//     cs := linux.NewControlSocket(cfg, pool, log)
//     ctrl := btctl.NewController(cs, btctl.ScanParameters(btctl.ScanLowEnergy, 10*time.Second))
//     if err := cs.Open(ctrl); err != nil {
//     	log.Fatal(err)
//     }
//     defer cs.Close()
//
//     ctrl.Register(observer) // replays known devices, then reports changes
//     ctrl.Scan(true)
//
//     d := ctrl.Device(btctl.MustParseAddress("11:22:33:44:55:66", btctl.LEPublic))
//     remote, _ := btctl.NewRemote(d, pool, inputHandler, log)
//     remote.Pair(btctl.NoInputNoOutput)
//     d.Connect()
//
// Device operations are guarded: a second Connect, Disconnect, Pair or
// Unpair while one is in flight returns ErrInProgress and leaves the
// device untouched.
package btctl
