package linux

import (
	"sync"
	"time"

	"github.com/XC-/btctl"
	"github.com/XC-/btctl/att"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// attCID is the fixed L2CAP channel of the attribute protocol.
const attCID = 0x0004

// l2capConn is a connected L2CAP SEQPACKET socket. Every Read returns one
// PDU.
type l2capConn struct {
	fd   int
	once sync.Once
}

func (c *l2capConn) Read(b []byte) (int, error) {
	n, err := unix.Read(c.fd, b)
	if err != nil {
		return 0, errors.Wrap(err, "l2cap read")
	}
	if n == 0 {
		return 0, errors.Wrap(btctl.ErrNotConnected, "l2cap read")
	}
	return n, nil
}

func (c *l2capConn) Write(b []byte) (int, error) {
	n, err := unix.Write(c.fd, b)
	return n, errors.Wrap(err, "l2cap write")
}

// Close shuts the socket down first so a blocked Read returns.
func (c *l2capConn) Close() error {
	var err error
	c.once.Do(func() {
		unix.Shutdown(c.fd, unix.SHUT_RDWR)
		err = unix.Close(c.fd)
	})
	return err
}

func l2capAddrType(a btctl.Address) uint8 {
	switch a.Type() {
	case btctl.LERandom:
		return unix.BDADDR_LE_RANDOM
	case btctl.BREDR:
		return unix.BDADDR_BREDR
	}
	return unix.BDADDR_LE_PUBLIC
}

// dialATT connects the ATT channel of a and wraps it in a client whose
// requests are bounded by timeout.
func dialATT(a btctl.Address, connectTimeout, timeout time.Duration, l *logrus.Entry) (*att.Client, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, unix.BTPROTO_L2CAP)
	if err != nil {
		return nil, errors.Wrap(err, "can't create l2cap socket")
	}
	if err := unix.Bind(fd, &unix.SockaddrL2{CID: attCID, AddrType: unix.BDADDR_LE_PUBLIC}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "can't bind l2cap socket")
	}
	tv := unix.NsecToTimeval(connectTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "can't set connect timeout")
	}

	// SockaddrL2 takes the address in display order.
	sa := &unix.SockaddrL2{CID: attCID, AddrType: l2capAddrType(a)}
	copy(sa.Addr[:], a.HardwareAddr())
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		if err == unix.EINPROGRESS || err == unix.EAGAIN {
			return nil, errors.Wrapf(btctl.ErrTimedOut, "connect ATT to %s", a)
		}
		return nil, errors.Wrapf(err, "connect ATT to %s", a)
	}
	return att.NewClient(&l2capConn{fd: fd}, timeout, l), nil
}
