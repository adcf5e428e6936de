// +build linux

// Package socket wraps raw AF_BLUETOOTH HCI sockets.
package socket

import (
	"bytes"
	"io"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func ioR(t, nr, size uintptr) uintptr {
	return (2 << 30) | (t << 8) | nr | (size << 16)
}

func ioW(t, nr, size uintptr) uintptr {
	return (1 << 30) | (t << 8) | nr | (size << 16)
}

func ioctl(fd, op, arg uintptr) error {
	if _, _, ep := unix.Syscall(unix.SYS_IOCTL, fd, op, arg); ep != 0 {
		return ep
	}
	return nil
}

const (
	ioctlSize      = 4
	hciMaxDevices  = 16
	typHCI         = 72 // 'H'
	readTimeout    = 1000
	unixPollErrors = int16(unix.POLLHUP | unix.POLLNVAL | unix.POLLERR)
	unixPollDataIn = int16(unix.POLLIN)

	solHCI    = 0
	hciFilter = 2
)

var (
	hciUpDevice      = ioW(typHCI, 201, ioctlSize) // HCIDEVUP
	hciDownDevice    = ioW(typHCI, 202, ioctlSize) // HCIDEVDOWN
	hciGetDeviceList = ioR(typHCI, 210, ioctlSize) // HCIGETDEVLIST
	hciGetDeviceInfo = ioR(typHCI, 211, ioctlSize) // HCIGETDEVINFO
)

// Channels a socket can be bound to.
const (
	ChannelRaw     = unix.HCI_CHANNEL_RAW
	ChannelControl = unix.HCI_CHANNEL_CONTROL
)

// DevNone binds a socket to no controller, as the control channel requires.
const DevNone = 0xFFFF

// Socket is a raw HCI socket. Read returns (0, nil) when no packet arrived
// within the poll interval so a reader loop can notice Close.
type Socket struct {
	fd   int
	rmu  sync.Mutex
	wmu  sync.Mutex
	cmu  sync.Mutex
	done chan struct{}
}

// Open binds a raw HCI socket to channel of controller dev.
func Open(dev uint16, channel uint16) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.BTPROTO_HCI)
	if err != nil {
		return nil, errors.Wrap(err, "can't create socket")
	}
	sa := unix.SockaddrHCI{Dev: dev, Channel: channel}
	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "can't bind socket to hci%d channel %d", dev, channel)
	}
	return &Socket{fd: fd, done: make(chan struct{})}, nil
}

// Filter is the kernel HCI socket filter.
type Filter struct {
	TypeMask  uint32
	EventMask [2]uint32
	Opcode    uint16
}

// EventFilter passes every event packet and nothing else.
func EventFilter() Filter {
	return Filter{TypeMask: 1 << 0x04, EventMask: [2]uint32{0xFFFFFFFF, 0xFFFFFFFF}}
}

func (f Filter) bytes() []byte {
	b := make([]byte, 14)
	le := func(b []byte, v uint32) { b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24) }
	le(b[0:], f.TypeMask)
	le(b[4:], f.EventMask[0])
	le(b[8:], f.EventMask[1])
	b[12], b[13] = byte(f.Opcode), byte(f.Opcode>>8)
	return b
}

// SetFilter installs f on a raw channel socket.
func (s *Socket) SetFilter(f Filter) error {
	err := unix.SetsockoptString(s.fd, solHCI, hciFilter, string(f.bytes()))
	return errors.Wrap(err, "can't set hci filter")
}

func (s *Socket) isOpen() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Socket) Read(p []byte) (int, error) {
	if !s.isOpen() {
		return 0, io.EOF
	}
	s.rmu.Lock()
	defer s.rmu.Unlock()

	pfds := []unix.PollFd{{Fd: int32(s.fd), Events: unixPollDataIn}}
	if _, err := unix.Poll(pfds, readTimeout); err != nil && err != unix.EINTR {
		return 0, errors.Wrap(err, "can't poll hci socket")
	}
	evts := pfds[0].Revents

	var n int
	var err error
	switch {
	case evts&unixPollErrors != 0:
		return 0, io.EOF
	case evts&unixPollDataIn != 0:
		n, err = unix.Read(s.fd, p)
	default:
		return 0, nil
	}
	if !s.isOpen() {
		return 0, io.EOF
	}
	return n, errors.Wrap(err, "can't read hci socket")
}

func (s *Socket) Write(p []byte) (int, error) {
	if !s.isOpen() {
		return 0, io.EOF
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	n, err := unix.Write(s.fd, p)
	return n, errors.Wrap(err, "can't write hci socket")
}

func (s *Socket) Close() error {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	s.rmu.Lock()
	err := unix.Close(s.fd)
	s.rmu.Unlock()
	return errors.Wrap(err, "can't close hci socket")
}

func withControl(f func(fd int) error) error {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.BTPROTO_HCI)
	if err != nil {
		return errors.Wrap(err, "can't create socket")
	}
	defer unix.Close(fd)
	return f(fd)
}

// Up brings controller id up. A controller that is already up is not an error.
func Up(id uint16) error {
	return withControl(func(fd int) error {
		err := ioctl(uintptr(fd), hciUpDevice, uintptr(id))
		if err == unix.EALREADY {
			return nil
		}
		return errors.Wrapf(err, "can't up hci%d", id)
	})
}

// Down takes controller id down.
func Down(id uint16) error {
	return withControl(func(fd int) error {
		return errors.Wrapf(ioctl(uintptr(fd), hciDownDevice, uintptr(id)), "can't down hci%d", id)
	})
}

type devListRequest struct {
	devNum     uint16
	devRequest [hciMaxDevices]struct {
		id  uint16
		opt uint32
	}
}

// DeviceInfo mirrors struct hci_dev_info.
type DeviceInfo struct {
	ID       uint16
	name     [8]byte
	addr     [6]byte
	Flags    uint32
	Type     uint8
	Features [8]uint8

	PktType    uint32
	LinkPolicy uint32
	LinkMode   uint32

	ACLMTU  uint16
	ACLPkts uint16
	SCOMTU  uint16
	SCOPkts uint16

	Stats DeviceStats
}

type DeviceStats struct {
	ErrRx  uint32
	ErrTx  uint32
	CmdTx  uint32
	EvtRx  uint32
	ACLTx  uint32
	ACLRx  uint32
	SCOTx  uint32
	SCORx  uint32
	ByteRx uint32
	ByteTx uint32
}

const flagUp = 1 << 0

func (di *DeviceInfo) Name() string {
	b := di.name[:]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Address returns the controller address in wire order.
func (di *DeviceInfo) Address() [6]byte { return di.addr }

func (di *DeviceInfo) Up() bool { return di.Flags&flagUp != 0 }

// Devices lists the controllers known to the kernel.
func Devices() ([]DeviceInfo, error) {
	var dd []DeviceInfo
	err := withControl(func(fd int) error {
		req := devListRequest{devNum: hciMaxDevices}
		if err := ioctl(uintptr(fd), hciGetDeviceList, uintptr(unsafe.Pointer(&req))); err != nil {
			return errors.Wrap(err, "can't get device list")
		}
		for i := 0; i < int(req.devNum); i++ {
			di := DeviceInfo{ID: req.devRequest[i].id}
			if err := ioctl(uintptr(fd), hciGetDeviceInfo, uintptr(unsafe.Pointer(&di))); err != nil {
				return errors.Wrapf(err, "can't get info of hci%d", di.ID)
			}
			dd = append(dd, di)
		}
		return nil
	})
	return dd, err
}
