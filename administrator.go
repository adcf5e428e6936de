package btctl

import (
	"time"

	"github.com/XC-/btctl/att"
)

// Administrator issues controller operations on behalf of devices.
// There is one per process; it is constructed explicitly and handed to the
// Controller and its devices.
type Administrator interface {
	// Connect creates a BR/EDR ACL connection and returns its handle and
	// the local role once the Connection Complete event arrives.
	Connect(a Address) (handle uint16, role uint8, err error)

	// ConnectLE creates an LE connection with the configured connection
	// interval window.
	ConnectLE(a Address) (handle uint16, role uint8, err error)

	// Disconnect terminates the connection and waits for Disconnection
	// Complete.
	Disconnect(handle uint16, reason uint8) error

	// RemoteName starts a Remote Name Request. done is called from another
	// goroutine when the request completes.
	RemoteName(a Address, done func(name string, err error)) error

	Pair(a Address, c Capability) error
	Unpair(a Address) error

	// Scan queues a discovery run of duration d. It returns false if a scan
	// is already queued or running.
	Scan(mode ScanMode, d time.Duration) bool

	// StopScan revokes a queued scan and cancels a running one.
	StopScan() bool

	Scanning() bool

	// DialATT opens the ATT fixed channel to a connected LE device.
	DialATT(a Address) (AttributeClient, error)
}

// AttributeClient is the subset of the ATT client used by Remote.
type AttributeClient interface {
	Handle(h att.NotificationHandler)
	FindByTypeValue(start, end uint16, typ att.UUID, value []byte) ([]att.HandleRange, error)
	ReadByType(start, end uint16, typ att.UUID) ([]att.HandleValue, error)
	FindInformation(start, end uint16) ([]att.HandleUUID, error)
	ReadLong(handle uint16, max int) ([]byte, error)
	Write(handle uint16, value []byte) error
	Close() error
}

// Registry is what the administrator needs from the device registry to
// translate controller events into device state.
type Registry interface {
	Discovered(lowEnergy bool, a Address, name string) *Device
	Find(a Address) *Device
	FindByHandle(handle uint16) *Device
}
