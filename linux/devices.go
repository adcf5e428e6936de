package linux

import (
	"github.com/XC-/btctl"
	"github.com/XC-/btctl/linux/internal/socket"
)

// ControllerInfo describes a local controller known to the kernel.
type ControllerInfo struct {
	ID      uint16
	Name    string
	Address btctl.Address
	Up      bool
}

// Controllers lists the local controllers.
func Controllers() ([]ControllerInfo, error) {
	dd, err := socket.Devices()
	if err != nil {
		return nil, err
	}
	cc := make([]ControllerInfo, 0, len(dd))
	for i := range dd {
		cc = append(cc, controllerInfo(&dd[i]))
	}
	return cc, nil
}

func controllerInfo(di *socket.DeviceInfo) ControllerInfo {
	return ControllerInfo{
		ID:      di.ID,
		Name:    di.Name(),
		Address: btctl.NewAddress(di.Address(), btctl.BREDR),
		Up:      di.Up(),
	}
}
