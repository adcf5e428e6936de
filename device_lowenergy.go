package btctl

// lowEnergyDevice is an LE device. Its name comes from advertising data or
// the GATT Device Name characteristic, so there is nothing to resolve.
type lowEnergyDevice struct{}

func (lowEnergyDevice) connect(admin Administrator, a Address) (uint16, uint8, error) {
	return admin.ConnectLE(a)
}

func (lowEnergyDevice) resolveName(*Device) {}
