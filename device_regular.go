package btctl

// regularDevice is a BR/EDR device. It connects with Create Connection and
// resolves its name with a Remote Name Request.
type regularDevice struct{}

func (regularDevice) connect(admin Administrator, a Address) (uint16, uint8, error) {
	return admin.Connect(a)
}

func (regularDevice) resolveName(d *Device) {
	d.mu.Lock()
	if d.name != "" || d.metadataPending {
		d.mu.Unlock()
		return
	}
	d.metadataPending = true
	d.mu.Unlock()

	err := d.admin.RemoteName(d.addr, func(name string, err error) {
		if err != nil {
			d.log.WithError(err).Debug("remote name request failed")
			d.mu.Lock()
			d.metadataPending = false
			d.mu.Unlock()
			return
		}
		d.SetName(name)
	})
	if err != nil {
		d.log.WithError(err).Debug("could not start remote name request")
		d.mu.Lock()
		d.metadataPending = false
		d.mu.Unlock()
	}
}
