package linux

import (
	"github.com/XC-/btctl"
	"github.com/XC-/btctl/linux/internal/event"
)

func (h *HCISocket) inquiryResult(code event.EventCode) event.HandlerFunc {
	return func(b []byte) error {
		var ep event.InquiryResultEP
		if err := ep.Unmarshal(code, b); err != nil {
			return err
		}
		for _, r := range ep.Responses {
			a := btctl.NewAddress(r.BDADDR, btctl.BREDR)
			h.log.WithField("address", a.String()).Tracef("%s: rssi %d name %q", code, r.RSSI, r.Name)
			if h.sink != nil {
				h.sink.Discovered(false, a, r.Name)
			}
		}
		return nil
	}
}

func (h *HCISocket) handleInquiryComplete(b []byte) error {
	var ep event.InquiryCompleteEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	h.inqmu.Lock()
	if h.inqc != nil {
		close(h.inqc)
		h.inqc = nil
	}
	h.inqmu.Unlock()
	return nil
}

// Sink updates run before the waiting command is resolved so its caller
// observes the new device state.
func (h *HCISocket) handleConnectionComplete(b []byte) error {
	var ep event.ConnectionCompleteEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	if ep.Status == 0x00 && h.sink != nil {
		h.sink.Connected(btctl.NewAddress(ep.BDADDR, btctl.BREDR), ep.ConnectionHandle&0x0FFF, btctl.RoleMaster, btctl.ConnectionParameters{})
	}
	h.c.complete(event.ConnectionComplete, 0, b)
	return nil
}

func (h *HCISocket) handleDisconnectionComplete(b []byte) error {
	var ep event.DisconnectionCompleteEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	if ep.Status == 0x00 && h.sink != nil {
		h.sink.Disconnected(ep.ConnectionHandle&0x0FFF, ep.Reason)
	}
	h.c.complete(event.DisconnectionComplete, 0, b)
	return nil
}

// The name itself reaches the requester through the completion.
func (h *HCISocket) handleRemoteNameReqComplete(b []byte) error {
	h.c.complete(event.RemoteNameReqComplete, 0, b)
	return nil
}

func (h *HCISocket) handleRemoteFeatures(b []byte) error {
	var ep event.ReadRemoteSupportedFeaturesCompleteEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	if ep.Status == 0x00 && h.sink != nil {
		h.sink.Features(ep.ConnectionHandle&0x0FFF, ep.LMPFeatures[:])
	}
	h.c.complete(event.ReadRemoteSupportedFeaturesComplete, 0, b)
	return nil
}

func (h *HCISocket) handleIOCapabilityResponse(b []byte) error {
	var ep event.IOCapabilityResponseEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	if h.sink != nil {
		h.sink.Capabilities(btctl.NewAddress(ep.BDADDR, btctl.BREDR), btctl.Capabilities{
			IO:             btctl.Capability(ep.IOCapability),
			Authentication: ep.AuthenticationRequirement,
			OOB:            ep.OOBDataPresent != 0,
		})
	}
	return nil
}

func (h *HCISocket) handleLEMeta(b []byte) error {
	sub, err := event.Subevent(b)
	if err != nil {
		return err
	}
	switch sub {
	case event.LEConnectionComplete:
		var ep event.LEConnectionCompleteEP
		if err := ep.Unmarshal(b); err != nil {
			return err
		}
		if ep.Status == 0x00 && h.sink != nil {
			h.sink.Connected(leAddress(ep.PeerAddressType, ep.PeerAddress), ep.ConnectionHandle&0x0FFF, ep.Role, btctl.ConnectionParameters{
				Interval: ep.ConnInterval,
				Latency:  ep.ConnLatency,
				Timeout:  ep.SupervisionTimeout,
			})
		}
		h.c.complete(event.LEMeta, uint8(sub), b)

	case event.LEAdvertisingReport:
		var ep event.LEAdvertisingReportEP
		if err := ep.Unmarshal(b); err != nil {
			return err
		}
		if h.sink == nil {
			return nil
		}
		for _, r := range ep.Reports {
			h.sink.Discovered(true, leAddress(r.AddressType, r.Address), r.Name())
		}

	case event.LEConnectionUpdateComplete:
		var ep event.LEConnectionUpdateCompleteEP
		if err := ep.Unmarshal(b); err != nil {
			return err
		}
		if ep.Status == 0x00 && h.sink != nil {
			h.sink.ConnectionUpdated(ep.ConnectionHandle&0x0FFF, btctl.ConnectionParameters{
				Interval: ep.ConnInterval,
				Latency:  ep.ConnLatency,
				Timeout:  ep.SupervisionTimeout,
			})
		}
		h.c.complete(event.LEMeta, uint8(sub), b)

	case event.LEReadRemoteUsedFeaturesComplete:
		var ep event.LEReadRemoteUsedFeaturesCompleteEP
		if err := ep.Unmarshal(b); err != nil {
			return err
		}
		if ep.Status == 0x00 && h.sink != nil {
			h.sink.Features(ep.ConnectionHandle&0x0FFF, ep.LEFeatures[:])
		}
		h.c.complete(event.LEMeta, uint8(sub), b)

	default:
		h.log.Tracef("> HCI Event: %s not handled", sub)
	}
	return nil
}

func leAddress(typ uint8, b [6]byte) btctl.Address {
	if typ == advAddrRandom {
		return btctl.NewAddress(b, btctl.LERandom)
	}
	return btctl.NewAddress(b, btctl.LEPublic)
}
