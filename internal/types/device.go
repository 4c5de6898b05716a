package types

// CardProfileDefinition describes one card model: how to recognise it on the
// bus and how its logical devices are laid out.
type CardProfileDefinition struct {
	CardProfile CardProfileInfo    `json:"card_profile"`
	Identity    CardIdentity       `json:"identity"`
	Regions     RegionConfig       `json:"regions"`
	Topology    TopologyDefinition `json:"topology"`
	Slots       []SlotDefinition   `json:"slots,omitempty"`
}

type CardProfileInfo struct {
	ID          string `json:"id"`
	Vendor      string `json:"vendor"`
	Model       string `json:"model"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

// CardIdentity holds the PCI identifiers. The vendor/device pair belongs to
// the bridge chip; the subsystem pair identifies the actual card.
type CardIdentity struct {
	VendorID          uint16 `json:"vendor_id"`
	DeviceID          uint16 `json:"device_id"`
	SubsystemVendorID uint16 `json:"subsystem_vendor_id"`
	SubsystemDeviceID uint16 `json:"subsystem_device_id"`
}

type RegionConfig struct {
	SharedBAR    int `json:"shared_bar"`
	BusMasterBAR int `json:"busmaster_bar"`
}

type TopologyDefinition struct {
	Slots    int `json:"slots"`
	IOPorts  int `json:"io_ports"`
	Timers   int `json:"timers"`
	PortSize int `json:"port_size"`
	BulkSlot int `json:"bulk_slot"`
}

// SlotDefinition attaches a human name to a slot index, e.g. "do_fifo".
type SlotDefinition struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SlotByName returns the index of the named slot.
func (p *CardProfileDefinition) SlotByName(name string) (int, bool) {
	for _, s := range p.Slots {
		if s.Name == name {
			return s.Index, true
		}
	}
	return 0, false
}
