package bmc

import (
	"gitlab.com/tozd/go/errors"

	"github.com/vboxbmc/vboxbmc/internal/hypervisor"
)

// BootDevice is the canonical boot device kind shared by the IPMI-facing
// and hypervisor-facing translations.
type BootDevice int

const (
	BootDeviceNone BootDevice = iota
	BootDeviceNetwork
	BootDeviceHardDisk
	BootDeviceOptical
)

// IPMI boot device selector values from the Get/Set System Boot Options
// command, boot flags parameter (IPMI v2.0 table 28-13, already shifted
// into byte position).
const (
	ipmiBootNone    uint8 = 0x00
	ipmiBootNetwork uint8 = 0x04
	ipmiBootDisk    uint8 = 0x08
	ipmiBootOptical uint8 = 0x14
)

func (d BootDevice) String() string {
	switch d {
	case BootDeviceNetwork:
		return "network"
	case BootDeviceHardDisk:
		return "hd"
	case BootDeviceOptical:
		return "optical"
	default:
		return "none"
	}
}

// IPMICode returns the IPMI boot device selector for d. Devices without
// a defined selector report 0 (no override).
func (d BootDevice) IPMICode() uint8 {
	switch d {
	case BootDeviceNetwork:
		return ipmiBootNetwork
	case BootDeviceHardDisk:
		return ipmiBootDisk
	case BootDeviceOptical:
		return ipmiBootOptical
	default:
		return ipmiBootNone
	}
}

// BootDeviceFromIPMI translates an IPMI boot device selector into the
// canonical device kind. Unknown selectors are an error, not a silent
// default.
func BootDeviceFromIPMI(code uint8) (BootDevice, error) {
	switch code {
	case ipmiBootNetwork:
		return BootDeviceNetwork, nil
	case ipmiBootDisk:
		return BootDeviceHardDisk, nil
	case ipmiBootOptical:
		return BootDeviceOptical, nil
	default:
		return BootDeviceNone, errors.Errorf("unknown IPMI boot device code 0x%02x", code)
	}
}

// HypervisorDevice returns the hypervisor's native token for d. Only the
// three settable device kinds translate; everything else is an error.
func (d BootDevice) HypervisorDevice() (hypervisor.DeviceType, error) {
	switch d {
	case BootDeviceNetwork:
		return hypervisor.DeviceNetwork, nil
	case BootDeviceHardDisk:
		return hypervisor.DeviceDisk, nil
	case BootDeviceOptical:
		return hypervisor.DeviceDVD, nil
	default:
		return hypervisor.DeviceNull, errors.Errorf("boot device %q cannot be set", d)
	}
}

// BootDeviceFromHypervisor translates a hypervisor boot-order report into
// the canonical device kind. The second return is false for device types
// with no IPMI equivalent (floppy, none).
func BootDeviceFromHypervisor(device hypervisor.DeviceType) (BootDevice, bool) {
	switch device {
	case hypervisor.DeviceNetwork:
		return BootDeviceNetwork, true
	case hypervisor.DeviceDisk:
		return BootDeviceHardDisk, true
	case hypervisor.DeviceDVD:
		return BootDeviceOptical, true
	default:
		return BootDeviceNone, false
	}
}

// settableDevices is the fixed relative ordering used when rewriting the
// boot slots: the requested device moves to slot 1, the rest keep this
// order.
var settableDevices = []BootDevice{BootDeviceNetwork, BootDeviceHardDisk, BootDeviceOptical}

// bootOrder returns the hypervisor tokens for all settable devices with
// d first.
func (d BootDevice) bootOrder() []hypervisor.DeviceType {
	order := make([]hypervisor.DeviceType, 0, len(settableDevices))
	first, _ := d.HypervisorDevice()
	order = append(order, first)
	for _, dev := range settableDevices {
		if dev == d {
			continue
		}
		token, _ := dev.HypervisorDevice()
		order = append(order, token)
	}
	return order
}
