package ipmi

import (
	"context"

	"github.com/vboxbmc/vboxbmc/internal/bmc"
)

// Operations is what the chassis handler needs from the power/boot
// controller. Satisfied by *bmc.Controller.
type Operations interface {
	PowerState(ctx context.Context) (bmc.PowerState, error)
	PowerOn(ctx context.Context) bmc.Status
	PowerOff(ctx context.Context) bmc.Status
	PowerShutdown(ctx context.Context) bmc.Status
	PowerReset(ctx context.Context) bmc.Status
	BootDevice(ctx context.Context) (bmc.BootDevice, error)
	SetBootDevice(ctx context.Context, device bmc.BootDevice) bmc.Status
}

// IPMI network functions
const (
	NetFnChassis         = 0x00
	NetFnChassisResponse = 0x01
)

// IPMI Chassis commands
const (
	CmdGetChassisStatus = 0x01
	CmdChassisControl   = 0x02
	CmdChassisIdentify  = 0x04
	CmdSetBootOptions   = 0x08
	CmdGetBootOptions   = 0x09
)

// Chassis Control values
const (
	ChassisControlPowerDown  = 0x00
	ChassisControlPowerUp    = 0x01
	ChassisControlPowerCycle = 0x02
	ChassisControlHardReset  = 0x03
	ChassisControlPulse      = 0x04
	ChassisControlSoftOff    = 0x05
)

// bootOptionBootFlags is the boot options parameter carrying the boot
// device selector.
const bootOptionBootFlags = 5

// bootDeviceSelectorMask extracts the device selector from data 2 of
// the boot flags parameter (bits 5:2). The selector stays in byte
// position, never shifted down: the bmc package's device codes (0x04,
// 0x08, 0x14) are these masked byte values.
const bootDeviceSelectorMask = 0x3C

// CompletionCode represents an IPMI completion code
type CompletionCode uint8

const (
	CompletionCodeOK                  CompletionCode = 0x00
	CompletionCodeNodeBusy            CompletionCode = 0xC0
	CompletionCodeInvalidCommand      CompletionCode = 0xC1
	CompletionCodeParameterOutOfRange CompletionCode = 0xC9
	CompletionCodeInvalidField        CompletionCode = 0xCC
	CompletionCodeUnspecified         CompletionCode = 0xFF
)

// Message is one decoded IPMI request as handed over by the wire-level
// front end, after session handling and framing have been stripped.
type Message struct {
	NetFn   uint8
	Command uint8
	Data    []byte
}
