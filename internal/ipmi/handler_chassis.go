package ipmi

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/vboxbmc/vboxbmc/internal/bmc"
)

// ChassisHandler answers Chassis network function requests by driving
// the controller's semantic operations. It owns no transport; the BMC
// front end decodes the wire protocol and calls Handle.
type ChassisHandler struct {
	ops Operations
	log zerolog.Logger
}

// NewChassisHandler creates a handler over the given controller.
func NewChassisHandler(ops Operations, log zerolog.Logger) *ChassisHandler {
	return &ChassisHandler{ops: ops, log: log}
}

// Handle dispatches one chassis request and returns the completion code
// plus response data.
func (h *ChassisHandler) Handle(ctx context.Context, msg *Message) (CompletionCode, []byte) {
	switch msg.Command {
	case CmdGetChassisStatus:
		return h.handleGetChassisStatus(ctx)
	case CmdChassisControl:
		return h.handleChassisControl(ctx, msg.Data)
	case CmdChassisIdentify:
		h.log.Debug().Msg("chassis identify requested")
		return CompletionCodeOK, nil
	case CmdSetBootOptions:
		return h.handleSetBootOptions(ctx, msg.Data)
	case CmdGetBootOptions:
		return h.handleGetBootOptions(ctx, msg.Data)
	default:
		return CompletionCodeInvalidCommand, nil
	}
}

func (h *ChassisHandler) handleGetChassisStatus(ctx context.Context) (CompletionCode, []byte) {
	state, err := h.ops.PowerState(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("get chassis status")
		return CompletionCodeUnspecified, nil
	}

	var powerByte byte
	if state == bmc.PoweredOn {
		powerByte = 0x01 // bit 0 = power on
	}

	data := []byte{
		powerByte, // Current Power State
		0x00,      // Last Power Event
		0x00,      // Misc Chassis State
		0x00,      // Front Panel Button
	}
	return CompletionCodeOK, data
}

func (h *ChassisHandler) handleChassisControl(ctx context.Context, reqData []byte) (CompletionCode, []byte) {
	if len(reqData) < 1 {
		return CompletionCodeInvalidField, nil
	}

	var status bmc.Status
	switch control := reqData[0]; control {
	case ChassisControlPowerDown:
		status = h.ops.PowerOff(ctx)
	case ChassisControlPowerUp:
		status = h.ops.PowerOn(ctx)
	case ChassisControlPowerCycle:
		status = h.ops.PowerOff(ctx)
		if status == bmc.StatusOK {
			status = h.ops.PowerOn(ctx)
		}
	case ChassisControlHardReset:
		status = h.ops.PowerReset(ctx)
	case ChassisControlSoftOff:
		status = h.ops.PowerShutdown(ctx)
	case ChassisControlPulse:
		h.log.Debug().Msg("chassis control pulse (no-op)")
		status = bmc.StatusOK
	default:
		return CompletionCodeInvalidField, nil
	}

	return CompletionCode(status.CompletionCode()), nil
}

func (h *ChassisHandler) handleSetBootOptions(ctx context.Context, reqData []byte) (CompletionCode, []byte) {
	if len(reqData) < 1 {
		return CompletionCodeInvalidField, nil
	}

	switch param := reqData[0] & 0x7F; param {
	case bootOptionBootFlags:
		if len(reqData) < 3 {
			return CompletionCodeInvalidField, nil
		}
		code := reqData[2] & bootDeviceSelectorMask
		device, err := bmc.BootDeviceFromIPMI(code)
		if err != nil {
			h.log.Warn().Uint8("code", code).Msg("unsupported boot device requested")
			return CompletionCodeInvalidField, nil
		}
		status := h.ops.SetBootDevice(ctx, device)
		return CompletionCode(status.CompletionCode()), nil
	default:
		// Accept but ignore other parameters
		return CompletionCodeOK, nil
	}
}

func (h *ChassisHandler) handleGetBootOptions(ctx context.Context, reqData []byte) (CompletionCode, []byte) {
	if len(reqData) < 1 {
		return CompletionCodeInvalidField, nil
	}

	switch param := reqData[0] & 0x7F; param {
	case bootOptionBootFlags:
		device, err := h.ops.BootDevice(ctx)
		if err != nil {
			h.log.Error().Err(err).Msg("get boot options")
			return CompletionCodeUnspecified, nil
		}

		data := make([]byte, 5)
		data[0] = 0x01 // parameter version
		if device != bmc.BootDeviceNone {
			data[1] = 0x80 // boot flags valid
		}
		data[2] = device.IPMICode()
		return CompletionCodeOK, data
	default:
		return CompletionCodeParameterOutOfRange, nil
	}
}
