package bmc

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/vboxbmc/vboxbmc/internal/hypervisor"
)

// PowerState is the BMC view of the VM's power state, always derived
// fresh from the hypervisor.
type PowerState int

const (
	PoweredOff PowerState = iota
	PoweredOn
)

func (s PowerState) String() string {
	if s == PoweredOn {
		return "on"
	}
	return "off"
}

const (
	defaultPollInterval = 2 * time.Second
	defaultLockAttempts = 30

	headlessFrontend = "headless"
)

// Controller translates semantic power and boot-device commands for one
// VM into hypervisor calls. The VM is resolved by name on every
// operation, so the controller outlives VM re-creation; constructing a
// controller for a VM that does not exist yet is fine.
//
// The controller performs no locking of its own: the hypervisor's
// session acquisition enforces mutual exclusion on the VM, and the BMC
// front end drives one request at a time.
type Controller struct {
	hv           hypervisor.Hypervisor
	vmName       string
	log          zerolog.Logger
	pollInterval time.Duration
	lockAttempts uint
}

// Option tunes controller construction.
type Option func(*Controller)

// WithPollInterval sets the delay between session-state polls while
// waiting for a launched VM to take its lock.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) { c.pollInterval = d }
}

// WithLockAttempts bounds the number of session-state polls after a
// launch before the power-on is reported as retryable.
func WithLockAttempts(n uint) Option {
	return func(c *Controller) { c.lockAttempts = n }
}

// New creates a controller for the named VM. It does not contact the
// hypervisor.
func New(hv hypervisor.Hypervisor, vmName string, log zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{
		hv:           hv,
		vmName:       vmName,
		log:          log.With().Str("vm", vmName).Logger(),
		pollInterval: defaultPollInterval,
		lockAttempts: defaultLockAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// VMName returns the name of the VM this controller drives.
func (c *Controller) VMName() string {
	return c.vmName
}

// PowerState reports whether the VM is running. A VM the hypervisor
// cannot find counts as powered off; only unexpected lookup failures are
// errors, surfaced as *ControllerError.
func (c *Controller) PowerState(ctx context.Context) (PowerState, error) {
	c.log.Debug().Msg("get power state")

	vm, err := c.hv.FindMachine(ctx, c.vmName)
	if err != nil {
		if errors.Is(err, hypervisor.ErrMachineNotFound) {
			return PoweredOff, nil
		}
		return PoweredOff, &ControllerError{VM: c.vmName, Err: err}
	}

	state, err := vm.State(ctx)
	if err != nil {
		return PoweredOff, &ControllerError{VM: c.vmName, Err: err}
	}
	if state == hypervisor.StateRunning {
		return PoweredOn, nil
	}
	return PoweredOff, nil
}

// PowerOn starts the VM headless if it is not already running, then
// waits for the launch session to reach the Locked state, polling at the
// configured interval for at most the configured attempts.
func (c *Controller) PowerOn(ctx context.Context) Status {
	vm, state, st := c.resolveState(ctx, "power on")
	if st != StatusOK {
		return st
	}
	if state == hypervisor.StateRunning {
		c.log.Info().Msg("power on: VM already running")
		return StatusOK
	}

	sess, err := vm.Launch(ctx, headlessFrontend)
	if err != nil {
		c.log.Error().Err(err).Msg("power on: launching VM")
		return StatusRetryable
	}
	defer c.release(ctx, sess)

	if err := c.waitLocked(ctx, sess); err != nil {
		c.log.Error().Err(err).Msg("power on: waiting for session lock")
		return StatusRetryable
	}

	c.log.Info().Msg("power on: VM started")
	return StatusOK
}

// PowerOff cuts power to the VM. Powering off a VM that is not running
// succeeds without contacting a session.
func (c *Controller) PowerOff(ctx context.Context) Status {
	return c.powerSignal(ctx, "power off", hypervisor.Session.PowerDown)
}

// PowerShutdown requests a soft, ACPI-style shutdown so guest shutdown
// hooks can run. Like PowerOff it is a no-op on a stopped VM.
func (c *Controller) PowerShutdown(ctx context.Context) Status {
	return c.powerSignal(ctx, "power shutdown", hypervisor.Session.PowerButton)
}

// PowerReset cold-resets the VM. A powered-off machine cannot be reset;
// that case succeeds without issuing the reset.
func (c *Controller) PowerReset(ctx context.Context) Status {
	return c.powerSignal(ctx, "power reset", hypervisor.Session.Reset)
}

// powerSignal runs one session-scoped power signal against a running VM,
// treating a stopped VM as a logged no-op.
func (c *Controller) powerSignal(ctx context.Context, op string, signal func(hypervisor.Session, context.Context) error) Status {
	vm, state, st := c.resolveState(ctx, op)
	if st != StatusOK {
		return st
	}
	if state != hypervisor.StateRunning {
		c.log.Info().Str("op", op).Msg("VM not running, nothing to do")
		return StatusOK
	}

	sess, err := vm.Lock(ctx)
	if err != nil {
		c.log.Error().Err(err).Str("op", op).Msg("locking session")
		return StatusRetryable
	}
	defer c.release(ctx, sess)

	if err := signal(sess, ctx); err != nil {
		c.log.Error().Err(err).Str("op", op).Msg("signaling VM")
		return StatusRetryable
	}
	return StatusOK
}

// BootDevice reports the device in the first boot slot. Slots holding a
// device with no IPMI equivalent report BootDeviceNone rather than
// failing.
func (c *Controller) BootDevice(ctx context.Context) (BootDevice, error) {
	vm, err := c.hv.FindMachine(ctx, c.vmName)
	if err != nil {
		return BootDeviceNone, &ControllerError{VM: c.vmName, Err: err}
	}

	device, err := vm.BootOrder(ctx, 1)
	if err != nil {
		return BootDeviceNone, &ControllerError{VM: c.vmName, Err: err}
	}

	d, ok := BootDeviceFromHypervisor(device)
	if !ok {
		c.log.Debug().Str("device", string(device)).Msg("boot device has no IPMI mapping")
		return BootDeviceNone, nil
	}
	return d, nil
}

// SetBootDevice rewrites the VM's boot order with the requested device
// first and the remaining known devices after it in a fixed relative
// order. All slot writes are staged on one session and committed with a
// single save, so a failed persist leaves the previous order intact.
func (c *Controller) SetBootDevice(ctx context.Context, device BootDevice) Status {
	if _, err := device.HypervisorDevice(); err != nil {
		c.log.Warn().Stringer("device", device).Msg("rejecting unsupported boot device")
		return StatusInvalidRequest
	}

	vm, err := c.hv.FindMachine(ctx, c.vmName)
	if err != nil {
		c.log.Error().Err(err).Msg("set boot device: resolving VM")
		return StatusRetryable
	}

	sess, err := vm.Lock(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("set boot device: locking session")
		return StatusRetryable
	}
	defer c.release(ctx, sess)

	for slot := 1; slot <= hypervisor.BootSlots; slot++ {
		if err := sess.SetBootOrder(ctx, slot, hypervisor.DeviceNull); err != nil {
			c.log.Error().Err(err).Int("slot", slot).Msg("set boot device: clearing slot")
			return StatusRetryable
		}
	}
	for i, token := range device.bootOrder() {
		if err := sess.SetBootOrder(ctx, i+1, token); err != nil {
			c.log.Error().Err(err).Int("slot", i+1).Msg("set boot device: writing slot")
			return StatusRetryable
		}
	}

	if err := sess.SaveSettings(ctx); err != nil {
		c.log.Error().Err(err).Msg("set boot device: saving settings")
		return StatusRetryable
	}

	c.log.Info().Stringer("device", device).Msg("boot device set")
	return StatusOK
}

// resolveState fetches a fresh machine handle plus its state for a
// mutating operation, mapping every failure to StatusRetryable.
func (c *Controller) resolveState(ctx context.Context, op string) (hypervisor.Machine, hypervisor.MachineState, Status) {
	vm, err := c.hv.FindMachine(ctx, c.vmName)
	if err != nil {
		c.log.Error().Err(err).Str("op", op).Msg("resolving VM")
		return nil, "", StatusRetryable
	}
	state, err := vm.State(ctx)
	if err != nil {
		c.log.Error().Err(err).Str("op", op).Msg("reading VM state")
		return nil, "", StatusRetryable
	}
	return vm, state, StatusOK
}

// waitLocked polls the session until the hypervisor reports it Locked.
func (c *Controller) waitLocked(ctx context.Context, sess hypervisor.Session) error {
	return retry.Do(
		func() error {
			state, err := sess.State(ctx)
			if err != nil {
				return err
			}
			if state != hypervisor.SessionLocked {
				return errors.Errorf("session state %q", state)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.lockAttempts),
		retry.Delay(c.pollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

func (c *Controller) release(ctx context.Context, sess hypervisor.Session) {
	if err := sess.Release(ctx); err != nil {
		c.log.Warn().Err(err).Msg("releasing session")
	}
}
