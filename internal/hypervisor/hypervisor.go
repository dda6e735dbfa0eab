package hypervisor

import (
	"context"

	"gitlab.com/tozd/go/errors"
)

// ErrMachineNotFound is returned by FindMachine when no VM with the
// requested name is registered with the hypervisor.
var ErrMachineNotFound = errors.New("machine not found")

// MachineState is the lifecycle state the hypervisor reports for a VM.
type MachineState string

const (
	StatePoweredOff MachineState = "poweroff"
	StateSaved      MachineState = "saved"
	StateAborted    MachineState = "aborted"
	StateRunning    MachineState = "running"
	StatePaused     MachineState = "paused"
	StateStuck      MachineState = "gurumeditation"
)

// SessionState is the lock state of a session on a VM.
type SessionState string

const (
	SessionUnlocked  SessionState = "Unlocked"
	SessionSpawning  SessionState = "Spawning"
	SessionLocked    SessionState = "Locked"
	SessionUnlocking SessionState = "Unlocking"
)

// DeviceType is the hypervisor's native boot device token, as accepted
// by its boot-order configuration.
type DeviceType string

const (
	DeviceNull    DeviceType = "none"
	DeviceFloppy  DeviceType = "floppy"
	DeviceDVD     DeviceType = "dvd"
	DeviceDisk    DeviceType = "disk"
	DeviceNetwork DeviceType = "net"
)

// BootSlots is the number of ordered boot-device slots on a machine.
const BootSlots = 4

// Hypervisor resolves VM names to live machine handles. Callers resolve
// on every operation and never reuse a handle across operations, so a VM
// may be created, destroyed or migrated between calls.
type Hypervisor interface {
	FindMachine(ctx context.Context, name string) (Machine, error)
}

// Machine is a live handle to a single VM.
type Machine interface {
	Name() string

	// State reports the VM's current lifecycle state.
	State(ctx context.Context) (MachineState, error)

	// BootOrder reports the device configured in the given boot slot
	// (1-based, up to BootSlots).
	BootOrder(ctx context.Context, slot int) (DeviceType, error)

	// Launch starts the VM process with the given frontend type
	// ("headless" for no display) and returns the session that owns the
	// launch. Launching is asynchronous; callers poll the session state
	// until it reaches SessionLocked.
	Launch(ctx context.Context, frontend string) (Session, error)

	// Lock acquires an exclusive session on the machine.
	Lock(ctx context.Context) (Session, error)
}

// Session is an exclusive lock on a machine. Boot configuration writes
// are staged on the session and only become visible once SaveSettings
// commits them. Callers must Release on every exit path; a leaked
// session leaves the VM locked for the next operation.
type Session interface {
	// State reports the session's lock state.
	State(ctx context.Context) (SessionState, error)

	// PowerDown cuts power to the VM without notifying the guest.
	PowerDown(ctx context.Context) error

	// PowerButton sends an ACPI power-button press so guest shutdown
	// hooks can run.
	PowerButton(ctx context.Context) error

	// Reset cold-resets the VM.
	Reset(ctx context.Context) error

	// SetBootOrder stages the device for the given boot slot (1-based).
	SetBootOrder(ctx context.Context, slot int, device DeviceType) error

	// SaveSettings commits staged configuration changes.
	SaveSettings(ctx context.Context) error

	// Release unlocks the machine and discards uncommitted staged state.
	Release(ctx context.Context) error
}
