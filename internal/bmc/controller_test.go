package bmc

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/vboxbmc/vboxbmc/internal/hypervisor"
)

// mockHypervisor implements hypervisor.Hypervisor for testing.
type mockHypervisor struct {
	machines map[string]*mockMachine
	findErr  error
}

func newMockHypervisor(machines ...*mockMachine) *mockHypervisor {
	hv := &mockHypervisor{machines: map[string]*mockMachine{}}
	for _, m := range machines {
		hv.machines[m.name] = m
	}
	return hv
}

func (h *mockHypervisor) FindMachine(_ context.Context, name string) (hypervisor.Machine, error) {
	if h.findErr != nil {
		return nil, h.findErr
	}
	m, ok := h.machines[name]
	if !ok {
		return nil, hypervisor.ErrMachineNotFound
	}
	return m, nil
}

type mockMachine struct {
	name      string
	state     hypervisor.MachineState
	stateErr  error
	bootOrder [hypervisor.BootSlots]hypervisor.DeviceType
	session   *mockSession
	launchErr error
	lockErr   error
	calls     []string
}

func newMockMachine(name string, state hypervisor.MachineState) *mockMachine {
	m := &mockMachine{name: name, state: state}
	m.bootOrder = [hypervisor.BootSlots]hypervisor.DeviceType{
		hypervisor.DeviceDisk, hypervisor.DeviceNull, hypervisor.DeviceNull, hypervisor.DeviceNull,
	}
	m.session = &mockSession{machine: m, state: hypervisor.SessionLocked}
	return m
}

func (m *mockMachine) Name() string { return m.name }

func (m *mockMachine) State(context.Context) (hypervisor.MachineState, error) {
	m.calls = append(m.calls, "State")
	if m.stateErr != nil {
		return "", m.stateErr
	}
	return m.state, nil
}

func (m *mockMachine) BootOrder(_ context.Context, slot int) (hypervisor.DeviceType, error) {
	m.calls = append(m.calls, "BootOrder")
	return m.bootOrder[slot-1], nil
}

func (m *mockMachine) Launch(_ context.Context, frontend string) (hypervisor.Session, error) {
	m.calls = append(m.calls, "Launch:"+frontend)
	if m.launchErr != nil {
		return nil, m.launchErr
	}
	m.state = hypervisor.StateRunning
	return m.session, nil
}

func (m *mockMachine) Lock(context.Context) (hypervisor.Session, error) {
	m.calls = append(m.calls, "Lock")
	if m.lockErr != nil {
		return nil, m.lockErr
	}
	return m.session, nil
}

type mockSession struct {
	machine   *mockMachine
	state     hypervisor.SessionState
	stateSeq  []hypervisor.SessionState // consumed before falling back to state
	staged    map[int]hypervisor.DeviceType
	saveErr   error
	signalErr error
	calls     []string
	released  bool
}

func (s *mockSession) State(context.Context) (hypervisor.SessionState, error) {
	s.calls = append(s.calls, "State")
	if len(s.stateSeq) > 0 {
		st := s.stateSeq[0]
		s.stateSeq = s.stateSeq[1:]
		return st, nil
	}
	return s.state, nil
}

func (s *mockSession) PowerDown(context.Context) error {
	s.calls = append(s.calls, "PowerDown")
	if s.signalErr != nil {
		return s.signalErr
	}
	s.machine.state = hypervisor.StatePoweredOff
	return nil
}

func (s *mockSession) PowerButton(context.Context) error {
	s.calls = append(s.calls, "PowerButton")
	return s.signalErr
}

func (s *mockSession) Reset(context.Context) error {
	s.calls = append(s.calls, "Reset")
	return s.signalErr
}

func (s *mockSession) SetBootOrder(_ context.Context, slot int, device hypervisor.DeviceType) error {
	s.calls = append(s.calls, "SetBootOrder")
	if s.staged == nil {
		s.staged = map[int]hypervisor.DeviceType{}
	}
	s.staged[slot] = device
	return nil
}

func (s *mockSession) SaveSettings(context.Context) error {
	s.calls = append(s.calls, "SaveSettings")
	if s.saveErr != nil {
		return s.saveErr
	}
	for slot, device := range s.staged {
		s.machine.bootOrder[slot-1] = device
	}
	s.staged = nil
	return nil
}

func (s *mockSession) Release(context.Context) error {
	s.calls = append(s.calls, "Release")
	s.released = true
	s.staged = nil
	return nil
}

func newTestController(hv hypervisor.Hypervisor, vm string, opts ...Option) *Controller {
	opts = append([]Option{WithPollInterval(time.Millisecond), WithLockAttempts(3)}, opts...)
	return New(hv, vm, zerolog.Nop(), opts...)
}

func TestPowerState_Running(t *testing.T) {
	hv := newMockHypervisor(newMockMachine("node-1", hypervisor.StateRunning))
	c := newTestController(hv, "node-1")

	state, err := c.PowerState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PoweredOn, state)
}

func TestPowerState_NotRunningStates(t *testing.T) {
	for _, st := range []hypervisor.MachineState{
		hypervisor.StatePoweredOff,
		hypervisor.StateSaved,
		hypervisor.StateAborted,
		hypervisor.StatePaused,
	} {
		t.Run(string(st), func(t *testing.T) {
			hv := newMockHypervisor(newMockMachine("node-1", st))
			c := newTestController(hv, "node-1")

			state, err := c.PowerState(context.Background())
			require.NoError(t, err)
			assert.Equal(t, PoweredOff, state)
		})
	}
}

func TestPowerState_MachineNotFound(t *testing.T) {
	hv := newMockHypervisor()
	c := newTestController(hv, "ghost")

	state, err := c.PowerState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PoweredOff, state)
}

func TestPowerState_UnexpectedError(t *testing.T) {
	hv := newMockHypervisor()
	hv.findErr = errors.New("hypervisor unreachable")
	c := newTestController(hv, "node-1")

	_, err := c.PowerState(context.Background())
	require.Error(t, err)

	var cerr *ControllerError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "node-1", cerr.VM)
	assert.ErrorIs(t, err, hv.findErr)
}

func TestPowerOn_AlreadyRunning(t *testing.T) {
	m := newMockMachine("node-1", hypervisor.StateRunning)
	c := newTestController(newMockHypervisor(m), "node-1")

	assert.Equal(t, StatusOK, c.PowerOn(context.Background()))
	assert.NotContains(t, m.calls, "Launch:headless")
}

func TestPowerOn_LaunchesHeadlessAndWaitsForLock(t *testing.T) {
	m := newMockMachine("node-1", hypervisor.StatePoweredOff)
	m.session.stateSeq = []hypervisor.SessionState{
		hypervisor.SessionSpawning,
		hypervisor.SessionSpawning,
		hypervisor.SessionLocked,
	}
	c := newTestController(newMockHypervisor(m), "node-1")

	assert.Equal(t, StatusOK, c.PowerOn(context.Background()))
	assert.Contains(t, m.calls, "Launch:headless")
	assert.True(t, m.session.released)

	state, err := c.PowerState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PoweredOn, state)
}

func TestPowerOn_LockTimeoutIsRetryable(t *testing.T) {
	m := newMockMachine("node-1", hypervisor.StatePoweredOff)
	m.session.state = hypervisor.SessionSpawning // never reaches Locked
	c := newTestController(newMockHypervisor(m), "node-1")

	assert.Equal(t, StatusRetryable, c.PowerOn(context.Background()))
	assert.True(t, m.session.released)
}

func TestPowerOn_Canceled(t *testing.T) {
	m := newMockMachine("node-1", hypervisor.StatePoweredOff)
	m.session.state = hypervisor.SessionSpawning
	c := newTestController(newMockHypervisor(m), "node-1", WithLockAttempts(0), WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	assert.Equal(t, StatusRetryable, c.PowerOn(ctx))
}

func TestPowerOn_LaunchFailureIsRetryable(t *testing.T) {
	m := newMockMachine("node-1", hypervisor.StatePoweredOff)
	m.launchErr = errors.New("VERR_VM_CREATE_FAILED")
	c := newTestController(newMockHypervisor(m), "node-1")

	assert.Equal(t, StatusRetryable, c.PowerOn(context.Background()))
}

func TestPowerOff_Running(t *testing.T) {
	m := newMockMachine("node-1", hypervisor.StateRunning)
	c := newTestController(newMockHypervisor(m), "node-1")

	assert.Equal(t, StatusOK, c.PowerOff(context.Background()))
	assert.Contains(t, m.session.calls, "PowerDown")
	assert.True(t, m.session.released)
}

func TestPowerOff_AlreadyOff(t *testing.T) {
	m := newMockMachine("node-1", hypervisor.StatePoweredOff)
	c := newTestController(newMockHypervisor(m), "node-1")

	assert.Equal(t, StatusOK, c.PowerOff(context.Background()))
	assert.NotContains(t, m.calls, "Lock")
}

func TestPowerOff_SignalFailureIsRetryable(t *testing.T) {
	m := newMockMachine("node-1", hypervisor.StateRunning)
	m.session.signalErr = errors.New("session busy")
	c := newTestController(newMockHypervisor(m), "node-1")

	assert.Equal(t, StatusRetryable, c.PowerOff(context.Background()))
	assert.True(t, m.session.released)
}

func TestPowerShutdown_SendsPowerButton(t *testing.T) {
	m := newMockMachine("node-1", hypervisor.StateRunning)
	c := newTestController(newMockHypervisor(m), "node-1")

	assert.Equal(t, StatusOK, c.PowerShutdown(context.Background()))
	assert.Contains(t, m.session.calls, "PowerButton")
	assert.NotContains(t, m.session.calls, "PowerDown")
}

func TestPowerShutdown_AlreadyOff(t *testing.T) {
	m := newMockMachine("node-1", hypervisor.StateSaved)
	c := newTestController(newMockHypervisor(m), "node-1")

	assert.Equal(t, StatusOK, c.PowerShutdown(context.Background()))
	assert.Empty(t, m.session.calls)
}

func TestPowerReset_Running(t *testing.T) {
	m := newMockMachine("node-1", hypervisor.StateRunning)
	c := newTestController(newMockHypervisor(m), "node-1")

	assert.Equal(t, StatusOK, c.PowerReset(context.Background()))
	assert.Contains(t, m.session.calls, "Reset")
	assert.True(t, m.session.released)
}

func TestPowerReset_PoweredOffIsNoop(t *testing.T) {
	m := newMockMachine("node-1", hypervisor.StatePoweredOff)
	c := newTestController(newMockHypervisor(m), "node-1")

	assert.Equal(t, StatusOK, c.PowerReset(context.Background()))
	assert.Empty(t, m.session.calls)
}

func TestBootDevice_ReadsFirstSlot(t *testing.T) {
	m := newMockMachine("node-1", hypervisor.StatePoweredOff)
	m.bootOrder[0] = hypervisor.DeviceNetwork
	c := newTestController(newMockHypervisor(m), "node-1")

	d, err := c.BootDevice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BootDeviceNetwork, d)
}

func TestBootDevice_UnmappedDeviceIsNone(t *testing.T) {
	m := newMockMachine("node-1", hypervisor.StatePoweredOff)
	m.bootOrder[0] = hypervisor.DeviceFloppy
	c := newTestController(newMockHypervisor(m), "node-1")

	d, err := c.BootDevice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BootDeviceNone, d)
	assert.Equal(t, uint8(0x00), d.IPMICode())
}

func TestBootDevice_LookupFailure(t *testing.T) {
	hv := newMockHypervisor()
	hv.findErr = errors.New("hypervisor unreachable")
	c := newTestController(hv, "node-1")

	_, err := c.BootDevice(context.Background())
	var cerr *ControllerError
	require.ErrorAs(t, err, &cerr)
}

func TestSetBootDevice_RewritesAllSlots(t *testing.T) {
	m := newMockMachine("node-1", hypervisor.StatePoweredOff)
	m.bootOrder = [hypervisor.BootSlots]hypervisor.DeviceType{
		hypervisor.DeviceDisk, hypervisor.DeviceDVD, hypervisor.DeviceFloppy, hypervisor.DeviceNull,
	}
	c := newTestController(newMockHypervisor(m), "node-1")

	assert.Equal(t, StatusOK, c.SetBootDevice(context.Background(), BootDeviceNetwork))

	want := [hypervisor.BootSlots]hypervisor.DeviceType{
		hypervisor.DeviceNetwork, hypervisor.DeviceDisk, hypervisor.DeviceDVD, hypervisor.DeviceNull,
	}
	if diff := cmp.Diff(want, m.bootOrder); diff != "" {
		t.Errorf("boot order mismatch (-want +got):\n%s", diff)
	}
	assert.Contains(t, m.session.calls, "SaveSettings")
	assert.True(t, m.session.released)
}

func TestSetBootDevice_StableRemainderOrder(t *testing.T) {
	m := newMockMachine("node-1", hypervisor.StatePoweredOff)
	c := newTestController(newMockHypervisor(m), "node-1")

	assert.Equal(t, StatusOK, c.SetBootDevice(context.Background(), BootDeviceOptical))

	want := [hypervisor.BootSlots]hypervisor.DeviceType{
		hypervisor.DeviceDVD, hypervisor.DeviceNetwork, hypervisor.DeviceDisk, hypervisor.DeviceNull,
	}
	if diff := cmp.Diff(want, m.bootOrder); diff != "" {
		t.Errorf("boot order mismatch (-want +got):\n%s", diff)
	}
}

func TestSetBootDevice_RoundTrip(t *testing.T) {
	m := newMockMachine("node-1", hypervisor.StatePoweredOff)
	c := newTestController(newMockHypervisor(m), "node-1")

	require.Equal(t, StatusOK, c.SetBootDevice(context.Background(), BootDeviceNetwork))

	d, err := c.BootDevice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BootDeviceNetwork, d)
}

func TestSetBootDevice_InvalidDevice(t *testing.T) {
	m := newMockMachine("node-1", hypervisor.StatePoweredOff)
	c := newTestController(newMockHypervisor(m), "node-1")

	assert.Equal(t, StatusInvalidRequest, c.SetBootDevice(context.Background(), BootDeviceNone))
	assert.Empty(t, m.calls) // hypervisor never contacted
}

func TestSetBootDevice_SaveFailureKeepsOldOrder(t *testing.T) {
	m := newMockMachine("node-1", hypervisor.StatePoweredOff)
	m.session.saveErr = errors.New("settings locked")
	before := m.bootOrder
	c := newTestController(newMockHypervisor(m), "node-1")

	assert.Equal(t, StatusRetryable, c.SetBootDevice(context.Background(), BootDeviceNetwork))
	assert.Equal(t, before, m.bootOrder)
	assert.True(t, m.session.released)
}
