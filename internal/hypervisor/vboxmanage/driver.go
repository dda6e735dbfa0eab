// Package vboxmanage implements the hypervisor contract by shelling out
// to the VBoxManage CLI. Every operation runs a fresh invocation, so no
// state is shared with the VirtualBox service beyond what the CLI itself
// holds.
package vboxmanage

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/vboxbmc/vboxbmc/internal/hypervisor"
)

// DefaultBinary is the VBoxManage executable resolved from PATH.
const DefaultBinary = "VBoxManage"

// Runner executes one VBoxManage invocation and returns its stdout.
// Injected so tests can run without VirtualBox installed.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

type execRunner struct {
	binary string
}

func (r execRunner) Run(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", errors.Errorf("%s %s: %s", r.binary, args[0], detail)
	}
	return stdout.String(), nil
}

// Driver talks to VirtualBox through VBoxManage.
type Driver struct {
	runner Runner
	log    zerolog.Logger
}

// New creates a driver invoking the given VBoxManage binary.
func New(binary string, log zerolog.Logger) *Driver {
	if binary == "" {
		binary = DefaultBinary
	}
	return NewWithRunner(execRunner{binary: binary}, log)
}

// NewWithRunner creates a driver over a custom command runner.
func NewWithRunner(r Runner, log zerolog.Logger) *Driver {
	return &Driver{runner: r, log: log}
}

// FindMachine resolves a VM by name, verifying it is registered.
func (d *Driver) FindMachine(ctx context.Context, name string) (hypervisor.Machine, error) {
	if _, err := d.vmInfo(ctx, name); err != nil {
		return nil, err
	}
	return &machine{d: d, name: name}, nil
}

// vmInfo fetches and parses `showvminfo --machinereadable` output.
func (d *Driver) vmInfo(ctx context.Context, name string) (map[string]string, error) {
	out, err := d.runner.Run(ctx, "showvminfo", name, "--machinereadable")
	if err != nil {
		if isNotFound(err) {
			return nil, errors.Errorf("%q: %w", name, hypervisor.ErrMachineNotFound)
		}
		return nil, err
	}
	return parseMachineReadable(out), nil
}

// isNotFound matches the VBoxManage error for unregistered machine names.
func isNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Could not find a registered machine") ||
		strings.Contains(msg, "VBOX_E_OBJECT_NOT_FOUND")
}

type machine struct {
	d    *Driver
	name string
}

func (m *machine) Name() string { return m.name }

func (m *machine) State(ctx context.Context) (hypervisor.MachineState, error) {
	info, err := m.d.vmInfo(ctx, m.name)
	if err != nil {
		return "", err
	}
	state, ok := info["VMState"]
	if !ok {
		return "", errors.Errorf("vm %q: no VMState in showvminfo output", m.name)
	}
	return hypervisor.MachineState(state), nil
}

func (m *machine) BootOrder(ctx context.Context, slot int) (hypervisor.DeviceType, error) {
	if slot < 1 || slot > hypervisor.BootSlots {
		return "", errors.Errorf("boot slot %d out of range (1-%d)", slot, hypervisor.BootSlots)
	}
	info, err := m.d.vmInfo(ctx, m.name)
	if err != nil {
		return "", err
	}
	device, ok := info[fmt.Sprintf("boot%d", slot)]
	if !ok || device == "" {
		return hypervisor.DeviceNull, nil
	}
	return hypervisor.DeviceType(device), nil
}

func (m *machine) Launch(ctx context.Context, frontend string) (hypervisor.Session, error) {
	m.d.log.Debug().Str("vm", m.name).Str("frontend", frontend).Msg("starting VM")
	if _, err := m.d.runner.Run(ctx, "startvm", m.name, "--type", frontend); err != nil {
		return nil, err
	}
	return &session{m: m}, nil
}

// Lock returns a staging session. VBoxManage itself takes the machine
// lock per invocation; the session scopes staged boot-order writes so
// they commit in a single modifyvm call.
func (m *machine) Lock(ctx context.Context) (hypervisor.Session, error) {
	return &session{m: m}, nil
}

type session struct {
	m      *machine
	staged map[int]hypervisor.DeviceType
}

// State reports Locked once the VM process is running and owns the
// machine; showvminfo carries no separate session field, so the VM state
// stands in for it.
func (s *session) State(ctx context.Context) (hypervisor.SessionState, error) {
	state, err := s.m.State(ctx)
	if err != nil {
		return "", err
	}
	if state == hypervisor.StateRunning {
		return hypervisor.SessionLocked, nil
	}
	return hypervisor.SessionSpawning, nil
}

func (s *session) PowerDown(ctx context.Context) error {
	_, err := s.m.d.runner.Run(ctx, "controlvm", s.m.name, "poweroff")
	return err
}

func (s *session) PowerButton(ctx context.Context) error {
	_, err := s.m.d.runner.Run(ctx, "controlvm", s.m.name, "acpipowerbutton")
	return err
}

func (s *session) Reset(ctx context.Context) error {
	_, err := s.m.d.runner.Run(ctx, "controlvm", s.m.name, "reset")
	return err
}

func (s *session) SetBootOrder(ctx context.Context, slot int, device hypervisor.DeviceType) error {
	if slot < 1 || slot > hypervisor.BootSlots {
		return errors.Errorf("boot slot %d out of range (1-%d)", slot, hypervisor.BootSlots)
	}
	if s.staged == nil {
		s.staged = map[int]hypervisor.DeviceType{}
	}
	s.staged[slot] = device
	return nil
}

// SaveSettings flushes staged boot-order writes in one modifyvm
// invocation, so a failure leaves the stored order untouched.
func (s *session) SaveSettings(ctx context.Context) error {
	if len(s.staged) == 0 {
		return nil
	}
	args := []string{"modifyvm", s.m.name}
	for slot := 1; slot <= hypervisor.BootSlots; slot++ {
		if device, ok := s.staged[slot]; ok {
			args = append(args, fmt.Sprintf("--boot%d", slot), string(device))
		}
	}
	if _, err := s.m.d.runner.Run(ctx, args...); err != nil {
		return err
	}
	s.staged = nil
	return nil
}

func (s *session) Release(context.Context) error {
	s.staged = nil
	return nil
}
