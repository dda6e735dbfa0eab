//go:build integration

package integration

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/vboxbmc/vboxbmc/internal/bmc"
	_ "github.com/vboxbmc/vboxbmc/internal/frontend/devtcp"
	"github.com/vboxbmc/vboxbmc/internal/hypervisor"
	"github.com/vboxbmc/vboxbmc/internal/hypervisor/vboxmanage"
	"github.com/vboxbmc/vboxbmc/internal/manager"
)

// fakeVM is one registered machine inside the fake VirtualBox.
type fakeVM struct {
	state string
	boot  [hypervisor.BootSlots]string
}

// fakeVBox interprets the VBoxManage subcommands the driver issues
// against in-memory machines, so the full stack runs without
// VirtualBox installed.
type fakeVBox struct {
	mu  sync.Mutex
	vms map[string]*fakeVM
}

func newFakeVBox(names ...string) *fakeVBox {
	f := &fakeVBox{vms: make(map[string]*fakeVM)}
	for _, name := range names {
		f.vms[name] = &fakeVM{
			state: "poweroff",
			boot:  [hypervisor.BootSlots]string{"disk", "none", "none", "none"},
		}
	}
	return f
}

func (f *fakeVBox) Run(_ context.Context, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	vm, ok := f.vms[args[1]]
	if !ok {
		return "", errors.Errorf("VBoxManage: error: Could not find a registered machine named '%s'", args[1])
	}

	switch args[0] {
	case "showvminfo":
		var b strings.Builder
		fmt.Fprintf(&b, "name=%q\n", args[1])
		fmt.Fprintf(&b, "VMState=%q\n", vm.state)
		for i, device := range vm.boot {
			fmt.Fprintf(&b, "boot%d=%q\n", i+1, device)
		}
		return b.String(), nil
	case "startvm":
		vm.state = "running"
		return "", nil
	case "controlvm":
		switch args[2] {
		case "poweroff", "acpipowerbutton":
			vm.state = "poweroff"
		case "reset":
			// state stays running
		}
		return "", nil
	case "modifyvm":
		for i := 2; i+1 < len(args); i += 2 {
			var slot int
			if _, err := fmt.Sscanf(args[i], "--boot%d", &slot); err != nil {
				return "", errors.Errorf("unexpected modifyvm flag %q", args[i])
			}
			vm.boot[slot-1] = args[i+1]
		}
		return "", nil
	default:
		return "", errors.Errorf("unexpected VBoxManage subcommand %q", args[0])
	}
}

func (f *fakeVBox) vmState(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vms[name].state
}

func (f *fakeVBox) bootOrder(name string) [hypervisor.BootSlots]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vms[name].boot
}

// stack is the assembled daemon: manager over the fake VirtualBox plus
// its management API, without the vboxbmcd process around it.
type stack struct {
	vbox *fakeVBox
	mgr  *manager.Manager
	api  *httptest.Server
}

func newStack(t *testing.T, vms ...string) *stack {
	t.Helper()

	vbox := newFakeVBox(vms...)
	driver := vboxmanage.NewWithRunner(vbox, zerolog.Nop())
	mgr, err := manager.New(driver, manager.Options{
		ConfigDir: t.TempDir(),
		Frontend:  "dev",
		ControllerOptions: []bmc.Option{
			bmc.WithPollInterval(time.Millisecond),
			bmc.WithLockAttempts(10),
		},
	}, zerolog.Nop())
	require.NoError(t, err)

	api := httptest.NewServer(manager.NewServer(mgr, zerolog.Nop()))
	t.Cleanup(func() {
		api.Close()
		require.NoError(t, mgr.SyncStates(context.Background(), true))
	})

	return &stack{vbox: vbox, mgr: mgr, api: api}
}
