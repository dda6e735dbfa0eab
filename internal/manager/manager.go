// Package manager supervises one virtual BMC per registered VM: it
// persists the BMC definitions, reconciles the set of running front-end
// listeners against them, and exposes the add/delete/start/stop surface
// used by the management API.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/vboxbmc/vboxbmc/internal/bmc"
	"github.com/vboxbmc/vboxbmc/internal/frontend"
	"github.com/vboxbmc/vboxbmc/internal/hypervisor"
	"github.com/vboxbmc/vboxbmc/internal/ipmi"
)

var (
	// ErrNotRegistered is returned for operations on unknown VM names.
	ErrNotRegistered = errors.New("BMC not registered")

	// ErrAlreadyRegistered is returned when adding a VM that already has
	// a BMC definition.
	ErrAlreadyRegistered = errors.New("BMC already registered")
)

// maskedPassword replaces credentials in listings.
const maskedPassword = "***"

// BMCState describes an instance in List/Show output.
type BMCState string

const (
	BMCRunning BMCState = "running"
	BMCDown    BMCState = "down"
	BMCError   BMCState = "error"
)

// BMCInfo is the externally visible description of one BMC instance.
type BMCInfo struct {
	InstanceConfig `yaml:",inline"`
	Status         BMCState `json:"status" yaml:"status"`
}

// Options configures a Manager.
type Options struct {
	// ConfigDir is the root directory holding per-VM BMC definitions.
	ConfigDir string

	// Frontend names the registered wire-level front end instances are
	// served by.
	Frontend string

	// ShowPasswords disables password masking in List/Show output.
	ShowPasswords bool

	// ControllerOptions tune every instance's power controller.
	ControllerOptions []bmc.Option
}

// Manager supervises one BMC instance goroutine per enabled VM.
type Manager struct {
	store store
	hv    hypervisor.Hypervisor
	opts  Options
	log   zerolog.Logger

	// syncMu serializes SyncStates: two concurrent reconciles could
	// both observe an instance as dead and start it twice, orphaning
	// the first goroutine and its listener port.
	syncMu sync.Mutex

	mu        sync.Mutex
	instances map[string]*instance
}

type instance struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (i *instance) alive() bool {
	select {
	case <-i.done:
		return false
	default:
		return true
	}
}

func (i *instance) setErr(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.err = err
}

func (i *instance) failed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err != nil
}

// New creates a Manager rooted at opts.ConfigDir, creating the directory
// if needed.
func New(hv hypervisor.Hypervisor, opts Options, log zerolog.Logger) (*Manager, error) {
	s := store{root: opts.ConfigDir}
	if err := ensureDir(s.root); err != nil {
		return nil, err
	}
	return &Manager{
		store:     s,
		hv:        hv,
		opts:      opts,
		log:       log,
		instances: make(map[string]*instance),
	}, nil
}

// Add registers a new BMC definition, initially inactive. The VM is not
// required to exist yet; resolution happens per power operation.
func (m *Manager) Add(cfg InstanceConfig) error {
	if cfg.VMName == "" {
		return errors.New("vm_name is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return errors.Errorf("port %d out of range", cfg.Port)
	}
	if m.store.exists(cfg.VMName) {
		return errors.Errorf("%q: %w", cfg.VMName, ErrAlreadyRegistered)
	}
	cfg.Active = false
	if err := m.store.save(cfg); err != nil {
		return err
	}
	m.log.Info().Str("vm", cfg.VMName).Int("port", cfg.Port).Msg("BMC registered")
	return nil
}

// Delete stops and unregisters a BMC.
func (m *Manager) Delete(ctx context.Context, vm string) error {
	cfg, err := m.store.load(vm)
	if err != nil {
		return err
	}
	cfg.Active = false
	if err := m.store.save(cfg); err != nil {
		return err
	}
	if err := m.SyncStates(ctx, false); err != nil {
		return err
	}
	if err := m.store.remove(vm); err != nil {
		return err
	}
	m.log.Info().Str("vm", vm).Msg("BMC deleted")
	return nil
}

// Start enables a BMC and reconciles, so its listener comes up.
func (m *Manager) Start(ctx context.Context, vm string) error {
	return m.setActive(ctx, vm, true)
}

// Stop disables a BMC and reconciles, so its listener shuts down.
func (m *Manager) Stop(ctx context.Context, vm string) error {
	return m.setActive(ctx, vm, false)
}

func (m *Manager) setActive(ctx context.Context, vm string, active bool) error {
	cfg, err := m.store.load(vm)
	if err != nil {
		return err
	}
	if cfg.Active != active {
		cfg.Active = active
		if err := m.store.save(cfg); err != nil {
			return err
		}
	}
	return m.SyncStates(ctx, false)
}

// Show reports one BMC definition plus its runtime status.
func (m *Manager) Show(vm string) (BMCInfo, error) {
	cfg, err := m.store.load(vm)
	if err != nil {
		return BMCInfo{}, err
	}
	return m.info(cfg), nil
}

// List reports all registered BMCs.
func (m *Manager) List() ([]BMCInfo, error) {
	names, err := m.store.list()
	if err != nil {
		return nil, err
	}
	infos := make([]BMCInfo, 0, len(names))
	for _, vm := range names {
		cfg, err := m.store.load(vm)
		if err != nil {
			m.log.Warn().Err(err).Str("vm", vm).Msg("skipping unreadable BMC config")
			continue
		}
		infos = append(infos, m.info(cfg))
	}
	return infos, nil
}

func (m *Manager) info(cfg InstanceConfig) BMCInfo {
	if !m.opts.ShowPasswords {
		cfg.Password = maskedPassword
	}

	status := BMCDown
	m.mu.Lock()
	if inst, ok := m.instances[cfg.VMName]; ok {
		if inst.alive() {
			status = BMCRunning
		} else if inst.failed() {
			status = BMCError
		}
	}
	m.mu.Unlock()

	return BMCInfo{InstanceConfig: cfg, Status: status}
}

// SyncStates reconciles running instances against the stored configs:
// enabled but dead instances are started, disabled or unregistered but
// alive ones are stopped. With shutdown set, everything stops.
func (m *Manager) SyncStates(ctx context.Context, shutdown bool) error {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	names, err := m.store.list()
	if err != nil {
		return err
	}

	registered := make(map[string]bool, len(names))
	for _, vm := range names {
		cfg, err := m.store.load(vm)
		if err != nil {
			m.log.Warn().Err(err).Str("vm", vm).Msg("skipping unreadable BMC config")
			continue
		}
		registered[vm] = true

		enabled := cfg.Active && !shutdown
		m.mu.Lock()
		inst, alive := m.instances[vm], false
		if inst != nil {
			alive = inst.alive()
		}
		m.mu.Unlock()

		switch {
		case enabled && !alive:
			m.startInstance(cfg)
		case !enabled && inst != nil:
			if alive {
				m.stopInstance(vm, inst)
			}
			m.mu.Lock()
			delete(m.instances, vm)
			m.mu.Unlock()
		}
	}

	// Kill instances whose registration disappeared.
	m.mu.Lock()
	var orphans []string
	for vm := range m.instances {
		if !registered[vm] {
			orphans = append(orphans, vm)
		}
	}
	m.mu.Unlock()
	for _, vm := range orphans {
		m.mu.Lock()
		inst := m.instances[vm]
		delete(m.instances, vm)
		m.mu.Unlock()
		if inst != nil && inst.alive() {
			m.stopInstance(vm, inst)
		}
	}

	return nil
}

func (m *Manager) startInstance(cfg InstanceConfig) {
	log := m.log.With().Str("vm", cfg.VMName).Logger()

	controller := bmc.New(m.hv, cfg.VMName, log, m.opts.ControllerOptions...)
	handler := ipmi.NewChassisHandler(controller, log)
	listener, err := frontend.New(m.opts.Frontend, frontend.Config{
		Username: cfg.Username,
		Password: cfg.Password,
		Address:  cfg.Address,
		Port:     cfg.Port,
	}, handler, log)
	if err != nil {
		log.Error().Err(err).Msg("creating BMC front end")
		return
	}

	// The instance outlives whatever triggered this reconcile. A start
	// arriving over the management API must not tie the listener to the
	// request context; only stopInstance ends an instance.
	ictx, cancel := context.WithCancel(context.Background())
	inst := &instance{cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.instances[cfg.VMName] = inst
	m.mu.Unlock()

	go func() {
		defer close(inst.done)
		log.Info().Str("address", cfg.Address).Int("port", cfg.Port).Msg("BMC instance started")
		if err := listener.Listen(ictx); err != nil && !errors.Is(err, context.Canceled) {
			inst.setErr(err)
			log.Error().Err(err).Msg("BMC instance exited")
			return
		}
		log.Info().Msg("BMC instance stopped")
	}()
}

func (m *Manager) stopInstance(vm string, inst *instance) {
	inst.cancel()
	<-inst.done
	m.log.Info().Str("vm", vm).Msg("BMC instance terminated")
}

// Run reconciles periodically until ctx is canceled, then shuts every
// instance down.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := m.SyncStates(ctx, false); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			// Shutdown reconcile runs with a fresh context; ctx is gone.
			if err := m.SyncStates(context.Background(), true); err != nil {
				return err
			}
			return ctx.Err()
		case <-ticker.C:
			if err := m.SyncStates(ctx, false); err != nil {
				m.log.Error().Err(err).Msg("reconciling BMC instances")
			}
		}
	}
}
