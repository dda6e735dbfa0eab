package manager

import (
	"os"
	"path/filepath"

	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"
)

const configFile = "config.yaml"

func ensureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errors.Errorf("creating config dir: %w", err)
	}
	return nil
}

// InstanceConfig is the persisted definition of one BMC: the VM it
// fronts, the credentials and bind address forwarded to the front end,
// and whether the instance should be running.
type InstanceConfig struct {
	VMName   string `yaml:"vm_name" json:"vm_name"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	Address  string `yaml:"address" json:"address"`
	Port     int    `yaml:"port" json:"port"`
	Active   bool   `yaml:"active" json:"active"`
}

// store persists instance configs under a root directory, one
// subdirectory per VM.
type store struct {
	root string
}

func (s store) dir(vm string) string {
	return filepath.Join(s.root, vm)
}

func (s store) path(vm string) string {
	return filepath.Join(s.dir(vm), configFile)
}

func (s store) exists(vm string) bool {
	_, err := os.Stat(s.path(vm))
	return err == nil
}

func (s store) load(vm string) (InstanceConfig, error) {
	data, err := os.ReadFile(s.path(vm))
	if err != nil {
		if os.IsNotExist(err) {
			return InstanceConfig{}, errors.Errorf("%q: %w", vm, ErrNotRegistered)
		}
		return InstanceConfig{}, errors.Errorf("reading config for %q: %w", vm, err)
	}

	var cfg InstanceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return InstanceConfig{}, errors.Errorf("parsing config for %q: %w", vm, err)
	}
	return cfg, nil
}

func (s store) save(cfg InstanceConfig) error {
	if err := os.MkdirAll(s.dir(cfg.VMName), 0o755); err != nil {
		return errors.Errorf("creating config dir for %q: %w", cfg.VMName, err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Errorf("encoding config for %q: %w", cfg.VMName, err)
	}
	if err := os.WriteFile(s.path(cfg.VMName), data, 0o600); err != nil {
		return errors.Errorf("writing config for %q: %w", cfg.VMName, err)
	}
	return nil
}

func (s store) remove(vm string) error {
	if !s.exists(vm) {
		return errors.Errorf("%q: %w", vm, ErrNotRegistered)
	}
	return os.RemoveAll(s.dir(vm))
}

// list returns the names of all registered VMs, in directory order.
func (s store) list() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Errorf("listing config dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if s.exists(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}
