// Package config holds the daemon configuration and its flag surface.
package config

import (
	"flag"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
)

// Config collects everything vboxbmcd needs at startup. Flags bind to
// it directly; environment variables override via the VBOXBMC_ prefix
// at parse time.
type Config struct {
	// ConfigDir is the root directory holding per-VM BMC definitions.
	ConfigDir string

	// APIAddr is the listen address of the management HTTP API.
	APIAddr string

	// Frontend names the registered wire-level front end used for
	// every BMC instance.
	Frontend string

	// VBoxManage is the path to the VBoxManage binary.
	VBoxManage string

	// SyncInterval is how often running instances are reconciled
	// against the stored definitions.
	SyncInterval time.Duration

	// PollInterval is the delay between power-on state probes.
	PollInterval time.Duration

	// LockAttempts bounds how many probes a power-on waits before
	// reporting the node busy.
	LockAttempts uint

	// ShowPasswords disables credential masking in list/show output.
	ShowPasswords bool

	LogLevel string
	LogJSON  bool
}

// Default returns the configuration vboxbmcd starts from before flags
// and environment are applied.
func Default() *Config {
	return &Config{
		ConfigDir:    "/etc/vboxbmc",
		APIAddr:      "localhost:50891",
		Frontend:     "dev",
		VBoxManage:   "VBoxManage",
		SyncInterval: 15 * time.Second,
		PollInterval: 2 * time.Second,
		LockAttempts: 30,
		LogLevel:     "info",
	}
}

// RegisterFlags binds every field to a flag on fs. Defaults come from
// the receiver, so call it on the result of Default().
func (c *Config) RegisterFlags(fs *ff.FlagSet) {
	addFlag(fs, "config-dir", "directory holding per-VM BMC definitions", ffval.NewValueDefault(&c.ConfigDir, c.ConfigDir))
	addFlag(fs, "api-addr", "listen address of the management API", ffval.NewValueDefault(&c.APIAddr, c.APIAddr))
	addFlag(fs, "frontend", "registered IPMI front end to serve instances with", ffval.NewValueDefault(&c.Frontend, c.Frontend))
	addFlag(fs, "vboxmanage", "path to the VBoxManage binary", ffval.NewValueDefault(&c.VBoxManage, c.VBoxManage))
	addFlag(fs, "sync-interval", "interval between instance reconciliations", ffval.NewValueDefault(&c.SyncInterval, c.SyncInterval))
	addFlag(fs, "poll-interval", "delay between power-on state probes", ffval.NewValueDefault(&c.PollInterval, c.PollInterval))
	addFlag(fs, "lock-attempts", "max power-on state probes before reporting busy", ffval.NewValueDefault(&c.LockAttempts, c.LockAttempts))
	addFlag(fs, "show-passwords", "do not mask credentials in list/show output", ffval.NewValueDefault(&c.ShowPasswords, c.ShowPasswords))
	addFlag(fs, "log-level", "log level (trace, debug, info, warn, error)", ffval.NewEnum(&c.LogLevel, "info", "trace", "debug", "warn", "error"))
	addFlag(fs, "log-json", "emit JSON logs instead of console output", ffval.NewValueDefault(&c.LogJSON, c.LogJSON))
}

func addFlag(fs *ff.FlagSet, name, usage string, value flag.Value) {
	if _, err := fs.AddFlag(ff.FlagConfig{LongName: name, Usage: usage, Value: value}); err != nil {
		panic(err)
	}
}
