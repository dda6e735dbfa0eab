// Command vboxbmcd runs virtual BMCs for VirtualBox VMs. It supervises
// one IPMI front-end listener per registered VM and exposes a JSON
// management API for the vboxbmc CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vboxbmc/vboxbmc/internal/bmc"
	"github.com/vboxbmc/vboxbmc/internal/config"
	"github.com/vboxbmc/vboxbmc/internal/frontend"
	_ "github.com/vboxbmc/vboxbmc/internal/frontend/devtcp"
	"github.com/vboxbmc/vboxbmc/internal/hypervisor/vboxmanage"
	"github.com/vboxbmc/vboxbmc/internal/manager"
)

const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Default()
	fs := ff.NewFlagSet("vboxbmcd")
	cfg.RegisterFlags(fs)

	cmd := &ff.Command{
		Name:     "vboxbmcd",
		Usage:    "vboxbmcd [flags]",
		LongHelp: "Virtual BMC daemon for VirtualBox VMs.",
		Flags:    fs,
	}
	if err := cmd.Parse(args, ff.WithEnvVarPrefix("VBOXBMC")); err != nil {
		fmt.Fprintln(os.Stderr, ffhelp.Command(cmd))
		if errors.Is(err, ff.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log := newLogger(cfg)
	log.Info().
		Str("config_dir", cfg.ConfigDir).
		Str("frontend", cfg.Frontend).
		Strs("available_frontends", frontend.Names()).
		Msg("vboxbmcd starting")

	hv := vboxmanage.New(cfg.VBoxManage, log)
	mgr, err := manager.New(hv, manager.Options{
		ConfigDir:     cfg.ConfigDir,
		Frontend:      cfg.Frontend,
		ShowPasswords: cfg.ShowPasswords,
		ControllerOptions: []bmc.Option{
			bmc.WithPollInterval(cfg.PollInterval),
			bmc.WithLockAttempts(cfg.LockAttempts),
		},
	}, log)
	if err != nil {
		log.Error().Err(err).Msg("initializing manager")
		return 1
	}

	api := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: manager.NewServer(mgr, log),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mgr.Run(gctx, cfg.SyncInterval)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.APIAddr).Msg("management API listening")
		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return api.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("vboxbmcd exited")
		return 1
	}
	log.Info().Msg("vboxbmcd stopped")
	return 0
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if !cfg.LogJSON {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
