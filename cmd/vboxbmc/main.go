// Command vboxbmc manages virtual BMC definitions through a running
// vboxbmcd daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/vboxbmc/vboxbmc/internal/manager"
)

const defaultAPIURL = "http://localhost:50891"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout))
}

func run(ctx context.Context, args []string, out io.Writer) int {
	a := newApp(out)
	err := a.root.ParseAndRun(ctx, args, ff.WithEnvVarPrefix("VBOXBMC"))
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ff.ErrHelp), errors.Is(err, ff.ErrNoExec):
		fmt.Fprintln(os.Stderr, ffhelp.Command(a.root))
		return 0
	default:
		fmt.Fprintln(os.Stderr, "vboxbmc:", err)
		return 1
	}
}

type app struct {
	out  io.Writer
	root *ff.Command

	apiURL  *string
	timeout *time.Duration
}

func newApp(out io.Writer) *app {
	a := &app{out: out}

	rootFs := ff.NewFlagSet("vboxbmc")
	a.apiURL = rootFs.StringLong("api-url", defaultAPIURL, "base URL of the vboxbmcd management API")
	a.timeout = rootFs.DurationLong("timeout", 10*time.Second, "request timeout")

	addFs := ff.NewFlagSet("add").SetParent(rootFs)
	username := addFs.StringLong("username", "admin", "IPMI username forwarded to the front end")
	password := addFs.StringLong("password", "password", "IPMI password forwarded to the front end")
	address := addFs.StringLong("address", "::", "address the BMC listens on")
	port := addFs.IntLong("port", 623, "port the BMC listens on")

	a.root = &ff.Command{
		Name:     "vboxbmc",
		Usage:    "vboxbmc [flags] <subcommand>",
		LongHelp: "Manage virtual BMCs for VirtualBox VMs.",
		Flags:    rootFs,
		Subcommands: []*ff.Command{
			{
				Name:      "add",
				Usage:     "vboxbmc add [flags] <vm-name>",
				ShortHelp: "register a BMC for a VM",
				Flags:     addFs,
				Exec: func(ctx context.Context, args []string) error {
					vm, err := oneArg(args)
					if err != nil {
						return err
					}
					cfg := manager.InstanceConfig{
						VMName:   vm,
						Username: *username,
						Password: *password,
						Address:  *address,
						Port:     *port,
					}
					if err := a.client().do(ctx, http.MethodPost, "/v1/bmcs", cfg, nil); err != nil {
						return err
					}
					fmt.Fprintf(a.out, "BMC for %s registered\n", vm)
					return nil
				},
			},
			a.vmCommand(rootFs, "delete", "unregister a BMC", func(ctx context.Context, vm string) error {
				if err := a.client().do(ctx, http.MethodDelete, "/v1/bmcs/"+url.PathEscape(vm), nil, nil); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "BMC for %s deleted\n", vm)
				return nil
			}),
			a.vmCommand(rootFs, "start", "start a BMC instance", func(ctx context.Context, vm string) error {
				return a.setActive(ctx, vm, "start")
			}),
			a.vmCommand(rootFs, "stop", "stop a BMC instance", func(ctx context.Context, vm string) error {
				return a.setActive(ctx, vm, "stop")
			}),
			a.vmCommand(rootFs, "show", "show one BMC definition", func(ctx context.Context, vm string) error {
				var info manager.BMCInfo
				if err := a.client().do(ctx, http.MethodGet, "/v1/bmcs/"+url.PathEscape(vm), nil, &info); err != nil {
					return err
				}
				a.printInfos(info)
				return nil
			}),
			{
				Name:      "list",
				Usage:     "vboxbmc list",
				ShortHelp: "list all registered BMCs",
				Flags:     ff.NewFlagSet("list").SetParent(rootFs),
				Exec: func(ctx context.Context, args []string) error {
					var infos []manager.BMCInfo
					if err := a.client().do(ctx, http.MethodGet, "/v1/bmcs", nil, &infos); err != nil {
						return err
					}
					a.printInfos(infos...)
					return nil
				},
			},
		},
	}
	return a
}

// vmCommand builds a subcommand taking a single VM name argument.
func (a *app) vmCommand(rootFs *ff.FlagSet, name, help string, exec func(ctx context.Context, vm string) error) *ff.Command {
	return &ff.Command{
		Name:      name,
		Usage:     fmt.Sprintf("vboxbmc %s <vm-name>", name),
		ShortHelp: help,
		Flags:     ff.NewFlagSet(name).SetParent(rootFs),
		Exec: func(ctx context.Context, args []string) error {
			vm, err := oneArg(args)
			if err != nil {
				return err
			}
			return exec(ctx, vm)
		},
	}
}

func (a *app) client() *client {
	return newClient(*a.apiURL, *a.timeout)
}

func (a *app) setActive(ctx context.Context, vm, action string) error {
	var info manager.BMCInfo
	path := "/v1/bmcs/" + url.PathEscape(vm) + "/" + action
	if err := a.client().do(ctx, http.MethodPost, path, nil, &info); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "BMC for %s is %s\n", vm, info.Status)
	return nil
}

func (a *app) printInfos(infos ...manager.BMCInfo) {
	w := tabwriter.NewWriter(a.out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "VM NAME\tADDRESS\tPORT\tUSERNAME\tACTIVE\tSTATUS")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%t\t%s\n",
			info.VMName, info.Address, info.Port, info.Username, info.Active, info.Status)
	}
	w.Flush()
}

func oneArg(args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("exactly one VM name is required")
	}
	return args[0], nil
}
