// vboxbmc-probe exercises a running BMC instance over the dev front end
// without requiring a real IPMI client.
//
// Usage:
//
//	go run ./cmd/vboxbmc-probe [-addr localhost:6230] status|on|off|soft|reset|cycle|bootdev [device]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/vboxbmc/vboxbmc/internal/bmc"
	"github.com/vboxbmc/vboxbmc/internal/frontend/devtcp"
	"github.com/vboxbmc/vboxbmc/internal/ipmi"
)

func main() {
	addr := flag.String("addr", "localhost:6230", "dev front end address")
	username := flag.String("username", "admin", "BMC username")
	password := flag.String("password", "password", "BMC password")
	flag.Parse()

	if err := run(*addr, *username, *password, flag.Args()); err != nil {
		log.Fatal(err)
	}
}

var controls = map[string]uint8{
	"on":    ipmi.ChassisControlPowerUp,
	"off":   ipmi.ChassisControlPowerDown,
	"soft":  ipmi.ChassisControlSoftOff,
	"reset": ipmi.ChassisControlHardReset,
	"cycle": ipmi.ChassisControlPowerCycle,
}

var bootDevices = map[string]bmc.BootDevice{
	"network": bmc.BootDeviceNetwork,
	"hd":      bmc.BootDeviceHardDisk,
	"optical": bmc.BootDeviceOptical,
}

func run(addr, username, password string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: vboxbmc-probe [flags] status|on|off|soft|reset|cycle|bootdev [device]")
	}

	client, err := devtcp.Dial(context.Background(), addr, username, password)
	if err != nil {
		return err
	}
	defer client.Close()

	switch cmd := args[0]; cmd {
	case "status":
		resp, err := execute(client, ipmi.CmdGetChassisStatus, nil)
		if err != nil {
			return err
		}
		power := "off"
		if len(resp.Data) > 0 && resp.Data[0]&0x01 != 0 {
			power = "on"
		}
		fmt.Println("power:", power)

	case "on", "off", "soft", "reset", "cycle":
		if _, err := execute(client, ipmi.CmdChassisControl, []byte{controls[cmd]}); err != nil {
			return err
		}
		fmt.Println("ok")

	case "bootdev":
		if len(args) < 2 {
			resp, err := execute(client, ipmi.CmdGetBootOptions, []byte{0x05})
			if err != nil {
				return err
			}
			device, _ := bmc.BootDeviceFromIPMI(resp.Data[2])
			fmt.Println("boot device:", device)
			return nil
		}
		device, ok := bootDevices[args[1]]
		if !ok {
			return fmt.Errorf("unknown boot device %q (network, hd, optical)", args[1])
		}
		if _, err := execute(client, ipmi.CmdSetBootOptions, []byte{0x05, 0x80, device.IPMICode()}); err != nil {
			return err
		}
		fmt.Println("ok")

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func execute(client *devtcp.Client, command uint8, data []byte) (devtcp.Response, error) {
	resp, err := client.Execute(devtcp.Request{
		NetFn:   ipmi.NetFnChassis,
		Command: command,
		Data:    data,
	})
	if err != nil {
		return devtcp.Response{}, err
	}
	if resp.Code != uint8(ipmi.CompletionCodeOK) {
		return devtcp.Response{}, fmt.Errorf("completion code 0x%02X", resp.Code)
	}
	return resp, nil
}
