// hidio-tool is an interactive client for a running hidiod: list nodes,
// query devices, and watch signal traffic from a terminal.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/theckman/yacspin"
	"github.com/urfave/cli"

	"github.com/hid-io/hidiod"
	"github.com/hid-io/hidiod/api"
)

func main() {
	app := cli.NewApp()
	app.Name = "hidio-tool"
	app.Usage = "talk to a running hidiod"
	app.Version = hidiod.Version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "addr, a",
			Value: "localhost:7185",
			Usage: "daemon RPC address",
		},
		cli.BoolFlag{
			Name:  "basic",
			Usage: "authenticate read-only with the basic key",
		},
	}
	app.Commands = []cli.Command{
		{Name: "list", Usage: "list registered nodes", Action: list},
		{Name: "info", Usage: "info <uid>: query a device's properties", Action: info},
		{Name: "ids", Usage: "ids <uid>: query a device's supported command ids", Action: ids},
		{Name: "test", Usage: "test <uid> [hex]: round-trip a test packet", Action: test},
		{Name: "flash", Usage: "flash <uid>: put a device into flash mode", Action: flash},
		{Name: "sleep", Usage: "sleep <uid>: put a device to sleep", Action: sleepMode},
		{Name: "cli", Usage: "cli <uid> <line>: run a terminal command on a device", Action: cliCmd},
		{Name: "signals", Usage: "signals <uid>: stream a device's signals", Action: signals},
		{Name: "watch", Usage: "stream every mailbox packet (debug daemons only)", Action: watch},
	}
	app.Action = list

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connect authenticates against the daemon with a spinner for company.
func connect(c *cli.Context) (*api.Client, context.Context, error) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	_ = cancel // released at process exit

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[59],
		Suffix:          " connecting to " + c.GlobalString("addr"),
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
		StopFailMessage: "failed",
	})
	if err == nil {
		spinner.Start()
	}

	client := api.NewClient(c.GlobalString("addr"))
	if c.GlobalBool("basic") {
		err = client.Basic(ctx, "hidio-tool")
	} else {
		err = client.Auth(ctx, "hidio-tool")
	}
	if spinner != nil {
		if err != nil {
			spinner.StopFail()
		} else {
			spinner.Stop()
		}
	}
	if err != nil {
		return nil, nil, err
	}
	return client, ctx, nil
}

func uidArg(c *cli.Context) (uint64, error) {
	if c.NArg() < 1 {
		return 0, fmt.Errorf("a node uid is required; see `hidio-tool list`")
	}
	return strconv.ParseUint(c.Args().First(), 10, 64)
}

func list(c *cli.Context) error {
	client, ctx, err := connect(c)
	if err != nil {
		return err
	}
	defer client.Logout(ctx)
	nodes, err := client.Nodes(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%-5s %-14s %-6s %-28s %s\n", "UID", "TYPE", "FPR", "NAME", "PATH")
	for _, n := range nodes {
		fmt.Printf("%-5d %-14s %-6s %-28s %s\n", n.Uid, n.Type, n.Fingerprint, n.Name, n.Path)
	}
	return nil
}

func info(c *cli.Context) error {
	client, ctx, err := connect(c)
	if err != nil {
		return err
	}
	defer client.Logout(ctx)
	uid, err := uidArg(c)
	if err != nil {
		return err
	}
	di, err := client.Info(ctx, uid)
	if err != nil {
		return err
	}
	fmt.Printf("version:  %d.%d.%d\n", di.MajorVersion, di.MinorVersion, di.PatchVersion)
	if di.DeviceName != "" {
		fmt.Printf("name:     %s\n", di.DeviceName)
	}
	if di.DeviceSerial != "" {
		fmt.Printf("serial:   %s\n", di.DeviceSerial)
	}
	if di.FirmwareName != "" {
		fmt.Printf("firmware: %s %s\n", di.FirmwareName, di.FirmwareVersion)
	}
	return nil
}

func ids(c *cli.Context) error {
	client, ctx, err := connect(c)
	if err != nil {
		return err
	}
	defer client.Logout(ctx)
	uid, err := uidArg(c)
	if err != nil {
		return err
	}
	supported, err := client.SupportedIds(ctx, uid)
	if err != nil {
		return err
	}
	for _, id := range supported {
		fmt.Printf("0x%04X %s\n", uint32(id), id)
	}
	return nil
}

func test(c *cli.Context) error {
	client, ctx, err := connect(c)
	if err != nil {
		return err
	}
	defer client.Logout(ctx)
	uid, err := uidArg(c)
	if err != nil {
		return err
	}
	payload := []byte("hidio-tool test")
	if c.NArg() > 1 {
		payload, err = hex.DecodeString(c.Args().Get(1))
		if err != nil {
			return fmt.Errorf("payload must be hex: %v", err)
		}
	}
	echo, err := client.TestPacket(ctx, uid, payload)
	if err != nil {
		return err
	}
	fmt.Printf("sent:   %X\nechoed: %X\n", payload, echo)
	return nil
}

func flash(c *cli.Context) error {
	client, ctx, err := connect(c)
	if err != nil {
		return err
	}
	defer client.Logout(ctx)
	uid, err := uidArg(c)
	if err != nil {
		return err
	}
	scancode, err := client.FlashMode(ctx, uid)
	if err != nil {
		return err
	}
	fmt.Printf("device in flash mode; abort scancode 0x%04X\n", scancode)
	return nil
}

func sleepMode(c *cli.Context) error {
	client, ctx, err := connect(c)
	if err != nil {
		return err
	}
	defer client.Logout(ctx)
	uid, err := uidArg(c)
	if err != nil {
		return err
	}
	if err := client.SleepMode(ctx, uid); err != nil {
		return err
	}
	fmt.Println("device sleeping")
	return nil
}

func cliCmd(c *cli.Context) error {
	client, ctx, err := connect(c)
	if err != nil {
		return err
	}
	defer client.Logout(ctx)
	uid, err := uidArg(c)
	if err != nil {
		return err
	}
	if c.NArg() < 2 {
		return fmt.Errorf("a command line is required")
	}
	return client.CliCommand(ctx, uid, c.Args().Get(1))
}

func printEvent(ev api.SignalEvent) bool {
	if ev.Text != "" {
		fmt.Printf("[%d] %s %s: %s\n", ev.SrcUid, ev.Name, ev.Ptype, ev.Text)
	} else {
		fmt.Printf("[%d] %s %s: %X\n", ev.SrcUid, ev.Name, ev.Ptype, ev.Data)
	}
	return true
}

func signals(c *cli.Context) error {
	client, ctx, err := connect(c)
	if err != nil {
		return err
	}
	defer client.Logout(ctx)
	uid, err := uidArg(c)
	if err != nil {
		return err
	}
	return client.NodeSignals(ctx, uid, printEvent)
}

func watch(c *cli.Context) error {
	client, ctx, err := connect(c)
	if err != nil {
		return err
	}
	defer client.Logout(ctx)
	return client.Watch(ctx, printEvent)
}
