// hidiod is the HID-IO host daemon: it multiplexes the HID-IO protocol
// between physical peripherals, the daemon's own modules, and RPC clients.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/op/go-logging"
	"github.com/urfave/cli"
	yaml "gopkg.in/yaml.v2"

	"github.com/hid-io/hidiod"
	"github.com/hid-io/hidiod/api"
	"github.com/hid-io/hidiod/device/blehid"
	"github.com/hid-io/hidiod/device/hidusb"
	"github.com/hid-io/hidiod/device/uart"
	"github.com/hid-io/hidiod/mailbox"
	"github.com/hid-io/hidiod/module"
	"github.com/hid-io/hidiod/module/displayserver"
)

var log = logging.MustGetLogger("hidiod")

// shutdownGrace is how long running tasks get to drain after the stop
// signal before the process exits anyway.
const shutdownGrace = 3 * time.Second

func main() {
	app := cli.NewApp()
	app.Name = "hidiod"
	app.Usage = "HID-IO host daemon"
	app.Version = hidiod.Version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: hidiod.DefaultConfigFileName,
			Usage: "configuration file",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "run the daemon (the default)",
			Action: run,
		},
		{
			Name:   "mkconf",
			Usage:  "write the default configuration file",
			Action: mkconf,
		},
		{
			Name:   "conf",
			Usage:  "print the effective configuration",
			Action: printconf,
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (hidiod.Config, error) {
	path := c.GlobalString("config")
	if path == "" {
		path = c.String("config")
	}
	return hidiod.LoadConfig(path)
}

func mkconf(c *cli.Context) error {
	f, err := os.Create(hidiod.DefaultConfigFileName)
	if err != nil {
		return err
	}
	defer f.Close()
	return yaml.NewEncoder(f).Encode(hidiod.DefaultConfig())
}

func printconf(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	return yaml.NewEncoder(os.Stdout).Encode(cfg)
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	level, err := logging.LogLevel(cfg.LogLevel)
	if err != nil {
		level = logging.INFO
	}
	hidiod.SetupLogging(level)
	log.Noticef("hidiod %s starting (instance %s)", hidiod.Version, hidiod.InstanceID)

	mb := mailbox.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the stop signal clears the running context; the drop-all sentinel then
	// drains every receive loop
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		log.Noticef("caught %v, shutting down", s)
		cancel()
		mb.DropAll()
	}()

	var wg sync.WaitGroup
	spawn := func(name string, f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
			log.Debugf("task %s finished", name)
		}()
	}

	mod, err := module.New(mb, displayserver.Detect(), nil)
	if err != nil {
		return err
	}
	spawn("module", mod.Run)

	if cfg.Devices.USB {
		spawn("hidusb", hidusb.NewWatcher(mb, cfg.Devices).Run)
	}
	if len(cfg.Devices.UARTs) > 0 {
		spawn("uart", uart.NewWatcher(mb, cfg.Devices).Run)
	}
	if cfg.Devices.BLE {
		spawn("blehid", blehid.NewWatcher(mb, cfg.Devices).Run)
	}

	apiSrv, err := api.NewServer(mb, cfg.API.Addr, cfg.API.MaxSessions, cfg.API.Debug)
	if err != nil {
		return err
	}
	spawn("api", func(ctx context.Context) {
		if err := apiSrv.Serve(ctx); err != nil {
			log.Errorf("api server: %v", err)
			cancel()
		}
	})
	if cfg.API.StatusAddr != "" {
		status := api.NewStatusServer(mb, cfg.API.StatusAddr)
		spawn("status", func(ctx context.Context) {
			if err := status.Serve(ctx); err != nil {
				log.Errorf("status server: %v", err)
			}
		})
	}

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Warningf("tasks did not drain within %v, exiting anyway", shutdownGrace)
	}
	log.Noticef("hidiod stopped")
	return nil
}
