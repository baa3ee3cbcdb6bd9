// Command avrnetd is a host-side demonstration harness for the
// avrnet/stack network stack: it drives the same cooperative
// Demux.Poll loop the original firmware ran on a hardware timer tick,
// but against a Linux TUN/TAP device (or an in-memory simulated one)
// instead of an ENC28J60 controller.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "", "path to a TOML config file overriding the built-in defaults")
	verbose    = flag.Bool("v", false, "enable debug-level logging")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&versionCmd{}, "")
	subcommands.Register(&serveCmd{}, "")
	subcommands.Register(&dialCmd{}, "")

	flag.Parse()

	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	conf, err := loadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("avrnetd: loading config")
	}

	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx, conf, log)))
}
