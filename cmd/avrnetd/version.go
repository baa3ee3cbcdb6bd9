package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
)

// version is the demo command's build identifier. There is no build
// system here to stamp this via -ldflags, so it is just a constant.
const version = "0.1.0"

// versionCmd implements subcommands.Command for "version".
type versionCmd struct{}

func (*versionCmd) Name() string     { return "version" }
func (*versionCmd) Synopsis() string { return "print avrnetd's version and exit" }
func (*versionCmd) Usage() string    { return "version\n" }
func (*versionCmd) SetFlags(*flag.FlagSet) {}

func (*versionCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	fmt.Printf("avrnetd version %s\n", version)
	return subcommands.ExitSuccess
}
