package main

import (
	"flag"
	"fmt"
	"os"
)

func init() {
	registerCommand("version", cmd_version)
}

func cmd_version(ctx Cellar, args []string) int {
	flags := flag.NewFlagSet("version", flag.ExitOnError)
	flags.Parse(args)

	fmt.Fprintf(os.Stdout, "%s\n", VERSION)
	return 0
}
