package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cellarlabs/cellar/stash"
)

func init() {
	registerCommand("create", cmd_create)
}

func cmd_create(ctx Cellar, args []string) int {
	flags := flag.NewFlagSet("create", flag.ExitOnError)
	flags.Parse(args)

	if flags.NArg() != 0 {
		fmt.Fprintf(os.Stderr, "%s: too many parameters\n", flags.Name())
		return 1
	}

	passphrase, err := ctx.getPassphrase(true)
	if err != nil {
		ctx.Logger.Error("%s", err)
		return 1
	}

	s, err := stash.Create(ctx.Location, ctx.Username, passphrase, ctx.Logger)
	if err != nil {
		ctx.Logger.Error("%s", err)
		return 1
	}
	defer s.Close()

	config := s.Configuration()
	ctx.Logger.Info("created stash %s at %s", config.StashID, ctx.Location)
	return 0
}
