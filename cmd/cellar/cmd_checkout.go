package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/cellarlabs/cellar/stash"
	"github.com/dustin/go-humanize"
	"github.com/gobwas/glob"
)

func init() {
	registerCommand("checkout", cmd_checkout)
}

func cmd_checkout(ctx Cellar, args []string) int {
	var opt_concurrency uint64
	var opt_include excludeFlags

	flags := flag.NewFlagSet("checkout", flag.ExitOnError)
	flags.Uint64Var(&opt_concurrency, "max-concurrency", uint64(ctx.NumCPU), "maximum number of parallel tasks")
	flags.Var(&opt_include, "include", "glob pattern of paths to restore, repeatable")
	flags.Parse(args)

	if flags.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "%s: need a destination directory\n", flags.Name())
		return 1
	}
	destination := flags.Arg(0)

	includes := []glob.Glob{}
	for _, item := range opt_include {
		pattern, err := glob.Compile(item)
		if err != nil {
			ctx.Logger.Error("invalid include pattern %q: %s", item, err)
			return 1
		}
		includes = append(includes, pattern)
	}

	s, err := ctx.openStash()
	if err != nil {
		ctx.Logger.Error("%s", err)
		return 1
	}
	defer s.Close()

	result, err := s.Checkout(context.Background(), destination, &stash.CheckoutOptions{
		MaxConcurrency: opt_concurrency,
		Includes:       includes,
	})
	if err != nil {
		ctx.Logger.Error("%s", err)
		return 1
	}

	ctx.Logger.Info("checkout: %d files, %s restored to %s",
		result.FileCount,
		humanize.Bytes(result.DataSize),
		destination)

	if len(result.Failures) != 0 {
		for _, failure := range result.Failures {
			ctx.Logger.Error("%s: %s", failure.Path, failure.Err)
		}
		return 1
	}
	return 0
}
