package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cellarlabs/cellar/stash"
	"github.com/dustin/go-humanize"
	"github.com/gobwas/glob"
)

func init() {
	registerCommand("commit", cmd_commit)
}

type excludeFlags []string

func (e *excludeFlags) String() string {
	return strings.Join(*e, ",")
}

func (e *excludeFlags) Set(value string) error {
	*e = append(*e, value)
	return nil
}

func cmd_commit(ctx Cellar, args []string) int {
	var opt_concurrency uint64
	var opt_exclude excludeFlags
	var opt_excludes string

	flags := flag.NewFlagSet("commit", flag.ExitOnError)
	flags.Uint64Var(&opt_concurrency, "max-concurrency", uint64(ctx.NumCPU), "maximum number of parallel tasks")
	flags.Var(&opt_exclude, "exclude", "glob pattern of paths to leave out, repeatable")
	flags.StringVar(&opt_excludes, "excludes", "", "file containing a list of exclusion patterns")
	flags.Parse(args)

	excludes := []glob.Glob{}
	for _, item := range opt_exclude {
		pattern, err := glob.Compile(item)
		if err != nil {
			ctx.Logger.Error("invalid exclude pattern %q: %s", item, err)
			return 1
		}
		excludes = append(excludes, pattern)
	}

	if opt_excludes != "" {
		fp, err := os.Open(opt_excludes)
		if err != nil {
			ctx.Logger.Error("%s", err)
			return 1
		}
		defer fp.Close()

		scanner := bufio.NewScanner(fp)
		for scanner.Scan() {
			pattern, err := glob.Compile(scanner.Text())
			if err != nil {
				ctx.Logger.Error("invalid exclude pattern %q: %s", scanner.Text(), err)
				return 1
			}
			excludes = append(excludes, pattern)
		}
		if err := scanner.Err(); err != nil {
			ctx.Logger.Error("%s", err)
			return 1
		}
	}

	var root string
	switch flags.NArg() {
	case 0:
		dir, err := os.Getwd()
		if err != nil {
			ctx.Logger.Error("%s", err)
			return 1
		}
		root = dir
	case 1:
		abs, err := filepath.Abs(flags.Arg(0))
		if err != nil {
			ctx.Logger.Error("%s", err)
			return 1
		}
		root = abs
	default:
		fmt.Fprintf(os.Stderr, "%s: too many parameters\n", flags.Name())
		return 1
	}

	s, err := ctx.openStash()
	if err != nil {
		ctx.Logger.Error("%s", err)
		return 1
	}
	defer s.Close()

	result, err := s.Commit(context.Background(), root, &stash.CommitOptions{
		MaxConcurrency: opt_concurrency,
		Hostname:       ctx.Hostname,
		Excludes:       excludes,
	})
	if err != nil {
		ctx.Logger.Error("%s", err)
		return 1
	}

	ctx.Logger.Info("commit %s: %d files, %d chunks (%d deduplicated), %s read, %s stored",
		result.ID,
		result.FileCount,
		result.ChunkCount,
		result.DedupHits,
		humanize.Bytes(result.DataSize),
		humanize.Bytes(result.StoredBytes))
	return 0
}
