package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cellarlabs/cellar/objects"
	"github.com/dustin/go-humanize"
)

func init() {
	registerCommand("ls", cmd_ls)
}

func cmd_ls(ctx Cellar, args []string) int {
	var opt_commits bool

	flags := flag.NewFlagSet("ls", flag.ExitOnError)
	flags.BoolVar(&opt_commits, "commits", false, "list commits instead of files")
	flags.Parse(args)

	s, err := ctx.openStash()
	if err != nil {
		ctx.Logger.Error("%s", err)
		return 1
	}
	defer s.Close()

	if opt_commits {
		for _, commit := range s.Commits() {
			fmt.Fprintf(os.Stdout, "%s %s %10s %8d files %s\n",
				commit.CreationTime.UTC().Format("2006-01-02 15:04:05"),
				commit.ID,
				humanize.Bytes(commit.DataSize),
				commit.FileCount,
				commit.Root)
		}
		return 0
	}

	err = s.ForEachFile(func(entry *objects.FileEntry) error {
		fmt.Fprintf(os.Stdout, "%s %10s %s %s\n",
			os.FileMode(entry.Mode),
			humanize.Bytes(uint64(entry.Size)),
			entry.ModTime.UTC().Format("2006-01-02 15:04:05"),
			entry.Path)
		return nil
	})
	if err != nil {
		ctx.Logger.Error("%s", err)
		return 1
	}
	return 0
}
