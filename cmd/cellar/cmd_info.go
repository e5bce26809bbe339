package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
)

func init() {
	registerCommand("info", cmd_info)
}

func cmd_info(ctx Cellar, args []string) int {
	flags := flag.NewFlagSet("info", flag.ExitOnError)
	flags.Parse(args)

	s, err := ctx.openStash()
	if err != nil {
		ctx.Logger.Error("%s", err)
		return 1
	}
	defer s.Close()

	config := s.Configuration()
	fmt.Fprintf(os.Stdout, "StashID: %s\n", config.StashID)
	fmt.Fprintf(os.Stdout, "Version: %s\n", config.Version)
	fmt.Fprintf(os.Stdout, "CreationTime: %s\n", config.CreationTime.UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(os.Stdout, "Location: %s\n", s.Location())
	fmt.Fprintf(os.Stdout, "Compression: %s\n", config.Compression)
	fmt.Fprintf(os.Stdout, "Hashing: %s\n", config.Hashing)
	fmt.Fprintf(os.Stdout, "Chunking: %s [%s, %s, %s]\n",
		config.Chunking,
		humanize.Bytes(uint64(config.ChunkingMin)),
		humanize.Bytes(uint64(config.ChunkingNormal)),
		humanize.Bytes(uint64(config.ChunkingMax)))
	fmt.Fprintf(os.Stdout, "Commits: %d\n", len(s.Commits()))
	fmt.Fprintf(os.Stdout, "Chunks: %d\n", s.ChunkCount())
	return 0
}
