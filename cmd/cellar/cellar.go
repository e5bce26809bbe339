package main

import (
	"flag"
	"fmt"
	"os"
	"os/user"
	"runtime"
	"sort"
	"strings"

	"github.com/cellarlabs/cellar/helpers"
	"github.com/cellarlabs/cellar/logging"
	"github.com/cellarlabs/cellar/profiler"
	"github.com/cellarlabs/cellar/stash"

	_ "github.com/cellarlabs/cellar/storage/backends/database"
	_ "github.com/cellarlabs/cellar/storage/backends/fs"
	_ "github.com/cellarlabs/cellar/storage/backends/memory"
	_ "github.com/cellarlabs/cellar/storage/backends/s3"
)

const VERSION = "0.1.0"

// Cellar carries the process-wide settings every subcommand needs:
// where the stash lives, who is deriving keys, and how to log.
type Cellar struct {
	Location string
	Username string
	Hostname string
	KeyFile  string

	NumCPU int
	Logger *logging.Logger
}

var commands map[string]func(Cellar, []string) int = make(map[string]func(Cellar, []string) int)

func registerCommand(command string, fn func(Cellar, []string) int) {
	commands[command] = fn
}

func (ctx Cellar) getPassphrase(confirm bool) ([]byte, error) {
	if ctx.KeyFile != "" {
		return helpers.GetPassphraseFromFile(ctx.KeyFile)
	}
	if passphrase := os.Getenv("CELLAR_PASSPHRASE"); passphrase != "" {
		return []byte(passphrase), nil
	}
	if confirm {
		return helpers.GetPassphraseConfirm("stash")
	}
	return helpers.GetPassphrase("stash")
}

func (ctx Cellar) openStash() (*stash.Stash, error) {
	passphrase, err := ctx.getPassphrase(false)
	if err != nil {
		return nil, err
	}
	return stash.Open(ctx.Location, ctx.Username, passphrase, ctx.Logger)
}

func main() {
	os.Exit(entryPoint())
}

func entryPoint() int {
	var opt_username string
	var opt_hostname string
	var opt_location string
	var opt_keyfile string
	var opt_cpu int
	var opt_quiet bool
	var opt_trace string
	var opt_profiling bool

	hostbuf, err := os.Hostname()
	if err != nil {
		hostbuf = "localhost"
	}

	userDefault := ""
	if pwUser, err := user.Current(); err == nil {
		userDefault = pwUser.Username
	}

	locationDefault := os.Getenv("CELLAR_STORE")

	flag.StringVar(&opt_location, "store", locationDefault, "stash location")
	flag.StringVar(&opt_username, "username", userDefault, "username for key derivation")
	flag.StringVar(&opt_hostname, "hostname", strings.ToLower(hostbuf), "hostname to record in commits")
	flag.StringVar(&opt_keyfile, "keyfile", "", "read the passphrase from a file")
	flag.IntVar(&opt_cpu, "cpu", runtime.NumCPU(), "limit the number of usable cores")
	flag.BoolVar(&opt_quiet, "quiet", false, "no output except errors")
	flag.StringVar(&opt_trace, "trace", "", "display trace logs, comma-separated list of subsystems")
	flag.BoolVar(&opt_profiling, "profiling", false, "display profiling logs")
	flag.Parse()

	if opt_cpu > runtime.NumCPU() {
		fmt.Fprintf(os.Stderr, "%s: can't use more cores than available: %d\n", flag.CommandLine.Name(), runtime.NumCPU())
		return 1
	}
	runtime.GOMAXPROCS(opt_cpu)

	logger := logging.NewLogger(os.Stdout, os.Stderr)
	if !opt_quiet {
		logger.EnableInfo()
	}
	if opt_trace != "" {
		logger.EnableTrace(opt_trace)
	}
	if opt_profiling {
		logger.EnableProfiling()
	}

	if flag.NArg() == 0 {
		names := make([]string, 0, len(commands))
		for name := range commands {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(os.Stderr, "%s: a subcommand is required: %s\n",
			flag.CommandLine.Name(), strings.Join(names, ", "))
		return 1
	}

	if opt_username == "" {
		fmt.Fprintf(os.Stderr, "%s: a username is required\n", flag.CommandLine.Name())
		return 1
	}

	command, args := flag.Arg(0), flag.Args()[1:]
	fn, exists := commands[command]
	if !exists {
		fmt.Fprintf(os.Stderr, "%s: unsupported subcommand: %s\n", flag.CommandLine.Name(), command)
		return 1
	}

	if opt_location == "" && command != "version" {
		fmt.Fprintf(os.Stderr, "%s: a stash location is required, use -store or CELLAR_STORE\n", flag.CommandLine.Name())
		return 1
	}

	ctx := Cellar{
		Location: opt_location,
		Username: opt_username,
		Hostname: strings.ToLower(opt_hostname),
		KeyFile:  opt_keyfile,
		NumCPU:   opt_cpu,
		Logger:   logger,
	}

	status := fn(ctx, args)

	if opt_profiling {
		profiler.Display(logger)
	}
	return status
}
