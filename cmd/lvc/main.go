// lvc is a terminal client for livetemplate applications: it joins live
// views over the websocket channel, applies server diffs to an in-memory
// document, and drives events from the keyboard instead of a browser.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
)

var version = "dev"

const usage = `lvc - terminal client for livetemplate applications.

Usage:
    lvc open <url> [--profile=<name>] [--config=<path>] [--v=<level>]
    lvc record <url> --journal=<path> [--duration=<dur>] [--profile=<name>] [--config=<path>] [--v=<level>]
    lvc storm <url> [--clients=<n>] [--duration=<dur>] [--profile=<name>] [--config=<path>] [--v=<level>]
    lvc -h | --help
    lvc --version

Commands:
    open     Browse a live application interactively in the terminal.
    record   Join headlessly and record the session into a sqlite journal.
    storm    Run many concurrent clients against the application and
             print a metrics table.

Options:
    -h --help            Show this screen.
    --version            Show version.
    --profile=<name>     Named profile from the config file.
    --config=<path>      Config file [default: ~/.config/lvc/config.yaml].
    --journal=<path>     Journal database path.
    --clients=<n>        Concurrent storm clients [default: 10].
    --duration=<dur>     Run duration, e.g. 30s or 2m [default: 30s].
    --v=<level>          Log verbosity [default: 0].`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	initLogging(opts)

	url, _ := opts.String("<url>")
	profile, err := loadProfile(opts)
	if err != nil {
		fail(err)
	}

	switch {
	case command(opts, "open"):
		err = runOpen(url, profile)
	case command(opts, "record"):
		journalPath, _ := opts.String("--journal")
		err = runRecord(url, journalPath, duration(opts), profile)
	case command(opts, "storm"):
		clients, _ := opts.Int("--clients")
		if clients < 1 {
			clients = 1
		}
		err = runStorm(url, clients, duration(opts), profile)
	}
	glog.Flush()
	if err != nil {
		fail(err)
	}
}

func command(opts docopt.Opts, name string) bool {
	on, _ := opts.Bool(name)
	return on
}

func duration(opts docopt.Opts) time.Duration {
	raw, _ := opts.String("--duration")
	d, err := time.ParseDuration(raw)
	if err != nil {
		fail(fmt.Errorf("invalid --duration %q: %w", raw, err))
	}
	return d
}

// initLogging routes glog to stderr at the requested verbosity. glog is
// flag-driven, so the docopt option is folded into its flags.
func initLogging(opts docopt.Opts) {
	level, err := opts.Int("--v")
	if err != nil {
		level = 0
	}
	flag.CommandLine.Parse(nil)
	flag.Set("logtostderr", "true")
	flag.Set("v", strconv.Itoa(level))
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "lvc:", err)
	os.Exit(1)
}
