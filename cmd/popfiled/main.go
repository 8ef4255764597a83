// Command popfiled is a transparent POP3 and SMTP proxy that classifies
// every message passing through it and keeps a browsable history.
//
// Usage:
//
//	popfiled [serve] [flags]   run the proxy (default)
//	popfiled history [flags]   list classified messages
//	popfiled expire [flags]    run one retention sweep and exit
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/hhoffstaette/popfile/internal/config"
)

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		runServe(args)
	case "history":
		runHistory(args)
	case "expire":
		runExpire(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve, history or expire)\n", cmd)
		os.Exit(2)
	}
}

// loadConfig parses the shared flags plus any registered by extra, loads
// the configuration file and validates the result. It exits on error.
func loadConfig(name string, args []string, extra func(fs *flag.FlagSet)) config.Config {
	flags := &config.Flags{}
	fs := config.NewFlagSet(name, flags)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
