// Command kvmarm brings ARM64 KVM vCPUs to their guest entry state and
// inspects the result.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/subcommands"
	"github.com/tinyrange/kvmarm/internal/debug"
	"github.com/tinyrange/kvmarm/internal/timeslice"
)

var (
	debugFile     = flag.String("debug-file", "", "write a binary trace of every vCPU operation to this file")
	timesliceFile = flag.String("timeslice-file", "", "record setup phase durations to this file")
	verbose       = flag.Bool("v", false, "enable debug logging")
)

func main() {
	os.Exit(run())
}

func run() int {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&setupCmd{}, "")
	subcommands.Register(&measureCmd{}, "")
	subcommands.Register(&probeCmd{}, "")
	subcommands.Register(&initCmd{}, "")
	subcommands.Register(&traceCmd{}, "debugging")
	subcommands.Register(&timesliceCmd{}, "debugging")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if *debugFile != "" {
		if err := debug.OpenFile(*debugFile); err != nil {
			return fatalf("open debug file: %v", err)
		}
		defer func() {
			if err := debug.Close(); err != nil {
				slog.Error("close debug file", "error", err)
			}
		}()
	}

	if *timesliceFile != "" {
		f, err := os.Create(*timesliceFile)
		if err != nil {
			return fatalf("create timeslice file: %v", err)
		}
		defer f.Close()

		rec, err := timeslice.Open(f)
		if err != nil {
			return fatalf("%v", err)
		}
		defer func() {
			if err := rec.Close(); err != nil {
				slog.Error("close timeslice file", "error", err)
			}
		}()
	}

	return int(subcommands.Execute(context.Background()))
}

// fatalf reports a fatal error the way every subcommand does.
func fatalf(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, "kvmarm: "+format+"\n", args...)
	return int(subcommands.ExitFailure)
}

func failure(err error) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "kvmarm: %v\n", err)
	return subcommands.ExitFailure
}
