package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"
	"github.com/tinyrange/kvmarm/internal/debug"
)

// traceCmd implements subcommands.Command for the "trace" command.
type traceCmd struct {
	sources string
	list    bool
}

func (*traceCmd) Name() string { return "trace" }

func (*traceCmd) Synopsis() string {
	return "print a trace written with -debug-file"
}

func (*traceCmd) Usage() string {
	return `trace [flags] <file>
`
}

func (c *traceCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.sources, "sources", "", "only print entries for the given sources (comma separated list)")
	f.BoolVar(&c.list, "list", false, "list the sources in the trace")
}

func (c *traceCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	entries, err := debug.ReadFile(f.Arg(0))
	if err != nil {
		return failure(fmt.Errorf("failed to open debug file: %w", err))
	}

	if c.list {
		seen := map[string]bool{}
		for _, e := range entries {
			if !seen[e.Source] {
				seen[e.Source] = true
				fmt.Println(e.Source)
			}
		}
		return subcommands.ExitSuccess
	}

	var only map[string]bool
	if c.sources != "" {
		only = map[string]bool{}
		for _, s := range strings.Split(c.sources, ",") {
			only[s] = true
		}
	}

	for _, e := range entries {
		if only != nil && !only[e.Source] {
			continue
		}
		data := string(e.Data)
		if e.Kind == debug.KindBytes {
			data = fmt.Sprintf("% x", e.Data)
		}
		fmt.Fprintf(os.Stdout, "%s: [%s] %s\n", e.Time.Format(time.RFC3339Nano), e.Source, data)
	}

	return subcommands.ExitSuccess
}
