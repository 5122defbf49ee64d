package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/tinyrange/kvmarm/internal/timeslice"
)

type timesliceRecord struct {
	ID    string
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (r *timesliceRecord) String() string {
	return fmt.Sprintf("% 30s count=% 6d sum=% 14s min=% 14s max=% 14s avg=% 14s",
		r.ID, r.Count,
		r.Sum,
		r.Min,
		r.Max,
		r.Sum/time.Duration(r.Count),
	)
}

func (r *timesliceRecord) Add(duration time.Duration) {
	r.Count++
	r.Sum += duration
	if r.Min == 0 || duration < r.Min {
		r.Min = duration
	}
	if r.Max == 0 || duration > r.Max {
		r.Max = duration
	}
}

// timesliceCmd implements subcommands.Command for the "timeslice" command.
type timesliceCmd struct {
	sums bool
}

func (*timesliceCmd) Name() string { return "timeslice" }

func (*timesliceCmd) Synopsis() string {
	return "print setup phase durations written with -timeslice-file"
}

func (*timesliceCmd) Usage() string {
	return `timeslice [flags] <file>
`
}

func (c *timesliceCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.sums, "sums", false, "print sums of timeslice durations")
}

func (c *timesliceCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	file, err := os.Open(f.Arg(0))
	if err != nil {
		return failure(fmt.Errorf("failed to open timeslice file: %w", err))
	}
	defer file.Close()

	if !c.sums {
		if err := timeslice.ReadAllRecords(file, func(id string, cpu int, duration time.Duration) error {
			fmt.Printf("vcpu%d %s %s\n", cpu, id, duration)
			return nil
		}); err != nil {
			return failure(fmt.Errorf("failed to read timeslice file: %w", err))
		}
		return subcommands.ExitSuccess
	}

	records := map[string]*timesliceRecord{}
	displayOrder := []string{}
	if err := timeslice.ReadAllRecords(file, func(id string, _ int, duration time.Duration) error {
		record, ok := records[id]
		if !ok {
			displayOrder = append(displayOrder, id)
			record = &timesliceRecord{ID: id}
			records[id] = record
		}
		record.Add(duration)
		return nil
	}); err != nil {
		return failure(fmt.Errorf("failed to read timeslice file: %w", err))
	}
	for _, id := range displayOrder {
		fmt.Printf("%s\n", records[id].String())
	}

	return subcommands.ExitSuccess
}
