// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/lazyfp/fpsim/config"
	"gvisor.dev/lazyfp/pkg/emu"
	"gvisor.dev/lazyfp/pkg/fpu"
	"gvisor.dev/lazyfp/pkg/lazyfp"
	"gvisor.dev/lazyfp/pkg/log"
	"gvisor.dev/lazyfp/pkg/metric"
	"gvisor.dev/lazyfp/pkg/ring0"
	"gvisor.dev/lazyfp/pkg/sched"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	spread bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a workload on emulated cores with lazy FP switching"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] - runs --threads threads on --cores cores, --fp-threads of which use FP/SIMD registers, and reports per-thread results.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.spread, "spread", false, "give each FP thread its own vector register instead of sharing v0.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	pool := fpu.NewPool(conf.BankLimit)
	registry := lazyfp.NewRegistry(pool)
	handler := lazyfp.NewHandler(registry, lazyfp.HandlerOpts{})
	k := ring0.New(ring0.KernelOpts{Reporter: faultLogger{}})
	m, err := emu.NewMachine(k, conf.Cores, ring0.Hooks{FP: handler, General: sched.Exceptions{}})
	if err != nil {
		Fatalf("creating machine: %v", err)
	}
	s := sched.New(m, handler, sched.Opts{
		Quantum:    conf.Quantum,
		MaxThreads: conf.Threads,
	})

	usesFP := make(map[lazyfp.ThreadID]bool)
	for i := 0; i < conf.Threads; i++ {
		var p sched.Program
		fp := i < conf.FPThreads
		if fp {
			counter := &sched.FPCounter{
				Steps:   conf.Steps,
				Seed:    uint64(i+1)<<32 | 1,
				Syscall: conf.SyscallEvery,
			}
			if r.spread {
				counter.Reg = i % fpu.NumVregs
			}
			p = counter
		} else {
			p = &sched.IntegerOnly{Steps: conf.Steps}
		}
		tid, err := s.Add(p)
		if err != nil {
			Fatalf("adding thread %d: %v", i, err)
		}
		usesFP[tid] = fp
	}

	log.Infof("Running %d threads (%d with FP) on %d cores", conf.Threads, conf.FPThreads, conf.Cores)
	runErr := s.Run(ctx)

	failed := runErr != nil
	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "TID\tFP\tSTATE\tSLICES\tCORES\tMIGRATIONS\tTRAPS\tERROR")
	for _, rep := range s.Reports() {
		errStr := "-"
		if rep.Err != nil {
			errStr = rep.Err.Error()
			failed = true
		}
		fmt.Fprintf(tw, "%d\t%t\t%v\t%d\t%d\t%d\t%d\t%s\n", rep.ID, usesFP[rep.ID], rep.State, rep.Slices, rep.Cores, rep.Migrations, rep.Traps, errStr)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "CORE\tGATE\tTRAPS\tEXCEPTIONS\tGATE WRITES\tFP RETIRED")
	for i := 0; i < m.NumCores(); i++ {
		c := m.Core(i)
		st := c.Stats()
		fmt.Fprintf(tw, "%d\t%v\t%d\t%d\t%d\t%d\n", c.ID(), c.Gate(), st.Traps, st.Exceptions, st.GateWrites, st.Retired)
	}
	tw.Flush()

	if err := writeMetrics(conf.Metrics); err != nil {
		Fatalf("writing metrics: %v", err)
	}
	if runErr != nil {
		Infof("run failed: %v", runErr)
	}
	if failed {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// writeMetrics writes all metrics to dest: "-" for stdout, or a file.
func writeMetrics(dest string) error {
	if dest == "" {
		return nil
	}
	var w io.Writer = os.Stdout
	if dest != "-" {
		f, err := os.Create(dest)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	n, err := metric.WriteText(w)
	if err != nil {
		return err
	}
	log.Infof("Wrote %d bytes of Prometheus metric data to %s", n, dest)
	return nil
}
