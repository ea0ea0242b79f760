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
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/lazyfp/pkg/ring0"
)

// Offsets implements subcommands.Command for the "offsets" command.
type Offsets struct {
	output string
}

// Name implements subcommands.Command.Name.
func (*Offsets) Name() string {
	return "offsets"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Offsets) Synopsis() string {
	return "print the trap frame layout as assembly #defines"
}

// Usage implements subcommands.Command.Usage.
func (*Offsets) Usage() string {
	return `offsets [-o <file>] - prints the trap frame offsets and exception constants used by entry code.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (o *Offsets) SetFlags(f *flag.FlagSet) {
	f.StringVar(&o.output, "o", "", "file to write to, default is stdout.")
}

// Execute implements subcommands.Command.Execute.
func (o *Offsets) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	out := os.Stdout
	if o.output != "" {
		file, err := os.Create(o.output)
		if err != nil {
			Fatalf("creating %q: %v", o.output, err)
		}
		defer file.Close()
		out = file
	}
	ring0.Emit(out)
	return subcommands.ExitSuccess
}
