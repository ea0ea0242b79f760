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
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"gvisor.dev/lazyfp/pkg/fpu"
)

// Hwcaps implements subcommands.Command for the "hwcaps" command.
type Hwcaps struct {
	json bool
}

// Name implements subcommands.Command.Name.
func (*Hwcaps) Name() string {
	return "hwcaps"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Hwcaps) Synopsis() string {
	return "report the host's FP/SIMD capabilities"
}

// Usage implements subcommands.Command.Usage.
func (*Hwcaps) Usage() string {
	return `hwcaps [-json] - reports whether the host supports FP, ASIMD and SVE.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (h *Hwcaps) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&h.json, "json", false, "output as JSON.")
}

// Execute implements subcommands.Command.Execute.
func (h *Hwcaps) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	feat := fpu.HostFeatures()
	if h.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(struct {
			Arch string `json:"arch"`
			fpu.Features
		}{runtime.GOARCH, feat}); err != nil {
			Fatalf("encoding: %v", err)
		}
		return subcommands.ExitSuccess
	}
	fmt.Printf("arch:  %s\n", runtime.GOARCH)
	fmt.Printf("fp:    %t\n", feat.FP)
	fmt.Printf("asimd: %t\n", feat.ASIMD)
	fmt.Printf("sve:   %t\n", feat.SVE)
	if runtime.GOARCH != "arm64" {
		fmt.Println("note:  not an arm64 host; FP/SIMD features are not reported.")
	}
	return subcommands.ExitSuccess
}
