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

// Package config provides basic infrastructure to set configuration settings
// for fpsim. Each setting is a flag, and may also be set from a TOML file
// passed with --config or from an FPSIM_* environment variable.
//
// Precedence, lowest first: flag defaults, the TOML file, the environment,
// flags given on the command line.
package config

import (
	"fmt"

	"gvisor.dev/lazyfp/pkg/log"
)

// Config holds configuration that is not part of the workload itself.
//
// Fields tagged `flag` are populated by NewFromFlags. The `toml` tag is the
// key in the --config file.
type Config struct {
	// ConfigFile is a TOML file with settings.
	ConfigFile string `flag:"config" toml:"-"`

	// Cores is the number of emulated cores.
	Cores int `flag:"cores" toml:"cores"`

	// Threads is the number of threads to run.
	Threads int `flag:"threads" toml:"threads"`

	// FPThreads is how many of the threads use FP/SIMD registers. The rest
	// only make system calls.
	FPThreads int `flag:"fp-threads" toml:"fp_threads"`

	// Steps is the number of instructions each thread runs.
	Steps int `flag:"steps" toml:"steps"`

	// Quantum is the number of instructions per time slice.
	Quantum int `flag:"quantum" toml:"quantum"`

	// SyscallEvery makes FP threads issue an svc every so many FP
	// instructions. Zero disables it.
	SyscallEvery int `flag:"syscall-every" toml:"syscall_every"`

	// BankLimit is the maximum number of saved FP register banks. Zero is
	// unlimited.
	BankLimit int `flag:"bank-limit" toml:"bank_limit"`

	// LogFilename is the file to log to. Empty means stderr.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: text, json or json-k8s.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// DebugLog is an additional location for logs. It may contain
	// %TIMESTAMP%, %COMMAND% and %PID%.
	DebugLog string `flag:"debug-log" toml:"debug_log"`

	// Metrics is where metrics are written after a run: empty for
	// nowhere, "-" for stdout, or a file path.
	Metrics string `flag:"metrics" toml:"metrics"`
}

func (c *Config) validate() error {
	if c.Cores <= 0 {
		return fmt.Errorf("cores must be positive, got %d", c.Cores)
	}
	if c.Threads < 0 || c.FPThreads < 0 || c.FPThreads > c.Threads {
		return fmt.Errorf("need 0 <= fp-threads <= threads, got fp-threads=%d threads=%d", c.FPThreads, c.Threads)
	}
	if c.Steps < 0 {
		return fmt.Errorf("steps must not be negative, got %d", c.Steps)
	}
	if c.Quantum <= 0 {
		return fmt.Errorf("quantum must be positive, got %d", c.Quantum)
	}
	if c.SyscallEvery < 0 {
		return fmt.Errorf("syscall-every must not be negative, got %d", c.SyscallEvery)
	}
	if c.BankLimit < 0 {
		return fmt.Errorf("bank-limit must not be negative, got %d", c.BankLimit)
	}
	switch c.LogFormat {
	case "text", "json", "json-k8s":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", c.LogFormat)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Cores: %d", c.Cores)
	log.Infof("Config.Threads: %d (%d with FP)", c.Threads, c.FPThreads)
	log.Infof("Config.Steps: %d, Quantum: %d, SyscallEvery: %d", c.Steps, c.Quantum, c.SyscallEvery)
	log.Infof("Config.BankLimit: %d", c.BankLimit)
	log.Infof("Config.Debug: %t", c.Debug)
	if c.ConfigFile != "" {
		log.Infof("Config.ConfigFile: %s", c.ConfigFile)
	}
}
