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

// Package cmd holds implementations of the fpsim commands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"gvisor.dev/lazyfp/pkg/log"
	"gvisor.dev/lazyfp/pkg/ring0"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the caller of fpsim, in addition to stderr.
var ErrorLogger io.Writer

// Writer writes to ErrorLogger and stderr, so that it is visible to the user
// even when stderr has been redirected to a log file.
type Writer struct{}

func (Writer) Write(data []byte) (int, error) {
	n, err := os.Stderr.Write(data)
	if ErrorLogger != nil {
		if _, err := ErrorLogger.Write(data); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing to error log: %v\n", err)
		}
	}
	return n, err
}

// Fatalf logs to stderr and ErrorLogger, then exits.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	fmt.Fprintf(Writer{}, "fpsim: "+format+"\n", args...)
	// Return an error that is unlikely to be used by the application.
	os.Exit(128)
}

// Infof writes an informational message to stderr and ErrorLogger.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(Writer{}, format+"\n", args...)
}

// faultLogger is the kernel's fault reporter for commands. It logs the
// violation with a traceback and leaves it to the caller of Dispatch to stop
// the machine, so that a run can report what happened to every thread.
type faultLogger struct{}

// Fatal implements ring0.FaultReporter.Fatal.
func (faultLogger) Fatal(c *ring0.CPU, err error) {
	log.Traceback("CPU %d: %v", c.ID(), err)
}

// startTime is used for %TIMESTAMP% in log file names.
var startTime = time.Now()

// StartTime returns the time the process started.
func StartTime() time.Time {
	return startTime
}
