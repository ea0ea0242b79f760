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

package log

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// buffer is a simple inline buffer to avoid churn. The data slice is generally
// kept to the local byte array, and we avoid having to allocate it on the heap.
type buffer struct {
	local [256]byte
	data  []byte
}

func (b *buffer) start() {
	b.data = b.local[:0]
}

func (b *buffer) String() string {
	return unsafeString(b.data)
}

func (b *buffer) write(c byte) {
	b.data = append(b.data, c)
}

func (b *buffer) writeAll(d []byte) {
	b.data = append(b.data, d...)
}

func (b *buffer) writeString(s string) {
	b.data = append(b.data, s...)
}

func (b *buffer) writeTwoDigits(v int) {
	b.write('0' + byte(v%100/10))
	b.write('0' + byte(v%10))
}

func (b *buffer) writeSixDigits(v int) {
	for d := 100000; d > 0; d /= 10 {
		b.write('0' + byte(v/d%10))
	}
}

// pid is used for the threadid component of the header.
//
// The glog package logger uses 7 spaces of padding. See
// glob.loggingT.formatHeader.
var pid = []byte(padLeft(strconv.Itoa(os.Getpid()), 7))

func padLeft(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return strings.Repeat(" ", n-len(s)) + s
}

// Emit emits the message, google-style.
//
// Log lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
//
// The caller is only resolved for Debug and Warning; Info lines are the
// common case and use "x:0".
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var b buffer
	b.start()

	// Log level.
	switch level {
	case Debug:
		b.write('D')
	case Info:
		b.write('I')
	case Warning:
		b.write('W')
	}

	// Timestamp.
	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	b.writeTwoDigits(int(month))
	b.writeTwoDigits(int(day))
	b.write(' ')
	b.writeTwoDigits(hour)
	b.write(':')
	b.writeTwoDigits(minute)
	b.write(':')
	b.writeTwoDigits(second)
	b.write('.')
	b.writeSixDigits(timestamp.Nanosecond() / 1000)
	b.write(' ')

	// The pid.
	b.writeAll(pid)
	b.write(' ')

	// The caller.
	file, line := "x", 0
	if level != Info {
		if _, f, l, ok := runtime.Caller(depth + 1); ok {
			if slash := strings.LastIndexByte(f, '/'); slash >= 0 {
				f = f[slash+1:]
			}
			file, line = f, l
		}
	}
	b.writeString(file)
	b.write(':')
	b.writeString(strconv.Itoa(line))
	b.write(']')
	b.write(' ')

	// User-provided format string, copied.
	b.writeString(format)

	// End with a newline.
	b.write('\n')

	// Pass to the underlying routine.
	g.Emitter.Emit(depth+1, level, timestamp, b.String(), args...)
}
