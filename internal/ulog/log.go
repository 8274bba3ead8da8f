// Copyright 2026 The UTPX Authors.
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

// Package ulog provides the interposer's leveled logger.
//
// It deliberately uses no third-party logging library: its only import
// outside the standard library is golang.org/x/sys/unix, which Fatalf uses
// to raise SIGABRT. This code runs inside a shared object that is
// LD_PRELOAD'd into an arbitrary host process, often before that process
// has initialized any logging stack of its own, and on the signal-adjacent
// paths of the page-fault subsystem where pulling in a third-party logging
// dependency (with its own allocations, mutexes, and init-time side
// effects) would be actively dangerous. It is kept minimal on purpose.
package ulog

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Level is a log severity, ordered from least to most severe.
type Level int32

const (
	// Debug is verbose diagnostic output, off by default.
	Debug Level = iota
	// Info is routine operational output.
	Info
	// Warning is a recoverable anomaly (e.g. a failed advisory hint).
	Warning
	// Fatal is an unrecoverable condition; logging it aborts the process.
	Fatal
)

func (l Level) letter() byte {
	switch l {
	case Debug:
		return 'D'
	case Info:
		return 'I'
	case Warning:
		return 'W'
	case Fatal:
		return 'F'
	default:
		return '?'
	}
}

// level is the process-wide minimum level that gets emitted.
var level atomic.Int32

func init() {
	level.Store(int32(Info))
}

// SetLevel sets the minimum emitted level. Safe to call concurrently with
// logging calls; takes effect for subsequent calls only.
func SetLevel(l Level) {
	level.Store(int32(l))
}

// ParseLevel maps UTPX_LOG_LEVEL values to a Level. Unrecognized strings
// fall back to Info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return Debug
	case "info", "":
		return Info
	case "warning", "warn":
		return Warning
	case "fatal":
		return Fatal
	default:
		return Info
	}
}

var pid = os.Getpid()

// emit writes a single glog-style line to stderr:
//
//	Lmmdd hh:mm:ss.uuuuuu pid] msg
//
// where L is the level letter. This mirrors the record shape of the
// teacher's pkg/log.GoogleEmitter without depending on it.
func emit(l Level, format string, args ...interface{}) {
	if Level(level.Load()) > l {
		return
	}
	now := time.Now()
	_, month, day := now.Date()
	hour, minute, second := now.Clock()
	fmt.Fprintf(os.Stderr, "%c%02d%02d %02d:%02d:%02d.%06d %7d] %s\n",
		l.letter(), month, day, hour, minute, second, now.Nanosecond()/1000, pid,
		fmt.Sprintf(format, args...))
}

// Debugf logs at Debug level.
func Debugf(format string, args ...interface{}) { emit(Debug, format, args...) }

// Infof logs at Info level.
func Infof(format string, args ...interface{}) { emit(Info, format, args...) }

// Warningf logs at Warning level.
func Warningf(format string, args ...interface{}) { emit(Warning, format, args...) }

// Fatalf logs at Fatal level and then aborts the process with SIGABRT.
//
// This is not panic: panicking out of a cgo-exported entry point unwinds
// into the Go runtime's own handling with no defined behavior from the
// calling C (or HIP) code's point of view. Raising SIGABRT against
// ourselves is the same externally observable effect as the reference
// implementation's std::abort() — a core dump and process termination —
// and is safe to do from any goroutine, including ones invoked from cgo.
func Fatalf(format string, args ...interface{}) {
	emit(Fatal, format, args...)
	os.Stderr.Sync()
	unix.Kill(pid, unix.SIGABRT)
	// Kill is asynchronous; block to make sure we do not return into
	// undefined state while the signal is still pending.
	select {}
}
