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

// Package pagefault turns host accesses to registered mirrored ranges
// into coherence events.
//
// The reference design traps faults with a SIGSEGV handler that suspends
// the faulting thread on a semaphore until a dedicated worker services
// the fault and resumes it. A faithful Go translation of that would need
// a hand-written per-architecture assembly trampoline bypassing the Go
// runtime's own signal dispatch — the same territory the sighandling and
// safecopy packages of the source repo occupy, and workable there only
// because that machine code never touches the Go scheduler. This
// implementation instead uses Linux's userfaultfd(2): the kernel delivers
// fault notifications as ordinary reads on a file descriptor, serviced by
// one goroutine, with no signal handler anywhere in the picture.
//
// The externally observable contract is unchanged: register a range,
// have the first touch call back into caller-supplied coherence logic,
// unregister once serviced, abort the process if a fault isn't serviced
// within the timeout.
package pagefault

import (
	"errors"
	"time"
)

// FaultTimeout bounds how long the guard worker may spend servicing a
// single fault before the process is aborted. In the signal-based design
// this is the time the *faulting thread* may block; here it is the time
// the guard worker may spend on one callback invocation — externally
// equivalent, since faults are serviced one at a time either way.
const FaultTimeout = 10 * time.Second

// Callback is the coherence action run when a fault lands inside a
// registered range. It must fill dst (already sized to length size
// bytes) with what the host should observe at [base, base+size); the
// subsystem installs dst into the faulting range and wakes the faulting
// thread as soon as Callback returns.
type Callback func(faultAddr, base, size uintptr, dst []byte)

// ErrNotRegistered is UnregisterPage's error for an unknown base.
// UnregisterPage aborts the process via ulog.Fatalf before the error
// could reach a caller.
var ErrNotRegistered = errors.New("pagefault: no page registered at that base")

// ErrAlreadyInitialized is Initialize's error for a second call; the
// subsystem's initialize-then-terminate lifecycle is asserted, not
// idempotent, and Initialize aborts the process via ulog.Fatalf before
// the error could reach a caller.
var ErrAlreadyInitialized = errors.New("pagefault: already initialized")
