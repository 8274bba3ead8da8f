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

//go:build linux

package pagefault

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/UoB-HPC/utpx/internal/ulog"
)

// unsafeSlice views n bytes starting at a raw address as a []byte,
// without copying. Used only to hand host ranges to unix.Madvise, which
// takes a []byte purely to derive an address and length.
func unsafeSlice(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// Subsystem is the userfaultfd-backed page-fault handler. The zero value
// is not usable; construct with New and call Initialize before
// registering any range.
type Subsystem struct {
	pageSize int

	fd         int
	terminated atomic.Bool

	wg sync.WaitGroup

	// pagesMu guards pages, the registered page table. Kept separate from
	// the mirror registry's lock: the two are acquired independently and
	// never need to be held together.
	pagesMu sync.RWMutex
	// +checklocks:pagesMu
	pages map[uintptr]uintptr // host base -> length

	cbMu sync.RWMutex
	cb   Callback

	inited bool
}

// New returns an uninitialized Subsystem.
func New() *Subsystem {
	return &Subsystem{pages: make(map[uintptr]uintptr)}
}

// PageSize returns the host page size determined at Initialize.
func (s *Subsystem) PageSize() int { return s.pageSize }

// SetCallback installs the coherence callback invoked by the guard
// worker. Must be called before Initialize starts servicing faults.
func (s *Subsystem) SetCallback(cb Callback) {
	s.cbMu.Lock()
	s.cb = cb
	s.cbMu.Unlock()
}

// Initialize opens the userfaultfd instance, negotiates its API, and
// spawns the guard worker goroutine. Calling Initialize twice is a
// program error.
func (s *Subsystem) Initialize() error {
	if s.inited {
		ulog.Fatalf("utpx: pagefault: Initialize called twice")
		return ErrAlreadyInitialized
	}
	s.inited = true
	s.pageSize = unix.Getpagesize()

	fd, err := openUserfaultfd()
	if err != nil {
		return err
	}
	if err := uffdAPIHandshake(fd); err != nil {
		unix.Close(fd)
		return err
	}
	s.fd = fd

	s.wg.Add(1)
	go s.guardWorker()
	return nil
}

// Terminate unregisters every remaining range, stops the guard worker,
// and releases the uffd file descriptor.
func (s *Subsystem) Terminate() {
	s.pagesMu.Lock()
	bases := make([]uintptr, 0, len(s.pages))
	for base := range s.pages {
		bases = append(bases, base)
	}
	s.pagesMu.Unlock()
	for _, base := range bases {
		_ = s.UnregisterPage(base)
	}

	s.terminated.Store(true)
	// Closing the fd wakes the guard worker's blocking poll/read with
	// EBADF/POLLHUP, distinguishing "terminate" from "fault" without
	// needing a second synchronization primitive.
	unix.Close(s.fd)
	s.wg.Wait()
}

// RegisterPage inserts (base, size) into the Registered Page Table and
// arms the range for missing-page notifications. base must be
// page-aligned and size a multiple of the page size. A no-op if an
// identical entry is already registered.
func (s *Subsystem) RegisterPage(base, size uintptr) error {
	if s.pageSize == 0 {
		ulog.Fatalf("utpx: pagefault: RegisterPage before Initialize")
	}
	if int(base)%s.pageSize != 0 || int(size)%s.pageSize != 0 {
		ulog.Fatalf("utpx: pagefault: RegisterPage(%#x, %#x) is not page-aligned", base, size)
	}

	s.pagesMu.Lock()
	if existing, ok := s.pages[base]; ok {
		s.pagesMu.Unlock()
		if existing == size {
			return nil
		}
		ulog.Fatalf("utpx: pagefault: RegisterPage(%#x, %#x) conflicts with existing size %#x", base, size, existing)
		return nil
	}
	s.pages[base] = size
	s.pagesMu.Unlock()

	if err := uffdRegister(s.fd, base, size); err != nil {
		return err
	}
	// Evict any resident pages so the next host access is a genuine
	// missing-page fault rather than a silent hit against stale content.
	return unix.Madvise(unsafeSlice(base, size), unix.MADV_DONTNEED)
}

// UnregisterPage tears down uffd tracking for base and removes it from
// the Registered Page Table. Content already resident at base is left
// untouched — callers that need specific bytes installed (the
// fault-writeback path) do so via the guard worker's UFFDIO_COPY before
// this is called. Unknown base is fatal.
func (s *Subsystem) UnregisterPage(base uintptr) error {
	s.pagesMu.Lock()
	size, ok := s.pages[base]
	if !ok {
		s.pagesMu.Unlock()
		ulog.Fatalf("utpx: pagefault: UnregisterPage of unknown base %#x", base)
		return ErrNotRegistered
	}
	delete(s.pages, base)
	s.pagesMu.Unlock()

	return uffdUnregister(s.fd, base, size)
}

// LookupRegistered returns the registered range containing addr, if any.
func (s *Subsystem) LookupRegistered(addr uintptr) (base, size uintptr, ok bool) {
	s.pagesMu.RLock()
	defer s.pagesMu.RUnlock()
	for b, sz := range s.pages {
		if addr >= b && addr < b+sz {
			return b, sz, true
		}
	}
	return 0, 0, false
}

// guardWorker is the single dedicated goroutine that services page
// faults. Only one fault is in flight at a time: concurrent faults from
// other threads block in the kernel until this loop resolves the current
// one and moves on to the next uffd_msg.
func (s *Subsystem) guardWorker() {
	defer s.wg.Done()

	buf := make([]byte, uffdMsgSize)
	pfds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}

	for {
		pfds[0].Revents = 0
		_, err := unix.Poll(pfds, -1)
		if s.terminated.Load() {
			return
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			ulog.Warningf("utpx: pagefault: poll: %v", err)
			continue
		}

		n, err := unix.Read(s.fd, buf)
		if s.terminated.Load() {
			return
		}
		if err != nil || n != len(buf) {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			ulog.Warningf("utpx: pagefault: read: %v", err)
			continue
		}

		msg := (*uffdMsg)(unsafe.Pointer(&buf[0]))
		if msg.Event != uffdEventPagefault {
			continue
		}
		s.handleFault(msg.pagefault())
	}
}

func (s *Subsystem) handleFault(pf *uffdMsgPagefault) {
	faultAddr := uintptr(pf.Address)
	pageAddr := faultAddr &^ uintptr(s.pageSize-1)

	base, size, ok := s.LookupRegistered(pageAddr)
	if !ok {
		ulog.Fatalf("utpx: pagefault: fault at %#x is outside every registered range", faultAddr)
		return
	}

	s.cbMu.RLock()
	cb := s.cb
	s.cbMu.RUnlock()
	if cb == nil {
		ulog.Fatalf("utpx: pagefault: fault at %#x with no callback installed", faultAddr)
		return
	}

	dst := make([]byte, size)
	done := make(chan struct{})
	go func() {
		cb(faultAddr, base, size, dst)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(FaultTimeout):
		// The guard worker is the only thread that can ever resolve this
		// fault; if the callback hangs, every future host access to any
		// mirrored range is permanently at risk. Continuing would leave
		// the faulting thread parked forever with no way to observe the
		// failure, so we abort instead.
		ulog.Fatalf("utpx: pagefault: coherence callback for %#x did not return within %s", base, FaultTimeout)
		return
	}

	if err := uffdCopy(s.fd, base, dst, size); err != nil {
		ulog.Fatalf("utpx: pagefault: UFFDIO_COPY(%#x, %d): %v", base, size, err)
		return
	}
	if err := s.UnregisterPage(base); err != nil {
		ulog.Fatalf("utpx: pagefault: UnregisterPage(%#x) after writeback: %v", base, err)
	}
}
