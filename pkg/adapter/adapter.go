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

// Package adapter resolves the underlying GPU runtime's entry points by
// name, preferring the next symbol in the dynamic-linker chain so the
// interposer never ends up calling itself.
package adapter

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"

	"github.com/UoB-HPC/utpx/internal/ulog"
)

// FallbackLibrary is opened explicitly when a symbol can't be found via
// RTLD_NEXT, e.g. because the host process was not itself linked against
// the runtime and only pulled it in via dlopen at a point after ours.
const FallbackLibrary = "libamdhip64.so"

// rtldNext mirrors <dlfcn.h>'s RTLD_NEXT, (void*)-1: "when ld.so resolves
// this symbol reference, consider only the libraries loaded after the one
// containing this call" — i.e., the real runtime, never us.
const rtldNext = ^uintptr(0)

var (
	resolveMu    sync.Mutex
	resolveOnces = map[string]*sync.Once{}
	resolveAddrs = map[string]uintptr{}

	fallbackOnce   sync.Once
	fallbackHandle uintptr
	fallbackErr    error
)

func fallbackLib() (uintptr, error) {
	fallbackOnce.Do(func() {
		fallbackHandle, fallbackErr = purego.Dlopen(FallbackLibrary, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	})
	return fallbackHandle, fallbackErr
}

func resolveAddr(name string) (uintptr, error) {
	if addr, err := purego.Dlsym(rtldNext, name); err == nil && addr != 0 {
		return addr, nil
	}
	lib, err := fallbackLib()
	if err != nil {
		return 0, fmt.Errorf("resolve %q: not found via RTLD_NEXT, and %s could not be loaded: %w", name, FallbackLibrary, err)
	}
	addr, err := purego.Dlsym(lib, name)
	if err != nil || addr == 0 {
		return 0, fmt.Errorf("resolve %q: not found via RTLD_NEXT or in %s", name, FallbackLibrary)
	}
	return addr, nil
}

// addr resolves name to a raw function pointer exactly once, caching the
// result so concurrent resolutions of the same name block on a single
// lookup and then share the cached pointer. Failure is fatal: every
// caller of Resolve needs the symbol to proceed at all: a resolution
// failure at first use is treated as an unrecoverable configuration error.
func addr(name string) uintptr {
	resolveMu.Lock()
	once, ok := resolveOnces[name]
	if !ok {
		once = &sync.Once{}
		resolveOnces[name] = once
	}
	resolveMu.Unlock()

	once.Do(func() {
		a, err := resolveAddr(name)
		if err != nil {
			ulog.Fatalf("utpx: %v", err)
			return
		}
		resolveMu.Lock()
		resolveAddrs[name] = a
		resolveMu.Unlock()
	})

	resolveMu.Lock()
	a := resolveAddrs[name]
	resolveMu.Unlock()
	return a
}

// Resolve resolves name to a callable Go function of type T (which must be
// a function type matching the underlying C signature), via
// purego.RegisterFunc. Idempotent and safe to call concurrently.
func Resolve[T any](name string) T {
	var fn T
	purego.RegisterFunc(&fn, addr(name))
	return fn
}
