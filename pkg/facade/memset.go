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

package facade

import (
	"unsafe"

	"github.com/UoB-HPC/utpx/internal/ulog"
	"github.com/UoB-HPC/utpx/pkg/hipabi"
	"github.com/UoB-HPC/utpx/pkg/mode"
)

// Memset implements memset(ptr, value, n). Only MIRROR mode inspects the
// pointer; every other mode passes through unconditionally.
func (f *Facade) Memset(ptr uintptr, value byte, n uintptr) hipabi.Status {
	if f.Mode != mode.Mirror {
		return f.Backend.Memset(ptr, value, n)
	}

	f.Registry.Lock()
	defer f.Registry.Unlock()

	e, ok := f.Registry.LookupContainingLocked(ptr)
	if !ok {
		return f.Backend.Memset(ptr, value, n)
	}
	if ptr != e.HostBase {
		ulog.Fatalf("utpx: facade: memset at %#x is an unsupported offset fill into mirror based at %#x", ptr, e.HostBase)
	}

	dst := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
	for i := range dst {
		dst[i] = value
	}

	if st := f.Registry.Ensure(e); st != hipabi.StatusSuccess {
		return st
	}
	return f.Backend.Memset(e.DevicePtr, value, n)
}
