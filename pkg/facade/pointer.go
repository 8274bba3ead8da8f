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
	"github.com/UoB-HPC/utpx/pkg/hipabi"
	"github.com/UoB-HPC/utpx/pkg/mode"
)

// PointerGetAttributes implements pointer_get_attributes(ptr). Under MIRROR,
// a containment hit is answered entirely from the Mirror Registry rather
// than from the underlying runtime, which has never heard of a
// mirror-backed host address (it was never handed to the real allocator).
func (f *Facade) PointerGetAttributes(ptr uintptr) (hipabi.PointerAttributes, hipabi.Status) {
	if f.Mode == mode.Mirror {
		if e, ok := f.Registry.LookupContaining(ptr); ok {
			device, _ := f.Backend.GetDevice()
			return hipabi.PointerAttributes{
				Device:    device,
				DevicePtr: e.DevicePtr,
				HostPtr:   e.HostBase,
				IsManaged: 1,
			}, hipabi.StatusSuccess
		}
	}
	return f.Backend.PointerGetAttributes(ptr)
}
