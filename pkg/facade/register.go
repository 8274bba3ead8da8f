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
	"os"

	"github.com/UoB-HPC/utpx/pkg/codeobject"
	"github.com/UoB-HPC/utpx/pkg/hipabi"
)

// deferredLoadingEnvVar is the underlying runtime's own configuration knob;
// the facade toggles it so module loading (and thus code-object-reader
// invocation) happens synchronously within the call it is wrapping.
const deferredLoadingEnvVar = "HIP_ENABLE_DEFERRED_LOADING"

// withDeferredLoadingDisabled forces deferredLoadingEnvVar to "0" for the
// duration of fn, then restores its prior state exactly: unset if it was
// unset, the exact previous value otherwise.
func withDeferredLoadingDisabled(fn func()) {
	prev, had := os.LookupEnv(deferredLoadingEnvVar)
	os.Setenv(deferredLoadingEnvVar, "0")
	defer func() {
		if had {
			os.Setenv(deferredLoadingEnvVar, prev)
		} else {
			os.Unsetenv(deferredLoadingEnvVar)
		}
	}()
	fn()
}

// RegisterFunction implements register_function(modules, hostFn, deviceFn,
// deviceName). Forces synchronous module loading for the duration of the
// underlying call and records any code object it triggers, then indexes
// the most recently recorded schema whose raw name matches deviceName
// under hostFn — the launch key the rewriter looks schemas up by.
func (f *Facade) RegisterFunction(modules, hostFn, deviceFn uintptr, deviceName string) {
	withDeferredLoadingDisabled(func() {
		f.recordMetadata.Store(true)
		defer f.recordMetadata.Store(false)
		f.Backend.RegisterFunction(modules, hostFn, deviceFn, deviceName)
	})
	f.indexSchema(hostFn, deviceName)
}

// indexSchema implements the "most recently added schema whose raw name
// equals the registered device name" match: a linear scan from the end,
// kept intentionally unhardened against ambiguous or absent matches (a
// name that appears in more than one loaded code object silently indexes
// the latest one, per the documented fragility this module retains as-is).
func (f *Facade) indexSchema(hostFn uintptr, deviceName string) {
	f.schemaMu.Lock()
	defer f.schemaMu.Unlock()
	for i := len(f.schemas) - 1; i >= 0; i-- {
		if f.schemas[i].RawName == deviceName {
			s := f.schemas[i]
			f.kernelMu.Lock()
			f.kernels[hostFn] = &s
			f.kernelMu.Unlock()
			return
		}
	}
}

// ModuleLoadDataEx implements module_load_data_ex(image). Same
// record-metadata protocol as RegisterFunction, without an accompanying
// device-name to index by: the schemas it records are appended to the
// process-wide list but never indexed under any handle here.
// ModuleLaunchKernel looks schemas up in the table RegisterFunction fills,
// so a module function handle that was never registered that way is
// launched without rewriting.
func (f *Facade) ModuleLoadDataEx(image []byte) (uintptr, hipabi.Status) {
	var module uintptr
	var st hipabi.Status
	withDeferredLoadingDisabled(func() {
		f.recordMetadata.Store(true)
		defer f.recordMetadata.Store(false)
		module, st = f.Backend.ModuleLoadDataEx(image)
	})
	return module, st
}

// CodeObjectReaderCreateFromMemory implements
// code_object_reader_create_from_memory(buf). Always calls through first;
// only on success, and only while the record-metadata flag is set, does it
// parse buf and append the recovered schemas to the process-wide list.
func (f *Facade) CodeObjectReaderCreateFromMemory(buf []byte) (uintptr, hipabi.Status) {
	reader, st := f.Backend.CodeObjectReaderCreateFromMemory(buf)
	if st != hipabi.StatusSuccess || !f.recordMetadata.Load() {
		return reader, st
	}
	schemas := codeobject.Parse(buf)
	if len(schemas) == 0 {
		return reader, st
	}
	f.schemaMu.Lock()
	f.schemas = append(f.schemas, schemas...)
	f.schemaMu.Unlock()
	return reader, st
}
