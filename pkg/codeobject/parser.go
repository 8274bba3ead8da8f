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

// Package codeobject parses a GPU code object (an ELF relocatable
// containing a vendor metadata note) and recovers each kernel's argument
// schema. The parser is pure: it never retains a reference into the
// caller's buffer past the call that produced its result.
package codeobject

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ianlancetaylor/demangle"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/UoB-HPC/utpx/internal/ulog"
	"github.com/UoB-HPC/utpx/pkg/hipabi"
)

// noteAMDGPUMetadata and noteVendorAMDGPU identify the note this parser
// looks for within a SHT_NOTE section: n_type == 32 ("NT_AMDGPU_METADATA"
// in LLVM's AMDGPU backend), n_name == "AMDGPU".
const (
	noteAMDGPUMetadata = 32
	noteVendorAMDGPU   = "AMDGPU"
)

// Parse extracts the kernel argument schema for every kernel described by
// buf's embedded vendor metadata note. It returns a nil slice, no error,
// if buf is not a valid ELF object or contains no recognized metadata:
// failing gracefully here is a data contract, not a Go error. Callers
// that need to distinguish why (e.g. cmd/utpxctl, printing a diagnostic)
// should call ParseFile instead.
func Parse(buf []byte) []hipabi.KernelArgSchema {
	schemas, _ := ParseFile(buf)
	return schemas
}

// ParseFile is Parse for a caller that wants to know why an empty result
// came back. It returns ErrNoMetadata when buf is not a valid ELF object
// or an ELF object with no recoverable AMDGPU metadata note, and a
// non-nil error otherwise only if that ELF object's metadata note itself
// fails to decode. A successfully decoded object with zero kernels
// listed returns a non-nil, empty slice and a nil error.
func ParseFile(buf []byte) ([]hipabi.KernelArgSchema, error) {
	f, err := elf.NewFile(bytes.NewReader(buf))
	if err != nil {
		ulog.Debugf("utpx: codeobject: not a valid ELF object: %v", err)
		return nil, ErrNoMetadata
	}
	defer f.Close()

	desc := findMetadataNote(f)
	if desc == nil {
		return nil, ErrNoMetadata
	}

	var doc map[string]interface{}
	if err := msgpack.Unmarshal(desc, &doc); err != nil {
		return nil, fmt.Errorf("codeobject: metadata note is not a valid msgpack document: %w", err)
	}

	kernelsRaw, ok := doc[amdhsaKernelsKey]
	if !ok {
		return nil, fmt.Errorf("codeobject: metadata note has no %q key", amdhsaKernelsKey)
	}
	kernels, ok := kernelsRaw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("codeobject: metadata note's %q key is not a list", amdhsaKernelsKey)
	}

	schemas := make([]hipabi.KernelArgSchema, 0, len(kernels))
	for _, k := range kernels {
		km, ok := k.(map[string]interface{})
		if !ok {
			continue
		}
		schemas = append(schemas, parseKernel(km))
	}
	return schemas, nil
}

// AMDGPU code object v3 metadata keys, per LLVM's AMDGPU backend metadata
// schema: a top-level "amdhsa.kernels" list, each entry keyed with a
// leading dot (".name", ".args", ...) to set it apart from the vendor
// extension keys the same map may carry.
const (
	amdhsaKernelsKey = "amdhsa.kernels"

	kernelNameKey          = ".name"
	kernelArgsKey          = ".args"
	kernargSegmentSizeKey  = ".kernarg_segment_size"
	kernargSegmentAlignKey = ".kernarg_segment_align"

	argOffsetKey    = ".offset"
	argSizeKey      = ".size"
	argValueKindKey = ".value_kind"
)

func parseKernel(km map[string]interface{}) hipabi.KernelArgSchema {
	s := hipabi.KernelArgSchema{
		RawName:      asString(km[kernelNameKey]),
		KernargSize:  uint32(asUint(km[kernargSegmentSizeKey])),
		KernargAlign: uint32(asUint(km[kernargSegmentAlignKey])),
	}
	s.Name = demangleName(s.RawName)

	argsRaw, _ := km[kernelArgsKey].([]interface{})
	s.Args = make([]hipabi.KernelArg, 0, len(argsRaw))
	for _, a := range argsRaw {
		am, ok := a.(map[string]interface{})
		if !ok {
			continue
		}
		raw := asString(am[argValueKindKey])
		s.Args = append(s.Args, hipabi.KernelArg{
			Offset:  uint32(asUint(am[argOffsetKey])),
			Size:    uint32(asUint(am[argSizeKey])),
			Kind:    classifyKind(raw),
			RawKind: raw,
		})
	}
	return s
}

// classifyKind maps a raw value_kind string to an ArgKind: any "hidden_"
// prefix becomes ArgHidden, the literal "by_value" and "global_buffer" map
// directly, and everything else is ArgUnknown.
func classifyKind(raw string) hipabi.ArgKind {
	switch {
	case strings.HasPrefix(raw, "hidden_"):
		return hipabi.ArgHidden
	case raw == "by_value":
		return hipabi.ArgByValue
	case raw == "global_buffer":
		return hipabi.ArgGlobalBuffer
	default:
		return hipabi.ArgUnknown
	}
}

// demangleName best-effort demangles an Itanium-mangled kernel name.
// Returns "" on failure.
func demangleName(raw string) string {
	name, err := demangle.ToString(raw, demangle.NoParams)
	if err != nil {
		return ""
	}
	return name
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asUint(v interface{}) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int64:
		return uint64(n)
	case uint32:
		return uint64(n)
	case int32:
		return uint64(n)
	case int:
		return uint64(n)
	case uint8:
		return uint64(n)
	default:
		return 0
	}
}

// findMetadataNote walks the SHT_NOTE sections of f looking for the first
// note whose type and vendor name identify GPU metadata, returning its
// descriptor bytes.
func findMetadataNote(f *elf.File) []byte {
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_NOTE {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		if desc := scanNotes(data); desc != nil {
			return desc
		}
	}
	return nil
}

// scanNotes walks the ELF note records packed into data, per the note
// segment layout of the ELF spec: namesz, descsz, type (4 bytes each,
// always read as little-endian, whatever the object's own byte order),
// then name padded to a 4-byte boundary, then desc padded likewise.
func scanNotes(data []byte) []byte {
	order := binary.LittleEndian
	for len(data) >= 12 {
		namesz := order.Uint32(data[0:4])
		descsz := order.Uint32(data[4:8])
		ntype := order.Uint32(data[8:12])
		off := 12

		nameEnd := off + int(namesz)
		if nameEnd > len(data) {
			return nil
		}
		name := strings.TrimRight(string(data[off:nameEnd]), "\x00")
		off = align4(nameEnd)

		descEnd := off + int(descsz)
		if descEnd > len(data) {
			return nil
		}
		desc := data[off:descEnd]
		off = align4(descEnd)

		if ntype == noteAMDGPUMetadata && name == noteVendorAMDGPU {
			out := make([]byte, len(desc))
			copy(out, desc)
			return out
		}

		if off <= 0 || off > len(data) {
			return nil
		}
		data = data[off:]
	}
	return nil
}

func align4(n int) int {
	return (n + 3) &^ 3
}

// ErrNoMetadata is ParseFile's error for "not a valid ELF object, or a
// valid one with no recoverable AMDGPU metadata note" — the failure mode
// Parse's bare nil result does not distinguish from a metadata note that
// merely failed to decode.
var ErrNoMetadata = fmt.Errorf("codeobject: no AMDGPU metadata note found")
