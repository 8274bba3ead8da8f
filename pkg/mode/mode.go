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

// Package mode selects and holds the interposer's coherence mode.
package mode

import (
	"fmt"
	"os"

	"github.com/UoB-HPC/utpx/internal/ulog"
)

// Mode is one of the three coherence strategies the facade dispatches on.
type Mode int

const (
	// Advise delegates allocation to the underlying managed allocator and
	// emits advisory hints.
	Advise Mode = iota
	// Device replaces managed allocations with pure device allocations.
	Device
	// Mirror backs managed allocations with a host buffer whose device
	// mirror is created lazily and kept coherent by page-fault writeback.
	Mirror
)

func (m Mode) String() string {
	switch m {
	case Advise:
		return "ADVISE"
	case Device:
		return "DEVICE"
	case Mirror:
		return "MIRROR"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// EnvVar is the environment variable that selects the mode.
const EnvVar = "UTPX_MODE"

// FromEnv reads EnvVar once, defaulting to Mirror when unset. An unknown
// value is a fatal configuration error: every downstream component
// threads the mode through without re-validating it.
func FromEnv() Mode {
	v, ok := os.LookupEnv(EnvVar)
	if !ok || v == "" {
		return Mirror
	}
	m, err := Parse(v)
	if err != nil {
		ulog.Fatalf("utpx: %v", err)
	}
	return m
}

// Parse converts a string to a Mode, or an error for anything else.
func Parse(v string) (Mode, error) {
	switch v {
	case "ADVISE":
		return Advise, nil
	case "DEVICE":
		return Device, nil
	case "MIRROR":
		return Mirror, nil
	default:
		return 0, fmt.Errorf("%s: unrecognized value %q (want ADVISE, DEVICE, or MIRROR)", EnvVar, v)
	}
}
