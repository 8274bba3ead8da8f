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

// Command utpxctl is a diagnostic binary, not itself interposed: it
// exercises pkg/codeobject and pkg/hipabi outside the shared-library
// path, for verifying the metadata parser against real code objects
// without launching an application under libutpx.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/UoB-HPC/utpx/pkg/codeobject"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&dumpCommand{}, "")

	flag.Parse()
	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}

// dumpCommand implements subcommands.Command for "dump".
type dumpCommand struct {
	verbose bool
}

// Name implements subcommands.Command.Name.
func (*dumpCommand) Name() string { return "dump" }

// Synopsis implements subcommands.Command.Synopsis.
func (*dumpCommand) Synopsis() string {
	return "parse a code object file and print its recovered kernel argument schemas"
}

// Usage implements subcommands.Command.Usage.
func (*dumpCommand) Usage() string {
	return `dump [-v] <code-object-file> - print the KernelArgSchema recovered from a code object's AMDGPU metadata note.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *dumpCommand) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.verbose, "v", false, "print each argument slot, not just kernel names")
}

// Execute implements subcommands.Command.Execute.
func (c *dumpCommand) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	path := f.Arg(0)
	buf, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "utpxctl: dump: %v\n", err)
		return subcommands.ExitFailure
	}

	schemas, err := codeobject.ParseFile(buf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "utpxctl: dump: %s: %v\n", path, err)
		return subcommands.ExitFailure
	}
	if len(schemas) == 0 {
		fmt.Fprintf(os.Stderr, "utpxctl: dump: %s: parsed cleanly, no kernels listed\n", path)
		return subcommands.ExitFailure
	}

	for _, s := range schemas {
		name := s.Name
		if name == "" {
			name = s.RawName
		}
		fmt.Printf("%s  (raw=%q, kernarg_size=%d, kernarg_align=%d, %d args)\n", name, s.RawName, s.KernargSize, s.KernargAlign, len(s.Args))
		if !c.verbose {
			continue
		}
		for i, a := range s.Args {
			fmt.Printf("  [%d] offset=%-4d size=%-3d kind=%-13s raw=%q packed=%v\n", i, a.Offset, a.Size, a.Kind, a.RawKind, s.Packed(i))
		}
	}
	return subcommands.ExitSuccess
}
