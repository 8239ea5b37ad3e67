// Copyright 2026 The gVisor Authors.
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

package cmd

import (
	"context"
	"flag"
	"os"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/metric"
	"github.com/google/subcommands"
)

// Go runtime metrics exported next to the memory system's own.
var (
	gcCycles   = metric.MustCreateNewRuntimeUint64Metric("/go/gc/cycles", "/gc/cycles/total:gc-cycles")
	heapObjs   = metric.MustCreateNewRuntimeUint64Metric("/go/gc/heap_objects", "/gc/heap/objects:objects")
	goroutines = metric.MustCreateNewRuntimeUint64Metric("/go/goroutines", "/sched/goroutines:goroutines")
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	file   string
	stress Stress
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "print metrics in Prometheus text format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [flags] - print the current metric values.

With -file, a stress run over the file is done first so that the metrics
reflect a workload.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.file, "file", "", "file to stress before printing metrics.")
	m.stress.SetFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if m.file != "" {
		sf := flag.NewFlagSet("stress", flag.ContinueOnError)
		if err := sf.Parse([]string{m.file}); err != nil {
			Fatalf("%v", err)
		}
		if status := m.stress.Execute(ctx, sf, args...); status != subcommands.ExitSuccess {
			return status
		}
	}
	if err := metric.WritePrometheus(os.Stdout); err != nil {
		Fatalf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}
