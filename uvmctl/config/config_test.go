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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/emap"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/readahead"
	"github.com/google/go-cmp/cmp"
)

func newFlagSet() *flag.FlagSet {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlagSet())
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if c.Advice() != readahead.AdviceNormal {
		t.Errorf("Advice = %v, want %v", c.Advice(), readahead.AdviceNormal)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newFlagSet()
	for name, val := range map[string]string{
		"debug":         "true",
		"cpus":          "8",
		"pmap":          "host",
		"emap-strategy": "fallback",
		"emap-size":     "1048576",
		"readahead":     "false",
	} {
		if err := testFlags.Set(name, val); err != nil {
			t.Fatalf("Flag set %q: %v", name, err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		Debug:        true,
		LogFormat:    "text",
		NumCPUs:      8,
		MemoryPages:  4096,
		Pmap:         PmapHost,
		EmapSize:     1 << 20,
		EmapStrategy: emap.StrategyFallback,
		Readahead:    false,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("NewFromFlags mismatch (-want +got):\n%s", diff)
	}
	if c.Advice() != readahead.AdviceRandom {
		t.Errorf("Advice with read-ahead disabled = %v, want %v", c.Advice(), readahead.AdviceRandom)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	testFlags := newFlagSet()
	testFlags.Set("debug", "true")
	testFlags.Set("cpus", "2") // Matches default value.
	testFlags.Set("pmap", "host")
	testFlags.Set("emap-strategy", "fast")
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"--debug=true", "--pmap=host", "--emap-strategy=fast"}
	if diff := cmp.Diff(want, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalidFlags(t *testing.T) {
	for _, test := range []struct {
		name  string
		value string
		error string
	}{
		{name: "log-format", value: "xml", error: "invalid log format"},
		{name: "cpus", value: "0", error: "--cpus must be at least 1"},
		{name: "memory-pages", value: "0", error: "--memory-pages must be at least 1"},
	} {
		t.Run(test.name, func(t *testing.T) {
			testFlags := newFlagSet()
			if err := testFlags.Set(test.name, test.value); err != nil {
				t.Fatalf("Flag set: %v", err)
			}
			if _, err := NewFromFlags(testFlags); err == nil || !strings.Contains(err.Error(), test.error) {
				t.Errorf("NewFromFlags got err %v, want %q", err, test.error)
			}
		})
	}

	testFlags := newFlagSet()
	if err := testFlags.Set("pmap", "kvm"); err == nil {
		t.Errorf("setting --pmap=kvm succeeded")
	}
	if err := testFlags.Set("emap-strategy", "lazy"); err == nil {
		t.Errorf("setting --emap-strategy=lazy succeeded")
	}
}

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	for _, test := range []struct {
		name     string
		file     string
		contents string
	}{
		{
			name: "toml",
			file: "uvmctl.toml",
			contents: `
debug = true
cpus = 4
emap-strategy = "fallback"
memory-pages = 64
`,
		},
		{
			name: "yaml",
			file: "uvmctl.yaml",
			contents: `
debug: true
cpus: 4
emap-strategy: fallback
memory-pages: 64
`,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			testFlags := newFlagSet()
			// Explicit flags win over the file.
			if err := testFlags.Set("memory-pages", "128"); err != nil {
				t.Fatalf("Flag set: %v", err)
			}
			if err := LoadFile(writeFile(t, test.file, test.contents), testFlags); err != nil {
				t.Fatalf("LoadFile failed: %v", err)
			}
			c, err := NewFromFlags(testFlags)
			if err != nil {
				t.Fatal(err)
			}
			if !c.Debug || c.NumCPUs != 4 || c.EmapStrategy != emap.StrategyFallback || c.MemoryPages != 128 {
				t.Errorf("config after LoadFile = %+v", *c)
			}
		})
	}
}

func TestLoadFileErrors(t *testing.T) {
	for _, test := range []struct {
		name     string
		file     string
		contents string
		error    string
	}{
		{name: "extension", file: "uvmctl.ini", contents: "debug=true", error: "unknown extension"},
		{name: "syntax", file: "uvmctl.toml", contents: "debug = = true", error: "parsing"},
		{name: "unknown flag", file: "uvmctl.yaml", contents: "platform: kvm", error: "unknown flag"},
		{name: "bad value", file: "uvmctl.yaml", contents: "cpus: many", error: "setting flag"},
		{name: "recursive", file: "uvmctl.toml", contents: "config = \"other.toml\"", error: "cannot be set"},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := LoadFile(writeFile(t, test.file, test.contents), newFlagSet())
			if err == nil || !strings.Contains(err.Error(), test.error) {
				t.Errorf("LoadFile got err %v, want %q", err, test.error)
			}
		})
	}
}

func TestCopy(t *testing.T) {
	c, err := NewFromFlags(newFlagSet())
	if err != nil {
		t.Fatal(err)
	}
	cp := c.Copy()
	if diff := cmp.Diff(c, cp); diff != "" {
		t.Errorf("Copy mismatch (-want +got):\n%s", diff)
	}
	cp.NumCPUs = 16
	if c.NumCPUs == 16 {
		t.Errorf("modifying the copy changed the original")
	}
}
