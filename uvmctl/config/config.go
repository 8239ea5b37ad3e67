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

// Package config provides basic infrastructure to set configuration settings
// for uvmctl. Each setting is a flag; values may also come from a TOML or YAML
// file.
package config

import (
	"fmt"
	"reflect"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/log"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/emap"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/readahead"
	"github.com/mohae/deepcopy"
)

// Config holds configuration that is not part of a command's own flags.
type Config struct {
	// ConfigFile is a TOML or YAML file with flag values. Flags set on the
	// command line take precedence.
	ConfigFile string `flag:"config"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// DebugLog is the path to log debug information to, if not empty. It
	// may contain %COMMAND%, %PID% and %TIMESTAMP%.
	DebugLog string `flag:"debug-log"`

	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format"`

	// AlsoLogToStderr allows to send log messages to stderr in addition
	// to DebugLog.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// NumCPUs is the number of simulated CPUs.
	NumCPUs int `flag:"cpus"`

	// MemoryPages is the number of page frames available to the page
	// cache.
	MemoryPages uint64 `flag:"memory-pages"`

	// Pmap selects the pmap implementation.
	Pmap PmapType `flag:"pmap"`

	// EmapSize is the size in bytes of the ephemeral mapping arena. Zero
	// selects the default for the host.
	EmapSize uint64 `flag:"emap-size"`

	// EmapStrategy selects how ephemeral mappings are synchronized.
	EmapStrategy emap.Strategy `flag:"emap-strategy"`

	// Readahead enables sequential read-ahead for file reads.
	Readahead bool `flag:"readahead"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'logrus'", c.LogFormat)
	}
	if c.NumCPUs < 1 {
		return fmt.Errorf("--cpus must be at least 1, got %d", c.NumCPUs)
	}
	if c.MemoryPages < 1 {
		return fmt.Errorf("--memory-pages must be at least 1, got %d", c.MemoryPages)
	}
	return nil
}

// Advice returns the read-ahead advice for file reads.
func (c *Config) Advice() readahead.Advice {
	if c.Readahead {
		return readahead.AdviceNormal
	}
	return readahead.AdviceRandom
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("Config.%s (--%s): %s", f.Name, name, getVal(obj.Field(i)))
	}
}

// PmapType tells which pmap implementation to use.
type PmapType int

const (
	// PmapSoft is a software MMU with simulated per-CPU TLBs.
	PmapSoft PmapType = iota

	// PmapHost maps windows into the host address space.
	PmapHost
)

func pmapTypePtr(v PmapType) *PmapType {
	return &v
}

// Set implements flag.Value.Set.
func (p *PmapType) Set(v string) error {
	switch v {
	case "soft":
		*p = PmapSoft
	case "host":
		*p = PmapHost
	default:
		return fmt.Errorf("invalid pmap type %q", v)
	}
	return nil
}

// Get implements flag.Getter.Get.
func (p *PmapType) Get() any {
	return *p
}

// String implements flag.Value.String.
func (p PmapType) String() string {
	switch p {
	case PmapSoft:
		return "soft"
	case PmapHost:
		return "host"
	}
	panic(fmt.Sprintf("Invalid pmap type %d", p))
}

// strategyValue adapts emap.Strategy to flag.Getter.
type strategyValue emap.Strategy

func strategyPtr(s emap.Strategy) *strategyValue {
	v := strategyValue(s)
	return &v
}

// Set implements flag.Value.Set.
func (s *strategyValue) Set(v string) error {
	st, err := emap.ParseStrategy(v)
	if err != nil {
		return err
	}
	*s = strategyValue(st)
	return nil
}

// Get implements flag.Getter.Get.
func (s *strategyValue) Get() any {
	return emap.Strategy(*s)
}

// String implements flag.Value.String.
func (s *strategyValue) String() string {
	return emap.Strategy(*s).String()
}
