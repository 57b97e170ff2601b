// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides the static configuration surface of the analyzer: all the flags and
// bounds driving CFG expansion, AEG construction and leakage detection, plus the leveled
// logging facilities shared by every analysis phase.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

var (
	// The global config file
	configFile string
)

// SetGlobalConfig sets the global config filename
func SetGlobalConfig(filename string) {
	configFile = filename
}

// LoadGlobal loads the config file that has been set by SetGlobalConfig
func LoadGlobal() (*Config, error) {
	return Load(configFile)
}

// LeakageClass selects which Spectre variant the detector searches for.
type LeakageClass string

const (
	// SpectreV1 covers the bounds-check-bypass variants.
	SpectreV1 LeakageClass = "spectre-v1"

	// SpectreV4 covers store-to-load-forwarding bypass.
	SpectreV4 LeakageClass = "spectre-v4"
)

// SpectreV1ModeKind selects the v1 leakage predicate.
type SpectreV1ModeKind string

const (
	// V1Classic looks for an address dependency from a mis-speculated load to a transmitter.
	V1Classic SpectreV1ModeKind = "classic"

	// V1BranchPredicate looks for leaks where the branch condition itself is the secret.
	V1BranchPredicate SpectreV1ModeKind = "branch-predicate"
)

// AliasMode holds the alias-analysis flags.
type AliasMode struct {
	// Transient enables aliasing constraints inside the transient window
	Transient bool `yaml:"transient"`

	// Lax disables some of the pre-oracle filters
	Lax bool `yaml:"lax"`
}

// SpectreV1Mode holds the Spectre-v1 sub-options.
type SpectreV1Mode struct {
	Mode SpectreV1ModeKind `yaml:"mode"`
}

// SpectreV4Mode holds the Spectre-v4 sub-options.
type SpectreV4Mode struct {
	// StbSize is the store-buffer depth; a load can only be bypassed once StbSize earlier
	// stores are pending
	StbSize int `yaml:"stb-size"`
}

// Config contains all the bounds and switches recognized by the analyzer. A single immutable
// value is built at startup and passed by reference through every phase.
// If some field is not defined in the config file, it will be zero in the struct and replaced
// by its default in fillDefaults, which Load and NewDefault run before Validate.
type Config struct {
	sourceFile string

	// LeakageClass is the variant to detect. Required.
	LeakageClass LeakageClass `yaml:"leakage-class"`

	// SpecDepth is the maximum transient-window depth (default 2)
	SpecDepth *int `yaml:"spec-depth"`

	// NumUnrolls is the number of loop iterations retained by the unroller (default 2)
	NumUnrolls *int `yaml:"num-unrolls"`

	// RobSize is the reorder-buffer capacity bound used in v1 (default 10)
	RobSize *int `yaml:"rob-size"`

	// MaxTraceback bounds the rf×(addr+data) traceback chain length (default 1)
	MaxTraceback *int `yaml:"max-traceback"`

	// MaxTransientNodes is a hard cap on the number of transient nodes; unset means
	// no cap beyond SpecDepth
	MaxTransientNodes *int `yaml:"max-transient-nodes"`

	// AliasModeFlags are the alias-analysis flags
	AliasModeFlags AliasMode `yaml:"alias-mode"`

	// SpectreV1 sub-options
	SpectreV1Mode SpectreV1Mode `yaml:"spectre-v1-mode"`

	// SpectreV4 sub-options
	SpectreV4Mode SpectreV4Mode `yaml:"spectre-v4-mode"`

	// PartialExecutions allows cold-start entries (default false)
	PartialExecutions bool `yaml:"partial-executions"`

	// WitnessExecutions emits DOT witnesses (default true)
	WitnessExecutions *bool `yaml:"witness-executions"`

	// FastMode stops after the first leak per transmitter (default false)
	FastMode bool `yaml:"fast-mode"`

	// MaxParallel is the number of process-parallel workers (default 1)
	MaxParallel *int `yaml:"max-parallel"`

	// WindowSize is the exec-window PO radius; defaults to RobSize
	WindowSize *int `yaml:"window-size"`

	// SolverTimeout is the per-check solver timeout in milliseconds; 0 means none
	SolverTimeout int `yaml:"solver-timeout"`

	// OutputDir receives leakage.txt, transmitters.txt and the DOT witnesses
	OutputDir string `yaml:"output-dir"`

	// OutputGraphs dumps every CFG stage as DOT into OutputDir
	OutputGraphs bool `yaml:"output-graphs"`

	// BatchMode appends to the output files with a per-function header instead of
	// truncating them
	BatchMode bool `yaml:"batch-mode"`

	// Functions restricts the analysis to functions matching one of the regexes
	Functions []string `yaml:"functions"`

	// LogLevel controls the verbosity of the LogGroup
	LogLevel int `yaml:"log-level"`

	functionRegexes []*regexp.Regexp
}

// NewDefault returns a config with all defaults filled in and no leakage class selected.
// Callers must still set LeakageClass before Validate passes.
func NewDefault() *Config {
	c := &Config{}
	c.fillDefaults()
	return c
}

func newInt(x int) *int    { return &x }
func newBool(b bool) *bool { return &b }

func (c *Config) fillDefaults() {
	if c.SpecDepth == nil {
		c.SpecDepth = newInt(2)
	}
	if c.NumUnrolls == nil {
		c.NumUnrolls = newInt(2)
	}
	if c.RobSize == nil {
		c.RobSize = newInt(10)
	}
	if c.MaxTraceback == nil {
		c.MaxTraceback = newInt(1)
	}
	if c.WitnessExecutions == nil {
		c.WitnessExecutions = newBool(true)
	}
	if c.MaxParallel == nil {
		c.MaxParallel = newInt(1)
	}
	if c.WindowSize == nil {
		c.WindowSize = c.RobSize
	}
	if c.SpectreV1Mode.Mode == "" {
		c.SpectreV1Mode.Mode = V1Classic
	}
	if c.LogLevel == 0 {
		c.LogLevel = int(InfoLevel)
	}
}

// Load reads a yaml config file and validates it.
func Load(filename string) (*Config, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("could not read config file %q: %w", filename, err)
	}
	c := &Config{sourceFile: filename}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("could not parse config file %q: %w", filename, err)
	}
	c.fillDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %q: %w", filename, err)
	}
	return c, nil
}

// Validate checks the configuration before any analysis starts. A validation failure is a
// configuration error in the sense of the error-handling design: it aborts the process.
func (c *Config) Validate() error {
	switch c.LeakageClass {
	case SpectreV1, SpectreV4:
	case "":
		return fmt.Errorf("missing leakage class option (%q or %q)", SpectreV1, SpectreV4)
	default:
		return fmt.Errorf("unknown leakage class %q", c.LeakageClass)
	}
	switch c.SpectreV1Mode.Mode {
	case V1Classic, V1BranchPredicate:
	default:
		return fmt.Errorf("unknown spectre-v1 mode %q", c.SpectreV1Mode.Mode)
	}
	for name, val := range map[string]int{
		"spec-depth":    *c.SpecDepth,
		"num-unrolls":   *c.NumUnrolls,
		"rob-size":      *c.RobSize,
		"max-traceback": *c.MaxTraceback,
		"window-size":   *c.WindowSize,
	} {
		if val < 0 {
			return fmt.Errorf("option %s must be non-negative, got %d", name, val)
		}
	}
	if *c.MaxParallel < 1 {
		return fmt.Errorf("option max-parallel must be at least 1, got %d", *c.MaxParallel)
	}
	if c.MaxTransientNodes != nil && *c.MaxTransientNodes < 0 {
		return fmt.Errorf("option max-transient-nodes must be non-negative, got %d", *c.MaxTransientNodes)
	}
	if c.SpectreV4Mode.StbSize < 0 {
		return fmt.Errorf("option spectre-v4-mode.stb-size must be non-negative, got %d", c.SpectreV4Mode.StbSize)
	}
	for _, f := range c.Functions {
		re, err := regexp.Compile(f)
		if err != nil {
			return fmt.Errorf("invalid function filter %q: %w", f, err)
		}
		c.functionRegexes = append(c.functionRegexes, re)
	}
	return nil
}

// MatchFunction reports whether the function name passes the configured filters. With no
// filters configured, every function matches.
func (c *Config) MatchFunction(name string) bool {
	if len(c.Functions) == 0 {
		return true
	}
	if c.functionRegexes == nil {
		// Validate not called; compile lazily and ignore bad patterns
		for _, f := range c.Functions {
			if re, err := regexp.Compile(f); err == nil {
				c.functionRegexes = append(c.functionRegexes, re)
			}
		}
	}
	for _, re := range c.functionRegexes {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// RelPath returns filename interpreted relative to the output directory.
func (c *Config) RelPath(filename string) string {
	if c.OutputDir == "" {
		return filename
	}
	return c.OutputDir + "/" + filename
}
