// Copyright 2024 The Halcyon Authors.
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

package main

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/halcyon-os/halcyon/pkg/log"
)

// Config is the machine description the boot command consumes.
type Config struct {
	// Cores is the number of modeled cores.
	Cores int `yaml:"cores"`

	// LogLevel is one of "warning", "info", "debug".
	LogLevel string `yaml:"log-level"`

	// LogFormat is one of "text", "json".
	LogFormat string `yaml:"log-format"`

	// DebugLog is a file that receives a copy of the log, in addition to
	// stderr. Empty disables it.
	DebugLog string `yaml:"debug-log"`

	// Echo makes the console task echo received serial input back out,
	// so a bridged terminal behaves like a session.
	Echo bool `yaml:"echo"`
}

func defaultConfig() Config {
	return Config{
		Cores:     1,
		LogLevel:  "info",
		LogFormat: "text",
		Echo:      true,
	}
}

// loadConfig reads a YAML machine description; an empty path yields the
// defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return cfg, nil
}

// level translates the configured log level.
func (c Config) level() (log.Level, error) {
	switch c.LogLevel {
	case "", "info":
		return log.Info, nil
	case "warning":
		return log.Warning, nil
	case "debug":
		return log.Debug, nil
	default:
		return log.Info, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
}

// emitter builds the configured log emitter for the given stream.
func (c Config) emitter(w io.Writer) (log.Emitter, error) {
	switch c.LogFormat {
	case "", "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: w}}, nil
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}, nil
	default:
		return nil, fmt.Errorf("invalid log format %q", c.LogFormat)
	}
}
