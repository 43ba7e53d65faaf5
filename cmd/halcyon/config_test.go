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
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/halcyon-os/halcyon/pkg/log"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if diff := cmp.Diff(defaultConfig(), cfg); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.yaml")
	data := "cores: 4\nlog-level: debug\necho: false\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	want := Config{Cores: 4, LogLevel: "debug", LogFormat: "text", Echo: false}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if lvl, err := cfg.level(); err != nil || lvl != log.Debug {
		t.Errorf("level = (%v, %v), want (%v, nil)", lvl, err, log.Debug)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.yaml")
	if err := os.WriteFile(path, []byte("coers: 4\n"), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := loadConfig(path); err == nil {
		t.Fatalf("loadConfig accepted a config with an unknown key")
	}
}

func TestLevelInvalid(t *testing.T) {
	cfg := Config{LogLevel: "loud"}
	if _, err := cfg.level(); err == nil {
		t.Fatalf("level accepted %q", cfg.LogLevel)
	}
}

func TestEmitterSelection(t *testing.T) {
	var buf bytes.Buffer

	e, err := Config{LogFormat: "json"}.emitter(&buf)
	if err != nil {
		t.Fatalf("emitter(json): %v", err)
	}
	if _, ok := e.(log.JSONEmitter); !ok {
		t.Errorf("log-format json produced %T", e)
	}

	e, err = Config{LogFormat: "text"}.emitter(&buf)
	if err != nil {
		t.Fatalf("emitter(text): %v", err)
	}
	if _, ok := e.(log.GoogleEmitter); !ok {
		t.Errorf("log-format text produced %T", e)
	}

	if _, err := (Config{LogFormat: "xml"}.emitter(&buf)); err == nil {
		t.Errorf("emitter accepted log-format xml")
	}
}
