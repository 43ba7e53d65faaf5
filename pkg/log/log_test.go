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

package log

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	// The dropped-message marker must be emitted before the next line.
	if len(tw.lines) != 3 {
		t.Fatalf("Writer should have logged 3 lines, got: %v", tw.lines)
	}
	if !strings.Contains(tw.lines[1], "Dropped") {
		t.Errorf("expected dropped-message marker, got: %q", tw.lines[1])
	}
	if tw.lines[2] != "line 2\n" {
		t.Errorf("expected %q, got: %q", "line 2\n", tw.lines[2])
	}
}

func TestCaller(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{Writer: &Writer{Next: tw}}
	bl := &BasicLogger{
		Emitter: e,
		Level:   Debug,
	}
	bl.Debugf("testing...\n") // Just for file + line.
	if len(tw.lines) != 1 {
		t.Errorf("expected 1 line, got %d", len(tw.lines))
	}
	if !strings.Contains(tw.lines[0], "log_test.go") {
		t.Errorf("expected log_test.go, got %q", tw.lines[0])
	}
}

func BenchmarkGoogleLogging(b *testing.B) {
	tw := &testWriter{}
	e := GoogleEmitter{Writer: &Writer{Next: tw}}
	bl := &BasicLogger{
		Emitter: e,
		Level:   Debug,
	}
	for i := 0; i < b.N; i++ {
		bl.Debugf("hello %d, %d, %d", 1, 2, 3)
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	bl := &BasicLogger{
		Emitter: JSONEmitter{Writer: &Writer{Next: tw}},
		Level:   Info,
	}
	bl.Warningf("port %#x", 0x3f8)
	// The terminating newline arrives as a separate write.
	if len(tw.lines) == 0 {
		t.Fatalf("nothing was emitted")
	}

	var got struct {
		Msg   string `json:"msg"`
		Level string `json:"level"`
	}
	if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
		t.Fatalf("output %q is not JSON: %v", tw.lines[0], err)
	}
	if !strings.Contains(got.Msg, "port 0x3f8") {
		t.Errorf("msg %q does not contain the formatted message", got.Msg)
	}
	if !strings.Contains(got.Msg, "log_test.go") {
		t.Errorf("msg %q does not carry the caller", got.Msg)
	}
	if got.Level != "warning" {
		t.Errorf("level = %q, want %q", got.Level, "warning")
	}
}

func TestMultiEmitter(t *testing.T) {
	tw1 := &testWriter{}
	tw2 := &testWriter{}
	me := &MultiEmitter{
		GoogleEmitter{Writer: &Writer{Next: tw1}},
		GoogleEmitter{Writer: &Writer{Next: tw2}},
	}
	bl := &BasicLogger{Emitter: me, Level: Info}
	bl.Infof("fan out")
	for i, tw := range []*testWriter{tw1, tw2} {
		if len(tw.lines) != 1 || !strings.Contains(tw.lines[0], "fan out") {
			t.Errorf("emitter %d got %v, want the one line", i, tw.lines)
		}
	}
}

// countingLogger records how many statements actually reached it.
type countingLogger struct {
	count int
}

func (c *countingLogger) Debugf(format string, v ...any)   { c.count++ }
func (c *countingLogger) Infof(format string, v ...any)    { c.count++ }
func (c *countingLogger) Warningf(format string, v ...any) { c.count++ }
func (c *countingLogger) IsLogging(Level) bool             { return true }

func TestRateLimitedLogger(t *testing.T) {
	cl := &countingLogger{}
	rl := RateLimitedLogger(cl, time.Hour)
	for i := 0; i < 100; i++ {
		rl.Warningf("spam %d", i)
	}
	if cl.count != 1 {
		t.Errorf("%d statements passed the limiter, want 1", cl.count)
	}
	if !rl.IsLogging(Debug) {
		t.Errorf("IsLogging must pass through to the wrapped logger")
	}
}

func TestTestEmitter(t *testing.T) {
	// Exercised the way a test wires kernel logs into its own output.
	bl := &BasicLogger{Emitter: &TestEmitter{TestLogger: t}, Level: Debug}
	bl.Debugf("routed through the test logger")
}
