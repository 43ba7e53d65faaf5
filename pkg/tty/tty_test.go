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

package tty

import (
	"bytes"
	"errors"
	"testing"
)

func TestFeedAndTakeInput(t *testing.T) {
	e := NewEndpoint()
	for _, b := range []byte("hello") {
		e.FeedInput(b)
	}
	if got := e.InputLen(); got != 5 {
		t.Fatalf("got %d buffered bytes, want 5", got)
	}
	if got := e.TakeInput(); !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("TakeInput = %q, want %q", got, "hello")
	}
	if got := e.InputLen(); got != 0 {
		t.Fatalf("got %d buffered bytes after drain, want 0", got)
	}
	if got := e.FedCount(); got != 5 {
		t.Fatalf("FedCount = %d, want 5", got)
	}
}

func TestWriteUnbound(t *testing.T) {
	e := NewEndpoint()
	if err := e.WriteByte('x'); !errors.Is(err, ErrNotBound) {
		t.Fatalf("WriteByte on unbound endpoint: %v, want %v", err, ErrNotBound)
	}
}

func TestWriteThroughDevice(t *testing.T) {
	e := NewEndpoint()
	var out []byte
	e.Bind(func(_ *Endpoint, b byte) {
		out = append(out, b)
	}, func(_ *Endpoint) string {
		return "/dev/mock0"
	})

	n, err := e.Write([]byte("ping"))
	if err != nil || n != 4 {
		t.Fatalf("Write = (%d, %v), want (4, nil)", n, err)
	}
	if !bytes.Equal(out, []byte("ping")) {
		t.Errorf("device saw %q, want %q", out, "ping")
	}
	if got := e.Name(); got != "/dev/mock0" {
		t.Errorf("Name = %q, want %q", got, "/dev/mock0")
	}
}

func TestNameUnbound(t *testing.T) {
	if got := NewEndpoint().Name(); got != "" {
		t.Fatalf("Name on unbound endpoint = %q, want empty", got)
	}
}
