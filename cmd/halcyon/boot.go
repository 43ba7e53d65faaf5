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
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/halcyon-os/halcyon/pkg/devfs"
	"github.com/halcyon-os/halcyon/pkg/log"
	"github.com/halcyon-os/halcyon/pkg/machine"
	"github.com/halcyon-os/halcyon/pkg/sched"
	"github.com/halcyon-os/halcyon/pkg/serial"
	"github.com/halcyon-os/halcyon/pkg/tty"
)

// consoleEscape detaches the console (Ctrl-]).
const consoleEscape = 0x1d

// errDetached marks a deliberate console detach, not a failure.
var errDetached = errors.New("console detached")

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	configPath string
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot a modeled machine and attach the terminal to its first serial line"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boot a modeled machine. Detach with Ctrl-].
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.configPath, "config", "", "YAML machine description; empty for defaults")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	cfg, err := loadConfig(b.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return subcommands.ExitUsageError
	}
	level, err := cfg.level()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return subcommands.ExitUsageError
	}
	emitter, err := cfg.emitter(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return subcommands.ExitUsageError
	}
	if cfg.DebugLog != "" {
		f, err := os.OpenFile(cfg.DebugLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "opening debug log: %v\n", err)
			return subcommands.ExitFailure
		}
		defer f.Close()
		emitter = &log.MultiEmitter{emitter, log.GoogleEmitter{Writer: &log.Writer{Next: f}}}
	}
	log.SetLevel(level)
	log.SetTarget(emitter)

	if err := b.run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "boot: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (b *Boot) run(ctx context.Context, cfg Config) error {
	m := machine.New(machine.Options{CPUs: cfg.Cores})
	defer m.Shutdown()

	uarts := make(map[uint16]*machine.UART)
	for _, p := range []struct {
		base uint16
		irq  int
	}{
		{serial.PortA, serial.IRQAC},
		{serial.PortB, serial.IRQBD},
		{serial.PortC, serial.IRQAC},
		{serial.PortD, serial.IRQBD},
	} {
		u, err := machine.NewUART(m, p.base, p.irq)
		if err != nil {
			return err
		}
		uarts[p.base] = u
	}

	s := sched.New()
	defer s.Shutdown()

	sub := serial.New(serial.Options{
		Machine:   m,
		Scheduler: s,
		Devfs:     devfs.NewRegistry(),
	})
	if err := sub.Start(); err != nil {
		return err
	}
	console, err := sub.Device(serial.PortA)
	if err != nil {
		return err
	}
	log.Infof("console on %s, detach with Ctrl-]", console.Path())

	err = bridgeConsole(ctx, cfg, uarts[serial.PortA], console.Endpoint())
	if errors.Is(err, errDetached) {
		return nil
	}
	return err
}

// bridgeConsole connects the host terminal to the console line: stdin bytes
// arrive at the modeled UART as if a remote sent them, and everything the
// device transmits is copied to stdout.
func bridgeConsole(ctx context.Context, cfg Config, u *machine.UART, e *tty.Endpoint) error {
	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		old, err := term.MakeRaw(stdin)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(stdin, old)
	}

	g, ctx := errgroup.WithContext(ctx)

	// Host keyboard to modeled receive line.
	g.Go(func() error {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return err
			}
			if n == 1 {
				if buf[0] == consoleEscape {
					return errDetached
				}
				u.Push(buf[0])
			}
		}
	})

	// Stand-in console task: echo drained input back out the line.
	if cfg.Echo {
		g.Go(func() error {
			tick := time.NewTicker(5 * time.Millisecond)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-tick.C:
					for _, c := range e.TakeInput() {
						if c == '\r' {
							c = '\n'
						}
						if err := e.WriteByte(c); err != nil {
							return err
						}
					}
				}
			}
		})
	}

	// Modeled transmit line to host screen.
	g.Go(func() error {
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick.C:
				out := u.Output()
				for i := 0; i < len(out); i++ {
					if out[i] == '\n' {
						// Raw mode needs the carriage return.
						os.Stdout.Write([]byte{'\r', '\n'})
						continue
					}
					os.Stdout.Write(out[i : i+1])
				}
			}
		}
	})

	return g.Wait()
}
