// Copyright 2025 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command runjail is an unprivileged sandbox launcher: it builds a
// private filesystem view out of a declarative mount policy and executes
// a command inside it.
package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"

	"github.com/debfx/runjail/internal/defaults"
	"github.com/debfx/runjail/internal/jailerr"
	"github.com/debfx/runjail/internal/launcher"
	"github.com/debfx/runjail/internal/policy"
)

// options is the CLI surface: mode-specific, all-repeatable path flags,
// a single cwd override, the --nonet switch, and the trailing command.
type options struct {
	RO      []string `long:"ro" description:"Mount file/directory from parent namespace read-only."`
	RW      []string `long:"rw" description:"Mount file/directory from parent namespace read-write."`
	Hide    []string `long:"hide" description:"Make file/directory inaccessible."`
	Empty   []string `long:"empty" description:"Mount tmpfs on the specified path."`
	EmptyRO []string `long:"empty-ro" description:"Mount read-only tmpfs on the specified path."`
	Cwd     string   `long:"cwd" description:"Set the current working directory." default:"."`
	NoNet   bool     `long:"nonet" description:"Create a network namespace with only loopback up."`

	Positional struct {
		Command []string `positional-arg-name:"command"`
	} `positional-args:"yes"`
}

func main() {
	switch launcher.Stage() {
	case "":
		runOuter()
	case "intermediate":
		cfg, err := launcher.LoadConfig()
		if err != nil {
			fatal(err)
		}
		launcher.RunIntermediate(cfg)
	case "grandchild":
		cfg, err := launcher.LoadConfig()
		if err != nil {
			fatal(err)
		}
		launcher.RunGrandchild(cfg)
	default:
		fatal(fmt.Errorf("unknown %s value %q", launcher.EnvStage, launcher.Stage()))
	}
}

func runOuter() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	command := opts.Positional.Command
	if len(command) == 0 {
		command = []string{defaults.UserShell()}
	}

	cwd := opts.Cwd
	if cwd == "." || cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			fatal(err)
		}
		cwd = wd
	}

	scratch, err := os.MkdirTemp("", "runjail")
	if err != nil {
		fatal(err)
	}

	defaultLists, err := defaults.Build("/")
	if err != nil {
		fatal(err)
	}

	directives, err := policy.Plan(policy.Input{
		Defaults: defaultLists,
		User: policy.Lists{
			RO:      opts.RO,
			RW:      opts.RW,
			Hide:    opts.Hide,
			Empty:   opts.Empty,
			EmptyRO: opts.EmptyRO,
		},
		Cwd:        cwd,
		ScratchDir: scratch,
		NoNet:      opts.NoNet,
	})
	if err != nil {
		_ = os.Remove(scratch)
		fatal(err)
	}

	cfg := launcher.Config{
		ScratchDir: scratch,
		Directives: directives,
		Cwd:        cwd,
		Command:    command,
		NoNet:      opts.NoNet,
		UID:        os.Getuid(),
		GID:        os.Getgid(),
	}

	launcher.Run(cfg)
}

func fatal(err error) {
	prefix := "runjail"
	if jailerr.IsConfig(err) {
		prefix = "runjail: invalid policy"
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", prefix, err)
	os.Exit(1)
}
