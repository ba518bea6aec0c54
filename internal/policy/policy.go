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

// Package policy normalizes user-supplied and default mount policy into a
// sorted, deduplicated, conflict-free sequence of typed mount directives
// ready for the view builder to apply.
package policy

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/debfx/runjail/internal/jailerr"
)

// Kind is the closed variant of mount directive kinds.
type Kind int

const (
	RO Kind = iota
	RW
	HIDE
	EMPTY
	EMPTYRO
)

func (k Kind) String() string {
	switch k {
	case RO:
		return "ro"
	case RW:
		return "rw"
	case HIDE:
		return "hide"
	case EMPTY:
		return "empty"
	case EMPTYRO:
		return "emptyro"
	default:
		return "unknown"
	}
}

// Directive is one normalized mount instruction: an absolute, symlink-
// resolved host path paired with the kind of view it should produce.
type Directive struct {
	Path string
	Kind Kind
}

// Lists is the five path categories, as gathered from defaults and from
// the user's CLI arguments, before normalization.
type Lists struct {
	RO      []string
	RW      []string
	Hide    []string
	Empty   []string
	EmptyRO []string
}

// Input is everything the planner needs: default policy, user policy
// (overriding defaults by path), the requested working directory, the
// scratch root's own path (reserved, and excluded from user policy), and
// whether a network namespace was requested.
type Input struct {
	Defaults   Lists
	User       Lists
	Cwd        string
	ScratchDir string
	NoNet      bool
}

// categories lists the five categories in the fixed order the original
// implementation iterates them in, which also determines directive
// construction order prior to the final path sort.
var categories = []Kind{RO, RW, HIDE, EMPTY, EMPTYRO}

func listFor(l Lists, k Kind) []string {
	switch k {
	case RO:
		return l.RO
	case RW:
		return l.RW
	case HIDE:
		return l.Hide
	case EMPTY:
		return l.Empty
	case EMPTYRO:
		return l.EmptyRO
	default:
		return nil
	}
}

func setListFor(l *Lists, k Kind, v []string) {
	switch k {
	case RO:
		l.RO = v
	case RW:
		l.RW = v
	case HIDE:
		l.Hide = v
	case EMPTY:
		l.Empty = v
	case EMPTYRO:
		l.EmptyRO = v
	}
}

// preprocessPath resolves ~ and symlinks, exactly mirroring the original
// preprocess_path: realpath(expanduser(path)).
func preprocessPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.EvalSymlinks(path)
}

// Plan runs the normalization pipeline described in SPEC_FULL.md and
// returns the sorted, conflict-free directive list.
func Plan(in Input) ([]Directive, error) {
	defaults := in.Defaults
	user := in.User

	// Step 1: resolve + expand every path, in every category, including
	// HIDE; dedupe within a category; reject anything missing on the
	// host (the strict interpretation of the HIDE-existence question).
	var err error
	user.RO, err = resolveDedupe(user.RO)
	if err != nil {
		return nil, err
	}
	user.RW, err = resolveDedupe(user.RW)
	if err != nil {
		return nil, err
	}
	user.Hide, err = resolveDedupe(user.Hide)
	if err != nil {
		return nil, err
	}
	user.Empty, err = resolveDedupe(user.Empty)
	if err != nil {
		return nil, err
	}
	user.EmptyRO, err = resolveDedupe(user.EmptyRO)
	if err != nil {
		return nil, err
	}

	allUser := append(append(append(append(
		append([]string{}, user.RO...), user.RW...), user.Hide...), user.Empty...), user.EmptyRO...)
	for _, p := range allUser {
		if _, err := os.Stat(p); err != nil {
			return nil, jailerr.NewConfig("mountpoint %q doesn't exist", p)
		}
	}

	// Step 3: reserved prefix.
	scratch := strings.TrimSuffix(in.ScratchDir, "/")
	seen := map[string]bool{}
	for _, p := range allUser {
		if p == scratch || strings.HasPrefix(p, scratch+"/") {
			return nil, jailerr.NewConfig("mountpoint %q is reserved for internal usage", p)
		}
		if seen[p] {
			return nil, jailerr.NewConfig("%q specified multiple times", p)
		}
		seen[p] = true

		// Step 2: user overrides defaults of the same path, in any
		// category.
		for _, k := range categories {
			setListFor(&defaults, k, removeString(listFor(defaults, k), p))
		}
	}

	// Step 4: no non-HIDE path beneath a HIDE path.
	allHide := append(append([]string{}, user.Hide...), defaults.Hide...)
	nonHide := append(append(append(append(
		append([]string{}, user.RO...), user.RW...), user.Empty...), user.EmptyRO...),
		append(append(append(append([]string{}, defaults.RO...), defaults.RW...), defaults.Empty...), defaults.EmptyRO...)...)
	for _, m := range nonHide {
		for _, h := range allHide {
			if strings.HasPrefix(m, h+"/") {
				return nil, jailerr.NewConfig("can't mount %q since it's beneath hidden mountpoint %q", m, h)
			}
		}
	}

	// Step 5: merge and sort.
	var directives []Directive
	add := func(paths []string, kind Kind) {
		for _, p := range paths {
			directives = append(directives, Directive{Path: p, Kind: kind})
		}
	}
	add(defaults.RO, RO)
	add(user.RO, RO)
	add(defaults.RW, RW)
	add(user.RW, RW)
	add(defaults.Hide, HIDE)
	add(user.Hide, HIDE)
	add(defaults.Empty, EMPTY)
	add(user.Empty, EMPTY)
	add(defaults.EmptyRO, EMPTYRO)
	add(user.EmptyRO, EMPTYRO)

	sort.Slice(directives, func(i, j int) bool { return directives[i].Path < directives[j].Path })
	return directives, nil
}

func resolveDedupe(paths []string) ([]string, error) {
	seen := map[string]bool{}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		resolved, err := preprocessPath(p)
		if err != nil {
			return nil, jailerr.NewConfig("mountpoint %q doesn't exist", p)
		}
		if seen[resolved] {
			continue
		}
		seen[resolved] = true
		out = append(out, resolved)
	}
	return out, nil
}

func removeString(list []string, s string) []string {
	out := list[:0:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
