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

// Package defaults builds the default mount policy applied before user
// overrides: a curated top-level read-only allowlist, device read-write
// nodes, empty scratch areas, and the top-level names hidden from the
// sandbox by default. This mirrors the original runjail's Main.py default
// construction in full, since it decides the overwhelming majority of a
// sandbox's real-world shape and is not a detail the specification leaves
// unstated.
package defaults

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/debfx/runjail/internal/policy"
)

// roAllowlist is the set of top-level directory names considered safe to
// expose read-only by default.
var roAllowlist = map[string]bool{
	"bin": true, "boot": true, "etc": true, "sbin": true,
	"selinux": true, "sys": true, "usr": true, "var": true, "mnt": true,
}

// excludedFromHide are top-level names that are neither read-only defaults
// nor hidden by default: they get their own dedicated default treatment
// (dev, home, run) or are handled elsewhere (proc is mounted directly by
// the view builder, tmp becomes an EMPTY default).
var excludedFromHide = map[string]bool{
	"dev": true, "home": true, "proc": true, "run": true, "tmp": true,
}

// rwDevices are the standard device character files exposed read-write.
var rwDevices = []string{
	"/dev/null", "/dev/zero", "/dev/full", "/dev/random", "/dev/urandom",
	"/dev/tty", "/dev/pts", "/dev/ptmx",
}

// HomeDir returns $HOME if set, else the password database entry for the
// current user, matching get_home_dir in the original.
func HomeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	if u, err := user.Current(); err == nil {
		return u.HomeDir
	}
	return "/"
}

// UserShell returns the invoking user's login shell, used as the default
// command when none is given on the command line.
func UserShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// RuntimeDir returns the per-uid empty scratch directory default,
// "/run/<uid>".
func RuntimeDir() string {
	return "/run/" + strconv.Itoa(os.Getuid())
}

// Build walks the top level of root (normally "/") and classifies every
// entry into RO or HIDE, skipping symlinks entirely (Open Question 2:
// top-level symlinks are preserved as symlinks by simply having no
// directive at all, since ScratchRoot starts out empty) and skipping the
// names excludedFromHide, which get their own treatment below.
func Build(root string) (policy.Lists, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return policy.Lists{}, err
	}

	var lists policy.Lists
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(root, name)

		info, err := os.Lstat(path)
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			continue
		}

		switch {
		case roAllowlist[name] || strings.HasPrefix(name, "lib"):
			if info.IsDir() {
				lists.RO = append(lists.RO, path)
			}
		case excludedFromHide[name]:
			// handled below
		default:
			lists.Hide = append(lists.Hide, path)
		}
	}

	for _, dev := range rwDevices {
		if _, err := os.Stat(dev); err == nil {
			lists.RW = append(lists.RW, dev)
		}
	}

	home := HomeDir()
	lists.Empty = append(lists.Empty, "/tmp", "/var/tmp")
	if _, err := os.Stat("/dev/shm"); err == nil {
		lists.Empty = append(lists.Empty, "/dev/shm")
	}
	if rt := RuntimeDir(); dirExists(rt) {
		lists.Empty = append(lists.Empty, rt)
	}
	if dirExists(home) {
		lists.Empty = append(lists.Empty, home)
	}

	lists.EmptyRO = append(lists.EmptyRO, "/home", "/dev", "/run")

	if _, err := os.Stat("/sys/fs/fuse"); err == nil {
		lists.Hide = append(lists.Hide, "/sys/fs/fuse")
	}

	return lists, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
