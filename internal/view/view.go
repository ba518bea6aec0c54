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

// Package view implements the ViewBuilder: the algorithm that
// materializes a sorted mount directive list into a private filesystem
// tree under a scratch root and chroots into it. It runs inside the
// grandchild process, after the namespace set from internal/launcher is
// already active.
package view

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/debfx/runjail/internal/jailerr"
	"github.com/debfx/runjail/internal/jlog"
	"github.com/debfx/runjail/internal/mountinfo"
	"github.com/debfx/runjail/internal/policy"
	"github.com/debfx/runjail/internal/sysgate"
)

// preserveFlags is the fixed bitmask every deferred read-only remount
// ORs into whatever flags mountinfo reports for the mountpoint, so that
// flags already in effect (e.g. noatime) are never implicitly cleared —
// a remount that would do so is rejected by the kernel.
const preserveFlags = unix.MS_BIND | unix.MS_REC | unix.MS_REMOUNT | unix.MS_RDONLY

// Builder materializes a directive list under ScratchDir.
type Builder struct {
	Gate       sysgate.Gate
	ScratchDir string
	Directives []policy.Directive
}

func (b Builder) stagingDir() string { return filepath.Join(b.ScratchDir, ".runjail-staging") }
func (b Builder) hideDirTemplate() string {
	return filepath.Join(b.ScratchDir, ".runjail-hide", "dir")
}
func (b Builder) hideFileTemplate() string {
	return filepath.Join(b.ScratchDir, ".runjail-hide", "file")
}

// slot tracks one staging-area allocation: the host source it bind-mounts,
// the numbered path under StagingArea, and the submounts discovered under
// it once staged (relative to the slot).
type slot struct {
	directive policy.Directive
	path      string
	isDir     bool
	relatives []string
}

// Build runs the full ten-step algorithm described in SPEC_FULL.md.
func (b Builder) Build() error {
	log := jlog.Logger()

	if err := b.mountScratch(); err != nil {
		return err
	}
	if err := b.mountProc(); err != nil {
		return err
	}
	if err := b.initHideTemplates(); err != nil {
		return err
	}

	slots, err := b.stageSources()
	if err != nil {
		return err
	}

	if err := b.snapshotStagingSubmounts(slots); err != nil {
		return err
	}

	if err := b.applyDirectives(slots); err != nil {
		return err
	}

	if err := b.readOnlySweep(slots); err != nil {
		return err
	}

	if err := b.teardownStaging(slots); err != nil {
		return err
	}

	if err := b.finalize(); err != nil {
		return err
	}

	log.Debug("chroot", "scratch", b.ScratchDir)
	return b.Gate.Chroot(b.ScratchDir)
}

// mountScratch is step 1: a fresh tmpfs, mode 550, on ScratchDir, plus the
// <scratch>/proc mountpoint directory.
func (b Builder) mountScratch() error {
	if err := b.Gate.Mount("tmpfs", b.ScratchDir, "tmpfs", 0, "mode=550"); err != nil {
		return err
	}
	return os.Mkdir(filepath.Join(b.ScratchDir, "proc"), 0o550)
}

// mountProc is step 2: must happen after the new PID namespace is active,
// which internal/launcher guarantees by the time Build is called.
func (b Builder) mountProc() error {
	return b.Gate.Mount("proc", filepath.Join(b.ScratchDir, "proc"), "proc",
		unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, "")
}

// initHideTemplates is step 3.
func (b Builder) initHideTemplates() error {
	base := filepath.Join(b.ScratchDir, ".runjail-hide")
	if err := os.Mkdir(base, 0o500); err != nil {
		return err
	}
	if err := os.Mkdir(b.hideDirTemplate(), 0o000); err != nil {
		return err
	}
	f, err := os.OpenFile(b.hideFileTemplate(), os.O_CREATE|os.O_WRONLY, 0o000)
	if err != nil {
		return err
	}
	return f.Close()
}

// stageSources is step 4: one numbered slot per RO/RW directive.
func (b Builder) stageSources() ([]*slot, error) {
	staging := b.stagingDir()
	if err := os.MkdirAll(staging, 0o700); err != nil {
		return nil, err
	}

	var slots []*slot
	n := 0
	for _, d := range b.Directives {
		if d.Kind != policy.RO && d.Kind != policy.RW {
			continue
		}
		info, err := os.Stat(d.Path)
		if err != nil {
			return nil, jailerr.NewConfig("mountpoint %q disappeared before staging: %v", d.Path, err)
		}
		slotPath := filepath.Join(staging, fmt.Sprintf("%d", n))
		n++
		if info.IsDir() {
			if err := os.Mkdir(slotPath, 0o700); err != nil {
				return nil, err
			}
		} else {
			f, err := os.OpenFile(slotPath, os.O_CREATE|os.O_WRONLY, 0o600)
			if err != nil {
				return nil, err
			}
			f.Close()
		}
		if err := b.Gate.Mount(d.Path, slotPath, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return nil, err
		}
		slots = append(slots, &slot{directive: d, path: slotPath, isDir: info.IsDir()})
	}
	return slots, nil
}

// snapshotStagingSubmounts is step 5.
func (b Builder) snapshotStagingSubmounts(slots []*slot) error {
	tbl, err := mountinfo.Snapshot()
	if err != nil {
		return err
	}
	for _, s := range slots {
		for _, e := range tbl.Under(s.path) {
			rel := strings.TrimPrefix(e.MountPoint, s.path)
			s.relatives = append(s.relatives, rel)
		}
	}
	return nil
}

// applyDirectives is step 6.
func (b Builder) applyDirectives(slots []*slot) error {
	slotFor := map[string]*slot{}
	for _, s := range slots {
		slotFor[s.directive.Path] = s
	}

	for _, d := range b.Directives {
		target := filepath.Join(b.ScratchDir, d.Path)
		switch d.Kind {
		case policy.RO, policy.RW:
			s := slotFor[d.Path]
			if err := b.ensureTarget(target, s.isDir); err != nil {
				return err
			}
			if err := b.Gate.Mount(s.path, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
				return err
			}
			if err := b.Gate.Unmount(s.path, unix.MNT_DETACH); err != nil {
				return err
			}
		case policy.HIDE:
			isDir, err := isDirPath(d.Path)
			if err != nil {
				return err
			}
			if err := b.ensureTarget(target, isDir); err != nil {
				return err
			}
			template := b.hideFileTemplate()
			if isDir {
				template = b.hideDirTemplate()
			}
			if err := b.Gate.Mount(template, target, "", unix.MS_BIND, ""); err != nil {
				return err
			}
			if err := b.remountRO(target, 0); err != nil {
				return err
			}
		case policy.EMPTY:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return err
			}
			if err := b.Gate.Mount("tmpfs", target, "tmpfs", 0, "mode=750"); err != nil {
				return err
			}
		case policy.EMPTYRO:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return err
			}
			if err := b.Gate.Mount("tmpfs", target, "tmpfs", 0, "mode=550"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b Builder) ensureTarget(target string, isDir bool) error {
	if isDir {
		return os.MkdirAll(target, 0o700)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return err
	}
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

func isDirPath(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, jailerr.NewConfig("mountpoint %q disappeared: %v", path, err)
	}
	return info.IsDir(), nil
}

// readOnlySweep is step 7.
func (b Builder) readOnlySweep(slots []*slot) error {
	tbl, err := mountinfo.Snapshot()
	if err != nil {
		return err
	}

	slotFor := map[string]*slot{}
	for _, s := range slots {
		slotFor[s.directive.Path] = s
	}

	for _, d := range b.Directives {
		if d.Kind != policy.RO && d.Kind != policy.EMPTYRO {
			continue
		}
		target := filepath.Join(b.ScratchDir, d.Path)
		entry, ok := tbl.Lookup(target)
		if !ok {
			return jailerr.NewState("expected mountpoint %q not found in mountinfo", target)
		}
		if err := b.remountRO(target, entry.Flags()); err != nil {
			return err
		}
		if d.Kind != policy.RO {
			continue
		}
		s := slotFor[d.Path]
		for _, rel := range s.relatives {
			subTarget := target + rel
			subEntry, ok := tbl.Lookup(subTarget)
			flags := uintptr(0)
			if ok {
				flags = subEntry.Flags()
			}
			if err := b.remountRO(subTarget, flags); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b Builder) remountRO(target string, existingFlags uintptr) error {
	return b.Gate.Mount("", target, "", existingFlags|preserveFlags, "")
}

// teardownStaging is step 8.
func (b Builder) teardownStaging(slots []*slot) error {
	tbl, err := mountinfo.Snapshot()
	if err != nil {
		return err
	}
	for _, s := range slots {
		if tbl.Has(s.path) {
			return jailerr.NewState("staging slot %q is still mounted at teardown", s.path)
		}
	}
	for _, s := range slots {
		if err := os.Remove(s.path); err != nil {
			return err
		}
	}
	return os.Remove(b.stagingDir())
}

// finalize is step 9: remount ScratchDir read-only, and /sys read-only if
// present, preserving existing flags either way.
func (b Builder) finalize() error {
	tbl, err := mountinfo.Snapshot()
	if err != nil {
		return err
	}
	entry, ok := tbl.Lookup(b.ScratchDir)
	if !ok {
		return jailerr.NewState("scratch root %q not found in mountinfo", b.ScratchDir)
	}
	if err := b.remountRO(b.ScratchDir, entry.Flags()); err != nil {
		return err
	}

	sysPath := filepath.Join(b.ScratchDir, "sys")
	if sysEntry, ok := tbl.Lookup(sysPath); ok {
		if err := b.remountRO(sysPath, sysEntry.Flags()); err != nil {
			return err
		}
	}
	return nil
}
