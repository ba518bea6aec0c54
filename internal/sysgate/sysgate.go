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

// Package sysgate is a thin, typed wrapper over the handful of raw
// syscalls the sandbox launcher needs: unshare, mount, umount2, chroot,
// prctl, plus the uid_map/gid_map/setgroups file writes unprivileged user
// namespaces require. Every failure is reported as a *jailerr.Syscall
// carrying the syscall name and the underlying errno, so callers never
// need to compare against a bare syscall.Errno.
//
// There is deliberately no process-wide singleton here (unlike the
// original's single libc handle): Gate is a zero-size value passed
// explicitly to whatever needs it.
package sysgate

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/debfx/runjail/internal/jailerr"
)

// Gate is the syscall capability. Its zero value is ready to use; it
// carries no state of its own.
type Gate struct{}

// New returns a ready-to-use Gate.
func New() Gate { return Gate{} }

// Unshare disassociates the calling thread from the indicated namespaces.
// flags is any bitwise-OR of unix.CLONE_NEW*.
func (Gate) Unshare(flags uintptr) error {
	if err := unix.Unshare(int(flags)); err != nil {
		return jailerr.NewSyscall("unshare", err)
	}
	return nil
}

// Mount issues mount(2). source, fstype and data may be empty strings.
func (Gate) Mount(source, target, fstype string, flags uintptr, data string) error {
	if err := unix.Mount(source, target, fstype, flags, data); err != nil {
		return jailerr.NewSyscall(fmt.Sprintf("mount(%s -> %s)", source, target), err)
	}
	return nil
}

// Unmount issues umount2(2). flags typically carries unix.MNT_DETACH.
func (Gate) Unmount(target string, flags int) error {
	if err := unix.Unmount(target, flags); err != nil {
		return jailerr.NewSyscall("umount2("+target+")", err)
	}
	return nil
}

// Chroot issues chroot(2).
func (Gate) Chroot(path string) error {
	if err := unix.Chroot(path); err != nil {
		return jailerr.NewSyscall("chroot("+path+")", err)
	}
	return nil
}

// SetNoNewPrivs sets PR_SET_NO_NEW_PRIVS, the only syscall restriction
// this launcher ever applies; seccomp policy is explicitly out of scope.
func (Gate) SetNoNewPrivs() error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return jailerr.NewSyscall("prctl(PR_SET_NO_NEW_PRIVS)", err)
	}
	return nil
}

// WriteIDMaps writes the identity uid/gid mapping required for an
// unprivileged user namespace: a single line "<id> <id> 1\n" to
// /proc/self/uid_map and /proc/self/gid_map, with /proc/self/setgroups set
// to "deny" first (required by the kernel before gid_map can be written
// without CAP_SETGID in the parent namespace). Absence of
// /proc/self/setgroups on pre-3.19 kernels is tolerated; any other
// failure is fatal.
func (Gate) WriteIDMaps(uid, gid int) error {
	if err := os.WriteFile("/proc/self/setgroups", []byte("deny"), 0o644); err != nil {
		if !os.IsNotExist(err) {
			return jailerr.NewSyscall("write(/proc/self/setgroups)", err)
		}
	}
	mapping := fmt.Sprintf("%d %d 1\n", uid, uid)
	if err := os.WriteFile("/proc/self/uid_map", []byte(mapping), 0o644); err != nil {
		return jailerr.NewSyscall("write(/proc/self/uid_map)", err)
	}
	mapping = fmt.Sprintf("%d %d 1\n", gid, gid)
	if err := os.WriteFile("/proc/self/gid_map", []byte(mapping), 0o644); err != nil {
		return jailerr.NewSyscall("write(/proc/self/gid_map)", err)
	}
	return nil
}

// MakeRootPropagationPrivate sets the root mount's propagation to
// private+recursive, so that nothing mounted from this point on can leak
// into, or be affected by, the original mount namespace. Grounded on
// thediveo/spacetest's mntns.NewTransient, which performs the identical
// call immediately after unshare(CLONE_NEWNS).
func (g Gate) MakeRootPropagationPrivate() error {
	return g.Mount("none", "/", "", unix.MS_REC|unix.MS_PRIVATE, "")
}
