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

// Package nstype confirms that an already-opened namespace reference really
// is of the kernel namespace type the caller thinks it is, using the
// NS_GET_NSTYPE ioctl.
package nstype

import (
	"fmt"

	"github.com/thediveo/ioctl"
	"golang.org/x/sys/unix"
)

// Linux kernel ioctl(2) command group for namespace relationship queries, see
// include/uapi/linux/nsfs.h.
const nsio = 0xb7

// NS_GET_NSTYPE returns the CLONE_NEW* type constant of the namespace
// referenced by an open file descriptor.
var nsGetNsType = ioctl.IO(nsio, 0x3)

// name maps a CLONE_NEW* value to the procfs namespace directory entry name
// carrying it, e.g. "/proc/self/ns/<name>".
var name = map[int]string{
	unix.CLONE_NEWUSER:   "user",
	unix.CLONE_NEWNS:     "mnt",
	unix.CLONE_NEWPID:    "pid",
	unix.CLONE_NEWIPC:    "ipc",
	unix.CLONE_NEWNET:    "net",
	unix.CLONE_NEWUTS:    "uts",
	unix.CLONE_NEWCGROUP: "cgroup",
}

// Name returns the procfs entry name for a CLONE_NEW* namespace type, or ""
// if typ is not a recognized namespace type.
func Name(typ int) string {
	return name[typ]
}

// TypeOf returns the CLONE_NEW* type of the namespace referenced by fd.
func TypeOf(fd int) (int, error) {
	typ, err := unix.IoctlRetInt(fd, nsGetNsType)
	if err != nil {
		return 0, fmt.Errorf("cannot determine namespace type: %w", err)
	}
	return typ, nil
}

// Verify opens path (normally a "/proc/<pid>/ns/<kind>" entry) and confirms
// it references a namespace of the expected CLONE_NEW* type. It returns nil
// only when the kernel confirms the match.
func Verify(path string, want int) error {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", path, err)
	}
	defer func() { _ = unix.Close(fd) }()

	got, err := TypeOf(fd)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if got != want {
		return fmt.Errorf("%s: expected %s namespace, kernel reports type %d", path, Name(want), got)
	}
	return nil
}
