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

// Package jailexec implements the Executor: the final step that changes
// into the requested working directory, resets signal dispositions, and
// replaces the process image with the target command.
package jailexec

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/debfx/runjail/internal/jailerr"
	"github.com/debfx/runjail/internal/sysgate"
)

// maxSignal is the highest real-time signal number the kernel's rt_sigaction
// recognizes on Linux (SIGRTMAX never exceeds 64).
const maxSignal = 64

// Exec changes into cwd (falling back to "/" with a stderr diagnostic if
// it does not exist inside the new view), resets every ignored signal to
// its default disposition, sets PR_SET_NO_NEW_PRIVS, and replaces the
// process image with command via a PATH lookup. It never returns on
// success.
func Exec(gate sysgate.Gate, cwd string, command []string) error {
	if err := os.Chdir(cwd); err != nil {
		fmt.Fprintf(os.Stderr, "runjail: cwd %q not found in sandbox, falling back to /: %v\n", cwd, err)
		if err := os.Chdir("/"); err != nil {
			return jailerr.NewSyscall("chdir(/)", err)
		}
	}

	// Undo any signal disposition this process lineage may have inherited
	// as SIG_IGN across the launcher's re-exec chain (execve preserves
	// SIG_IGN, unlike caught handlers, which always reset to default), so
	// the command sees a clean slate. os/signal.Reset only undoes this
	// process's own Notify/Ignore registrations, not a SIG_IGN disposition
	// inherited across execve, so the dispositions are queried and flipped
	// directly via sigaction(2).
	if err := resetIgnoredSignals(); err != nil {
		return err
	}

	if err := gate.SetNoNewPrivs(); err != nil {
		return err
	}

	path, err := exec.LookPath(command[0])
	if err != nil {
		return jailerr.NewExec(command[0], err)
	}

	if err := unix.Exec(path, command, os.Environ()); err != nil {
		return jailerr.NewExec(command[0], err)
	}
	return nil
}

// resetIgnoredSignals walks every signal number the kernel accepts and
// flips SIG_IGN dispositions back to SIG_DFL, mirroring the original's
// `for sig_nr in range(1, NSIG): if getsignal(sig_nr) == SIG_IGN: signal(sig_nr,
// SIG_DFL)`. SIGKILL and SIGSTOP can't be queried or changed and are
// skipped; an unsupported signal number on this kernel just fails the
// query, which is not an error worth aborting over.
func resetIgnoredSignals() error {
	for sig := 1; sig <= maxSignal; sig++ {
		if sig == int(unix.SIGKILL) || sig == int(unix.SIGSTOP) {
			continue
		}
		var old unix.Sigaction
		if err := unix.Sigaction(sig, nil, &old); err != nil {
			continue
		}
		if old.Handler != uintptr(unix.SIG_IGN) {
			continue
		}
		act := unix.Sigaction{Handler: uintptr(unix.SIG_DFL)}
		if err := unix.Sigaction(sig, &act, nil); err != nil {
			return jailerr.NewSyscall(fmt.Sprintf("sigaction(%d)", sig), err)
		}
	}
	return nil
}
