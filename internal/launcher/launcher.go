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

// Package launcher implements the NamespaceLauncher: it creates the
// namespace set, carries the process tree through to the command, manages
// terminal handoff, reaps children, and propagates exit status or signal.
//
// A raw fork(2) with no immediate exec(2) is unsafe in a Go program: the
// runtime's other OS threads (GC, sysmon, ...) simply do not exist in the
// child, yet the Go scheduler in that child still believes they do. Every
// idiomatic Go namespace tool in the retrieval pack — this repository's
// own teacher, thediveo/spacetest, in spacer/service/spacer.go's Subspace
// method, and p-arndt/sandkasten's internal/runtime/linux/nsinit.go —
// sidesteps this by re-exec'ing the running binary via os/exec instead of
// calling fork(2) directly, using syscall.SysProcAttr.Cloneflags to fold
// the clone(2) that creates the new namespaces into that same exec. This
// package follows the same idiom, translating the original's two nested
// fork() calls into two re-exec legs, each identified by the RUNJAIL_STAGE
// environment variable and carrying its configuration as RUNJAIL_CONFIG,
// a JSON blob — the same env-var-configuration pattern sandkasten's
// LaunchNsinit/RunNsinit pair uses.
package launcher

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/debfx/runjail/internal/jailerr"
	"github.com/debfx/runjail/internal/jailexec"
	"github.com/debfx/runjail/internal/jlog"
	"github.com/debfx/runjail/internal/nstype"
	"github.com/debfx/runjail/internal/policy"
	"github.com/debfx/runjail/internal/sysgate"
	"github.com/debfx/runjail/internal/view"
)

const (
	// EnvStage selects which re-exec leg this process instance is: empty
	// (or unset) for the outer monitor, "intermediate", or "grandchild".
	EnvStage = "RUNJAIL_STAGE"
	// EnvConfig carries the JSON-encoded Config to every re-exec leg.
	EnvConfig = "RUNJAIL_CONFIG"

	stageIntermediate = "intermediate"
	stageGrandchild   = "grandchild"
)

// Config is everything a re-exec leg needs to pick up where its
// predecessor left off. It is JSON-serialized across the RUNJAIL_CONFIG
// environment variable.
type Config struct {
	ScratchDir string             `json:"scratch_dir"`
	Directives []policy.Directive `json:"directives"`
	Cwd        string             `json:"cwd"`
	Command    []string           `json:"command"`
	NoNet      bool               `json:"no_net"`
	UID        int                `json:"uid"`
	GID        int                `json:"gid"`
}

// Stage reports which re-exec leg this process is, reading EnvStage.
func Stage() string { return os.Getenv(EnvStage) }

// LoadConfig decodes the Config carried in EnvConfig. Only meaningful for
// the intermediate and grandchild legs.
func LoadConfig() (Config, error) {
	var cfg Config
	raw := os.Getenv(EnvConfig)
	if raw == "" {
		return cfg, fmt.Errorf("missing %s", EnvConfig)
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", EnvConfig, err)
	}
	return cfg, nil
}

// namespaceFlags is the fixed namespace set this launcher always creates,
// plus CLONE_NEWNET when the configuration asks for it.
func namespaceFlags(cfg Config) uintptr {
	flags := uintptr(unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWIPC)
	if cfg.NoNet {
		flags |= unix.CLONE_NEWNET
	}
	return flags
}

// lock is a one-shot pipe synchronization primitive: the producer writes
// a single byte, the consumer reads one. Both halves are close-on-exec by
// default (os.Pipe on Linux uses pipe2(O_CLOEXEC)); the half destined for
// a re-exec'd child is kept alive across that exec via exec.Cmd.ExtraFiles,
// which clears FD_CLOEXEC on the duplicated descriptor.
type lock struct {
	r, w *os.File
}

func newLock() (lock, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return lock{}, err
	}
	return lock{r: r, w: w}, nil
}

func (l lock) post() error {
	_, err := l.w.Write([]byte{0})
	return err
}

func (l lock) wait() error {
	buf := make([]byte, 1)
	_, err := l.r.Read(buf)
	return err
}

func (l lock) closeBoth() {
	_ = l.r.Close()
	_ = l.w.Close()
}

// Run is the outer monitor: the entry point called by cmd/runjail when no
// RUNJAIL_STAGE is set. It never returns; it always calls os.Exit (via
// mirrorExit) once the whole process tree has finished.
func Run(cfg Config) {
	log := jlog.Logger()

	self, err := os.Executable()
	if err != nil {
		fatal(jailerr.NewSyscall("os.Executable", err))
	}

	lock1, err := newLock()
	if err != nil {
		fatal(jailerr.NewSyscall("pipe", err))
	}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		fatal(err)
	}

	cmd := exec.Command(self)
	cmd.Args = []string{self}
	cmd.Env = append(os.Environ(),
		EnvStage+"="+stageIntermediate,
		EnvConfig+"="+string(cfgJSON),
	)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{lock1.r}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: uintptr(namespaceFlags(cfg)),
	}

	if err := cmd.Start(); err != nil {
		lock1.closeBoth()
		cleanupScratch(cfg.ScratchDir)
		fatal(jailerr.NewSyscall("start intermediate", err))
	}
	_ = lock1.r.Close() // the child's own copy keeps it alive

	// Outer monitor: mask SIGINT, hand the controlling tty's foreground
	// group to the child, then let it proceed.
	signal.Ignore(syscall.SIGINT)
	_ = safeTcSetPgrp(int(os.Stdin.Fd()), cmd.Process.Pid)
	if err := lock1.post(); err != nil {
		log.Debug("lock1 post failed", "err", err)
	}
	_ = lock1.w.Close()

	err = cmd.Wait()
	cleanupScratch(cfg.ScratchDir)
	mirrorExit(cmd.ProcessState, err)
}

func cleanupScratch(scratch string) {
	_ = unix.Unmount(scratch, unix.MNT_DETACH)
	_ = os.Remove(scratch)
}

// RunIntermediate is the second leg: PID 1 of the new PID namespace (as
// seen from inside it), an ordinary process as seen from the outer
// monitor. It writes the uid/gid identity mapping, makes mount
// propagation private, optionally brings up loopback, then spawns the
// grandchild and continues forward as the reaper.
func RunIntermediate(cfg Config) {
	gate := sysgate.New()
	log := jlog.Logger()

	if err := gate.WriteIDMaps(cfg.UID, cfg.GID); err != nil {
		fatal(err)
	}
	if err := gate.MakeRootPropagationPrivate(); err != nil {
		fatal(err)
	}
	checkEnteredNamespaces(log)
	if cfg.NoNet {
		if err := bringUpLoopback(); err != nil {
			fmt.Fprintf(os.Stderr, "runjail: warning: couldn't bring up loopback: %v\n", err)
		}
	}

	lock1 := lock{r: os.NewFile(3, "lock1r")}
	if err := lock1.wait(); err != nil {
		fatal(jailerr.NewSyscall("lock1 wait", err))
	}
	_ = lock1.r.Close()

	self, err := os.Executable()
	if err != nil {
		fatal(jailerr.NewSyscall("os.Executable", err))
	}

	lock2, err := newLock()
	if err != nil {
		fatal(jailerr.NewSyscall("pipe", err))
	}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		fatal(err)
	}

	cmd := exec.Command(self)
	cmd.Args = []string{self}
	cmd.Env = append(os.Environ(),
		EnvStage+"="+stageGrandchild,
		EnvConfig+"="+string(cfgJSON),
	)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{lock2.r}
	// No Cloneflags: a plain child process automatically stays inside
	// every namespace this process has already entered.

	if err := cmd.Start(); err != nil {
		fatal(jailerr.NewSyscall("start grandchild", err))
	}
	_ = lock2.r.Close()

	// Continue forward as the reaper / PID 1.
	signal.Ignore(syscall.SIGINT)
	if err := unix.Setpgid(0, 0); err != nil {
		log.Debug("setpgrp failed", "err", err)
	}
	_ = safeTcSetPgrp(int(os.Stdin.Fd()), cmd.Process.Pid)
	if err := lock2.post(); err != nil {
		log.Debug("lock2 post failed", "err", err)
	}
	_ = lock2.w.Close()

	ws, err := reapAll(cmd.Process.Pid)
	if err != nil {
		fatal(err)
	}
	mirrorWaitStatus(ws)
}

// RunGrandchild is the third leg: the future command process. It sets up
// its own process group, waits for the reaper's handoff signal, builds
// the filesystem view, and execs the target command.
func RunGrandchild(cfg Config) {
	if err := unix.Setpgid(0, 0); err != nil {
		jlog.Logger().Debug("setpgrp failed", "err", err)
	}

	lock2 := lock{r: os.NewFile(3, "lock2r")}
	if err := lock2.wait(); err != nil {
		fatal(jailerr.NewSyscall("lock2 wait", err))
	}
	_ = lock2.r.Close()

	gate := sysgate.New()
	builder := view.Builder{Gate: gate, ScratchDir: cfg.ScratchDir, Directives: cfg.Directives}
	if err := builder.Build(); err != nil {
		fatal(err)
	}

	if err := jailexec.Exec(gate, cfg.Cwd, cfg.Command); err != nil {
		fatal(err)
	}
}

// safeTcSetPgrp retargets the foreground process group of the terminal on
// fd to pgrp, skipping silently when fd isn't a terminal (ENOTTY) or when
// the calling process does not currently own the foreground group — both
// conditions under which attempting the retarget would either fail
// pointlessly or stop this process with SIGTTOU.
func safeTcSetPgrp(fd int, pgrp int) error {
	cur, err := unix.IoctlGetInt(fd, unix.TIOCGPGRP)
	if err != nil {
		if err == unix.ENOTTY {
			return nil
		}
		return err
	}
	myPgrp, err := unix.Getpgid(0)
	if err != nil {
		return err
	}
	if cur != myPgrp {
		return nil
	}
	return unix.IoctlSetPointerInt(fd, unix.TIOCSPGRP, pgrp)
}

// checkEnteredNamespaces confirms via NS_GET_NSTYPE that this process's
// user, mount, and PID namespace references in /proc/self/ns report the
// expected namespace type. It checks the type only; it does not tell a
// freshly created namespace apart from the host's. A mismatch is logged
// as a warning, not a reason to abort an otherwise-working sandbox.
func checkEnteredNamespaces(log *slog.Logger) {
	for _, typ := range []int{unix.CLONE_NEWUSER, unix.CLONE_NEWNS, unix.CLONE_NEWPID} {
		path := "/proc/self/ns/" + nstype.Name(typ)
		if err := nstype.Verify(path, typ); err != nil {
			log.Warn("namespace verification failed", "namespace", nstype.Name(typ), "err", err)
		}
	}
}

// bringUpLoopback brings lo up inside the new network namespace. Failure
// degrades to a warning, never aborting the sandbox (Open Question 3).
func bringUpLoopback() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq("lo")
	if err != nil {
		return err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return err
	}
	ifr.SetUint16(ifr.Uint16() | unix.IFF_UP | unix.IFF_RUNNING)
	return unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr)
}

// reapAll reaps every child of this process (including reparented
// orphans) until ECHILD, tracking and returning the status of the
// process with pid trackPid.
func reapAll(trackPid int) (unix.WaitStatus, error) {
	var tracked unix.WaitStatus
	found := false
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.ECHILD {
				break
			}
			return tracked, jailerr.NewSyscall("wait4", err)
		}
		if pid == trackPid {
			tracked = ws
			found = true
		}
	}
	if !found {
		return tracked, jailerr.NewState("reaper never observed an exit status for pid %d", trackPid)
	}
	return tracked, nil
}

// mirrorExit mirrors the exit status or signal of a process reaped via
// os/exec's ProcessState, then exits this process the same way.
func mirrorExit(ps *os.ProcessState, waitErr error) {
	if ps == nil {
		fatal(fmt.Errorf("no process state to mirror: %w", waitErr))
	}
	status, ok := ps.Sys().(syscall.WaitStatus)
	if !ok {
		os.Exit(1)
	}
	if status.Signaled() {
		raiseSelf(status.Signal())
		return
	}
	os.Exit(status.ExitStatus())
}

// mirrorWaitStatus is the reaper's analogue of mirrorExit, operating on a
// raw unix.WaitStatus from wait4 rather than an os.ProcessState.
func mirrorWaitStatus(ws unix.WaitStatus) {
	if ws.Signaled() {
		raiseSelf(syscall.Signal(ws.Signal()))
		return
	}
	os.Exit(ws.ExitStatus())
}

// raiseSelf re-raises sig against the current process with default
// disposition, retrying once after a short sleep, then falls back to
// exit(128+signum). Never returns.
func raiseSelf(sig syscall.Signal) {
	signal.Reset(sig)
	_ = unix.Kill(os.Getpid(), sig)
	time.Sleep(100 * time.Millisecond)
	_ = unix.Kill(os.Getpid(), sig)
	time.Sleep(100 * time.Millisecond)
	os.Exit(128 + int(sig))
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "runjail: %v\n", err)
	os.Exit(125)
}
