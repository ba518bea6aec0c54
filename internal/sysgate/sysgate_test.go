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

package sysgate_test

import (
	"os"
	"testing"

	"github.com/thediveo/caps"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/debfx/runjail/internal/jailerr"
	"github.com/debfx/runjail/internal/sysgate"
)

func TestSysgate(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "sysgate")
}

var _ = Describe("Gate", func() {

	It("wraps a rejected mount as a *jailerr.Syscall", func() {
		if os.Getuid() == 0 {
			Skip("needs to run unprivileged to observe a rejected mount")
		}
		gate := sysgate.New()
		err := gate.Mount("none", "/proc/sys", "", 0, "")
		Expect(err).To(HaveOccurred())
		Expect(jailerr.IsSyscall(err)).To(BeTrue())
	})

	It("wraps a rejected chroot as a *jailerr.Syscall", func() {
		if os.Getuid() == 0 {
			Skip("needs to run unprivileged to observe a rejected chroot")
		}
		gate := sysgate.New()
		err := gate.Chroot("/does-not-exist-runjail-test")
		Expect(err).To(HaveOccurred())
		Expect(jailerr.IsSyscall(err)).To(BeTrue())
	})

	It("still rejects chroot as a *jailerr.Syscall once every capability is dropped", func() {
		if os.Getuid() != 0 {
			Skip("needs root to exercise dropping capabilities")
		}
		// A sandboxed command's mapped root inside its own user namespace
		// starts out with a full capability set confined to that
		// namespace; once it drops everything (as a hardened command
		// might before handing control further down), privileged calls
		// must keep failing the ordinary way rather than panicking or
		// behaving inconsistently.
		Expect(caps.SetForThisTask(caps.TaskCapabilities{})).To(Succeed())

		gate := sysgate.New()
		err := gate.Chroot("/does-not-exist-runjail-test")
		Expect(err).To(HaveOccurred())
		Expect(jailerr.IsSyscall(err)).To(BeTrue())
	})
})
