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

package defaults_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/thediveo/success"

	"github.com/debfx/runjail/internal/defaults"
)

func TestDefaults(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "defaults")
}

var _ = Describe("Build", func() {

	var root string

	BeforeEach(func() {
		root = Successful(os.MkdirTemp("", "runjail-root-"))
		DeferCleanup(func() { _ = os.RemoveAll(root) })
		for _, name := range []string{"bin", "usr", "lib64", "opt", "srv"} {
			Expect(os.Mkdir(filepath.Join(root, name), 0o755)).To(Succeed())
		}
		Expect(os.Symlink("usr", filepath.Join(root, "lib"))).To(Succeed())
	})

	It("puts allowlisted and lib-prefixed directories into RO", func() {
		lists := Successful(defaults.Build(root))
		Expect(lists.RO).To(ConsistOf(
			filepath.Join(root, "bin"), filepath.Join(root, "usr"), filepath.Join(root, "lib64"),
		))
	})

	It("hides everything else, skipping symlinks entirely", func() {
		lists := Successful(defaults.Build(root))
		want := []string{filepath.Join(root, "opt"), filepath.Join(root, "srv")}
		if _, err := os.Stat("/sys/fs/fuse"); err == nil {
			want = append(want, "/sys/fs/fuse")
		}
		Expect(lists.Hide).To(ConsistOf(want))
	})

	It("always includes the standard EMPTYRO defaults", func() {
		lists := Successful(defaults.Build(root))
		Expect(lists.EmptyRO).To(ConsistOf("/home", "/dev", "/run"))
	})
})
