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

package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/thediveo/success"

	"github.com/debfx/runjail/internal/policy"
)

func TestPolicy(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "policy")
}

var _ = Describe("Plan", func() {

	var dir string

	BeforeEach(func() {
		dir = Successful(os.MkdirTemp("", "runjail-policy-"))
		DeferCleanup(func() { _ = os.RemoveAll(dir) })
		for _, name := range []string{"ro", "rw", "hide", "empty"} {
			Expect(os.Mkdir(filepath.Join(dir, name), 0o755)).To(Succeed())
		}
	})

	It("sorts directives by path so parents precede children", func() {
		directives := Successful(policy.Plan(policy.Input{
			User: policy.Lists{
				RO: []string{filepath.Join(dir, "ro")},
				RW: []string{filepath.Join(dir, "rw")},
			},
			ScratchDir: "/run/runjail-scratch",
		}))
		Expect(directives).To(HaveLen(2))
		for i := 1; i < len(directives); i++ {
			Expect(directives[i-1].Path <= directives[i].Path).To(BeTrue())
		}
	})

	It("rejects a nonexistent path in any category, including hide", func() {
		_, err := policy.Plan(policy.Input{
			User:       policy.Lists{Hide: []string{filepath.Join(dir, "does-not-exist")}},
			ScratchDir: "/run/runjail-scratch",
		})
		Expect(err).To(HaveOccurred())
	})

	It("rejects a path under the reserved scratch directory", func() {
		scratch := filepath.Join(dir, "scratch")
		Expect(os.Mkdir(scratch, 0o755)).To(Succeed())
		nested := filepath.Join(scratch, "x")
		Expect(os.Mkdir(nested, 0o755)).To(Succeed())
		_, err := policy.Plan(policy.Input{
			User:       policy.Lists{RO: []string{nested}},
			ScratchDir: scratch,
		})
		Expect(err).To(HaveOccurred())
	})

	It("rejects a non-HIDE path beneath a HIDE path", func() {
		nested := filepath.Join(dir, "hide", "inner")
		Expect(os.Mkdir(nested, 0o755)).To(Succeed())
		_, err := policy.Plan(policy.Input{
			User: policy.Lists{
				Hide: []string{filepath.Join(dir, "hide")},
				RO:   []string{nested},
			},
			ScratchDir: "/run/runjail-scratch",
		})
		Expect(err).To(HaveOccurred())
	})

	It("lets user entries override a default of the same path", func() {
		p := filepath.Join(dir, "ro")
		directives := Successful(policy.Plan(policy.Input{
			Defaults:   policy.Lists{Hide: []string{p}},
			User:       policy.Lists{RO: []string{p}},
			ScratchDir: "/run/runjail-scratch",
		}))
		Expect(directives).To(HaveLen(1))
		Expect(directives[0].Kind).To(Equal(policy.RO))
	})

	It("rejects the same user path specified in two categories", func() {
		p := filepath.Join(dir, "ro")
		_, err := policy.Plan(policy.Input{
			User: policy.Lists{
				RO: []string{p},
				RW: []string{p},
			},
			ScratchDir: "/run/runjail-scratch",
		})
		Expect(err).To(HaveOccurred())
	})
})
