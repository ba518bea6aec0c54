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

package launcher

import (
	"encoding/json"
	"testing"

	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/thediveo/success"

	"github.com/debfx/runjail/internal/policy"
)

func TestLauncher(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "launcher")
}

var _ = Describe("lock", func() {
	It("delivers a single post to a single wait", func() {
		l := Successful(newLock())
		defer l.closeBoth()
		Expect(l.post()).To(Succeed())
		Expect(l.wait()).To(Succeed())
	})
})

var _ = Describe("namespaceFlags", func() {
	It("always includes the fixed namespace set", func() {
		flags := namespaceFlags(Config{})
		Expect(flags & unix.CLONE_NEWUSER).NotTo(BeZero())
		Expect(flags & unix.CLONE_NEWNS).NotTo(BeZero())
		Expect(flags & unix.CLONE_NEWPID).NotTo(BeZero())
		Expect(flags & unix.CLONE_NEWIPC).NotTo(BeZero())
		Expect(flags & unix.CLONE_NEWNET).To(BeZero())
	})

	It("adds CLONE_NEWNET when NoNet is requested", func() {
		flags := namespaceFlags(Config{NoNet: true})
		Expect(flags & unix.CLONE_NEWNET).NotTo(BeZero())
	})
})

var _ = Describe("Config JSON round trip", func() {
	It("preserves directives across marshal/unmarshal", func() {
		cfg := Config{
			ScratchDir: "/tmp/scratch",
			Directives: []policy.Directive{{Path: "/etc", Kind: policy.RO}},
			Cwd:        "/",
			Command:    []string{"/bin/sh", "-c", "true"},
		}
		data := Successful(json.Marshal(cfg))
		var got Config
		Expect(json.Unmarshal(data, &got)).To(Succeed())
		Expect(got).To(Equal(cfg))
	})
})
