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

package mountinfo_test

import (
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/debfx/runjail/internal/mountinfo"
)

func TestMountinfo(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "mountinfo")
}

const sample = `22 28 0:20 / /sys rw,nosuid,nodev,noexec,relatime shared:7 - sysfs sysfs rw
23 28 0:4 / /proc rw,nosuid,nodev,noexec,relatime shared:13 - proc proc rw
28 1 259:2 / / rw,noatime shared:1 - ext4 /dev/root rw,errors=remount-ro
61 28 0:32 / /mnt/data\040with\040space rw,relatime shared:30 - tmpfs tmpfs rw
`

var _ = Describe("Parse", func() {
	It("parses every line into an Entry", func() {
		r := strings.NewReader(sample)
		entries, err := mountinfo.Parse(r)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(4))
	})

	It("unescapes octal escapes in fields", func() {
		entries, err := mountinfo.Parse(strings.NewReader(sample))
		Expect(err).NotTo(HaveOccurred())
		Expect(entries[3].MountPoint).To(Equal("/mnt/data with space"))
	})

	It("extracts fs type and source past the dash separator", func() {
		entries, err := mountinfo.Parse(strings.NewReader(sample))
		Expect(err).NotTo(HaveOccurred())
		Expect(entries[2].FSType).To(Equal("ext4"))
		Expect(entries[2].MountSource).To(Equal("/dev/root"))
	})

	It("decodes per-mountpoint flags", func() {
		entries, err := mountinfo.Parse(strings.NewReader(sample))
		Expect(err).NotTo(HaveOccurred())
		root := entries[2]
		Expect(root.MountOptions).To(Equal("rw,noatime"))
		Expect(root.Flags()).NotTo(BeZero())
	})

	It("rejects a line with no separator", func() {
		_, err := mountinfo.Parse(strings.NewReader("22 28 0:20 / /sys rw,nosuid shared:7 sysfs sysfs rw\n"))
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Table", func() {
	It("looks up by exact mountpoint and finds submounts", func() {
		entries, err := mountinfo.Parse(strings.NewReader(sample))
		Expect(err).NotTo(HaveOccurred())
		tbl := mountinfo.FromEntries(entries)

		_, ok := tbl.Lookup("/proc")
		Expect(ok).To(BeTrue())
		_, ok = tbl.Lookup("/nope")
		Expect(ok).To(BeFalse())

		Expect(tbl.Under("/mnt")).To(HaveLen(1))
		Expect(tbl.Has("/sys")).To(BeTrue())
	})
})
