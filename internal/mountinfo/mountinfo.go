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

// Package mountinfo parses and queries /proc/self/mountinfo: the
// per-mountpoint flag set, descendant (submount) relations, and the
// octal-escape decoding the kernel applies to any field that might
// contain a space, tab, newline or backslash.
package mountinfo

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/debfx/runjail/internal/jailerr"
)

// Entry is one parsed line of /proc/self/mountinfo.
type Entry struct {
	MountID        int
	ParentID       int
	DevMajorMinor  string
	Root           string
	MountPoint     string
	MountOptions   string
	OptionalFields []string
	FSType         string
	MountSource    string
	SuperOptions   string
}

// optionFlag maps a per-mountpoint option name, as it appears in field 6
// of a mountinfo line, to its MS_* flag. Unknown options are ignored
// rather than rejected, since the kernel adds new ones over time.
var optionFlag = map[string]uintptr{
	"ro":          unix.MS_RDONLY,
	"noexec":      unix.MS_NOEXEC,
	"nosuid":      unix.MS_NOSUID,
	"nodev":       unix.MS_NODEV,
	"sync":        unix.MS_SYNCHRONOUS,
	"dirsync":     unix.MS_DIRSYNC,
	"silent":      unix.MS_SILENT,
	"mand":        unix.MS_MANDLOCK,
	"noatime":     unix.MS_NOATIME,
	"iversion":    unix.MS_I_VERSION,
	"nodiratime":  unix.MS_NODIRATIME,
	"relatime":    unix.MS_RELATIME,
	"strictatime": unix.MS_STRICTATIME,
	"lazytime":    unix.MS_LAZYTIME,
}

// Flags decodes an entry's MountOptions field (field 6, the comma-joined
// per-mountpoint options) into the equivalent MS_* bitmask.
func (e Entry) Flags() uintptr {
	var flags uintptr
	for _, opt := range strings.Split(e.MountOptions, ",") {
		flags |= optionFlag[opt]
	}
	return flags
}

var octalEscape = regexp.MustCompile(`\\([0-7]{1,3})`)

func unescape(field string) string {
	return octalEscape.ReplaceAllStringFunc(field, func(m string) string {
		n, err := strconv.ParseUint(octalEscape.FindStringSubmatch(m)[1], 8, 8)
		if err != nil {
			return m
		}
		return string(rune(n))
	})
}

// Parse reads every line of r (normally /proc/self/mountinfo) into a list
// of Entry values, in file order (which is mount order).
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, " ")
		for i := range fields {
			fields[i] = unescape(fields[i])
		}
		// Fields 6 onward, up to a literal "-" token, are the optional
		// fields block; its length varies, so the separator position
		// must be found by scanning rather than assumed fixed.
		dash := -1
		for i := 6; i < len(fields); i++ {
			if fields[i] == "-" {
				dash = i
				break
			}
		}
		if dash == -1 {
			return nil, jailerr.NewState("mountinfo line missing '-' separator: %q", line)
		}
		mountID, _ := strconv.Atoi(fields[0])
		parentID, _ := strconv.Atoi(fields[1])
		entries = append(entries, Entry{
			MountID:        mountID,
			ParentID:       parentID,
			DevMajorMinor:  fields[2],
			Root:           fields[3],
			MountPoint:     fields[4],
			MountOptions:   fields[5],
			OptionalFields: append([]string(nil), fields[6:dash]...),
			FSType:         fields[dash+1],
			MountSource:    fields[dash+2],
			SuperOptions:   fields[dash+3],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Table is a parsed, queryable snapshot of /proc/self/mountinfo.
type Table struct {
	entries      []Entry
	byMountpoint map[string]Entry
}

// Snapshot reads and parses the current process's /proc/self/mountinfo.
func Snapshot() (Table, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return Table{}, err
	}
	defer f.Close()
	entries, err := Parse(f)
	if err != nil {
		return Table{}, err
	}
	return newTable(entries), nil
}

// FromEntries builds a Table directly from already-parsed entries,
// primarily for tests that want to exercise Lookup/Under without reading
// the real /proc/self/mountinfo.
func FromEntries(entries []Entry) Table {
	return newTable(entries)
}

func newTable(entries []Entry) Table {
	byMP := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byMP[e.MountPoint] = e
	}
	return Table{entries: entries, byMountpoint: byMP}
}

// Entries returns every parsed entry, in file order.
func (t Table) Entries() []Entry { return t.entries }

// Lookup returns the entry whose mountpoint exactly equals path.
func (t Table) Lookup(path string) (Entry, bool) {
	e, ok := t.byMountpoint[path]
	return e, ok
}

// Has reports whether path is itself a mountpoint.
func (t Table) Has(path string) bool {
	_, ok := t.byMountpoint[path]
	return ok
}

// Under returns every entry whose mountpoint lies strictly beneath
// prefix, in file order. Used to discover the submounts a staging slot
// acquired via a recursive bind, which must each be remounted read-only
// individually.
func (t Table) Under(prefix string) []Entry {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	var out []Entry
	for _, e := range t.entries {
		if strings.HasPrefix(e.MountPoint, prefix) {
			out = append(out, e)
		}
	}
	return out
}
