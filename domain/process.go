//
// Copyright 2022-2023 The syscalld authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package domain

// AccessMode denotes the permission type being checked over a file-system
// resource, mimicking the access(2) mode bits.
type AccessMode uint32

const (
	R_OK AccessMode = 0x4 // read ok
	W_OK AccessMode = 0x2 // write ok
	X_OK AccessMode = 0x1 // execute ok
)

// Max number of symlinks to follow within a single path resolution; matches
// the kernel's default.
const SymlinkMax = 40

// IDMapEntry represents one line of a process' /proc/pid/uid_map (or
// gid_map) file.
type IDMapEntry struct {
	NsID   uint32 // id as seen inside the process' user-ns
	HostID uint32 // id as seen by this daemon
	Range  uint32 // length of the mapped interval
}

// IDMap holds a process' full uid or gid mapping table.
type IDMap []IDMapEntry

// HostID translates a namespaced id into its host-side value. Returns false
// when the id falls outside every mapped interval.
func (m IDMap) HostID(nsID uint32) (uint32, bool) {
	for _, e := range m {
		if nsID >= e.NsID && nsID-e.NsID < e.Range {
			return e.HostID + (nsID - e.NsID), true
		}
	}
	return 0, false
}

// NsID performs the reverse translation (host id to namespaced id).
func (m IDMap) NsID(hostID uint32) (uint32, bool) {
	for _, e := range m {
		if hostID >= e.HostID && hostID-e.HostID < e.Range {
			return e.NsID + (hostID - e.HostID), true
		}
	}
	return 0, false
}

// ProcessIface is the view of a seccomp-tracee process required by the
// syscall handlers: a credential snapshot plus the root/cwd anchor
// descriptors over which all path resolutions are performed.
type ProcessIface interface {
	Pid() uint32
	Uid() uint32
	Gid() uint32

	// Anchor descriptors (O_PATH fds over /proc/pid/root, /proc/pid/cwd and
	// /proc/pid/fd/N), captured once per notification. Callers must not
	// close them directly; Release() does.
	RootFd() (int, error)
	CwdFd() (int, error)
	FdPathFd(fd int32) (int, error)
	Release()

	// Effective-capability checks on the tracee.
	IsSysAdminCapabilitySet() bool
	IsMknodCapabilitySet() bool
	IsDacOverrideCapabilitySet() bool

	// User-ns id mapping tables of the tracee.
	UidMap() (IDMap, error)
	GidMap() (IDMap, error)
}

// ProcessServiceIface is the factory for ProcessIface instances.
type ProcessServiceIface interface {
	ProcessCreate(pid uint32, uid uint32, gid uint32) ProcessIface
}
