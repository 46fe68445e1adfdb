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

// Package resolver turns a path string captured from a seccomp-tracee into
// a descriptor over the parent directory of its final component, walking
// one component at a time within the tracee's own root/cwd anchors. The
// walk never re-opens an assembled path string, so concurrent renames or
// symlink swaps elsewhere in the filesystem cannot redirect the eventual
// privileged operation outside the tracee's filesystem view.
package resolver

import (
	"fmt"
	"strings"
	"syscall"

	"github.com/lxcns/syscalld/domain"

	"golang.org/x/sys/unix"
)

// ResolvedPath is the outcome of a successful resolution: an O_PATH
// descriptor over the parent directory, plus the final path component that
// the privileged operation will create or act upon via an at-style
// primitive. Close() must be called once done.
type ResolvedPath struct {
	DirFd int    // O_PATH fd over the parent dir of the final component
	Name  string // final component; "." when the path denotes the dir itself
}

// Close releases the parent-dir descriptor.
func (r *ResolvedPath) Close() {
	if r.DirFd >= 0 {
		unix.Close(r.DirFd)
		r.DirFd = -1
	}
}

// OpenFinal opens the final component itself (without following a terminal
// symlink). Used by handlers that operate on an existing object rather
// than creating one.
func (r *ResolvedPath) OpenFinal() (int, error) {
	name := r.Name
	if name == "" {
		name = "."
	}
	return unix.Openat(r.DirFd, name,
		unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
}

// HostPathFor returns a path string for the given descriptor through the
// daemon's /proc/self/fd, for syscalls that insist on a path argument. The
// indirection keeps the operation bound to the already-resolved
// descriptor.
func HostPathFor(fd int) string {
	return fmt.Sprintf("/proc/self/fd/%d", fd)
}

// Resolve walks rawPath within the tracee's filesystem view: absolute
// paths start from the process' root anchor, relative ones from its cwd
// anchor.
func Resolve(proc domain.ProcessIface, rawPath string) (*ResolvedPath, error) {

	var (
		start int
		err   error
	)

	if strings.HasPrefix(rawPath, "/") {
		start, err = proc.RootFd()
	} else {
		start, err = proc.CwdFd()
	}
	if err != nil {
		return nil, err
	}

	return resolve(proc, start, rawPath)
}

// ResolveAt is the *at() variant: relative paths start from the given
// anchor descriptor (an O_PATH capture of the tracee's dirfd argument)
// instead of the tracee's cwd.
func ResolveAt(proc domain.ProcessIface, anchorFd int, rawPath string) (*ResolvedPath, error) {

	if strings.HasPrefix(rawPath, "/") {
		return Resolve(proc, rawPath)
	}

	return resolve(proc, anchorFd, rawPath)
}

func resolve(proc domain.ProcessIface, startFd int, rawPath string) (*ResolvedPath, error) {

	if rawPath == "" {
		return nil, syscall.ENOENT
	}
	if len(rawPath)+1 > unix.PathMax {
		return nil, syscall.ENAMETOOLONG
	}

	rootFd, err := proc.RootFd()
	if err != nil {
		return nil, err
	}

	// Break up path into its components; repeated "/" results in empty
	// components, dropped below.
	var components []string
	for _, c := range strings.Split(rawPath, "/") {
		if c != "" && c != "." {
			components = append(components, c)
		}
	}

	// The walk owns 'cur'; the anchors stay untouched.
	cur, err := dupFd(startFd)
	if err != nil {
		return nil, err
	}

	linkCnt := 0

	for len(components) > 0 {
		c := components[0]
		components = components[1:]
		final := len(components) == 0

		if c == ".." {
			// A ".." crossing the captured root anchor is a containment
			// escape, never silently clamped.
			same, err := sameFile(cur, rootFd)
			if err != nil {
				unix.Close(cur)
				return nil, err
			}
			if same {
				unix.Close(cur)
				return nil, domain.ErrEscape
			}
			if final {
				return &ResolvedPath{DirFd: cur, Name: ".."}, nil
			}
			next, err := unix.Openat(cur, "..",
				unix.O_PATH|unix.O_CLOEXEC|unix.O_DIRECTORY, 0)
			unix.Close(cur)
			if err != nil {
				return nil, mapWalkErrno(err)
			}
			cur = next
			continue
		}

		if final {
			// The final component is handed back unresolved; the privileged
			// operation itself is descriptor-relative and symlink-unaware.
			return &ResolvedPath{DirFd: cur, Name: c}, nil
		}

		next, err := unix.Openat(cur, c,
			unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		if err != nil {
			unix.Close(cur)
			return nil, mapWalkErrno(err)
		}

		var st unix.Stat_t
		if err := unix.Fstat(next, &st); err != nil {
			unix.Close(next)
			unix.Close(cur)
			return nil, mapWalkErrno(err)
		}

		switch st.Mode & unix.S_IFMT {
		case unix.S_IFLNK:
			unix.Close(next)

			linkCnt++
			if linkCnt > domain.SymlinkMax {
				unix.Close(cur)
				return nil, domain.ErrTooManySymlinks
			}

			target, err := readlinkat(cur, c)
			if err != nil {
				unix.Close(cur)
				return nil, mapWalkErrno(err)
			}

			// Splice the link target in front of the remaining components;
			// absolute targets restart the walk at the root anchor.
			var tcomps []string
			for _, tc := range strings.Split(target, "/") {
				if tc != "" && tc != "." {
					tcomps = append(tcomps, tc)
				}
			}
			if len(tcomps) == 0 && !strings.HasPrefix(target, "/") {
				unix.Close(cur)
				return nil, syscall.ENOENT
			}
			components = append(tcomps, components...)
			if len(components) == 0 {
				// Link target reduced to the current dir (e.g. "/" on an
				// absolute link); resolve to the dir itself.
				components = []string{"."}
			}

			if strings.HasPrefix(target, "/") {
				unix.Close(cur)
				cur, err = dupFd(rootFd)
				if err != nil {
					return nil, err
				}
			}

		case unix.S_IFDIR:
			// Caller must hold search permission on every traversed dir.
			if ok, err := checkPerm(proc, next, &st, domain.X_OK); err != nil || !ok {
				unix.Close(next)
				unix.Close(cur)
				return nil, syscall.EACCES
			}
			unix.Close(cur)
			cur = next

		default:
			unix.Close(next)
			unix.Close(cur)
			return nil, syscall.ENOTDIR
		}
	}

	// Path reduced to the start dir itself ("/", ".", trailing slashes).
	return &ResolvedPath{DirFd: cur, Name: "."}, nil
}

// Access checks the tracee's permission over an already-resolved
// descriptor, mimicking the kernel's owner/group/other ordering (see
// path_resolution(7)).
func Access(proc domain.ProcessIface, fd int, mode domain.AccessMode) error {

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return mapWalkErrno(err)
	}

	ok, err := checkPerm(proc, fd, &st, mode)
	if err != nil {
		return err
	}
	if !ok {
		return syscall.EACCES
	}

	return nil
}

func checkPerm(
	proc domain.ProcessIface,
	fd int,
	st *unix.Stat_t,
	aMode domain.AccessMode) (bool, error) {

	mode := uint32(aMode)
	fperm := st.Mode & 0777

	// Note: the order of the checks below mimics those done by the Linux
	// kernel.

	if st.Uid == proc.Uid() {
		perm := (fperm & 0700) >> 6
		if mode&perm == mode {
			return true, nil
		}
	}

	if st.Gid == proc.Gid() {
		perm := (fperm & 0070) >> 3
		if mode&perm == mode {
			return true, nil
		}
	}

	perm := fperm & 0007
	if mode&perm == mode {
		return true, nil
	}

	// Per capabilities(7): CAP_DAC_OVERRIDE bypasses read, write and
	// execute permission checks (execute only when some execute bit is
	// set on non-directories).
	if proc.IsDacOverrideCapabilitySet() {
		if st.Mode&unix.S_IFMT == unix.S_IFDIR {
			return true, nil
		}
		if aMode&domain.X_OK != domain.X_OK || st.Mode&0111 != 0 {
			return true, nil
		}
	}

	return false, nil
}

func dupFd(fd int) (int, error) {
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	return nfd, nil
}

func sameFile(fd1, fd2 int) (bool, error) {
	var st1, st2 unix.Stat_t
	if err := unix.Fstat(fd1, &st1); err != nil {
		return false, err
	}
	if err := unix.Fstat(fd2, &st2); err != nil {
		return false, err
	}
	return st1.Dev == st2.Dev && st1.Ino == st2.Ino, nil
}

func readlinkat(dirFd int, name string) (string, error) {
	buf := make([]byte, unix.PathMax)
	n, err := unix.Readlinkat(dirFd, name, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// mapWalkErrno normalizes walk failures into the resolver's error
// taxonomy.
func mapWalkErrno(err error) error {
	switch err {
	case syscall.ELOOP:
		return domain.ErrTooManySymlinks
	case syscall.ENOENT, syscall.ENOTDIR, syscall.EACCES, syscall.ENAMETOOLONG:
		return err
	default:
		return err
	}
}
