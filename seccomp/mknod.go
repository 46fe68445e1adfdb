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

package seccomp

import (
	"fmt"
	"strconv"
	"syscall"

	"github.com/lxcns/syscalld/domain"
	"github.com/lxcns/syscalld/resolver"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// MknodSyscall information structure.
type mknodSyscallInfo struct {
	syscallCtx        // syscall generic info
	path       string // pathname argument, as captured from the tracee
	mode       uint32 // node type + permission bits
	dev        uint64 // device major/minor encoding
	dirFd      int32  // dirfd argument (mknodat only)
	atSyscall  bool   // true for mknodat
}

func (t *syscallTracer) processMknod(
	req *sysRequest,
	ctx *syscallCtx) (outcome, error) {

	logrus.Debugf("Received mknod syscall from pid %d", req.Pid)

	// Extract the "pathname" syscall attribute.
	parsedArgs, err := t.memParser.ReadSyscallStringArgs(
		req.Pid,
		[]domain.MemParserDataElem{{Addr: req.Data.Args[0], Size: unix.PathMax}},
	)
	if err != nil {
		return failureOutcome(syscall.EPERM), nil
	}

	mknod := &mknodSyscallInfo{
		syscallCtx: *ctx,
		path:       parsedArgs[0],
		mode:       uint32(req.Data.Args[1]),
		dev:        req.Data.Args[2],
	}

	return mknod.process()
}

func (t *syscallTracer) processMknodat(
	req *sysRequest,
	ctx *syscallCtx) (outcome, error) {

	logrus.Debugf("Received mknodat syscall from pid %d", req.Pid)

	// Extract the "pathname" syscall attribute.
	parsedArgs, err := t.memParser.ReadSyscallStringArgs(
		req.Pid,
		[]domain.MemParserDataElem{{Addr: req.Data.Args[1], Size: unix.PathMax}},
	)
	if err != nil {
		return failureOutcome(syscall.EPERM), nil
	}

	mknod := &mknodSyscallInfo{
		syscallCtx: *ctx,
		dirFd:      int32(req.Data.Args[0]),
		path:       parsedArgs[0],
		mode:       uint32(req.Data.Args[2]),
		dev:        req.Data.Args[3],
		atSyscall:  true,
	}

	return mknod.process()
}

func (s *mknodSyscallInfo) process() (outcome, error) {

	devType, err := s.deviceType()
	if err != nil {
		return failureOutcome(syscall.EINVAL), nil
	}

	logrus.Debug(s)

	switch devType {
	case 0:
		// Regular files need no privilege; the kernel handles those fine
		// in the tracee's own context.
		return continueOutcome(), nil

	case domain.DeviceFifo, domain.DeviceSock:
		// Fifos and sockets don't require privilege either, but the filter
		// traps them along with the rest; defer to the kernel when policy
		// allows.
		if !s.tracer.service.pol.AllowedDevice(devType, 0, 0) {
			return failureOutcome(syscall.EPERM), nil
		}
		return continueOutcome(), nil
	}

	// Char / block devices from here on.

	// The caller must hold cap_mknod within its own user-ns; we only lift
	// the requirement that the user-ns be the initial one.
	if !s.process.IsMknodCapabilitySet() {
		return failureOutcome(syscall.EPERM), nil
	}

	major := unix.Major(s.dev)
	minor := unix.Minor(s.dev)

	if !s.tracer.service.pol.AllowedDevice(devType, major, minor) {
		logrus.Infof("Denied mknod of %c %d:%d for pid %d, cntr %s (not allow-listed)",
			devType, major, minor, s.pid, s.cntrId)
		return failureOutcome(syscall.EPERM), nil
	}

	// Resolve the target's parent dir within the tracee's own filesystem
	// view; the node is then created via mknodat() relative to the
	// resolved descriptor.
	rp, err := s.resolveTarget()
	if err != nil {
		return failureFromError(err), nil
	}
	defer rp.Close()

	// The caller needs write+search permission over the parent dir.
	if err := resolver.Access(s.process, rp.DirFd, domain.W_OK|domain.X_OK); err != nil {
		return failureOutcome(syscall.EACCES), nil
	}

	// Commit point: no node is created on behalf of a stale request.
	if !s.commitLive() {
		return invalidOutcome(), nil
	}

	if err := unix.Mknodat(rp.DirFd, rp.Name, s.mode, int(s.dev)); err != nil {
		errno, ok := err.(syscall.Errno)
		if !ok {
			errno = syscall.EPERM
		}
		return failureOutcome(errno), nil
	}

	// The node belongs to the caller, not to us.
	if err := unix.Fchownat(rp.DirFd, rp.Name,
		int(s.process.Uid()), int(s.process.Gid()),
		unix.AT_SYMLINK_NOFOLLOW); err != nil {

		// Never leave behind a root-owned node inside the container.
		_ = unix.Unlinkat(rp.DirFd, rp.Name, 0)
		return outcome{}, fmt.Errorf("failed to chown created node %q: %w", rp.Name, err)
	}

	logrus.Debugf("Created device node %q (%c %d:%d) for pid %d, cntr %s",
		s.path, devType, major, minor, s.pid, s.cntrId)

	return successOutcome(0), nil
}

func (s *mknodSyscallInfo) resolveTarget() (*resolver.ResolvedPath, error) {

	if !s.atSyscall || s.dirFd == unix.AT_FDCWD ||
		(len(s.path) > 0 && s.path[0] == '/') {
		return resolver.Resolve(s.process, s.path)
	}

	// mknodat with an explicit dirfd: anchor the walk at the tracee's own
	// descriptor, captured through /proc/pid/fd.
	anchor, err := s.process.FdPathFd(s.dirFd)
	if err != nil {
		return nil, syscall.EBADF
	}

	return resolver.ResolveAt(s.process, anchor, s.path)
}

// deviceType derives the node type from the mode argument; 0 denotes a
// regular file (S_IFREG or no type bits at all).
func (s *mknodSyscallInfo) deviceType() (domain.DeviceType, error) {

	switch s.mode & unix.S_IFMT {
	case 0, unix.S_IFREG:
		return 0, nil
	case unix.S_IFCHR:
		return domain.DeviceChar, nil
	case unix.S_IFBLK:
		return domain.DeviceBlock, nil
	case unix.S_IFIFO:
		return domain.DeviceFifo, nil
	case unix.S_IFSOCK:
		return domain.DeviceSock, nil
	default:
		return 0, fmt.Errorf("invalid node type in mode %#o", s.mode)
	}
}

func (s *mknodSyscallInfo) String() string {
	return "path: " + s.path +
		" mode: " + strconv.FormatUint(uint64(s.mode), 8) +
		" dev: " + strconv.FormatUint(s.dev, 10)
}
