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
	"encoding/binary"
	"fmt"
	"syscall"
	"unsafe"

	"github.com/lxcns/syscalld/domain"
	"github.com/lxcns/syscalld/resolver"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Quota subcommands as encoded by QCMD(): subcmd = cmd >> 8, with the
// quota kind in the low byte. Values per linux/quota.h.
const (
	qSync         = 0x800001
	qQuotaOn      = 0x800002
	qQuotaOff     = 0x800003
	qGetFmt       = 0x800004
	qGetInfo      = 0x800005
	qSetInfo      = 0x800006
	qGetQuota     = 0x800007
	qSetQuota     = 0x800008
	qGetNextQuota = 0x800009
)

// Quota kinds (low byte of the cmd argument).
const (
	usrQuota = 0
	grpQuota = 1
	prjQuota = 2
)

const (
	dqblkSize     = 72 // struct if_dqblk
	dqinfoSize    = 24 // struct if_dqinfo
	nextDqblkSize = 72 // struct if_nextdqblk
)

// The quota records cross a syscall boundary in the kernel's native byte
// order, not a fixed wire order.
var nativeEndian = func() binary.ByteOrder {
	var probe [2]byte
	*(*uint16)(unsafe.Pointer(&probe[0])) = 1
	if probe[0] == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}()

// QuotactlSyscall information structure.
type quotactlSyscallInfo struct {
	syscallCtx        // syscall generic info
	cmd        int    // QCMD-encoded subcommand + quota kind
	special    string // block-special argument, as captured from the tracee
	id         uint32 // uid / gid / project-id argument
	addr       uint64 // caller-side address of the data argument
}

func (t *syscallTracer) processQuotactl(
	req *sysRequest,
	ctx *syscallCtx) (outcome, error) {

	logrus.Debugf("Received quotactl syscall from pid %d", req.Pid)

	q := &quotactlSyscallInfo{
		syscallCtx: *ctx,
		cmd:        int(req.Data.Args[0]),
		id:         uint32(req.Data.Args[2]),
		addr:       req.Data.Args[3],
	}

	// The special argument is optional for a handful of subcommands, but
	// every one we emulate requires it; a null pointer is rejected upfront.
	if req.Data.Args[1] == 0 {
		return failureOutcome(syscall.EINVAL), nil
	}

	parsedArgs, err := t.memParser.ReadSyscallStringArgs(
		req.Pid,
		[]domain.MemParserDataElem{{Addr: req.Data.Args[1], Size: unix.PathMax}},
	)
	if err != nil {
		return failureOutcome(syscall.EPERM), nil
	}
	q.special = parsedArgs[0]

	return q.process()
}

func (s *quotactlSyscallInfo) process() (outcome, error) {

	subcmd := s.cmd >> 8
	kind := s.cmd & 0xff

	logrus.Debug(s)

	// Quota administration remains gated on the caller's own credentials:
	// cap_sys_admin in its user-ns, same as the kernel would demand in the
	// initial one.
	if !s.process.IsSysAdminCapabilitySet() {
		return failureOutcome(syscall.EPERM), nil
	}

	if kind != usrQuota && kind != grpQuota && kind != prjQuota {
		return failureOutcome(syscall.EINVAL), nil
	}

	// The special argument names a block device; resolve it through the
	// tracee's root so that the device seen is the one its mount table
	// refers to, not ours.
	special, cleanup, err := s.resolveSpecial()
	if err != nil {
		return failureFromError(err), nil
	}
	defer cleanup()

	switch subcmd {
	case qSync:
		return s.doPlain(special)
	case qQuotaOn:
		return s.doQuotaOn(special)
	case qQuotaOff:
		return s.doPlain(special)
	case qGetFmt:
		return s.doGetFmt(special)
	case qGetInfo:
		return s.doGetBuf(special, s.id, dqinfoSize)
	case qSetInfo:
		return s.doSetBuf(special, s.id, dqinfoSize)
	case qGetQuota:
		return s.doGetQuota(special, kind)
	case qSetQuota:
		return s.doSetQuota(special, kind)
	case qGetNextQuota:
		return s.doGetNextQuota(special, kind)
	}

	logrus.Infof("Unsupported quotactl subcommand %#x from pid %d, cntr %s",
		subcmd, s.pid, s.cntrId)
	return failureOutcome(unix.EOPNOTSUPP), nil
}

// resolveSpecial walks the special path within the tracee's filesystem
// view and hands back a host-side alias for it (through /proc/self/fd),
// plus the cleanup closing the backing descriptor.
func (s *quotactlSyscallInfo) resolveSpecial() (string, func(), error) {

	rp, err := resolver.Resolve(s.process, s.special)
	if err != nil {
		return "", nil, err
	}

	fd, err := rp.OpenFinal()
	rp.Close()
	if err != nil {
		return "", nil, err
	}

	return resolver.HostPathFor(fd), func() { unix.Close(fd) }, nil
}

// mapID translates the id argument from the tracee's user-ns into ours.
// Project ids aren't namespaced and pass through unchanged.
func (s *quotactlSyscallInfo) mapID(kind int, nsID uint32) (uint32, error) {

	var (
		m   domain.IDMap
		err error
	)

	switch kind {
	case usrQuota:
		m, err = s.process.UidMap()
	case grpQuota:
		m, err = s.process.GidMap()
	default:
		return nsID, nil
	}
	if err != nil {
		return 0, err
	}

	hostID, ok := m.HostID(nsID)
	if !ok {
		return 0, syscall.ERANGE
	}

	return hostID, nil
}

// unmapID performs the reverse translation for ids the kernel hands back
// (Q_GETNEXTQUOTA).
func (s *quotactlSyscallInfo) unmapID(kind int, hostID uint32) (uint32, error) {

	var (
		m   domain.IDMap
		err error
	)

	switch kind {
	case usrQuota:
		m, err = s.process.UidMap()
	case grpQuota:
		m, err = s.process.GidMap()
	default:
		return hostID, nil
	}
	if err != nil {
		return 0, err
	}

	nsID, ok := m.NsID(hostID)
	if !ok {
		return 0, syscall.ERANGE
	}

	return nsID, nil
}

// doPlain covers the subcommands taking no data argument (Q_SYNC,
// Q_QUOTAOFF).
func (s *quotactlSyscallInfo) doPlain(special string) (outcome, error) {

	if !s.commitLive() {
		return invalidOutcome(), nil
	}

	if err := unix.Quotactl(s.cmd, special, int(s.id), 0); err != nil {
		return failureFromError(err), nil
	}

	return successOutcome(0), nil
}

// doQuotaOn: the addr argument names the quota file, itself a path within
// the tracee's mount view.
func (s *quotactlSyscallInfo) doQuotaOn(special string) (outcome, error) {

	if s.addr == 0 {
		return failureOutcome(syscall.EINVAL), nil
	}

	parsedArgs, err := s.tracer.memParser.ReadSyscallStringArgs(
		s.pid,
		[]domain.MemParserDataElem{{Addr: s.addr, Size: unix.PathMax}},
	)
	if err != nil {
		return failureOutcome(syscall.EPERM), nil
	}

	rp, err := resolver.Resolve(s.process, parsedArgs[0])
	if err != nil {
		return failureFromError(err), nil
	}
	qfd, err := rp.OpenFinal()
	rp.Close()
	if err != nil {
		return failureFromError(err), nil
	}
	defer unix.Close(qfd)

	quotaFile := resolver.HostPathFor(qfd)
	quotaFileBytes, err := unix.BytePtrFromString(quotaFile)
	if err != nil {
		return failureOutcome(syscall.EINVAL), nil
	}

	if !s.commitLive() {
		return invalidOutcome(), nil
	}

	err = unix.Quotactl(s.cmd, special, int(s.id),
		uintptr(unsafe.Pointer(quotaFileBytes)))
	if err != nil {
		return failureFromError(err), nil
	}

	return successOutcome(0), nil
}

// doGetFmt writes the 32-bit quota format id back to the caller.
func (s *quotactlSyscallInfo) doGetFmt(special string) (outcome, error) {

	if s.addr == 0 {
		return failureOutcome(syscall.EFAULT), nil
	}

	var fmtID uint32

	if !s.commitLive() {
		return invalidOutcome(), nil
	}

	err := unix.Quotactl(s.cmd, special, int(s.id),
		uintptr(unsafe.Pointer(&fmtID)))
	if err != nil {
		return failureFromError(err), nil
	}

	buf := make([]byte, 4)
	nativeEndian.PutUint32(buf, fmtID)

	if err := s.writeBack(buf); err != nil {
		return outcome{}, err
	}

	return successOutcome(0), nil
}

// doGetBuf covers the output-only subcommands with a fixed-size record
// (Q_GETINFO).
func (s *quotactlSyscallInfo) doGetBuf(
	special string, id uint32, size int) (outcome, error) {

	if s.addr == 0 {
		return failureOutcome(syscall.EFAULT), nil
	}

	buf := make([]byte, size)

	if !s.commitLive() {
		return invalidOutcome(), nil
	}

	err := unix.Quotactl(s.cmd, special, int(id),
		uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return failureFromError(err), nil
	}

	if err := s.writeBack(buf); err != nil {
		return outcome{}, err
	}

	return successOutcome(0), nil
}

// doSetBuf covers the input-only subcommands with a fixed-size record
// (Q_SETINFO).
func (s *quotactlSyscallInfo) doSetBuf(
	special string, id uint32, size int) (outcome, error) {

	buf, err := s.readIn(size)
	if err != nil {
		return failureOutcome(syscall.EFAULT), nil
	}

	if !s.commitLive() {
		return invalidOutcome(), nil
	}

	err = unix.Quotactl(s.cmd, special, int(id),
		uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return failureFromError(err), nil
	}

	return successOutcome(0), nil
}

func (s *quotactlSyscallInfo) doGetQuota(
	special string, kind int) (outcome, error) {

	hostID, err := s.mapID(kind, s.id)
	if err != nil {
		return failureFromError(err), nil
	}

	return s.doGetBuf(special, hostID, dqblkSize)
}

func (s *quotactlSyscallInfo) doSetQuota(
	special string, kind int) (outcome, error) {

	hostID, err := s.mapID(kind, s.id)
	if err != nil {
		return failureFromError(err), nil
	}

	return s.doSetBuf(special, hostID, dqblkSize)
}

// doGetNextQuota resembles doGetQuota, except the kernel also reports the
// id it landed on; that id must be translated back into the tracee's
// user-ns before the record is written out.
func (s *quotactlSyscallInfo) doGetNextQuota(
	special string, kind int) (outcome, error) {

	if s.addr == 0 {
		return failureOutcome(syscall.EFAULT), nil
	}

	hostID, err := s.mapID(kind, s.id)
	if err != nil {
		return failureFromError(err), nil
	}

	buf := make([]byte, nextDqblkSize)

	if !s.commitLive() {
		return invalidOutcome(), nil
	}

	err = unix.Quotactl(s.cmd, special, int(hostID),
		uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return failureFromError(err), nil
	}

	// dqb_id sits at the record's tail, past dqb_valid.
	gotID := nativeEndian.Uint32(buf[68:72])
	nsID, err := s.unmapID(kind, gotID)
	if err != nil {
		return failureFromError(err), nil
	}
	nativeEndian.PutUint32(buf[68:72], nsID)

	if err := s.writeBack(buf); err != nil {
		return outcome{}, err
	}

	return successOutcome(0), nil
}

func (s *quotactlSyscallInfo) readIn(size int) ([]byte, error) {

	if s.addr == 0 {
		return nil, syscall.EFAULT
	}

	data, err := s.tracer.memParser.ReadSyscallBytesArgs(
		s.pid,
		[]domain.MemParserDataElem{{Addr: s.addr, Size: size}},
	)
	if err != nil {
		return nil, err
	}

	return data[0], nil
}

func (s *quotactlSyscallInfo) writeBack(buf []byte) error {

	return s.tracer.memParser.WriteSyscallBytesArgs(
		s.pid,
		[]domain.MemParserDataElem{{Addr: s.addr, Size: len(buf), Data: buf}},
	)
}

func (s *quotactlSyscallInfo) String() string {
	return fmt.Sprintf("cmd: %#x special: %s id: %d", s.cmd, s.special, s.id)
}
