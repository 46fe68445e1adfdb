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
	"net"
	"sync"
	"syscall"

	"github.com/lxcns/syscalld/domain"
	"github.com/lxcns/syscalld/ipc"
	"github.com/lxcns/syscalld/mem"

	libseccomp "github.com/seccomp/libseccomp-golang"
	"github.com/sirupsen/logrus"
)

// libseccomp req/resp aliases.
type sysRequest = libseccomp.ScmpNotifReq
type sysResponse = libseccomp.ScmpNotifResp

// Slice of emulated syscalls; the policy layer may narrow this set
// further, never widen it.
var monitoredSyscalls = []string{
	"mknod",
	"mknodat",
	"quotactl",
}

// SyscallMonitorService is the public facade of the syscall-emulation
// engine. External packages rely solely on this struct for their
// syscall-monitoring demands.
type SyscallMonitorService struct {
	prs    domain.ProcessServiceIface // process identity snapshots
	pol    domain.PolicyIface         // allow-list decisions
	tracer *syscallTracer             // actual syscall tracer instance
}

func NewSyscallMonitorService() *SyscallMonitorService {
	return &SyscallMonitorService{}
}

// Setup wires the service dependencies and launches the tracer on the
// given handoff-socket address.
func (scs *SyscallMonitorService) Setup(
	prs domain.ProcessServiceIface,
	pol domain.PolicyIface,
	sockAddr string) error {

	scs.prs = prs
	scs.pol = pol

	scs.tracer = newSyscallTracer(scs)
	if scs.tracer == nil {
		return fmt.Errorf("syscall tracer initialization error")
	}

	return scs.tracer.start(sockAddr)
}

// Shutdown stops accepting new channels. Running sessions drain on their
// own as their channels close.
func (scs *SyscallMonitorService) Shutdown() {
	if scs.tracer != nil && scs.tracer.srv != nil {
		scs.tracer.srv.Close()
	}
}

type archSyscallPair struct {
	archId    libseccomp.ScmpArch
	syscallId libseccomp.ScmpSyscall
}

// syscallTracer is the session supervisor: it accepts notify channels
// over the handoff socket, enforces the session cap, and owns the
// dispatch table mapping syscall ids to handlers. Absence of a dispatch
// entry is itself the "continue" behavior, not a special case.
type syscallTracer struct {
	service   *SyscallMonitorService
	srv       *ipc.Server
	syscalls  map[archSyscallPair]string // emulated syscalls, keyed by seccomp arch and syscall id
	memParser domain.MemParserIface
	sessionMu sync.Mutex
	sessions  map[int32]*session // live sessions, keyed by notify fd
	slots     chan struct{}      // bounded session slots
	pidTrk    *notifPidTracker   // serializes notifs of a given pid across channels

	// Kernel interactions of the session loop, kept injectable so tests can
	// simulate stale requests, canned notifications and channel closure.
	idValidFn func(fd int32, id uint64) error
	pollFn    func(fd int32) error
	recvFn    func(fd int32) (*sysRequest, error)
	respFn    func(fd int32, resp *sysResponse) error
}

func newSyscallTracer(sms *SyscallMonitorService) *syscallTracer {

	tracer := &syscallTracer{
		service:  sms,
		syscalls: make(map[archSyscallPair]string),
		sessions: make(map[int32]*session),
		pidTrk:   newNotifPidTracker(),
		idValidFn: func(fd int32, id uint64) error {
			return libseccomp.NotifIDValid(libseccomp.ScmpFd(fd), id)
		},
		pollFn: pollNotifFd,
		recvFn: func(fd int32) (*sysRequest, error) {
			return libseccomp.NotifReceive(libseccomp.ScmpFd(fd))
		},
		respFn: func(fd int32, resp *sysResponse) error {
			return libseccomp.NotifRespond(libseccomp.ScmpFd(fd), resp)
		},
	}

	maxSessions := 1
	if sms != nil && sms.pol != nil {
		maxSessions = sms.pol.MaxSessions()
	}
	tracer.slots = make(chan struct{}, maxSessions)

	// Populate hashmap of emulated syscalls.
	nativeArchId, err := libseccomp.GetNativeArch()
	if err != nil {
		logrus.Warnf("Seccomp-tracer initialization error: error obtaining native architecture")
		return nil
	}

	for archId, syscalls := range getSupportedCompatibleSyscalls(nativeArchId) {
		for _, name := range syscalls {
			syscallId, err := libseccomp.GetSyscallFromNameByArch(name, archId)
			if err != nil {
				// Not every emulated syscall exists on every abi (e.g. no
				// mknod on arm64); skip those.
				logrus.Debugf("Syscall %v not present on arch %v; skipping", name, archId)
				continue
			}
			tracer.syscalls[archSyscallPair{archId, syscallId}] = name
		}
	}

	tracer.memParser = mem.NewMemParser()

	return tracer
}

func getSupportedCompatibleSyscalls(
	nativeArchId libseccomp.ScmpArch) map[libseccomp.ScmpArch][]string {

	switch nativeArchId {
	case libseccomp.ArchAMD64:
		return map[libseccomp.ScmpArch][]string{
			libseccomp.ArchAMD64: monitoredSyscalls,
			libseccomp.ArchX86:   monitoredSyscalls,
		}
	default:
		return map[libseccomp.ScmpArch][]string{
			nativeArchId: monitoredSyscalls,
		}
	}
}

// start verifies kernel support and begins listening for channel
// handoffs.
func (t *syscallTracer) start(sockAddr string) error {

	// The notify facility (incl. NotifIDValid) requires seccomp API level
	// >= 5; bail otherwise.
	api, err := libseccomp.GetAPI()
	if err != nil {
		logrus.Errorf("Error while obtaining seccomp API level (%v).", err)
		return err
	} else if api < 5 {
		logrus.Errorf("Error: need seccomp API level >= 5; it's currently %d", api)
		return fmt.Errorf("unsupported kernel")
	}

	srv, err := ipc.NewServer(sockAddr, t.connHandler)
	if err != nil {
		logrus.Errorf("Unable to initialize seccomp-tracer handoff server")
		return err
	}
	t.srv = srv

	return nil
}

// connHandler receives one channel handoff per connection. Executed within
// a dedicated goroutine; on success the same goroutine becomes the
// session's receive loop, so channel processing is strictly sequential.
func (t *syscallTracer) connHandler(c *net.UnixConn) {

	defer c.Close()

	pid, cntrID, fd, err := ipc.RecvSessionInitMsg(c)
	if err != nil {
		logrus.Debugf("Dropping handoff connection: %v", err)
		return
	}

	// Backpressure: beyond the session cap the channel is rejected and
	// the runtime side retries; work is never silently dropped.
	select {
	case t.slots <- struct{}{}:
	default:
		logrus.Warnf("Rejecting notify channel for pid %d, cntr %s: session limit reached",
			pid, cntrID)
		_ = ipc.SendSessionNackMsg(c, "session limit reached")
		syscall.Close(int(fd))
		return
	}

	if err = ipc.SendSessionAckMsg(c); err != nil {
		<-t.slots
		syscall.Close(int(fd))
		return
	}

	sess := newSession(t, uint32(pid), fd, cntrID)
	t.sessionAdd(sess)

	sess.run()

	t.sessionDelete(sess)
	<-t.slots
}

func (t *syscallTracer) sessionAdd(s *session) {
	t.sessionMu.Lock()
	t.sessions[s.fd] = s
	t.sessionMu.Unlock()

	logrus.Debugf("Created seccomp-tracee session for fd %d, pid %d, cntr-id %s",
		s.fd, s.pid, s.cntrId)
}

func (t *syscallTracer) sessionDelete(s *session) {
	t.sessionMu.Lock()
	delete(t.sessions, s.fd)
	t.sessionMu.Unlock()

	// We are finally ready to close the notify fd.
	if err := syscall.Close(int(s.fd)); err != nil {
		logrus.Errorf("Failed to close seccomp fd %v for pid %d: %v",
			s.fd, s.pid, err)
	}

	logrus.Debugf("Removed seccomp-tracee session for pid %d, fd %d", s.pid, s.fd)
}

func (t *syscallTracer) sessionCount() int {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()
	return len(t.sessions)
}

// processSyscall is the dispatch entrypoint: it selects the handler for
// the received notification and converts its outcome into the response
// record to be delivered to the kernel.
func (t *syscallTracer) processSyscall(
	req *sysRequest,
	fd int32,
	cntrID string) *sysResponse {

	// Serialize processing per tracee pid: syscalls of a given pid are
	// handled one at a time, syscalls of different pids in parallel.
	t.pidTrk.Lock(req.Pid)
	defer t.pidTrk.Unlock(req.Pid)

	archId := req.Data.Arch
	syscallId := req.Data.Syscall
	syscallName := t.syscalls[archSyscallPair{archId, syscallId}]

	if syscallName == "" || !t.service.pol.SyscallEnabled(syscallName) {
		// No handler registered: the kernel applies its default filter
		// treatment.
		logrus.Debugf("No handler for syscall %d (arch %v) on fd %d, pid %d, cntr %s; continuing",
			syscallId, archId, fd, req.Pid, cntrID)
		return t.createContinueResponse(req.ID)
	}

	proc := t.service.prs.ProcessCreate(req.Pid, 0, 0)
	defer proc.Release()

	ctx := syscallCtx{
		syscallName: syscallName,
		reqId:       req.ID,
		pid:         req.Pid,
		cntrId:      cntrID,
		fd:          fd,
		tracer:      t,
		process:     proc,
	}

	var (
		out outcome
		err error
	)

	switch syscallName {
	case "mknod":
		out, err = t.processMknod(req, &ctx)

	case "mknodat":
		out, err = t.processMknodat(req, &ctx)

	case "quotactl":
		out, err = t.processQuotactl(req, &ctx)

	default:
		logrus.Warnf("Unsupported syscall notification received (%v) on fd %d, pid %d, cntr %s",
			syscallId, fd, req.Pid, cntrID)
		return t.createErrorResponse(req.ID, syscall.ENOSYS)
	}

	// 'Infrastructure' errors (e.g. inexistent /proc/pid/mem) are beyond
	// the end-user realm: log them and fail the syscall with a common
	// error.
	if err != nil {
		logrus.Warnf("Error during syscall %v processing on fd %d, pid %d, req id %d, cntr %s (%v)",
			syscallName, fd, req.Pid, req.ID, cntrID, err)
		return t.createErrorResponse(req.ID, syscall.EINVAL)
	}

	return t.outcomeResponse(&ctx, out)
}

// outcomeResponse converts a handler outcome into the kernel's
// notify-response record.
func (t *syscallTracer) outcomeResponse(ctx *syscallCtx, out outcome) *sysResponse {

	switch out.kind {
	case outcomeSuccess:
		return t.createSuccessResponseWithRetValue(ctx.reqId, out.val)

	case outcomeContinue:
		return t.createContinueResponse(ctx.reqId)

	case outcomeInvalid:
		// Expected race: the tracee vanished between notification receipt
		// and the commit point. No action was performed; the response is
		// discarded by the kernel anyway.
		logrus.Debugf("Request %d on fd %d (pid %d, cntr %s) went stale; no action performed",
			ctx.reqId, ctx.fd, ctx.pid, ctx.cntrId)
		return t.createErrorResponse(ctx.reqId, syscall.ENOENT)

	default:
		return t.createErrorResponse(ctx.reqId, out.errno)
	}
}

func (t *syscallTracer) createSuccessResponseWithRetValue(id, val uint64) *sysResponse {
	return &sysResponse{
		ID:    id,
		Error: 0,
		Val:   val,
		Flags: 0,
	}
}

func (t *syscallTracer) createContinueResponse(id uint64) *sysResponse {
	return &sysResponse{
		ID:    id,
		Error: 0,
		Val:   0,
		Flags: libseccomp.NotifRespFlagContinue,
	}
}

func (t *syscallTracer) createErrorResponse(id uint64, err error) *sysResponse {

	// Override the passed error if this one doesn't match the supported
	// type.
	rcvdError, ok := err.(syscall.Errno)
	if !ok {
		rcvdError = syscall.EINVAL
	}

	return &sysResponse{
		ID:    id,
		Error: int32(rcvdError),
		Val:   0,
		Flags: 0,
	}
}
