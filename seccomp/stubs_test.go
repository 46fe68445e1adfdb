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
	"os"
	"syscall"

	"github.com/lxcns/syscalld/domain"

	"golang.org/x/sys/unix"
)

// stubPolicy is a canned domain.PolicyIface for handler tests.
type stubPolicy struct {
	devices  map[string]bool
	syscalls map[string]bool
	fifos    bool
	socks    bool
	max      int
}

func newStubPolicy() *stubPolicy {
	return &stubPolicy{
		devices:  make(map[string]bool),
		syscalls: map[string]bool{"mknod": true, "mknodat": true, "quotactl": true},
		fifos:    true,
		socks:    true,
		max:      4,
	}
}

func (p *stubPolicy) allow(devType domain.DeviceType, major, minor uint32) {
	p.devices[fmt.Sprintf("%c/%d/%d", devType, major, minor)] = true
}

func (p *stubPolicy) AllowedDevice(devType domain.DeviceType, major, minor uint32) bool {
	switch devType {
	case domain.DeviceFifo:
		return p.fifos
	case domain.DeviceSock:
		return p.socks
	}
	return p.devices[fmt.Sprintf("%c/%d/%d", devType, major, minor)]
}

func (p *stubPolicy) SyscallEnabled(name string) bool { return p.syscalls[name] }
func (p *stubPolicy) MaxSessions() int                { return p.max }

// stubProcess is a canned domain.ProcessIface anchored on a scratch dir.
type stubProcess struct {
	root        string
	cwd         string
	uid         uint32
	gid         uint32
	mknodCap    bool
	sysAdminCap bool
	dacCap      bool
	uidMap      domain.IDMap
	gidMap      domain.IDMap
	fdAnchors   map[int32]string // dirfd number -> host path
	fds         []int
}

func newStubProcess(root string) *stubProcess {
	idMap := domain.IDMap{{NsID: 0, HostID: 0, Range: ^uint32(0)}}
	return &stubProcess{
		root:      root,
		cwd:       root,
		uid:       uint32(os.Getuid()),
		gid:       uint32(os.Getgid()),
		uidMap:    idMap,
		gidMap:    idMap,
		fdAnchors: make(map[int32]string),
	}
}

func (p *stubProcess) open(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	p.fds = append(p.fds, fd)
	return fd, nil
}

func (p *stubProcess) Pid() uint32 { return uint32(os.Getpid()) }
func (p *stubProcess) Uid() uint32 { return p.uid }
func (p *stubProcess) Gid() uint32 { return p.gid }

func (p *stubProcess) RootFd() (int, error) { return p.open(p.root) }
func (p *stubProcess) CwdFd() (int, error)  { return p.open(p.cwd) }

func (p *stubProcess) FdPathFd(fd int32) (int, error) {
	path, ok := p.fdAnchors[fd]
	if !ok {
		return -1, syscall.EBADF
	}
	return p.open(path)
}

func (p *stubProcess) Release() {
	for _, fd := range p.fds {
		unix.Close(fd)
	}
	p.fds = nil
}

func (p *stubProcess) IsSysAdminCapabilitySet() bool    { return p.sysAdminCap }
func (p *stubProcess) IsMknodCapabilitySet() bool       { return p.mknodCap }
func (p *stubProcess) IsDacOverrideCapabilitySet() bool { return p.dacCap }

func (p *stubProcess) UidMap() (domain.IDMap, error) { return p.uidMap, nil }
func (p *stubProcess) GidMap() (domain.IDMap, error) { return p.gidMap, nil }

// stubProcessService hands back one pre-built process regardless of pid.
type stubProcessService struct {
	proc *stubProcess
}

func (s *stubProcessService) ProcessCreate(
	pid uint32, uid uint32, gid uint32) domain.ProcessIface {
	return s.proc
}

// stubMemParser serves canned reads keyed by tracee-side address and
// records writes for later inspection. A non-nil gate blocks string reads
// until released, to simulate a slow handler.
type stubMemParser struct {
	strs    map[uint64]string
	bytes   map[uint64][]byte
	written map[uint64][]byte
	gate    chan struct{}
}

func newStubMemParser() *stubMemParser {
	return &stubMemParser{
		strs:    make(map[uint64]string),
		bytes:   make(map[uint64][]byte),
		written: make(map[uint64][]byte),
	}
}

func (m *stubMemParser) ReadSyscallStringArgs(
	pid uint32, elems []domain.MemParserDataElem) ([]string, error) {

	if m.gate != nil {
		<-m.gate
	}

	var out []string
	for _, e := range elems {
		s, ok := m.strs[e.Addr]
		if !ok {
			return nil, syscall.EFAULT
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *stubMemParser) ReadSyscallBytesArgs(
	pid uint32, elems []domain.MemParserDataElem) ([][]byte, error) {

	var out [][]byte
	for _, e := range elems {
		b, ok := m.bytes[e.Addr]
		if !ok {
			return nil, syscall.EFAULT
		}
		out = append(out, b)
	}
	return out, nil
}

func (m *stubMemParser) WriteSyscallBytesArgs(
	pid uint32, elems []domain.MemParserDataElem) error {

	for _, e := range elems {
		m.written[e.Addr] = e.Data
	}
	return nil
}

// newTestTracer assembles a tracer over stub collaborators, bypassing the
// libseccomp arch probing of the regular constructor.
func newTestTracer(pol domain.PolicyIface, prs domain.ProcessServiceIface) *syscallTracer {

	return &syscallTracer{
		service:   &SyscallMonitorService{pol: pol, prs: prs},
		syscalls:  make(map[archSyscallPair]string),
		sessions:  make(map[int32]*session),
		slots:     make(chan struct{}, 4),
		pidTrk:    newNotifPidTracker(),
		memParser: newStubMemParser(),
		idValidFn: func(fd int32, id uint64) error { return nil },
		pollFn:    func(fd int32) error { return nil },
		recvFn:    func(fd int32) (*sysRequest, error) { return nil, errChannelClosed },
		respFn:    func(fd int32, resp *sysResponse) error { return nil },
	}
}

// stubNotifChannel scripts a session's kernel interactions: a fixed queue
// of notifications to hand out, then channel closure.
type stubNotifChannel struct {
	reqs  chan *sysRequest
	resps []*sysResponse
	errs  []error // per-response errors, nil-padded
}

func newStubNotifChannel(reqs ...*sysRequest) *stubNotifChannel {
	ch := &stubNotifChannel{
		reqs: make(chan *sysRequest, len(reqs)),
	}
	for _, r := range reqs {
		ch.reqs <- r
	}
	close(ch.reqs)
	return ch
}

func (c *stubNotifChannel) recv(fd int32) (*sysRequest, error) {
	req, ok := <-c.reqs
	if !ok {
		return nil, errChannelClosed
	}
	return req, nil
}

func (c *stubNotifChannel) respond(fd int32, resp *sysResponse) error {
	c.resps = append(c.resps, resp)
	if len(c.errs) >= len(c.resps) {
		return c.errs[len(c.resps)-1]
	}
	return nil
}
