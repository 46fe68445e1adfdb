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
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/lxcns/syscalld/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// mknodFixture bundles the collaborators of one mknod handler invocation.
type mknodFixture struct {
	root   string
	proc   *stubProcess
	pol    *stubPolicy
	tracer *syscallTracer
}

func newMknodFixture(t *testing.T) *mknodFixture {
	root := t.TempDir()
	proc := newStubProcess(root)
	proc.mknodCap = true
	pol := newStubPolicy()

	tracer := newTestTracer(pol, &stubProcessService{proc: proc})

	t.Cleanup(proc.Release)

	return &mknodFixture{root: root, proc: proc, pol: pol, tracer: tracer}
}

func (f *mknodFixture) info(path string, mode uint32, dev uint64) *mknodSyscallInfo {
	return &mknodSyscallInfo{
		syscallCtx: syscallCtx{
			syscallName: "mknod",
			reqId:       1,
			pid:         f.proc.Pid(),
			cntrId:      "cntr-1",
			fd:          3,
			tracer:      f.tracer,
			process:     f.proc,
		},
		path: path,
		mode: mode,
		dev:  dev,
	}
}

func TestMknodRegularFileContinues(t *testing.T) {
	f := newMknodFixture(t)

	out, err := f.info("/plain", 0644, 0).process()
	require.NoError(t, err)
	assert.Equal(t, outcomeContinue, out.kind)
}

func TestMknodFifo(t *testing.T) {
	f := newMknodFixture(t)

	out, err := f.info("/fifo", syscall.S_IFIFO|0644, 0).process()
	require.NoError(t, err)
	assert.Equal(t, outcomeContinue, out.kind)

	// Policy may forbid fifos altogether.
	f.pol.fifos = false
	out, err = f.info("/fifo", syscall.S_IFIFO|0644, 0).process()
	require.NoError(t, err)
	assert.Equal(t, outcomeFailure, out.kind)
	assert.Equal(t, syscall.EPERM, out.errno)
}

func TestMknodInvalidType(t *testing.T) {
	f := newMknodFixture(t)

	out, err := f.info("/bad", syscall.S_IFDIR|0644, 0).process()
	require.NoError(t, err)
	assert.Equal(t, outcomeFailure, out.kind)
	assert.Equal(t, syscall.EINVAL, out.errno)
}

func TestMknodWithoutCapability(t *testing.T) {
	f := newMknodFixture(t)
	f.proc.mknodCap = false
	f.pol.allow(domain.DeviceChar, 1, 3)

	out, err := f.info("/null", syscall.S_IFCHR|0666, unix.Mkdev(1, 3)).process()
	require.NoError(t, err)
	assert.Equal(t, outcomeFailure, out.kind)
	assert.Equal(t, syscall.EPERM, out.errno)
}

func TestMknodDeviceNotAllowListed(t *testing.T) {
	f := newMknodFixture(t)

	out, err := f.info("/sda", syscall.S_IFBLK|0660, unix.Mkdev(8, 0)).process()
	require.NoError(t, err)
	assert.Equal(t, outcomeFailure, out.kind)
	assert.Equal(t, syscall.EPERM, out.errno)

	// Denial happens before any path work; nothing may exist afterwards.
	_, serr := os.Stat(filepath.Join(f.root, "sda"))
	assert.True(t, os.IsNotExist(serr))
}

func TestMknodSymlinkEscape(t *testing.T) {
	f := newMknodFixture(t)
	f.pol.allow(domain.DeviceChar, 1, 3)
	require.NoError(t, os.Symlink("../outside", filepath.Join(f.root, "esc")))

	out, err := f.info("/esc/null", syscall.S_IFCHR|0666, unix.Mkdev(1, 3)).process()
	require.NoError(t, err)
	assert.Equal(t, outcomeFailure, out.kind)
	assert.Equal(t, syscall.EACCES, out.errno)
}

// A request going stale before the commit point must abort without any
// node being created.
func TestMknodStaleRequest(t *testing.T) {
	f := newMknodFixture(t)
	f.pol.allow(domain.DeviceChar, 1, 3)
	f.tracer.idValidFn = func(fd int32, id uint64) error { return syscall.ENOENT }

	out, err := f.info("/null", syscall.S_IFCHR|0666, unix.Mkdev(1, 3)).process()
	require.NoError(t, err)
	assert.Equal(t, outcomeInvalid, out.kind)

	_, serr := os.Stat(filepath.Join(f.root, "null"))
	assert.True(t, os.IsNotExist(serr))
}

// Actual node creation requires cap_mknod on our side.
func TestMknodCreatesDeviceNode(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("requires root")
	}

	f := newMknodFixture(t)
	f.pol.allow(domain.DeviceChar, 1, 3)

	out, err := f.info("/null", syscall.S_IFCHR|0666, unix.Mkdev(1, 3)).process()
	require.NoError(t, err)
	assert.Equal(t, outcomeSuccess, out.kind)
	assert.Equal(t, uint64(0), out.val)

	var st unix.Stat_t
	require.NoError(t, unix.Stat(filepath.Join(f.root, "null"), &st))
	assert.Equal(t, uint32(unix.S_IFCHR), st.Mode&unix.S_IFMT)
	assert.Equal(t, uint64(unix.Mkdev(1, 3)), st.Rdev)
	assert.Equal(t, f.proc.Uid(), st.Uid)
	assert.Equal(t, f.proc.Gid(), st.Gid)
}

// mknodat with an explicit dirfd anchors the walk at the caller's
// descriptor. The request is made to go stale at the commit point, which
// proves resolution over the anchor succeeded without creating anything.
func TestMknodatDirfdAnchor(t *testing.T) {
	f := newMknodFixture(t)
	f.pol.allow(domain.DeviceChar, 1, 3)
	f.tracer.idValidFn = func(fd int32, id uint64) error { return syscall.ENOENT }

	sub := filepath.Join(f.root, "sub")
	require.NoError(t, os.Mkdir(sub, 0755))
	f.proc.fdAnchors[7] = sub

	info := f.info("null", syscall.S_IFCHR|0666, unix.Mkdev(1, 3))
	info.dirFd = 7
	info.atSyscall = true

	out, err := info.process()
	require.NoError(t, err)
	assert.Equal(t, outcomeInvalid, out.kind)

	// An unknown dirfd is the caller's bug.
	info = f.info("null", syscall.S_IFCHR|0666, unix.Mkdev(1, 3))
	info.dirFd = 99
	info.atSyscall = true

	out, err = info.process()
	require.NoError(t, err)
	assert.Equal(t, outcomeFailure, out.kind)
	assert.Equal(t, syscall.EBADF, out.errno)
}
