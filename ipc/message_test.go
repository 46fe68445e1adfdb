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

package ipc

import (
	"net"
	"os"
	"testing"

	"github.com/lxcns/syscalld/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// unixConnPair yields both ends of a connected unix stream socket.
func unixConnPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	fds, err := unix.Socketpair(unix.AF_UNIX,
		unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)

	toConn := func(fd int, name string) *net.UnixConn {
		f := os.NewFile(uintptr(fd), name)
		defer f.Close()
		c, err := net.FileConn(f)
		require.NoError(t, err)
		uc, ok := c.(*net.UnixConn)
		require.True(t, ok)
		return uc
	}

	c1 := toConn(fds[0], "peer1")
	c2 := toConn(fds[1], "peer2")
	t.Cleanup(func() { c1.Close(); c2.Close() })

	return c1, c2
}

func TestSessionInitMsgRoundtrip(t *testing.T) {
	sender, receiver := unixConnPair(t)

	// Any fd does for the handoff; a pipe end is the simplest stand-in for
	// a notify fd.
	var pipeFds [2]int
	require.NoError(t, unix.Pipe(pipeFds[:]))
	defer unix.Close(pipeFds[0])
	defer unix.Close(pipeFds[1])

	require.NoError(t,
		SendSessionInitMsg(sender, 4711, "cntr-1", int32(pipeFds[0])))

	pid, cntrID, fd, err := RecvSessionInitMsg(receiver)
	require.NoError(t, err)
	defer unix.Close(int(fd))

	assert.Equal(t, int32(4711), pid)
	assert.Equal(t, "cntr-1", cntrID)
	assert.NotEqual(t, int32(pipeFds[0]), fd)

	// The received descriptor must refer to the same object.
	var st1, st2 unix.Stat_t
	require.NoError(t, unix.Fstat(pipeFds[0], &st1))
	require.NoError(t, unix.Fstat(int(fd), &st2))
	assert.Equal(t, st1.Ino, st2.Ino)
}

func TestSessionInitMsgWithoutFd(t *testing.T) {
	sender, receiver := unixConnPair(t)

	// In-band data without the SCM_RIGHTS payload is a protocol violation.
	_, err := sender.Write([]byte(`{"pid":1,"cntrId":"x"}`))
	require.NoError(t, err)

	_, _, _, err = RecvSessionInitMsg(receiver)
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestSessionAckRoundtrip(t *testing.T) {
	sender, receiver := unixConnPair(t)

	require.NoError(t, SendSessionAckMsg(sender))

	ok, reason, err := RecvSessionAckMsg(receiver)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestSessionNackRoundtrip(t *testing.T) {
	sender, receiver := unixConnPair(t)

	require.NoError(t, SendSessionNackMsg(sender, "session limit reached"))

	ok, reason, err := RecvSessionAckMsg(receiver)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "session limit reached", reason)
}
