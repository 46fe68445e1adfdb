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
	"encoding/json"
	"fmt"
	"net"

	"github.com/lxcns/syscalld/domain"

	"golang.org/x/sys/unix"
)

// sessionInitMsg is the in-band half of a channel handoff.
type sessionInitMsg struct {
	Pid    int32  `json:"pid"`    // pid that installed the seccomp filter
	CntrID string `json:"cntrId"` // container the filter belongs to
}

// sessionAckMsg confirms (or rejects) a handoff; a rejected channel is the
// runtime's to retry.
type sessionAckMsg struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

const maxInitMsgSize = 1024

// RecvSessionInitMsg reads one handoff message from the connection and
// returns the tracee pid, its container id, and the received seccomp
// notify fd (cloexec, owned by the caller).
func RecvSessionInitMsg(c *net.UnixConn) (int32, string, int32, error) {

	buf := make([]byte, maxInitMsgSize)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := c.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, "", -1, err
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, "", -1, fmt.Errorf("%w: bad control message: %v",
			domain.ErrProtocol, err)
	}
	if len(scms) != 1 {
		return 0, "", -1, fmt.Errorf("%w: expected one control message, got %d",
			domain.ErrProtocol, len(scms))
	}

	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil {
		return 0, "", -1, fmt.Errorf("%w: bad unix rights: %v",
			domain.ErrProtocol, err)
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return 0, "", -1, fmt.Errorf("%w: expected one fd, got %d",
			domain.ErrProtocol, len(fds))
	}

	fd := fds[0]
	unix.CloseOnExec(fd)

	var msg sessionInitMsg
	if err := json.Unmarshal(buf[:n], &msg); err != nil {
		unix.Close(fd)
		return 0, "", -1, fmt.Errorf("%w: malformed session init message: %v",
			domain.ErrProtocol, err)
	}

	return msg.Pid, msg.CntrID, int32(fd), nil
}

// SendSessionInitMsg is the runtime-side half of the handoff; also used by
// the tests to exercise the receive path.
func SendSessionInitMsg(c *net.UnixConn, pid int32, cntrID string, fd int32) error {

	data, err := json.Marshal(&sessionInitMsg{Pid: pid, CntrID: cntrID})
	if err != nil {
		return err
	}

	rights := unix.UnixRights(int(fd))
	_, _, err = c.WriteMsgUnix(data, rights, nil)

	return err
}

// SendSessionAckMsg confirms ownership of the received channel.
func SendSessionAckMsg(c *net.UnixConn) error {
	return sendAck(c, &sessionAckMsg{OK: true})
}

// SendSessionNackMsg rejects the handoff (e.g. session cap reached); the
// peer keeps ownership of its fd and may retry.
func SendSessionNackMsg(c *net.UnixConn, reason string) error {
	return sendAck(c, &sessionAckMsg{OK: false, Reason: reason})
}

// RecvSessionAckMsg reads the daemon's handoff verdict.
func RecvSessionAckMsg(c *net.UnixConn) (bool, string, error) {

	buf := make([]byte, maxInitMsgSize)
	n, err := c.Read(buf)
	if err != nil {
		return false, "", err
	}

	var ack sessionAckMsg
	if err := json.Unmarshal(buf[:n], &ack); err != nil {
		return false, "", fmt.Errorf("malformed session ack message: %w", err)
	}

	return ack.OK, ack.Reason, nil
}

func sendAck(c *net.UnixConn, ack *sessionAckMsg) error {
	data, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	_, err = c.Write(data)
	return err
}
