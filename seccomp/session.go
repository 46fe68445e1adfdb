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
	"errors"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// sessionState tracks a session through its receive / dispatch / respond
// cycle.
type sessionState int32

const (
	sessionAwaiting sessionState = iota // blocked receiving from the channel
	sessionDispatching                  // notification taken, handler running
	sessionResponding                   // outcome being submitted
	sessionClosed                       // channel closed or unrecoverable error
)

// errChannelClosed denotes normal retirement of a notify channel: its
// filter is gone (container exited) and no further notifications follow.
var errChannelClosed = errors.New("notify channel closed")

// session owns one notify channel for one container: it runs the
// receive -> dispatch -> respond cycle until the channel closes.
// Sessions share no mutable state with each other; the only cross-session
// coordination is the supervisor's session cap and the per-pid notif
// serialization.
type session struct {
	pid    uint32         // pid that installed the seccomp filter
	fd     int32          // notify fd to allow kernel interaction
	cntrId string         // container on which this session lives
	tracer *syscallTracer // backpointer to the supervisor
	state  int32          // sessionState, atomic
}

func newSession(t *syscallTracer, pid uint32, fd int32, cntrId string) *session {
	return &session{
		pid:    pid,
		fd:     fd,
		cntrId: cntrId,
		tracer: t,
	}
}

func (s *session) setState(st sessionState) {
	atomic.StoreInt32(&s.state, int32(st))
}

func (s *session) getState() sessionState {
	return sessionState(atomic.LoadInt32(&s.state))
}

// pollNotifFd blocks until the notify fd is readable. Closure of the
// filter (container exit) surfaces as a non-POLLIN revent and retires the
// session.
func pollNotifFd(fd int32) error {

	fds := []unix.PollFd{
		{Fd: fd, Events: unix.POLLIN},
	}

	if _, err := unix.Poll(fds, -1); err != nil {
		return err
	}

	if fds[0].Revents&unix.POLLIN == 0 {
		return errChannelClosed
	}

	return nil
}

// run is the session's receive loop. One notification is fully dispatched
// and responded to before the next one is read, so no two privileged
// actions for the same channel ever overlap. Returns once the session
// reaches the closed state.
func (s *session) run() {

	defer s.setState(sessionClosed)

	for {
		s.setState(sessionAwaiting)

		if err := s.tracer.pollFn(s.fd); err != nil {
			// As per signal(7), poll() isn't restartable by the kernel, so
			// its interruption must be handled manually.
			if err == syscall.EINTR {
				continue
			}
			logrus.Debugf("Retiring notify channel on fd %d, pid %d, cntr %s (%v)",
				s.fd, s.pid, s.cntrId, err)
			return
		}

		req, err := s.tracer.recvFn(s.fd)
		if err != nil {
			// ENOENT: the notification was claimed stale before we could
			// read it -- an expected race, keep receiving. Anything else is
			// a channel protocol error, fatal to this session only.
			if err == syscall.ENOENT || err == syscall.EINTR {
				continue
			}
			if err != errChannelClosed {
				logrus.Infof("Unexpected error during notif receive on fd %d, pid %d, cntr %s: %v",
					s.fd, s.pid, s.cntrId, err)
			}
			return
		}

		s.setState(sessionDispatching)
		resp := s.tracer.processSyscall(req, s.fd, s.cntrId)

		s.setState(sessionResponding)
		if err := s.tracer.respFn(s.fd, resp); err != nil {
			if err == syscall.ENOENT {
				// The kernel already discarded this request id; a benign
				// race, proceed to the next notification.
				logrus.Debugf("Response for stale req id %d discarded on fd %d, pid %d, cntr %s",
					resp.ID, s.fd, s.pid, s.cntrId)
				continue
			}
			logrus.Infof("Unexpected error during notif respond on fd %d, pid %d, cntr %s: %v",
				s.fd, s.pid, s.cntrId, err)
			return
		}
	}
}
