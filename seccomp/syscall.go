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
	"syscall"

	"github.com/lxcns/syscalld/domain"

	"github.com/sirupsen/logrus"
)

// outcomeKind classifies the result of one emulated syscall. Exactly one
// outcome is produced per notification.
type outcomeKind int

const (
	// outcomeSuccess: the privileged action was performed; val is the
	// syscall return value handed to the tracee.
	outcomeSuccess outcomeKind = iota

	// outcomeFailure: the request was understood but denied or failed;
	// errno is delivered to the tracee and no action was taken (or the
	// action itself failed).
	outcomeFailure

	// outcomeContinue: the kernel executes the original syscall with its
	// default treatment; no emulation happens.
	outcomeContinue

	// outcomeInvalid: the request id went stale before the commit point;
	// the privileged action was NOT performed. Distinct from failure: the
	// tracee is gone, nobody sees the response.
	outcomeInvalid
)

// outcome is the handler-level result, converted by the session into the
// kernel's notify-response record.
type outcome struct {
	kind  outcomeKind
	val   uint64
	errno syscall.Errno
}

func successOutcome(val uint64) outcome {
	return outcome{kind: outcomeSuccess, val: val}
}

func failureOutcome(errno syscall.Errno) outcome {
	return outcome{kind: outcomeFailure, errno: errno}
}

func continueOutcome() outcome {
	return outcome{kind: outcomeContinue}
}

func invalidOutcome() outcome {
	return outcome{kind: outcomeInvalid}
}

// failureFromError coerces an arbitrary error into a failure outcome,
// defaulting to EINVAL for non-errno errors surfacing at the handler
// boundary.
func failureFromError(err error) outcome {

	switch err {
	case domain.ErrEscape:
		// A containment escape is reported to the tracee as a plain access
		// denial; the details stay in our log.
		return failureOutcome(syscall.EACCES)
	case domain.ErrTooManySymlinks:
		return failureOutcome(syscall.ELOOP)
	case domain.ErrPolicyDenied:
		return failureOutcome(syscall.EPERM)
	}

	if errno, ok := err.(syscall.Errno); ok {
		return failureOutcome(errno)
	}

	return failureOutcome(syscall.EINVAL)
}

// syscallCtx carries the generic state shared by every handler
// invocation.
type syscallCtx struct {
	syscallName string
	reqId       uint64              // id associated to the syscall request
	pid         uint32              // pid of the process generating the syscall
	cntrId      string              // container the notify channel belongs to
	fd          int32               // notify fd the request arrived on
	tracer      *syscallTracer      // backpointer to the owning tracer
	process     domain.ProcessIface // caller identity snapshot
}

// commitLive re-confirms the request id immediately before a privileged
// action. Handlers must call it exactly once, at the last point before
// mutating kernel or filesystem state; a false return means the request
// went stale and the action must not happen.
func (s *syscallCtx) commitLive() bool {

	if err := s.tracer.idValidFn(s.fd, s.reqId); err != nil {
		logrus.Debugf("Liveness check failed on fd %d pid %d cntr %s: req id %d no longer valid (%v)",
			s.fd, s.pid, s.cntrId, s.reqId, err)
		return false
	}

	return true
}
