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

// Package ipc implements the local handoff transport over which the
// container runtime delivers seccomp notify descriptors to the daemon:
// one unix-socket connection per channel, carrying an init message with
// the tracee context plus the notify fd as SCM_RIGHTS ancillary data.
package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Server accepts handoff connections and runs the given handler on a
// dedicated goroutine per connection.
type Server struct {
	listener *net.UnixListener
	handler  func(*net.UnixConn)
}

func NewServer(addr string, handler func(*net.UnixConn)) (*Server, error) {

	if handler == nil {
		return nil, fmt.Errorf("invalid handler")
	}

	if err := os.MkdirAll(filepath.Dir(addr), 0700); err != nil {
		return nil, fmt.Errorf("failed to create socket dir for %s: %w", addr, err)
	}

	// Remove a stale socket file left behind by a previous instance.
	if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket %s: %w", addr, err)
	}

	listener, err := net.ListenUnix("unix",
		&net.UnixAddr{Name: addr, Net: "unix"})
	if err != nil {
		return nil, err
	}

	srv := &Server{
		listener: listener,
		handler:  handler,
	}

	go srv.run()

	return srv, nil
}

func (s *Server) run() {
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			logrus.Debugf("Handoff listener closing: %v", err)
			return
		}

		go s.handler(conn)
	}
}

func (s *Server) Close() error {
	return s.listener.Close()
}
