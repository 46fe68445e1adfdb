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

package mem

import (
	"bytes"
	"syscall"

	"github.com/lxcns/syscalld/domain"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// NewMemParser elects the parser implementation to utilize for tracee
// interactions based on the availability of the process_vm_readv() syscall:
// the scatter-gather (iovec) interface when present, the /proc/pid/mem
// fallback otherwise.
func NewMemParser() domain.MemParserIface {

	_, err := unix.ProcessVMReadv(1, nil, nil, 0)
	if err == syscall.ENOSYS {
		logrus.Info("Procfs memParser elected")
		return &memParserProcfs{}
	}

	logrus.Info("IOvec memParser elected")
	return &memParserIOvec{}
}

// cString truncates buf at its first null byte. The tracee controls the
// buffer contents, so an unterminated buffer simply yields the full
// (bounded) read.
func cString(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return string(buf[:i])
	}
	return string(buf)
}
