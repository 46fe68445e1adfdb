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
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/lxcns/syscalld/domain"
)

// File hosts memParser specialization logic to allow interaction with
// seccomp-tracees through the '/proc/pid/mem' interface. Note that this
// approach is expected to be less performant than the scatter-gather
// (IOvec) one, but is needed to support systems where that option is not
// available.

type memParserProcfs struct{}

// ReadSyscallStringArgs iterates through the tracee's /proc/pid/mem file to
// identify string (i.e., null-terminated) arguments utilized by the traced
// syscall. The tracee is blocked on the syscall for the whole read, but its
// sibling threads are not, so every read is independently bounded by the
// element size.
func (mp *memParserProcfs) ReadSyscallStringArgs(
	pid uint32,
	elems []domain.MemParserDataElem) ([]string, error) {

	if len(elems) == 0 {
		return nil, nil
	}

	name := fmt.Sprintf("/proc/%d/mem", pid)
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %s", name, err)
	}
	defer f.Close()

	result := make([]string, len(elems))
	reader := bufio.NewReader(f)

	for i, e := range elems {
		if e.Addr == 0 {
			result[i] = ""
			continue
		}

		reader.Reset(f)
		if _, err := f.Seek(int64(e.Addr), 0); err != nil {
			return nil, fmt.Errorf("seek of %s failed: %s", name, err)
		}

		// Bounded read: never pull more than the element size even if the
		// tracee never null-terminated the buffer.
		buf := make([]byte, e.Size)
		n, err := io.ReadFull(reader, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("read of %s at offset %d failed: %s",
				name, e.Addr, err)
		}

		result[i] = cString(buf[:n])
	}

	return result, nil
}

// ReadSyscallBytesArgs iterates through the tracee's /proc/pid/mem file to
// extract arbitrary byte data arguments utilized by the traced syscall.
func (mp *memParserProcfs) ReadSyscallBytesArgs(
	pid uint32,
	elems []domain.MemParserDataElem) ([][]byte, error) {

	if len(elems) == 0 {
		return nil, nil
	}

	name := fmt.Sprintf("/proc/%d/mem", pid)
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %s", name, err)
	}
	defer f.Close()

	result := make([][]byte, len(elems))
	reader := bufio.NewReader(f)

	for i, e := range elems {
		if e.Addr == 0 || e.Size == 0 {
			result[i] = []byte{}
			continue
		}

		reader.Reset(f)
		if _, err := f.Seek(int64(e.Addr), 0); err != nil {
			return nil, fmt.Errorf("seek of %s failed: %s", name, err)
		}

		// Read the number of bytes specified by "size" (exactly).
		byteData := make([]byte, e.Size)
		if _, err := io.ReadFull(reader, byteData); err != nil {
			return nil, fmt.Errorf("read of %s at offset %d with size %d failed: %s",
				name, e.Addr, e.Size, err)
		}

		result[i] = byteData
	}

	return result, nil
}

// WriteSyscallBytesArgs writes collected state (i.e. syscall responses)
// into the tracee's address space through its /proc/pid/mem file.
func (mp *memParserProcfs) WriteSyscallBytesArgs(
	pid uint32,
	elems []domain.MemParserDataElem) error {

	if len(elems) == 0 {
		return nil
	}

	name := fmt.Sprintf("/proc/%d/mem", pid)
	f, err := os.OpenFile(name, os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open %s: %s", name, err)
	}
	defer f.Close()

	for _, e := range elems {
		if e.Addr == 0 || e.Size == 0 {
			continue
		}

		data := e.Data[:e.Size]

		if _, err := f.Seek(int64(e.Addr), 0); err != nil {
			return fmt.Errorf("seek of %s failed: %s", name, err)
		}

		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("write of %s at offset %d with size %d failed: %s",
				name, e.Addr, e.Size, err)
		}
	}

	return nil
}
