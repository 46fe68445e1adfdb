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
	"fmt"

	"github.com/lxcns/syscalld/domain"

	"golang.org/x/sys/unix"
)

// File contains memParser specialization logic to allow interaction with
// seccomp-tracees through a scatter-gather (IOvec) interface. This approach
// is the default one in kernels built with 'CONFIG_CROSS_MEMORY_ATTACH'
// flag enabled -- the usual case in most of the linux distros.

type memParserIOvec struct{}

// ReadSyscallStringArgs reads data from the tracee's address space to
// extract the string (null-terminated) arguments utilized by the traced
// syscall.
func (mp *memParserIOvec) ReadSyscallStringArgs(
	pid uint32,
	elems []domain.MemParserDataElem) ([]string, error) {

	result := make([]string, len(elems))

	for i, e := range elems {
		if e.Addr == 0 {
			result[i] = ""
			continue
		}

		dataBuf := make([]byte, e.Size)
		n, err := mp.readProcessMem(pid, dataBuf, e.Addr)
		if err != nil {
			return nil, err
		}

		// A short read near the end of a mapping is fine for strings; the
		// terminator just has to fall within the bytes obtained.
		result[i] = cString(dataBuf[:n])
	}

	return result, nil
}

// ReadSyscallBytesArgs reads arbitrary byte data from the tracee's address
// space to extract arguments utilized by the traced syscall.
func (mp *memParserIOvec) ReadSyscallBytesArgs(
	pid uint32,
	elems []domain.MemParserDataElem) ([][]byte, error) {

	result := make([][]byte, len(elems))

	for i, e := range elems {
		if e.Addr == 0 || e.Size == 0 {
			result[i] = []byte{}
			continue
		}

		dataBuf := make([]byte, e.Size)
		n, err := mp.readProcessMem(pid, dataBuf, e.Addr)
		if err != nil {
			return nil, err
		}

		// Fixed-size records must arrive whole; a partial read means the
		// tracee's buffer isn't fully mapped.
		if n != e.Size {
			return nil, fmt.Errorf("short read from mem of pid %d: got %d bytes, want %d",
				pid, n, e.Size)
		}

		result[i] = dataBuf
	}

	return result, nil
}

// WriteSyscallBytesArgs writes collected state (i.e. syscall responses)
// into the tracee's address space.
func (mp *memParserIOvec) WriteSyscallBytesArgs(
	pid uint32,
	elems []domain.MemParserDataElem) error {

	for _, e := range elems {
		if err := mp.writeProcessMem(pid, e.Addr, e.Data, e.Size); err != nil {
			return err
		}
	}

	return nil
}

// readProcessMem pulls up to len(local) bytes from the tracee's memory
// and returns the count obtained; a fault past the first byte yields a
// short read, a fault at the first byte an error.
func (mp *memParserIOvec) readProcessMem(pid uint32, local []byte, addr uint64) (int, error) {

	size := len(local)
	if size == 0 || addr == 0 {
		return 0, nil
	}

	localIov := []unix.Iovec{
		{
			Base: &local[0],
			Len:  uint64(size),
		},
	}

	remoteIov := []unix.RemoteIovec{
		{
			Base: uintptr(addr),
			Len:  size,
		},
	}

	// Read from the traced process' memory.
	n, err := unix.ProcessVMReadv(int(pid), localIov, remoteIov, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to read from mem of pid %d: %s", pid, err)
	} else if n > size {
		return 0, fmt.Errorf("read more bytes (%d) from mem of pid %d than expected (%d)",
			n, pid, size)
	}

	return n, nil
}

func (mp *memParserIOvec) writeProcessMem(pid uint32, addr uint64, data []byte, size int) error {

	if size == 0 || addr == 0 {
		return nil
	}

	data = data[:size]

	localIov := []unix.Iovec{
		{
			Base: &data[0],
			Len:  uint64(size),
		},
	}

	remoteIov := []unix.RemoteIovec{
		{
			Base: uintptr(addr),
			Len:  size,
		},
	}

	// Write to the traced process' memory.
	n, err := unix.ProcessVMWritev(int(pid), localIov, remoteIov, 0)
	if err != nil {
		return fmt.Errorf("failed to write to mem of pid %d: %s", pid, err)
	} else if n != size {
		return fmt.Errorf("failed to write %d bytes to mem of pid %d: wrote %d bytes only",
			size, pid, n)
	}

	return nil
}
