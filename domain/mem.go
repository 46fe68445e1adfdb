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

package domain

// MemParserDataElem describes one data element within a seccomp-tracee's
// address space to be read from, or written to.
type MemParserDataElem struct {
	Addr uint64 // mem address in tracee's address space
	Size int    // size of the data element to read / write
	Data []byte // data to write to tracee's address space
}

// MemParserIface defines the operations required to interact with
// seccomp-tracee processes to extract / inject state from / into their
// address spaces. All reads are bounds-checked per call; implementations
// must never assume the remote mappings stay stable between calls.
type MemParserIface interface {
	ReadSyscallStringArgs(pid uint32, elems []MemParserDataElem) ([]string, error)
	ReadSyscallBytesArgs(pid uint32, elems []MemParserDataElem) ([][]byte, error)
	WriteSyscallBytesArgs(pid uint32, elems []MemParserDataElem) error
}
