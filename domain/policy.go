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

// DeviceType identifies the node type of a mknod request.
type DeviceType byte

const (
	DeviceChar  DeviceType = 'c'
	DeviceBlock DeviceType = 'b'
	DeviceFifo  DeviceType = 'p'
	DeviceSock  DeviceType = 's'
)

// PolicyIface gates every emulated action against the daemon's configured
// allow-lists. The policy is immutable once loaded.
type PolicyIface interface {
	// AllowedDevice tells whether a mknod request for the given node type
	// and major/minor pair may be serviced.
	AllowedDevice(devType DeviceType, major uint32, minor uint32) bool

	// SyscallEnabled tells whether the named syscall is emulated at all;
	// disabled syscalls get the kernel's default (continue) treatment.
	SyscallEnabled(name string) bool

	// MaxSessions bounds the number of concurrently serviced notify
	// channels.
	MaxSessions() int
}
