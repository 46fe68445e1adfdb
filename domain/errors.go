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

import "errors"

// Error taxonomy shared across the notification pipeline. Only
// ErrProtocol and irrecoverable channel i/o terminate a session; every
// other error resolves into a syscall response and the session continues.
var (
	// ErrProtocol flags malformed or unexpected data arriving over the
	// handoff socket; fatal to the owning connection only.
	ErrProtocol = errors.New("seccomp channel protocol error")

	// Path-resolution failures.
	ErrEscape          = errors.New("path escapes the process root")
	ErrTooManySymlinks = errors.New("too many levels of symbolic links")

	// ErrPolicyDenied flags an argument combination outside the configured
	// allow-lists.
	ErrPolicyDenied = errors.New("request denied by policy")
)
