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
	"sync"
)

// The notifPidTracker serializes notification processing per tracee
// thread: only one notif is handled per thread-id (pid) at any given
// time, even when the same pid is visible through more than one channel.

type notifPidTracker struct {
	mu       sync.RWMutex
	pidTable map[uint32]*pidData
}

type pidData struct {
	refcnt int
	mu     sync.Mutex
}

func newNotifPidTracker() *notifPidTracker {
	return &notifPidTracker{
		pidTable: make(map[uint32]*pidData),
	}
}

// track adds the given pid to the tracker's table of tracked pids.
func (t *notifPidTracker) track(pid uint32) *pidData {
	t.mu.Lock()
	defer t.mu.Unlock()

	pd, ok := t.pidTable[pid]
	if !ok {
		pd = &pidData{}
		t.pidTable[pid] = pd
	}
	pd.refcnt++

	return pd
}

// untrack drops one reference on the given pid, removing its entry once
// unreferenced.
func (t *notifPidTracker) untrack(pid uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pd, ok := t.pidTable[pid]
	if !ok {
		return
	}

	pd.refcnt--
	if pd.refcnt <= 0 {
		delete(t.pidTable, pid)
	}
}

// Lock acquires the per-pid lock; blocks while another notif for the same
// pid is in flight.
func (t *notifPidTracker) Lock(pid uint32) {
	pd := t.track(pid)
	pd.mu.Lock()
}

// Unlock releases the per-pid lock. Must be called after Lock().
func (t *notifPidTracker) Unlock(pid uint32) {
	t.mu.RLock()
	pd, ok := t.pidTable[pid]
	t.mu.RUnlock()
	if !ok {
		return
	}

	pd.mu.Unlock()
	t.untrack(pid)
}
