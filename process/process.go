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

package process

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/lxcns/syscalld/domain"

	"golang.org/x/sys/unix"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

type processService struct{}

func NewProcessService() domain.ProcessServiceIface {
	return &processService{}
}

func (ps *processService) ProcessCreate(
	pid uint32,
	uid uint32,
	gid uint32) domain.ProcessIface {

	return &process{
		pid:    pid,
		uid:    uid,
		gid:    gid,
		rootFd: -1,
		cwdFd:  -1,
	}
}

type process struct {
	pid      uint32       // process id
	uid      uint32       // effective uid
	gid      uint32       // effective gid
	sgid     []int        // supplementary groups
	cap      *cap.Set     // process capabilities
	status   bool         // /proc/pid/status parsed
	rootFd   int          // O_PATH fd over /proc/pid/root
	cwdFd    int          // O_PATH fd over /proc/pid/cwd
	extraFds []int        // O_PATH fds over /proc/pid/fd/N anchors
	uidMap   domain.IDMap // user-ns uid mapping table
	gidMap   domain.IDMap // user-ns gid mapping table
}

func (p *process) Pid() uint32 {
	return p.pid
}

func (p *process) Uid() uint32 {
	if !p.status {
		_ = p.getInfo()
	}
	return p.uid
}

func (p *process) Gid() uint32 {
	if !p.status {
		_ = p.getInfo()
	}
	return p.gid
}

// RootFd returns (opening it on first use) an O_PATH descriptor over the
// process' root dir. The magic /proc/pid/root link is dereferenced exactly
// once; from then on the anchor is immune to the tracee chroot'ing or
// dying.
func (p *process) RootFd() (int, error) {

	if p.rootFd >= 0 {
		return p.rootFd, nil
	}

	fd, err := openAnchor(fmt.Sprintf("/proc/%d/root", p.pid))
	if err != nil {
		return -1, err
	}
	p.rootFd = fd

	return fd, nil
}

// CwdFd returns (opening it on first use) an O_PATH descriptor over the
// process' current working dir.
func (p *process) CwdFd() (int, error) {

	if p.cwdFd >= 0 {
		return p.cwdFd, nil
	}

	fd, err := openAnchor(fmt.Sprintf("/proc/%d/cwd", p.pid))
	if err != nil {
		return -1, err
	}
	p.cwdFd = fd

	return fd, nil
}

// FdPathFd captures an O_PATH descriptor over one of the process' own open
// descriptors (for *at() syscalls carrying a dirfd argument).
func (p *process) FdPathFd(fd int32) (int, error) {

	anchor, err := openAnchor(fmt.Sprintf("/proc/%d/fd/%d", p.pid, fd))
	if err != nil {
		return -1, err
	}
	p.extraFds = append(p.extraFds, anchor)

	return anchor, nil
}

// Release closes every anchor descriptor captured for this process.
func (p *process) Release() {

	if p.rootFd >= 0 {
		unix.Close(p.rootFd)
		p.rootFd = -1
	}
	if p.cwdFd >= 0 {
		unix.Close(p.cwdFd)
		p.cwdFd = -1
	}
	for _, fd := range p.extraFds {
		unix.Close(fd)
	}
	p.extraFds = nil
}

func openAnchor(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return fd, nil
}

func (p *process) IsSysAdminCapabilitySet() bool {
	return p.isCapabilitySet(cap.SYS_ADMIN)
}

func (p *process) IsMknodCapabilitySet() bool {
	return p.isCapabilitySet(cap.MKNOD)
}

func (p *process) IsDacOverrideCapabilitySet() bool {
	return p.isCapabilitySet(cap.DAC_OVERRIDE)
}

// isCapabilitySet checks an effective capability of the tracee. Note that
// the check is done against the tracee's own user-ns view: a container
// root holding the capability within its namespace passes, which is
// precisely the bar the emulated syscalls must clear (the policy layer
// takes care of the rest).
func (p *process) isCapabilitySet(what cap.Value) bool {

	if p.cap == nil {
		c, err := cap.GetPID(int(p.pid))
		if err != nil {
			return false
		}
		p.cap = c
	}

	set, err := p.cap.GetFlag(cap.Effective, what)
	if err != nil {
		return false
	}

	return set
}

func (p *process) UidMap() (domain.IDMap, error) {

	if p.uidMap == nil {
		m, err := parseIDMapFile(fmt.Sprintf("/proc/%d/uid_map", p.pid))
		if err != nil {
			return nil, err
		}
		p.uidMap = m
	}

	return p.uidMap, nil
}

func (p *process) GidMap() (domain.IDMap, error) {

	if p.gidMap == nil {
		m, err := parseIDMapFile(fmt.Sprintf("/proc/%d/gid_map", p.pid))
		if err != nil {
			return nil, err
		}
		p.gidMap = m
	}

	return p.gidMap, nil
}

// getInfo retrieves the process' credential snapshot from its
// /proc/pid/status file.
func (p *process) getInfo() error {

	space := regexp.MustCompile(`\s+`)

	status, err := getStatus(p.pid, []string{"Uid", "Gid", "Groups"})
	if err != nil {
		return err
	}

	// effective uid
	str := strings.TrimSpace(space.ReplaceAllString(status["Uid"], " "))
	uids := strings.Split(str, " ")
	if len(uids) != 4 {
		return fmt.Errorf("invalid uid status: %+v", uids)
	}
	euid, err := strconv.Atoi(uids[1])
	if err != nil {
		return err
	}

	// effective gid
	str = strings.TrimSpace(space.ReplaceAllString(status["Gid"], " "))
	gids := strings.Split(str, " ")
	if len(gids) != 4 {
		return fmt.Errorf("invalid gid status: %+v", gids)
	}
	egid, err := strconv.Atoi(gids[1])
	if err != nil {
		return err
	}

	// supplementary groups
	sgid := []int{}
	str = strings.TrimSpace(space.ReplaceAllString(status["Groups"], " "))
	for _, g := range strings.Split(str, " ") {
		if g == "" {
			continue
		}
		val, err := strconv.Atoi(g)
		if err != nil {
			return err
		}
		sgid = append(sgid, val)
	}

	p.uid = uint32(euid)
	p.gid = uint32(egid)
	p.sgid = sgid
	p.status = true

	return nil
}

// getStatus retrieves process status info obtained from the
// /proc/[pid]/status file.
func getStatus(pid uint32, fields []string) (map[string]string, error) {

	filename := fmt.Sprintf("/proc/%d/status", pid)
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	status := make(map[string]string)

	s := bufio.NewScanner(f)
	for s.Scan() {
		parts := strings.SplitN(s.Text(), ":", 2)
		if len(parts) < 1 {
			continue
		}

		for _, field := range fields {
			if parts[0] == field {
				if len(parts) > 1 {
					status[field] = parts[1]
				} else {
					status[field] = ""
				}
			}
		}
	}

	if err := s.Err(); err != nil {
		return nil, err
	}

	return status, nil
}
