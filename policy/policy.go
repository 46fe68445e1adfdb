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

// Package policy holds the daemon's allow-lists: which syscalls are
// emulated at all, which device nodes a container may create, and the
// session concurrency cap. The policy is compiled once at startup into
// immutable lookup structures; queries never take locks.
package policy

import (
	"fmt"

	"github.com/lxcns/syscalld/domain"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// AppFs is the filesystem the policy file is read through; tests swap in
// an afero.MemMapFs.
var AppFs = afero.NewOsFs()

const defaultMaxSessions = 512

// The default device allow-list matches the set of nodes a container
// runtime pre-populates in /dev: creating more of these inside the
// container is harmless, anything else is not our call to make.
var defaultDevices = []DeviceRule{
	{Type: "c", Major: 1, Minor: 3},  // /dev/null
	{Type: "c", Major: 1, Minor: 5},  // /dev/zero
	{Type: "c", Major: 1, Minor: 7},  // /dev/full
	{Type: "c", Major: 1, Minor: 8},  // /dev/random
	{Type: "c", Major: 1, Minor: 9},  // /dev/urandom
	{Type: "c", Major: 5, Minor: 0},  // /dev/tty
	{Type: "c", Major: 5, Minor: 1},  // /dev/console
	{Type: "c", Major: 5, Minor: 2},  // /dev/ptmx
	{Type: "c", Major: 10, Minor: 229}, // /dev/fuse
}

var defaultSyscalls = []string{"mknod", "mknodat", "quotactl"}

// DeviceRule is one entry of the device allow-list as expressed in the
// policy file.
type DeviceRule struct {
	Type  string `yaml:"type"` // "c" (char) or "b" (block)
	Major uint32 `yaml:"major"`
	Minor uint32 `yaml:"minor"`
}

// configFile mirrors the on-disk policy layout. Absent sections fall back
// to the built-in defaults above.
type configFile struct {
	Syscalls    []string     `yaml:"syscalls"`
	Devices     []DeviceRule `yaml:"devices"`
	AllowFifos  *bool        `yaml:"allow-fifos"`
	AllowSocks  *bool        `yaml:"allow-sockets"`
	MaxSessions int          `yaml:"max-sessions"`
}

type policy struct {
	devices     *iradix.Tree // allow-listed devices, keyed "<type>/<major>/<minor>"
	syscalls    map[string]struct{}
	allowFifos  bool
	allowSocks  bool
	maxSessions int
}

// New builds the default policy.
func New() domain.PolicyIface {
	return build(&configFile{})
}

// Load reads a policy file and compiles it. An empty path yields the
// default policy.
func Load(path string) (domain.PolicyIface, error) {

	if path == "" {
		return New(), nil
	}

	data, err := afero.ReadFile(AppFs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	var cfg configFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}

	for _, d := range cfg.Devices {
		if d.Type != "c" && d.Type != "b" {
			return nil, fmt.Errorf("invalid device type %q in policy file %s",
				d.Type, path)
		}
	}

	return build(&cfg), nil
}

func build(cfg *configFile) domain.PolicyIface {

	devices := cfg.Devices
	if devices == nil {
		devices = defaultDevices
	}

	tree := iradix.New()
	txn := tree.Txn()
	for _, d := range devices {
		txn.Insert(deviceKey(domain.DeviceType(d.Type[0]), d.Major, d.Minor),
			d)
	}
	tree = txn.Commit()

	syscalls := cfg.Syscalls
	if syscalls == nil {
		syscalls = defaultSyscalls
	}
	sysmap := make(map[string]struct{}, len(syscalls))
	for _, s := range syscalls {
		sysmap[s] = struct{}{}
	}

	p := &policy{
		devices:     tree,
		syscalls:    sysmap,
		allowFifos:  cfg.AllowFifos == nil || *cfg.AllowFifos,
		allowSocks:  cfg.AllowSocks == nil || *cfg.AllowSocks,
		maxSessions: cfg.MaxSessions,
	}
	if p.maxSessions <= 0 {
		p.maxSessions = defaultMaxSessions
	}

	logrus.Debugf("Loaded policy: %d devices, %d syscalls, %d max sessions",
		tree.Len(), len(sysmap), p.maxSessions)

	return p
}

func deviceKey(devType domain.DeviceType, major, minor uint32) []byte {
	return []byte(fmt.Sprintf("%c/%d/%d", devType, major, minor))
}

func (p *policy) AllowedDevice(devType domain.DeviceType, major, minor uint32) bool {

	switch devType {
	case domain.DeviceFifo:
		return p.allowFifos
	case domain.DeviceSock:
		return p.allowSocks
	}

	_, found := p.devices.Get(deviceKey(devType, major, minor))
	return found
}

func (p *policy) SyscallEnabled(name string) bool {
	_, found := p.syscalls[name]
	return found
}

func (p *policy) MaxSessions() int {
	return p.maxSessions
}
