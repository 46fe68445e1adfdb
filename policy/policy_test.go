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

package policy

import (
	"testing"

	"github.com/lxcns/syscalld/domain"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	p := New()

	var deviceTests = []struct {
		name    string
		devType domain.DeviceType
		major   uint32
		minor   uint32
		want    bool
	}{
		{"dev-null", domain.DeviceChar, 1, 3, true},
		{"dev-zero", domain.DeviceChar, 1, 5, true},
		{"dev-fuse", domain.DeviceChar, 10, 229, true},
		{"dev-sda", domain.DeviceBlock, 8, 0, false},
		{"dev-mem", domain.DeviceChar, 1, 1, false},
		{"wrong type same numbers", domain.DeviceBlock, 1, 3, false},
	}

	for _, tt := range deviceTests {
		assert.Equal(t, tt.want,
			p.AllowedDevice(tt.devType, tt.major, tt.minor), tt.name)
	}

	assert.True(t, p.SyscallEnabled("mknod"))
	assert.True(t, p.SyscallEnabled("mknodat"))
	assert.True(t, p.SyscallEnabled("quotactl"))
	assert.False(t, p.SyscallEnabled("open"))

	assert.True(t, p.AllowedDevice(domain.DeviceFifo, 0, 0))
	assert.True(t, p.AllowedDevice(domain.DeviceSock, 0, 0))

	assert.Equal(t, defaultMaxSessions, p.MaxSessions())
}

func TestLoadPolicyFile(t *testing.T) {
	oldFs := AppFs
	AppFs = afero.NewMemMapFs()
	defer func() { AppFs = oldFs }()

	content := `
syscalls:
  - mknod
devices:
  - type: c
    major: 1
    minor: 3
  - type: b
    major: 8
    minor: 0
allow-fifos: false
max-sessions: 16
`
	require.NoError(t,
		afero.WriteFile(AppFs, "/etc/syscalld/policy.yaml", []byte(content), 0644))

	p, err := Load("/etc/syscalld/policy.yaml")
	require.NoError(t, err)

	assert.True(t, p.AllowedDevice(domain.DeviceChar, 1, 3))
	assert.True(t, p.AllowedDevice(domain.DeviceBlock, 8, 0))
	assert.False(t, p.AllowedDevice(domain.DeviceChar, 1, 5))

	assert.True(t, p.SyscallEnabled("mknod"))
	assert.False(t, p.SyscallEnabled("quotactl"))

	assert.False(t, p.AllowedDevice(domain.DeviceFifo, 0, 0))
	assert.True(t, p.AllowedDevice(domain.DeviceSock, 0, 0))

	assert.Equal(t, 16, p.MaxSessions())
}

func TestLoadEmptyPathYieldsDefaults(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	assert.True(t, p.AllowedDevice(domain.DeviceChar, 1, 3))
}

func TestLoadMissingFile(t *testing.T) {
	oldFs := AppFs
	AppFs = afero.NewMemMapFs()
	defer func() { AppFs = oldFs }()

	_, err := Load("/nonexistent.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidDeviceType(t *testing.T) {
	oldFs := AppFs
	AppFs = afero.NewMemMapFs()
	defer func() { AppFs = oldFs }()

	content := `
devices:
  - type: x
    major: 1
    minor: 3
`
	require.NoError(t,
		afero.WriteFile(AppFs, "/policy.yaml", []byte(content), 0644))

	_, err := Load("/policy.yaml")
	assert.Error(t, err)
}

func TestLoadMalformedYaml(t *testing.T) {
	oldFs := AppFs
	AppFs = afero.NewMemMapFs()
	defer func() { AppFs = oldFs }()

	require.NoError(t,
		afero.WriteFile(AppFs, "/policy.yaml", []byte("devices: [[["), 0644))

	_, err := Load("/policy.yaml")
	assert.Error(t, err)
}
