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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIDMap(t *testing.T) {
	content := `
         0     100000       1000
      2000     202000        500
`
	m, err := parseIDMap(bufio.NewScanner(strings.NewReader(content)))
	require.NoError(t, err)
	require.Len(t, m, 2)

	assert.Equal(t, uint32(0), m[0].NsID)
	assert.Equal(t, uint32(100000), m[0].HostID)
	assert.Equal(t, uint32(1000), m[0].Range)

	// Forward translation.
	hostID, ok := m.HostID(42)
	assert.True(t, ok)
	assert.Equal(t, uint32(100042), hostID)

	hostID, ok = m.HostID(2100)
	assert.True(t, ok)
	assert.Equal(t, uint32(202100), hostID)

	// Outside every interval.
	_, ok = m.HostID(1500)
	assert.False(t, ok)

	// Reverse translation.
	nsID, ok := m.NsID(100042)
	assert.True(t, ok)
	assert.Equal(t, uint32(42), nsID)

	_, ok = m.NsID(99999)
	assert.False(t, ok)
}

func TestParseIDMapIdentity(t *testing.T) {
	// The host-level table: full-range identity mapping.
	content := "0 0 4294967295\n"

	m, err := parseIDMap(bufio.NewScanner(strings.NewReader(content)))
	require.NoError(t, err)
	require.Len(t, m, 1)

	hostID, ok := m.HostID(12345)
	assert.True(t, ok)
	assert.Equal(t, uint32(12345), hostID)
}

func TestParseIDMapMalformed(t *testing.T) {
	var malformedTests = []string{
		"0 100000",
		"a b c",
	}

	for _, content := range malformedTests {
		_, err := parseIDMap(bufio.NewScanner(strings.NewReader(content)))
		assert.Error(t, err, content)
	}
}

func TestParseIDMapFileSelf(t *testing.T) {
	m, err := parseIDMapFile("/proc/self/uid_map")
	require.NoError(t, err)
	assert.NotEmpty(t, m)
}
