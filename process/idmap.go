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
	"strings"

	"github.com/lxcns/syscalld/domain"
)

// parseIDMapFile loads a /proc/pid/uid_map (or gid_map) table. Each line
// holds three decimal fields: ns-id, host-id, range.
func parseIDMapFile(path string) (domain.IDMap, error) {

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return parseIDMap(bufio.NewScanner(f))
}

func parseIDMap(s *bufio.Scanner) (domain.IDMap, error) {

	var m domain.IDMap

	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}

		var e domain.IDMapEntry
		n, err := fmt.Sscanf(line, "%d %d %d", &e.NsID, &e.HostID, &e.Range)
		if err != nil || n != 3 {
			return nil, fmt.Errorf("malformed id-map line %q", line)
		}

		m = append(m, e)
	}

	if err := s.Err(); err != nil {
		return nil, err
	}

	return m, nil
}
