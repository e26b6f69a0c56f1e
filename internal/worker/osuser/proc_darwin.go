// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build darwin

package osuser

import (
	"os/exec"
	"strconv"
	"strings"
)

// processesForUID shells out to `ps` to list processes owned by uid,
// since Darwin has no /proc filesystem.
func processesForUID(uid int) ([]int, error) {
	out, err := exec.Command("ps", "-axo", "pid=,uid=").Output()
	if err != nil {
		return nil, err
	}

	var pids []int
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ownerUID, err := strconv.Atoi(fields[1])
		if err != nil || ownerUID != uid {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}
