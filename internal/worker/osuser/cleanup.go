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

// Package osuser terminates any processes left running under a session's
// dedicated OS user account once the session ends, so a misbehaving
// render job cannot leak processes into the next session assigned to the
// same account.
package osuser

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"
)

// CleanupConfig controls how aggressively Cleanup terminates leftover
// processes.
type CleanupConfig struct {
	GracePeriod time.Duration
	Logger      *slog.Logger
}

// Cleanup signals every process currently running under uid (other than
// the calling process's own account, which is never targeted) first with
// SIGTERM, then after cfg.GracePeriod with SIGKILL for any survivors.
func Cleanup(uid int, cfg CleanupConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if uid == os.Getuid() {
		return fmt.Errorf("refusing to clean up processes for the worker agent's own uid %d", uid)
	}

	pids, err := processesForUID(uid)
	if err != nil {
		return fmt.Errorf("listing processes for uid %d: %w", uid, err)
	}
	if len(pids) == 0 {
		return nil
	}

	cfg.Logger.Warn("terminating leftover session processes", slog.Int("uid", uid), slog.Int("count", len(pids)))

	for _, pid := range pids {
		signalPID(pid, syscall.SIGTERM)
	}

	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	deadline := time.Now().Add(cfg.GracePeriod)
	for time.Now().Before(deadline) {
		remaining, err := processesForUID(uid)
		if err != nil || len(remaining) == 0 {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	remaining, err := processesForUID(uid)
	if err != nil {
		return fmt.Errorf("re-listing processes for uid %d: %w", uid, err)
	}
	for _, pid := range remaining {
		cfg.Logger.Warn("forcibly killing session process that ignored SIGTERM", slog.Int("pid", pid))
		signalPID(pid, syscall.SIGKILL)
	}

	return nil
}

func signalPID(pid int, sig syscall.Signal) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = proc.Signal(sig)
}
