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

package credentials

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteToDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")

	creds := Credentials{
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "secret",
		SessionToken:    "token",
		Expiration:      time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}

	if err := WriteToDisk(path, creds, 0640); err != nil {
		t.Fatalf("WriteToDisk() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if mode := info.Mode() & os.ModePerm; mode != 0640 {
		t.Errorf("file mode = %04o, want 0640", mode)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var payload fileCredentials
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if payload.AccessKeyID != creds.AccessKeyID {
		t.Errorf("AccessKeyId = %q, want %q", payload.AccessKeyID, creds.AccessKeyID)
	}
	if payload.Version != 1 {
		t.Errorf("Version = %d, want 1", payload.Version)
	}
}

func TestWriteToDisk_OverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")

	first := Credentials{AccessKeyID: "first", Expiration: time.Now()}
	second := Credentials{AccessKeyID: "second", Expiration: time.Now()}

	if err := WriteToDisk(path, first, 0600); err != nil {
		t.Fatalf("WriteToDisk(first) error = %v", err)
	}
	if err := WriteToDisk(path, second, 0600); err != nil {
		t.Fatalf("WriteToDisk(second) error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var payload fileCredentials
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if payload.AccessKeyID != "second" {
		t.Errorf("AccessKeyId = %q, want %q (overwrite did not take)", payload.AccessKeyID, "second")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected exactly one file left in %s, found %d (temp file not cleaned up)", dir, len(entries))
	}
}

func TestWriteCredentialProcessScript(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "credential_process.sh")
	credsPath := filepath.Join(dir, "credentials.json")

	if err := WriteCredentialProcessScript(scriptPath, credsPath); err != nil {
		t.Fatalf("WriteCredentialProcessScript() error = %v", err)
	}

	info, err := os.Stat(scriptPath)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if mode := info.Mode() & os.ModePerm; mode != 0750 {
		t.Errorf("script mode = %04o, want 0750", mode)
	}

	data, err := os.ReadFile(scriptPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), credsPath) {
		t.Errorf("script does not reference credentials path: %s", data)
	}
}
