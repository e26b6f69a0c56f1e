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

// Package attachment defines the contract for syncing job input/output
// attachments (typically backed by an object store) to and from the
// session's local working directory. Like interpreter, the worker agent
// depends only on this interface; a concrete storage-backed
// implementation is supplied by the deployment.
package attachment

import "context"

// Manifest describes a set of files to be synced into or out of a
// session's local filesystem.
type Manifest struct {
	JobID   string
	Entries []Entry
}

// Entry is a single file reference within a Manifest.
type Entry struct {
	RemotePath string
	LocalPath  string
	SizeBytes  int64
	Checksum   string
}

// Syncer moves attachment content between the dispatch service's storage
// and the local filesystem.
type Syncer interface {
	// SyncInputs downloads every Entry in manifest to its LocalPath.
	SyncInputs(ctx context.Context, manifest Manifest) error
	// SyncOutputs uploads local output files back to the job's storage
	// location, returning the manifest of what was actually uploaded.
	SyncOutputs(ctx context.Context, jobID string, localPaths []string) (Manifest, error)
}
