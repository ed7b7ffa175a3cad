// Package execution holds the identity of a tool execution and the on-disk
// layout its code is materialized into.
package execution

import (
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Context identifies one logical tool across its invocations together with the
// side-channel files it may touch.
type Context struct {
	ContextID   string   `json:"context_id" yaml:"context_id"`                       // Stable across calls to the same tool instance.
	ExecutionID string   `json:"execution_id" yaml:"execution_id"`                   // Empty = fresh id per run.
	CodeID      string   `json:"code_id" yaml:"code_id"`                             // Empty = fresh id per run.
	StorageRoot string   `json:"storage_root" yaml:"storage_root"`                   // Empty = DefaultStorageRoot.
	MountFiles  []string `json:"mount_files,omitempty" yaml:"mount_files,omitempty"` // Read-write files.
	AssetFiles  []string `json:"asset_files,omitempty" yaml:"asset_files,omitempty"` // Read-only files.
}

// NewID returns a new opaque unique identifier.
func NewID() string {
	return uuid.NewString()
}

// NewContext returns a Context with freshly generated identifiers.
func NewContext(storageRoot string) Context {
	return Context{
		ContextID:   NewID(),
		ExecutionID: NewID(),
		CodeID:      NewID(),
		StorageRoot: storageRoot,
	}
}

// ForRun returns the copy of c used by a single run. Missing identifiers are
// generated; the caller's Context is never mutated.
func (c Context) ForRun() Context {
	run := c
	if run.ContextID == "" {
		run.ContextID = NewID()
	}
	if run.ExecutionID == "" {
		run.ExecutionID = NewID()
	}
	if run.CodeID == "" {
		run.CodeID = NewID()
	}
	if run.StorageRoot == "" {
		run.StorageRoot = DefaultStorageRoot
	}
	run.MountFiles = append([]string(nil), c.MountFiles...)
	run.AssetFiles = append([]string(nil), c.AssetFiles...)
	return run
}

// CodeFiles is a guest source tree keyed by slash-separated relative path.
type CodeFiles struct {
	Files      map[string]string `json:"files" yaml:"files"`
	Entrypoint string            `json:"entrypoint" yaml:"entrypoint"`
}

// SingleFile builds a one-file tree whose only file is the entrypoint.
func SingleFile(name, code string) CodeFiles {
	return CodeFiles{
		Files:      map[string]string{name: code},
		Entrypoint: name,
	}
}

// Validate checks that the entrypoint exists and that no file escapes the code directory.
func (c CodeFiles) Validate() error {
	if c.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if _, ok := c.Files[c.Entrypoint]; !ok {
		return fmt.Errorf("entrypoint %q is not part of the code files", c.Entrypoint)
	}
	for name := range c.Files {
		clean := path.Clean(NormalizePath(name))
		if clean == "." || path.IsAbs(clean) || filepath.IsAbs(name) || clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("code file %q must be a relative path inside the code directory", name)
		}
	}
	return nil
}

// EntrypointCode returns the source of the entrypoint file.
func (c CodeFiles) EntrypointCode() string {
	return c.Files[c.Entrypoint]
}

// WithEntrypoint returns a copy of c whose entrypoint content is replaced.
func (c CodeFiles) WithEntrypoint(code string) CodeFiles {
	files := make(map[string]string, len(c.Files))
	for k, v := range c.Files {
		files[k] = v
	}
	files[c.Entrypoint] = code
	return CodeFiles{Files: files, Entrypoint: c.Entrypoint}
}

// RunResult is the guest's JSON return value.
type RunResult struct {
	Data        json.RawMessage `json:"data"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Backend     string          `json:"backend,omitempty"`
}
