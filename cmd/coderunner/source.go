package main

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jkaninda/coderunner/internal/execution"
	"github.com/jkaninda/coderunner/internal/sandbox"
	"github.com/jkaninda/coderunner/internal/tool"
)

// Entrypoint names looked up when a directory is given without --entry.
var defaultEntrypoints = []string{"index.ts", "main.py", "index.js", "main.ts"}

// loadCode reads a single file or a directory tree into CodeFiles. Hidden
// files and directories are skipped. entry is relative to a directory; for a
// single file it overrides the file name.
func loadCode(path, entry string) (execution.CodeFiles, error) {
	info, err := os.Stat(path)
	if err != nil {
		return execution.CodeFiles{}, fmt.Errorf("reading code: %w", err)
	}

	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return execution.CodeFiles{}, fmt.Errorf("reading code: %w", err)
		}
		name := filepath.Base(path)
		if entry != "" {
			name = entry
		}
		return execution.SingleFile(name, string(data)), nil
	}

	files := make(map[string]string)
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != path && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return execution.CodeFiles{}, fmt.Errorf("walking %s: %w", path, err)
	}

	if entry == "" {
		for _, candidate := range defaultEntrypoints {
			if _, ok := files[candidate]; ok {
				entry = candidate
				break
			}
		}
		if entry == "" {
			return execution.CodeFiles{}, fmt.Errorf("no entrypoint found in %s (use --entry)", path)
		}
	}

	code := execution.CodeFiles{Files: files, Entrypoint: filepath.ToSlash(entry)}
	if err := code.Validate(); err != nil {
		return execution.CodeFiles{}, err
	}
	return code, nil
}

// jsonArg accepts inline JSON or @path to a JSON file. Empty yields nil.
func jsonArg(name, value string) (json.RawMessage, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	data := []byte(value)
	if strings.HasPrefix(value, "@") {
		var err error
		data, err = os.ReadFile(value[1:])
		if err != nil {
			return nil, fmt.Errorf("--%s: %w", name, err)
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("--%s is not valid JSON", name)
	}
	return json.RawMessage(data), nil
}

// parseEnv turns KEY=VALUE pairs into a map.
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q (want KEY=VALUE)", pair)
		}
		env[k] = v
	}
	return env, nil
}

// Manifest describes a run in YAML, as an alternative to flags.
//
//	code: ./tools/weather
//	entrypoint: index.ts
//	configurations: {apiKey: abc}
//	parameters: {city: Paris}
//	env: {DEBUG: "1"}
//	mount_files: [./data.csv]
//	timeout: 30s
type Manifest struct {
	Language       string            `yaml:"language"`
	Code           string            `yaml:"code"`  // File or directory, relative to the manifest.
	Files          map[string]string `yaml:"files"` // Inline sources; used when code is empty.
	Entrypoint     string            `yaml:"entrypoint"`
	Configurations any               `yaml:"configurations"`
	Parameters     any               `yaml:"parameters"`
	Env            map[string]string `yaml:"env"`
	ContextID      string            `yaml:"context_id"`
	ExecutionID    string            `yaml:"execution_id"`
	CodeID         string            `yaml:"code_id"`
	MountFiles     []string          `yaml:"mount_files"`
	AssetFiles     []string          `yaml:"asset_files"`
	Timeout        string            `yaml:"timeout"`
	Backend        string            `yaml:"backend"`
	PristineCache  bool              `yaml:"pristine_cache"`
}

// loadManifest reads and resolves a manifest into a tool request.
func loadManifest(path string) (tool.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tool.Request{}, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return tool.Request{}, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	return m.request(filepath.Dir(path))
}

func (m Manifest) request(baseDir string) (tool.Request, error) {
	var req tool.Request

	switch {
	case m.Code != "":
		code, err := loadCode(resolveRelative(baseDir, m.Code), m.Entrypoint)
		if err != nil {
			return req, err
		}
		req.Code = code
	case len(m.Files) > 0:
		req.Code = execution.CodeFiles{Files: m.Files, Entrypoint: m.Entrypoint}
		if err := req.Code.Validate(); err != nil {
			return req, err
		}
	default:
		return req, fmt.Errorf("manifest needs code or files")
	}

	if m.Language != "" {
		lang, err := tool.ParseLanguage(m.Language)
		if err != nil {
			return req, err
		}
		req.Language = lang
	}

	var err error
	if req.Configurations, err = toJSON("configurations", m.Configurations); err != nil {
		return req, err
	}
	if req.Parameters, err = toJSON("parameters", m.Parameters); err != nil {
		return req, err
	}
	req.Env = m.Env

	req.Context = execution.Context{
		ContextID:   m.ContextID,
		ExecutionID: m.ExecutionID,
		CodeID:      m.CodeID,
	}
	for _, f := range m.MountFiles {
		req.Context.MountFiles = append(req.Context.MountFiles, resolveRelative(baseDir, f))
	}
	for _, f := range m.AssetFiles {
		req.Context.AssetFiles = append(req.Context.AssetFiles, resolveRelative(baseDir, f))
	}

	if m.Timeout != "" {
		d, err := time.ParseDuration(m.Timeout)
		if err != nil {
			return req, fmt.Errorf("manifest timeout: %w", err)
		}
		req.Timeout = d
	}
	if m.Backend != "" {
		b, err := sandbox.ParseBackend(m.Backend)
		if err != nil {
			return req, err
		}
		req.Backend = b
	}
	req.PristineCache = m.PristineCache
	return req, nil
}

func toJSON(name string, v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", name, err)
	}
	return data, nil
}

func resolveRelative(baseDir, p string) string {
	if filepath.IsAbs(p) || strings.HasPrefix(p, "~") {
		return p
	}
	return filepath.Join(baseDir, p)
}
