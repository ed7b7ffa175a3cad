package execution

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultStorageRoot is where execution storage lives when no root is configured.
const DefaultStorageRoot = "./shinkai-tools-runner-execution-storage"

// Cache directory names under root/cache.
const (
	CacheDeno   = "deno"
	CachePython = "python-venv"
)

const logTimeFormat = "20060102_150405"

// Storage is the materialized filesystem layout for one run:
//
//	root/code/{code_id}-{rand}/...   guest source, entrypoint included
//	root/cache/{deno|python-venv}    kept across runs of the same context
//	root/logs/log_{context}_{execution}.log
//	root/home                        guest HOME
//	root/assets                      read-only container targets
//	root/mount                       read-write container targets
//
// where root is storage_root/sanitize(context_id).
type Storage struct {
	Root           string
	CodeDir        string
	EntrypointPath string
	CacheDir       string
	LogsDir        string
	LogFile        string
	HomeDir        string
	AssetsDir      string
	MountDir       string

	context Context
	files   CodeFiles
	logger  *slog.Logger

	cleanupOnce sync.Once
}

// NewStorage computes the layout for files under ectx. It does not touch disk.
// cache names the subdirectory of root/cache used by the interpreter.
func NewStorage(files CodeFiles, ectx Context, cache string, logger *slog.Logger) (*Storage, error) {
	storageRoot := ectx.StorageRoot
	if storageRoot == "" {
		storageRoot = DefaultStorageRoot
	}
	base, err := resolvePath(storageRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root %q: %w", storageRoot, err)
	}
	suffix, err := randomSuffix()
	if err != nil {
		return nil, fmt.Errorf("generating code directory suffix: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	root := filepath.Join(base, sanitizeName(ectx.ContextID))
	codeDir := filepath.Join(root, "code", sanitizeName(ectx.CodeID)+"-"+suffix)
	logsDir := filepath.Join(root, "logs")

	return &Storage{
		Root:           root,
		CodeDir:        codeDir,
		EntrypointPath: filepath.Join(codeDir, filepath.FromSlash(NormalizePath(files.Entrypoint))),
		CacheDir:       filepath.Join(root, "cache", cache),
		LogsDir:        logsDir,
		LogFile: filepath.Join(logsDir, fmt.Sprintf("log_%s_%s.log",
			sanitizeName(ectx.ContextID), sanitizeName(ectx.ExecutionID))),
		HomeDir:   filepath.Join(root, "home"),
		AssetsDir: filepath.Join(root, "assets"),
		MountDir:  filepath.Join(root, "mount"),
		context:   ectx,
		files:     files,
		logger:    logger,
	}, nil
}

// Context returns the execution context the layout was computed for.
func (s *Storage) Context() Context {
	return s.context
}

// Init creates every managed directory, writes the code files and an empty log
// file. With pristineCache the cache directory is emptied first.
func (s *Storage) Init(pristineCache bool) error {
	for _, dir := range []string{s.Root, s.CodeDir, s.CacheDir, s.LogsDir, s.HomeDir, s.AssetsDir, s.MountDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	for name, content := range s.files.Files {
		p := filepath.Join(s.CodeDir, filepath.FromSlash(NormalizePath(name)))
		if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
			return fmt.Errorf("creating directory for %s: %w", name, err)
		}
		if err := os.WriteFile(p, []byte(content), 0640); err != nil {
			return fmt.Errorf("writing code file %s: %w", name, err)
		}
	}

	f, err := os.OpenFile(s.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("creating log file %s: %w", s.LogFile, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing log file %s: %w", s.LogFile, err)
	}

	if pristineCache {
		if err := os.RemoveAll(s.CacheDir); err != nil {
			return fmt.Errorf("removing cache %s: %w", s.CacheDir, err)
		}
		if err := os.MkdirAll(s.CacheDir, 0750); err != nil {
			return fmt.Errorf("recreating cache %s: %w", s.CacheDir, err)
		}
	}
	return nil
}

// WriteEntrypoint replaces the materialized entrypoint file.
func (s *Storage) WriteEntrypoint(code string) error {
	if err := os.WriteFile(s.EntrypointPath, []byte(code), 0640); err != nil {
		return fmt.Errorf("writing entrypoint %s: %w", s.EntrypointPath, err)
	}
	return nil
}

// AppendLog appends one record to the run's log file. Every call opens the
// file, issues a single write and closes it.
func (s *Storage) AppendLog(line string) error {
	record := fmt.Sprintf("%s,%s,%s,%s,%s\n",
		time.Now().Format(logTimeFormat),
		s.context.ContextID,
		s.context.ExecutionID,
		s.context.CodeID,
		line,
	)
	f, err := os.OpenFile(s.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	_, werr := f.WriteString(record)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("appending log: %w", werr)
	}
	return cerr
}

// RelativeToRoot returns p relative to the storage root using forward slashes.
func (s *Storage) RelativeToRoot(p string) (string, error) {
	rel, err := filepath.Rel(s.Root, p)
	if err != nil {
		return "", fmt.Errorf("relativizing %s: %w", p, err)
	}
	return NormalizePath(rel), nil
}

// Cleanup removes the per-run code directory. It is safe to call more than
// once; failures are logged and not returned.
func (s *Storage) Cleanup() {
	s.cleanupOnce.Do(func() {
		if err := os.RemoveAll(s.CodeDir); err != nil {
			s.logger.Warn("failed to remove code directory",
				slog.String("dir", s.CodeDir),
				slog.String("error", err.Error()),
			)
		}
	})
}

// NormalizePath strips the Windows extended-length prefix and converts
// backslashes to forward slashes.
func NormalizePath(p string) string {
	p = strings.TrimPrefix(p, `\\?\`)
	return strings.ReplaceAll(p, `\`, "/")
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(p string) (string, error) {
	if strings.HasPrefix(p, "~/") || p == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, p[1:])
	}
	return filepath.Abs(p)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	name = strings.ReplaceAll(name, ":", "_")
	if name == "" {
		name = "_"
	}
	return name
}

func randomSuffix() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
