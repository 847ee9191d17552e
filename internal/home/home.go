package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	// DefaultDirName is the default name for the bindery home directory.
	DefaultDirName = ".bindery"

	// BlobDirName is the subdirectory for uploaded source files.
	BlobDirName = "blobs"

	// PostgresDirName is the data directory of the managed postgres container.
	PostgresDirName = "postgres"

	// DatabaseFileName is the SQLite database file.
	DatabaseFileName = "bindery.db"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// PidFileName records the running server's process id.
	PidFileName = "bindery.pid"
)

// Dir represents the bindery home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.bindery).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// BlobPath returns the local blob store root.
func (d *Dir) BlobPath() string {
	return filepath.Join(d.path, BlobDirName)
}

// PostgresPath returns the managed postgres data directory.
func (d *Dir) PostgresPath() string {
	return filepath.Join(d.path, PostgresDirName)
}

// DatabasePath returns the SQLite database file path.
func (d *Dir) DatabasePath() string {
	return filepath.Join(d.path, DatabaseFileName)
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// PidPath returns the server pid file path.
func (d *Dir) PidPath() string {
	return filepath.Join(d.path, PidFileName)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	// Creating the blob directory also creates the parent.
	if err := os.MkdirAll(d.BlobPath(), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}

// WritePid records the current process id.
func (d *Dir) WritePid() error {
	return os.WriteFile(d.PidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// RemovePid removes the pid file.
func (d *Dir) RemovePid() {
	_ = os.Remove(d.PidPath())
}

// RunningPid returns the pid of a live server using this home directory,
// or 0 when none is running. A stale pid file is removed.
func (d *Dir) RunningPid() (int, error) {
	data, err := os.ReadFile(d.PidPath())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file contents: %w", err)
	}
	if !processAlive(pid) {
		d.RemovePid()
		return 0, nil
	}
	return pid, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without sending a real signal.
	return proc.Signal(syscall.Signal(0)) == nil
}
