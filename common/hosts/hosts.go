// Package hosts redirects a game host to the loopback address through the
// operating system hosts file.
package hosts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

const loopback = "127.0.0.1"

var (
	defaultPathOnce sync.Once
	defaultPath     string
)

// DefaultPath returns the platform hosts file. It is resolved once per process.
func DefaultPath() string {
	defaultPathOnce.Do(func() {
		if runtime.GOOS == "windows" {
			root := os.Getenv("SystemRoot")
			if root == "" {
				root = `C:\Windows`
			}
			defaultPath = filepath.Join(root, "System32", "drivers", "etc", "hosts")
			return
		}
		defaultPath = "/etc/hosts"
	})
	return defaultPath
}

// File edits one hosts file. Redirect and Reset hold the mutex and, where
// supported, an flock on the file for their whole read-modify-write cycle.
type File struct {
	mu   sync.Mutex
	path string

	// PurgeLoopback makes Reset also drop every line that starts with
	// 127.0.0.1, not only the lines naming the host. NewFile turns it on.
	PurgeLoopback bool
}

// NewFile returns an editor for path, or for DefaultPath when path is empty.
func NewFile(path string) *File {
	if path == "" {
		path = DefaultPath()
	}
	return &File{path: path, PurgeLoopback: true}
}

func (f *File) Path() string {
	return f.path
}

// EnforceHost creates the hosts file when it does not exist.
func (f *File) EnforceHost() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enforce()
}

func (f *File) enforce() error {
	file, err := os.OpenFile(f.path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("create hosts file %s: %w", f.path, err)
	}
	return file.Close()
}

// Redirect maps host and each of addrs to the loopback address. Nothing is
// written when the file already has a line mentioning one of addrs.
//
// Lines take the form "127.0.0.1\t\t<entry>\t\t#<host>[i/n]".
func (f *File) Redirect(host string, addrs []string) (err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.enforce(); err != nil {
		return err
	}
	unlock, err := lockFile(f.path)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, unlock()) }()

	lines, err := f.readLines()
	if err != nil {
		return err
	}
	for _, line := range lines {
		for _, addr := range addrs {
			if strings.Contains(line, addr) {
				return nil
			}
		}
	}

	entries := slices.Clone(addrs)
	if !slices.Contains(entries, host) {
		entries = append(entries, host)
	}
	for i, entry := range entries {
		lines = append(lines, fmt.Sprintf("%s\t\t%s\t\t#%s[%d/%d]", loopback, entry, host, i+1, len(entries)))
	}
	return f.writeLines(lines)
}

// Reset removes every line mentioning host. A missing file is not an error.
func (f *File) Reset(host string) (err error) {
	if host == "" {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	unlock, err := lockFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, unlock()) }()

	lines, err := f.readLines()
	if err != nil {
		return err
	}

	kept := lines[:0]
	for _, line := range lines {
		if strings.Contains(line, host) {
			continue
		}
		if f.PurgeLoopback && strings.HasPrefix(line, loopback) {
			continue
		}
		kept = append(kept, line)
	}
	return f.writeLines(kept)
}

// Lines returns the current contents split into lines.
func (f *File) Lines() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLines()
}

func (f *File) readLines() ([]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read hosts file: %w", err)
	}
	text := strings.TrimRight(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

func (f *File) writeLines(lines []string) error {
	newline := "\n"
	if runtime.GOOS == "windows" {
		newline = "\r\n"
	}
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteString(newline)
	}
	if err := os.WriteFile(f.path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write hosts file: %w", err)
	}
	return nil
}
