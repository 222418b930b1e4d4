// Package mhl writes ASC-MHL v2.0 manifests. The manifest on disk is
// well-formed XML after every append: each AddEntry re-serializes the whole
// document and fsyncs it. A full rewrite per entry is fine at media-transfer
// file counts (hundreds to low thousands). The rewrite truncates and refills
// the file in place; it is not staged through a temporary file.
package mhl

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

const (
	manifestVersion   = "2.0"
	manifestNamespace = "urn:ASC:MHL:v2.0"

	toolName = "TransferBox"
)

var (
	ErrEmptySessionName = errors.New("session name cannot be empty")
	ErrEmptyChecksum    = errors.New("valid checksum is required")
	ErrInvalidFileSize  = errors.New("file size must be positive")
	ErrFileMissing      = errors.New("file does not exist")
)

// Entry is one recorded file hash.
type Entry struct {
	RelPath  string
	Size     int64
	ModTime  time.Time
	XXH64    string
	HashDate time.Time
}

// Manifest is an open ASC-MHL document bound to its file on disk.
type Manifest struct {
	fsys afero.Fs
	path string

	creationDate time.Time
	hostname     string
	toolVersion  string

	entries []Entry

	now func() time.Time
}

// Path returns the manifest's location on disk.
func (m *Manifest) Path() string {
	return m.path
}

// Entries returns the recorded entries in append order.
func (m *Manifest) Entries() []Entry {
	return m.entries
}

// Initialize creates <sessionName>.mhl inside targetDir and writes the empty
// hash list (creator info, process info, ignore patterns) to disk. The
// session name is sanitized to filename-safe characters, falling back to
// "transfer" when nothing survives.
func Initialize(fsys afero.Fs, sessionName string, targetDir string, toolVersion string) (*Manifest, error) {
	if sessionName == "" {
		return nil, ErrEmptySessionName
	}

	if err := fsys.MkdirAll(targetDir, 0o777); err != nil {
		return nil, fmt.Errorf("failed to create: %q (%w)", targetDir, err)
	}

	safeName := sanitizeSessionName(sessionName)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	m := &Manifest{
		fsys:         fsys,
		path:         filepath.Join(targetDir, safeName+".mhl"),
		creationDate: time.Now(),
		hostname:     hostname,
		toolVersion:  toolVersion,
		now:          time.Now,
	}

	if err := m.write(); err != nil {
		return nil, err
	}

	return m, nil
}

// AddEntry records the hash of absPath in the manifest and rewrites it. The
// recorded path is absPath relative to the manifest's directory; when no
// relative path can be formed, the filename alone is used. Empty checksums,
// non-positive sizes and missing files are caller errors.
func (m *Manifest) AddEntry(absPath string, xxh64Hex string, size int64) error {
	if xxh64Hex == "" {
		return ErrEmptyChecksum
	}
	if size <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidFileSize, size)
	}

	info, err := m.fsys.Stat(absPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %q", ErrFileMissing, absPath)
		}

		return fmt.Errorf("failed to stat: %q (%w)", absPath, err)
	}

	relPath, err := filepath.Rel(filepath.Dir(m.path), absPath)
	if err != nil || strings.HasPrefix(relPath, "..") {
		relPath = filepath.Base(absPath)
	}

	m.entries = append(m.entries, Entry{
		RelPath:  filepath.ToSlash(relPath),
		Size:     size,
		ModTime:  info.ModTime(),
		XXH64:    strings.ToLower(xxh64Hex),
		HashDate: m.now(),
	})

	return m.write()
}

func (m *Manifest) write() error {
	// No indentation: <path> holds character data and a child element, and
	// injected whitespace would corrupt the recorded relative path.
	out, err := xml.Marshal(m.document())
	if err != nil {
		return fmt.Errorf("failed to serialize manifest: %w", err)
	}

	f, err := m.fsys.Create(m.path)
	if err != nil {
		return fmt.Errorf("failed to open: %q (%w)", m.path, err)
	}
	defer f.Close()

	if _, err := f.Write([]byte(xml.Header)); err != nil {
		return fmt.Errorf("failed to write: %q (%w)", m.path, err)
	}
	if _, err := f.Write(out); err != nil {
		return fmt.Errorf("failed to write: %q (%w)", m.path, err)
	}
	if _, err := f.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write: %q (%w)", m.path, err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed during sync: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close: %q (%w)", m.path, err)
	}

	return nil
}

func sanitizeSessionName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		}
	}

	if b.Len() == 0 {
		return "transfer"
	}

	return b.String()
}
