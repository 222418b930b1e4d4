// Package enumerate walks the source volume and produces the ordered list of
// files a transfer will process. Enumeration periodically rechecks that the
// source is still present, since removable media can disappear mid-walk.
package enumerate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/stonecotton/transferbox/internal/config"
	"github.com/stonecotton/transferbox/internal/errs"
)

// mountCheckInterval is how many files may be discovered between source
// presence rechecks.
const mountCheckInterval = 100

const systemVolumeInformation = "System Volume Information"

// MountChecker reports whether a path is a live mount point.
type MountChecker interface {
	IsMounted(path string) bool
}

// FileTask is one file selected for transfer.
type FileTask struct {
	SourcePath string
	Size       int64
	ModTime    time.Time
}

// Enumerator discovers transferable files.
type Enumerator struct {
	fsys   afero.Fs
	mounts MountChecker
	log    *slog.Logger
}

// New returns an enumerator. mounts may be nil, in which case source
// presence is checked by existence only.
func New(fsys afero.Fs, mounts MountChecker, log *slog.Logger) *Enumerator {
	return &Enumerator{
		fsys:   fsys,
		mounts: mounts,
		log:    log,
	}
}

// Enumerate walks sourceRoot and returns the matching file paths in
// lexicographic order, so the transfer order is deterministic. Hidden
// entries (any path component starting with a dot), system directories and
// non-media files (when configured) are excluded. Every hundred files the
// source is rechecked; a vanished source aborts with SourceRemoved.
func (e *Enumerator) Enumerate(ctx context.Context, sourceRoot string, cfg config.Config) ([]string, error) {
	var files []string

	seen := 0

	if err := afero.Walk(e.fsys, sourceRoot, func(path string, info os.FileInfo, err error) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("failed checking context: %w", err)
		}

		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				if !e.sourcePresent(sourceRoot) {
					return errs.NewPath(errs.KindSourceRemoved, sourceRoot, "", err)
				}

				e.log.Warn("path skipped", "path", path, "reason", "no_longer_exists")

				return nil
			}

			return fmt.Errorf("failed to walk: %q (%w)", path, err)
		}

		name := info.Name()

		if info.IsDir() {
			if path == sourceRoot {
				return nil
			}
			if strings.HasPrefix(name, ".") || name == systemVolumeInformation {
				return filepath.SkipDir
			}

			return nil
		}

		seen++
		if seen%mountCheckInterval == 0 && !e.sourcePresent(sourceRoot) {
			return errs.NewPath(errs.KindSourceRemoved, sourceRoot, "", nil)
		}

		if strings.HasPrefix(name, ".") {
			return nil
		}

		if cfg.MediaOnlyTransfer && !cfg.IsMediaExtension(filepath.Ext(name)) {
			return nil
		}

		files = append(files, path)

		return nil
	}); err != nil {
		return nil, err
	}

	sort.Strings(files)

	e.log.Info("enumeration finished", "source", sourceRoot, "files", len(files))

	return files, nil
}

// CalculateTotals stats every enumerated file, dropping entries that
// vanished since enumeration, and returns the surviving tasks with their
// total size and count.
func (e *Enumerator) CalculateTotals(files []string) ([]FileTask, int64, int) {
	tasks := make([]FileTask, 0, len(files))

	var totalSize int64

	for _, path := range files {
		info, err := e.fsys.Stat(path)
		if err != nil {
			e.log.Warn("file skipped", "path", path, "error", err)

			continue
		}

		tasks = append(tasks, FileTask{
			SourcePath: path,
			Size:       info.Size(),
			ModTime:    info.ModTime(),
		})
		totalSize += info.Size()
	}

	return tasks, totalSize, len(tasks)
}

func (e *Enumerator) sourcePresent(sourceRoot string) bool {
	if _, err := e.fsys.Stat(sourceRoot); err != nil {
		return false
	}

	if e.mounts != nil && !e.mounts.IsMounted(sourceRoot) {
		return false
	}

	return true
}
