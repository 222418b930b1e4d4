// Package pathplan decides where transferred files land: the session target
// directory (date and device organization) and the per-file destination path
// (structure preservation, timestamped renaming).
package pathplan

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/stonecotton/transferbox/internal/config"
)

// LabelSource resolves a volume label for a mount path. The planner falls
// back to the path's basename when no label is available.
type LabelSource interface {
	VolumeLabel(path string) (string, bool)
}

// Planner computes destination directories and file paths.
type Planner struct {
	fsys   afero.Fs
	cfg    config.Config
	labels LabelSource
	log    *slog.Logger
}

// New returns a planner. labels may be nil.
func New(fsys afero.Fs, cfg config.Config, labels LabelSource, log *slog.Logger) *Planner {
	return &Planner{
		fsys:   fsys,
		cfg:    cfg,
		labels: labels,
		log:    log,
	}
}

// CreateTargetDir builds and creates the session's target directory below
// destRoot, appending a date folder and a device folder per configuration.
func (p *Planner) CreateTargetDir(destRoot string, sourceRoot string, timestamp time.Time) (string, error) {
	base := destRoot

	if p.cfg.CreateDateFolders {
		base = filepath.Join(base, FormatTimestamp(timestamp, p.cfg.DateFolderFormat))
	}

	if p.cfg.CreateDeviceFolders {
		deviceName := p.deviceName(sourceRoot)
		folder := strings.ReplaceAll(p.cfg.DeviceFolderTemplate, "{device_name}", deviceName)
		base = filepath.Join(base, folder)
	}

	if err := p.fsys.MkdirAll(base, 0o777); err != nil {
		return "", fmt.Errorf("failed to create: %q (%w)", base, err)
	}

	p.log.Info("target directory prepared", "path", base)

	return base, nil
}

// DestinationPath computes the final path for one source file inside
// targetDir, preserving the source-relative directory and applying the
// configured renaming. The parent directory is created.
func (p *Planner) DestinationPath(srcPath string, targetDir string, sourceRoot string) (string, error) {
	relDir := ""
	if p.cfg.PreserveFolderStructure {
		if rel, err := filepath.Rel(sourceRoot, filepath.Dir(srcPath)); err == nil && !strings.HasPrefix(rel, "..") && rel != "." {
			relDir = rel
		}
	}

	newName, err := p.fileName(srcPath)
	if err != nil {
		return "", err
	}

	dst := filepath.Join(targetDir, relDir, newName)

	if err := p.fsys.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
		return "", fmt.Errorf("failed to create: %q (%w)", filepath.Dir(dst), err)
	}

	return dst, nil
}

func (p *Planner) fileName(srcPath string) (string, error) {
	base := filepath.Base(srcPath)

	if !p.cfg.RenameWithTimestamp {
		return base, nil
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	created, err := creationTime(p.fsys, srcPath)
	if err != nil {
		return "", err
	}

	timestamp := FormatTimestamp(created, p.cfg.TimestampFormat)

	if p.cfg.PreserveOriginalFilename {
		name := strings.ReplaceAll(p.cfg.FilenameTemplate, "{original}", stem)
		name = strings.ReplaceAll(name, "{timestamp}", timestamp)

		return name + ext, nil
	}

	return timestamp + ext, nil
}

func (p *Planner) deviceName(sourceRoot string) string {
	if p.labels != nil {
		if label, ok := p.labels.VolumeLabel(sourceRoot); ok {
			if name := SanitizeName(label); name != "unnamed_device" {
				return name
			}
		}
	}

	return SanitizeName(filepath.Base(sourceRoot))
}

// SanitizeName makes a safe directory name: filesystem-reserved characters
// are stripped, spaces become underscores, and an empty result falls back to
// "unnamed_device".
func SanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return -1
		case ' ':
			return '_'
		default:
			return r
		}
	}, name)

	if name == "" {
		return "unnamed_device"
	}

	return name
}

// UniquePath appends a numeric suffix to base until the path does not exist.
func UniquePath(fsys afero.Fs, base string) string {
	if _, err := fsys.Stat(base); err != nil {
		return base
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for counter := 1; ; counter++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, counter, ext)
		if _, err := fsys.Stat(candidate); err != nil {
			return candidate
		}
	}
}

// creationTime approximates a file's creation time as the earliest of its
// modification, change and access times; platforms without a true creation
// time report the same stamp deterministically across runs.
func creationTime(fsys afero.Fs, path string) (time.Time, error) {
	info, err := fsys.Stat(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to stat: %q (%w)", path, err)
	}

	earliest := info.ModTime()
	for _, t := range statExtraTimes(info) {
		if !t.IsZero() && t.Before(earliest) {
			earliest = t
		}
	}

	return earliest, nil
}
