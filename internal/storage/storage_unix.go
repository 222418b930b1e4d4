//go:build linux || darwin

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/xattr"
	"golang.org/x/sys/unix"
)

// volumePollInterval paces the wait loops for volume arrival and removal.
const volumePollInterval = 500 * time.Millisecond

// OSStorage is the live platform implementation.
type OSStorage struct {
	log *slog.Logger
}

// NewOSStorage returns the platform storage capability.
func NewOSStorage(log *slog.Logger) *OSStorage {
	return &OSStorage{log: log}
}

func volumeRoots() []string {
	if runtime.GOOS == "darwin" {
		return []string{"/Volumes"}
	}

	roots := []string{"/media", "/mnt"}
	if user := os.Getenv("USER"); user != "" {
		roots = append([]string{filepath.Join("/media", user), filepath.Join("/run/media", user)}, roots...)
	}

	return roots
}

// AvailableVolumes lists the mounted volumes under the platform's standard
// removable-media roots.
func (s *OSStorage) AvailableVolumes() []string {
	var volumes []string

	for _, root := range volumeRoots() {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}

		for _, e := range entries {
			if !e.IsDir() {
				continue
			}

			path := filepath.Join(root, e.Name())
			if s.IsMounted(path) {
				volumes = append(volumes, path)
			}
		}
	}

	sort.Strings(volumes)

	return volumes
}

// VolumeInfo returns capacity figures via statfs.
func (s *OSStorage) VolumeInfo(path string) (VolumeInfo, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return VolumeInfo{}, fmt.Errorf("failed to statfs: %q (%w)", path, err)
	}

	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	free := st.Bavail * bsize

	return VolumeInfo{
		Total: total,
		Used:  total - st.Bfree*bsize,
		Free:  free,
	}, nil
}

// IsMounted reports whether path sits on a different device than its parent,
// which is what being a mount point means on Unix-like systems.
func (s *OSStorage) IsMounted(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	parentInfo, err := os.Stat(filepath.Dir(path))
	if err != nil {
		return false
	}

	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	parentSt, ok := parentInfo.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}

	// The filesystem root is trivially a mount point.
	if filepath.Clean(path) == string(filepath.Separator) {
		return true
	}

	return st.Dev != parentSt.Dev
}

// VolumeLabel reports the mount directory's basename; Unix mounts under
// /Volumes or /media carry the label as the directory name.
func (s *OSStorage) VolumeLabel(path string) (string, bool) {
	for _, root := range volumeRoots() {
		if strings.HasPrefix(filepath.Clean(path), root+string(filepath.Separator)) {
			rel, err := filepath.Rel(root, filepath.Clean(path))
			if err != nil {
				break
			}

			parts := strings.Split(rel, string(filepath.Separator))
			if len(parts) > 0 && parts[0] != "" && parts[0] != ".." {
				return parts[0], true
			}
		}
	}

	return "", false
}

// WaitForNewVolume polls until a volume appears that was not present in
// initial.
func (s *OSStorage) WaitForNewVolume(ctx context.Context, initial []string) (string, error) {
	known := make(map[string]bool, len(initial))
	for _, v := range initial {
		known[v] = true
	}

	ticker := time.NewTicker(volumePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("failed waiting for volume: %w", ctx.Err())
		case <-ticker.C:
			for _, v := range s.AvailableVolumes() {
				if !known[v] {
					s.log.Info("new volume detected", "path", v)

					return v, nil
				}
			}
		}
	}
}

// WaitForRemoval polls until path is no longer mounted.
func (s *OSStorage) WaitForRemoval(ctx context.Context, path string) error {
	ticker := time.NewTicker(volumePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed waiting for removal: %w", ctx.Err())
		case <-ticker.C:
			if !s.IsMounted(path) {
				s.log.Info("volume removed", "path", path)

				return nil
			}
		}
	}
}

// Unmount ejects the volume via the platform tool.
func (s *OSStorage) Unmount(path string) bool {
	var cmd *exec.Cmd
	if runtime.GOOS == "darwin" {
		cmd = exec.Command("diskutil", "unmount", path)
	} else {
		cmd = exec.Command("umount", path)
	}

	if err := cmd.Run(); err != nil {
		s.log.Warn("unmount failed", "path", path, "error", err)

		return false
	}

	return true
}

// ReadMetadata captures permission bits, the modification time and any
// extended attributes. Failures on individual attributes are logged and
// skipped; the capture is best-effort.
func (s *OSStorage) ReadMetadata(path string) (Metadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat: %q (%w)", path, err)
	}

	md := Metadata{
		KeyMode:    {Kind: ValueInt, Int: int64(info.Mode().Perm())},
		KeyModTime: {Kind: ValueTime, Time: info.ModTime()},
	}

	names, err := xattr.List(path)
	if err != nil {
		s.log.Debug("xattr listing failed", "path", path, "error", err)

		return md, nil
	}

	for _, name := range names {
		value, err := xattr.Get(path, name)
		if err != nil {
			s.log.Debug("xattr read failed", "path", path, "attr", name, "error", err)

			continue
		}

		md[KeyXattr+name] = MetadataValue{Kind: ValueBytes, Bytes: value}
	}

	return md, nil
}

// ApplyMetadata restores captured metadata onto path. Every attribute is
// attempted; the return value reports whether all of them stuck.
func (s *OSStorage) ApplyMetadata(path string, md Metadata) bool {
	ok := true

	if v, found := md[KeyMode]; found && v.Kind == ValueInt {
		if err := os.Chmod(path, os.FileMode(v.Int)); err != nil {
			s.log.Warn("failed to apply mode", "path", path, "error", err)
			ok = false
		}
	}

	if v, found := md[KeyModTime]; found && v.Kind == ValueTime {
		if err := os.Chtimes(path, v.Time, v.Time); err != nil {
			s.log.Warn("failed to apply mtime", "path", path, "error", err)
			ok = false
		}
	}

	for key, v := range md {
		if !strings.HasPrefix(key, KeyXattr) || v.Kind != ValueBytes {
			continue
		}

		name := strings.TrimPrefix(key, KeyXattr)
		if err := xattr.Set(path, name, v.Bytes); err != nil {
			s.log.Debug("failed to apply xattr", "path", path, "attr", name, "error", err)
			ok = false
		}
	}

	return ok
}
