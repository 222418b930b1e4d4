// Package copier moves one file at a time onto the destination through a
// staged temporary, so the final path never exposes a partial file. The
// source read stream and the staging write stream are hashed independently
// in flight; a divergence means bytes were corrupted between read and write
// and fails the file before it can be renamed into place.
package copier

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"

	"github.com/stonecotton/transferbox/internal/checksum"
)

// TempFileExtension marks staging files at the destination. Anything left
// behind with this suffix is an atomicity artifact and safe to sweep.
const TempFileExtension = ".TBPART"

var errMemoryHashMismatch = errors.New("in-memory hash mismatch; possible corruption during in-memory I/O")

// Copier performs atomic per-file copies.
type Copier struct {
	fsys       afero.Fs
	log        *slog.Logger
	bufferSize int
	chunkSize  int
}

// New returns a copier using the given buffer and chunk sizes.
func New(fsys afero.Fs, log *slog.Logger, bufferSize int, chunkSize int) *Copier {
	return &Copier{
		fsys:       fsys,
		log:        log,
		bufferSize: bufferSize,
		chunkSize:  chunkSize,
	}
}

// CopyFileWithHash copies src to dst through a staging file next to dst,
// optionally feeding every chunk into hasher so the source content hash
// falls out of the same read pass. progress receives cumulative bytes after
// each chunk. On success the staging file is renamed over dst, replacing any
// prior file at that name.
//
// On any failure the staging file is removed and (false, "") is returned
// with the error; dst is never left holding partial content.
//
//nolint:nonamedreturns
func (c *Copier) CopyFileWithHash(ctx context.Context, src string, dst string, hasher *checksum.Hasher, progress checksum.ProgressFunc) (retOK bool, retHex string, retErr error) {
	workingFile := dst + TempFileExtension // Staged next to dst, same filesystem, so the rename is atomic.

	defer func() {
		if retErr != nil {
			if err := c.fsys.Remove(workingFile); err == nil {
				c.log.Info("incomplete file removed", "path", workingFile)
			} else if !errors.Is(err, os.ErrNotExist) {
				c.log.Error("incomplete file not removed", "path", workingFile, "error", err)
			}
		}
	}()

	if err := c.fsys.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
		return false, "", fmt.Errorf("failed to create: %q (%w)", filepath.Dir(dst), err)
	}

	info, err := c.fsys.Stat(src)
	if err != nil {
		return false, "", fmt.Errorf("failed to stat: %q (%w)", src, err)
	}
	totalSize := info.Size()

	in, err := c.fsys.Open(src)
	if err != nil {
		return false, "", fmt.Errorf("failed to open: %q (%w)", src, err)
	}
	defer in.Close()

	out, err := c.fsys.Create(workingFile)
	if err != nil {
		return false, "", fmt.Errorf("failed to open: %q (%w)", workingFile, err)
	}
	defer out.Close()

	srcHasher := blake3.New()
	dstHasher := blake3.New()

	reader := bufio.NewReaderSize(in, c.bufferSize)
	writer := bufio.NewWriterSize(io.MultiWriter(out, dstHasher), c.bufferSize)

	buf := make([]byte, c.chunkSize)

	var bytesTransferred int64

	for {
		if err := ctx.Err(); err != nil {
			return false, "", fmt.Errorf("failed checking context: %w", err)
		}

		n, err := io.ReadFull(reader, buf)
		if n > 0 {
			srcHasher.Write(buf[:n])

			if _, err := writer.Write(buf[:n]); err != nil {
				return false, "", fmt.Errorf("failed to write: %q (%w)", workingFile, err)
			}

			if hasher != nil {
				hasher.Update(buf[:n])
			}

			bytesTransferred += int64(n)

			if progress != nil {
				progress(bytesTransferred, totalSize)
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return false, "", fmt.Errorf("failed to read: %q (%w)", src, err)
		}
	}

	if err := writer.Flush(); err != nil {
		return false, "", fmt.Errorf("failed to flush: %q (%w)", workingFile, err)
	}

	if err := out.Sync(); err != nil {
		return false, "", fmt.Errorf("failed during sync: %w", err)
	}

	if err := out.Close(); err != nil {
		return false, "", fmt.Errorf("failed to close: %q (%w)", workingFile, err)
	}

	srcChecksum := hex.EncodeToString(srcHasher.Sum(nil))
	dstChecksum := hex.EncodeToString(dstHasher.Sum(nil))

	if srcChecksum != dstChecksum {
		return false, "", fmt.Errorf("%w: %q (srcHash) != %q (dstHash)", errMemoryHashMismatch, srcChecksum, dstChecksum)
	}

	// Replace any earlier attempt at the same name; the staged write already
	// holds the complete content, so the swap is a single rename.
	if err := c.fsys.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, "", fmt.Errorf("failed to remove: %q (%w)", dst, err)
	}

	if err := c.fsys.Rename(workingFile, dst); err != nil {
		return false, "", fmt.Errorf("failed to rename: %q -x-> %q (%w)", workingFile, dst, err)
	}

	if hasher != nil {
		return true, hasher.Sum(), nil
	}

	return true, "", nil
}

// CleanupTempFiles sweeps root for leftover staging files and removes them,
// returning how many were deleted. Individual removal failures are logged
// and skipped.
func (c *Copier) CleanupTempFiles(root string) (int, error) {
	count := 0

	if err := afero.Walk(c.fsys, root, func(path string, e os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}

			return fmt.Errorf("failed to walk: %q (%w)", path, err)
		}

		if e.IsDir() || !strings.HasSuffix(path, TempFileExtension) {
			return nil
		}

		if err := c.fsys.Remove(path); err != nil {
			c.log.Warn("stale staging file not removed", "path", path, "error", err)

			return nil
		}

		count++
		c.log.Info("stale staging file removed", "path", path)

		return nil
	}); err != nil {
		return count, err
	}

	return count, nil
}
