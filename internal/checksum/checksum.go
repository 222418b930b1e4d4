// Package checksum computes and verifies XXH64 content hashes over files.
// XXH64 is non-cryptographic and chosen for speed; the digests must match the
// canonical XXH64 specification byte-for-byte to remain compatible with
// manifests written by other tools.
package checksum

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
)

// chunkSize is the read granularity for whole-file hashing. Progress
// callbacks fire once per chunk.
const chunkSize = 32 * 1024 * 1024

// ProgressFunc receives (bytesRead, totalBytes) after each chunk.
type ProgressFunc func(bytesRead int64, totalBytes int64)

// Hasher is a streaming XXH64 state.
type Hasher struct {
	digest *xxhash.Digest
}

// New returns a fresh streaming hasher.
func New() *Hasher {
	return &Hasher{digest: xxhash.New()}
}

// Update feeds a chunk into the hasher.
func (h *Hasher) Update(p []byte) {
	_, _ = h.digest.Write(p) // never fails per hash.Hash contract
}

// Sum finalizes the hasher into 16 lowercase hex digits.
func (h *Hasher) Sum() string {
	return fmt.Sprintf("%016x", h.digest.Sum64())
}

// Engine hashes files on a filesystem.
type Engine struct {
	fsys afero.Fs
}

// NewEngine returns a checksum engine bound to the given filesystem.
func NewEngine(fsys afero.Fs) *Engine {
	return &Engine{fsys: fsys}
}

// HashFile computes the XXH64 of the file at path, reading it in chunks and
// invoking progress after each one. Any I/O failure is returned with the
// path attached.
func (e *Engine) HashFile(ctx context.Context, path string, progress ProgressFunc) (string, error) {
	info, err := e.fsys.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat: %q (%w)", path, err)
	}
	totalBytes := info.Size()

	f, err := e.fsys.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open: %q (%w)", path, err)
	}
	defer f.Close()

	hasher := New()
	buf := make([]byte, chunkSize)

	var bytesRead int64

	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("failed checking context: %w", err)
		}

		n, err := f.Read(buf)
		if n > 0 {
			hasher.Update(buf[:n])
			bytesRead += int64(n)

			if progress != nil {
				progress(bytesRead, totalBytes)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read: %q (%w)", path, err)
		}
	}

	return hasher.Sum(), nil
}

// VerifyFile computes the XXH64 of the file at path and compares it against
// expected, case-insensitively. A mismatch is not an error: the full file is
// read either way, so callers can log size-consistent statistics, and false
// is returned. Only I/O failures produce an error.
func (e *Engine) VerifyFile(ctx context.Context, path string, expected string, progress ProgressFunc) (bool, error) {
	actual, err := e.HashFile(ctx, path, progress)
	if err != nil {
		return false, err
	}

	return strings.EqualFold(actual, expected), nil
}
