// Package storage abstracts the host platform's view of volumes: what is
// mounted, how much space is free, and the best-effort capture and restore
// of file metadata (permissions, timestamps, extended attributes).
package storage

import (
	"context"
	"time"
)

// VolumeInfo reports capacity figures for a volume, in bytes.
type VolumeInfo struct {
	Total uint64
	Used  uint64
	Free  uint64
}

// ValueKind tags the variants of a MetadataValue.
type ValueKind int

const (
	ValueBytes ValueKind = iota
	ValueInt
	ValueTime
	ValueBlob
)

// MetadataValue is one captured attribute. Platform metadata is inherently
// variant data (ACLs, xattrs, mode bits, timestamps), so values are tagged
// rather than typed.
type MetadataValue struct {
	Kind  ValueKind
	Bytes []byte
	Int   int64
	Time  time.Time
	Blob  []byte
}

// Metadata is the captured attribute set of one file.
type Metadata map[string]MetadataValue

// Storage is the platform capability consumed by the transfer engine. All
// metadata operations are best-effort and must never fail a transfer.
type Storage interface {
	// AvailableVolumes lists currently mounted removable/user volumes.
	AvailableVolumes() []string

	// VolumeInfo returns capacity figures for the volume holding path.
	VolumeInfo(path string) (VolumeInfo, error)

	// IsMounted reports whether path is a live mount point.
	IsMounted(path string) bool

	// VolumeLabel returns the volume's label, when the platform exposes one.
	VolumeLabel(path string) (string, bool)

	// WaitForNewVolume blocks until a volume not present in initial appears.
	WaitForNewVolume(ctx context.Context, initial []string) (string, error)

	// WaitForRemoval blocks until path is no longer mounted.
	WaitForRemoval(ctx context.Context, path string) error

	// Unmount ejects the volume at path.
	Unmount(path string) bool

	// ReadMetadata captures what metadata the platform exposes for path.
	ReadMetadata(path string) (Metadata, error)

	// ApplyMetadata restores previously captured metadata onto path,
	// reporting whether everything could be applied.
	ApplyMetadata(path string, md Metadata) bool
}

// Well-known metadata keys shared by implementations.
const (
	KeyMode    = "mode"
	KeyModTime = "mtime"
	KeyXattr   = "xattr:" // prefix; the attribute name follows
)
