// Package config holds the immutable per-transfer configuration. A Config is
// constructed once at process start (defaults, then yaml file, then CLI
// overrides) and passed by value into the orchestrator.
package config

import (
	"errors"
	"fmt"
	"strings"
)

const (
	minBufferSize     = 4 * 1024
	maxBufferSize     = 100 * 1024 * 1024
	defaultBufferSize = 8 * 1024 * 1024
	defaultChunkSize  = 32 * 1024 * 1024
)

var (
	errEmptyFilenameTemplate = errors.New("filename-template must not be empty when renaming")
	errEmptyTimestampFormat  = errors.New("timestamp-format must not be empty when renaming")
	errEmptyDateFolderFormat = errors.New("date-folder-format must not be empty when creating date folders")
	errEmptyDeviceTemplate   = errors.New("device-folder-template must not be empty when creating device folders")
)

// Config are the transfer settings. Field names map 1:1 onto the yaml
// configuration file; CLI flags override individual fields.
type Config struct {
	MediaOnlyTransfer bool     `yaml:"media-only-transfer"`
	MediaExtensions   []string `yaml:"media-extensions"`

	PreserveFolderStructure bool `yaml:"preserve-folder-structure"`

	RenameWithTimestamp      bool   `yaml:"rename-with-timestamp"`
	PreserveOriginalFilename bool   `yaml:"preserve-original-filename"`
	FilenameTemplate         string `yaml:"filename-template"`
	TimestampFormat          string `yaml:"timestamp-format"`

	CreateDateFolders    bool   `yaml:"create-date-folders"`
	DateFolderFormat     string `yaml:"date-folder-format"`
	CreateDeviceFolders  bool   `yaml:"create-device-folders"`
	DeviceFolderTemplate string `yaml:"device-folder-template"`

	VerifyTransfers bool `yaml:"verify-transfers"`
	CreateMHLFiles  bool `yaml:"create-mhl-files"`

	BufferSize int `yaml:"buffer-size"`
	ChunkSize  int `yaml:"chunk-size"`
}

// Default returns the stock configuration: verified transfers with an MHL
// manifest, date folders, timestamped renaming and the full media extension
// set of common camera and post-production formats.
func Default() Config {
	return Config{
		MediaOnlyTransfer: false,
		MediaExtensions: []string{
			// Video formats
			".mp4", ".mov", ".mxf", ".avi", ".braw", ".r3d",
			// Audio formats
			".wav", ".aif", ".aiff",
			// Professional camera formats
			".crm", ".arw", ".raw", ".cr2",
			// Image formats
			".jpg", ".jpeg", ".png", ".tiff", ".tif", ".dpx", ".exr",
			// Project/metadata files
			".xml", ".cdl", ".cube",
		},
		PreserveFolderStructure:  true,
		RenameWithTimestamp:      true,
		PreserveOriginalFilename: true,
		FilenameTemplate:         "{original}_{timestamp}",
		TimestampFormat:          "%Y%m%d_%H%M%S",
		CreateDateFolders:        true,
		DateFolderFormat:         "%Y/%m/%d",
		CreateDeviceFolders:      false,
		DeviceFolderTemplate:     "{device_name}",
		VerifyTransfers:          true,
		CreateMHLFiles:           true,
		BufferSize:               defaultBufferSize,
		ChunkSize:                defaultChunkSize,
	}
}

// Normalize brings a user-supplied configuration into canonical form: media
// extensions lowercased and dot-prefixed, buffer size clamped to its valid
// range and zero values replaced with their defaults.
func (c *Config) Normalize() {
	for i, ext := range c.MediaExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.MediaExtensions[i] = ext
	}

	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.BufferSize < minBufferSize {
		c.BufferSize = minBufferSize
	}
	if c.BufferSize > maxBufferSize {
		c.BufferSize = maxBufferSize
	}

	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
}

// Validate rejects combinations that would produce unusable paths.
func (c *Config) Validate() error {
	if c.RenameWithTimestamp {
		if c.TimestampFormat == "" {
			return errEmptyTimestampFormat
		}
		if c.PreserveOriginalFilename && c.FilenameTemplate == "" {
			return errEmptyFilenameTemplate
		}
	}

	if c.CreateDateFolders && c.DateFolderFormat == "" {
		return errEmptyDateFolderFormat
	}

	if c.CreateDeviceFolders && c.DeviceFolderTemplate == "" {
		return errEmptyDeviceTemplate
	}

	return nil
}

// IsMediaExtension reports whether ext (lowercased) is among the configured
// media extensions.
func (c *Config) IsMediaExtension(ext string) bool {
	ext = strings.ToLower(ext)
	for _, e := range c.MediaExtensions {
		if e == ext {
			return true
		}
	}

	return false
}

// String renders the configuration for the startup banner.
func (c Config) String() string {
	return fmt.Sprintf("media-only=%t verify=%t mhl=%t date-folders=%t device-folders=%t rename=%t buffer=%d chunk=%d",
		c.MediaOnlyTransfer, c.VerifyTransfers, c.CreateMHLFiles,
		c.CreateDateFolders, c.CreateDeviceFolders, c.RenameWithTimestamp,
		c.BufferSize, c.ChunkSize)
}
