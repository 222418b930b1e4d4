// Package translog appends the human-readable session log: a header when the
// transfer starts, an indented multi-line block per file, and a closing
// summary. The format is stable and parsed by downstream tooling; changes
// here must stay line-compatible.
package translog

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

const timestampLayout = "2006-01-02 15:04:05"

// FileRecord carries everything logged for a single file outcome.
type FileRecord struct {
	Src      string
	Dst      string
	Size     int64
	Duration time.Duration
	SrcHash  string
	DstHash  string
	Retries  int
	Ext      string
	SrcMtime time.Time
	DstMtime time.Time
	SrcPerm  string
	DstPerm  string
	Err      string
}

// Summary carries the closing totals of a session.
type Summary struct {
	TotalFiles      int
	SuccessfulFiles int
	Failures        []string
	TotalData       int64
	AverageFileSize int64
	AverageSpeedMBs float64
	TotalRetries    int
	SkippedFiles    int
	ErrorBreakdown  map[string]int
	User            string
}

// Logger writes the session log file. Records are flushed after every write
// so a crash loses at most the in-flight line.
type Logger struct {
	fsys afero.Fs
	log  *slog.Logger

	path  string
	file  afero.File
	start time.Time

	now func() time.Time
}

// Open creates (or appends to) the session log at path.
func Open(fsys afero.Fs, path string, log *slog.Logger) (*Logger, error) {
	if err := fsys.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return nil, fmt.Errorf("failed to create: %q (%w)", filepath.Dir(path), err)
	}

	f, err := fsys.OpenFile(path, openFlags, 0o666)
	if err != nil {
		return nil, fmt.Errorf("failed to open: %q (%w)", path, err)
	}

	return &Logger{
		fsys: fsys,
		log:  log,
		path: path,
		file: f,
		now:  time.Now,
	}, nil
}

// Path returns the log file's location on disk.
func (l *Logger) Path() string {
	return l.path
}

// StartTransfer writes the session header.
func (l *Logger) StartTransfer(source string, destination string) time.Time {
	l.start = l.now()

	l.writeLine(fmt.Sprintf("Transfer started at %s", l.start.Format(time.RFC3339)))
	l.writeLine(fmt.Sprintf("Source: %s", source))
	l.writeLine(fmt.Sprintf("Destination: %s", destination))

	return l.start
}

// LogTotals writes the file count and total size lines, once enumeration has
// established them.
func (l *Logger) LogTotals(totalFiles int, totalSize int64) {
	l.writeLine(fmt.Sprintf("Files to transfer: %d", totalFiles))
	l.writeLine(fmt.Sprintf("Total size: %s", FormatSize(totalSize)))
	l.writeLine("")
}

// Success appends the per-file block for a completed file.
func (l *Logger) Success(rec FileRecord) {
	ts := l.now().Format(timestampLayout)

	l.writeLine(fmt.Sprintf("[%s] Success: %s -> %s", ts, rec.Src, rec.Dst))
	l.writeLine(fmt.Sprintf("    size: %s", FormatSize(rec.Size)))
	l.writeLine(fmt.Sprintf("    duration: %.2fs", rec.Duration.Seconds()))
	l.writeLine(fmt.Sprintf("    src_xxhash: %s", rec.SrcHash))
	l.writeLine(fmt.Sprintf("    dst_xxhash: %s", rec.DstHash))
	l.writeLine(fmt.Sprintf("    retries: %d", rec.Retries))
	l.writeLine(fmt.Sprintf("    ext: %s", rec.Ext))
	l.writeLine(fmt.Sprintf("    src_mtime: %s", rec.SrcMtime.Format(timestampLayout)))
	l.writeLine(fmt.Sprintf("    dst_mtime: %s", rec.DstMtime.Format(timestampLayout)))
	l.writeLine(fmt.Sprintf("    src_perm: %s", rec.SrcPerm))
	l.writeLine(fmt.Sprintf("    dst_perm: %s", rec.DstPerm))
	l.writeLine("")

	l.log.Info("file transferred", "src", rec.Src, "dst", rec.Dst, "size", rec.Size)
}

// Failure appends the per-file block for a failed file.
func (l *Logger) Failure(rec FileRecord) {
	ts := l.now().Format(timestampLayout)

	dst := ""
	if rec.Dst != "" {
		dst = fmt.Sprintf(" -> %s", rec.Dst)
	}

	l.writeLine(fmt.Sprintf("[%s] Failed: %s%s", ts, rec.Src, dst))
	l.writeLine(fmt.Sprintf("    size: %s", FormatSize(rec.Size)))
	if rec.Err != "" {
		l.writeLine(fmt.Sprintf("    error: %s", rec.Err))
	}
	l.writeLine("")

	l.log.Error("file transfer failed", "src", rec.Src, "dst", rec.Dst, "error", rec.Err)
}

// Message appends a free-form informational line.
func (l *Logger) Message(msg string) {
	l.writeLine(fmt.Sprintf("[INFO] %s", msg))
}

// Error appends a free-form error line.
func (l *Logger) Error(msg string) {
	l.writeLine(fmt.Sprintf("[ERROR] %s", msg))
	l.log.Error(msg)
}

// Complete writes the closing summary and closes the log file.
func (l *Logger) Complete(s Summary) {
	end := l.now()
	duration := end.Sub(l.start)

	l.writeLine("")
	l.writeLine(fmt.Sprintf("Transfer completed at %s", end.Format(time.RFC3339)))
	l.writeLine(fmt.Sprintf("Duration: %s", FormatDuration(duration)))
	l.writeLine(fmt.Sprintf("Files transferred: %d/%d", s.SuccessfulFiles, s.TotalFiles))

	if len(s.Failures) > 0 {
		l.writeLine(fmt.Sprintf("Failed files: %d", len(s.Failures)))
		for i, failure := range s.Failures {
			if i >= 10 {
				l.writeLine(fmt.Sprintf("  ... and %d more", len(s.Failures)-10))

				break
			}
			l.writeLine(fmt.Sprintf("  %d. %s", i+1, failure))
		}
	}

	l.writeLine(fmt.Sprintf("Total data transferred: %s", FormatSize(s.TotalData)))
	l.writeLine(fmt.Sprintf("Average file size: %s", FormatSize(s.AverageFileSize)))
	l.writeLine(fmt.Sprintf("Average speed: %.2f MB/s", s.AverageSpeedMBs))
	l.writeLine(fmt.Sprintf("Total retries: %d", s.TotalRetries))
	l.writeLine(fmt.Sprintf("Skipped files: %d", s.SkippedFiles))

	if len(s.ErrorBreakdown) > 0 {
		l.writeLine("Failures:")
		for _, kind := range sortedKeys(s.ErrorBreakdown) {
			l.writeLine(fmt.Sprintf("  %s: %d", kind, s.ErrorBreakdown[kind]))
		}
	}

	if s.User != "" {
		l.writeLine(fmt.Sprintf("User: %s", s.User))
	}

	if err := l.file.Close(); err != nil {
		l.log.Warn("failed to close session log", "path", l.path, "error", err)
	}

	l.log.Info("transfer summary written",
		"transferred", s.SuccessfulFiles,
		"total", s.TotalFiles,
		"duration", FormatDuration(duration),
	)
}

func (l *Logger) writeLine(line string) {
	if _, err := fmt.Fprintln(l.file, line); err != nil {
		l.log.Warn("failed to write session log line", "path", l.path, "error", err)
	}
}
