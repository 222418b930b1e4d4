// Package display renders transfer progress for humans. The console sink
// draws a terminal progress bar; it never blocks the transfer goroutine, and
// coalesces snapshots when the terminal cannot keep up.
package display

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/stonecotton/transferbox/internal/progress"
)

// queueDepth bounds the snapshot channel; when full, older intermediate
// snapshots are dropped in favor of the newest one.
const queueDepth = 64

// ConsoleSink renders progress to a terminal.
type ConsoleSink struct {
	out io.Writer
	log *slog.Logger

	snapshots chan progress.Snapshot
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	bar  *progressbar.ProgressBar
	file string
}

// NewConsoleSink starts the render goroutine and returns the sink.
func NewConsoleSink(out io.Writer, log *slog.Logger) *ConsoleSink {
	s := &ConsoleSink{
		out:       out,
		log:       log,
		snapshots: make(chan progress.Snapshot, queueDepth),
		done:      make(chan struct{}),
	}

	go s.render()

	return s
}

// ShowProgress enqueues a snapshot without blocking; when the queue is full,
// the oldest queued snapshot is discarded so the newest state wins.
func (s *ConsoleSink) ShowProgress(snap progress.Snapshot) {
	for {
		select {
		case s.snapshots <- snap:
			return
		default:
		}

		select {
		case <-s.snapshots:
		default:
		}
	}
}

// ShowStatus prints a status line.
func (s *ConsoleSink) ShowStatus(message string, line int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finishBar()
	fmt.Fprintln(s.out, message)
}

// ShowError prints an error line.
func (s *ConsoleSink) ShowError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finishBar()
	fmt.Fprintf(s.out, "error: %s\n", message)
}

// Clear drops the current progress bar.
func (s *ConsoleSink) Clear(preserveErrors bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finishBar()
}

// Close stops the render goroutine. Pending snapshots are discarded.
func (s *ConsoleSink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *ConsoleSink) render() {
	for {
		select {
		case <-s.done:
			s.mu.Lock()
			s.finishBar()
			s.mu.Unlock()

			return
		case snap := <-s.snapshots:
			s.draw(snap)
		}
	}
}

func (s *ConsoleSink) draw(snap progress.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch snap.Status {
	case progress.StatusCopying, progress.StatusChecksumming, progress.StatusVerifying:
		if s.bar == nil || s.file != snap.CurrentFile {
			s.finishBar()
			s.file = snap.CurrentFile
			s.bar = progressbar.NewOptions64(snap.TotalBytes,
				progressbar.OptionSetWriter(s.out),
				progressbar.OptionSetDescription(fmt.Sprintf("[%d/%d] %s (%s)",
					snap.FileIndex, snap.TotalFiles, snap.CurrentFile, snap.Status)),
				progressbar.OptionShowBytes(true),
				progressbar.OptionSetPredictTime(true),
				progressbar.OptionClearOnFinish(),
			)
		}

		_ = s.bar.Set64(snap.BytesTransferred)

	case progress.StatusSuccess, progress.StatusError, progress.StatusStopped:
		if snap.OverallProgress >= 1.0 && snap.FileIndex >= snap.TotalFiles {
			s.finishBar()
		}
	}
}

func (s *ConsoleSink) finishBar() {
	if s.bar != nil {
		_ = s.bar.Finish()
		s.bar = nil
		s.file = ""
	}
}
