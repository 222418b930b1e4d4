// Package transfer drives one verified transfer session from pre-flight
// validation through the closing summary. One file is copied at a time; copy
// and verify are sequential per file, since the bottleneck is sequential I/O
// on a single source device and progress accounting stays exact without
// concurrent writers.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"os/user"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/stonecotton/transferbox/internal/checksum"
	"github.com/stonecotton/transferbox/internal/config"
	"github.com/stonecotton/transferbox/internal/copier"
	"github.com/stonecotton/transferbox/internal/enumerate"
	"github.com/stonecotton/transferbox/internal/errs"
	"github.com/stonecotton/transferbox/internal/mhl"
	"github.com/stonecotton/transferbox/internal/pathplan"
	"github.com/stonecotton/transferbox/internal/progress"
	"github.com/stonecotton/transferbox/internal/state"
	"github.com/stonecotton/transferbox/internal/storage"
	"github.com/stonecotton/transferbox/internal/translog"
	"github.com/stonecotton/transferbox/internal/validate"
)

// Result is the overall outcome of a session.
type Result int

const (
	ResultSuccess Result = iota
	ResultNoFiles
	ResultPartialFailure
	ResultFailed
	ResultStopped
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "Success"
	case ResultNoFiles:
		return "NoFiles"
	case ResultPartialFailure:
		return "PartialFailure"
	case ResultFailed:
		return "Failed"
	case ResultStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Orchestrator wires the transfer components together and runs sessions.
type Orchestrator struct {
	fsys    afero.Fs
	cfg     config.Config
	store   storage.Storage
	machine *state.Machine
	tracker *progress.Tracker
	sink    progress.Sink
	log     *slog.Logger
	version string

	// ProxyHook, when set, is invoked after each verified file with the
	// source and destination paths. Proxy generation itself lives outside
	// this engine.
	ProxyHook func(src string, dst string)

	stopRequested atomic.Bool

	now func() time.Time
}

// New returns an orchestrator. sink may be nil.
func New(fsys afero.Fs, cfg config.Config, store storage.Storage, machine *state.Machine,
	sink progress.Sink, log *slog.Logger, version string,
) *Orchestrator {
	return &Orchestrator{
		fsys:    fsys,
		cfg:     cfg,
		store:   store,
		machine: machine,
		tracker: progress.NewTracker(sink),
		sink:    sink,
		log:     log,
		version: version,
		now:     time.Now,
	}
}

// Stop requests a graceful stop. The in-flight chunk finishes, the current
// staging file is removed, the summary is written and Run returns
// ResultStopped.
func (o *Orchestrator) Stop() {
	o.stopRequested.Store(true)
}

// Tracker exposes the session's progress tracker.
func (o *Orchestrator) Tracker() *progress.Tracker {
	return o.tracker
}

// session carries the per-run working set.
type session struct {
	source      string
	destination string
	targetDir   string

	tasks     []enumerate.FileTask
	totalSize int64
	skipped   int

	manifest *mhl.Manifest
	slog     *translog.Logger

	successful     int
	totalData      int64
	failures       []string
	errorBreakdown map[string]int

	stopped       bool
	sourceRemoved bool
}

// Run executes one transfer session. The returned error carries the
// classified cause for Failed results; partial failures return a nil error
// with ResultPartialFailure.
func (o *Orchestrator) Run(ctx context.Context, source string, destination string) (Result, error) {
	o.stopRequested.Store(false)

	validator := validate.New(o.fsys, o.store, o.machine, o.log)

	if err := validator.Validate(source, destination); err != nil {
		o.showError(err)

		return ResultFailed, err
	}

	if err := o.machine.EnterTransfer(); err != nil {
		return ResultFailed, fmt.Errorf("failed to enter transfer state: %w", err)
	}
	defer func() {
		if err := o.machine.ExitTransfer(); err != nil {
			o.log.Warn("failed to exit transfer state", "error", err)
		}
	}()

	// Watch the stop flag so mid-chunk I/O observes it through the context.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go o.watchStop(runCtx, cancel)

	return o.runSession(runCtx, validator, source, destination)
}

func (o *Orchestrator) runSession(ctx context.Context, validator *validate.Validator, source string, destination string) (Result, error) {
	sessionStamp := pathplan.FormatTimestamp(o.now(), o.cfg.TimestampFormat)

	planner := pathplan.New(o.fsys, o.cfg, o.store, o.log)

	targetDir, err := planner.CreateTargetDir(destination, source, o.now())
	if err != nil {
		err = errs.NewPath(errs.KindInvalidDestination, "", destination, err)
		o.showError(err)

		return ResultFailed, err
	}

	cp := copier.New(o.fsys, o.log, o.cfg.BufferSize, o.cfg.ChunkSize)

	// Sweep atomicity artifacts of earlier interrupted sessions before new
	// staging files appear.
	if swept, err := cp.CleanupTempFiles(destination); err != nil {
		o.log.Warn("staging sweep failed", "path", destination, "error", err)
	} else if swept > 0 {
		o.log.Info("stale staging files swept", "path", destination, "count", swept)
	}

	logPath := pathplan.UniquePath(o.fsys, filepath.Join(targetDir, fmt.Sprintf("transfer_log_%s.log", sessionStamp)))

	slogger, err := translog.Open(o.fsys, logPath, o.log)
	if err != nil {
		err = errs.NewPath(errs.KindIO, "", logPath, err)
		o.showError(err)

		return ResultFailed, err
	}

	s := &session{
		source:         source,
		destination:    destination,
		targetDir:      targetDir,
		slog:           slogger,
		errorBreakdown: make(map[string]int),
	}

	s.slog.StartTransfer(source, destination)

	if !o.sourcePresent(source) {
		return o.abortEarly(s, errs.NewPath(errs.KindSourceRemoved, source, "", nil))
	}

	enumerator := enumerate.New(o.fsys, o.store, o.log)

	files, err := enumerator.Enumerate(ctx, source, o.cfg)
	if err != nil {
		if errs.KindOf(err) == errs.KindSourceRemoved {
			return o.abortEarly(s, err)
		}

		return o.abortEarly(s, errs.NewPath(errs.KindInvalidSource, source, "", err))
	}

	if len(files) == 0 {
		o.showStatus("No files to transfer")
		s.slog.Message("No files to transfer")
		s.slog.Complete(o.summary(s, time.Duration(0)))

		return ResultNoFiles, nil
	}

	s.tasks, s.totalSize, _ = enumerator.CalculateTotals(files)
	s.skipped = len(files) - len(s.tasks)

	if err := validator.CheckSpace(targetDir, s.totalSize); err != nil {
		return o.abortEarly(s, err)
	}

	if o.cfg.CreateMHLFiles {
		manifest, err := mhl.Initialize(o.fsys, sessionStamp, targetDir, o.version)
		if err != nil {
			// Integrity is carried by the verified copy; a missing manifest
			// is logged, not fatal.
			s.slog.Error(fmt.Sprintf("Failed to create MHL file: %v", err))
			o.log.Error("manifest initialization failed", "error", err)
		} else {
			s.manifest = manifest
		}
	}

	s.slog.LogTotals(len(s.tasks), s.totalSize)

	o.tracker.StartTransfer(len(s.tasks), s.totalSize)
	o.tracker.SetSourceDrive(source)

	start := o.now()

	o.processFiles(ctx, s, planner, cp)

	elapsed := o.now().Sub(start)

	s.slog.Complete(o.summary(s, elapsed))

	success := len(s.failures) == 0 && !s.stopped && !s.sourceRemoved

	o.tracker.CompleteTransfer(success, s.stopped)

	switch {
	case s.stopped:
		return ResultStopped, nil
	case s.sourceRemoved:
		return ResultFailed, errs.NewPath(errs.KindSourceRemoved, source, "", nil)
	case len(s.failures) > 0:
		return ResultPartialFailure, nil
	default:
		return ResultSuccess, nil
	}
}

func (o *Orchestrator) processFiles(ctx context.Context, s *session, planner *pathplan.Planner, cp *copier.Copier) {
	engine := checksum.NewEngine(o.fsys)

	var bytesSoFar int64

	for i, task := range s.tasks {
		if o.stopRequested.Load() {
			s.stopped = true
			s.slog.Message("Transfer stopped by user")

			return
		}

		if !o.sourcePresent(s.source) {
			o.failFile(s, task, "", errs.NewPath(errs.KindSourceRemoved, s.source, "", nil))
			s.sourceRemoved = true

			return
		}

		dst, err := planner.DestinationPath(task.SourcePath, s.targetDir, s.source)
		if err != nil {
			o.failFile(s, task, "", errs.NewPath(errs.KindIO, task.SourcePath, "", err))

			continue
		}

		o.tracker.StartFile(task.SourcePath, i+1, len(s.tasks), task.Size, s.totalSize, bytesSoFar)

		fileStart := o.now()

		ok, hex, abort := o.transferOne(ctx, s, engine, cp, task, dst)
		if abort {
			return
		}

		if ok {
			o.finishFile(s, task, dst, hex, o.now().Sub(fileStart))
			bytesSoFar += task.Size
		}

		o.tracker.CompleteFile(ok)
	}
}

// transferOne copies and, when configured, verifies a single file. It
// reports (ok, hash, abort); abort means the whole session must stop
// (user stop or source removal).
func (o *Orchestrator) transferOne(ctx context.Context, s *session, engine *checksum.Engine, cp *copier.Copier, task enumerate.FileTask, dst string) (bool, string, bool) {
	var hasher *checksum.Hasher
	if o.cfg.VerifyTransfers || s.manifest != nil {
		hasher = checksum.New()
	}

	ok, hex, err := cp.CopyFileWithHash(ctx, task.SourcePath, dst, hasher, o.tracker.Callback())
	if err != nil {
		if o.stopRequested.Load() {
			s.stopped = true
			s.slog.Message("Transfer stopped by user")

			return false, "", true
		}

		if !o.sourcePresent(s.source) {
			o.failFile(s, task, dst, errs.NewPath(errs.KindSourceRemoved, task.SourcePath, dst, err))
			s.sourceRemoved = true
			o.tracker.CompleteFile(false)

			return false, "", true
		}

		o.failFile(s, task, dst, errs.NewPath(errs.KindIO, task.SourcePath, dst, err))

		return false, "", false
	}

	if ok && o.cfg.VerifyTransfers {
		o.tracker.SetStatus(progress.StatusChecksumming)
		o.tracker.ResetFileBytes()

		match, err := engine.VerifyFile(ctx, dst, hex, o.tracker.Callback())
		if err != nil {
			if o.stopRequested.Load() {
				s.stopped = true
				s.slog.Message("Transfer stopped by user")

				return false, "", true
			}

			o.failFile(s, task, dst, errs.NewPath(errs.KindIO, task.SourcePath, dst, err))

			return false, "", false
		}

		if !match {
			// The mismatching destination file stays in place for forensic
			// inspection; it is complete, just wrong.
			o.failFile(s, task, dst, errs.NewPath(errs.KindChecksumMismatch, task.SourcePath, dst, nil))

			return false, "", false
		}
	}

	return ok, hex, false
}

// finishFile applies metadata, records the manifest entry and writes the
// success log block. Metadata and manifest failures are logged, never fatal.
func (o *Orchestrator) finishFile(s *session, task enumerate.FileTask, dst string, hex string, duration time.Duration) {
	if md, err := o.store.ReadMetadata(task.SourcePath); err != nil {
		o.log.Warn("metadata capture failed", "path", task.SourcePath, "error", err)
	} else if len(md) > 0 && !o.store.ApplyMetadata(dst, md) {
		o.log.Warn("metadata apply incomplete", "path", dst)
	}

	if o.ProxyHook != nil {
		o.ProxyHook(task.SourcePath, dst)
	}

	if s.manifest != nil && hex != "" {
		if err := s.manifest.AddEntry(dst, hex, task.Size); err != nil {
			s.slog.Error(fmt.Sprintf("Failed to add file to MHL: %v", err))
			o.log.Error("manifest append failed", "path", dst, "error", err)
		}
	}

	rec := translog.FileRecord{
		Src:      task.SourcePath,
		Dst:      dst,
		Size:     task.Size,
		Duration: duration,
		SrcHash:  hex,
		DstHash:  hex,
		Ext:      filepath.Ext(task.SourcePath),
		SrcMtime: task.ModTime,
	}

	if info, err := o.fsys.Stat(task.SourcePath); err == nil {
		rec.SrcPerm = info.Mode().String()
	}
	if info, err := o.fsys.Stat(dst); err == nil {
		rec.DstMtime = info.ModTime()
		rec.DstPerm = info.Mode().String()
	}

	s.slog.Success(rec)
	s.successful++
	s.totalData += task.Size
}

func (o *Orchestrator) failFile(s *session, task enumerate.FileTask, dst string, terr *errs.TransferError) {
	s.failures = append(s.failures, task.SourcePath)
	s.errorBreakdown[terr.Kind.String()]++

	o.showError(terr)

	s.slog.Failure(translog.FileRecord{
		Src:  task.SourcePath,
		Dst:  dst,
		Size: task.Size,
		Ext:  filepath.Ext(task.SourcePath),
		Err:  terr.Error(),
	})
}

// abortEarly closes out a session that failed before any file was copied.
func (o *Orchestrator) abortEarly(s *session, err error) (Result, error) {
	o.showError(err)
	s.slog.Error(err.Error())
	s.slog.Complete(o.summary(s, time.Duration(0)))
	o.tracker.CompleteTransfer(false, false)

	return ResultFailed, err
}

func (o *Orchestrator) summary(s *session, elapsed time.Duration) translog.Summary {
	sum := translog.Summary{
		TotalFiles:      len(s.tasks),
		SuccessfulFiles: s.successful,
		Failures:        s.failures,
		TotalData:       s.totalData,
		SkippedFiles:    s.skipped,
		ErrorBreakdown:  s.errorBreakdown,
		User:            currentUser(),
	}

	if s.successful > 0 {
		sum.AverageFileSize = s.totalData / int64(s.successful)
	}
	if elapsed > 0 {
		sum.AverageSpeedMBs = float64(s.totalData) / elapsed.Seconds() / (1024 * 1024)
	}

	return sum
}

func (o *Orchestrator) sourcePresent(source string) bool {
	if _, err := o.fsys.Stat(source); err != nil {
		return false
	}

	return o.store.IsMounted(source)
}

func (o *Orchestrator) watchStop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.stopRequested.Load() {
				cancel()

				return
			}
		}
	}
}

func (o *Orchestrator) showError(err error) {
	kind := errs.KindOf(err)
	o.log.Error("transfer error", "kind", kind.String(), "error", err)

	if o.sink != nil {
		o.sink.ShowError(kind.Display())
	}
}

func (o *Orchestrator) showStatus(msg string) {
	if o.sink != nil {
		o.sink.ShowStatus(msg, 0)
	}

	o.log.Info(msg)
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}

	return "unknown"
}
