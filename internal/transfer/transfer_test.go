package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/stonecotton/transferbox/internal/checksum"
	"github.com/stonecotton/transferbox/internal/config"
	"github.com/stonecotton/transferbox/internal/copier"
	"github.com/stonecotton/transferbox/internal/errs"
	"github.com/stonecotton/transferbox/internal/progress"
	"github.com/stonecotton/transferbox/internal/state"
	"github.com/stonecotton/transferbox/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSink captures sink traffic from the orchestrator.
type recordingSink struct {
	snapshots []progress.Snapshot
	statuses  []string
	errors    []string
}

func (s *recordingSink) ShowProgress(snap progress.Snapshot) { s.snapshots = append(s.snapshots, snap) }
func (s *recordingSink) ShowStatus(msg string, _ int)        { s.statuses = append(s.statuses, msg) }
func (s *recordingSink) ShowError(msg string)                { s.errors = append(s.errors, msg) }
func (s *recordingSink) Clear(_ bool)                        {}

// testConfig is a deterministic baseline: no date/device folders, no
// renaming, verification and manifest on.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.CreateDateFolders = false
	cfg.CreateDeviceFolders = false
	cfg.RenameWithTimestamp = false
	cfg.MediaOnlyTransfer = false
	cfg.Normalize()

	return cfg
}

type harness struct {
	fs      afero.Fs
	sim     *storage.Sim
	sink    *recordingSink
	machine *state.Machine
	orch    *Orchestrator
}

func newHarness(t *testing.T, fs afero.Fs, cfg config.Config) *harness {
	t.Helper()

	sim := storage.NewSim()
	sink := &recordingSink{}
	machine := state.NewMachine(testLogger())

	h := &harness{
		fs:      fs,
		sim:     sim,
		sink:    sink,
		machine: machine,
		orch:    New(fs, cfg, sim, machine, sink, testLogger(), "1.0.0-test"),
	}

	return h
}

func (h *harness) mountSource(t *testing.T, path string) {
	t.Helper()

	require.NoError(t, h.fs.MkdirAll(path, 0o777))
	h.sim.AddVolume(path, storage.VolumeInfo{Free: 1 << 40})
}

func (h *harness) mountDest(t *testing.T, path string, free uint64) {
	t.Helper()

	require.NoError(t, h.fs.MkdirAll(path, 0o777))
	h.sim.AddVolume(path, storage.VolumeInfo{Free: free})
}

func writeFiles(t *testing.T, fs afero.Fs, files map[string][]byte) {
	t.Helper()

	for path, content := range files {
		require.NoError(t, afero.WriteFile(fs, path, content, 0o666))
	}
}

func xxh64Of(content []byte) string {
	h := checksum.New()
	h.Update(content)

	return h.Sum()
}

func globOne(t *testing.T, fs afero.Fs, pattern string) string {
	t.Helper()

	matches, err := afero.Glob(fs, pattern)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	return matches[0]
}

func readFile(t *testing.T, fs afero.Fs, path string) string {
	t.Helper()

	raw, err := afero.ReadFile(fs, path)
	require.NoError(t, err)

	return string(raw)
}

// Happy path over a mixed tree: only the media file is transferred, its
// destination hash matches the source, the manifest carries exactly one
// entry and the summary reads 1/1.
func Test_Integ_Run_MixedTreeMediaOnly_Success(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	clip := []byte(strings.Repeat("transferbox-payload!", 52429)) // ~1 MiB

	writeFiles(t, fs, map[string][]byte{
		"/Volumes/CARD/a/1.mp4":       clip,
		"/Volumes/CARD/a/2.txt":       []byte(strings.Repeat("x", 2048)),
		"/Volumes/CARD/.hidden/x.mp4": []byte("hidden"),
	})

	cfg := testConfig()
	cfg.MediaOnlyTransfer = true
	cfg.MediaExtensions = []string{".mp4"}

	h := newHarness(t, fs, cfg)
	h.mountSource(t, "/Volumes/CARD")
	h.mountDest(t, "/dst", 1<<40)

	result, err := h.orch.Run(context.Background(), "/Volumes/CARD", "/dst")
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, result)

	copied, err := afero.ReadFile(fs, "/dst/a/1.mp4")
	require.NoError(t, err)
	require.Equal(t, clip, copied)
	require.Equal(t, xxh64Of(clip), xxh64Of(copied))

	exists, err := afero.Exists(fs, "/dst/a/2.txt")
	require.NoError(t, err)
	require.False(t, exists)

	manifest := readFile(t, fs, globOne(t, fs, "/dst/*.mhl"))
	require.Equal(t, 1, strings.Count(manifest, "<hash>"))
	require.Contains(t, manifest, fmt.Sprintf(`size="%d"`, len(clip)))
	require.Contains(t, manifest, xxh64Of(clip))

	logContent := readFile(t, fs, globOne(t, fs, "/dst/transfer_log_*.log"))
	require.Contains(t, logContent, "Files transferred: 1/1")

	// The state machine is back in standby and accounted the session.
	require.Equal(t, state.Standby, h.machine.Current())
}

// Pre-flight space check: free space equal to the required bytes is below the
// 5% margin and fails before any file is copied and before a manifest exists.
func Test_Integ_Run_InsufficientSpace_Failure(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	payload := make([]byte, 1_000_000)
	writeFiles(t, fs, map[string][]byte{"/Volumes/CARD/clip.mp4": payload})

	h := newHarness(t, fs, testConfig())
	h.mountSource(t, "/Volumes/CARD")
	h.mountDest(t, "/dst", 1_000_000) // < 1.05x required

	result, err := h.orch.Run(context.Background(), "/Volumes/CARD", "/dst")
	require.Error(t, err)
	require.Equal(t, ResultFailed, result)
	require.Equal(t, errs.KindNotEnoughSpace, errs.KindOf(err))

	exists, err := afero.Exists(fs, "/dst/clip.mp4")
	require.NoError(t, err)
	require.False(t, exists)

	matches, err := afero.Glob(fs, "/dst/*.mhl")
	require.NoError(t, err)
	require.Empty(t, matches)

	require.Contains(t, h.sink.errors, "Not enough space")
}

// corruptAfterRename flips a byte of the destination right after the staged
// rename, simulating corruption between copy and verification.
type corruptAfterRename struct {
	afero.Fs
	target string
}

func (f corruptAfterRename) Rename(oldname, newname string) error {
	if err := f.Fs.Rename(oldname, newname); err != nil {
		return err
	}

	if newname == f.target {
		raw, err := afero.ReadFile(f.Fs, newname)
		if err != nil {
			return nil
		}
		raw[0] ^= 0xFF

		return afero.WriteFile(f.Fs, newname, raw, 0o666)
	}

	return nil
}

// A corrupted destination fails verification: the file is reported failed,
// the wrong copy stays in place for inspection, no staging file remains and
// the manifest does not record it.
func Test_Integ_Run_ChecksumMismatch_Failure(t *testing.T) {
	t.Parallel()

	base := afero.NewMemMapFs()
	fs := corruptAfterRename{Fs: base, target: "/dst/clip.mp4"}

	payload := []byte(strings.Repeat("abcd", 4096))
	writeFiles(t, base, map[string][]byte{"/Volumes/CARD/clip.mp4": payload})

	h := newHarness(t, fs, testConfig())
	h.mountSource(t, "/Volumes/CARD")
	h.mountDest(t, "/dst", 1<<40)

	result, err := h.orch.Run(context.Background(), "/Volumes/CARD", "/dst")
	require.NoError(t, err)
	require.Equal(t, ResultPartialFailure, result)

	// The verified-to-be-wrong copy is left in place.
	exists, err := afero.Exists(fs, "/dst/clip.mp4")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = afero.Exists(fs, "/dst/clip.mp4"+copier.TempFileExtension)
	require.NoError(t, err)
	require.False(t, exists)

	manifest := readFile(t, fs, globOne(t, fs, "/dst/*.mhl"))
	require.NotContains(t, manifest, "<hash>")

	logContent := readFile(t, fs, globOne(t, fs, "/dst/transfer_log_*.log"))
	require.Contains(t, logContent, "Failed: /Volumes/CARD/clip.mp4")
	require.Contains(t, logContent, "Files transferred: 0/1")
	require.Contains(t, logContent, "ChecksumMismatch: 1")
}

// yankOnOpen unmounts the simulated source volume when a given file is
// opened, as if the card were pulled mid-transfer.
type yankOnOpen struct {
	afero.Fs
	target string
	sim    *storage.Sim
	volume string
}

func (f yankOnOpen) Open(name string) (afero.File, error) {
	if name == f.target {
		f.sim.RemoveVolume(f.volume)

		return nil, fmt.Errorf("simulated device gone: %q", name)
	}

	return f.Fs.Open(name)
}

// Source removal during file B of three: A is intact and in the manifest, B
// leaves no staging remnant, C is never attempted, the session is failed
// with SourceRemoved and the summary reads 1/3.
func Test_Integ_Run_SourceRemovedMidTransfer_Failure(t *testing.T) {
	t.Parallel()

	base := afero.NewMemMapFs()

	writeFiles(t, base, map[string][]byte{
		"/Volumes/CARD/a.mp4": []byte(strings.Repeat("a", 4096)),
		"/Volumes/CARD/b.mp4": []byte(strings.Repeat("b", 4096)),
		"/Volumes/CARD/c.mp4": []byte(strings.Repeat("c", 4096)),
	})

	sim := storage.NewSim()
	fs := yankOnOpen{Fs: base, target: "/Volumes/CARD/b.mp4", sim: sim, volume: "/Volumes/CARD"}

	sink := &recordingSink{}
	machine := state.NewMachine(testLogger())
	orch := New(fs, testConfig(), sim, machine, sink, testLogger(), "1.0.0-test")

	sim.AddVolume("/Volumes/CARD", storage.VolumeInfo{})
	sim.AddVolume("/dst", storage.VolumeInfo{Free: 1 << 40})
	require.NoError(t, base.MkdirAll("/dst", 0o777))

	result, err := orch.Run(context.Background(), "/Volumes/CARD", "/dst")
	require.Error(t, err)
	require.Equal(t, ResultFailed, result)
	require.Equal(t, errs.KindSourceRemoved, errs.KindOf(err))

	// A made it, fully verified and recorded.
	copied, err := afero.ReadFile(base, "/dst/a.mp4")
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("a", 4096), string(copied))

	manifest := readFile(t, base, globOne(t, base, "/dst/*.mhl"))
	require.Equal(t, 1, strings.Count(manifest, "<hash>"))

	// B left nothing behind; C was never attempted.
	for _, path := range []string{
		"/dst/b.mp4", "/dst/b.mp4" + copier.TempFileExtension,
		"/dst/c.mp4", "/dst/c.mp4" + copier.TempFileExtension,
	} {
		exists, err := afero.Exists(base, path)
		require.NoError(t, err)
		require.False(t, exists, "unexpected file: %s", path)
	}

	logContent := readFile(t, base, globOne(t, base, "/dst/transfer_log_*.log"))
	require.Contains(t, logContent, "Files transferred: 1/3")
	require.Contains(t, logContent, "SourceRemoved: 1")
}

// failCreateAfter lets a path be created only a limited number of times,
// simulating a manifest that becomes unwritable mid-session.
type failCreateAfter struct {
	afero.Fs
	suffix string
	allow  int
	count  int
}

func (f *failCreateAfter) Create(name string) (afero.File, error) {
	if strings.HasSuffix(name, f.suffix) {
		f.count++
		if f.count > f.allow {
			return nil, fmt.Errorf("simulated permission denied: %q", name)
		}
	}

	return f.Fs.Create(name)
}

// Manifest append failures must not abort the transfer: every file is still
// copied and verified, the session succeeds, and the manifest on disk holds
// only the entries appended before the failure.
func Test_Integ_Run_ManifestAppendFailure_Success(t *testing.T) {
	t.Parallel()

	base := afero.NewMemMapFs()
	fs := &failCreateAfter{Fs: base, suffix: ".mhl", allow: 2} // init + first append

	writeFiles(t, base, map[string][]byte{
		"/Volumes/CARD/a.mp4": []byte(strings.Repeat("a", 2048)),
		"/Volumes/CARD/b.mp4": []byte(strings.Repeat("b", 2048)),
	})

	h := newHarness(t, fs, testConfig())
	h.mountSource(t, "/Volumes/CARD")
	h.mountDest(t, "/dst", 1<<40)

	result, err := h.orch.Run(context.Background(), "/Volumes/CARD", "/dst")
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, result)

	for _, path := range []string{"/dst/a.mp4", "/dst/b.mp4"} {
		exists, err := afero.Exists(base, path)
		require.NoError(t, err)
		require.True(t, exists)
	}

	manifest := readFile(t, base, globOne(t, base, "/dst/*.mhl"))
	require.Equal(t, 1, strings.Count(manifest, "<hash>"))

	logContent := readFile(t, base, globOne(t, base, "/dst/transfer_log_*.log"))
	require.Contains(t, logContent, "Failed to add file to MHL")
	require.Contains(t, logContent, "Files transferred: 2/2")
}

// An empty source returns NoFiles: no manifest, and the log says so.
func Test_Integ_Run_EmptySource_NoFiles(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()

	h := newHarness(t, fs, testConfig())
	h.mountSource(t, "/Volumes/CARD")
	h.mountDest(t, "/dst", 1<<40)

	result, err := h.orch.Run(context.Background(), "/Volumes/CARD", "/dst")
	require.NoError(t, err)
	require.Equal(t, ResultNoFiles, result)

	matches, err := afero.Glob(fs, "/dst/*.mhl")
	require.NoError(t, err)
	require.Empty(t, matches)

	logContent := readFile(t, fs, globOne(t, fs, "/dst/transfer_log_*.log"))
	require.Contains(t, logContent, "No files to transfer")

	require.Equal(t, state.Standby, h.machine.Current())
}

// failOpen fails reads of one path while the volume stays mounted: the file
// is counted failed and the transfer continues.
type failOpen struct {
	afero.Fs
	target string
}

func (f failOpen) Open(name string) (afero.File, error) {
	if name == f.target {
		return nil, fmt.Errorf("simulated read failure: %q", name)
	}

	return f.Fs.Open(name)
}

// One unreadable file fails per-file; the rest of the session continues and
// completes with a partial failure.
func Test_Integ_Run_SingleFileIOError_PartialFailure(t *testing.T) {
	t.Parallel()

	base := afero.NewMemMapFs()
	fs := failOpen{Fs: base, target: "/Volumes/CARD/bad.mp4"}

	writeFiles(t, base, map[string][]byte{
		"/Volumes/CARD/bad.mp4":  []byte(strings.Repeat("x", 1024)),
		"/Volumes/CARD/good.mp4": []byte(strings.Repeat("y", 1024)),
	})

	h := newHarness(t, fs, testConfig())
	h.mountSource(t, "/Volumes/CARD")
	h.mountDest(t, "/dst", 1<<40)

	result, err := h.orch.Run(context.Background(), "/Volumes/CARD", "/dst")
	require.NoError(t, err)
	require.Equal(t, ResultPartialFailure, result)

	exists, err := afero.Exists(base, "/dst/good.mp4")
	require.NoError(t, err)
	require.True(t, exists)

	logContent := readFile(t, base, globOne(t, base, "/dst/transfer_log_*.log"))
	require.Contains(t, logContent, "Files transferred: 1/2")
	require.Contains(t, logContent, "IoError: 1")
}

// A stop request before processing marks the session stopped, with the
// summary still written.
func Test_Integ_Run_StoppedBeforeProcessing_Stopped(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string][]byte{"/Volumes/CARD/a.mp4": []byte("data")})

	h := newHarness(t, fs, testConfig())
	h.mountSource(t, "/Volumes/CARD")
	h.mountDest(t, "/dst", 1<<40)

	// Run resets an earlier stop request, so the stop is requested from the
	// tracker's first published snapshot instead.
	h.orch.tracker = progress.NewTracker(&stopOnFirstSnapshot{orch: h.orch})

	result, err := h.orch.Run(context.Background(), "/Volumes/CARD", "/dst")
	require.NoError(t, err)
	require.Equal(t, ResultStopped, result)

	logContent := readFile(t, fs, globOne(t, fs, "/dst/transfer_log_*.log"))
	require.Contains(t, logContent, "Transfer stopped by user")
	require.Equal(t, state.Standby, h.machine.Current())
}

type stopOnFirstSnapshot struct {
	orch *Orchestrator
}

func (s *stopOnFirstSnapshot) ShowProgress(_ progress.Snapshot) { s.orch.Stop() }
func (s *stopOnFirstSnapshot) ShowStatus(_ string, _ int)       {}
func (s *stopOnFirstSnapshot) ShowError(_ string)               {}
func (s *stopOnFirstSnapshot) Clear(_ bool)                     {}

// Transfers are refused in utility mode.
func Test_Integ_Run_UtilityMode_Failure(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string][]byte{"/Volumes/CARD/a.mp4": []byte("data")})

	h := newHarness(t, fs, testConfig())
	h.mountSource(t, "/Volumes/CARD")
	h.mountDest(t, "/dst", 1<<40)

	require.NoError(t, h.machine.EnterUtility())

	result, err := h.orch.Run(context.Background(), "/Volumes/CARD", "/dst")
	require.Error(t, err)
	require.Equal(t, ResultFailed, result)
	require.Equal(t, errs.KindInUtilityMode, errs.KindOf(err))
	require.Contains(t, h.sink.errors, "In utility mode")
}

// Re-running a completed transfer reproduces the same destination paths
// with the same content.
func Test_Integ_Run_Rerun_Idempotent_Success(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	payload := []byte(strings.Repeat("idempotent", 1000))
	writeFiles(t, fs, map[string][]byte{"/Volumes/CARD/a/clip.mp4": payload})

	h := newHarness(t, fs, testConfig())
	h.mountSource(t, "/Volumes/CARD")
	h.mountDest(t, "/dst", 1<<40)

	result, err := h.orch.Run(context.Background(), "/Volumes/CARD", "/dst")
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, result)

	firstHash := xxh64Of([]byte(readFile(t, fs, "/dst/a/clip.mp4")))

	result, err = h.orch.Run(context.Background(), "/Volumes/CARD", "/dst")
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, result)

	require.Equal(t, firstHash, xxh64Of([]byte(readFile(t, fs, "/dst/a/clip.mp4"))))
	require.Equal(t, xxh64Of(payload), firstHash)

	// No staging remnants anywhere below the destination.
	var staging []string
	require.NoError(t, afero.Walk(fs, "/dst", func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && strings.HasSuffix(path, copier.TempFileExtension) {
			staging = append(staging, path)
		}

		return nil
	}))
	require.Empty(t, staging)
}
