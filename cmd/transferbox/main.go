/*
transferbox is a CLI utility for ingesting media files from a removable
source volume (e.g., a camera SD card) onto a destination directory, with
cryptographic-strength integrity verification, structured logging and
ASC-MHL manifest generation. It is built for on-set media wrangling, where a
file that "almost" copied is worse than no copy at all.

Each file is copied through a staging file next to its destination and only
renamed into place once the full content has been written and flushed, so an
observer never sees a partial file under its final name. When verification
is enabled, the destination is re-read and its XXH64 checksum compared
against the hash computed while reading the source; only verified files are
recorded in the ASC-MHL manifest.

The tool operates in two modes:

  - `transfer`: Runs one verified transfer session from `--source` to
    `--destination`: pre-flight validation, target directory setup (date and
    device folders), enumeration, per-file copy/verify, manifest and session
    log writing.

  - `sweep`: Removes leftover `*.TBPART` staging files below `--destination`
    from earlier interrupted sessions. No other files are touched.

# USAGE

	transferbox --mode=transfer --source=ABSPATH --destination=ABSPATH [flags]
	transferbox --mode=sweep --destination=ABSPATH

# ARGUMENTS

	--mode [transfer|sweep]
		Required. Mode of operation for the program.

	--config string
		Optional. Path to a YAML configuration file with any CLI arguments.
		Exception: `--mode` argument must always be specified via command-line.
		Direct CLI arguments always override values set via configuration file.

	--source string
		Required in transfer mode. Absolute path to the source volume.
		The source is read-only to the program and must be a mount point.

	--destination string
		Required. Absolute path to the destination directory. Created when
		missing, provided its parent exists and is writable.

	--media-only
		Optional. Transfer only files whose extension is among the configured
		media extensions.

		Default: false

	--verify
		Optional. Re-read each destination file after copying and verify its
		XXH64 checksum against the hash calculated while reading the source.
		Requires a full re-read of every transferred file.

		Default: true

	--mhl
		Optional. Write an ASC-MHL v2.0 manifest next to the transferred
		files, extended after every successfully transferred file.

		Default: true

	--preserve-structure
		Optional. Recreate the source's directory structure below the target
		directory instead of flattening it.

		Default: true

	--rename
		Optional. Rename files using their creation timestamp and the
		configured filename template.

		Default: true

	--date-folders
		Optional. Organize the target directory by transfer date.

		Default: true

	--device-folders
		Optional. Add a per-device folder derived from the source volume's
		label below the target directory.

		Default: false

	--buffer-size int
		Optional. I/O buffer size in bytes; clamped to [4 KiB, 100 MiB].

	--chunk-size int
		Optional. Copy chunk size in bytes, the granularity of progress
		updates and stop handling.

	--log-level [debug|info|warn|error]
		Optional. Controls verbosity of the operational logs that are emitted.

		Default: info

	--json
		Optional. Outputs in JSON format the operational logs that are emitted.
		Allows for programmatic parsing of output from standard error (stderr).

		Default: false

# YAML CONFIGURATION EXAMPLE

	source: /Volumes/CARD_A001
	destination: /Volumes/RAID/ingest
	media-only-transfer: true
	verify-transfers: true
	create-mhl-files: true
	create-date-folders: true
	date-folder-format: "%Y/%m/%d"
	rename-with-timestamp: true
	filename-template: "{original}_{timestamp}"
	timestamp-format: "%Y%m%d_%H%M%S"
	log-level: info
	json: false

Invalid configurations (unknown or malformed fields) are rejected at runtime.

# RETURN CODES

  - `0`: Success
  - `1`: Failure
  - `2`: Partial Failure (some files failed; summary lists them)
  - `3`: No files to transfer
  - `4`: Stopped by user
  - `5`: Invalid command-line arguments and/or configuration file provided

# DESIGN CHOICES AND LIMITATIONS

The transfer pipeline is single-threaded on purpose: the bottleneck is
sequential I/O on one source device, and the correctness of atomic renames
and progress accounting is much cleaner without concurrent writers. A
stalled copy shows up as low speed and a long ETA; it is never aborted
automatically.

The program never mutates the source volume. Failures on a single file are
logged and counted, and the session continues with the next file; source
removal, pre-flight validation failures and a user stop terminate the
session. Manifest write failures are logged but never abort a transfer,
since integrity is already carried by the verified copy.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/stonecotton/transferbox/internal/copier"
	"github.com/stonecotton/transferbox/internal/display"
	"github.com/stonecotton/transferbox/internal/state"
	"github.com/stonecotton/transferbox/internal/storage"
	"github.com/stonecotton/transferbox/internal/transfer"
)

const (
	exitCodeSuccess        = 0
	exitCodeFailure        = 1
	exitCodePartialFailure = 2
	exitCodeNoFiles        = 3
	exitCodeStopped        = 4
	exitCodeConfigFailure  = 5

	defaultLogLevel = slog.LevelInfo

	exitTimeout = 10 * time.Second
)

var (
	// Version is the application's version (filled in during compilation).
	Version string

	errArgConfigMalformed    = errors.New("--config yaml file is malformed")
	errArgConfigMissing      = errors.New("--config yaml file does not exist")
	errArgModeMismatch       = errors.New("--mode must either be 'transfer' or 'sweep'")
	errArgMissingSource      = errors.New("--source path must be set")
	errArgMissingDestination = errors.New("--destination path must be set")
	errArgPathsNotAbs        = errors.New("--source and --destination paths must be absolute")
	errArgPathsSame          = errors.New("--source and --destination paths cannot be the same")
	errArgInvalidLogLevel    = errors.New("--log-level has a not recognized value")
)

type program struct {
	fsys   afero.Fs
	store  storage.Storage
	stdout io.Writer
	stderr io.Writer

	opts *programOptions

	log   *slog.Logger
	flags *flag.FlagSet
}

func main() {
	var prog *program
	var exitCode int

	defer func() {
		if prog != nil {
			prog.log.Info("program exited",
				"code", exitCode,
			)
		}
		os.Exit(exitCode)
	}()

	fmt.Fprintf(os.Stdout, "TransferBox (v%s) - Verified media offload, no partial copies.\n\n", Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	doneChan := make(chan int, 1)

	prog, err := newProgram(os.Args, afero.NewOsFs(), storage.NewOSStorage(slog.Default()), os.Stdout, os.Stderr)
	if prog == nil || err != nil {
		exitCode = exitCodeConfigFailure

		return
	}

	orch := prog.buildOrchestrator()

	go func() {
		exitCode, _ := prog.run(ctx, orch)
		doneChan <- exitCode
	}()

	select {
	case code := <-doneChan:
		exitCode = code

		return

	case <-sigChan:
		prog.log.Warn("received interrupt signal; finishing in-flight chunk (waiting up to 10s)...",
			"op", prog.opts.Mode,
		)
		orch.Stop()
		cancel()

		select {
		case code := <-doneChan:
			exitCode = code

			return

		case <-time.After(exitTimeout):
			prog.log.Error("timed out while waiting for program exit; killing...",
				"op", prog.opts.Mode,
				"error-type", "fatal",
			)
			exitCode = exitCodeFailure

			return
		}
	}
}

func newProgram(cliArgs []string, fsys afero.Fs, store storage.Storage, stdout io.Writer, stderr io.Writer) (*program, error) {
	prog := &program{
		fsys:   fsys,
		store:  store,
		stdout: stdout,
		stderr: stderr,
		opts:   newProgramOptions(),
	}

	if err := prog.parseArgs(cliArgs); err != nil {
		fmt.Fprintf(prog.stderr, "fatal: failed to parse configuration: %v\n\n", err)
		prog.flags.Usage()

		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := prog.validateOpts(); err != nil {
		fmt.Fprintf(prog.stderr, "fatal: failed to validate configuration: %v\n\n", err)
		prog.flags.Usage()

		return nil, fmt.Errorf("failed to validate configuration: %w", err)
	}

	if err := prog.printOpts(); err != nil {
		fmt.Fprintf(prog.stderr, "fatal: failed to print configuration: %v\n\n", err)
		prog.flags.Usage()

		return nil, fmt.Errorf("failed to print configuration: %w", err)
	}

	prog.log = slog.New(prog.logHandler())

	return prog, nil
}

func (prog *program) buildOrchestrator() *transfer.Orchestrator {
	machine := state.NewMachine(prog.log)
	sink := display.NewConsoleSink(prog.stdout, prog.log)

	return transfer.New(prog.fsys, prog.opts.Transfer, prog.store, machine, sink, prog.log, Version)
}

func (prog *program) run(ctx context.Context, orch *transfer.Orchestrator) (retExitCode int, retError error) {
	defer func() {
		if r := recover(); r != nil {
			prog.log.Error("internal panic recovered",
				"op", prog.opts.Mode,
				"error", r,
				"error-type", "fatal",
			)
			debug.PrintStack()
			retExitCode = exitCodeFailure
		}
	}()

	switch prog.opts.Mode {
	case "sweep":
		cp := copier.New(prog.fsys, prog.log, prog.opts.Transfer.BufferSize, prog.opts.Transfer.ChunkSize)

		count, err := cp.CleanupTempFiles(prog.opts.Destination)
		if err != nil {
			prog.log.Error("failed sweeping staging files",
				"op", prog.opts.Mode,
				"error", err,
				"error-type", "fatal",
			)

			return exitCodeFailure, fmt.Errorf("failed sweeping staging files: %w", err)
		}

		prog.log.Info("sweep completed", "op", prog.opts.Mode, "removed", count)

		return exitCodeSuccess, nil

	case "transfer":
		prog.log.Info("starting transfer session...",
			"op", prog.opts.Mode,
			"source", prog.opts.Source,
			"destination", prog.opts.Destination,
		)

		result, err := orch.Run(ctx, prog.opts.Source, prog.opts.Destination)
		if err != nil && !errors.Is(err, context.Canceled) {
			prog.log.Error("transfer session failed",
				"op", prog.opts.Mode,
				"error", err,
				"error-type", "fatal",
			)
		}

		switch result {
		case transfer.ResultSuccess:
			prog.log.Info("transfer completed; exiting...", "op", prog.opts.Mode)

			return exitCodeSuccess, nil
		case transfer.ResultNoFiles:
			prog.log.Warn("no files to transfer; exiting...", "op", prog.opts.Mode)

			return exitCodeNoFiles, nil
		case transfer.ResultPartialFailure:
			prog.log.Warn("transfer completed, but with failed files; exiting...", "op", prog.opts.Mode)

			return exitCodePartialFailure, nil
		case transfer.ResultStopped:
			prog.log.Warn("transfer stopped by user; exiting...", "op", prog.opts.Mode)

			return exitCodeStopped, nil
		default:
			return exitCodeFailure, err
		}
	}

	return exitCodeConfigFailure, errArgModeMismatch
}
