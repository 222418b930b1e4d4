package main

import (
	"flag"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/yaml.v3"

	"github.com/stonecotton/transferbox/internal/config"
)

type programOptions struct {
	Mode        string `yaml:"-"`
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
	LogLevel    string `yaml:"log-level"`
	JSON        bool   `yaml:"json"`

	Transfer config.Config `yaml:",inline"`
}

func newProgramOptions() *programOptions {
	return &programOptions{
		LogLevel: strings.ToLower(defaultLogLevel.String()),
		Transfer: config.Default(),
	}
}

func parseLogLevel(levelStr string) (slog.Level, error) {
	switch strings.TrimSpace(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return defaultLogLevel, errArgInvalidLogLevel
	}
}

func (prog *program) parseArgs(cliArgs []string) error {
	var (
		yamlFile string
		yamlOpts programOptions
	)

	yamlOpts.Transfer = config.Default()

	prog.flags = flag.NewFlagSet("transferbox", flag.ExitOnError)
	prog.flags.SetOutput(prog.stderr)
	prog.flags.Usage = func() {
		fmt.Fprintf(prog.stderr, "usage: %q --mode=transfer|sweep --source=ABSPATH --destination=ABSPATH\n", cliArgs[0])
		fmt.Fprintf(prog.stderr, "\t[--media-only] [--verify] [--mhl] [--preserve-structure] [--rename]\n")
		fmt.Fprintf(prog.stderr, "\t[--date-folders] [--device-folders] [--buffer-size=N] [--chunk-size=N]\n")
		fmt.Fprintf(prog.stderr, "\t[--log-level=debug|info|warn|error] [--json]\n\n")
		prog.flags.PrintDefaults()
	}

	prog.flags.StringVar(&prog.opts.Mode, "mode", "", "operation mode: 'transfer' or 'sweep'; always needed")
	prog.flags.StringVar(&yamlFile, "config", "", "path to a yaml configuration file; used with the specified mode")
	prog.flags.StringVar(&prog.opts.Source, "source", "", "absolute path to the source volume; files will be copied *from* here")
	prog.flags.StringVar(&prog.opts.Destination, "destination", "", "absolute path to the destination directory; files will be copied *to* here")
	prog.flags.BoolVar(&prog.opts.Transfer.MediaOnlyTransfer, "media-only", prog.opts.Transfer.MediaOnlyTransfer, "transfer only files with a configured media extension")
	prog.flags.BoolVar(&prog.opts.Transfer.VerifyTransfers, "verify", prog.opts.Transfer.VerifyTransfers, "re-read each destination file and verify its checksum; requires a full extra read")
	prog.flags.BoolVar(&prog.opts.Transfer.CreateMHLFiles, "mhl", prog.opts.Transfer.CreateMHLFiles, "write an ASC-MHL v2.0 manifest next to the transferred files")
	prog.flags.BoolVar(&prog.opts.Transfer.PreserveFolderStructure, "preserve-structure", prog.opts.Transfer.PreserveFolderStructure, "recreate the source directory structure below the target directory")
	prog.flags.BoolVar(&prog.opts.Transfer.RenameWithTimestamp, "rename", prog.opts.Transfer.RenameWithTimestamp, "rename files using their creation timestamp and the filename template")
	prog.flags.BoolVar(&prog.opts.Transfer.CreateDateFolders, "date-folders", prog.opts.Transfer.CreateDateFolders, "organize the target directory by transfer date")
	prog.flags.BoolVar(&prog.opts.Transfer.CreateDeviceFolders, "device-folders", prog.opts.Transfer.CreateDeviceFolders, "add a per-device folder derived from the source volume label")
	prog.flags.IntVar(&prog.opts.Transfer.BufferSize, "buffer-size", prog.opts.Transfer.BufferSize, "i/o buffer size in bytes; clamped to [4 KiB, 100 MiB]")
	prog.flags.IntVar(&prog.opts.Transfer.ChunkSize, "chunk-size", prog.opts.Transfer.ChunkSize, "copy chunk size in bytes; granularity of progress updates")
	prog.flags.StringVar(&prog.opts.LogLevel, "log-level", "info", "decides the verbosity of emitted logs; debug, info, warn, error")
	prog.flags.BoolVar(&prog.opts.JSON, "json", false, "output all emitted logs in the JSON format; results can be read from stderr")

	if err := prog.flags.Parse(cliArgs[1:]); err != nil {
		return fmt.Errorf("failed parsing flags: %w", err)
	}

	setFlags := make(map[string]bool)
	prog.flags.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	if yamlFile != "" {
		f, err := prog.fsys.Open(yamlFile)
		if err != nil {
			return fmt.Errorf("%w: %w", errArgConfigMissing, err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)

		if err := dec.Decode(&yamlOpts); err != nil {
			return fmt.Errorf("%w: %w", errArgConfigMalformed, err)
		}

		// CLI flags always override the configuration file; only fields the
		// user did not pass on the command line take yaml values.
		if !setFlags["source"] {
			prog.opts.Source = yamlOpts.Source
		}
		if !setFlags["destination"] {
			prog.opts.Destination = yamlOpts.Destination
		}
		if !setFlags["log-level"] && yamlOpts.LogLevel != "" {
			prog.opts.LogLevel = yamlOpts.LogLevel
		}
		if !setFlags["json"] {
			prog.opts.JSON = yamlOpts.JSON
		}

		flagForField := map[string]*bool{
			"media-only":         &prog.opts.Transfer.MediaOnlyTransfer,
			"verify":             &prog.opts.Transfer.VerifyTransfers,
			"mhl":                &prog.opts.Transfer.CreateMHLFiles,
			"preserve-structure": &prog.opts.Transfer.PreserveFolderStructure,
			"rename":             &prog.opts.Transfer.RenameWithTimestamp,
			"date-folders":       &prog.opts.Transfer.CreateDateFolders,
			"device-folders":     &prog.opts.Transfer.CreateDeviceFolders,
		}
		yamlForField := map[string]bool{
			"media-only":         yamlOpts.Transfer.MediaOnlyTransfer,
			"verify":             yamlOpts.Transfer.VerifyTransfers,
			"mhl":                yamlOpts.Transfer.CreateMHLFiles,
			"preserve-structure": yamlOpts.Transfer.PreserveFolderStructure,
			"rename":             yamlOpts.Transfer.RenameWithTimestamp,
			"date-folders":       yamlOpts.Transfer.CreateDateFolders,
			"device-folders":     yamlOpts.Transfer.CreateDeviceFolders,
		}
		for name, target := range flagForField {
			if !setFlags[name] {
				*target = yamlForField[name]
			}
		}

		if !setFlags["buffer-size"] {
			prog.opts.Transfer.BufferSize = yamlOpts.Transfer.BufferSize
		}
		if !setFlags["chunk-size"] {
			prog.opts.Transfer.ChunkSize = yamlOpts.Transfer.ChunkSize
		}

		prog.opts.Transfer.MediaExtensions = yamlOpts.Transfer.MediaExtensions
		prog.opts.Transfer.FilenameTemplate = yamlOpts.Transfer.FilenameTemplate
		prog.opts.Transfer.TimestampFormat = yamlOpts.Transfer.TimestampFormat
		prog.opts.Transfer.DateFolderFormat = yamlOpts.Transfer.DateFolderFormat
		prog.opts.Transfer.DeviceFolderTemplate = yamlOpts.Transfer.DeviceFolderTemplate
		prog.opts.Transfer.PreserveOriginalFilename = yamlOpts.Transfer.PreserveOriginalFilename
	}

	return nil
}

func (prog *program) validateOpts() error {
	if prog.opts.Mode != "transfer" && prog.opts.Mode != "sweep" {
		return errArgModeMismatch
	}

	prog.opts.Source = filepath.Clean(strings.TrimSpace(prog.opts.Source))
	prog.opts.Destination = filepath.Clean(strings.TrimSpace(prog.opts.Destination))

	if prog.opts.Destination == "" || prog.opts.Destination == "." {
		return errArgMissingDestination
	}

	if prog.opts.Mode == "transfer" {
		if prog.opts.Source == "" || prog.opts.Source == "." {
			return errArgMissingSource
		}

		if prog.opts.Source == prog.opts.Destination {
			return errArgPathsSame
		}

		if !filepath.IsAbs(prog.opts.Source) || !filepath.IsAbs(prog.opts.Destination) {
			return errArgPathsNotAbs
		}
	} else if !filepath.IsAbs(prog.opts.Destination) {
		return errArgPathsNotAbs
	}

	if prog.opts.LogLevel != "" {
		if _, err := parseLogLevel(prog.opts.LogLevel); err != nil {
			return fmt.Errorf("%w: %q", err, prog.opts.LogLevel)
		}
	} else {
		prog.opts.LogLevel = strings.ToLower(defaultLogLevel.String())
	}

	prog.opts.Transfer.Normalize()

	if err := prog.opts.Transfer.Validate(); err != nil {
		return fmt.Errorf("failed validating transfer configuration: %w", err)
	}

	return nil
}

func (prog *program) printOpts() error {
	out, err := yaml.Marshal(prog.opts)
	if err != nil {
		return fmt.Errorf("failed printing configuration: %w", err)
	}

	fmt.Fprintf(prog.stdout, "configuration for '--mode=%s':\n", prog.opts.Mode)

	lines := strings.Split(string(out), "\n")
	for _, line := range lines {
		if line != "" {
			fmt.Fprintf(prog.stdout, "\t%s\n", line)
		}
	}

	fmt.Fprintln(prog.stdout)

	return nil
}

func (prog *program) logHandler() slog.Handler {
	var logHandler slog.Handler
	var logLevel slog.Level

	logLevel, _ = parseLogLevel(prog.opts.LogLevel)

	if prog.opts.JSON {
		logHandler = slog.NewJSONHandler(prog.stderr, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		logHandler = tint.NewHandler(prog.stderr,
			&tint.Options{
				Level:      logLevel,
				TimeFormat: time.TimeOnly,
			})
	}

	return logHandler
}
