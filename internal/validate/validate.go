// Package validate runs the pre-flight checks of a transfer: system mode,
// source readability, destination writability and free space. Every failure
// comes back classified, with a short display message for constrained
// surfaces.
package validate

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/stonecotton/transferbox/internal/errs"
	"github.com/stonecotton/transferbox/internal/state"
	"github.com/stonecotton/transferbox/internal/storage"
)

// spaceMarginNum/spaceMarginDen express the 5% filesystem-overhead safety
// margin: free must be at least required * 105 / 100.
const (
	spaceMarginNum = 105
	spaceMarginDen = 100
)

var (
	errSourceNotExist     = errors.New("source does not exist")
	errSourceNotDir       = errors.New("source is not a directory")
	errSourceNotMounted   = errors.New("source is not a mount point")
	errSourceNotReadable  = errors.New("source is not readable")
	errDestNotDir         = errors.New("destination exists but is not a directory")
	errDestParentNotExist = errors.New("destination parent does not exist")
	errDestNotWritable    = errors.New("destination is not writable")
	errInUtilityMode      = errors.New("transfers are refused while in utility mode")
	errNotEnoughSpace     = errors.New("not enough free space on destination")
)

// Validator runs transfer pre-flight checks.
type Validator struct {
	fsys    afero.Fs
	storage storage.Storage
	machine *state.Machine
	log     *slog.Logger
}

// New returns a validator.
func New(fsys afero.Fs, st storage.Storage, machine *state.Machine, log *slog.Logger) *Validator {
	return &Validator{
		fsys:    fsys,
		storage: st,
		machine: machine,
		log:     log,
	}
}

// Validate gates the transfer on the system mode and checks the source and
// destination. A missing destination is created (parents included) when its
// parent is writable.
func (v *Validator) Validate(source string, destination string) error {
	if v.machine.IsUtility() {
		return errs.New(errs.KindInUtilityMode, errInUtilityMode)
	}

	if err := v.validateSource(source); err != nil {
		return err
	}

	return v.validateDestination(destination)
}

// CheckSpace verifies the destination volume holds the required bytes plus
// the safety margin.
func (v *Validator) CheckSpace(destination string, requiredBytes int64) error {
	info, err := v.storage.VolumeInfo(destination)
	if err != nil {
		return errs.NewPath(errs.KindInvalidDestination, "", destination, err)
	}

	needed := uint64(requiredBytes) * spaceMarginNum / spaceMarginDen

	if info.Free < needed {
		v.log.Error("not enough free space",
			"destination", destination,
			"required", requiredBytes,
			"with_margin", needed,
			"free", info.Free,
		)

		return errs.NewPath(errs.KindNotEnoughSpace, "", destination,
			fmt.Errorf("%w: need %d bytes (with margin), have %d", errNotEnoughSpace, needed, info.Free))
	}

	return nil
}

func (v *Validator) validateSource(source string) error {
	info, err := v.fsys.Stat(source)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errs.NewPath(errs.KindInvalidSource, source, "", errSourceNotExist)
		}

		return errs.NewPath(errs.KindInvalidSource, source, "", err)
	}

	if !info.IsDir() {
		return errs.NewPath(errs.KindInvalidSource, source, "", errSourceNotDir)
	}

	if !v.storage.IsMounted(source) {
		return errs.NewPath(errs.KindInvalidSource, source, "", errSourceNotMounted)
	}

	if _, err := afero.ReadDir(v.fsys, source); err != nil {
		return errs.NewPath(errs.KindInvalidSource, source, "", fmt.Errorf("%w: %w", errSourceNotReadable, err))
	}

	return nil
}

func (v *Validator) validateDestination(destination string) error {
	info, err := v.fsys.Stat(destination)

	switch {
	case err == nil:
		if !info.IsDir() {
			return errs.NewPath(errs.KindInvalidDestination, "", destination, errDestNotDir)
		}

		if !v.isWritable(destination) {
			return errs.NewPath(errs.KindInvalidDestination, "", destination, errDestNotWritable)
		}

		return nil

	case errors.Is(err, os.ErrNotExist):
		parent := filepath.Dir(destination)
		if _, err := v.fsys.Stat(parent); err != nil {
			return errs.NewPath(errs.KindInvalidDestination, "", destination,
				fmt.Errorf("%w: %q", errDestParentNotExist, parent))
		}

		if !v.isWritable(parent) {
			return errs.NewPath(errs.KindInvalidDestination, "", destination, errDestNotWritable)
		}

		if err := v.fsys.MkdirAll(destination, 0o777); err != nil {
			return errs.NewPath(errs.KindInvalidDestination, "", destination, err)
		}

		v.log.Info("destination directory created", "path", destination)

		return nil

	default:
		return errs.NewPath(errs.KindInvalidDestination, "", destination, err)
	}
}

// isWritable probes writability by creating and removing a scratch file,
// which works identically on real and in-memory filesystems.
func (v *Validator) isWritable(dir string) bool {
	probe := filepath.Join(dir, ".tb_write_probe")

	f, err := v.fsys.Create(probe)
	if err != nil {
		return false
	}
	f.Close()

	_ = v.fsys.Remove(probe)

	return true
}
