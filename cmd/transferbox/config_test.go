package main

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/stonecotton/transferbox/internal/storage"
)

func parseProgram(t *testing.T, fs afero.Fs, args []string) (*program, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer

	return newProgram(append([]string{"transferbox"}, args...), fs, storage.NewSim(), &stdout, &stderr)
}

// A valid transfer invocation should parse with defaults applied.
func Test_Unit_ParseArgs_ValidTransferMode_Success(t *testing.T) {
	t.Parallel()

	prog, err := parseProgram(t, afero.NewMemMapFs(), []string{
		"--mode=transfer", "--source=/Volumes/CARD", "--destination=/dst",
	})
	require.NoError(t, err)
	require.NotNil(t, prog)

	require.Equal(t, "transfer", prog.opts.Mode)
	require.Equal(t, "/Volumes/CARD", prog.opts.Source)
	require.Equal(t, "/dst", prog.opts.Destination)
	require.True(t, prog.opts.Transfer.VerifyTransfers)
	require.True(t, prog.opts.Transfer.CreateMHLFiles)
}

// An unknown mode is rejected.
func Test_Unit_ParseArgs_InvalidMode_Failure(t *testing.T) {
	t.Parallel()

	_, err := parseProgram(t, afero.NewMemMapFs(), []string{
		"--mode=explode", "--source=/src", "--destination=/dst",
	})
	require.ErrorIs(t, err, errArgModeMismatch)
}

// Transfer mode requires both paths, absolute and distinct.
func Test_Unit_ParseArgs_PathValidation_Failure(t *testing.T) {
	t.Parallel()

	_, err := parseProgram(t, afero.NewMemMapFs(), []string{"--mode=transfer", "--destination=/dst"})
	require.ErrorIs(t, err, errArgMissingSource)

	_, err = parseProgram(t, afero.NewMemMapFs(), []string{"--mode=transfer", "--source=/src"})
	require.ErrorIs(t, err, errArgMissingDestination)

	_, err = parseProgram(t, afero.NewMemMapFs(), []string{"--mode=transfer", "--source=relative", "--destination=/dst"})
	require.ErrorIs(t, err, errArgPathsNotAbs)

	_, err = parseProgram(t, afero.NewMemMapFs(), []string{"--mode=transfer", "--source=/same", "--destination=/same"})
	require.ErrorIs(t, err, errArgPathsSame)
}

// Sweep mode only needs a destination.
func Test_Unit_ParseArgs_SweepMode_Success(t *testing.T) {
	t.Parallel()

	prog, err := parseProgram(t, afero.NewMemMapFs(), []string{"--mode=sweep", "--destination=/dst"})
	require.NoError(t, err)
	require.Equal(t, "sweep", prog.opts.Mode)
}

// Yaml values apply when flags are absent; CLI flags win otherwise.
func Test_Unit_ParseArgs_YamlOverlay_Success(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	yaml := `
source: /Volumes/CARD
destination: /raid/ingest
media-only-transfer: true
verify-transfers: false
create-date-folders: false
timestamp-format: "%Y-%m-%d"
log-level: debug
`
	require.NoError(t, afero.WriteFile(fs, "/etc/transferbox.yml", []byte(yaml), 0o666))

	prog, err := parseProgram(t, fs, []string{
		"--mode=transfer", "--config=/etc/transferbox.yml", "--verify",
	})
	require.NoError(t, err)

	require.Equal(t, "/Volumes/CARD", prog.opts.Source)
	require.Equal(t, "/raid/ingest", prog.opts.Destination)
	require.True(t, prog.opts.Transfer.MediaOnlyTransfer)
	require.False(t, prog.opts.Transfer.CreateDateFolders)
	require.Equal(t, "%Y-%m-%d", prog.opts.Transfer.TimestampFormat)
	require.Equal(t, "debug", prog.opts.LogLevel)

	// The explicit CLI flag overrides the yaml value.
	require.True(t, prog.opts.Transfer.VerifyTransfers)
}

// Unknown yaml fields are rejected by strict decoding.
func Test_Unit_ParseArgs_MalformedYaml_Failure(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bad.yml", []byte("no-such-field: true\n"), 0o666))

	_, err := parseProgram(t, fs, []string{"--mode=transfer", "--source=/s", "--destination=/d", "--config=/bad.yml"})
	require.ErrorIs(t, err, errArgConfigMalformed)
}

// A missing yaml file is rejected.
func Test_Unit_ParseArgs_MissingYaml_Failure(t *testing.T) {
	t.Parallel()

	_, err := parseProgram(t, afero.NewMemMapFs(), []string{
		"--mode=transfer", "--source=/s", "--destination=/d", "--config=/missing.yml",
	})
	require.ErrorIs(t, err, errArgConfigMissing)
}

// An unknown log level is rejected.
func Test_Unit_ParseArgs_InvalidLogLevel_Failure(t *testing.T) {
	t.Parallel()

	_, err := parseProgram(t, afero.NewMemMapFs(), []string{
		"--mode=transfer", "--source=/s", "--destination=/d", "--log-level=loud",
	})
	require.ErrorIs(t, err, errArgInvalidLogLevel)
}
