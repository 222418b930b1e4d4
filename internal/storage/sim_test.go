package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Volumes should be listed sorted and resolve by longest mounted prefix.
func Test_Unit_Sim_Volumes_Success(t *testing.T) {
	t.Parallel()

	sim := NewSim()
	sim.AddVolume("/Volumes/B", VolumeInfo{Free: 10})
	sim.AddVolume("/Volumes/A", VolumeInfo{Free: 20})
	sim.AddVolume("/Volumes/A/nested", VolumeInfo{Free: 5})

	require.Equal(t, []string{"/Volumes/A", "/Volumes/A/nested", "/Volumes/B"}, sim.AvailableVolumes())

	info, err := sim.VolumeInfo("/Volumes/A/somewhere/deep")
	require.NoError(t, err)
	require.Equal(t, uint64(20), info.Free)

	info, err = sim.VolumeInfo("/Volumes/A/nested/file")
	require.NoError(t, err)
	require.Equal(t, uint64(5), info.Free)

	_, err = sim.VolumeInfo("/elsewhere")
	require.Error(t, err)
}

// Removal should unmount the volume.
func Test_Unit_Sim_RemoveVolume_Success(t *testing.T) {
	t.Parallel()

	sim := NewSim()
	sim.AddVolume("/Volumes/CARD", VolumeInfo{})

	require.True(t, sim.IsMounted("/Volumes/CARD"))
	sim.RemoveVolume("/Volumes/CARD")
	require.False(t, sim.IsMounted("/Volumes/CARD"))
}

// WaitForNewVolume should observe a volume mounted after the initial scan.
func Test_Unit_Sim_WaitForNewVolume_Success(t *testing.T) {
	t.Parallel()

	sim := NewSim()
	sim.AddVolume("/Volumes/OLD", VolumeInfo{})

	initial := sim.AvailableVolumes()

	go func() {
		time.Sleep(5 * time.Millisecond)
		sim.AddVolume("/Volumes/NEW", VolumeInfo{})
	}()

	path, err := sim.WaitForNewVolume(context.Background(), initial)
	require.NoError(t, err)
	require.Equal(t, "/Volumes/NEW", path)
}

// Metadata should round-trip through apply and read, and honor forced
// failure.
func Test_Unit_Sim_Metadata_Success(t *testing.T) {
	t.Parallel()

	sim := NewSim()

	md := Metadata{
		KeyMode:    {Kind: ValueInt, Int: 0o644},
		KeyModTime: {Kind: ValueTime, Time: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
	}

	require.True(t, sim.ApplyMetadata("/dst/f.mov", md))

	got, err := sim.ReadMetadata("/dst/f.mov")
	require.NoError(t, err)
	require.Equal(t, md, got)

	sim.FailMetadata(true)
	require.False(t, sim.ApplyMetadata("/dst/f.mov", md))
}
