package zbd

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonefs-org/go-zonefs/pkg/config"
	"github.com/zonefs-org/go-zonefs/pkg/status"
)

const testBlockSize = 4096

func testDevice(t *testing.T, nrZones int, zoneSize uint64, maxActive uint32) (*ZonedBlockDevice, *MemBackend) {
	t.Helper()

	back := NewMemBackend(nrZones, zoneSize, testBlockSize, maxActive)
	dev := NewZonedBlockDevice(back, config.Default())
	require.NoError(t, dev.Open(false))
	t.Cleanup(func() { dev.Close() })

	return dev, back
}

func pattern(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestZoneAppend(t *testing.T) {
	dev, back := testDevice(t, 40, 16*testBlockSize, 14)
	z := dev.IOZones()[0]

	t.Run("RejectsUnalignedSize", func(t *testing.T) {
		err := z.Append(pattern(0xA5, 100))
		assert.ErrorIs(t, err, status.ErrInvalidArgument)
	})

	t.Run("RejectsOversizedAppend", func(t *testing.T) {
		err := z.Append(pattern(0xA5, 17*testBlockSize))
		assert.ErrorIs(t, err, status.ErrNoSpace)
	})

	t.Run("AdvancesWritePointer", func(t *testing.T) {
		require.NoError(t, z.Append(pattern(0xA5, 2*testBlockSize)))

		assert.Equal(t, z.Start()+2*testBlockSize, z.WP())
		assert.Equal(t, uint64(14*testBlockSize), z.Capacity())

		got := make([]byte, 2*testBlockSize)
		_, err := back.Pread(got, z.Start(), false)
		require.NoError(t, err)
		assert.Equal(t, pattern(0xA5, 2*testBlockSize), got)
	})

	t.Run("InvariantUsedBelowWP", func(t *testing.T) {
		assert.LessOrEqual(t, uint64(z.UsedCapacity()), z.WP()-z.Start())
		assert.LessOrEqual(t, z.WP()-z.Start(), z.MaxCapacity())
	})
}

func TestZoneAppendAsync(t *testing.T) {
	dev, back := testDevice(t, 40, 16*testBlockSize, 14)
	z := dev.IOZones()[1]

	require.NoError(t, z.AppendAsync(pattern(0x5A, testBlockSize)))
	require.NoError(t, z.Sync())

	got := make([]byte, testBlockSize)
	_, err := back.Pread(got, z.Start(), false)
	require.NoError(t, err)
	assert.Equal(t, pattern(0x5A, testBlockSize), got)

	// Sync with nothing outstanding is a no-op.
	assert.NoError(t, z.Sync())

	// A second async append drains the first implicitly.
	require.NoError(t, z.AppendAsync(pattern(0x11, testBlockSize)))
	require.NoError(t, z.AppendAsync(pattern(0x22, testBlockSize)))
	require.NoError(t, z.Sync())
	assert.Equal(t, z.Start()+3*testBlockSize, z.WP())
}

func TestZoneFinish(t *testing.T) {
	dev, _ := testDevice(t, 40, 16*testBlockSize, 14)
	z := dev.IOZones()[2]

	require.NoError(t, z.Append(pattern(0x01, testBlockSize)))

	z.openForWrite = true
	assert.ErrorIs(t, z.Finish(), status.ErrInvalidArgument)
	z.openForWrite = false

	require.NoError(t, z.Finish())
	assert.True(t, z.IsFull())
	assert.Equal(t, z.Start()+dev.ZoneSize(), z.WP())
}

func TestZoneReset(t *testing.T) {
	dev, _ := testDevice(t, 40, 16*testBlockSize, 14)
	z := dev.IOZones()[3]

	require.NoError(t, z.Append(pattern(0x01, testBlockSize)))

	t.Run("RefusesWhileUsed", func(t *testing.T) {
		z.AddUsed(testBlockSize)
		assert.ErrorIs(t, z.Reset(), status.ErrInvalidArgument)
		z.AddUsed(-testBlockSize)
	})

	t.Run("ReturnsZoneToEmpty", func(t *testing.T) {
		require.NoError(t, z.Reset())
		assert.True(t, z.IsEmpty())
		assert.Equal(t, z.MaxCapacity(), z.Capacity())
		assert.Equal(t, LifetimeNotSet, z.Lifetime())
	})
}

func TestMemBackendEnforcesSequentialWrites(t *testing.T) {
	back := NewMemBackend(40, 16*testBlockSize, testBlockSize, 14)
	_, err := back.Open(false)
	require.NoError(t, err)

	buf := pattern(0xFF, testBlockSize)
	_, err = back.Pwrite(buf, testBlockSize) // zone 0 wp is still 0
	assert.Error(t, err)

	_, err = back.Pwrite(buf, 0)
	assert.NoError(t, err)
}
