package zfile

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonefs-org/go-zonefs/pkg/config"
	"github.com/zonefs-org/go-zonefs/pkg/zbd"
)

const blockSize = 4096

func testDevice(t *testing.T, nrZones int, zoneSize uint64) *zbd.ZonedBlockDevice {
	t.Helper()

	back := zbd.NewMemBackend(nrZones, zoneSize, blockSize, 14)
	dev := zbd.NewZonedBlockDevice(back, config.Default())
	require.NoError(t, dev.Open(false))
	t.Cleanup(func() { dev.Close() })

	return dev
}

func pattern(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestSingleFileWriteRead(t *testing.T) {
	dev := testDevice(t, 40, 64*blockSize)

	f := NewZoneFile(dev, "000123.sst", 1)
	f.SetLifetime(zbd.LifetimeMedium)
	f.OpenWR()

	require.NoError(t, f.Append(pattern(0xA5, blockSize), blockSize))
	require.NoError(t, f.Append(pattern(0x5A, blockSize), blockSize))
	f.PushExtent()

	assert.Equal(t, uint64(2*blockSize), f.FileSize())

	extents := f.Extents()
	require.Len(t, extents, 1)
	assert.Equal(t, uint32(2*blockSize), extents[0].Length)

	zone := extents[0].Zone
	assert.Equal(t, int64(2*blockSize), zone.UsedCapacity())
	assert.Equal(t, zone.Start()+2*blockSize, zone.WP())

	scratch := make([]byte, 2*blockSize)
	got, err := f.PositionedRead(0, scratch, false)
	require.NoError(t, err)

	want := append(pattern(0xA5, blockSize), pattern(0x5A, blockSize)...)
	assert.Equal(t, want, got)

	f.CloseWR()
}

func TestCrossZoneExtent(t *testing.T) {
	dev := testDevice(t, 40, 2*blockSize)

	f := NewZoneFile(dev, "000124.sst", 2)
	f.OpenWR()

	require.NoError(t, f.Append(pattern(0x7E, 3*blockSize), 3*blockSize))
	f.PushExtent()

	extents := f.Extents()
	require.Len(t, extents, 2)
	assert.Equal(t, uint32(2*blockSize), extents[0].Length)
	assert.Equal(t, uint32(blockSize), extents[1].Length)

	first, second := extents[0].Zone, extents[1].Zone
	assert.NotEqual(t, first, second)
	assert.True(t, first.IsFull())
	assert.Equal(t, second.Start()+blockSize, second.WP())

	// The full zone was handed to the background finisher.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if first.WP() == first.Start()+dev.ZoneSize() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, first.Start()+dev.ZoneSize(), first.WP())

	scratch := make([]byte, 3*blockSize)
	got, err := f.PositionedRead(0, scratch, false)
	require.NoError(t, err)
	assert.Equal(t, pattern(0x7E, 3*blockSize), got)

	f.CloseWR()
}

func TestAppendTrimsPaddingFromFileSize(t *testing.T) {
	dev := testDevice(t, 40, 64*blockSize)

	f := NewZoneFile(dev, "MANIFEST-000001", 3)
	f.OpenWR()

	data := pattern(0x42, blockSize)
	require.NoError(t, f.Append(data, 100))
	f.PushExtent()

	assert.Equal(t, uint64(100), f.FileSize())
	require.Len(t, f.Extents(), 1)
	assert.Equal(t, uint32(100), f.Extents()[0].Length)

	scratch := make([]byte, 100)
	got, err := f.PositionedRead(0, scratch, false)
	require.NoError(t, err)
	assert.Equal(t, data[:100], got)

	f.CloseWR()
}

func TestPositionedReadBoundaries(t *testing.T) {
	dev := testDevice(t, 40, 64*blockSize)

	f := NewZoneFile(dev, "000125.sst", 4)
	f.OpenWR()
	require.NoError(t, f.Append(pattern(0x33, 2*blockSize), 2*blockSize))
	f.PushExtent()
	f.CloseWR()

	t.Run("ReadPastEOFIsEmpty", func(t *testing.T) {
		got, err := f.PositionedRead(f.FileSize(), make([]byte, blockSize), false)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ReadClampsToEOF", func(t *testing.T) {
		got, err := f.PositionedRead(blockSize, make([]byte, 4*blockSize), false)
		require.NoError(t, err)
		assert.Len(t, got, blockSize)
	})

	t.Run("DirectReadWhenAligned", func(t *testing.T) {
		got, err := f.PositionedRead(0, make([]byte, 2*blockSize), true)
		require.NoError(t, err)
		assert.Equal(t, pattern(0x33, 2*blockSize), got)
	})
}

func TestPushExtentIdempotent(t *testing.T) {
	dev := testDevice(t, 40, 64*blockSize)

	f := NewZoneFile(dev, "000126.sst", 5)
	f.OpenWR()
	require.NoError(t, f.Append(pattern(0x44, blockSize), blockSize))

	f.PushExtent()
	f.PushExtent()
	f.PushExtent()

	require.Len(t, f.Extents(), 1)
	assert.Equal(t, int64(blockSize), f.Extents()[0].Zone.UsedCapacity())

	f.CloseWR()
}

func TestFileMetadataRoundTrip(t *testing.T) {
	dev := testDevice(t, 40, 2*blockSize)

	f := NewZoneFile(dev, "000123.sst", 77)
	f.SetLifetime(zbd.LifetimeLong)
	f.SetModificationTime(1700000000)
	f.OpenWR()
	// Three extents across three zones.
	require.NoError(t, f.Append(pattern(0x66, 5*blockSize), 5*blockSize))
	f.PushExtent()
	f.CloseWR()
	require.Len(t, f.Extents(), 3)

	encoded := f.EncodeTo(nil, 0)

	decoded := NewZoneFile(dev, "", 0)
	require.NoError(t, decoded.DecodeFrom(encoded))

	assert.Equal(t, f.ID(), decoded.ID())
	assert.Equal(t, f.Filename(), decoded.Filename())
	assert.Equal(t, f.FileSize(), decoded.FileSize())
	assert.Equal(t, f.Lifetime(), decoded.Lifetime())
	assert.Equal(t, f.ModificationTime(), decoded.ModificationTime())

	require.Len(t, decoded.Extents(), 3)
	for i, e := range decoded.Extents() {
		orig := f.Extents()[i]
		assert.Equal(t, orig.Start, e.Start)
		assert.Equal(t, orig.Length, e.Length)
		assert.Equal(t, orig.Zone, e.Zone)
		// Both the original and the decoded copy credit the zone.
		assert.Equal(t, int64(2*orig.Length), e.Zone.UsedCapacity())
	}
}

func TestFileDecodeRejectsCorruption(t *testing.T) {
	dev := testDevice(t, 40, 64*blockSize)

	valid := func() []byte {
		f := NewZoneFile(dev, "a.sst", 9)
		return f.EncodeTo(nil, 0)
	}

	t.Run("MissingFileID", func(t *testing.T) {
		f := NewZoneFile(dev, "", 0)
		err := f.DecodeFrom(valid()[4:])
		assert.Error(t, err)
	})

	t.Run("UnknownTag", func(t *testing.T) {
		encoded := valid()
		encoded = putFixed32(encoded, 99)
		f := NewZoneFile(dev, "", 0)
		assert.Error(t, f.DecodeFrom(encoded))
	})

	t.Run("ZeroLengthFilename", func(t *testing.T) {
		encoded := putFixed32(nil, tagFileID)
		encoded = putFixed64(encoded, 1)
		encoded = putFixed32(encoded, tagFileName)
		encoded = putLengthPrefixed(encoded, nil)
		f := NewZoneFile(dev, "", 0)
		assert.Error(t, f.DecodeFrom(encoded))
	})

	t.Run("ExtentOutsideDataPool", func(t *testing.T) {
		encoded := putFixed32(nil, tagFileID)
		encoded = putFixed64(encoded, 1)
		extent := NewExtent(0, blockSize, nil) // op-log zone address
		encoded = putFixed32(encoded, tagExtent)
		encoded = putLengthPrefixed(encoded, extent.EncodeTo(nil))
		f := NewZoneFile(dev, "", 0)
		assert.Error(t, f.DecodeFrom(encoded))
	})
}

func TestMergeUpdate(t *testing.T) {
	dev := testDevice(t, 40, 64*blockSize)

	f := NewZoneFile(dev, "000127.sst", 11)
	f.OpenWR()
	require.NoError(t, f.Append(pattern(0x55, blockSize), blockSize))
	f.PushExtent()
	f.MetadataSynced()

	require.NoError(t, f.Append(pattern(0x56, blockSize), blockSize))
	f.PushExtent()

	// Incremental record carrying only the second extent.
	update := NewZoneFile(dev, "", 0)
	require.NoError(t, update.DecodeFrom(f.EncodeTo(nil, f.NrSyncedExtents())))
	require.Len(t, update.Extents(), 1)

	base := NewZoneFile(dev, "old-name.sst", 11)
	base.SetFileSize(blockSize)
	require.NoError(t, base.MergeUpdate(update))

	assert.Equal(t, "000127.sst", base.Filename())
	assert.Equal(t, f.FileSize(), base.FileSize())
	require.Len(t, base.Extents(), 1)

	other := NewZoneFile(dev, "", 999)
	assert.Error(t, other.MergeUpdate(update))

	f.CloseWR()
}

func TestGetUniqueId(t *testing.T) {
	dev := testDevice(t, 40, 64*blockSize)
	f := NewZoneFile(dev, "000128.sst", 12)

	assert.Equal(t, 0, f.GetUniqueId(make([]byte, 29)))

	buf := make([]byte, 32)
	n := f.GetUniqueId(buf)
	assert.Greater(t, n, 0)

	// Same file yields the same id, another file differs.
	buf2 := make([]byte, 32)
	n2 := f.GetUniqueId(buf2)
	assert.Equal(t, buf[:n], buf2[:n2])

	g := NewZoneFile(dev, "000129.sst", 13)
	buf3 := make([]byte, 32)
	n3 := g.GetUniqueId(buf3)
	assert.NotEqual(t, buf[:n], buf3[:n3])
}

func TestReleaseReturnsUsedCapacity(t *testing.T) {
	dev := testDevice(t, 40, 64*blockSize)

	f := NewZoneFile(dev, "000130.sst", 14)
	f.OpenWR()
	require.NoError(t, f.Append(pattern(0x77, 2*blockSize), 2*blockSize))
	f.PushExtent()

	zone := f.Extents()[0].Zone
	require.Equal(t, int64(2*blockSize), zone.UsedCapacity())

	f.Release()
	assert.Equal(t, int64(0), zone.UsedCapacity())
	assert.Empty(t, f.Extents())
}
