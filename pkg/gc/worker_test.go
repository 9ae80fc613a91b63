package gc_test

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonefs-org/go-zonefs/pkg/config"
	"github.com/zonefs-org/go-zonefs/pkg/gc"
	"github.com/zonefs-org/go-zonefs/pkg/status"
	"github.com/zonefs-org/go-zonefs/pkg/zbd"
	"github.com/zonefs-org/go-zonefs/pkg/zfile"
)

const blockSize = 4096

type fakeFileSet struct {
	mu      sync.Mutex
	files   map[string]*zfile.ZoneFile
	synced  []string
	syncErr error
}

func newFakeFileSet() *fakeFileSet {
	return &fakeFileSet{files: make(map[string]*zfile.ZoneFile)}
}

func (s *fakeFileSet) add(f *zfile.ZoneFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.Filename()] = f
}

func (s *fakeFileSet) remove(name string) {
	s.mu.Lock()
	f := s.files[name]
	delete(s.files, name)
	s.mu.Unlock()
	if f != nil {
		f.Release()
	}
}

func (s *fakeFileSet) ForEachFile(fn func(*zfile.ZoneFile)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		fn(f)
	}
}

func (s *fakeFileSet) HasFile(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[name]
	return ok
}

func (s *fakeFileSet) SyncFileMetadata(f *zfile.ZoneFile) error {
	if s.syncErr != nil {
		return s.syncErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = append(s.synced, f.Filename())
	return nil
}

func testDevice(t *testing.T, zoneBlocks int) *zbd.ZonedBlockDevice {
	t.Helper()

	back := zbd.NewMemBackend(40, uint64(zoneBlocks)*blockSize, blockSize, 14)
	dev := zbd.NewZonedBlockDevice(back, config.Default())
	require.NoError(t, dev.Open(false))
	t.Cleanup(func() { dev.Close() })

	return dev
}

// writeFile appends pattern data and syncs one extent.
func writeFile(t *testing.T, dev *zbd.ZonedBlockDevice, name string, id uint64, b byte, blocks int) *zfile.ZoneFile {
	t.Helper()

	f := zfile.NewZoneFile(dev, name, id)
	f.OpenWR()
	require.NoError(t, f.Append(bytes.Repeat([]byte{b}, blocks*blockSize), blocks*blockSize))
	f.PushExtent()
	f.CloseWR()
	return f
}

// fillZoneWithResidue writes a live file of liveBlocks and a throwaway file
// filling the rest of the zone, then deletes the throwaway, leaving the
// shared zone full with mostly dead bytes.
func fillZoneWithResidue(t *testing.T, dev *zbd.ZonedBlockDevice, set *fakeFileSet,
	name string, id uint64, b byte, liveBlocks, zoneBlocks int) (*zfile.ZoneFile, *zbd.Zone) {
	t.Helper()

	live := writeFile(t, dev, name, id, b, liveBlocks)
	set.add(live)

	tmp := writeFile(t, dev, name+".tmp", id+1000, 0xDD, zoneBlocks-liveBlocks)
	set.add(tmp)
	set.remove(tmp.Filename())

	zone := live.Extents()[0].Zone
	require.True(t, zone.IsFull())
	return live, zone
}

func collectEmptyZones(dev *zbd.ZonedBlockDevice, n int) []*zbd.Zone {
	var dst []*zbd.Zone
	for _, z := range dev.IOZones() {
		if len(dst) == n {
			break
		}
		if z.IsEmpty() && !z.IsUsed() {
			dst = append(dst, z)
		}
	}
	return dst
}

func TestGCRelocatesResidue(t *testing.T) {
	dev := testDevice(t, 4)
	set := newFakeFileSet()

	fileA, zoneA := fillZoneWithResidue(t, dev, set, "a.sst", 1, 0xAA, 1, 4)
	fileB, zoneB := fillZoneWithResidue(t, dev, set, "b.sst", 2, 0xBB, 1, 4)
	require.NotEqual(t, zoneA, zoneB)

	worker := gc.NewWorker(dev, set, collectEmptyZones(dev, 2))
	require.NoError(t, worker.Run())

	assert.Equal(t, uint64(2*blockSize), worker.TotalResidue())

	// Both extents now reference destination zones and the sources are
	// drained and reset.
	assert.NotEqual(t, zoneA, fileA.Extents()[0].Zone)
	assert.NotEqual(t, zoneB, fileB.Extents()[0].Zone)
	assert.Equal(t, int64(0), zoneA.UsedCapacity())
	assert.Equal(t, int64(0), zoneB.UsedCapacity())
	assert.True(t, zoneA.IsEmpty())
	assert.True(t, zoneB.IsEmpty())

	assert.ElementsMatch(t, []string{"a.sst", "b.sst"}, set.synced)

	// The data survived the move.
	got, err := fileA.PositionedRead(0, make([]byte, blockSize), false)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, blockSize), got)

	got, err = fileB.PositionedRead(0, make([]byte, blockSize), false)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xBB}, blockSize), got)
}

func TestGCDoesNotResetBeforeResync(t *testing.T) {
	dev := testDevice(t, 4)
	set := newFakeFileSet()

	fileA, zoneA := fillZoneWithResidue(t, dev, set, "a.sst", 1, 0xAA, 1, 4)

	worker := gc.NewWorker(dev, set, collectEmptyZones(dev, 1))
	worker.Scan()
	require.NoError(t, worker.Relocate())

	// Simulated crash point: relocation done, resync not yet run. The old
	// zone must still hold its (now dead) bytes.
	assert.False(t, zoneA.IsEmpty())
	assert.Empty(t, set.synced)
	assert.NotEqual(t, zoneA, fileA.Extents()[0].Zone)
}

func TestGCSkipsFilesDeletedDuringPass(t *testing.T) {
	dev := testDevice(t, 4)
	set := newFakeFileSet()

	_, zoneA := fillZoneWithResidue(t, dev, set, "a.sst", 1, 0xAA, 1, 4)

	worker := gc.NewWorker(dev, set, collectEmptyZones(dev, 1))
	worker.Scan()
	require.NoError(t, worker.Relocate())

	set.remove("a.sst")
	require.NoError(t, worker.SyncMetadata())
	assert.Empty(t, set.synced)

	worker.ResetSources()
	assert.True(t, zoneA.IsEmpty())
}

func TestGCStopsWhenDestinationsExhausted(t *testing.T) {
	dev := testDevice(t, 4)
	set := newFakeFileSet()

	// Two 3-block residues cannot both fit a single 4-block destination.
	fileA, _ := fillZoneWithResidue(t, dev, set, "a.sst", 1, 0xAA, 3, 4)
	fileB, _ := fillZoneWithResidue(t, dev, set, "b.sst", 2, 0xBB, 3, 4)

	dst := collectEmptyZones(dev, 1)
	worker := gc.NewWorker(dev, set, dst)
	worker.Scan()

	err := worker.Relocate()
	assert.ErrorIs(t, err, status.ErrNoSpace)

	// The first extent made it, the second kept its source location.
	relocated := 0
	for _, f := range []*zfile.ZoneFile{fileA, fileB} {
		if f.Extents()[0].Zone == dst[0] {
			relocated++
		}
	}
	assert.Equal(t, 1, relocated)
}

func TestGCScanStopsAtNonFullZone(t *testing.T) {
	dev := testDevice(t, 8)
	set := newFakeFileSet()

	// The file's only extent sits in a zone with capacity left.
	f := writeFile(t, dev, "open.sst", 1, 0x11, 2)
	set.add(f)

	worker := gc.NewWorker(dev, set, collectEmptyZones(dev, 1))
	worker.Scan()

	assert.Equal(t, uint64(0), worker.TotalResidue())
	require.NoError(t, worker.Run())
	assert.Empty(t, set.synced)
}
