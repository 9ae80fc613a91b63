// Package gc relocates live data out of full zones so they can be reset.
package gc

import (
	"fmt"

	"github.com/ncw/directio"
	"golang.org/x/exp/slices"

	"github.com/zonefs-org/go-zonefs/pkg/metrics"
	"github.com/zonefs-org/go-zonefs/pkg/status"
	"github.com/zonefs-org/go-zonefs/pkg/zbd"
	"github.com/zonefs-org/go-zonefs/pkg/zfile"
	"github.com/zonefs-org/go-zonefs/util"
)

// FileSet is the view of the surrounding file system's file table the
// collector needs: enumeration under the table lock, liveness checks, and
// durable metadata resync.
type FileSet interface {
	ForEachFile(fn func(*zfile.ZoneFile))
	HasFile(filename string) bool
	SyncFileMetadata(*zfile.ZoneFile) error
}

// Worker is a single garbage collection pass: scan full zones for live
// residue, relocate it into the supplied destination zones, resync the
// affected files' metadata, then reset the drained sources. The phase order
// is what keeps a crash recoverable: until resync is durable the old
// metadata still references the old zones, so sources must never be reset
// before resync completes.
type Worker struct {
	dev   *zbd.ZonedBlockDevice
	files FileSet

	dstZones []*zbd.Zone

	zoneResidue   map[*zbd.Zone]uint64
	totalResidue  uint64
	extentList    []*zfile.Extent
	filesToResync []*zfile.ZoneFile
}

func NewWorker(dev *zbd.ZonedBlockDevice, files FileSet, dstZones []*zbd.Zone) *Worker {
	return &Worker{
		dev:         dev,
		files:       files,
		dstZones:    dstZones,
		zoneResidue: make(map[*zbd.Zone]uint64),
	}
}

func (w *Worker) TotalResidue() uint64 { return w.totalResidue }

// Scan walks every file's extents and records those sitting in full zones.
// A file stops contributing at its first extent in a non-full zone: its
// later extents are still being laid down near the write frontier and are
// not worth moving yet.
func (w *Worker) Scan() {
	w.files.ForEachFile(func(f *zfile.ZoneFile) {
		contributed := false
		for _, extent := range f.Extents() {
			if !extent.Zone.IsFull() {
				break
			}
			w.zoneResidue[extent.Zone] += uint64(extent.Length)
			w.totalResidue += uint64(extent.Length)
			w.extentList = append(w.extentList, extent)
			contributed = true
		}
		if contributed {
			w.filesToResync = append(w.filesToResync, f)
		}
	})
}

// readExtent fills buf from the source zone at readPos. Reads crossing the
// zone's address span are rejected; reads beyond the write pointer report
// zero bytes.
func (w *Worker) readExtent(buf []byte, readPos uint64, src *zbd.Zone) (int, error) {
	if readPos >= src.WP() {
		return 0, nil
	}
	if readPos+uint64(len(buf)) > src.Start()+src.MaxCapacity() {
		return 0, fmt.Errorf("read across zone at 0x%x: %w", readPos, status.ErrIOError)
	}

	read := 0
	for read < len(buf) {
		n, err := w.dev.Backend().Pread(buf[read:], readPos, false)
		if err != nil {
			return read, fmt.Errorf("residue read at 0x%x failed: %v: %w", readPos, err, status.ErrIOError)
		}
		if n <= 0 {
			return read, fmt.Errorf("residue read at 0x%x returned nothing: %w", readPos, status.ErrIOError)
		}
		read += n
		readPos += uint64(n)
	}
	return read, nil
}

// Relocate copies every recorded extent into the destination zones, largest
// first, updating extent locations and moving the used accounting from
// source to destination. A destination running out of space advances the
// cursor without re-reading the extent; an exhausted destination list
// surfaces NoSpace.
func (w *Worker) Relocate() error {
	if len(w.extentList) == 0 {
		return nil
	}

	slices.SortFunc(w.extentList, func(a, b *zfile.Extent) int {
		return int(b.Length) - int(a.Length)
	})

	blockSz := uint64(w.dev.BlockSize())
	longest := alignUp(uint64(w.extentList[0].Length), blockSz)
	scratch := directio.AlignedBlock(int(longest))

	zi := 0
	haveData := false
	for i := 0; i < len(w.extentList); {
		if zi >= len(w.dstZones) {
			return fmt.Errorf("destination zones exhausted with %d extents left: %w",
				len(w.extentList)-i, status.ErrNoSpace)
		}

		ext := w.extentList[i]
		dst := w.dstZones[zi]

		// Device writes stay block aligned even when the extent carries an
		// unaligned valid tail; the pad bytes sit past the extent's end.
		wrSize := alignUp(uint64(ext.Length), blockSz)

		if !haveData {
			n, err := w.readExtent(scratch[:ext.Length], ext.Start, ext.Zone)
			if err != nil {
				return err
			}
			if n == 0 {
				i++
				continue
			}
			for j := uint64(ext.Length); j < wrSize; j++ {
				scratch[j] = 0
			}
		}

		newStart := dst.WP()
		err := dst.Append(scratch[:wrSize])
		if err == nil {
			src := ext.Zone
			ext.Start = newStart
			ext.Zone = dst
			src.AddUsed(-int64(ext.Length))
			dst.AddUsed(int64(ext.Length))
			metrics.GCRelocatedBytes.Add(float64(ext.Length))
			i++
			haveData = false
			continue
		}

		if status.IsNoSpace(err) {
			// Keep the already-read data and try the next destination.
			haveData = true
			zi++
			continue
		}

		return err
	}

	return nil
}

// SyncMetadata persists the metadata of every file whose extents moved.
// Files deleted since the scan are skipped: deletion already synced their
// final metadata.
func (w *Worker) SyncMetadata() error {
	for _, f := range w.filesToResync {
		if !w.files.HasFile(f.Filename()) {
			continue
		}
		if err := w.files.SyncFileMetadata(f); err != nil {
			return err
		}
	}
	return nil
}

// ResetSources resets every source zone whose residue was fully relocated.
func (w *Worker) ResetSources() {
	for z := range w.zoneResidue {
		if z.IsUsed() {
			continue
		}
		if err := z.Reset(); err != nil {
			util.Warn("Failed resetting zone 0x%x after relocation: %v", z.Start(), err)
		}
	}
}

// Run executes one full pass. Sources are only reset after the metadata
// resync has returned, never before.
func (w *Worker) Run() error {
	w.Scan()
	if w.totalResidue == 0 {
		return nil
	}

	if err := w.Relocate(); err != nil {
		return err
	}
	if err := w.SyncMetadata(); err != nil {
		return err
	}
	w.ResetSources()

	metrics.GCPassTotal.Inc()
	w.dev.ReportSpaceUtilization()
	return nil
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) / align * align
}
