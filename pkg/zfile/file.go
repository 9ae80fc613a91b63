package zfile

import (
	"encoding/binary"
	"fmt"

	"github.com/zonefs-org/go-zonefs/pkg/metrics"
	"github.com/zonefs-org/go-zonefs/pkg/status"
	"github.com/zonefs-org/go-zonefs/pkg/zbd"
	"github.com/zonefs-org/go-zonefs/util"
)

// Metadata record tags. The file ID must come first in every encoded record.
const (
	tagFileID            uint32 = 1
	tagFileName          uint32 = 2
	tagFileSize          uint32 = 3
	tagWriteLifeTimeHint uint32 = 4
	tagExtent            uint32 = 5
	tagModificationTime  uint32 = 6
)

// ZoneFile is an append-only file laid out as an ordered list of extents
// over data zones. One writer at a time appends through an adapter; reads
// may run concurrently against synced extents.
type ZoneFile struct {
	zbd *zbd.ZonedBlockDevice

	fileID   uint64
	filename string
	fileSize uint64
	lifetime zbd.Lifetime
	mtime    uint64

	extents         []*Extent
	nrSyncedExtents int

	activeZone    *zbd.Zone
	extentStart   uint64
	extentFilepos uint64

	openForWR bool
	isWAL     bool
}

func NewZoneFile(dev *zbd.ZonedBlockDevice, filename string, fileID uint64) *ZoneFile {
	return &ZoneFile{
		zbd:      dev,
		fileID:   fileID,
		filename: filename,
		lifetime: zbd.LifetimeNotSet,
	}
}

func (f *ZoneFile) ID() uint64                     { return f.fileID }
func (f *ZoneFile) Filename() string               { return f.filename }
func (f *ZoneFile) Rename(name string)             { f.filename = name }
func (f *ZoneFile) FileSize() uint64               { return f.fileSize }
func (f *ZoneFile) SetFileSize(sz uint64)          { f.fileSize = sz }
func (f *ZoneFile) ModificationTime() uint64       { return f.mtime }
func (f *ZoneFile) SetModificationTime(mt uint64)  { f.mtime = mt }
func (f *ZoneFile) Lifetime() zbd.Lifetime         { return f.lifetime }
func (f *ZoneFile) SetLifetime(lt zbd.Lifetime)    { f.lifetime = lt }
func (f *ZoneFile) SetWAL(wal bool)                { f.isWAL = wal }
func (f *ZoneFile) IsWAL() bool                    { return f.isWAL }
func (f *ZoneFile) Extents() []*Extent             { return f.extents }
func (f *ZoneFile) NrSyncedExtents() int           { return f.nrSyncedExtents }
func (f *ZoneFile) OpenWR()                        { f.openForWR = true }
func (f *ZoneFile) IsOpenForWR() bool              { return f.openForWR }

// MetadataSynced marks every current extent as persisted, so the next
// incremental encode starts after them.
func (f *ZoneFile) MetadataSynced() {
	f.nrSyncedExtents = len(f.extents)
}

// CloseWR releases the active zone back to the allocator.
func (f *ZoneFile) CloseWR() {
	if f.activeZone != nil {
		if err := f.activeZone.CloseWR(); err != nil {
			util.Warn("Failed to close active zone of %s: %v", f.filename, err)
		}
		f.activeZone = nil
	}
	f.openForWR = false
}

// Release drops the file's claim on its zones: every extent's length is
// returned to its zone's used accounting and the active zone is closed.
// Must be called exactly once, when the file is removed from the table.
func (f *ZoneFile) Release() {
	for _, e := range f.extents {
		if e.Zone != nil {
			e.Zone.AddUsed(-int64(e.Length))
		}
	}
	f.extents = nil
	f.CloseWR()
}

// GetExtent locates the extent containing the file offset and returns it
// with the matching device offset.
func (f *ZoneFile) GetExtent(fileOffset uint64) (*Extent, uint64) {
	for _, e := range f.extents {
		if fileOffset < uint64(e.Length) {
			return e, e.Start + fileOffset
		}
		fileOffset -= uint64(e.Length)
	}
	return nil, 0
}

// PushExtent records the bytes appended to the active zone since the last
// push as a new extent. Idempotent when nothing new has been appended.
func (f *ZoneFile) PushExtent() {
	if f.activeZone == nil {
		return
	}

	length := f.fileSize - f.extentFilepos
	if length == 0 {
		return
	}

	f.extents = append(f.extents, NewExtent(f.extentStart, uint32(length), f.activeZone))
	f.activeZone.AddUsed(int64(length))
	f.extentStart = f.activeZone.WP()
	f.extentFilepos = f.fileSize
}

// Append writes block-aligned data into the file's active zone, rolling to
// freshly allocated zones as capacity runs out. validSize is the number of
// payload bytes; the block padding beyond it does not count toward the file
// size.
func (f *ZoneFile) Append(data []byte, validSize int) error {
	left := len(data)
	offset := 0

	if f.activeZone == nil {
		zone := f.zbd.AllocateZone(f.lifetime, f.isWAL, nil)
		if zone == nil {
			return fmt.Errorf("zone allocation failure: %w", status.ErrNoSpace)
		}
		f.activeZone = zone
		f.extentStart = zone.WP()
		f.extentFilepos = f.fileSize
	}

	for left > 0 {
		if f.activeZone.Capacity() == 0 {
			f.PushExtent()

			full := f.activeZone
			full.CloseWR()
			zone := f.zbd.AllocateZone(f.lifetime, f.isWAL, full)
			if zone == nil {
				f.activeZone = nil
				return fmt.Errorf("zone allocation failure: %w", status.ErrNoSpace)
			}
			f.activeZone = zone
			f.extentStart = zone.WP()
			f.extentFilepos = f.fileSize
		}

		wr := left
		if uint64(wr) > f.activeZone.Capacity() {
			wr = int(f.activeZone.Capacity())
		}

		if err := f.activeZone.Append(data[offset : offset+wr]); err != nil {
			return err
		}

		f.fileSize += uint64(wr)
		left -= wr
		offset += wr
	}

	f.fileSize -= uint64(len(data) - validSize)
	return nil
}

// PositionedRead fills scratch with up to len(scratch) bytes starting at
// the file offset, walking extents as needed. Reads past EOF return an
// empty slice. When the request length is block-aligned and direct is set,
// the O_DIRECT descriptor is used.
func (f *ZoneFile) PositionedRead(offset uint64, scratch []byte, direct bool) ([]byte, error) {
	if offset >= f.fileSize {
		return scratch[:0], nil
	}

	extent, rOff := f.GetExtent(offset)
	if extent == nil {
		// read start beyond end of synced file data
		return scratch[:0], nil
	}
	extentEnd := extent.Start + uint64(extent.Length)

	rSz := uint64(len(scratch))
	if offset+rSz > f.fileSize {
		rSz = f.fileSize - offset
	}

	var read uint64
	for read != rSz {
		preadSz := rSz - read

		if rOff+preadSz > extentEnd {
			preadSz = extentEnd - rOff
		}

		// Extent lengths are not necessarily block aligned, so fall back
		// on buffered reads for unaligned tails.
		aligned := preadSz%uint64(f.zbd.BlockSize()) == 0
		n, err := f.zbd.Backend().Pread(scratch[read:read+preadSz], rOff, direct && aligned)
		if err != nil {
			return scratch[:0], fmt.Errorf("pread at 0x%x failed: %v: %w", rOff, err, status.ErrIOError)
		}
		if n <= 0 {
			break
		}

		read += uint64(n)
		rOff += uint64(n)

		if read != rSz && rOff == extentEnd {
			extent, rOff = f.GetExtent(offset + read)
			if extent == nil {
				// read beyond end of synced file data
				break
			}
			rOff = extent.Start
			extentEnd = extent.Start + uint64(extent.Length)
		}
	}

	metrics.ReadBytes.Add(float64(read))
	return scratch[:read], nil
}

// EncodeTo appends the file's metadata record to dst. Extents with index
// below extentStart are skipped, which is what makes incremental metadata
// logging possible.
func (f *ZoneFile) EncodeTo(dst []byte, extentStart int) []byte {
	dst = putFixed32(dst, tagFileID)
	dst = putFixed64(dst, f.fileID)

	dst = putFixed32(dst, tagFileName)
	dst = putLengthPrefixed(dst, []byte(f.filename))

	dst = putFixed32(dst, tagFileSize)
	dst = putFixed64(dst, f.fileSize)

	dst = putFixed32(dst, tagWriteLifeTimeHint)
	dst = putFixed32(dst, uint32(f.lifetime))

	for i := extentStart; i < len(f.extents); i++ {
		dst = putFixed32(dst, tagExtent)
		dst = putLengthPrefixed(dst, f.extents[i].EncodeTo(nil))
	}

	dst = putFixed32(dst, tagModificationTime)
	dst = putFixed64(dst, f.mtime)

	// Active zone and extent start are not encoded: files are read-only
	// after mount.
	return dst
}

// DecodeFrom rebuilds the file from an encoded record. Extents are resolved
// against the device's data pool and credited to their zones.
func (f *ZoneFile) DecodeFrom(input []byte) error {
	r := &sliceReader{b: input}

	tag, ok := r.fixed32()
	if !ok || tag != tagFileID {
		return fmt.Errorf("file ID missing: %w", status.ErrCorruption)
	}
	if f.fileID, ok = r.fixed64(); !ok {
		return fmt.Errorf("file ID missing: %w", status.ErrCorruption)
	}

	for {
		tag, ok := r.fixed32()
		if !ok {
			break
		}

		switch tag {
		case tagFileName:
			name, ok := r.lengthPrefixed()
			if !ok {
				return fmt.Errorf("filename missing: %w", status.ErrCorruption)
			}
			if len(name) == 0 {
				return fmt.Errorf("zero length filename: %w", status.ErrCorruption)
			}
			f.filename = string(name)
		case tagFileSize:
			if f.fileSize, ok = r.fixed64(); !ok {
				return fmt.Errorf("missing file size: %w", status.ErrCorruption)
			}
		case tagWriteLifeTimeHint:
			lt, ok := r.fixed32()
			if !ok {
				return fmt.Errorf("missing life time hint: %w", status.ErrCorruption)
			}
			f.lifetime = zbd.Lifetime(lt)
		case tagExtent:
			payload, ok := r.lengthPrefixed()
			if !ok {
				return fmt.Errorf("missing extent payload: %w", status.ErrCorruption)
			}
			extent := new(Extent)
			if err := extent.DecodeFrom(payload); err != nil {
				return err
			}
			extent.Zone = f.zbd.GetIOZone(extent.Start)
			if extent.Zone == nil {
				return fmt.Errorf("extent at 0x%x resolves to no zone: %w", extent.Start, status.ErrCorruption)
			}
			extent.Zone.AddUsed(int64(extent.Length))
			f.extents = append(f.extents, extent)
		case tagModificationTime:
			if f.mtime, ok = r.fixed64(); !ok {
				return fmt.Errorf("missing modification time: %w", status.ErrCorruption)
			}
		default:
			return fmt.Errorf("unexpected tag %d: %w", tag, status.ErrCorruption)
		}
	}

	f.MetadataSynced()
	return nil
}

// MergeUpdate folds a decoded update record into the file: identity fields
// are adopted and the update's extents are appended as fresh copies.
func (f *ZoneFile) MergeUpdate(update *ZoneFile) error {
	if f.fileID != update.fileID {
		return fmt.Errorf("file ID mismatch, %d vs %d: %w", f.fileID, update.fileID, status.ErrCorruption)
	}

	f.Rename(update.Filename())
	f.SetFileSize(update.FileSize())
	f.SetLifetime(update.Lifetime())
	f.SetModificationTime(update.ModificationTime())

	for _, e := range update.Extents() {
		e.Zone.AddUsed(int64(e.Length))
		f.extents = append(f.extents, NewExtent(e.Start, e.Length, e.Zone))
	}

	f.MetadataSynced()
	return nil
}

// GetUniqueId writes a device/inode/file-id triple into buf, varint
// encoded. Returns the number of bytes written, or 0 when buf is too small.
func (f *ZoneFile) GetUniqueId(buf []byte) int {
	// Three varint64s at most 10 bytes each, as in the posix fs version.
	if len(buf) < 30 {
		return 0
	}

	dev, ino := f.zbd.DeviceID()
	n := binary.PutUvarint(buf, dev)
	n += binary.PutUvarint(buf[n:], ino)
	n += binary.PutUvarint(buf[n:], f.fileID)
	return n
}
