// Package fs is the flat-namespace file system over a zoned block device:
// a crash-consistent metadata journal on the reserved metadata zones and a
// file table mapping names to zone files.
package fs

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zonefs-org/go-zonefs/pkg/config"
	"github.com/zonefs-org/go-zonefs/pkg/gc"
	"github.com/zonefs-org/go-zonefs/pkg/status"
	"github.com/zonefs-org/go-zonefs/pkg/zbd"
	"github.com/zonefs-org/go-zonefs/pkg/zfile"
	"github.com/zonefs-org/go-zonefs/util"
)

type FileSystem struct {
	dev *zbd.ZonedBlockDevice
	cfg *config.Config

	filesMu   sync.Mutex
	files     map[string]*zfile.ZoneFile
	filesByID map[uint64]*zfile.ZoneFile

	// logMu serializes journal appends and rolls. Lock order is always
	// logMu before filesMu.
	logMu      sync.Mutex
	log        *metaLog
	super      *Superblock
	nextFileID uint64
}

type FileInfo struct {
	Name  string
	Size  uint64
	MTime uint64
}

func NewFileSystem(dev *zbd.ZonedBlockDevice, cfg *config.Config) *FileSystem {
	return &FileSystem{
		dev:        dev,
		cfg:        cfg,
		files:      make(map[string]*zfile.ZoneFile),
		filesByID:  make(map[uint64]*zfile.ZoneFile),
		nextFileID: 1,
	}
}

func (f *FileSystem) Device() *zbd.ZonedBlockDevice { return f.dev }
func (f *FileSystem) Superblock() *Superblock       { return f.super }

// MkFS initializes the device: every zone is reset and a fresh superblock
// with an empty snapshot is written to the first op-log zone.
func (f *FileSystem) MkFS() error {
	if f.dev.ReadOnly() {
		return fmt.Errorf("cannot format a read-only device: %w", status.ErrInvalidArgument)
	}

	pools := [][]*zbd.Zone{f.dev.OpZones(), f.dev.SnapZones(), f.dev.IOZones()}
	for _, pool := range pools {
		for _, z := range pool {
			if z.IsEmpty() {
				continue
			}
			if err := z.Reset(); err != nil {
				return fmt.Errorf("format reset failed: %w", err)
			}
		}
	}

	f.super = NewSuperblock(f.dev, uint32(f.cfg.FinishThresholdPct))

	target := f.dev.AllocateMetaZone()
	if target == nil {
		return fmt.Errorf("no empty op-log zone to format: %w", status.ErrIOError)
	}
	f.log = newMetaLog(f.dev, target)
	if err := f.log.writeSuperblock(f.super); err != nil {
		return err
	}
	if err := f.writeSnapshotRecord(); err != nil {
		return err
	}

	util.Info("Formatted zonefs %s: %d zones, free space %d MB",
		f.super.UUID, f.dev.NrZones(), f.dev.GetFreeSpace()>>20)
	return nil
}

// Mount replays the journal with the highest superblock sequence across the
// metadata pools. Writable mounts then roll the journal to a fresh zone and
// reclaim unused data zones.
func (f *FileSystem) Mount(readonly bool) error {
	var best *Superblock
	var bestZone *zbd.Zone

	for _, z := range append(append([]*zbd.Zone{}, f.dev.OpZones()...), f.dev.SnapZones()...) {
		sb, err := readSuperblock(f.dev, z)
		if err != nil {
			if !status.IsNotFound(err) {
				util.Warn("Skipping metadata zone 0x%x: %v", z.Start(), err)
			}
			continue
		}
		if err := sb.CheckGeometry(f.dev); err != nil {
			return err
		}
		if best == nil || sb.Seq > best.Seq {
			best = sb
			bestZone = z
		}
	}

	if best == nil {
		return fmt.Errorf("no zonefs filesystem found on device: %w", status.ErrNotFound)
	}

	records, err := readRecords(f.dev, bestZone)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := f.applyRecord(rec); err != nil {
			return err
		}
	}

	f.super = best
	f.log = newMetaLog(f.dev, bestZone)

	util.Info("Mounted zonefs %s seq %d: %d files", f.super.UUID, f.super.Seq, len(f.files))

	if !readonly {
		f.logMu.Lock()
		err := f.rollLog(false)
		f.logMu.Unlock()
		if err != nil {
			return err
		}
		f.dev.ResetUnusedIOZones()
	}

	f.dev.ReportSpaceUtilization()
	return nil
}

func (f *FileSystem) applyRecord(rec record) error {
	switch rec.tag {
	case recordSnapshot:
		return f.applySnapshot(rec.payload)
	case recordFileUpdate:
		update, err := f.decodeFileRecord(rec.payload)
		if err != nil {
			return err
		}
		if existing, ok := f.filesByID[update.ID()]; ok {
			oldName := existing.Filename()
			if err := existing.MergeUpdate(update); err != nil {
				return err
			}
			if oldName != existing.Filename() {
				delete(f.files, oldName)
				f.files[existing.Filename()] = existing
			}
		} else {
			f.insertLocked(update)
		}
	case recordFileReplace:
		update, err := f.decodeFileRecord(rec.payload)
		if err != nil {
			return err
		}
		if existing, ok := f.filesByID[update.ID()]; ok {
			delete(f.files, existing.Filename())
			delete(f.filesByID, existing.ID())
			existing.Release()
		}
		f.insertLocked(update)
	case recordFileDeletion:
		r := rec.payload
		if len(r) < 8 {
			return fmt.Errorf("short deletion record: %w", status.ErrCorruption)
		}
		id := binary.LittleEndian.Uint64(r[:8])
		if existing, ok := f.filesByID[id]; ok {
			delete(f.files, existing.Filename())
			delete(f.filesByID, id)
			existing.Release()
		}
	default:
		return fmt.Errorf("unexpected journal record tag %d: %w", rec.tag, status.ErrCorruption)
	}
	return nil
}

func (f *FileSystem) applySnapshot(payload []byte) error {
	if len(payload) < 12 {
		return fmt.Errorf("short snapshot record: %w", status.ErrCorruption)
	}
	f.nextFileID = binary.LittleEndian.Uint64(payload[:8])
	count := binary.LittleEndian.Uint32(payload[8:12])
	payload = payload[12:]

	for _, file := range f.files {
		file.Release()
	}
	f.files = make(map[string]*zfile.ZoneFile)
	f.filesByID = make(map[uint64]*zfile.ZoneFile)

	for i := uint32(0); i < count; i++ {
		encoded, rest, ok := getLengthPrefixed(payload)
		if !ok {
			return fmt.Errorf("truncated snapshot record: %w", status.ErrCorruption)
		}
		payload = rest

		file, err := f.decodeFileRecordBytes(encoded)
		if err != nil {
			return err
		}
		f.insertLocked(file)
	}
	return nil
}

func (f *FileSystem) decodeFileRecord(payload []byte) (*zfile.ZoneFile, error) {
	encoded, _, ok := getLengthPrefixed(payload)
	if !ok {
		return nil, fmt.Errorf("truncated file record: %w", status.ErrCorruption)
	}
	return f.decodeFileRecordBytes(encoded)
}

func (f *FileSystem) decodeFileRecordBytes(encoded []byte) (*zfile.ZoneFile, error) {
	file := zfile.NewZoneFile(f.dev, "", 0)
	if err := file.DecodeFrom(encoded); err != nil {
		return nil, err
	}
	return file, nil
}

func (f *FileSystem) insertLocked(file *zfile.ZoneFile) {
	f.files[file.Filename()] = file
	f.filesByID[file.ID()] = file
	if file.ID() >= f.nextFileID {
		f.nextFileID = file.ID() + 1
	}
}

// rollLog starts a new journal generation: the next superblock sequence and
// a complete snapshot are written to a fresh metadata zone, then every
// superseded metadata zone is reset on the meta worker. Callers hold logMu.
func (f *FileSystem) rollLog(toSnapshotPool bool) error {
	var target *zbd.Zone
	if toSnapshotPool {
		target = f.dev.AllocateSnapshotZone()
	}
	if target == nil {
		target = f.dev.AllocateMetaZone()
	}
	if target == nil {
		// Both pools written out: reclaim a zone that is not the live log.
		for _, z := range append(append([]*zbd.Zone{}, f.dev.OpZones()...), f.dev.SnapZones()...) {
			if z == f.log.zone {
				continue
			}
			if err := z.Reset(); err != nil {
				return fmt.Errorf("failed to reclaim metadata zone: %w", err)
			}
			target = z
			break
		}
	}
	if target == nil {
		return fmt.Errorf("no metadata zone available for roll: %w", status.ErrNoSpace)
	}

	f.super.Seq++
	f.log = newMetaLog(f.dev, target)

	if err := f.log.writeSuperblock(f.super); err != nil {
		return err
	}
	if err := f.writeSnapshotRecord(); err != nil {
		return err
	}

	// The new generation is durable; superseded metadata zones can go. The
	// job re-checks under logMu because a later roll may have reclaimed the
	// zone as the live log before the worker got to it.
	for _, z := range append(append([]*zbd.Zone{}, f.dev.OpZones()...), f.dev.SnapZones()...) {
		if z == target || z.IsEmpty() {
			continue
		}
		zone := z
		f.dev.MetaWorker().SubmitJob(func() {
			f.logMu.Lock()
			defer f.logMu.Unlock()
			if zone == f.log.zone || zone.IsEmpty() {
				return
			}
			if err := zone.Reset(); err != nil {
				util.Warn("Failed resetting superseded metadata zone 0x%x: %v", zone.Start(), err)
			}
		})
	}

	return nil
}

func (f *FileSystem) writeSnapshotRecord() error {
	f.filesMu.Lock()
	payload := make([]byte, 12)
	binary.LittleEndian.PutUint64(payload[:8], f.nextFileID)
	binary.LittleEndian.PutUint32(payload[8:12], uint32(len(f.files)))
	for _, file := range f.files {
		payload = putLengthPrefixed(payload, file.EncodeTo(nil, 0))
		file.MetadataSynced()
	}
	f.filesMu.Unlock()

	return f.log.addRecord(recordSnapshot, payload)
}

// journalOrRoll appends one record, rolling the journal when the log zone
// is out of space. The roll's snapshot already carries the whole file
// table, so the individual record becomes unnecessary after it.
func (f *FileSystem) journalOrRoll(tag uint32, payload []byte) error {
	err := f.log.addRecord(tag, payload)
	if status.IsNoSpace(err) {
		return f.rollLog(false)
	}
	return err
}

// Persist implements zfile.MetadataWriter: the file's unsynced extents are
// journaled incrementally.
func (f *FileSystem) Persist(file *zfile.ZoneFile) error {
	f.logMu.Lock()
	defer f.logMu.Unlock()

	payload := putLengthPrefixed(nil, file.EncodeTo(nil, file.NrSyncedExtents()))
	if err := f.journalOrRoll(recordFileUpdate, payload); err != nil {
		return err
	}
	file.MetadataSynced()
	return nil
}

// SyncFileMetadata journals a full replacement record for the file. Used
// after garbage collection rewrote extent locations that were already
// synced once.
func (f *FileSystem) SyncFileMetadata(file *zfile.ZoneFile) error {
	f.logMu.Lock()
	defer f.logMu.Unlock()

	payload := putLengthPrefixed(nil, file.EncodeTo(nil, 0))
	if err := f.journalOrRoll(recordFileReplace, payload); err != nil {
		return err
	}
	file.MetadataSynced()
	return nil
}

// OpenWritableFile creates filename and returns its append handle. An
// existing file of the same name is deleted first. Files named *.log are
// treated as write-ahead logs and get allocation priority.
func (f *FileSystem) OpenWritableFile(filename string, buffered bool, lifetime zbd.Lifetime) (*zfile.WritableFile, error) {
	if f.dev.ReadOnly() {
		return nil, fmt.Errorf("filesystem mounted read-only: %w", status.ErrInvalidArgument)
	}

	f.filesMu.Lock()
	if _, ok := f.files[filename]; ok {
		f.filesMu.Unlock()
		if err := f.DeleteFile(filename); err != nil {
			return nil, err
		}
		f.filesMu.Lock()
	}

	file := zfile.NewZoneFile(f.dev, filename, f.nextFileID)
	f.nextFileID++
	file.SetLifetime(lifetime)
	file.SetWAL(strings.HasSuffix(filename, ".log"))
	file.SetModificationTime(uint64(time.Now().Unix()))
	f.insertLocked(file)
	f.filesMu.Unlock()

	if err := f.Persist(file); err != nil {
		return nil, err
	}

	return zfile.NewWritableFile(f.dev, buffered, file, f, f.cfg.WriteBufferBlocks), nil
}

func (f *FileSystem) lookup(filename string) (*zfile.ZoneFile, error) {
	f.filesMu.Lock()
	defer f.filesMu.Unlock()

	file, ok := f.files[filename]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", filename, status.ErrNotFound)
	}
	return file, nil
}

func (f *FileSystem) OpenSequentialFile(filename string, direct bool) (*zfile.SequentialFile, error) {
	file, err := f.lookup(filename)
	if err != nil {
		return nil, err
	}
	return zfile.NewSequentialFile(file, direct), nil
}

func (f *FileSystem) OpenRandomAccessFile(filename string, direct bool) (*zfile.RandomAccessFile, error) {
	file, err := f.lookup(filename)
	if err != nil {
		return nil, err
	}
	return zfile.NewRandomAccessFile(file, direct), nil
}

// DeleteFile removes filename from the namespace. The deletion record is
// journaled before the extents are released so a crash never resurrects
// freed space.
func (f *FileSystem) DeleteFile(filename string) error {
	f.logMu.Lock()
	defer f.logMu.Unlock()

	f.filesMu.Lock()
	file, ok := f.files[filename]
	if !ok {
		f.filesMu.Unlock()
		return fmt.Errorf("file %s: %w", filename, status.ErrNotFound)
	}
	delete(f.files, filename)
	delete(f.filesByID, file.ID())
	f.filesMu.Unlock()

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, file.ID())
	payload = putLengthPrefixed(payload, []byte(filename))

	if err := f.journalOrRoll(recordFileDeletion, payload); err != nil {
		return err
	}

	file.Release()
	return nil
}

func (f *FileSystem) GetFileSize(filename string) (uint64, error) {
	file, err := f.lookup(filename)
	if err != nil {
		return 0, err
	}
	return file.FileSize(), nil
}

func (f *FileSystem) GetFileModificationTime(filename string) (uint64, error) {
	file, err := f.lookup(filename)
	if err != nil {
		return 0, err
	}
	return file.ModificationTime(), nil
}

func (f *FileSystem) ListFiles() []FileInfo {
	f.filesMu.Lock()
	defer f.filesMu.Unlock()

	infos := make([]FileInfo, 0, len(f.files))
	for _, file := range f.files {
		infos = append(infos, FileInfo{
			Name:  file.Filename(),
			Size:  file.FileSize(),
			MTime: file.ModificationTime(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// ForEachFile runs fn for every file while holding the table lock.
func (f *FileSystem) ForEachFile(fn func(*zfile.ZoneFile)) {
	f.filesMu.Lock()
	defer f.filesMu.Unlock()

	for _, file := range f.files {
		fn(file)
	}
}

func (f *FileSystem) HasFile(filename string) bool {
	f.filesMu.Lock()
	defer f.filesMu.Unlock()

	_, ok := f.files[filename]
	return ok
}

// CollectDestZones picks up to n empty, unclaimed data zones to receive
// relocated extents.
func (f *FileSystem) CollectDestZones(n int) []*zbd.Zone {
	var dst []*zbd.Zone
	for _, z := range f.dev.IOZones() {
		if len(dst) == n {
			break
		}
		if z.IsEmpty() && !z.IsUsed() {
			dst = append(dst, z)
		}
	}
	return dst
}

// RunGC executes one garbage collection pass with freshly collected
// destination zones.
func (f *FileSystem) RunGC() error {
	worker := gc.NewWorker(f.dev, f, f.CollectDestZones(f.cfg.GCDestZones))
	return worker.Run()
}

// Unmount resets unused data zones, writes a final snapshot generation,
// preferring the snapshot pool for a fast next mount, and closes the device.
func (f *FileSystem) Unmount() error {
	if !f.dev.ReadOnly() {
		f.dev.ResetUnusedIOZones()
		f.logMu.Lock()
		err := f.rollLog(true)
		f.logMu.Unlock()
		if err != nil {
			return err
		}
	}
	return f.dev.Close()
}

func putLengthPrefixed(dst []byte, b []byte) []byte {
	var l [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(l[:], uint64(len(b)))
	dst = append(dst, l[:n]...)
	return append(dst, b...)
}

func getLengthPrefixed(b []byte) (val, rest []byte, ok bool) {
	l, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < l {
		return nil, nil, false
	}
	return b[n : n+int(l)], b[n+int(l):], true
}
