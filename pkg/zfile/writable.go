package zfile

import (
	"fmt"
	"sync"
	"time"

	"github.com/ncw/directio"

	"github.com/zonefs-org/go-zonefs/pkg/metrics"
	"github.com/zonefs-org/go-zonefs/pkg/status"
	"github.com/zonefs-org/go-zonefs/pkg/zbd"
)

// MetadataWriter persists a file's metadata record durably. The surrounding
// file system provides it; Fsync will not return before it has.
type MetadataWriter interface {
	Persist(*ZoneFile) error
}

// WritableFile is the user-facing append flow over a ZoneFile. In buffered
// mode appends accumulate in a page-aligned bounce buffer and reach the
// device in block-sized flushes; in unbuffered mode the caller is expected
// to supply block-aligned data.
type WritableFile struct {
	zoneFile       *ZoneFile
	metadataWriter MetadataWriter

	buffered  bool
	blockSz   int
	bufferSz  int
	buffer    []byte
	bufferPos int
	bufMu     sync.Mutex

	wp uint64
}

func NewWritableFile(dev *zbd.ZonedBlockDevice, buffered bool, f *ZoneFile, mw MetadataWriter, bufferBlocks int) *WritableFile {
	if bufferBlocks <= 0 {
		bufferBlocks = 256
	}

	w := &WritableFile{
		zoneFile:       f,
		metadataWriter: mw,
		buffered:       buffered,
		blockSz:        int(dev.BlockSize()),
		wp:             f.FileSize(),
	}

	if buffered {
		w.bufferSz = w.blockSz * bufferBlocks
		w.buffer = directio.AlignedBlock(w.bufferSz)
	}

	f.OpenWR()
	return w
}

// Append adds data at the end of the file.
func (w *WritableFile) Append(data []byte) error {
	if w.buffered {
		w.bufMu.Lock()
		defer w.bufMu.Unlock()
		return w.bufferedWrite(data)
	}

	if err := w.zoneFile.Append(data, len(data)); err != nil {
		return err
	}
	w.wp += uint64(len(data))
	return nil
}

// PositionedAppend only accepts writes at the current write pointer.
func (w *WritableFile) PositionedAppend(data []byte, offset uint64) error {
	if offset != w.wp {
		return fmt.Errorf("positioned append at %d, write pointer %d: %w", offset, w.wp, status.ErrIOError)
	}
	return w.Append(data)
}

func (w *WritableFile) bufferedWrite(data []byte) error {
	dataLeft := len(data)

	if w.bufferPos > 0 || dataLeft <= w.bufferSz-w.bufferPos {
		tobuffer := w.bufferSz - w.bufferPos
		if dataLeft < tobuffer {
			tobuffer = dataLeft
		}

		copy(w.buffer[w.bufferPos:], data[:tobuffer])
		w.bufferPos += tobuffer
		dataLeft -= tobuffer

		if dataLeft == 0 {
			return nil
		}
		data = data[tobuffer:]
	}

	if w.bufferPos == w.bufferSz {
		if err := w.flushBuffer(); err != nil {
			return err
		}
	}

	// Large residuals bypass the bounce buffer: whole blocks are written
	// through an aligned scratch, the tail stays buffered.
	if dataLeft >= w.bufferSz {
		alignedSz := (dataLeft / w.blockSz) * w.blockSz

		scratch := directio.AlignedBlock(alignedSz)
		copy(scratch, data[:alignedSz])

		if err := w.zoneFile.Append(scratch, alignedSz); err != nil {
			return err
		}

		w.wp += uint64(alignedSz)
		dataLeft -= alignedSz
		data = data[alignedSz:]
	}

	if dataLeft > 0 {
		copy(w.buffer, data)
		w.bufferPos = dataLeft
	}

	return nil
}

func (w *WritableFile) flushBuffer() error {
	if w.bufferPos == 0 {
		return nil
	}

	padSz := 0
	if align := w.bufferPos % w.blockSz; align != 0 {
		padSz = w.blockSz - align
	}
	for i := 0; i < padSz; i++ {
		w.buffer[w.bufferPos+i] = 0
	}

	if err := w.zoneFile.Append(w.buffer[:w.bufferPos+padSz], w.bufferPos); err != nil {
		return err
	}

	w.wp += uint64(w.bufferPos)
	w.bufferPos = 0

	return nil
}

// Fsync makes everything appended so far durable: flush the buffer, push
// the pending extent, persist the metadata record.
func (w *WritableFile) Fsync() error {
	start := time.Now()

	w.bufMu.Lock()
	err := w.flushBuffer()
	w.bufMu.Unlock()
	if err != nil {
		return err
	}

	w.zoneFile.PushExtent()

	err = w.metadataWriter.Persist(w.zoneFile)
	metrics.SyncLatency.Observe(time.Since(start).Seconds())
	return err
}

func (w *WritableFile) Sync() error {
	return w.Fsync()
}

// Flush is a no-op: buffered bytes only become durable through Fsync.
func (w *WritableFile) Flush() error {
	return nil
}

// RangeSync degenerates to Fsync when the range reaches past the write
// pointer; a range ending at or before it is a no-op.
func (w *WritableFile) RangeSync(offset, nbytes uint64) error {
	if w.wp < offset+nbytes {
		return w.Fsync()
	}
	return nil
}

// Truncate only adjusts the file size; zone storage is never returned
// in place.
func (w *WritableFile) Truncate(size uint64) error {
	w.zoneFile.SetFileSize(size)
	return nil
}

func (w *WritableFile) Close() error {
	err := w.Fsync()
	w.zoneFile.CloseWR()
	return err
}

func (w *WritableFile) SetLifetime(lt zbd.Lifetime) {
	w.zoneFile.SetLifetime(lt)
}
