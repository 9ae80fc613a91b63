package fs

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/ncw/directio"

	"github.com/zonefs-org/go-zonefs/pkg/status"
	"github.com/zonefs-org/go-zonefs/pkg/zbd"
)

// Journal record tags.
const (
	recordSnapshot     uint32 = 1
	recordFileUpdate   uint32 = 2
	recordFileDeletion uint32 = 3
	recordFileReplace  uint32 = 4
)

const recordHeaderLen = 8 // crc32c + size

// metaLog appends metadata records to one op-log or snapshot zone. Records
// are block padded; the header checksum covers tag and payload, and replay
// treats the first checksum mismatch as the end of the log.
type metaLog struct {
	dev  *zbd.ZonedBlockDevice
	zone *zbd.Zone
}

func newMetaLog(dev *zbd.ZonedBlockDevice, zone *zbd.Zone) *metaLog {
	return &metaLog{dev: dev, zone: zone}
}

func (l *metaLog) addRecord(tag uint32, payload []byte) error {
	blockSz := uint64(l.dev.BlockSize())
	bodyLen := 4 + len(payload)
	total := alignUp(uint64(recordHeaderLen+bodyLen), blockSz)

	buf := directio.AlignedBlock(int(total))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(bodyLen))
	binary.LittleEndian.PutUint32(buf[8:12], tag)
	copy(buf[12:], payload)

	crc := crc32.Checksum(buf[8:8+bodyLen], castagnoli)
	binary.LittleEndian.PutUint32(buf[0:4], crc)

	return l.zone.Append(buf)
}

// writeSuperblock lays the superblock down as the first block of the zone.
func (l *metaLog) writeSuperblock(sb *Superblock) error {
	buf := directio.AlignedBlock(int(l.dev.BlockSize()))
	sb.EncodeTo(buf)
	return l.zone.Append(buf)
}

// record is one replayed journal entry.
type record struct {
	tag     uint32
	payload []byte
}

// readRecords loads the written span of a metadata zone and parses the
// record stream following the superblock.
func readRecords(dev *zbd.ZonedBlockDevice, zone *zbd.Zone) ([]record, error) {
	blockSz := uint64(dev.BlockSize())
	span := zone.WP() - zone.Start()
	if span <= blockSz {
		return nil, nil
	}

	buf := make([]byte, span)
	read := 0
	for uint64(read) < span {
		n, err := dev.Backend().Pread(buf[read:], zone.Start()+uint64(read), false)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("metadata zone read at 0x%x failed: %v: %w",
				zone.Start()+uint64(read), err, status.ErrIOError)
		}
		read += n
	}

	var records []record
	pos := blockSz
	for pos+recordHeaderLen <= span {
		crc := binary.LittleEndian.Uint32(buf[pos : pos+4])
		size := binary.LittleEndian.Uint32(buf[pos+4 : pos+8])

		if size < 4 || pos+recordHeaderLen+uint64(size) > span {
			break
		}
		body := buf[pos+recordHeaderLen : pos+recordHeaderLen+uint64(size)]
		if crc32.Checksum(body, castagnoli) != crc {
			// Clean end of log.
			break
		}

		records = append(records, record{
			tag:     binary.LittleEndian.Uint32(body[:4]),
			payload: body[4:],
		})

		pos += alignUp(recordHeaderLen+uint64(size), blockSz)
	}

	return records, nil
}

// readSuperblock decodes the first block of a metadata zone.
func readSuperblock(dev *zbd.ZonedBlockDevice, zone *zbd.Zone) (*Superblock, error) {
	if zone.IsEmpty() {
		return nil, fmt.Errorf("empty metadata zone: %w", status.ErrNotFound)
	}

	buf := make([]byte, dev.BlockSize())
	read := 0
	for read < len(buf) {
		n, err := dev.Backend().Pread(buf[read:], zone.Start()+uint64(read), false)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("superblock read failed: %v: %w", err, status.ErrIOError)
		}
		read += n
	}

	sb := new(Superblock)
	if err := sb.DecodeFrom(buf); err != nil {
		return nil, err
	}
	return sb, nil
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) / align * align
}
