package fs

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/zonefs-org/go-zonefs/pkg/status"
	"github.com/zonefs-org/go-zonefs/pkg/zbd"
)

const (
	superblockMagic   uint32 = 0x5a4e4653 // "ZNFS"
	superblockVersion uint32 = 1

	// magic + version + seq + uuid + block size + zone size + nr zones +
	// finish threshold + crc
	superblockEncodedLen = 4 + 4 + 8 + 16 + 4 + 8 + 4 + 4 + 4
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Superblock identifies a zonefs instance and pins the device geometry it
// was created with. It occupies the first block of every metadata zone; the
// sequence number decides which zone holds the live journal.
type Superblock struct {
	Seq             uint64
	UUID            uuid.UUID
	BlockSize       uint32
	ZoneSize        uint64
	NrZones         uint32
	FinishThreshold uint32
}

func NewSuperblock(dev *zbd.ZonedBlockDevice, finishThreshold uint32) *Superblock {
	return &Superblock{
		Seq:             1,
		UUID:            uuid.New(),
		BlockSize:       dev.BlockSize(),
		ZoneSize:        dev.ZoneSize(),
		NrZones:         dev.NrZones(),
		FinishThreshold: finishThreshold,
	}
}

// EncodeTo writes the superblock into a buffer of at least one block.
func (sb *Superblock) EncodeTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], superblockMagic)
	binary.LittleEndian.PutUint32(buf[4:8], superblockVersion)
	binary.LittleEndian.PutUint64(buf[8:16], sb.Seq)
	copy(buf[16:32], sb.UUID[:])
	binary.LittleEndian.PutUint32(buf[32:36], sb.BlockSize)
	binary.LittleEndian.PutUint64(buf[36:44], sb.ZoneSize)
	binary.LittleEndian.PutUint32(buf[44:48], sb.NrZones)
	binary.LittleEndian.PutUint32(buf[48:52], sb.FinishThreshold)

	crc := crc32.Checksum(buf[:superblockEncodedLen-4], castagnoli)
	binary.LittleEndian.PutUint32(buf[superblockEncodedLen-4:superblockEncodedLen], crc)
}

func (sb *Superblock) DecodeFrom(buf []byte) error {
	if len(buf) < superblockEncodedLen {
		return fmt.Errorf("superblock too short: %w", status.ErrCorruption)
	}

	if binary.LittleEndian.Uint32(buf[0:4]) != superblockMagic {
		return fmt.Errorf("bad superblock magic: %w", status.ErrNotFound)
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != superblockVersion {
		return fmt.Errorf("unsupported superblock version %d: %w", v, status.ErrCorruption)
	}

	crc := crc32.Checksum(buf[:superblockEncodedLen-4], castagnoli)
	if crc != binary.LittleEndian.Uint32(buf[superblockEncodedLen-4:superblockEncodedLen]) {
		return fmt.Errorf("superblock checksum mismatch: %w", status.ErrCorruption)
	}

	sb.Seq = binary.LittleEndian.Uint64(buf[8:16])
	copy(sb.UUID[:], buf[16:32])
	sb.BlockSize = binary.LittleEndian.Uint32(buf[32:36])
	sb.ZoneSize = binary.LittleEndian.Uint64(buf[36:44])
	sb.NrZones = binary.LittleEndian.Uint32(buf[44:48])
	sb.FinishThreshold = binary.LittleEndian.Uint32(buf[48:52])

	return nil
}

// CheckGeometry rejects a superblock written for a different device layout.
func (sb *Superblock) CheckGeometry(dev *zbd.ZonedBlockDevice) error {
	if sb.BlockSize != dev.BlockSize() || sb.ZoneSize != dev.ZoneSize() || sb.NrZones != dev.NrZones() {
		return fmt.Errorf("superblock geometry does not match device: %w", status.ErrCorruption)
	}
	return nil
}
