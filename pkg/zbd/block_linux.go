//go:build linux
// +build linux

package zbd

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/zonefs-org/go-zonefs/pkg/status"
)

const sectorSize = 512

// ioctl request codes from linux/blkzoned.h, hand-encoded since x/sys/unix
// does not export them. blk_zone_range and the blk_zone_report header are
// both 16 bytes.
const (
	iocWrite = 1
	iocRead  = 2

	blkReportZone = (iocRead|iocWrite)<<30 | 16<<16 | 0x12<<8 | 130
	blkResetZone  = iocWrite<<30 | 16<<16 | 0x12<<8 | 131
	blkOpenZone   = iocWrite<<30 | 16<<16 | 0x12<<8 | 134
	blkCloseZone  = iocWrite<<30 | 16<<16 | 0x12<<8 | 135
	blkFinishZone = iocWrite<<30 | 16<<16 | 0x12<<8 | 136

	// blk_zone entries are 64 bytes; capacity is reported when the
	// BLK_ZONE_REP_CAPACITY flag is set.
	blkZoneEntrySize   = 64
	blkZoneRepCapacity = 1 << 0
)

// BlockBackend drives a Linux zoned block device. Three descriptors are
// held: buffered read, O_DIRECT read, and the exclusive O_DIRECT write
// descriptor all zone appends go through.
type BlockBackend struct {
	path        string
	readFD      int
	readDirectF int
	writeFD     int
	info        DeviceInfo
	readonly    bool
}

func NewBlockBackend(path string) *BlockBackend {
	return &BlockBackend{path: path, readFD: -1, readDirectF: -1, writeFD: -1}
}

func (b *BlockBackend) Open(readonly bool) (DeviceInfo, error) {
	var err error

	b.readonly = readonly

	b.readFD, err = unix.Open(b.path, unix.O_RDONLY, 0)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("failed to open %s: %v: %w", b.path, err, status.ErrInvalidArgument)
	}

	b.readDirectF, err = unix.Open(b.path, unix.O_RDONLY|unix.O_DIRECT, 0)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("failed to open %s: %v: %w", b.path, err, status.ErrInvalidArgument)
	}

	if readonly {
		b.writeFD = -1
	} else {
		b.writeFD, err = unix.Open(b.path, unix.O_WRONLY|unix.O_DIRECT|unix.O_EXCL, 0)
		if err != nil {
			return DeviceInfo{}, fmt.Errorf("failed to open %s exclusively: %v: %w", b.path, err, status.ErrInvalidArgument)
		}
	}

	if err := b.readGeometry(); err != nil {
		return DeviceInfo{}, err
	}

	return b.info, nil
}

func (b *BlockBackend) sysfsQueueAttr(name string) (string, error) {
	dev := filepath.Base(b.path)
	data, err := os.ReadFile(filepath.Join("/sys/block", dev, "queue", name))
	if err != nil {
		return "", fmt.Errorf("failed to read queue attribute %s: %v: %w", name, err, status.ErrInvalidArgument)
	}
	return strings.TrimSpace(string(data)), nil
}

func (b *BlockBackend) readGeometry() error {
	model, err := b.sysfsQueueAttr("zoned")
	if err != nil {
		return err
	}
	switch model {
	case "host-managed":
		b.info.Model = ModelHostManaged
	case "host-aware":
		b.info.Model = ModelHostAware
	default:
		b.info.Model = ModelNone
	}

	blockSize, err := b.sysfsQueueAttrUint("physical_block_size")
	if err != nil {
		return err
	}
	chunk, err := b.sysfsQueueAttrUint("chunk_sectors")
	if err != nil {
		return err
	}
	nrZones, err := b.sysfsQueueAttrUint("nr_zones")
	if err != nil {
		return err
	}
	maxActive, err := b.sysfsQueueAttrUint("max_active_zones")
	if err != nil {
		return err
	}

	b.info.BlockSize = uint32(blockSize)
	b.info.ZoneSize = chunk * sectorSize
	b.info.NrZones = uint32(nrZones)
	b.info.MaxActiveZones = uint32(maxActive)

	return nil
}

func (b *BlockBackend) sysfsQueueAttrUint(name string) (uint64, error) {
	s, err := b.sysfsQueueAttr(name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed queue attribute %s=%q: %w", name, s, status.ErrInvalidArgument)
	}
	return v, nil
}

func (b *BlockBackend) CheckScheduler() error {
	sched, err := b.sysfsQueueAttr("scheduler")
	if err != nil {
		return err
	}
	if !strings.Contains(sched, "[mq-deadline]") {
		return fmt.Errorf("device scheduler is not mq-deadline: %w", status.ErrInvalidArgument)
	}
	return nil
}

func (b *BlockBackend) ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (b *BlockBackend) zoneRange(start, length uint64) [2]uint64 {
	return [2]uint64{start / sectorSize, length / sectorSize}
}

func (b *BlockBackend) ListZones() ([]ZoneInfo, error) {
	nr := int(b.info.NrZones)
	zones := make([]ZoneInfo, 0, nr)

	var sector uint64
	for len(zones) < nr {
		batch := nr - len(zones)
		if batch > 512 {
			batch = 512
		}
		infos, err := b.reportZones(sector, batch)
		if err != nil {
			return nil, err
		}
		if len(infos) == 0 {
			break
		}
		zones = append(zones, infos...)
		last := infos[len(infos)-1]
		sector = (last.Start + b.info.ZoneSize) / sectorSize
	}

	return zones, nil
}

func (b *BlockBackend) ReportZone(start uint64) (ZoneInfo, error) {
	infos, err := b.reportZones(start/sectorSize, 1)
	if err != nil {
		return ZoneInfo{}, err
	}
	if len(infos) != 1 {
		return ZoneInfo{}, fmt.Errorf("zone report at 0x%x returned %d zones: %w", start, len(infos), status.ErrIOError)
	}
	return infos[0], nil
}

func (b *BlockBackend) reportZones(sector uint64, nr int) ([]ZoneInfo, error) {
	bufLen := 16 + nr*blkZoneEntrySize
	buf := make([]byte, bufLen)
	binary.LittleEndian.PutUint64(buf[0:8], sector)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(nr))

	if err := b.ioctl(b.readFD, blkReportZone, unsafe.Pointer(&buf[0])); err != nil {
		return nil, fmt.Errorf("zone report failed: %v: %w", err, status.ErrIOError)
	}

	reported := binary.LittleEndian.Uint32(buf[8:12])
	flags := binary.LittleEndian.Uint32(buf[12:16])
	infos := make([]ZoneInfo, 0, reported)

	for i := 0; i < int(reported); i++ {
		entry := buf[16+i*blkZoneEntrySize:]
		z := ZoneInfo{
			Start: binary.LittleEndian.Uint64(entry[0:8]) * sectorSize,
			WP:    binary.LittleEndian.Uint64(entry[16:24]) * sectorSize,
			Type:  ZoneType(entry[24]),
			Cond:  ZoneCond(entry[25]),
		}
		if flags&blkZoneRepCapacity != 0 {
			z.Capacity = binary.LittleEndian.Uint64(entry[32:40]) * sectorSize
		} else {
			z.Capacity = binary.LittleEndian.Uint64(entry[8:16]) * sectorSize
		}
		infos = append(infos, z)
	}

	return infos, nil
}

func (b *BlockBackend) zoneOp(req uintptr, what string, start, length uint64) error {
	rng := b.zoneRange(start, length)
	if err := b.ioctl(b.writeFD, req, unsafe.Pointer(&rng[0])); err != nil {
		return fmt.Errorf("zone %s at 0x%x failed: %v: %w", what, start, err, status.ErrIOError)
	}
	return nil
}

func (b *BlockBackend) ResetZone(start, length uint64) error {
	return b.zoneOp(blkResetZone, "reset", start, length)
}

func (b *BlockBackend) FinishZone(start, length uint64) error {
	return b.zoneOp(blkFinishZone, "finish", start, length)
}

func (b *BlockBackend) OpenZone(start, length uint64) error {
	return b.zoneOp(blkOpenZone, "open", start, length)
}

func (b *BlockBackend) CloseZone(start, length uint64) error {
	return b.zoneOp(blkCloseZone, "close", start, length)
}

func (b *BlockBackend) Pread(p []byte, offset uint64, direct bool) (int, error) {
	fd := b.readFD
	if direct {
		fd = b.readDirectF
	}
	return unix.Pread(fd, p, int64(offset))
}

func (b *BlockBackend) Pwrite(p []byte, offset uint64) (int, error) {
	if b.writeFD < 0 {
		return 0, fmt.Errorf("device opened read-only: %w", status.ErrInvalidArgument)
	}
	return unix.Pwrite(b.writeFD, p, int64(offset))
}

func (b *BlockBackend) DeviceID() (uint64, uint64) {
	var st unix.Stat_t
	if err := unix.Fstat(b.readFD, &st); err != nil {
		return 0, 0
	}
	return uint64(st.Dev), uint64(st.Ino)
}

func (b *BlockBackend) Close() error {
	for _, fd := range []int{b.readFD, b.readDirectF, b.writeFD} {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
	b.readFD, b.readDirectF, b.writeFD = -1, -1, -1
	return nil
}
