package zbd

import (
	"fmt"
	"sync"

	"github.com/zonefs-org/go-zonefs/pkg/status"
)

// MemBackend simulates a host-managed zoned device in memory. It enforces
// the sequential-write-required discipline: a write must land exactly on the
// zone's write pointer or it is rejected. Data survives reopen on the same
// backend instance, which is what the mount and crash-recovery tests lean on.
type MemBackend struct {
	mu        sync.Mutex
	blockSize uint32
	zoneSize  uint64
	maxActive uint32
	data      []byte
	zones     []memZone
}

type memZone struct {
	start uint64
	wp    uint64
	cond  ZoneCond
}

func NewMemBackend(nrZones int, zoneSize uint64, blockSize uint32, maxActive uint32) *MemBackend {
	b := &MemBackend{
		blockSize: blockSize,
		zoneSize:  zoneSize,
		maxActive: maxActive,
		data:      make([]byte, uint64(nrZones)*zoneSize),
		zones:     make([]memZone, nrZones),
	}
	for i := range b.zones {
		start := uint64(i) * zoneSize
		b.zones[i] = memZone{start: start, wp: start, cond: ZoneCondEmpty}
	}
	return b
}

func (b *MemBackend) Open(readonly bool) (DeviceInfo, error) {
	return DeviceInfo{
		Model:          ModelHostManaged,
		BlockSize:      b.blockSize,
		ZoneSize:       b.zoneSize,
		NrZones:        uint32(len(b.zones)),
		MaxActiveZones: b.maxActive,
	}, nil
}

func (b *MemBackend) zoneAt(offset uint64) (*memZone, error) {
	idx := int(offset / b.zoneSize)
	if idx < 0 || idx >= len(b.zones) {
		return nil, fmt.Errorf("offset 0x%x beyond device: %w", offset, status.ErrIOError)
	}
	return &b.zones[idx], nil
}

func (b *MemBackend) info(z *memZone) ZoneInfo {
	return ZoneInfo{
		Start:    z.start,
		WP:       z.wp,
		Capacity: b.zoneSize,
		Type:     ZoneTypeSeqWriteReq,
		Cond:     z.cond,
	}
}

func (b *MemBackend) ListZones() ([]ZoneInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	infos := make([]ZoneInfo, len(b.zones))
	for i := range b.zones {
		infos[i] = b.info(&b.zones[i])
	}
	return infos, nil
}

func (b *MemBackend) ReportZone(start uint64) (ZoneInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	z, err := b.zoneAt(start)
	if err != nil {
		return ZoneInfo{}, err
	}
	return b.info(z), nil
}

func (b *MemBackend) ResetZone(start, length uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	z, err := b.zoneAt(start)
	if err != nil {
		return err
	}
	if z.cond == ZoneCondOffline {
		return fmt.Errorf("zone at 0x%x is offline: %w", start, status.ErrIOError)
	}
	for i := z.start; i < z.start+b.zoneSize; i++ {
		b.data[i] = 0
	}
	z.wp = z.start
	z.cond = ZoneCondEmpty
	return nil
}

func (b *MemBackend) FinishZone(start, length uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	z, err := b.zoneAt(start)
	if err != nil {
		return err
	}
	if z.cond == ZoneCondOffline {
		return fmt.Errorf("zone at 0x%x is offline: %w", start, status.ErrIOError)
	}
	z.wp = z.start + b.zoneSize
	z.cond = ZoneCondFull
	return nil
}

func (b *MemBackend) OpenZone(start, length uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	z, err := b.zoneAt(start)
	if err != nil {
		return err
	}
	if z.cond == ZoneCondOffline || z.cond == ZoneCondFull {
		return fmt.Errorf("zone at 0x%x cannot be opened: %w", start, status.ErrIOError)
	}
	z.cond = ZoneCondExpOpen
	return nil
}

func (b *MemBackend) CloseZone(start, length uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	z, err := b.zoneAt(start)
	if err != nil {
		return err
	}
	if z.cond == ZoneCondOffline {
		return fmt.Errorf("zone at 0x%x is offline: %w", start, status.ErrIOError)
	}
	if z.wp == z.start {
		z.cond = ZoneCondEmpty
	} else {
		z.cond = ZoneCondClosed
	}
	return nil
}

func (b *MemBackend) Pread(p []byte, offset uint64, direct bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if offset >= uint64(len(b.data)) {
		return 0, fmt.Errorf("read at 0x%x beyond device: %w", offset, status.ErrIOError)
	}
	n := copy(p, b.data[offset:])
	return n, nil
}

func (b *MemBackend) Pwrite(p []byte, offset uint64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	z, err := b.zoneAt(offset)
	if err != nil {
		return 0, err
	}
	if z.cond == ZoneCondOffline || z.cond == ZoneCondReadOnly {
		return 0, fmt.Errorf("zone at 0x%x not writable: %w", z.start, status.ErrIOError)
	}
	if offset != z.wp {
		return 0, fmt.Errorf("unaligned zone write at 0x%x, wp 0x%x: %w", offset, z.wp, status.ErrIOError)
	}
	end := offset + uint64(len(p))
	if end > z.start+b.zoneSize {
		return 0, fmt.Errorf("write crosses zone boundary at 0x%x: %w", z.start, status.ErrIOError)
	}

	copy(b.data[offset:end], p)
	z.wp = end
	if z.wp == z.start+b.zoneSize {
		z.cond = ZoneCondFull
	} else {
		z.cond = ZoneCondImpOpen
	}
	return len(p), nil
}

func (b *MemBackend) DeviceID() (uint64, uint64) {
	return 0x6d656d, 1
}

func (b *MemBackend) CheckScheduler() error {
	return nil
}

func (b *MemBackend) Close() error {
	return nil
}

// TakeOffline marks a zone offline, for failure-path tests.
func (b *MemBackend) TakeOffline(start uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if z, err := b.zoneAt(start); err == nil {
		z.cond = ZoneCondOffline
	}
}
