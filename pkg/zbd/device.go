package zbd

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zonefs-org/go-zonefs/pkg/config"
	"github.com/zonefs-org/go-zonefs/pkg/metrics"
	"github.com/zonefs-org/go-zonefs/pkg/status"
	"github.com/zonefs-org/go-zonefs/util"
)

/* Zones reserved at the front of the device: two op-log zones so the
 * metadata journal can roll safely, then two metadata snapshot zones. */
const (
	OpLogZones    = 2
	SnapshotZones = 2

	// Reserved open-zone budget for metadata writes.
	reservedMetaZones = 3

	// Minimum number of zones that makes sense.
	MinZones = 32
)

const (
	lifetimeDiffNotGood = 100
	lifetimeDiffMeh     = 2
)

// lifetimeDiff scores how well a file's write-lifetime hint fits a zone's.
// Lower is better; anything at or above lifetimeDiffNotGood means the
// allocator should prefer an empty zone instead.
func lifetimeDiff(zoneLifetime, fileLifetime Lifetime) uint32 {
	if fileLifetime == LifetimeNotSet || fileLifetime == LifetimeNone {
		if fileLifetime == zoneLifetime {
			return 0
		}
		return lifetimeDiffNotGood
	}

	if zoneLifetime == fileLifetime {
		return lifetimeDiffMeh
	}
	if zoneLifetime > fileLifetime {
		return uint32(zoneLifetime - fileLifetime)
	}
	return lifetimeDiffNotGood
}

// ZonedBlockDevice owns every zone on the device and hands them out to
// writers under the device's active/open zone budget.
type ZonedBlockDevice struct {
	backend  Backend
	readonly bool

	blockSize uint32
	zoneSize  uint64
	nrZones   uint32

	opZones       []*Zone
	snapshotZones []*Zone
	ioZones       []*Zone

	// activeZones is the slot table: a fixed-size view of the zones
	// currently counted against the active budget. Slots 0 and 1 are
	// reserved for WAL-priority allocation. Guarded by activeMu; ioMu is
	// only taken when populating an empty slot from the data pool.
	activeZones []*Zone
	activeMu    sync.Mutex
	ioMu        sync.Mutex

	maxNrActiveIOZones int
	activeIOZones      atomic.Int64
	openIOZones        atomic.Int64

	walAllocating atomic.Int64
	bgRecycling   atomic.Int32

	finishThreshold int
	syncTimeout     time.Duration

	metaWorker *BackgroundWorker
	dataWorker *BackgroundWorker

	startTime time.Time
}

func NewZonedBlockDevice(backend Backend, cfg *config.Config) *ZonedBlockDevice {
	return &ZonedBlockDevice{
		backend:         backend,
		finishThreshold: cfg.FinishThresholdPct,
		syncTimeout:     cfg.ZoneSyncTimeout(),
	}
}

func (zbd *ZonedBlockDevice) Open(readonly bool) error {
	info, err := zbd.backend.Open(readonly)
	if err != nil {
		return err
	}

	if info.Model != ModelHostManaged {
		return fmt.Errorf("not a host managed block device: %w", status.ErrNotSupported)
	}
	if info.NrZones < MinZones {
		return fmt.Errorf("too few zones on device, %d of %d required: %w",
			info.NrZones, MinZones, status.ErrInvalidArgument)
	}
	if err := zbd.backend.CheckScheduler(); err != nil {
		return err
	}

	zbd.readonly = readonly
	zbd.blockSize = info.BlockSize
	zbd.zoneSize = info.ZoneSize
	zbd.nrZones = info.NrZones

	maxActive := info.MaxActiveZones
	if maxActive == 0 {
		// No device limit reported, bound by zone count.
		maxActive = info.NrZones
	}
	zbd.maxNrActiveIOZones = int(maxActive) - reservedMetaZones

	util.Info("Zoned block device: %d zones of %d bytes, block size %d, max active %d",
		info.NrZones, info.ZoneSize, info.BlockSize, maxActive)

	zbd.metaWorker = NewBackgroundWorker()
	zbd.dataWorker = NewBackgroundWorker()
	zbd.activeZones = make([]*Zone, zbd.maxNrActiveIOZones)

	reported, err := zbd.backend.ListZones()
	if err != nil {
		return fmt.Errorf("failed to list zones: %w", err)
	}
	if uint32(len(reported)) != zbd.nrZones {
		return fmt.Errorf("zone report returned %d of %d zones: %w",
			len(reported), zbd.nrZones, status.ErrIOError)
	}

	i := 0
	for m := 0; m < OpLogZones && i < len(reported); {
		z := &reported[i]
		i++
		// Only use sequential write required zones
		if z.Type == ZoneTypeSeqWriteReq {
			if !z.Offline() {
				zbd.opZones = append(zbd.opZones, newZone(zbd, z))
			}
			m++
		}
	}

	for m := 0; m < SnapshotZones && i < len(reported); {
		z := &reported[i]
		i++
		if z.Type == ZoneTypeSeqWriteReq {
			if !z.Offline() {
				zbd.snapshotZones = append(zbd.snapshotZones, newZone(zbd, z))
			}
			m++
		}
	}

	active := 0
	for ; i < len(reported); i++ {
		z := &reported[i]
		if z.Type != ZoneTypeSeqWriteReq || z.Offline() {
			continue
		}
		zone := newZone(zbd, z)
		zbd.ioZones = append(zbd.ioZones, zone)

		// Zones left open or closed by a previous mount occupy active
		// slots; close the open ones so the allocator starts from a
		// known state.
		if z.ImpOpen() || z.ExpOpen() || z.Closed() {
			if active < len(zbd.activeZones) {
				zbd.activeZones[active] = zone
				active++
			}
			if (z.ImpOpen() || z.ExpOpen()) && !readonly {
				if err := zone.Close(); err != nil {
					util.Warn("Failed to close pre-open zone 0x%x: %v", zone.start, err)
				}
			}
		}
	}
	zbd.activeIOZones.Store(int64(active))

	zbd.startTime = time.Now()

	return nil
}

func (zbd *ZonedBlockDevice) Backend() Backend   { return zbd.backend }
func (zbd *ZonedBlockDevice) BlockSize() uint32  { return zbd.blockSize }
func (zbd *ZonedBlockDevice) ZoneSize() uint64   { return zbd.zoneSize }
func (zbd *ZonedBlockDevice) NrZones() uint32    { return zbd.nrZones }
func (zbd *ZonedBlockDevice) ReadOnly() bool     { return zbd.readonly }
func (zbd *ZonedBlockDevice) IOZones() []*Zone   { return zbd.ioZones }
func (zbd *ZonedBlockDevice) OpZones() []*Zone   { return zbd.opZones }
func (zbd *ZonedBlockDevice) SnapZones() []*Zone { return zbd.snapshotZones }

func (zbd *ZonedBlockDevice) MaxNrActiveIOZones() int { return zbd.maxNrActiveIOZones }
func (zbd *ZonedBlockDevice) ActiveIOZones() int64    { return zbd.activeIOZones.Load() }

func (zbd *ZonedBlockDevice) MetaWorker() *BackgroundWorker { return zbd.metaWorker }
func (zbd *ZonedBlockDevice) DataWorker() *BackgroundWorker { return zbd.dataWorker }

func (zbd *ZonedBlockDevice) DeviceID() (uint64, uint64) { return zbd.backend.DeviceID() }

// GetIOZone returns the data zone whose address span contains offset.
func (zbd *ZonedBlockDevice) GetIOZone(offset uint64) *Zone {
	for _, z := range zbd.ioZones {
		if z.start <= offset && offset < z.start+zbd.zoneSize {
			return z
		}
	}
	return nil
}

// AllocateMetaZone returns the first empty op-log zone, or nil.
func (zbd *ZonedBlockDevice) AllocateMetaZone() *Zone {
	metrics.MetaAllocTotal.Inc()
	for _, z := range zbd.opZones {
		if z.IsEmpty() {
			return z
		}
	}
	return nil
}

// AllocateSnapshotZone returns the first empty snapshot zone, or nil.
func (zbd *ZonedBlockDevice) AllocateSnapshotZone() *Zone {
	metrics.MetaAllocTotal.Inc()
	for _, z := range zbd.snapshotZones {
		if z.IsEmpty() {
			return z
		}
	}
	return nil
}

// AllocateZone picks an active zone for a writer and returns it marked open
// for write. WAL callers take priority: they advertise themselves through
// walAllocating and scan from slot 0, while non-WAL callers wait for the
// counter to clear and scan from slot 2, so the first two slots stay
// reserved for latency-critical writers.
func (zbd *ZonedBlockDevice) AllocateZone(lifetime Lifetime, isWAL bool, fullZone *Zone) *Zone {
	start := time.Now()
	var z *Zone

	for {
		var ok bool
		if isWAL {
			zbd.walAllocating.Add(1)
			z, ok = zbd.getActiveZone(0, lifetime, fullZone)
			zbd.walAllocating.Add(-1)
		} else {
			for zbd.walAllocating.Load() != 0 {
				runtime.Gosched()
			}
			z, ok = zbd.getActiveZone(2, lifetime, fullZone)
		}
		if ok {
			break
		}
		runtime.Gosched()
	}

	if isWAL {
		metrics.WALAllocLatency.Observe(time.Since(start).Seconds())
	} else {
		metrics.NonWALAllocLatency.Observe(time.Since(start).Seconds())
	}
	metrics.ActiveZones.Set(float64(zbd.activeIOZones.Load()))
	metrics.OpenZones.Set(float64(zbd.openIOZones.Load()))

	return z
}

// getActiveZone scans the slot table from the given slot. It reuses a
// referenced zone nobody holds, or promotes a data-pool zone into an empty
// slot by lifetime match. A caller's just-filled zone is handed to the
// background finisher on the way in.
func (zbd *ZonedBlockDevice) getActiveZone(start int, lifetime Lifetime, fullZone *Zone) (*Zone, bool) {
	zbd.activeMu.Lock()
	defer zbd.activeMu.Unlock()

	if fullZone != nil && !fullZone.bgProcessing {
		for i, slot := range zbd.activeZones {
			if slot == fullZone {
				if fullZone.openForWrite {
					fullZone.openForWrite = false
					zbd.openIOZones.Add(-1)
				}
				fullZone.bgProcessing = true
				zbd.bgFinishDataZone(fullZone, i)
				break
			}
		}
	}

	for i := start; i < len(zbd.activeZones); i++ {
		if z := zbd.activeZones[i]; z != nil {
			if z.bgProcessing {
				continue
			}
			if !z.openForWrite {
				z.openForWrite = true
				zbd.openIOZones.Add(1)
				return z, true
			}
			continue
		}

		// Empty slot: promote a data-pool zone into it.
		zbd.ioMu.Lock()
		var allocated *Zone
		bestDiff := uint32(lifetimeDiffNotGood)
		for _, z := range zbd.ioZones {
			if z.openForWrite || z.bgProcessing || z.IsFull() || z.used.Load() <= 0 {
				continue
			}
			if diff := lifetimeDiff(z.lifetime, lifetime); diff <= bestDiff {
				allocated = z
				bestDiff = diff
			}
		}
		// Use an empty zone when no good match exists.
		if bestDiff >= lifetimeDiffNotGood {
			allocated = nil
			for _, z := range zbd.ioZones {
				if !z.openForWrite && !z.bgProcessing && z.IsEmpty() {
					allocated = z
				}
			}
		}
		if allocated != nil {
			allocated.openForWrite = true
			allocated.lifetime = lifetime
			zbd.activeZones[i] = allocated
			zbd.activeIOZones.Add(1)
			zbd.openIOZones.Add(1)
		}
		// Piggyback recycling on background-priority requests.
		if start != 0 {
			zbd.triggerBgLocked()
		}
		zbd.ioMu.Unlock()

		if allocated != nil {
			return allocated, true
		}
	}

	return nil, false
}

func (zbd *ZonedBlockDevice) bgFinishDataZone(z *Zone, slot int) {
	zbd.dataWorker.SubmitJob(func() {
		if err := z.Finish(); err != nil {
			util.Error("Failed to finish zone 0x%x: %v", z.start, err)
			return
		}
		zbd.activeIOZones.Add(-1)
		zbd.activeMu.Lock()
		z.bgProcessing = false
		zbd.activeZones[slot] = nil
		zbd.activeMu.Unlock()
		metrics.BgFinishTotal.Inc()
		metrics.ActiveZones.Set(float64(zbd.activeIOZones.Load()))
	})
}

func (zbd *ZonedBlockDevice) bgResetDataZone(z *Zone, slot int) {
	zbd.dataWorker.SubmitJob(func() {
		if err := z.Reset(); err != nil {
			util.Error("Failed to reset zone 0x%x: %v", z.start, err)
			return
		}
		zbd.activeIOZones.Add(-1)
		zbd.activeMu.Lock()
		z.bgProcessing = false
		zbd.activeZones[slot] = nil
		zbd.activeMu.Unlock()
		metrics.BgResetTotal.Inc()
		metrics.ActiveZones.Set(float64(zbd.activeIOZones.Load()))
	})
}

// TriggerBgFinishAndReset scans the slot table for zones to recycle: unused
// zones are reset, nearly-full used zones are finished. At most one pass
// runs at a time.
func (zbd *ZonedBlockDevice) TriggerBgFinishAndReset() {
	zbd.activeMu.Lock()
	defer zbd.activeMu.Unlock()
	zbd.triggerBgLocked()
}

func (zbd *ZonedBlockDevice) triggerBgLocked() {
	if !zbd.bgRecycling.CompareAndSwap(0, 1) {
		return
	}
	defer zbd.bgRecycling.Store(0)

	for i, z := range zbd.activeZones {
		if z == nil || z.bgProcessing {
			continue
		}
		if z.openForWrite || z.IsEmpty() || (z.IsFull() && z.IsUsed()) {
			continue
		}
		if !z.IsUsed() {
			z.bgProcessing = true
			zbd.bgResetDataZone(z, i)
			continue
		}
		if z.capacity < z.maxCapacity*uint64(zbd.finishThreshold)/100 {
			z.bgProcessing = true
			zbd.bgFinishDataZone(z, i)
		}
	}
}

// ResetUnusedIOZones sweeps the data pool synchronously, resetting every
// zone that holds no live data. Used at mount and shutdown. Zones held by a
// writer or by the background worker are skipped; the slot table entry of a
// reset zone is cleared so the allocator cannot hand out a stale reference.
func (zbd *ZonedBlockDevice) ResetUnusedIOZones() {
	zbd.activeMu.Lock()
	defer zbd.activeMu.Unlock()

	for _, z := range zbd.ioZones {
		if z.IsUsed() || z.IsEmpty() || z.bgProcessing {
			continue
		}
		wasFull := z.IsFull()
		if err := z.Reset(); err != nil {
			util.Warn("Failed resetting zone 0x%x: %v", z.start, err)
			continue
		}
		for i, slot := range zbd.activeZones {
			if slot == z {
				zbd.activeZones[i] = nil
			}
		}
		if !wasFull {
			zbd.activeIOZones.Add(-1)
		}
	}
	metrics.ActiveZones.Set(float64(zbd.activeIOZones.Load()))
}

func (zbd *ZonedBlockDevice) GetFreeSpace() uint64 {
	var free uint64
	for _, z := range zbd.ioZones {
		free += z.capacity
	}
	return free
}

func (zbd *ZonedBlockDevice) GetUsedSpace() uint64 {
	var used uint64
	for _, z := range zbd.ioZones {
		used += uint64(z.used.Load())
	}
	return used
}

func (zbd *ZonedBlockDevice) GetReclaimableSpace() uint64 {
	var reclaimable uint64
	for _, z := range zbd.ioZones {
		if z.IsFull() {
			reclaimable += z.maxCapacity - uint64(z.used.Load())
		}
	}
	return reclaimable
}

// ReportSpaceUtilization refreshes the space gauges.
func (zbd *ZonedBlockDevice) ReportSpaceUtilization() {
	metrics.FreeSpace.Set(float64(zbd.GetFreeSpace()))
	metrics.UsedSpace.Set(float64(zbd.GetUsedSpace()))
	metrics.ReclaimableSpace.Set(float64(zbd.GetReclaimableSpace()))
}

// ZoneStat is a point-in-time view of one data zone for tooling.
type ZoneStat struct {
	StartPosition uint64 `json:"start"`
	WritePosition uint64 `json:"wp"`
	TotalCapacity uint64 `json:"max_capacity"`
	UsedCapacity  int64  `json:"used_capacity"`
	Lifetime      string `json:"lifetime"`
}

func (zbd *ZonedBlockDevice) GetStat() []ZoneStat {
	stat := make([]ZoneStat, 0, len(zbd.ioZones))
	for _, z := range zbd.ioZones {
		stat = append(stat, ZoneStat{
			StartPosition: z.start,
			WritePosition: z.wp,
			TotalCapacity: z.maxCapacity,
			UsedCapacity:  z.used.Load(),
			Lifetime:      z.lifetime.String(),
		})
	}
	return stat
}

func (zbd *ZonedBlockDevice) LogZoneStats() {
	var used, reclaimable, reclaimablesMax uint64
	var active int
	for _, z := range zbd.ioZones {
		u := uint64(z.used.Load())
		used += u
		if u > 0 {
			reclaimable += z.maxCapacity - u
			reclaimablesMax += z.maxCapacity
		}
		if !(z.IsFull() || z.IsEmpty()) {
			active++
		}
	}
	if reclaimablesMax == 0 {
		reclaimablesMax = 1
	}
	util.Info("zone stats: uptime %s used %d MB reclaimable %d MB (%d%%) partial %d active %d open %d",
		time.Since(zbd.startTime).Round(time.Second), used>>20, reclaimable>>20,
		100*reclaimable/reclaimablesMax, active, zbd.activeIOZones.Load(), zbd.openIOZones.Load())
}

// Close drains both background workers and releases the device.
func (zbd *ZonedBlockDevice) Close() error {
	if zbd.metaWorker != nil {
		zbd.metaWorker.Close()
	}
	if zbd.dataWorker != nil {
		zbd.dataWorker.Close()
	}
	return zbd.backend.Close()
}
