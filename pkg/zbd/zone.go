package zbd

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zonefs-org/go-zonefs/pkg/metrics"
	"github.com/zonefs-org/go-zonefs/pkg/status"
)

// Zone tracks one device zone. The write pointer, capacity and lifetime are
// only touched by the writer holding openForWrite or by the background
// worker while bgProcessing is set; the allocator flips those flags under
// the device's active-zone lock. used is read unsynchronized by space
// accounting and is therefore atomic.
type Zone struct {
	zbd *ZonedBlockDevice

	start       uint64
	maxCapacity uint64
	wp          uint64
	capacity    uint64
	lifetime    Lifetime
	used        atomic.Int64

	openForWrite bool
	bgProcessing bool

	// at most one async write outstanding
	inflight uint32
	pending  chan asyncResult
}

type asyncResult struct {
	n   int
	err error
}

func newZone(zbd *ZonedBlockDevice, info *ZoneInfo) *Zone {
	z := &Zone{
		zbd:         zbd,
		start:       info.Start,
		maxCapacity: info.Capacity,
		wp:          info.WP,
		lifetime:    LifetimeNotSet,
	}
	if !(info.Full() || info.Offline() || info.ReadOnly()) {
		z.capacity = info.Capacity - (info.WP - info.Start)
	}
	return z
}

func (z *Zone) Start() uint64        { return z.start }
func (z *Zone) WP() uint64           { return z.wp }
func (z *Zone) Capacity() uint64     { return z.capacity }
func (z *Zone) MaxCapacity() uint64  { return z.maxCapacity }
func (z *Zone) Lifetime() Lifetime   { return z.lifetime }
func (z *Zone) UsedCapacity() int64  { return z.used.Load() }
func (z *Zone) ZoneNr() uint64       { return z.start / z.zbd.zoneSize }

func (z *Zone) IsUsed() bool  { return z.used.Load() > 0 || z.openForWrite }
func (z *Zone) IsFull() bool  { return z.capacity == 0 }
func (z *Zone) IsEmpty() bool { return z.wp == z.start }

// AddUsed adjusts the live byte count attributed to this zone by file
// extents. Negative deltas must not underflow.
func (z *Zone) AddUsed(delta int64) {
	if n := z.used.Add(delta); n < 0 {
		panic(fmt.Sprintf("zone 0x%x used capacity underflow: %d", z.start, n))
	}
}

// Append synchronously writes size bytes at the write pointer. Any
// outstanding async write is drained first. size must be a multiple of the
// device block size.
func (z *Zone) Append(data []byte) error {
	size := uint64(len(data))

	if size%uint64(z.zbd.blockSize) != 0 {
		return fmt.Errorf("unaligned append of %d bytes: %w", size, status.ErrInvalidArgument)
	}
	if z.capacity < size {
		return fmt.Errorf("append of %d bytes to zone 0x%x with %d left: %w",
			size, z.start, z.capacity, status.ErrNoSpace)
	}

	if err := z.Sync(); err != nil {
		return err
	}

	start := time.Now()
	for len(data) > 0 {
		n, err := z.zbd.backend.Pwrite(data, z.wp)
		if err != nil || n <= 0 {
			return fmt.Errorf("zone write at 0x%x failed: %v: %w", z.wp, err, status.ErrIOError)
		}
		data = data[n:]
		z.wp += uint64(n)
		z.capacity -= uint64(n)
	}
	metrics.WriteLatency.Observe(time.Since(start).Seconds())
	metrics.WriteBytes.Add(float64(size))

	return nil
}

// AppendAsync submits a single asynchronous write at the write pointer and
// advances the write pointer and capacity at submission, so until Sync
// returns, WP covers the in-flight write as well. Append and AppendAsync
// both drain the outstanding write before issuing a new one; a failed Sync
// does not roll the write pointer back.
func (z *Zone) AppendAsync(data []byte) error {
	size := uint64(len(data))

	if size%uint64(z.zbd.blockSize) != 0 {
		return fmt.Errorf("unaligned async append of %d bytes: %w", size, status.ErrInvalidArgument)
	}

	if err := z.Sync(); err != nil {
		return err
	}

	if z.capacity < size {
		return fmt.Errorf("async append of %d bytes to zone 0x%x with %d left: %w",
			size, z.start, z.capacity, status.ErrNoSpace)
	}

	ch := make(chan asyncResult, 1)
	offset := z.wp
	go func() {
		n, err := z.zbd.backend.Pwrite(data, offset)
		ch <- asyncResult{n: n, err: err}
	}()

	z.pending = ch
	z.inflight = uint32(size)
	z.wp += size
	z.capacity -= size
	metrics.WriteBytes.Add(float64(size))

	return nil
}

// Sync waits for the outstanding async write, if any. The wait is bounded;
// a timeout or a short completion is an IO error and the zone keeps the
// inflight marker so no further appends are accepted.
func (z *Zone) Sync() error {
	if z.inflight == 0 {
		return nil
	}

	timer := time.NewTimer(z.zbd.syncTimeout)
	defer timer.Stop()

	select {
	case res := <-z.pending:
		if res.err != nil {
			return fmt.Errorf("async zone write failed: %v: %w", res.err, status.ErrIOError)
		}
		if uint32(res.n) != z.inflight {
			return fmt.Errorf("short async zone write, %d of %d bytes: %w",
				res.n, z.inflight, status.ErrIOError)
		}
	case <-timer.C:
		return fmt.Errorf("async zone write did not complete within %s: %w",
			z.zbd.syncTimeout, status.ErrIOError)
	}

	z.inflight = 0
	z.pending = nil
	return nil
}

// Finish transitions the zone to Finished at the device and accounts the
// full zone locally. Must not be called while a writer holds the zone.
func (z *Zone) Finish() error {
	if z.openForWrite {
		return fmt.Errorf("finish of zone 0x%x while open for write: %w", z.start, status.ErrInvalidArgument)
	}

	if err := z.zbd.backend.FinishZone(z.start, z.zbd.zoneSize); err != nil {
		return fmt.Errorf("zone finish failed: %w", err)
	}

	z.capacity = 0
	z.wp = z.start + z.zbd.zoneSize

	return nil
}

// Reset returns the zone to Empty. Only legal once no file extent
// references it and no writer holds it.
func (z *Zone) Reset() error {
	if z.IsUsed() {
		return fmt.Errorf("reset of used zone 0x%x: %w", z.start, status.ErrInvalidArgument)
	}

	if err := z.zbd.backend.ResetZone(z.start, z.zbd.zoneSize); err != nil {
		return fmt.Errorf("zone reset failed: %w", err)
	}

	info, err := z.zbd.backend.ReportZone(z.start)
	if err != nil {
		return fmt.Errorf("zone report after reset failed: %w", err)
	}

	if info.Offline() {
		z.capacity = 0
	} else {
		z.maxCapacity = info.Capacity
		z.capacity = info.Capacity
	}
	z.wp = z.start
	z.lifetime = LifetimeNotSet

	return nil
}

// Close releases the zone at the device layer. Empty and full zones carry
// no implicit-open state, so the device call is skipped for them.
func (z *Zone) Close() error {
	if z.openForWrite {
		z.zbd.openIOZones.Add(-1)
	}
	z.openForWrite = false

	if !(z.IsEmpty() || z.IsFull()) {
		if err := z.zbd.backend.CloseZone(z.start, z.zbd.zoneSize); err != nil {
			return fmt.Errorf("zone close failed: %w", err)
		}
	}

	return nil
}

// CloseWR is the writer-side release: drain the async write, then close.
func (z *Zone) CloseWR() error {
	if !z.openForWrite {
		return fmt.Errorf("close of zone 0x%x not open for write: %w", z.start, status.ErrInvalidArgument)
	}
	if err := z.Sync(); err != nil {
		return err
	}
	return z.Close()
}
