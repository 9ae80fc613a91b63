package zbd

// Backend abstracts the zoned device the file system sits on. The production
// implementation drives a Linux block device through the zone management
// ioctls; MemBackend simulates one for tests and the --sim tooling path.
type Backend interface {
	// Open prepares the device descriptors and returns its geometry.
	// In writable mode the write path must hold the device exclusively.
	Open(readonly bool) (DeviceInfo, error)

	// ListZones reports every zone on the device in address order.
	ListZones() ([]ZoneInfo, error)

	// ReportZone re-reports a single zone identified by its start offset.
	ReportZone(start uint64) (ZoneInfo, error)

	ResetZone(start, length uint64) error
	FinishZone(start, length uint64) error
	OpenZone(start, length uint64) error
	CloseZone(start, length uint64) error

	// Pread reads at the given device offset, optionally through the
	// O_DIRECT descriptor. Pwrite writes through the exclusive write
	// descriptor. Both return the number of bytes transferred.
	Pread(p []byte, offset uint64, direct bool) (int, error)
	Pwrite(p []byte, offset uint64) (int, error)

	// DeviceID identifies the backing device for unique file IDs.
	DeviceID() (dev uint64, ino uint64)

	// CheckScheduler verifies the host I/O scheduler precondition.
	CheckScheduler() error

	Close() error
}
