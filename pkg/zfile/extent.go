package zfile

import (
	"encoding/binary"
	"fmt"

	"github.com/zonefs-org/go-zonefs/pkg/status"
	"github.com/zonefs-org/go-zonefs/pkg/zbd"
)

// extentEncodedLen is the wire size of an extent: u64 start, u32 length.
const extentEncodedLen = 12

// Extent is one contiguous device byte range belonging to a file. The zone
// reference is a non-owning handle into the device's zone container; extents
// never outlive the device.
type Extent struct {
	Start  uint64
	Length uint32
	Zone   *zbd.Zone
}

func NewExtent(start uint64, length uint32, zone *zbd.Zone) *Extent {
	return &Extent{Start: start, Length: length, Zone: zone}
}

func (e *Extent) EncodeTo(dst []byte) []byte {
	dst = putFixed64(dst, e.Start)
	dst = putFixed32(dst, e.Length)
	return dst
}

// DecodeFrom rejects any input that is not exactly one encoded extent.
func (e *Extent) DecodeFrom(input []byte) error {
	if len(input) != extentEncodedLen {
		return fmt.Errorf("extent length mismatch, got %d bytes: %w", len(input), status.ErrCorruption)
	}
	e.Start = binary.LittleEndian.Uint64(input[0:8])
	e.Length = binary.LittleEndian.Uint32(input[8:12])
	return nil
}
