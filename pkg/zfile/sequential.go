package zfile

import (
	"fmt"

	"github.com/zonefs-org/go-zonefs/pkg/status"
)

// SequentialFile reads a ZoneFile front to back.
type SequentialFile struct {
	zoneFile *ZoneFile
	rp       uint64
	direct   bool
}

func NewSequentialFile(f *ZoneFile, direct bool) *SequentialFile {
	return &SequentialFile{zoneFile: f, direct: direct}
}

// Read fills scratch from the current read position and advances it by the
// number of bytes actually read.
func (s *SequentialFile) Read(scratch []byte) ([]byte, error) {
	result, err := s.zoneFile.PositionedRead(s.rp, scratch, s.direct)
	if err == nil {
		s.rp += uint64(len(result))
	}
	return result, err
}

func (s *SequentialFile) Skip(n uint64) error {
	if s.rp+n >= s.zoneFile.FileSize() {
		return fmt.Errorf("skip beyond end of file: %w", status.ErrInvalidArgument)
	}
	s.rp += n
	return nil
}

func (s *SequentialFile) PositionedRead(offset uint64, scratch []byte) ([]byte, error) {
	return s.zoneFile.PositionedRead(offset, scratch, s.direct)
}
