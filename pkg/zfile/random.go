package zfile

// RandomAccessFile serves positioned reads over a closed ZoneFile.
type RandomAccessFile struct {
	zoneFile *ZoneFile
	direct   bool
}

func NewRandomAccessFile(f *ZoneFile, direct bool) *RandomAccessFile {
	return &RandomAccessFile{zoneFile: f, direct: direct}
}

func (r *RandomAccessFile) Read(offset uint64, scratch []byte) ([]byte, error) {
	return r.zoneFile.PositionedRead(offset, scratch, r.direct)
}

func (r *RandomAccessFile) GetUniqueId(buf []byte) int {
	return r.zoneFile.GetUniqueId(buf)
}
