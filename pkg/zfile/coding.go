package zfile

import "encoding/binary"

// Little-endian fixed-width and varint-length-prefixed primitives used by
// the extent and file metadata codecs.

func putFixed32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func putFixed64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func putLengthPrefixed(dst []byte, b []byte) []byte {
	var l [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(l[:], uint64(len(b)))
	dst = append(dst, l[:n]...)
	return append(dst, b...)
}

type sliceReader struct {
	b []byte
}

func (r *sliceReader) empty() bool { return len(r.b) == 0 }

func (r *sliceReader) fixed32() (uint32, bool) {
	if len(r.b) < 4 {
		return 0, false
	}
	v := binary.LittleEndian.Uint32(r.b)
	r.b = r.b[4:]
	return v, true
}

func (r *sliceReader) fixed64() (uint64, bool) {
	if len(r.b) < 8 {
		return 0, false
	}
	v := binary.LittleEndian.Uint64(r.b)
	r.b = r.b[8:]
	return v, true
}

func (r *sliceReader) lengthPrefixed() ([]byte, bool) {
	l, n := binary.Uvarint(r.b)
	if n <= 0 || uint64(len(r.b)-n) < l {
		return nil, false
	}
	v := r.b[n : n+int(l)]
	r.b = r.b[n+int(l):]
	return v, true
}
