package levelstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/peakmap/server/internal/pyramid"
)

// Level file layout, little endian:
//
//	magic "PKLV" | version u16 | compression u8 | flags u8
//	min_x max_x min_y max_y f64 | x_bins y_bins u32 | index u32 | target count u64
//	raw_len payload_len u64 | crc32(raw payload) u32 | crc32(header) u32
//	payload
//
// The header checksum covers every header byte before it and is checked
// before any length field is trusted. The raw payload is columnar: row ids, x, y and intensity for every point,
// then a category dictionary (u32 count, u32-length-prefixed strings) and a
// u32 dictionary code per point.
const (
	levelMagic   = "PKLV"
	levelVersion = 2
	headerSize   = 4 + 2 + 1 + 1 + 4*8 + 4 + 4 + 4 + 8 + 8 + 8 + 8 + 4 + 4

	// pointBytes is the raw payload size of one point: four 8-byte columns
	// and a 4-byte category code.
	pointBytes = 8*4 + 4
	// maxRawLen bounds the decompressed payload of a single level file.
	maxRawLen = math.MaxInt32

	flagFull = 1 << 0
)

var (
	// ErrCorrupt is returned for level files that fail structural or
	// checksum validation.
	ErrCorrupt = errors.New("corrupt level file")

	crcTable = crc32.MakeTable(crc32.IEEE)
)

// LevelHeader is the fixed-size header of a level file.
type LevelHeader struct {
	Version     uint16
	Compression Compression
	Grid        pyramid.Grid
	Level       pyramid.Level
	RawLen      uint64
	PayloadLen  uint64
	Checksum    uint32
}

// EncodeLevel serializes the points of one level.
func EncodeLevel(grid pyramid.Grid, lvl pyramid.Level, pts []pyramid.Point, c Compression) ([]byte, error) {
	raw := encodePayload(pts)
	payload, applied, err := compress(raw, c)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, headerSize, headerSize+len(payload))
	copy(buf, levelMagic)
	le := binary.LittleEndian
	le.PutUint16(buf[4:], levelVersion)
	buf[6] = byte(applied)
	if lvl.Full {
		buf[7] = flagFull
	}
	off := 8
	for _, v := range []float64{grid.Range.MinX, grid.Range.MaxX, grid.Range.MinY, grid.Range.MaxY} {
		le.PutUint64(buf[off:], math.Float64bits(v))
		off += 8
	}
	le.PutUint32(buf[off:], uint32(grid.XBins))
	le.PutUint32(buf[off+4:], uint32(grid.YBins))
	le.PutUint32(buf[off+8:], uint32(lvl.Index))
	le.PutUint64(buf[off+12:], uint64(lvl.Target))
	le.PutUint64(buf[off+20:], uint64(len(pts)))
	le.PutUint64(buf[off+28:], uint64(len(raw)))
	le.PutUint64(buf[off+36:], uint64(len(payload)))
	le.PutUint32(buf[off+44:], crc32.Checksum(raw, crcTable))
	le.PutUint32(buf[headerSize-4:], crc32.Checksum(buf[:headerSize-4], crcTable))
	return append(buf, payload...), nil
}

// DecodeHeader parses and validates the header of a level file.
func DecodeHeader(data []byte) (LevelHeader, error) {
	var h LevelHeader
	if len(data) < headerSize {
		return h, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorrupt, len(data))
	}
	if string(data[:4]) != levelMagic {
		return h, fmt.Errorf("%w: bad magic %q", ErrCorrupt, data[:4])
	}
	le := binary.LittleEndian
	h.Version = le.Uint16(data[4:])
	if h.Version != levelVersion {
		return h, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, h.Version)
	}
	if sum, want := crc32.Checksum(data[:headerSize-4], crcTable), le.Uint32(data[headerSize-4:]); sum != want {
		return h, fmt.Errorf("%w: header checksum %08x, expected %08x", ErrCorrupt, sum, want)
	}
	h.Compression = Compression(data[6])
	h.Level.Full = data[7]&flagFull != 0

	off := 8
	bounds := make([]float64, 4)
	for i := range bounds {
		bounds[i] = math.Float64frombits(le.Uint64(data[off:]))
		off += 8
	}
	h.Grid.Range = pyramid.AxisRange{MinX: bounds[0], MaxX: bounds[1], MinY: bounds[2], MaxY: bounds[3]}
	h.Grid.XBins = int(le.Uint32(data[off:]))
	h.Grid.YBins = int(le.Uint32(data[off+4:]))
	h.Level.Index = int(le.Uint32(data[off+8:]))
	target := le.Uint64(data[off+12:])
	count := le.Uint64(data[off+20:])
	h.RawLen = le.Uint64(data[off+28:])
	h.PayloadLen = le.Uint64(data[off+36:])
	h.Checksum = le.Uint32(data[off+44:])

	if h.RawLen > maxRawLen {
		return h, fmt.Errorf("%w: raw payload length %d exceeds %d", ErrCorrupt, h.RawLen, maxRawLen)
	}
	if target > maxRawLen || count > (h.RawLen-min(h.RawLen, 4))/pointBytes {
		return h, fmt.Errorf("%w: %d points do not fit a %d byte payload", ErrCorrupt, count, h.RawLen)
	}
	h.Level.Target = int(target)
	h.Level.Size = int(count)
	if h.Compression == CompressionNone && h.RawLen != h.PayloadLen {
		return h, fmt.Errorf("%w: uncompressed payload length %d, header says %d", ErrCorrupt, h.PayloadLen, h.RawLen)
	}
	if uint64(len(data)-headerSize) != h.PayloadLen {
		return h, fmt.Errorf("%w: payload is %d bytes, header says %d", ErrCorrupt, len(data)-headerSize, h.PayloadLen)
	}
	return h, nil
}

// DecodeLevel parses a level file, verifying its checksum.
func DecodeLevel(data []byte) (LevelHeader, []pyramid.Point, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return h, nil, err
	}
	raw, err := decompress(data[headerSize:], h.Compression, int(h.RawLen))
	if err != nil {
		return h, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if sum := crc32.Checksum(raw, crcTable); sum != h.Checksum {
		return h, nil, fmt.Errorf("%w: checksum %08x, expected %08x", ErrCorrupt, sum, h.Checksum)
	}
	pts, err := decodePayload(raw, h.Level.Size)
	if err != nil {
		return h, nil, err
	}
	return h, pts, nil
}

func encodePayload(pts []pyramid.Point) []byte {
	dict := []string{""}
	codes := make(map[string]uint32, 1)
	codes[""] = 0
	for _, p := range pts {
		if _, ok := codes[p.Category]; !ok {
			codes[p.Category] = uint32(len(dict))
			dict = append(dict, p.Category)
		}
	}

	size := len(pts)*pointBytes + 4
	for _, s := range dict {
		size += 4 + len(s)
	}
	buf := make([]byte, size)
	le := binary.LittleEndian
	n := len(pts)
	for i, p := range pts {
		le.PutUint64(buf[i*8:], uint64(p.RowID))
		le.PutUint64(buf[(n+i)*8:], math.Float64bits(p.X))
		le.PutUint64(buf[(2*n+i)*8:], math.Float64bits(p.Y))
		le.PutUint64(buf[(3*n+i)*8:], math.Float64bits(p.Intensity))
	}
	off := 4 * n * 8
	le.PutUint32(buf[off:], uint32(len(dict)))
	off += 4
	for _, s := range dict {
		le.PutUint32(buf[off:], uint32(len(s)))
		off += 4
		off += copy(buf[off:], s)
	}
	for i, p := range pts {
		le.PutUint32(buf[off+i*4:], codes[p.Category])
	}
	return buf
}

func decodePayload(raw []byte, n int) ([]pyramid.Point, error) {
	le := binary.LittleEndian
	if n < 0 || len(raw) < n*pointBytes+4 {
		return nil, fmt.Errorf("%w: payload too small for %d points", ErrCorrupt, n)
	}
	off := 4 * n * 8
	dictLen := int(le.Uint32(raw[off:]))
	off += 4
	dict := make([]string, 0, dictLen)
	for i := 0; i < dictLen; i++ {
		if off+4 > len(raw) {
			return nil, fmt.Errorf("%w: truncated category dictionary", ErrCorrupt)
		}
		l := int(le.Uint32(raw[off:]))
		off += 4
		if off+l > len(raw) {
			return nil, fmt.Errorf("%w: truncated category dictionary", ErrCorrupt)
		}
		dict = append(dict, string(raw[off:off+l]))
		off += l
	}
	if len(raw)-off != n*4 {
		return nil, fmt.Errorf("%w: category codes are %d bytes, want %d", ErrCorrupt, len(raw)-off, n*4)
	}

	pts := make([]pyramid.Point, n)
	for i := range pts {
		code := le.Uint32(raw[off+i*4:])
		if int(code) >= len(dict) {
			return nil, fmt.Errorf("%w: category code %d out of range", ErrCorrupt, code)
		}
		pts[i] = pyramid.Point{
			RowID:     int64(le.Uint64(raw[i*8:])),
			X:         math.Float64frombits(le.Uint64(raw[(n+i)*8:])),
			Y:         math.Float64frombits(le.Uint64(raw[(2*n+i)*8:])),
			Intensity: math.Float64frombits(le.Uint64(raw[(3*n+i)*8:])),
			Category:  dict[code],
		}
	}
	return pts, nil
}
