package levelstore

import (
	"encoding/binary"
	"hash/crc32"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peakmap/server/internal/pyramid"
)

func samplePoints(n int) []pyramid.Point {
	r := rand.New(rand.NewPCG(uint64(n), 3))
	cats := []string{"", "MS1", "MS2", "lipid/neg"}
	pts := make([]pyramid.Point, n)
	for i := range pts {
		pts[i] = pyramid.Point{
			RowID:     int64(i * 3),
			X:         r.Float64() * 1000,
			Y:         r.Float64() * 60,
			Intensity: math.Floor(r.Float64() * 100),
			Category:  cats[i%len(cats)],
		}
	}
	return pts
}

var sampleGrid = pyramid.Grid{
	Range: pyramid.AxisRange{MinX: 0, MaxX: 1000, MinY: 0, MaxY: 60},
	XBins: 64,
	YBins: 32,
}

func TestLevelCodecRoundTrip(t *testing.T) {
	pts := samplePoints(5000)
	lvl := pyramid.Level{Index: 2, Target: 8000, Size: len(pts)}
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			data, err := EncodeLevel(sampleGrid, lvl, pts, c)
			require.NoError(t, err)

			h, got, err := DecodeLevel(data)
			require.NoError(t, err)
			assert.Equal(t, sampleGrid, h.Grid)
			assert.Equal(t, lvl, h.Level)
			assert.Equal(t, pts, got)
		})
	}
}

func TestLevelCodecKeepsNaNIntensityAndFullFlag(t *testing.T) {
	pts := []pyramid.Point{{RowID: 1, X: 1, Y: 2, Intensity: math.NaN()}}
	data, err := EncodeLevel(sampleGrid, pyramid.Level{Index: 0, Target: 1, Size: 1, Full: true}, pts, CompressionNone)
	require.NoError(t, err)
	h, got, err := DecodeLevel(data)
	require.NoError(t, err)
	assert.True(t, h.Level.Full)
	require.Len(t, got, 1)
	assert.True(t, math.IsNaN(got[0].Intensity))
}

func TestLevelCodecEmptyLevel(t *testing.T) {
	data, err := EncodeLevel(sampleGrid, pyramid.Level{}, nil, CompressionZstd)
	require.NoError(t, err)
	_, got, err := DecodeLevel(data)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLevelCodecDetectsCorruption(t *testing.T) {
	pts := samplePoints(200)
	data, err := EncodeLevel(sampleGrid, pyramid.Level{Index: 0, Size: 200}, pts, CompressionNone)
	require.NoError(t, err)

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-1] ^= 0xff
	_, _, err = DecodeLevel(flipped)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, _, err = DecodeLevel(data[:len(data)-3])
	assert.ErrorIs(t, err, ErrCorrupt)

	bad := append([]byte("XXXX"), data[4:]...)
	_, _, err = DecodeLevel(bad)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = DecodeHeader(data[:10])
	assert.ErrorIs(t, err, ErrCorrupt)
}

// reseal recomputes the header checksum so that a test can reach the checks
// behind it.
func reseal(data []byte) {
	binary.LittleEndian.PutUint32(data[headerSize-4:], crc32.Checksum(data[:headerSize-4], crcTable))
}

func TestLevelCodecRejectsDamagedHeader(t *testing.T) {
	pts := samplePoints(300)
	const (
		countOff  = 8 + 32 + 20
		rawLenOff = 8 + 32 + 28
	)
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			data, err := EncodeLevel(sampleGrid, pyramid.Level{Index: 1, Target: 300, Size: 300}, pts, c)
			require.NoError(t, err)

			cases := map[string]func([]byte){
				"huge raw length": func(b []byte) {
					binary.LittleEndian.PutUint64(b[rawLenOff:], 1<<63+5)
				},
				"raw length above limit": func(b []byte) {
					binary.LittleEndian.PutUint64(b[rawLenOff:], math.MaxInt32+1)
				},
				"point count beyond payload": func(b []byte) {
					binary.LittleEndian.PutUint64(b[countOff:], 1<<40)
				},
				"negative point count": func(b []byte) {
					binary.LittleEndian.PutUint64(b[countOff:], 1<<63)
				},
			}
			for name, damage := range cases {
				bad := append([]byte(nil), data...)
				damage(bad)
				assert.NotPanics(t, func() {
					_, _, err = DecodeLevel(bad)
				}, name)
				assert.ErrorIs(t, err, ErrCorrupt, "unsealed %s", name)

				reseal(bad)
				assert.NotPanics(t, func() {
					_, _, err = DecodeLevel(bad)
				}, name)
				assert.ErrorIs(t, err, ErrCorrupt, "resealed %s", name)
			}
		})
	}
}

func TestParseCompression(t *testing.T) {
	for name, want := range map[string]Compression{"": CompressionNone, "none": CompressionNone, "LZ4": CompressionLZ4, " zstd ": CompressionZstd} {
		got, err := ParseCompression(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCompression("brotli")
	assert.Error(t, err)
}
