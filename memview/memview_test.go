package memview

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceMemory is an in-process Memory backed by a byte slice.
type sliceMemory []byte

func (m sliceMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(m)) {
		return nil, false
	}
	return m[offset:end], true
}

func (m sliceMemory) Write(offset uint32, b []byte) bool {
	end := uint64(offset) + uint64(len(b))
	if end > uint64(len(m)) {
		return false
	}
	copy(m[offset:], b)
	return true
}

func newView(size int) (*View, sliceMemory) {
	mem := make(sliceMemory, size)
	return New(mem), mem
}

func TestUint32RoundTrip(t *testing.T) {
	v, _ := newView(64)

	require.NoError(t, v.WriteUint32(12, 0xdeadbeef))
	got, err := v.ReadUint32(12)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), got)
}

func TestUint64RoundTrip(t *testing.T) {
	v, _ := newView(64)

	require.NoError(t, v.WriteUint64(8, 0x0123456789abcdef))
	got, err := v.ReadUint64(8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0123456789abcdef), got)
}

func TestFloat64RoundTrip(t *testing.T) {
	cases := []float64{0, -0.5, 3.14159, -1e300, 42}
	v, _ := newView(64)

	for _, want := range cases {
		// Deliberately unaligned offset: the write must still land.
		require.NoError(t, v.WriteFloat64(4, want))
		got, err := v.ReadFloat64(4)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestLittleEndianLayout(t *testing.T) {
	v, mem := newView(16)

	require.NoError(t, v.WriteUint32(0, 0x11223344))
	assert.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, []byte(mem[:4]))
}

func TestStringRoundTrip(t *testing.T) {
	v, _ := newView(64)

	n, err := v.WriteString(10, "héllo")
	require.NoError(t, err)
	assert.Equal(t, uint32(6), n)

	got, err := v.ReadString(10, n)
	require.NoError(t, err)
	assert.Equal(t, "héllo", got)
}

func TestReadCString(t *testing.T) {
	v, mem := newView(32)
	copy(mem, "abc\x00def")

	got, err := v.ReadCString(0, 32)
	require.NoError(t, err)
	assert.Equal(t, "abc", got)
}

func TestOutOfRange(t *testing.T) {
	v, _ := newView(8)

	_, err := v.ReadUint64(4)
	require.ErrorIs(t, err, ErrOutOfRange)

	err = v.WriteUint32(6, 1)
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = v.ReadBytes(0, 9)
	require.ErrorIs(t, err, ErrOutOfRange)
}
