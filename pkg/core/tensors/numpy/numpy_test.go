// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package numpy

import (
	"bytes"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// npyBytes builds a version 1.0 .npy file with the given header dictionary and raw data.
func npyBytes(header string, data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(magicString)
	buf.Write([]byte{1, 0})
	header += "\n"
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	buf.Write(data)
	return buf.Bytes()
}

func TestParseNpyHeader(t *testing.T) {
	descr, dims, fortran, err := parseNpyHeader("{'descr': '<f4', 'fortran_order': False, 'shape': (1, 2, 3), }")
	require.NoError(t, err)
	assert.Equal(t, "<f4", descr)
	assert.Equal(t, []int{1, 2, 3}, dims)
	assert.False(t, fortran)

	_, dims, _, err = parseNpyHeader("{'descr': '<i8', 'fortran_order': True, 'shape': (10,), }")
	require.NoError(t, err)
	assert.Equal(t, []int{10}, dims)

	_, dims, _, err = parseNpyHeader("{'descr': '<f8', 'fortran_order': False, 'shape': (), }")
	require.NoError(t, err)
	assert.Empty(t, dims)

	_, _, _, err = parseNpyHeader("{'fortran_order': False, 'shape': (), }")
	require.Error(t, err)
}

func TestReadDTypes(t *testing.T) {
	t.Run("float16", func(t *testing.T) {
		data := make([]byte, 4)
		binary.LittleEndian.PutUint16(data[0:], float16.Fromfloat32(1.5).Bits())
		binary.LittleEndian.PutUint16(data[2:], float16.Fromfloat32(-0.25).Bits())
		tensor, err := FromNpyReader(bytes.NewReader(npyBytes("{'descr': '<f2', 'fortran_order': False, 'shape': (2,), }", data)))
		require.NoError(t, err)
		assert.Equal(t, []float64{1.5, -0.25}, tensor.Flat())
	})

	t.Run("int64-lengths", func(t *testing.T) {
		data := make([]byte, 24)
		for ii, v := range []int64{7, 12, 3} {
			binary.LittleEndian.PutUint64(data[ii*8:], uint64(v))
		}
		tensor, err := FromNpyReader(bytes.NewReader(npyBytes("{'descr': '<i8', 'fortran_order': False, 'shape': (3,), }", data)))
		require.NoError(t, err)
		lengths, err := tensor.ToInts()
		require.NoError(t, err)
		assert.Equal(t, []int{7, 12, 3}, lengths)
	})

	t.Run("big-endian-float32", func(t *testing.T) {
		data := make([]byte, 4)
		binary.BigEndian.PutUint32(data, math.Float32bits(2.5))
		tensor, err := FromNpyReader(bytes.NewReader(npyBytes("{'descr': '>f4', 'fortran_order': False, 'shape': (), }", data)))
		require.NoError(t, err)
		assert.Equal(t, 2.5, tensor.Value())
	})

	t.Run("fortran-order", func(t *testing.T) {
		// Matrix [[1, 2, 3], [4, 5, 6]] stored column-major.
		data := make([]byte, 6*8)
		for ii, v := range []float64{1, 4, 2, 5, 3, 6} {
			binary.LittleEndian.PutUint64(data[ii*8:], math.Float64bits(v))
		}
		tensor, err := FromNpyReader(bytes.NewReader(npyBytes("{'descr': '<f8', 'fortran_order': True, 'shape': (2, 3), }", data)))
		require.NoError(t, err)
		assert.Equal(t, [][]float64{{1, 2, 3}, {4, 5, 6}}, tensor.Value())
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := FromNpyReader(bytes.NewReader(npyBytes("{'descr': '<c16', 'fortran_order': False, 'shape': (1,), }", make([]byte, 16))))
		require.Error(t, err)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := FromNpyReader(bytes.NewReader(npyBytes("{'descr': '<f8', 'fortran_order': False, 'shape': (4,), }", make([]byte, 8))))
		require.Error(t, err)
	})

	t.Run("bad-magic", func(t *testing.T) {
		_, err := FromNpyReader(bytes.NewReader([]byte("NOTNUMPYFILE")))
		require.Error(t, err)
	})
}

func TestRoundTrip(t *testing.T) {
	images := tensors.FromValue([][][]float64{{{1, 2}, {3, 4}}, {{5, 6}, {7, 8}}, {{9, 10}, {11, 12}}})

	var buf bytes.Buffer
	require.NoError(t, ToNpyWriter(images, &buf))
	// Header is aligned to 64 bytes.
	headerLen := int(binary.LittleEndian.Uint16(buf.Bytes()[8:10]))
	assert.Equal(t, 0, (10+headerLen)%64)
	loaded, err := FromNpyReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, images.Value(), loaded.Value())

	buf.Reset()
	require.NoError(t, ToNpyWriterF32(images, &buf))
	loaded, err = FromNpyReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, images.Value(), loaded.Value())

	dir := t.TempDir()
	npzPath := filepath.Join(dir, "features.npz")
	lengths := tensors.FromValue([]float64{2, 1})
	require.NoError(t, ToNpzFile(map[string]*tensors.Tensor{"images": images, "lengths": lengths}, npzPath))
	all, err := FromNpzFile(npzPath)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, images.Value(), all["images"].Value())
	assert.Equal(t, lengths.Value(), all["lengths"].Value())

	npyPath := filepath.Join(dir, "sims.npy")
	require.NoError(t, ToNpyFile(lengths, npyPath))
	single, err := FromNpyFile(npyPath)
	require.NoError(t, err)
	assert.Equal(t, lengths.Flat(), single.Flat())
}
