// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

// Package numpy allows one to read/write tensors to Python's NumPy npy and npz file formats.
//
// It's how the precomputed image region features, caption token features and caption lengths are loaded,
// and how similarity matrices are saved. Tensors are float64, so any numeric NumPy dtype is converted
// when reading ('f2' half-precision included), and tensors are written as '<f8' (or '<f4' with ToNpyWriterF32).
package numpy

import (
	"archive/zip"
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

const magicString = "\x93NUMPY"

// FromNpyFile reads a .npy file and returns a tensors.Tensor.
func FromNpyFile(filePath string) (*tensors.Tensor, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npy file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	tensor, err := FromNpyReader(bufio.NewReader(file))
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", filePath)
	}
	return tensor, nil
}

// FromNpyReader reads a .npy file from an io.Reader and returns a tensors.Tensor.
func FromNpyReader(r io.Reader) (*tensors.Tensor, error) {
	header, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	descr, dims, fortranOrder, err := parseNpyHeader(header)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse .npy header")
	}
	decoder, err := newElementDecoder(descr)
	if err != nil {
		return nil, err
	}

	shape := shapes.Make(dims...)
	raw := make([]byte, shape.Size()*decoder.size)
	if _, err = io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrapf(err, "failed to read tensor data (expected %d bytes)", len(raw))
	}
	if fortranOrder && shape.Rank() > 1 {
		cData := make([]byte, len(raw))
		if err = FortranToCLayout(decoder.size, dims, raw, cData); err != nil {
			return nil, err
		}
		raw = cData
	}

	tensor := tensors.FromShape(shape)
	flat := tensor.Flat()
	for ii := range flat {
		flat[ii] = decoder.decode(raw[ii*decoder.size : (ii+1)*decoder.size])
	}
	return tensor, nil
}

// readHeader validates the magic string and version, and returns the header dictionary string.
func readHeader(r io.Reader) (string, error) {
	magic := make([]byte, len(magicString))
	if _, err := io.ReadFull(r, magic); err != nil {
		return "", errors.Wrapf(err, "failed to read magic string")
	}
	if string(magic) != magicString {
		return "", errors.Errorf("invalid .npy file format: magic string mismatch")
	}
	version := make([]byte, 2)
	if _, err := io.ReadFull(r, version); err != nil {
		return "", errors.Wrapf(err, "failed to read version")
	}

	var headerLen int
	switch {
	case version[0] == 1:
		lenBytes := make([]byte, 2)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return "", errors.Wrapf(err, "failed to read header length (v1.0)")
		}
		headerLen = int(binary.LittleEndian.Uint16(lenBytes))
	case version[0] >= 2:
		lenBytes := make([]byte, 4)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return "", errors.Wrapf(err, "failed to read header length (v2.0+)")
		}
		headerLen32 := binary.LittleEndian.Uint32(lenBytes)
		if headerLen32 > 1<<20 {
			return "", errors.Errorf("header length %d too large", headerLen32)
		}
		headerLen = int(headerLen32)
	default:
		return "", errors.Errorf("unsupported .npy version: %d.%d", version[0], version[1])
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return "", errors.Wrapf(err, "failed to read header")
	}
	return string(headerBytes), nil
}

var (
	reDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// parseNpyHeader extracts dtype, shape, and fortran_order from the .npy header string, e.g.:
// "{'descr': '<f4', 'fortran_order': False, 'shape': (1, 2, 3), }".
func parseNpyHeader(header string) (descr string, dims []int, fortranOrder bool, err error) {
	mDescr := reDescr.FindStringSubmatch(header)
	if len(mDescr) < 2 {
		err = errors.Errorf("could not find 'descr' in header: %q", header)
		return
	}
	descr = mDescr[1]

	mFortran := reFortran.FindStringSubmatch(header)
	if len(mFortran) < 2 {
		err = errors.Errorf("could not find 'fortran_order' in header: %q", header)
		return
	}
	fortranOrder = mFortran[1] == "True"

	mShape := reShape.FindStringSubmatch(header)
	if len(mShape) < 2 {
		err = errors.Errorf("could not find 'shape' in header: %q", header)
		return
	}
	dims = []int{}
	for _, p := range strings.Split(mShape[1], ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			// Trailing comma, like in "(10,)", or scalar "()".
			continue
		}
		val, pErr := strconv.Atoi(p)
		if pErr != nil {
			err = errors.Wrapf(pErr, "invalid shape value %q in header", p)
			return
		}
		dims = append(dims, val)
	}
	return
}

// elementDecoder converts one NumPy element to float64.
type elementDecoder struct {
	size   int
	decode func(b []byte) float64
}

// newElementDecoder maps a NumPy dtype descriptor (e.g.: "<f4", ">i8", "|b1") to a decoder.
func newElementDecoder(descr string) (elementDecoder, error) {
	var order binary.ByteOrder = binary.LittleEndian
	kind := descr
	if len(descr) > 0 {
		switch descr[0] {
		case '>':
			order = binary.BigEndian
			kind = descr[1:]
		case '<', '|', '=':
			kind = descr[1:]
		}
	}
	switch kind {
	case "b1", "?":
		return elementDecoder{1, func(b []byte) float64 { return float64(b[0]) }}, nil
	case "i1":
		return elementDecoder{1, func(b []byte) float64 { return float64(int8(b[0])) }}, nil
	case "u1":
		return elementDecoder{1, func(b []byte) float64 { return float64(b[0]) }}, nil
	case "i2":
		return elementDecoder{2, func(b []byte) float64 { return float64(int16(order.Uint16(b))) }}, nil
	case "u2":
		return elementDecoder{2, func(b []byte) float64 { return float64(order.Uint16(b)) }}, nil
	case "i4":
		return elementDecoder{4, func(b []byte) float64 { return float64(int32(order.Uint32(b))) }}, nil
	case "u4":
		return elementDecoder{4, func(b []byte) float64 { return float64(order.Uint32(b)) }}, nil
	case "i8":
		return elementDecoder{8, func(b []byte) float64 { return float64(int64(order.Uint64(b))) }}, nil
	case "u8":
		return elementDecoder{8, func(b []byte) float64 { return float64(order.Uint64(b)) }}, nil
	case "f2":
		return elementDecoder{2, func(b []byte) float64 {
			return float64(float16.Frombits(order.Uint16(b)).Float32())
		}}, nil
	case "f4":
		return elementDecoder{4, func(b []byte) float64 { return float64(math.Float32frombits(order.Uint32(b))) }}, nil
	case "f8":
		return elementDecoder{8, func(b []byte) float64 { return math.Float64frombits(order.Uint64(b)) }}, nil
	default:
		return elementDecoder{}, errors.Errorf("unsupported NumPy dtype: %s", descr)
	}
}

// FortranToCLayout converts data stored in column-major (Fortran) order to row-major (C) order.
func FortranToCLayout(dtypeSize int, dims []int, fortranData []byte, cData []byte) error {
	if dtypeSize <= 0 {
		return errors.Errorf("dtypeSize must be positive, got %d", dtypeSize)
	}
	totalElements := shapes.Make(dims...).Size()
	expectedBytes := totalElements * dtypeSize
	if len(fortranData) != expectedBytes {
		return errors.Errorf("fortranData has incorrect size: got %d bytes, want %d", len(fortranData), expectedBytes)
	}
	if len(cData) != expectedBytes {
		return errors.Errorf("cData has incorrect size: got %d bytes, want %d", len(cData), expectedBytes)
	}
	coordinates := make([]int, len(dims))
	for cIndex := range totalElements {
		tempIndex := cIndex
		for axis := len(dims) - 1; axis >= 0; axis-- {
			coordinates[axis] = tempIndex % dims[axis]
			tempIndex /= dims[axis]
		}
		fortranIndex, multiplier := 0, 1
		for axis, dim := range dims {
			fortranIndex += coordinates[axis] * multiplier
			multiplier *= dim
		}
		copy(cData[cIndex*dtypeSize:(cIndex+1)*dtypeSize], fortranData[fortranIndex*dtypeSize:(fortranIndex+1)*dtypeSize])
	}
	return nil
}

// FromNpzFile reads a .npz file and returns a map of tensor names to tensors.Tensor.
func FromNpzFile(filePath string) (map[string]*tensors.Tensor, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npz file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat .npz file %q", filePath)
	}
	return FromNpzReader(file, info.Size())
}

// FromNpzReader reads a .npz archive (a zip of .npy files) and returns a map of tensor names to tensors.Tensor.
// Names are the archive file names without the ".npy" suffix.
func FromNpzReader(r io.ReaderAt, size int64) (map[string]*tensors.Tensor, error) {
	zipReader, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create zip reader for `.npz`")
	}
	results := make(map[string]*tensors.Tensor)
	for _, f := range zipReader.File {
		cleanPath := path.Clean(f.Name)
		if path.IsAbs(cleanPath) || strings.HasPrefix(cleanPath, "..") {
			return nil, errors.Errorf("invalid (malicious?) path in .npz archive: %q (normalized to %q)",
				f.Name, cleanPath)
		}
		if !strings.HasSuffix(f.Name, ".npy") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %q within .npz", f.Name)
		}
		tensor, err := FromNpyReader(rc)
		_ = rc.Close()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read tensor %q from .npz", f.Name)
		}
		results[strings.TrimSuffix(f.Name, ".npy")] = tensor
	}
	return results, nil
}

// ToNpyWriter serializes a tensor to an io.Writer in .npy format, with dtype '<f8'.
func ToNpyWriter(tensor *tensors.Tensor, w io.Writer) error {
	return toNpyWriter(tensor, w, "<f8", 8, func(b []byte, v float64) {
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	})
}

// ToNpyWriterF32 serializes a tensor to an io.Writer in .npy format, with dtype '<f4'.
func ToNpyWriterF32(tensor *tensors.Tensor, w io.Writer) error {
	return toNpyWriter(tensor, w, "<f4", 4, func(b []byte, v float64) {
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	})
}

func toNpyWriter(tensor *tensors.Tensor, w io.Writer, descr string, elementSize int, encode func([]byte, float64)) error {
	shape := tensor.Shape()
	var shapeTuple string
	switch shape.Rank() {
	case 0:
		shapeTuple = "()"
	case 1:
		shapeTuple = fmt.Sprintf("(%d,)", shape.Dimensions[0])
	default:
		dimsStr := make([]string, shape.Rank())
		for i, dim := range shape.Dimensions {
			dimsStr[i] = strconv.Itoa(dim)
		}
		shapeTuple = fmt.Sprintf("(%s)", strings.Join(dimsStr, ", "))
	}
	var header strings.Builder
	_, _ = fmt.Fprintf(&header, "{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shapeTuple)
	// Version 1.0 preamble is 10 bytes: preamble + header (with its newline) is padded to 64 bytes.
	for (10+header.Len()+1)%64 != 0 {
		header.WriteByte(' ')
	}
	header.WriteByte('\n')

	preamble := make([]byte, 0, 10)
	preamble = append(preamble, magicString...)
	preamble = append(preamble, 1, 0)
	preamble = binary.LittleEndian.AppendUint16(preamble, uint16(header.Len()))
	if _, err := w.Write(preamble); err != nil {
		return errors.Wrapf(err, "failed to write .npy preamble")
	}
	if _, err := io.WriteString(w, header.String()); err != nil {
		return errors.Wrapf(err, "failed to write header")
	}
	data := make([]byte, tensor.Size()*elementSize)
	for ii, v := range tensor.Flat() {
		encode(data[ii*elementSize:(ii+1)*elementSize], v)
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrapf(err, "failed to write tensor data")
	}
	return nil
}

// ToNpyFile serializes a tensor to a .npy file.
func ToNpyFile(tensor *tensors.Tensor, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npy file")
	}
	w := bufio.NewWriter(file)
	if err = ToNpyWriter(tensor, w); err != nil {
		_ = file.Close()
		return err
	}
	if err = w.Flush(); err != nil {
		_ = file.Close()
		return errors.Wrapf(err, "failed to write %q", filePath)
	}
	return errors.Wrapf(file.Close(), "failed to close %q", filePath)
}

// ToNpzWriter serializes a map of tensors to an io.Writer as a .npz archive.
func ToNpzWriter(tensorsMap map[string]*tensors.Tensor, w io.Writer) error {
	zipWriter := zip.NewWriter(w)
	for name, tensor := range tensorsMap {
		npyName := name + ".npy"
		fileWriter, err := zipWriter.Create(npyName)
		if err != nil {
			return errors.Wrapf(err, "failed to create %q in .npz archive", npyName)
		}
		if err := ToNpyWriter(tensor, fileWriter); err != nil {
			return errors.WithMessagef(err, "failed to write tensor %q to .npz archive", name)
		}
	}
	return errors.Wrapf(zipWriter.Close(), "failed to close zip archive")
}

// ToNpzFile serializes a map of tensors to a .npz file.
func ToNpzFile(tensorsMap map[string]*tensors.Tensor, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npz file")
	}
	if err = ToNpzWriter(tensorsMap, file); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "failed to close %q", filePath)
}
