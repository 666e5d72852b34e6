package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"syscall"

	"github.com/23skdu/longbow-assay/internal/logger"
)

// LoadFile maps a GGUF file into memory and parses headers/metadata.
// Tensor data slices alias the mapping until Close.
func LoadFile(path string) (*GGUFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close() // the mapping outlives the descriptor
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size < 24 {
		return nil, io.ErrUnexpectedEOF
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	file, err := Parse(data)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	file.mapped = true
	return file, nil
}

// Parse decodes a GGUF image held in memory.
func Parse(data []byte) (*GGUFFile, error) {
	d := &decoder{data: data}
	file := &GGUFFile{
		Data: data,
		KV:   make(map[string]interface{}),
	}

	var err error
	if file.Header.Magic, err = d.u32(); err != nil {
		return nil, err
	}
	if file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}
	if file.Header.Version, err = d.u32(); err != nil {
		return nil, err
	}
	if file.Header.Version < 2 || file.Header.Version > 3 {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}
	if file.Header.TensorCount, err = d.u64(); err != nil {
		return nil, err
	}
	if file.Header.KVCount, err = d.u64(); err != nil {
		return nil, err
	}

	logger.Log.Debug("gguf header", "version", file.Header.Version, "tensors", file.Header.TensorCount, "kv", file.Header.KVCount)

	for i := uint64(0); i < file.Header.KVCount; i++ {
		key, err := d.str()
		if err != nil {
			return nil, fmt.Errorf("kv %d key: %w", i, err)
		}
		typ, err := d.u32()
		if err != nil {
			return nil, err
		}
		val, err := d.value(GGUFMetadataValueType(typ))
		if err != nil {
			return nil, fmt.Errorf("kv %q: %w", key, err)
		}
		file.KV[key] = val
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		name, err := d.str()
		if err != nil {
			return nil, fmt.Errorf("tensor %d name: %w", i, err)
		}
		nDims, err := d.u32()
		if err != nil {
			return nil, err
		}
		dims := make([]uint64, nDims)
		for j := range dims {
			if dims[j], err = d.u64(); err != nil {
				return nil, err
			}
		}
		typ, err := d.u32()
		if err != nil {
			return nil, err
		}
		off, err := d.u64()
		if err != nil {
			return nil, err
		}
		file.Tensors = append(file.Tensors, &TensorInfo{
			Name:       name,
			Dimensions: dims,
			Type:       GGMLType(typ),
			Offset:     off,
		})
		logger.Log.Debug("gguf tensor", "name", name, "type", GGMLType(typ).String(), "dims", dims)
	}

	alignment := uint64(DefaultAlignment)
	switch v := file.KV["general.alignment"].(type) {
	case uint32:
		alignment = uint64(v)
	case uint64:
		alignment = v
	}
	if alignment == 0 {
		return nil, fmt.Errorf("invalid alignment 0")
	}

	file.DataOffset = alignUp(d.off, alignment)

	for _, t := range file.Tensors {
		size := t.SizeBytes()
		start := file.DataOffset + t.Offset
		if size == 0 {
			// undecodable type: keep whatever follows so callers can report it
			if start > uint64(len(data)) {
				return nil, fmt.Errorf("tensor %s offset out of bounds", t.Name)
			}
			t.Data = data[start:]
			continue
		}
		if start+size > uint64(len(data)) {
			return nil, fmt.Errorf("tensor %s out of bounds: [%d, %d) in %d bytes", t.Name, start, start+size, len(data))
		}
		t.Data = data[start : start+size]
	}

	return file, nil
}

func (f *GGUFFile) Close() error {
	if !f.mapped {
		return nil
	}
	f.mapped = false
	return syscall.Munmap(f.Data)
}

func alignUp(off, alignment uint64) uint64 {
	if rem := off % alignment; rem != 0 {
		return off + alignment - rem
	}
	return off
}

// decoder is a bounds-checked little-endian cursor.
type decoder struct {
	data []byte
	off  uint64
}

func (d *decoder) take(n uint64) ([]byte, error) {
	if d.off+n > uint64(len(d.data)) || d.off+n < d.off {
		return nil, io.ErrUnexpectedEOF
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) u8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) u16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *decoder) str() (string, error) {
	n, err := d.u64()
	if err != nil {
		return "", err
	}
	b, err := d.take(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) value(typ GGUFMetadataValueType) (interface{}, error) {
	switch typ {
	case GGUFMetadataValueTypeUint8:
		return d.u8()
	case GGUFMetadataValueTypeInt8:
		v, err := d.u8()
		return int8(v), err
	case GGUFMetadataValueTypeUint16:
		return d.u16()
	case GGUFMetadataValueTypeInt16:
		v, err := d.u16()
		return int16(v), err
	case GGUFMetadataValueTypeUint32:
		return d.u32()
	case GGUFMetadataValueTypeInt32:
		v, err := d.u32()
		return int32(v), err
	case GGUFMetadataValueTypeFloat32:
		v, err := d.u32()
		return math.Float32frombits(v), err
	case GGUFMetadataValueTypeBool:
		v, err := d.u8()
		return v != 0, err
	case GGUFMetadataValueTypeString:
		return d.str()
	case GGUFMetadataValueTypeArray:
		elemType, err := d.u32()
		if err != nil {
			return nil, err
		}
		n, err := d.u64()
		if err != nil {
			return nil, err
		}
		if n > uint64(len(d.data)) {
			return nil, io.ErrUnexpectedEOF
		}
		arr := make([]interface{}, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := d.value(GGUFMetadataValueType(elemType))
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case GGUFMetadataValueTypeUint64:
		return d.u64()
	case GGUFMetadataValueTypeInt64:
		v, err := d.u64()
		return int64(v), err
	case GGUFMetadataValueTypeFloat64:
		v, err := d.u64()
		return math.Float64frombits(v), err
	default:
		return nil, fmt.Errorf("unsupported metadata type: %d", typ)
	}
}
