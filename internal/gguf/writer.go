package gguf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

type kvEntry struct {
	key string
	typ GGUFMetadataValueType
	val interface{}
}

type pendingTensor struct {
	name string
	dims []uint64
	typ  GGMLType
	data []byte
}

// Writer assembles a GGUF v3 file. Keys and tensors are written in the
// order they were added, so identical inputs give identical bytes.
type Writer struct {
	kv        []kvEntry
	tensors   []pendingTensor
	alignment uint64
}

func NewWriter() *Writer {
	return &Writer{alignment: DefaultAlignment}
}

func (w *Writer) SetString(key, v string) {
	w.kv = append(w.kv, kvEntry{key, GGUFMetadataValueTypeString, v})
}

func (w *Writer) SetUint32(key string, v uint32) {
	w.kv = append(w.kv, kvEntry{key, GGUFMetadataValueTypeUint32, v})
}

func (w *Writer) SetUint64(key string, v uint64) {
	w.kv = append(w.kv, kvEntry{key, GGUFMetadataValueTypeUint64, v})
}

func (w *Writer) SetFloat64(key string, v float64) {
	w.kv = append(w.kv, kvEntry{key, GGUFMetadataValueTypeFloat64, v})
}

// AddMatrix adds a rows×cols row-major matrix encoded as typ (F32, F16 or
// F64). One-row matrices are stored as 1-D tensors.
func (w *Writer) AddMatrix(name string, rows, cols int, data []float64, typ GGMLType) error {
	if rows*cols != len(data) {
		return fmt.Errorf("tensor %s: %d values for %dx%d", name, len(data), rows, cols)
	}
	dims := []uint64{uint64(cols), uint64(rows)}
	if rows == 1 {
		dims = dims[:1]
	}

	var buf []byte
	switch typ {
	case GGMLTypeF32:
		buf = make([]byte, 4*len(data))
		for i, x := range data {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(x)))
		}
	case GGMLTypeF16:
		buf = make([]byte, 2*len(data))
		for i, x := range data {
			binary.LittleEndian.PutUint16(buf[2*i:], float32ToFloat16(float32(x)))
		}
	case GGMLTypeF64:
		buf = make([]byte, 8*len(data))
		for i, x := range data {
			binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(x))
		}
	default:
		return fmt.Errorf("%w: cannot encode %v", ErrUnsupportedType, typ)
	}
	w.tensors = append(w.tensors, pendingTensor{name: name, dims: dims, typ: typ, data: buf})
	return nil
}

// WriteTo encodes header, metadata, tensor infos and the aligned data section.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	var buf bytes.Buffer
	le := binary.LittleEndian

	kv := append([]kvEntry{{"general.alignment", GGUFMetadataValueTypeUint32, uint32(w.alignment)}}, w.kv...)

	_ = binary.Write(&buf, le, uint32(GGUFMagic))
	_ = binary.Write(&buf, le, uint32(GGUFVersion))
	_ = binary.Write(&buf, le, uint64(len(w.tensors)))
	_ = binary.Write(&buf, le, uint64(len(kv)))

	for _, e := range kv {
		writeString(&buf, e.key)
		_ = binary.Write(&buf, le, uint32(e.typ))
		switch v := e.val.(type) {
		case string:
			writeString(&buf, v)
		default:
			if err := binary.Write(&buf, le, v); err != nil {
				return 0, fmt.Errorf("kv %s: %w", e.key, err)
			}
		}
	}

	offsets := make([]uint64, len(w.tensors))
	var dataSize uint64
	for i, t := range w.tensors {
		offsets[i] = dataSize
		dataSize = alignUp(dataSize+uint64(len(t.data)), w.alignment)
	}

	for i, t := range w.tensors {
		writeString(&buf, t.name)
		_ = binary.Write(&buf, le, uint32(len(t.dims)))
		for _, d := range t.dims {
			_ = binary.Write(&buf, le, d)
		}
		_ = binary.Write(&buf, le, uint32(t.typ))
		_ = binary.Write(&buf, le, offsets[i])
	}

	buf.Write(make([]byte, alignUp(uint64(buf.Len()), w.alignment)-uint64(buf.Len())))
	start := uint64(buf.Len())
	for i, t := range w.tensors {
		buf.Write(make([]byte, start+offsets[i]-uint64(buf.Len())))
		buf.Write(t.data)
	}

	return buf.WriteTo(out)
}

// WriteFile writes the file atomically via a temporary sibling.
func (w *Writer) WriteFile(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint64(len(s)))
	buf.WriteString(s)
}
