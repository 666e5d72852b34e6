package gguf

import (
	"errors"
	"fmt"
)

const (
	GGUFMagic   = 0x46554747 // "GGUF"
	GGUFVersion = 3

	DefaultAlignment = 32
)

type GGMLType uint32

// Only the unquantized float types are meaningful for proof inputs; the
// quantized ids are kept so foreign files report a readable type name.
const (
	GGMLTypeF32  GGMLType = 0
	GGMLTypeF16  GGMLType = 1
	GGMLTypeQ4_0 GGMLType = 2
	GGMLTypeQ8_0 GGMLType = 8
	GGMLTypeQ4_K GGMLType = 12
	GGMLTypeQ6_K GGMLType = 14
	GGMLTypeF64  GGMLType = 28
)

type GGUFMetadataValueType uint32

const (
	GGUFMetadataValueTypeUint8   GGUFMetadataValueType = 0
	GGUFMetadataValueTypeInt8    GGUFMetadataValueType = 1
	GGUFMetadataValueTypeUint16  GGUFMetadataValueType = 2
	GGUFMetadataValueTypeInt16   GGUFMetadataValueType = 3
	GGUFMetadataValueTypeUint32  GGUFMetadataValueType = 4
	GGUFMetadataValueTypeInt32   GGUFMetadataValueType = 5
	GGUFMetadataValueTypeFloat32 GGUFMetadataValueType = 6
	GGUFMetadataValueTypeBool    GGUFMetadataValueType = 7
	GGUFMetadataValueTypeString  GGUFMetadataValueType = 8
	GGUFMetadataValueTypeArray   GGUFMetadataValueType = 9
	GGUFMetadataValueTypeUint64  GGUFMetadataValueType = 10
	GGUFMetadataValueTypeInt64   GGUFMetadataValueType = 11
	GGUFMetadataValueTypeFloat64 GGUFMetadataValueType = 12
)

type TensorInfo struct {
	Name       string
	Dimensions []uint64 // ne: Dimensions[0] is the fastest-varying (column) axis
	Type       GGMLType
	Offset     uint64 // relative to the data section
	Data       []byte // exactly SizeBytes() bytes of the mapped file
}

// NumElements is the product of the dimensions.
func (t *TensorInfo) NumElements() uint64 {
	n := uint64(1)
	for _, d := range t.Dimensions {
		n *= d
	}
	return n
}

// SizeBytes is the encoded size, or 0 for types this package cannot decode.
func (t *TensorInfo) SizeBytes() uint64 {
	switch t.Type {
	case GGMLTypeF32:
		return t.NumElements() * 4
	case GGMLTypeF16:
		return t.NumElements() * 2
	case GGMLTypeF64:
		return t.NumElements() * 8
	default:
		return 0
	}
}

// Rows and Cols interpret a 1-D or 2-D tensor as a row-major matrix.
func (t *TensorInfo) Rows() int {
	switch len(t.Dimensions) {
	case 1:
		return 1
	case 2:
		return int(t.Dimensions[1])
	default:
		return 0
	}
}

func (t *TensorInfo) Cols() int {
	if len(t.Dimensions) == 0 || len(t.Dimensions) > 2 {
		return 0
	}
	return int(t.Dimensions[0])
}

type GGUFFile struct {
	Header     GGUFHeader
	KV         map[string]interface{}
	Tensors    []*TensorInfo
	Data       []byte // the whole mapped file
	DataOffset uint64 // where the tensor data section starts
	mapped     bool
}

type GGUFHeader struct {
	Magic       uint32
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

// Tensor looks a tensor up by name.
func (f *GGUFFile) Tensor(name string) (*TensorInfo, error) {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
}

var (
	ErrTensorNotFound  = errors.New("gguf: tensor not found")
	ErrUnsupportedType = errors.New("gguf: unsupported tensor type")
)

type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid GGUF magic: %x", e.Magic)
}

type ErrUnsupportedVersion struct{ Version uint32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported GGUF version: %d", e.Version)
}

func (t GGMLType) String() string {
	switch t {
	case GGMLTypeF32:
		return "F32"
	case GGMLTypeF16:
		return "F16"
	case GGMLTypeF64:
		return "F64"
	case GGMLTypeQ4_0:
		return "Q4_0"
	case GGMLTypeQ8_0:
		return "Q8_0"
	case GGMLTypeQ4_K:
		return "Q4_K"
	case GGMLTypeQ6_K:
		return "Q6_K"
	default:
		return fmt.Sprintf("UNKNOWN_TYPE_%d", t)
	}
}
