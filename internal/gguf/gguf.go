package gguf

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	magicGGUF = "GGUF"
)

type ValueType uint32

const (
	TypeUint8   ValueType = 0
	TypeInt8    ValueType = 1
	TypeUint16  ValueType = 2
	TypeInt16   ValueType = 3
	TypeUint32  ValueType = 4
	TypeInt32   ValueType = 5
	TypeFloat32 ValueType = 6
	TypeBool    ValueType = 7
	TypeString  ValueType = 8
	TypeArray   ValueType = 9
	TypeUint64  ValueType = 10
	TypeInt64   ValueType = 11
	TypeFloat64 ValueType = 12
)

func (t ValueType) String() string {
	switch t {
	case TypeUint8:
		return "u8"
	case TypeInt8:
		return "i8"
	case TypeUint16:
		return "u16"
	case TypeInt16:
		return "i16"
	case TypeUint32:
		return "u32"
	case TypeInt32:
		return "i32"
	case TypeUint64:
		return "u64"
	case TypeInt64:
		return "i64"
	case TypeFloat32:
		return "f32"
	case TypeFloat64:
		return "f64"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeArray:
		return "array"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

type ArrayValue struct {
	ElemType ValueType
	Values   []any
}

type Value struct {
	Type  ValueType
	Value any
}

type Header struct {
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

type TensorType uint32

const (
	GGMLTypeF32   TensorType = 0
	GGMLTypeF16   TensorType = 1
	GGMLTypeQ4_0  TensorType = 2
	GGMLTypeQ4_1  TensorType = 3
	GGMLTypeQ5_0  TensorType = 6
	GGMLTypeQ5_1  TensorType = 7
	GGMLTypeQ8_0  TensorType = 8
	GGMLTypeQ8_1  TensorType = 9
	GGMLTypeI8    TensorType = 16
	GGMLTypeI16   TensorType = 17
	GGMLTypeI32   TensorType = 18
	GGMLTypeI64   TensorType = 19
	GGMLTypeF64   TensorType = 20
	GGMLTypeBF16  TensorType = 30
	GGMLTypeMXFP4 TensorType = 39
)

func (t TensorType) String() string {
	switch t {
	case GGMLTypeF32:
		return "F32"
	case GGMLTypeF16:
		return "F16"
	case GGMLTypeQ4_0:
		return "Q4_0"
	case GGMLTypeQ4_1:
		return "Q4_1"
	case GGMLTypeQ5_0:
		return "Q5_0"
	case GGMLTypeQ5_1:
		return "Q5_1"
	case GGMLTypeQ8_0:
		return "Q8_0"
	case GGMLTypeQ8_1:
		return "Q8_1"
	case GGMLTypeI8:
		return "I8"
	case GGMLTypeI16:
		return "I16"
	case GGMLTypeI32:
		return "I32"
	case GGMLTypeI64:
		return "I64"
	case GGMLTypeF64:
		return "F64"
	case GGMLTypeBF16:
		return "BF16"
	case GGMLTypeMXFP4:
		return "MXFP4"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// BlockSize returns the number of elements per quantization block.
// Scalar types have a block size of 1.
func (t TensorType) BlockSize() int {
	switch t {
	case GGMLTypeQ4_0, GGMLTypeQ4_1, GGMLTypeQ5_0, GGMLTypeQ5_1,
		GGMLTypeQ8_0, GGMLTypeQ8_1, GGMLTypeMXFP4:
		return 32
	default:
		return 1
	}
}

// TypeSize returns the byte size of one block of the tensor type.
func (t TensorType) TypeSize() (int, error) {
	bs := t.BlockSize()
	switch t {
	case GGMLTypeF32, GGMLTypeI32:
		return 4, nil
	case GGMLTypeF16, GGMLTypeBF16, GGMLTypeI16:
		return 2, nil
	case GGMLTypeF64, GGMLTypeI64:
		return 8, nil
	case GGMLTypeI8:
		return 1, nil
	case GGMLTypeQ8_0:
		return 2 + bs, nil
	case GGMLTypeMXFP4:
		return 1 + bs/2, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
}

type TensorInfo struct {
	Name   string
	NDim   uint32
	Dims   []uint64
	Type   TensorType
	Offset uint64
}

// Elements returns the total element count of the tensor.
func (t TensorInfo) Elements() (int, error) {
	if len(t.Dims) == 0 {
		return 0, fmt.Errorf("tensor %s: empty dims", t.Name)
	}
	var n uint64 = 1
	for _, d := range t.Dims {
		if d == 0 {
			return 0, fmt.Errorf("tensor %s: zero dimension", t.Name)
		}
		n *= d
	}
	if n > uint64(^uint(0)>>1) {
		return 0, fmt.Errorf("tensor %s: too large", t.Name)
	}
	return int(n), nil
}

// ByteSize returns the encoded byte size of the tensor data.
func (t TensorInfo) ByteSize() (int, error) {
	n, err := t.Elements()
	if err != nil {
		return 0, err
	}
	bs := t.Type.BlockSize()
	if n%bs != 0 {
		return 0, fmt.Errorf("tensor %s: %d elements not a multiple of block size %d", t.Name, n, bs)
	}
	ts, err := t.Type.TypeSize()
	if err != nil {
		return 0, fmt.Errorf("tensor %s: %w", t.Name, err)
	}
	return (n / bs) * ts, nil
}

type File struct {
	Path       string
	Header     Header
	KV         map[string]Value
	Tensors    []TensorInfo
	Alignment  uint64
	DataOffset uint64
	Data       []byte // mmap data

	index map[string]int // tensor name -> Tensors index
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := st.Size()

	// Try mmap; fall back to buffered reads when the platform refuses.
	var data []byte
	if size > 0 {
		b, _ := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
		data = b
	}

	var r *reader
	if data != nil {
		f.Close()
		r = newReader(bytes.NewReader(data), size)
	} else {
		r = newReader(f, size)
	}

	cleanup := func() {
		if data != nil {
			_ = unix.Munmap(data)
		} else {
			f.Close()
		}
	}

	magic, err := r.readN(4)
	if err != nil {
		cleanup()
		return nil, err
	}
	if string(magic) != magicGGUF {
		cleanup()
		return nil, fmt.Errorf("invalid magic: %q", string(magic))
	}

	version, err := r.readU32()
	if err != nil {
		cleanup()
		return nil, err
	}
	tensorCount, err := r.readU64()
	if err != nil {
		cleanup()
		return nil, err
	}
	kvCount, err := r.readU64()
	if err != nil {
		cleanup()
		return nil, err
	}

	kv := make(map[string]Value, kvCount)
	for i := range kvCount {
		key, err := r.readString()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("read key %d: %w", i, err)
		}
		vtypeU32, err := r.readU32()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("read value type for %s: %w", key, err)
		}
		vtype := ValueType(vtypeU32)
		val, err := readValue(r, vtype)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("read value for %s: %w", key, err)
		}
		kv[key] = Value{Type: vtype, Value: val}
	}

	tensors := make([]TensorInfo, 0, tensorCount)
	index := make(map[string]int, tensorCount)
	for i := range tensorCount {
		name, err := r.readString()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("read tensor name %d: %w", i, err)
		}
		nDim, err := r.readU32()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("read tensor dims %s: %w", name, err)
		}
		dims := make([]uint64, nDim)
		for d := range nDim {
			v, err := r.readU64()
			if err != nil {
				cleanup()
				return nil, fmt.Errorf("read tensor dim %s[%d]: %w", name, d, err)
			}
			dims[d] = v
		}
		ttypeU32, err := r.readU32()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("read tensor type %s: %w", name, err)
		}
		offset, err := r.readU64()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("read tensor offset %s: %w", name, err)
		}
		index[name] = len(tensors)
		tensors = append(tensors, TensorInfo{
			Name:   name,
			NDim:   nDim,
			Dims:   dims,
			Type:   TensorType(ttypeU32),
			Offset: offset,
		})
	}

	if data == nil {
		f.Close()
	}

	alignment := uint64(32)
	if v, ok := kv["general.alignment"]; ok {
		if u, ok := asUint64(v.Value); ok && u > 0 {
			alignment = u
		}
	}

	dataOffset := align(uint64(r.off), alignment)

	return &File{
		Path:       path,
		Header:     Header{Version: version, TensorCount: tensorCount, KVCount: kvCount},
		KV:         kv,
		Tensors:    tensors,
		Alignment:  alignment,
		DataOffset: dataOffset,
		Data:       data,
		index:      index,
	}, nil
}

func (f *File) Close() error {
	if f.Data != nil {
		data := f.Data
		f.Data = nil
		return unix.Munmap(data)
	}
	return nil
}

func readValue(r *reader, vtype ValueType) (any, error) {
	switch vtype {
	case TypeUint8:
		return r.readU8()
	case TypeInt8:
		return r.readI8()
	case TypeUint16:
		return r.readU16()
	case TypeInt16:
		return r.readI16()
	case TypeUint32:
		return r.readU32()
	case TypeInt32:
		return r.readI32()
	case TypeUint64:
		return r.readU64()
	case TypeInt64:
		return r.readI64()
	case TypeFloat32:
		return r.readF32()
	case TypeFloat64:
		return r.readF64()
	case TypeBool:
		v, err := r.readU8()
		if err != nil {
			return false, err
		}
		return v != 0, nil
	case TypeString:
		return r.readString()
	case TypeArray:
		elemTypeU32, err := r.readU32()
		if err != nil {
			return nil, err
		}
		elemType := ValueType(elemTypeU32)
		count, err := r.readU64()
		if err != nil {
			return nil, err
		}
		values := make([]any, 0, count)
		for range count {
			v, err := readValue(r, elemType)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return ArrayValue{ElemType: elemType, Values: values}, nil
	default:
		return nil, fmt.Errorf("unsupported value type %d", uint32(vtype))
	}
}

func align(offset, alignment uint64) uint64 {
	if alignment == 0 {
		return offset
	}
	rem := offset % alignment
	if rem == 0 {
		return offset
	}
	return offset + (alignment - rem)
}

func asUint64(v any) (uint64, bool) {
	switch t := v.(type) {
	case uint8:
		return uint64(t), true
	case uint16:
		return uint64(t), true
	case uint32:
		return uint64(t), true
	case uint64:
		return t, true
	case int8:
		if t < 0 {
			return 0, false
		}
		return uint64(t), true
	case int16:
		if t < 0 {
			return 0, false
		}
		return uint64(t), true
	case int32:
		if t < 0 {
			return 0, false
		}
		return uint64(t), true
	case int64:
		if t < 0 {
			return 0, false
		}
		return uint64(t), true
	default:
		return 0, false
	}
}
