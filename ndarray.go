package appose

import (
	"fmt"

	"github.com/apposed/appose-go/shm"
)

// DType is the set of numeric element types an NDArray may carry.
type DType string

const (
	Int8       DType = "int8"
	UInt8      DType = "uint8"
	Int16      DType = "int16"
	UInt16     DType = "uint16"
	Int32      DType = "int32"
	UInt32     DType = "uint32"
	Int64      DType = "int64"
	UInt64     DType = "uint64"
	Float16    DType = "float16"
	Float32    DType = "float32"
	Float64    DType = "float64"
	Complex64  DType = "complex64"
	Complex128 DType = "complex128"
	Bool       DType = "bool"
)

// itemSizes gives sizeof(dtype) in bytes, used to validate the NDArray
// invariant sizeof(dtype)*product(shape) <= shm.size.
var itemSizes = map[DType]int64{
	Int8: 1, UInt8: 1, Bool: 1,
	Int16: 2, UInt16: 2, Float16: 2,
	Int32: 4, UInt32: 4, Float32: 4,
	Int64: 8, UInt64: 8, Float64: 8, Complex64: 8,
	Complex128: 16,
}

// MemoryOrder is the element layout of an NDArray's backing buffer.
type MemoryOrder string

const (
	COrder       MemoryOrder = "C_ORDER"
	FortranOrder MemoryOrder = "FORTRAN_ORDER"
)

// NDArray is a typed n-dimensional array view over a shared-memory
// block. Closing an NDArray closes its backing shared memory.
type NDArray struct {
	DType DType
	Shape []int64
	Order MemoryOrder
	Shm   *shm.Handle
}

// itemSize returns sizeof(DType) or an error for an unrecognized dtype.
func itemSize(dtype DType) (int64, error) {
	size, ok := itemSizes[dtype]
	if !ok {
		return 0, fmt.Errorf("unknown dtype %q", dtype)
	}
	return size, nil
}

// shapeProduct returns the product of shape, erroring on any
// nonpositive dimension.
func shapeProduct(shape []int64) (int64, error) {
	product := int64(1)
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("shape dimensions must be positive, got %v", shape)
		}
		product *= d
	}
	return product, nil
}

// NewNDArray constructs an NDArray over an already-attached/created
// SharedMemory handle, validating sizeof(dtype)*product(shape) <= shm.Size().
func NewNDArray(dtype DType, shape []int64, order MemoryOrder, h *shm.Handle) (*NDArray, error) {
	size, err := itemSize(dtype)
	if err != nil {
		return nil, err
	}
	product, err := shapeProduct(shape)
	if err != nil {
		return nil, err
	}
	if size*product > h.Size() {
		return nil, fmt.Errorf("ndarray of dtype %s and shape %v (%d bytes) does not fit in %d-byte shared memory %q",
			dtype, shape, size*product, h.Size(), h.Name())
	}
	return &NDArray{DType: dtype, Shape: shape, Order: order, Shm: h}, nil
}

// NewNDArrayWithNewShm creates a fresh shared-memory segment sized
// exactly to fit dtype and shape, and wraps it as an NDArray.
func NewNDArrayWithNewShm(dtype DType, shape []int64, order MemoryOrder) (*NDArray, error) {
	size, err := itemSize(dtype)
	if err != nil {
		return nil, err
	}
	product, err := shapeProduct(shape)
	if err != nil {
		return nil, err
	}
	h, err := shm.Create("", size*product)
	if err != nil {
		return nil, err
	}
	return &NDArray{DType: dtype, Shape: shape, Order: order, Shm: h}, nil
}

// Close closes the NDArray's backing shared memory.
func (n *NDArray) Close() error { return n.Shm.Close() }
