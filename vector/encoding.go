package vector

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeVector encodes v as dim little-endian IEEE 754 float32 values. The
// encoding carries no length prefix; the collection dimension defines it.
func EncodeVector(v []float32, dim int) ([]byte, error) {
	if len(v) != dim {
		return nil, &DimensionMismatchError{Expected: dim, Actual: len(v)}
	}
	b := make([]byte, dim*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b, nil
}

// DecodeVector decodes a blob produced by EncodeVector for the given dimension.
func DecodeVector(b []byte, dim int) ([]float32, error) {
	if len(b) != dim*4 {
		return nil, fmt.Errorf("%w: vector blob has %d bytes, want %d", ErrCorruptPayload, len(b), dim*4)
	}
	v := make([]float32, dim)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// EncodeEmbedding encodes a vector of any length. It is used where the
// dimension is carried by the caller, such as MATCH arguments.
func EncodeEmbedding(vec []float32) ([]byte, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	return EncodeVector(vec, len(vec))
}

// DecodeEmbedding decodes a blob of any length produced by EncodeEmbedding.
func DecodeEmbedding(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: embedding blob length %d is not a multiple of 4", ErrCorruptPayload, len(b))
	}
	return DecodeVector(b, len(b)/4)
}
