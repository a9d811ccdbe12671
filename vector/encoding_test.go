package vector

import (
	"errors"
	"math"
	"testing"
)

func TestEncodeDecodeVector_BitExact(t *testing.T) {
	nan := math.Float32frombits(0x7fc00abc)
	negZero := math.Float32frombits(0x80000000)
	orig := []float32{0.0, 1.5, -2.25, 3.75, nan, negZero, math.MaxFloat32, float32(math.Inf(-1))}

	b, err := EncodeVector(orig, len(orig))
	if err != nil {
		t.Fatalf("EncodeVector failed: %v", err)
	}
	if len(b) != 4*len(orig) {
		t.Fatalf("blob length = %d, want %d", len(b), 4*len(orig))
	}
	decoded, err := DecodeVector(b, len(orig))
	if err != nil {
		t.Fatalf("DecodeVector failed: %v", err)
	}
	for i := range orig {
		if got, want := math.Float32bits(decoded[i]), math.Float32bits(orig[i]); got != want {
			t.Fatalf("decoded[%d] bits = %#x, want %#x", i, got, want)
		}
	}
}

func TestEncodeVector_DimensionMismatch(t *testing.T) {
	_, err := EncodeVector([]float32{1, 2}, 3)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	var dm *DimensionMismatchError
	if !errors.As(err, &dm) || dm.Expected != 3 || dm.Actual != 2 {
		t.Fatalf("unexpected mismatch detail: %+v", dm)
	}
}

func TestDecodeVector_CorruptPayload(t *testing.T) {
	for _, blob := range [][]byte{nil, {1, 2, 3}, make([]byte, 16)} {
		if _, err := DecodeVector(blob, 3); !errors.Is(err, ErrCorruptPayload) {
			t.Fatalf("DecodeVector(len=%d) expected ErrCorruptPayload, got %v", len(blob), err)
		}
	}
}

func TestEncodeDecodeEmbedding_Empty(t *testing.T) {
	b, err := EncodeEmbedding(nil)
	if err != nil {
		t.Fatalf("EncodeEmbedding(nil) failed: %v", err)
	}
	if len(b) != 0 {
		t.Fatalf("expected empty blob for nil slice, got len=%d", len(b))
	}

	vec, err := DecodeEmbedding(nil)
	if err != nil {
		t.Fatalf("DecodeEmbedding(nil) failed: %v", err)
	}
	if len(vec) != 0 {
		t.Fatalf("expected empty slice for nil blob, got len=%d", len(vec))
	}
	if _, err := DecodeEmbedding([]byte{1, 2, 3, 4, 5}); !errors.Is(err, ErrCorruptPayload) {
		t.Fatalf("expected ErrCorruptPayload for odd blob, got %v", err)
	}
}

func TestMetadata_JSON(t *testing.T) {
	s, err := MarshalMetadata(Metadata{"lang": "go", "n": 3})
	if err != nil {
		t.Fatalf("MarshalMetadata failed: %v", err)
	}
	m, err := UnmarshalMetadata(s)
	if err != nil {
		t.Fatalf("UnmarshalMetadata failed: %v", err)
	}
	if m["lang"] != "go" || m["n"] != float64(3) {
		t.Fatalf("unexpected metadata %v", m)
	}
	if _, err := UnmarshalMetadata("{not json"); !errors.Is(err, ErrCorruptPayload) {
		t.Fatalf("expected ErrCorruptPayload, got %v", err)
	}
	if empty, _ := MarshalMetadata(nil); empty != "{}" {
		t.Fatalf("nil metadata encoded as %q", empty)
	}
}
