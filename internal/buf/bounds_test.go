package buf

import (
	"math"
	"testing"
)

func TestAddOverflowSafe(t *testing.T) {
	if sum, ok := AddOverflowSafe(10, 5); !ok || sum != 15 {
		t.Fatalf("AddOverflowSafe(10,5)=%d,%v want 15,true", sum, ok)
	}
	if _, ok := AddOverflowSafe(math.MaxUint, 1); ok {
		t.Fatalf("expected overflow when adding to MaxUint")
	}
	if sum, ok := AddOverflowSafe(math.MaxUint-1, 1); !ok || sum != math.MaxUint {
		t.Fatalf("MaxUint-1 + 1 should not overflow")
	}
}

func TestMulOverflowSafe(t *testing.T) {
	if p, ok := MulOverflowSafe(0, math.MaxUint); !ok || p != 0 {
		t.Fatalf("0 * MaxUint should be 0,true")
	}
	if p, ok := MulOverflowSafe(16, 1024); !ok || p != 16384 {
		t.Fatalf("16*1024=%d,%v", p, ok)
	}
	if _, ok := MulOverflowSafe(math.MaxUint/2+1, 2); ok {
		t.Fatalf("expected overflow")
	}
}

func TestCheckTableBounds(t *testing.T) {
	n, err := CheckTableBounds(0x1000, 0x2000, 0x1080, 4, 16)
	if err != nil || n != 64 {
		t.Fatalf("CheckTableBounds = %d, %v; want 64, nil", n, err)
	}
	if _, err := CheckTableBounds(0x1000, 0x2000, 0x1ff8, 1, 16); err == nil {
		t.Fatalf("expected bounds error for table crossing region end")
	}
	if _, err := CheckTableBounds(0x1000, 0x2000, 0x0ff0, 1, 16); err == nil {
		t.Fatalf("expected bounds error for table before region")
	}
	if _, err := CheckTableBounds(0x1000, 0x2000, 0x1000, math.MaxUint/8, 16); err == nil {
		t.Fatalf("expected overflow error")
	}
	if _, err := CheckTableBounds(0x2000, 0x1000, 0x1000, 1, 1); err == nil {
		t.Fatalf("expected inverted region error")
	}
}

func TestSliceAndHas(t *testing.T) {
	data := []byte{0, 1, 2, 3, 4}
	if got, ok := Slice(data, 1, 3); !ok || len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("Slice returned unexpected result: %v, %v", got, ok)
	}
	if _, ok := Slice(data, 4, 2); ok {
		t.Fatalf("Slice should fail when extending beyond len")
	}
	if Has(data, 2, 4) {
		t.Fatalf("Has should be false for out-of-bounds range")
	}
	if !Has(data, 2, 1) {
		t.Fatalf("Has should be true for valid range")
	}
	if _, ok := Slice(data, -1, 1); ok {
		t.Fatalf("Slice should reject negative offset")
	}
	if _, ok := Slice(data, 1, -1); ok {
		t.Fatalf("Slice should reject negative length")
	}
	if _, ok := Slice(data, 1, math.MaxInt); ok {
		t.Fatalf("Slice should reject overflowing length")
	}
}

func TestContains(t *testing.T) {
	if !Contains(10, 20, 10) || Contains(10, 20, 20) || Contains(10, 20, 9) {
		t.Fatalf("Contains is not half-open")
	}
}
