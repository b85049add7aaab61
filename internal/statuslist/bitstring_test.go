package statuslist

import (
	"testing"
)

func TestNewBitString(t *testing.T) {
	bs := NewBitString(100)
	if bs.Length() != 100 {
		t.Errorf("expected length 100, got %d", bs.Length())
	}

	// Zero/negative sizes clamp to one bit
	bs = NewBitString(0)
	if bs.Length() != 1 {
		t.Errorf("expected length 1 for zero size, got %d", bs.Length())
	}

	bs = NewBitString(-5)
	if bs.Length() != 1 {
		t.Errorf("expected length 1 for negative size, got %d", bs.Length())
	}
}

func TestBitString_SetGet(t *testing.T) {
	bs := NewBitString(64)

	testCases := []struct {
		index int
		value bool
	}{
		{0, true},
		{1, false},
		{7, true},
		{8, false},
		{15, true},
		{63, true},
	}

	for _, tc := range testCases {
		err := bs.Set(tc.index, tc.value)
		if err != nil {
			t.Fatalf("failed to set bit at index %d: %v", tc.index, err)
		}

		value, err := bs.Get(tc.index)
		if err != nil {
			t.Fatalf("failed to get bit at index %d: %v", tc.index, err)
		}

		if value != tc.value {
			t.Errorf("expected bit at index %d to be %v, got %v", tc.index, tc.value, value)
		}
	}

	// Out-of-range access is an error, not an expansion
	if err := bs.Set(64, true); err == nil {
		t.Error("expected error for out-of-range set")
	}
	if _, err := bs.Get(64); err == nil {
		t.Error("expected error for out-of-range get")
	}
	if err := bs.Set(-1, true); err == nil {
		t.Error("expected error for negative index")
	}
}

func TestBitString_FindFirstUnset(t *testing.T) {
	bs := NewBitString(16)

	if idx := bs.FindFirstUnset(); idx != 0 {
		t.Errorf("expected first unset 0, got %d", idx)
	}

	for i := 0; i < 5; i++ {
		bs.Set(i, true)
	}
	if idx := bs.FindFirstUnset(); idx != 5 {
		t.Errorf("expected first unset 5, got %d", idx)
	}

	// A hole before the tail is found first
	bs.Set(2, false)
	if idx := bs.FindFirstUnset(); idx != 2 {
		t.Errorf("expected first unset 2, got %d", idx)
	}

	for i := 0; i < 16; i++ {
		bs.Set(i, true)
	}
	if idx := bs.FindFirstUnset(); idx != -1 {
		t.Errorf("expected -1 for full bitmap, got %d", idx)
	}
}

func TestBitString_FindFirstUnset_PartialLastByte(t *testing.T) {
	// 10 bits: the last byte has 6 trailing bits outside the bitmap
	bs := NewBitString(10)
	for i := 0; i < 10; i++ {
		bs.Set(i, true)
	}
	if idx := bs.FindFirstUnset(); idx != -1 {
		t.Errorf("expected -1 for full 10-bit bitmap, got %d", idx)
	}
}

func TestBitString_CountSet(t *testing.T) {
	bs := NewBitString(20)
	if bs.CountSet() != 0 {
		t.Errorf("expected 0 set bits, got %d", bs.CountSet())
	}

	indices := []int{0, 3, 7, 8, 19}
	for _, i := range indices {
		bs.Set(i, true)
	}
	if bs.CountSet() != len(indices) {
		t.Errorf("expected %d set bits, got %d", len(indices), bs.CountSet())
	}
}

func TestBitString_EncodedListRoundTrip(t *testing.T) {
	for _, listType := range []ListType{TypeBitstringStatusList, TypeStatusList2021} {
		bs := NewBitString(128)
		bs.Set(3, true)
		bs.Set(100, true)

		encoded, err := bs.EncodedList(listType)
		if err != nil {
			t.Fatalf("%s: encode failed: %v", listType, err)
		}

		if listType == TypeBitstringStatusList && encoded[0] != 'u' {
			t.Errorf("expected multibase base64url prefix for %s", listType)
		}

		decoded, err := DecodeList(encoded, 128)
		if err != nil {
			t.Fatalf("%s: decode failed: %v", listType, err)
		}

		for i := 0; i < 128; i++ {
			want, _ := bs.Get(i)
			got, _ := decoded.Get(i)
			if want != got {
				t.Fatalf("%s: bit %d mismatch after round trip", listType, i)
			}
		}
	}
}

func TestBitString_Clone(t *testing.T) {
	bs := NewBitString(16)
	bs.Set(4, true)

	clone := bs.Clone()
	clone.Set(4, false)
	clone.Set(9, true)

	if v, _ := bs.Get(4); !v {
		t.Error("mutating clone changed the original")
	}
	if v, _ := bs.Get(9); v {
		t.Error("mutating clone changed the original")
	}
}
