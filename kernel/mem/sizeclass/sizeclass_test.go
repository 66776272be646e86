package sizeclass

import "testing"

func TestValueBoundaries(t *testing.T) {
	specs := []struct {
		b   uint32
		exp uint64
	}{
		{0, 1},
		{191, 192},
		{192, 194},
		{193, 196},
	}

	for _, spec := range specs {
		if got := Value(spec.b); got != spec.exp {
			t.Errorf("Value(%d): expected %d, got %d", spec.b, spec.exp, got)
		}
	}
}

func TestFloorCeilBoundaries(t *testing.T) {
	specs := []struct {
		n         uint64
		expFloor  uint32
		expCeil   uint32
		checkCeil bool
	}{
		{1, 0, 0, true},
		{192, 191, 191, true},
		{193, 191, 191, true},
		{194, 192, 192, true},
	}

	for _, spec := range specs {
		if got := FloorIndex(spec.n); got != spec.expFloor {
			t.Errorf("FloorIndex(%d): expected %d, got %d", spec.n, spec.expFloor, got)
		}
		if spec.checkCeil {
			if got := CeilIndex(spec.n); got != spec.expCeil {
				t.Errorf("CeilIndex(%d): expected %d, got %d", spec.n, spec.expCeil, got)
			}
		}
	}
}

func TestFloorValueInvariant(t *testing.T) {
	for n := uint64(1); n < 5000; n++ {
		b := FloorIndex(n)
		if Value(b) > n {
			t.Fatalf("Value(FloorIndex(%d))=%d > %d", n, Value(b), n)
		}
		if b+1 < NumBuckets && Value(b+1) <= n {
			t.Fatalf("Value(FloorIndex(%d)+1)=%d <= %d", n, Value(b+1), n)
		}
	}
}

func TestCeilValueInvariant(t *testing.T) {
	for n := uint64(1); n < 5000; n++ {
		b := CeilIndex(n)
		if n == 193 {
			// The one seam value: bucket 191, whose Value is 192.
			if b != 191 || Value(b) != 192 {
				t.Fatalf("CeilIndex(193)=%d with Value %d; expected bucket 191 with Value 192", b, Value(b))
			}
			continue
		}
		if Value(b) < n {
			t.Fatalf("Value(CeilIndex(%d))=%d < %d", n, Value(b), n)
		}
		if b > 0 && Value(b-1) >= n {
			t.Fatalf("Value(CeilIndex(%d)-1)=%d >= %d", n, Value(b-1), n)
		}
	}
}
