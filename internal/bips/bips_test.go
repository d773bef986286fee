package bips

import (
	"math/big"
	"testing"
)

func TestMulDivFloors(t *testing.T) {
	tests := []struct {
		name    string
		a, b    int64
		div     int64
		want    int64
	}{
		{"exact", 10, 3, 6, 5},
		{"rounds down", 10, 1, 3, 3},
		{"negative rounds toward minus infinity", -10, 1, 3, -4},
		{"negative exact", -9, 1, 3, -3},
		{"zero", 0, 5, 7, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MulDiv(big.NewInt(tt.a), big.NewInt(tt.b), big.NewInt(tt.div))
			if got.Int64() != tt.want {
				t.Errorf("MulDiv(%d, %d, %d) = %s, want %d", tt.a, tt.b, tt.div, got, tt.want)
			}
		})
	}
}

func TestMulDivPanicsOnBadDivisor(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for zero divisor")
		}
	}()
	MulDiv(big.NewInt(1), big.NewInt(1), big.NewInt(0))
}

func TestPercent(t *testing.T) {
	tests := []struct {
		amount int64
		pct    int64
		want   int64
	}{
		{1000, 9000, 900},
		{1000, 11000, 1100},
		{1, 10001, 1},  // floors
		{999, 100, 9},  // 1% of 999
		{-1000, 50, -5},
	}
	for _, tt := range tests {
		got := Percent(big.NewInt(tt.amount), tt.pct)
		if got.Int64() != tt.want {
			t.Errorf("Percent(%d, %d) = %s, want %d", tt.amount, tt.pct, got, tt.want)
		}
	}
}

func TestDivFloorNegative(t *testing.T) {
	got := DivFloor(big.NewInt(-10000), big.NewInt(3))
	if got.Int64() != -3334 {
		t.Errorf("DivFloor(-10000, 3) = %s, want -3334", got)
	}
	got = DivBase(big.NewInt(-3334))
	if got.Int64() != -1 {
		t.Errorf("DivBase(-3334) = %s, want -1", got)
	}
}
