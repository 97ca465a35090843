package payments

import "testing"

func TestMinorUnits(t *testing.T) {
	cases := []struct {
		price float64
		want  int64
	}{
		{12.5, 1250},
		{0.1 + 0.2, 30},
		{19.99, 1999},
		{0, 0},
	}
	for _, c := range cases {
		if got := MinorUnits(c.price); got != c.want {
			t.Fatalf("MinorUnits(%v) = %d, want %d", c.price, got, c.want)
		}
	}
}
