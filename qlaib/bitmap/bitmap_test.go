package bitmap

import (
	"reflect"
	"testing"
)

// mustDense builds a Dense from a string of '1's and '0's; spaces are ignored.
func mustDense(t *testing.T, s string) Dense {
	t.Helper()
	var d Dense
	for _, c := range s {
		switch c {
		case '1':
			d.AppendBit(true)
		case '0':
			d.AppendBit(false)
		case ' ':
		default:
			t.Fatalf("invalid bitmap string rep: %s", s)
		}
	}
	return d
}

func TestDenseGet(t *testing.T) {
	tcs := []struct {
		name  string
		data  Dense
		edata []bool
	}{
		{"aligned", mustDense(t, "10101010"), []bool{true, false, true, false, true, false, true, false}},
		{"multibyte",
			mustDense(t, "00000000 101"),
			[]bool{false, false, false, false, false, false, false, false, true, false, true}},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			var d []bool
			for i := 0; i < tc.data.Size(); i++ {
				d = append(d, tc.data.Get(i))
			}
			if !reflect.DeepEqual(d, tc.edata) {
				t.Errorf("t.Get() == %v, want %v", d, tc.edata)
			}
		})
	}
}

func TestDenseGetOutOfRange(t *testing.T) {
	d := mustDense(t, "111")
	if d.Get(-1) || d.Get(3) || d.Get(100) {
		t.Errorf("Get outside [0, %d) returned true", d.Size())
	}
}

func TestCountOnes(t *testing.T) {
	tcs := []struct {
		d    Dense
		want int
	}{
		{Dense{}, 0},
		{mustDense(t, "0"), 0},
		{mustDense(t, "1011"), 3},
		{mustDense(t, "11111111 11111111 1"), 17},
	}
	for _, tc := range tcs {
		if got := CountOnes(tc.d); got != tc.want {
			t.Errorf("CountOnes(%v) == %d, want %d", tc.d, got, tc.want)
		}
	}
}

func TestAppendBit(t *testing.T) {
	var d Dense
	want := []bool{true, false, true, true, false, false, false, true, true}
	for _, b := range want {
		d.AppendBit(b)
	}
	if d.Size() != len(want) {
		t.Fatalf("d.Size() == %d, want %d", d.Size(), len(want))
	}
	for i, b := range want {
		if d.Get(i) != b {
			t.Errorf("d.Get(%d) == %v, want %v", i, d.Get(i), b)
		}
	}
}

func TestGrowAndSet(t *testing.T) {
	var d Dense
	d.Grow(3)
	d.Set(2)
	d.Grow(10)
	d.Set(9)
	d.Grow(4)
	if got, want := d.String(), "00100000 01"; got != want {
		t.Errorf("d == %q, want %q", got, want)
	}
}

func TestDropFront(t *testing.T) {
	tcs := []struct {
		name string
		d    string
		n    int
		want string
	}{
		{"nothing", "101", 0, "101"},
		{"within byte", "10110000 1", 2, "1100001"},
		{"whole bytes", "00000000 11111111 101", 8, "11111111 101"},
		{"across bytes", "00000000 00011111 111", 11, "11111111"},
		{"everything", "1111", 4, ""},
		{"past the end", "1111", 9, ""},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			d := mustDense(t, tc.d)
			d.DropFront(tc.n)
			if got := d.String(); got != tc.want {
				t.Errorf("DropFront(%d) of %q == %q, want %q", tc.n, tc.d, got, tc.want)
			}
			if got, want := CountOnes(d), CountOnes(mustDense(t, tc.want)); got != want {
				t.Errorf("CountOnes after DropFront == %d, want %d", got, want)
			}
		})
	}
}

func TestDropFrontThenAppend(t *testing.T) {
	d := mustDense(t, "11111111 111")
	d.DropFront(5)
	d.AppendBit(false)
	d.Grow(9)
	if got, want := d.String(), "11111100 0"; got != want {
		t.Errorf("d == %q, want %q", got, want)
	}
}

func TestBytesFor(t *testing.T) {
	tcs := []struct{ bits, want int }{{0, 0}, {1, 1}, {8, 1}, {9, 2}, {16, 2}}
	for _, tc := range tcs {
		if got := bytesFor(tc.bits); got != tc.want {
			t.Errorf("bytesFor(%d) == %d, want %d", tc.bits, got, tc.want)
		}
	}
}
