package reloc

import "testing"

func TestNewIndexSortsAndDedupes(t *testing.T) {
	idx := NewIndex([]uint32{40, 10, 10, 30, 20})
	got := idx.All()
	want := []uint32{10, 20, 30, 40}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("All()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestContains(t *testing.T) {
	idx := NewIndex([]uint32{10, 20, 30})
	if !idx.Contains(20) {
		t.Fatal("expected Contains(20) to be true")
	}
	if idx.Contains(25) {
		t.Fatal("expected Contains(25) to be false")
	}
}

func TestInRange(t *testing.T) {
	idx := NewIndex([]uint32{10, 14, 20, 30, 31})
	cases := []struct {
		addr, n uint32
		want    []uint32
	}{
		{10, 4, []uint32{10}},
		{10, 5, []uint32{10, 14}},
		{0, 100, []uint32{10, 14, 20, 30, 31}},
		{15, 5, []uint32{}},
		{29, 3, []uint32{30, 31}},
	}
	for _, tc := range cases {
		got := idx.InRange(tc.addr, tc.n)
		if len(got) != len(tc.want) {
			t.Fatalf("InRange(%d,%d) = %v, want %v", tc.addr, tc.n, got, tc.want)
		}
		for i := range tc.want {
			if got[i] != tc.want[i] {
				t.Fatalf("InRange(%d,%d)[%d] = %d, want %d", tc.addr, tc.n, i, got[i], tc.want[i])
			}
		}
	}
}

func TestRemove(t *testing.T) {
	idx := NewIndex([]uint32{10, 20, 30})
	idx.Remove(20)
	if idx.Contains(20) {
		t.Fatal("expected 20 to be removed")
	}
	if idx.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", idx.Len())
	}
	idx.Remove(999) // no-op, must not panic
	if idx.Len() != 2 {
		t.Fatalf("Len() after no-op remove = %d, want 2", idx.Len())
	}
}
