package section

import "testing"

func TestAppendPadsToFileAlignment(t *testing.T) {
	cases := []struct {
		name  string
		first []byte
		align uint32
	}{
		{"one byte", []byte{0xAA}, 0x200},
		{"exact multiple", make([]byte, 0x200), 0x200},
		{"small alignment", []byte{1, 2, 3}, 0x10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := New(".vmtext", SCNMemExecute, 0x1000, tc.align)
			off := b.Append(tc.first)
			if off != 0 {
				t.Fatalf("first append offset = %d, want 0", off)
			}
			if got := b.Len(); got%tc.align != 0 {
				t.Fatalf("buffer length %d not aligned to %d", got, tc.align)
			}
		})
	}
}

func TestAppendReturnsPriorLength(t *testing.T) {
	b := New(".vmtext", SCNMemExecute, 0x1000, 0x200)
	b.Append(make([]byte, 5))
	second := b.Append([]byte{0xFF})
	if second != 0x200 {
		t.Fatalf("second append offset = %#x, want 0x200", second)
	}
}

func TestPatchRoundTrip32(t *testing.T) {
	b := New(".vmtext", SCNMemExecute, 0x1000, 0x200)
	off := b.AppendZeros(4)
	b.PatchUint32(off, 0xDEADBEEF)
	if got := b.ReadUint32(off); got != 0xDEADBEEF {
		t.Fatalf("ReadUint32 = %#x, want 0xDEADBEEF", got)
	}
}

func TestPatchRoundTrip64(t *testing.T) {
	b := New(".vmtext", SCNMemExecute, 0x1000, 0x200)
	off := b.AppendZeros(8)
	b.PatchUint64(off, 0x0102030405060708)
	if got := b.ReadUint64(off); got != 0x0102030405060708 {
		t.Fatalf("ReadUint64 = %#x, want 0x0102030405060708", got)
	}
}

func TestVirtualSizeIncludesFileAlignmentPadding(t *testing.T) {
	b := New(".vmtext", SCNMemExecute, 0x1000, 0x200)
	b.Append(make([]byte, 5))
	if b.VirtualSize() != uint32(len(b.Bytes())) {
		t.Fatalf("VirtualSize should track the padded buffer length directly")
	}
}

// SCNMemExecute mirrors the peimage package's section characteristics
// constant; duplicated here to keep this package dependency-free.
const SCNMemExecute = 0x20000000
