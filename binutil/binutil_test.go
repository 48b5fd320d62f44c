package binutil

import "testing"

func TestPackAddrRoundTrips(t *testing.T) {
	cases := []struct {
		n    int
		addr uint32
	}{
		{3, 0x00AB12},
		{3, 0xFFFFFF},
		{4, 0x12345678},
		{4, 0x00000000},
	}
	for _, c := range cases {
		buf := PackAddr(nil, c.addr, c.n)
		if len(buf) != c.n {
			t.Fatalf("PackAddr(%d, n=%d): got %d bytes, want %d", c.addr, c.n, len(buf), c.n)
		}
		got := UnpackAddr(buf, c.n)
		if got != c.addr {
			t.Errorf("PackAddr/UnpackAddr(%d, n=%d) round trip: got 0x%X, want 0x%X", c.addr, c.n, got, c.addr)
		}
	}
}

func TestPackAddrUnknownWidth(t *testing.T) {
	if buf := PackAddr([]byte{0x01}, 0x123456, 2); len(buf) != 1 {
		t.Errorf("PackAddr with unsupported width should leave buf unchanged, got %v", buf)
	}
}

func TestParseHexID(t *testing.T) {
	cases := []struct {
		in      string
		want    uint16
		wantErr bool
	}{
		{"0x18d1", 0x18d1, false},
		{"18d1", 0x18d1, false},
		{"0X501C", 0x501c, false},
		{"", 0, true},
		{"zzzz", 0, true},
		{"1ffff", 0, true}, // overflows uint16
	}
	for _, c := range cases {
		got, err := ParseHexID(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("ParseHexID(%q): err = %v, wantErr %v", c.in, err, c.wantErr)
			continue
		}
		if err == nil && got != c.want {
			t.Errorf("ParseHexID(%q) = 0x%x, want 0x%x", c.in, got, c.want)
		}
	}
}
