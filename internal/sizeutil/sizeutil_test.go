package sizeutil

import "testing"

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1.04 MB", 1090519},
		{"2.39 GB", 2566242959},
		{"2.39GB", 2566242959},
		{"500", 524288000},
		{"1 KB", 1024},
		{"0.5 gb", 536870912},
		{"12 kb", 12288},
		{"", 0},
		{"GB", 0},
		{"abc MB", 0},
		{"3 TB", 0},
	}
	for _, c := range cases {
		if got := ParseSize(c.in); got != c.want {
			t.Fatalf("ParseSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{1024, "1.00 KB"},
		{1090519, "1.04 MB"},
		{2566242959, "2.39 GB"},
	}
	for _, c := range cases {
		if got := FormatBytes(c.in); got != c.want {
			t.Fatalf("FormatBytes(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"1.04 MB", "2.39 GB", "500.00 MB", "12.00 KB"} {
		n := ParseSize(s)
		if n == 0 {
			t.Fatalf("ParseSize(%q) = 0", s)
		}
		out := FormatBytes(n)
		if ParseSize(out) != n {
			t.Fatalf("round trip %q -> %d -> %q -> %d", s, n, out, ParseSize(out))
		}
	}
}

func TestTotalBytes(t *testing.T) {
	got := TotalBytes([]string{"1 KB", "1 KB", "garbage"})
	if got != 2048 {
		t.Fatalf("TotalBytes = %d, want 2048", got)
	}
}
