package sizeutil

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	kib = int64(1) << 10
	mib = int64(1) << 20
	gib = int64(1) << 30
)

var sizePattern = regexp.MustCompile(`^([0-9]*\.?[0-9]+)\s*([a-zA-Z]*)$`)

// ParseSize converts a human-readable size string ("1.2 GB", "500") to a
// byte count. A missing unit means MB. Unparseable input yields 0.
func ParseSize(s string) int64 {
	m := sizePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}

	mult := mib
	switch strings.ToUpper(m[2]) {
	case "KB":
		mult = kib
	case "MB", "":
		mult = mib
	case "GB":
		mult = gib
	default:
		return 0
	}
	return int64(math.Round(value * float64(mult)))
}

// FormatBytes renders a byte count with two decimal places and the largest
// fitting unit, or a bare "N B" below 1 KB.
func FormatBytes(n int64) string {
	switch {
	case n >= gib:
		return fmt.Sprintf("%.2f GB", float64(n)/float64(gib))
	case n >= mib:
		return fmt.Sprintf("%.2f MB", float64(n)/float64(mib))
	case n >= kib:
		return fmt.Sprintf("%.2f KB", float64(n)/float64(kib))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// TotalBytes sums the parsed sizes of the given human-readable size strings.
func TotalBytes(sizes []string) int64 {
	var total int64
	for _, s := range sizes {
		total += ParseSize(s)
	}
	return total
}
