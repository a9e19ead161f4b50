package offline0

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	kib = 1024
	mib = 1024 * kib
	gib = 1024 * mib
)

// parseBytes accepts "512", "64kb", "8mb", "1.5g" and friends. "0" means unlimited.
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	s = strings.TrimSuffix(s, "b")
	mult := int64(1)
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'k':
			mult, s = kib, s[:n-1]
		case 'm':
			mult, s = mib, s[:n-1]
		case 'g':
			mult, s = gib, s[:n-1]
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * float64(mult)), nil
}

func formatBytes(b uint64) string {
	switch {
	case b < kib:
		return fmt.Sprintf("%db", b)
	case b < mib:
		return trimFloat(float64(b)/kib) + "kb"
	case b < gib:
		return trimFloat(float64(b)/mib) + "mb"
	}
	return trimFloat(float64(b)/gib) + "gb"
}

func trimFloat(f float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%.1f", f), ".0")
}
