package stream

import (
	"strconv"
	"strings"
)

// FormatDuration renders seconds as "1d 2h 3m 4s", dropping leading zero
// units. Zero and negative values render as "0s".
func FormatDuration(secs int64) string {
	if secs <= 0 {
		return "0s"
	}
	units := []struct {
		suffix string
		size   int64
	}{
		{"d", 86400},
		{"h", 3600},
		{"m", 60},
		{"s", 1},
	}
	var b strings.Builder
	for _, u := range units {
		n := secs / u.size
		secs %= u.size
		if n == 0 && b.Len() == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.FormatInt(n, 10))
		b.WriteString(u.suffix)
	}
	return b.String()
}
