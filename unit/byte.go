package unit

import (
	"strconv"
)

// https://en.wikipedia.org/wiki/Byte#Multiple-byte_units
const (
	Byte     = 1
	Kibibyte = 1024 * Byte
	Mebibyte = 1024 * Kibibyte
	Gibibyte = 1024 * Mebibyte
)

// Format renders a byte count with the largest binary unit that keeps the
// value at or above one.
func Format(n int64) string {
	switch {
	case n >= Gibibyte:
		return strconv.FormatFloat(float64(n)/Gibibyte, 'f', 1, 64) + " GiB"
	case n >= Mebibyte:
		return strconv.FormatFloat(float64(n)/Mebibyte, 'f', 1, 64) + " MiB"
	case n >= Kibibyte:
		return strconv.FormatFloat(float64(n)/Kibibyte, 'f', 1, 64) + " KiB"
	default:
		return strconv.FormatInt(n, 10) + " B"
	}
}
