package unit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/YuKun-Li-Swift/TuneWave-sub000/unit"
)

func TestFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n        int64
		expected string
	}{
		{n: 0, expected: "0 B"},
		{n: 1023, expected: "1023 B"},
		{n: 1024, expected: "1.0 KiB"},
		{n: 1536, expected: "1.5 KiB"},
		{n: 5 * unit.Mebibyte, expected: "5.0 MiB"},
		{n: 3 * unit.Gibibyte, expected: "3.0 GiB"},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, unit.Format(test.n))
	}
}
