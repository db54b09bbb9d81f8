package fs

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ pflag.Value = (*SizeSuffix)(nil)

func TestSizeSuffixString(t *testing.T) {
	for _, test := range []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{102, "102"},
		{1024, "1Ki"},
		{1024 * 1024, "1Mi"},
		{1024 * 1024 * 1024, "1Gi"},
		{10 * 1024 * 1024 * 1024, "10Gi"},
		{-1, "off"},
		{-100, "off"},
	} {
		assert.Equal(t, test.want, SizeSuffix(test.in).String(), "in=%d", test.in)
	}
}

func TestSizeSuffixSet(t *testing.T) {
	for _, test := range []struct {
		in   string
		want int64
		err  bool
	}{
		{"0", 0, false},
		{"1b", 1, false},
		{"102B", 102, false},
		{"1K", 1024, false},
		{"1k", 1024, false},
		{"1Ki", 1024, false},
		{"1KiB", 1024, false},
		{"1M", 1024 * 1024, false},
		{"1Mi", 1024 * 1024, false},
		{"10G", 10 * 1024 * 1024 * 1024, false},
		{"10T", 10 * 1024 * 1024 * 1024 * 1024, false},
		{"off", -1, false},
		{"", -1, false},
		{"1q", 0, true},
	} {
		var ss SizeSuffix
		err := ss.Set(test.in)
		if test.err {
			require.Error(t, err, test.in)
		} else {
			require.NoError(t, err, test.in)
			assert.Equal(t, test.want, int64(ss), "in=%q", test.in)
		}
	}
}

func TestSizeSuffixType(t *testing.T) {
	var ss SizeSuffix
	assert.Equal(t, "SizeSuffix", ss.Type())
}
