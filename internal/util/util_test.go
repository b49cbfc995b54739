package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnonymizeStringIsStableAndShort(t *testing.T) {
	assert.Empty(t, AnonymizeString(""))

	a := AnonymizeString("sk-1234567890abcdef")
	assert.Len(t, a, 16)
	assert.Equal(t, a, AnonymizeString("sk-1234567890abcdef"))
	assert.NotEqual(t, a, AnonymizeString("sk-1234567890abcdeg"))
	assert.Equal(t, "ba7816bf8f01cfea", AnonymizeString("abc"))
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 5, "hello..."},
		{"안녕하세요", 2, "안녕..."},
		{"anything", 0, ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Truncate(tc.in, tc.n), "%q/%d", tc.in, tc.n)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", FirstNonEmpty("", "  ", "b", "c"))
	assert.Empty(t, FirstNonEmpty())
	assert.Empty(t, FirstNonEmpty(" ", "\t"))
}
