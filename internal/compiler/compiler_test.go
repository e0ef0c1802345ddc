package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"My Notes":       "my_notes",
		"Café Archive":   "cafe_archive",
		"  --hello--  ":  "hello",
		"ﬁle":            "file",
		"日本":             "capsule",
		"a__b":           "a_b",
		"release-2024.1": "release_2024_1",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeName(in), in)
	}
}

func TestExtensions(t *testing.T) {
	ext := Extensions{NIP11: true, NIP45: true}

	assert.Equal(t, []string{"nip11", "nip45"}, ext.Features())
	assert.Equal(t, []int{1, 11, 45}, ext.SupportedNIPs())
	assert.Nil(t, Extensions{}.Features())
	assert.Equal(t, []int{1}, Extensions{}.SupportedNIPs())
}
