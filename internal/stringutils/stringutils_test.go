package stringutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndentString(t *testing.T) {
	assert.Equal(t, "  a\n  b", IndentString("a\nb", "  "))
	assert.Equal(t, "\tx\n\t", IndentString("x\n", "\t"))
}

func TestHide(t *testing.T) {
	assert.Equal(t, "", Hide(""))
	assert.Equal(t, HiddenValue, Hide("ghp_123"))
}

func TestRedact(t *testing.T) {
	assert.Equal(t,
		"Authorization=token **hidden**,X=**hidden**",
		Redact("Authorization=token ghp_1,X=abc", "ghp_1", "", "abc"),
	)
}
