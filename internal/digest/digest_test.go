package digest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSumPlainSHA256(t *testing.T) {
	c := New("")
	// sha256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", c.Sum("abc"))
	assert.Len(t, c.Sum("anything"), Size)
}

func TestSumIsDeterministicAndKeyed(t *testing.T) {
	plain := New("")
	keyed := New("server-key")
	other := New("other-key")

	assert.Equal(t, keyed.Sum("secret"), keyed.Sum("secret"))
	assert.NotEqual(t, plain.Sum("secret"), keyed.Sum("secret"))
	assert.NotEqual(t, keyed.Sum("secret"), other.Sum("secret"))
	assert.NotEqual(t, keyed.Sum("secret"), keyed.Sum("secret2"))
	assert.Len(t, keyed.Sum("secret"), Size)
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abc", Short("abc"))
	assert.Equal(t, "0123456789abcdef", Short("0123456789abcdef0123"))
}
