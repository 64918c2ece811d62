package hashing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashReader_AllAlgorithms(t *testing.T) {
	c, n, err := HashReader(strings.NewReader("hello"), Algorithms()...)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	md5sum, _ := c.Get("md5")
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", md5sum)
	sha, _ := c.Get("sha256")
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sha)
	assert.True(t, c.Has("sha1"))
	assert.True(t, c.Has("blake2b"))
}

func TestHashReader_Defaults(t *testing.T) {
	c, err := HashBytes([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []string{"md5", "sha256"}, c.Algorithms())
}

func TestHashReader_UnknownAlgorithm(t *testing.T) {
	_, _, err := HashReader(strings.NewReader("x"), "crc7")
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
	assert.ErrorIs(t, Validate(nil), ErrUnknownAlgorithm)
}
