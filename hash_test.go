package invokerpm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDigestRoundTrip(t *testing.T) {
	d := DigestBytes([]byte("hello world"))
	require.False(t, d.IsZero())
	require.Len(t, d.String(), DigestSize*2)

	parsed, err := ParseDigest(d.String())
	require.NoError(t, err)
	require.Equal(t, d, parsed)
}

func TestDigestStringMatchesBytes(t *testing.T) {
	require.Equal(t, DigestBytes([]byte("cache-key")), DigestString("cache-key"))
}

func TestDigestReader(t *testing.T) {
	data := "some content for hashing"
	d, n, err := DigestReader(strings.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
	require.Equal(t, DigestBytes([]byte(data)), d)
}

func TestParseDigestInvalid(t *testing.T) {
	_, err := ParseDigest("abc")
	require.Error(t, err)

	_, err = ParseDigest(strings.Repeat("zz", DigestSize))
	require.Error(t, err)
}

func TestShortString(t *testing.T) {
	d := DigestBytes([]byte("x"))
	require.Len(t, d.ShortString(), 16)
	require.True(t, strings.HasPrefix(d.String(), d.ShortString()))
}
