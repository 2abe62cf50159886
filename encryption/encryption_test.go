package encryption

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	svc, err := NewService(key)
	require.NoError(t, err)
	return svc
}

func TestNewServiceRejectsBadKey(t *testing.T) {
	_, err := NewService(make([]byte, 16))
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewServiceFromHex("not hex")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestSealOpenRoundTrip(t *testing.T) {
	svc := newTestService(t)

	payloads := [][]byte{
		{},
		{0x42},
		bytes.Repeat([]byte("quaver"), 400_000), // > 2 MiB, spans chunk size
	}

	for _, plain := range payloads {
		env, err := svc.Seal(plain)
		require.NoError(t, err)
		require.Greater(t, len(env), len(plain))

		got, err := svc.Open(FormatV1, env)
		require.NoError(t, err)
		require.Equal(t, plain, got)
	}
}

func TestSealProducesDistinctEnvelopes(t *testing.T) {
	svc := newTestService(t)
	plain := []byte("same payload")

	env1, err := svc.Seal(plain)
	require.NoError(t, err)
	env2, err := svc.Seal(plain)
	require.NoError(t, err)

	// Fresh nonce per seal.
	require.NotEqual(t, env1, env2)
}

func TestOpenWrongKey(t *testing.T) {
	svc := newTestService(t)
	other := newTestService(t)

	env, err := svc.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = other.Open(FormatV1, env)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestOpenTruncatedEnvelope(t *testing.T) {
	svc := newTestService(t)

	env, err := svc.Seal([]byte("secret"))
	require.NoError(t, err)

	for _, cut := range []int{0, 1, 2, len(env) / 2, len(env) - 1} {
		_, err := svc.Open(FormatV1, env[:cut])
		require.ErrorIs(t, err, ErrDecrypt, "cut at %d", cut)
	}
}

func TestOpenTamperedEnvelope(t *testing.T) {
	svc := newTestService(t)

	env, err := svc.Seal([]byte("secret"))
	require.NoError(t, err)

	env[len(env)-1] ^= 0xff
	_, err = svc.Open(FormatV1, env)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestOpenUnknownVersion(t *testing.T) {
	svc := newTestService(t)

	env, err := svc.Seal([]byte("secret"))
	require.NoError(t, err)

	env[0] = 0x7f
	_, err = svc.Open(FormatV1, env)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestLegacyFormats(t *testing.T) {
	svc := newTestService(t)
	plain := []byte("legacy payload")

	gcmEnv, err := svc.SealLegacyGCM(plain)
	require.NoError(t, err)
	got, err := svc.Open(FormatLegacyGCM, gcmEnv)
	require.NoError(t, err)
	require.Equal(t, plain, got)

	xchachaEnv, err := svc.SealLegacyXChaCha(plain)
	require.NoError(t, err)
	got, err = svc.Open(FormatLegacyXChaCha, xchachaEnv)
	require.NoError(t, err)
	require.Equal(t, plain, got)

	// The legacy layouts are not interchangeable.
	_, err = svc.Open(FormatLegacyXChaCha, gcmEnv)
	require.ErrorIs(t, err, ErrDecrypt)

	// An empty payload opens to an empty, non-nil slice.
	emptyEnv, err := svc.SealLegacyGCM(nil)
	require.NoError(t, err)
	got, err = svc.Open(FormatLegacyGCM, emptyEnv)
	require.NoError(t, err)
	require.Equal(t, []byte{}, got)
}

func TestOpenUnknownFormat(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Open(Format("bogus"), []byte("whatever"))
	require.ErrorIs(t, err, ErrDecrypt)
}
