package store

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSalt = []byte("0123456789abcdef")

func testCipher(t *testing.T) *Cipher {
	t.Helper()

	c, err := NewCipher("test-passphrase", testSalt)
	require.NoError(t, err)

	return c
}

// --- DeriveKey ---

func TestDeriveKey_Deterministic(t *testing.T) {
	k1, err := DeriveKey("passphrase", testSalt)
	require.NoError(t, err)
	assert.Len(t, k1, 32)

	k2, err := DeriveKey("passphrase", testSalt)
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "same inputs must produce same key")
}

func TestDeriveKey_DifferentPassphrasesDifferentKeys(t *testing.T) {
	k1, err := DeriveKey("passphrase1", testSalt)
	require.NoError(t, err)

	k2, err := DeriveKey("passphrase2", testSalt)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}

func TestDeriveKey_DifferentSaltsDifferentKeys(t *testing.T) {
	k1, err := DeriveKey("passphrase", []byte("salt-aaaa-aaaa-a"))
	require.NoError(t, err)

	k2, err := DeriveKey("passphrase", []byte("salt-bbbb-bbbb-b"))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}

func TestDeriveKey_NFKCNormalization(t *testing.T) {
	// e-acute can be typed as U+00E9 (precomposed) or U+0065 U+0301
	// (decomposed). NFKC normalizes both, so either spelling of the
	// passphrase unlocks the cache.
	k1, err := DeriveKey("café", testSalt)
	require.NoError(t, err)

	k2, err := DeriveKey("café", testSalt)
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "composed and decomposed accents must derive the same key")
}

// --- NewSalt ---

func TestNewSalt_LengthAndUniqueness(t *testing.T) {
	s1 := NewSalt()
	s2 := NewSalt()
	assert.Len(t, s1, saltLen)
	assert.NotEqual(t, s1, s2)
}

// --- KeyHash ---

func TestKeyHash_StableForSameInputs(t *testing.T) {
	c1 := testCipher(t)
	c2 := testCipher(t)
	assert.Equal(t, c1.KeyHash(), c2.KeyHash())
	assert.Len(t, c1.KeyHash(), 64)
}

func TestKeyHash_DiffersAcrossPassphrases(t *testing.T) {
	c1 := testCipher(t)

	c2, err := NewCipher("other-passphrase", testSalt)
	require.NoError(t, err)
	assert.NotEqual(t, c1.KeyHash(), c2.KeyHash())
}

// --- Seal / Open round trips ---

func TestSealOpenCase_RoundTrip(t *testing.T) {
	c := testCipher(t)

	plain := []byte(`{"id":"c1","title":"Case c1"}`)

	sealed, err := c.SealCase(plain)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(sealed, []byte("Case c1")))

	out, err := c.OpenCase(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestSealOpenQueue_RoundTrip(t *testing.T) {
	c := testCipher(t)

	plain := []byte(`{"caseId":"c1","note":"confidential"}`)

	sealed, err := c.SealQueue(plain)
	require.NoError(t, err)

	out, err := c.OpenQueue(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestSealCase_NonDeterministic(t *testing.T) {
	c := testCipher(t)

	plain := []byte("same input")

	s1, err := c.SealCase(plain)
	require.NoError(t, err)
	s2, err := c.SealCase(plain)
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2, "random IVs must make repeated seals differ")
}

func TestSealCase_EmptyValue(t *testing.T) {
	c := testCipher(t)

	sealed, err := c.SealCase([]byte{})
	require.NoError(t, err)

	out, err := c.OpenCase(sealed)
	require.NoError(t, err)
	assert.Empty(t, out)
}

// --- Subkey separation ---

func TestCaseAndQueueKeysAreIndependent(t *testing.T) {
	c := testCipher(t)

	sealed, err := c.SealCase([]byte("payload"))
	require.NoError(t, err)

	_, err = c.OpenQueue(sealed)
	assert.Error(t, err, "a case value must not open under the queue key")
}

// --- Failure modes ---

func TestOpenCase_WrongKey(t *testing.T) {
	c1 := testCipher(t)

	c2, err := NewCipher("wrong-passphrase", testSalt)
	require.NoError(t, err)

	sealed, err := c1.SealCase([]byte("payload"))
	require.NoError(t, err)

	_, err = c2.OpenCase(sealed)
	assert.Error(t, err)
}

func TestOpenCase_Tampered(t *testing.T) {
	c := testCipher(t)

	sealed, err := c.SealCase([]byte("payload"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xFF

	_, err = c.OpenCase(sealed)
	assert.Error(t, err)
}

func TestOpenCase_TooShort(t *testing.T) {
	c := testCipher(t)

	_, err := c.OpenCase([]byte("short"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too short")
}
