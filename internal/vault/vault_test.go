package vault

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) (*Vault, []byte) {
	t.Helper()
	master := make([]byte, 32)
	_, err := rand.Read(master)
	require.NoError(t, err)
	v, err := New(master)
	require.NoError(t, err)
	return v, master
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, _ := newTestVault(t)

	cases := [][]byte{
		[]byte(""),
		[]byte("x"),
		[]byte("hello world"),
		bytes.Repeat([]byte{0xff}, 4096),
	}
	for _, plaintext := range cases {
		blob, err := v.Encrypt(plaintext, PurposeWalletKey)
		require.NoError(t, err)

		got, err := v.Decrypt(blob, PurposeWalletKey)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptProducesFreshBlobs(t *testing.T) {
	v, _ := newTestVault(t)

	b1, err := v.Encrypt([]byte("secret"), PurposeWalletKey)
	require.NoError(t, err)
	b2, err := v.Encrypt([]byte("secret"), PurposeWalletKey)
	require.NoError(t, err)

	// fresh DEK and nonces every call: identical plaintexts never share a blob
	assert.NotEqual(t, b1, b2)
}

func TestDecryptTamperedBlobFailsClosed(t *testing.T) {
	v, _ := newTestVault(t)

	blob, err := v.Encrypt([]byte("private key material"), PurposeWalletKey)
	require.NoError(t, err)

	// flip every byte position one at a time; all must fail authentication,
	// none may return altered plaintext
	for i := 1; i < len(blob); i++ {
		tampered := make([]byte, len(blob))
		copy(tampered, blob)
		tampered[i] ^= 0x01

		got, err := v.Decrypt(tampered, PurposeWalletKey)
		assert.ErrorIs(t, err, ErrAuthentication, "byte %d", i)
		assert.Nil(t, got)
	}
}

func TestDecryptWrongVersionAndTruncation(t *testing.T) {
	v, _ := newTestVault(t)

	blob, err := v.Encrypt([]byte("payload"), PurposeWalletKey)
	require.NoError(t, err)

	bad := make([]byte, len(blob))
	copy(bad, blob)
	bad[0] = 0x7f
	_, err = v.Decrypt(bad, PurposeWalletKey)
	assert.ErrorIs(t, err, ErrInvalidBlob)

	_, err = v.Decrypt(blob[:minBlobSize-1], PurposeWalletKey)
	assert.ErrorIs(t, err, ErrInvalidBlob)
}

func TestPurposeBinding(t *testing.T) {
	v, _ := newTestVault(t)

	blob, err := v.Encrypt([]byte("exchange api secret"), PurposeAPICredential)
	require.NoError(t, err)

	_, err = v.Decrypt(blob, PurposeWalletKey)
	assert.ErrorIs(t, err, ErrAuthentication)

	got, err := v.Decrypt(blob, PurposeAPICredential)
	require.NoError(t, err)
	assert.Equal(t, []byte("exchange api secret"), got)
}

func TestWithPlaintextZeroesAfterUse(t *testing.T) {
	v, _ := newTestVault(t)

	blob, err := v.Encrypt([]byte("sign with me"), PurposeWalletKey)
	require.NoError(t, err)

	var captured []byte
	err = v.WithPlaintext(blob, PurposeWalletKey, func(pt []byte) error {
		assert.Equal(t, []byte("sign with me"), pt)
		captured = pt
		return nil
	})
	require.NoError(t, err)

	// the slice handed to fn is zeroed once the scope closes
	assert.Equal(t, make([]byte, len("sign with me")), captured)
}

func TestRewrapUnderNewMasterKey(t *testing.T) {
	v, _ := newTestVault(t)

	blob, err := v.Encrypt([]byte("long lived secret"), PurposeAPICredential)
	require.NoError(t, err)

	newMaster := make([]byte, 32)
	_, err = rand.Read(newMaster)
	require.NoError(t, err)

	rewrapped, err := v.RewrapBlob(blob, PurposeAPICredential, newMaster)
	require.NoError(t, err)

	// payload section is untouched by rotation, only the wrap section changes
	payloadOffset := 1 + nonceSize + wrappedDEKSize
	assert.Equal(t, blob[payloadOffset:], rewrapped[payloadOffset:])

	// old vault cannot open the rewrapped blob
	_, err = v.Decrypt(rewrapped, PurposeAPICredential)
	assert.ErrorIs(t, err, ErrAuthentication)

	require.NoError(t, v.AdoptMasterKey(newMaster))

	got, err := v.Decrypt(rewrapped, PurposeAPICredential)
	require.NoError(t, err)
	assert.Equal(t, []byte("long lived secret"), got)

	// and the pre-rotation blob is now unopenable, as expected
	_, err = v.Decrypt(blob, PurposeAPICredential)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestNewRejectsBadKeySizes(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		_, err := New(make([]byte, n))
		assert.Error(t, err, "key size %d", n)
	}
}
