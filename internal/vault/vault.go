package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// ErrAuthentication is returned when a ciphertext fails its integrity check.
// The vault fails closed: no partial or corrupted plaintext is ever returned.
var ErrAuthentication = errors.New("vault: authentication failed")

// ErrInvalidBlob is returned for blobs too short or of an unknown version.
var ErrInvalidBlob = errors.New("vault: invalid ciphertext blob")

const (
	blobVersion = 0x01

	masterKeySize = 32
	dekSize       = 32
	nonceSize     = 12 // AES-GCM standard nonce
	tagSize       = 16

	wrappedDEKSize = dekSize + tagSize

	// version || wrapNonce || wrappedDEK || payloadNonce || ciphertext+tag
	minBlobSize = 1 + nonceSize + wrappedDEKSize + nonceSize + tagSize
)

// Vault performs envelope encryption: every payload is sealed under a fresh
// random data-encryption key (DEK), and the DEK is wrapped under a key derived
// from the master key and the purpose string. Compromising the database alone
// yields nothing without the master key, which lives only in process memory.
type Vault struct {
	mu        sync.RWMutex
	masterKey []byte
}

// New creates a vault from a 32-byte master key. The key slice is copied;
// callers may zero their copy afterwards.
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) != masterKeySize {
		return nil, fmt.Errorf("vault: master key must be %d bytes, got %d", masterKeySize, len(masterKey))
	}
	v := &Vault{masterKey: make([]byte, masterKeySize)}
	copy(v.masterKey, masterKey)
	return v, nil
}

// purposeKey derives the DEK-wrapping key for a purpose from the master key.
// Purpose binding means a blob written for "wallet-key" cannot be opened by a
// caller asking for "api-credential" even with the same master key.
func purposeKey(masterKey []byte, purpose string) ([]byte, error) {
	r := hkdf.New(sha256.New, masterKey, nil, []byte("txpipeline/vault/"+purpose))
	key := make([]byte, dekSize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("vault: hkdf derive failed: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext for the given purpose and returns the storable blob:
// version || wrapNonce || wrapped_DEK || nonce || ciphertext || auth_tag.
func (v *Vault) Encrypt(plaintext []byte, purpose string) ([]byte, error) {
	v.mu.RLock()
	wrapKey, err := purposeKey(v.masterKey, purpose)
	v.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	defer Zero(wrapKey)

	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("vault: dek generation failed: %w", err)
	}
	defer Zero(dek)

	wrapGCM, err := newGCM(wrapKey)
	if err != nil {
		return nil, err
	}
	payloadGCM, err := newGCM(dek)
	if err != nil {
		return nil, err
	}

	wrapNonce := make([]byte, nonceSize)
	payloadNonce := make([]byte, nonceSize)
	if _, err := rand.Read(wrapNonce); err != nil {
		return nil, err
	}
	if _, err := rand.Read(payloadNonce); err != nil {
		return nil, err
	}

	wrappedDEK := wrapGCM.Seal(nil, wrapNonce, dek, []byte(purpose))
	ciphertext := payloadGCM.Seal(nil, payloadNonce, plaintext, nil)

	blob := make([]byte, 0, 1+nonceSize+len(wrappedDEK)+nonceSize+len(ciphertext))
	blob = append(blob, blobVersion)
	blob = append(blob, wrapNonce...)
	blob = append(blob, wrappedDEK...)
	blob = append(blob, payloadNonce...)
	blob = append(blob, ciphertext...)
	return blob, nil
}

// Decrypt opens a blob produced by Encrypt with the same purpose.
// Any tampering, truncation, or purpose mismatch yields ErrAuthentication.
func (v *Vault) Decrypt(blob []byte, purpose string) ([]byte, error) {
	v.mu.RLock()
	master := v.masterKey
	dek, payloadNonce, ciphertext, err := unwrapDEK(master, blob, purpose)
	v.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	defer Zero(dek)

	payloadGCM, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	plaintext, err := payloadGCM.Open(nil, payloadNonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	if plaintext == nil {
		// GCM opens an empty payload to a nil slice; always hand back non-nil
		plaintext = []byte{}
	}
	return plaintext, nil
}

// WithPlaintext decrypts a blob, hands the plaintext to fn, and zeroes it
// before returning. This is the scoped-acquisition path signing code must use
// so key material does not outlive the call.
func (v *Vault) WithPlaintext(blob []byte, purpose string, fn func(plaintext []byte) error) error {
	plaintext, err := v.Decrypt(blob, purpose)
	if err != nil {
		return err
	}
	defer Zero(plaintext)
	return fn(plaintext)
}

// RewrapBlob re-wraps a blob's DEK under a new master key without touching
// the payload ciphertext. Used during master key rotation.
func (v *Vault) RewrapBlob(blob []byte, purpose string, newMasterKey []byte) ([]byte, error) {
	if len(newMasterKey) != masterKeySize {
		return nil, fmt.Errorf("vault: new master key must be %d bytes", masterKeySize)
	}

	v.mu.RLock()
	dek, payloadNonce, ciphertext, err := unwrapDEK(v.masterKey, blob, purpose)
	v.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	defer Zero(dek)

	newWrapKey, err := purposeKey(newMasterKey, purpose)
	if err != nil {
		return nil, err
	}
	defer Zero(newWrapKey)

	wrapGCM, err := newGCM(newWrapKey)
	if err != nil {
		return nil, err
	}
	wrapNonce := make([]byte, nonceSize)
	if _, err := rand.Read(wrapNonce); err != nil {
		return nil, err
	}
	wrappedDEK := wrapGCM.Seal(nil, wrapNonce, dek, []byte(purpose))

	out := make([]byte, 0, 1+nonceSize+len(wrappedDEK)+nonceSize+len(ciphertext))
	out = append(out, blobVersion)
	out = append(out, wrapNonce...)
	out = append(out, wrappedDEK...)
	out = append(out, payloadNonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// AdoptMasterKey swaps in the new master key after every stored blob has been
// rewrapped. Callers must hold no plaintext across this call.
func (v *Vault) AdoptMasterKey(newMasterKey []byte) error {
	if len(newMasterKey) != masterKeySize {
		return fmt.Errorf("vault: new master key must be %d bytes", masterKeySize)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if subtle.ConstantTimeCompare(v.masterKey, newMasterKey) == 1 {
		return nil
	}
	Zero(v.masterKey)
	v.masterKey = make([]byte, masterKeySize)
	copy(v.masterKey, newMasterKey)
	return nil
}

// unwrapDEK parses a blob and recovers the DEK. Returned slices into the blob
// (payloadNonce, ciphertext) alias the input.
func unwrapDEK(masterKey, blob []byte, purpose string) (dek, payloadNonce, ciphertext []byte, err error) {
	if len(blob) < minBlobSize {
		return nil, nil, nil, ErrInvalidBlob
	}
	if blob[0] != blobVersion {
		return nil, nil, nil, ErrInvalidBlob
	}

	off := 1
	wrapNonce := blob[off : off+nonceSize]
	off += nonceSize
	wrappedDEK := blob[off : off+wrappedDEKSize]
	off += wrappedDEKSize
	payloadNonce = blob[off : off+nonceSize]
	off += nonceSize
	ciphertext = blob[off:]

	wrapKey, err := purposeKey(masterKey, purpose)
	if err != nil {
		return nil, nil, nil, err
	}
	defer Zero(wrapKey)

	wrapGCM, err := newGCM(wrapKey)
	if err != nil {
		return nil, nil, nil, err
	}
	dek, err = wrapGCM.Open(nil, wrapNonce, wrappedDEK, []byte(purpose))
	if err != nil {
		return nil, nil, nil, ErrAuthentication
	}
	return dek, payloadNonce, ciphertext, nil
}

// Zero overwrites a byte slice in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Purposes used by the pipeline. Keeping them in one place avoids a typo
// silently producing an undecryptable blob.
const (
	PurposeWalletKey     = "wallet-key"
	PurposeAPICredential = "api-credential"
	PurposeAPIMeta       = "api-credential-meta"
)
