// Package crypto wraps the NaCl primitives used for the partially-encrypted
// store. Decryption failures are reported as ok=false so one undecryptable
// item never blocks its siblings.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var ErrInvalidKey = errors.New("invalid key material")

// SecretKey is a 32-byte symmetric data key.
type SecretKey = [32]byte

// DecodeSecretKey parses a base64-encoded 32-byte key.
func DecodeSecretKey(b64 string) (*SecretKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidKey
	}
	var key SecretKey
	copy(key[:], raw)
	return &key, nil
}

// Encrypt seals plaintext with a random nonce and returns
// base64(nonce || ciphertext).
func Encrypt(key *SecretKey, plaintext []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens base64(nonce || ciphertext). ok is false on any failure.
func Decrypt(key *SecretKey, b64 string) (plaintext []byte, ok bool) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) < nonceSize {
		return nil, false
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	return secretbox.Open(nil, raw[nonceSize:], &nonce, key)
}

// DecryptJSON opens a ciphertext and unmarshals the plaintext into v.
func DecryptJSON(key *SecretKey, b64 string, v any) bool {
	plaintext, ok := Decrypt(key, b64)
	if !ok {
		return false
	}
	return json.Unmarshal(plaintext, v) == nil
}

// EncryptJSON marshals v and seals it.
func EncryptJSON(key *SecretKey, v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return Encrypt(key, plaintext)
}

// OpenSealedKey unwraps a per-entity data key that the server stores sealed
// to the account keypair: base64(ephemeralPub || nonce || box).
func OpenSealedKey(recipientPub, recipientPriv *[32]byte, b64 string) (*SecretKey, bool) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) < 32+nonceSize {
		return nil, false
	}
	var senderPub [32]byte
	copy(senderPub[:], raw[:32])
	var nonce [nonceSize]byte
	copy(nonce[:], raw[32:32+nonceSize])

	opened, ok := box.Open(nil, raw[32+nonceSize:], &nonce, &senderPub, recipientPriv)
	if !ok || len(opened) != 32 {
		return nil, false
	}
	var key SecretKey
	copy(key[:], opened)
	return &key, true
}
