package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"golang.org/x/crypto/nacl/box"
)

func testKey(t *testing.T) *SecretKey {
	t.Helper()
	var key SecretKey
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return &key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)
	ciphertext, err := Encrypt(key, []byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	plaintext, ok := Decrypt(key, ciphertext)
	if !ok || string(plaintext) != "hello" {
		t.Fatalf("round trip failed: %q %v", plaintext, ok)
	}
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	ciphertext, err := Encrypt(testKey(t), []byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, ok := Decrypt(testKey(t), ciphertext); ok {
		t.Fatalf("wrong key opened ciphertext")
	}
}

func TestDecrypt_GarbageFails(t *testing.T) {
	key := testKey(t)
	if _, ok := Decrypt(key, "not base64 !!"); ok {
		t.Fatalf("garbage accepted")
	}
	if _, ok := Decrypt(key, base64.StdEncoding.EncodeToString([]byte("short"))); ok {
		t.Fatalf("truncated ciphertext accepted")
	}
}

func TestDecryptJSON(t *testing.T) {
	key := testKey(t)
	ciphertext, err := EncryptJSON(key, map[string]any{"name": "session"})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	var out map[string]any
	if !DecryptJSON(key, ciphertext, &out) {
		t.Fatalf("decrypt failed")
	}
	if out["name"] != "session" {
		t.Fatalf("unexpected %v", out)
	}
}

func TestDecodeSecretKey(t *testing.T) {
	key := testKey(t)
	decoded, err := DecodeSecretKey(base64.StdEncoding.EncodeToString(key[:]))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *decoded != *key {
		t.Fatalf("key mismatch")
	}
	if _, err := DecodeSecretKey("dG9vc2hvcnQ="); err == nil {
		t.Fatalf("short key accepted")
	}
}

func TestOpenSealedKey(t *testing.T) {
	recipientPub, recipientPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	senderPub, senderPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}

	dataKey := testKey(t)
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	sealed := append(append(append([]byte{}, senderPub[:]...), nonce[:]...),
		box.Seal(nil, dataKey[:], &nonce, recipientPub, senderPriv)...)

	opened, ok := OpenSealedKey(recipientPub, recipientPriv, base64.StdEncoding.EncodeToString(sealed))
	if !ok {
		t.Fatalf("open failed")
	}
	if *opened != *dataKey {
		t.Fatalf("unsealed key mismatch")
	}

	if _, ok := OpenSealedKey(recipientPub, recipientPriv, "AAAA"); ok {
		t.Fatalf("truncated sealed key accepted")
	}
}

func TestKeyCacheFallback(t *testing.T) {
	account := testKey(t)
	entity := testKey(t)

	cache := NewKeyCache(account)
	cache.Put("s1", entity)

	if got, ok := cache.Get("s1"); !ok || *got != *entity {
		t.Fatalf("entity key lookup failed")
	}
	if got, ok := cache.Get("unknown"); !ok || *got != *account {
		t.Fatalf("account fallback failed")
	}

	cache.Drop("s1")
	if got, ok := cache.Get("s1"); !ok || *got != *account {
		t.Fatalf("drop should fall back to account key")
	}

	none := NewKeyCache(nil)
	if _, ok := none.Get("s1"); ok {
		t.Fatalf("empty cache returned a key")
	}
}
