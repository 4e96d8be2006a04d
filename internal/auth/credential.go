package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"

	"golang.org/x/crypto/nacl/box"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrMissingCredential = errors.New("missing credential")
)

// Credential is the client's account identity: an ed25519 keypair for
// challenge-response auth, a NaCl box keypair other devices seal data keys
// to, and the bearer token issued by the server.
type Credential struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	BoxPublic  *[32]byte
	BoxPrivate *[32]byte
	// SecretKeyB64 is the account-wide symmetric key shared during pairing.
	// Empty until the device has been linked.
	SecretKeyB64 string
	Token        string
}

type credentialFile struct {
	PublicKey     string `json:"publicKey"`
	PrivateKey    string `json:"privateKey"`
	BoxPublicKey  string `json:"boxPublicKey"`
	BoxPrivateKey string `json:"boxPrivateKey"`
	SecretKey     string `json:"secretKey,omitempty"`
	Token         string `json:"token,omitempty"`
}

// NewCredential generates fresh keypairs.
func NewCredential() (*Credential, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	boxPub, boxPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Credential{
		PublicKey:  pub,
		PrivateKey: priv,
		BoxPublic:  boxPub,
		BoxPrivate: boxPriv,
	}, nil
}

// SignChallenge signs a base64 challenge from the server and returns the
// base64 signature the server's verification expects.
func (c *Credential) SignChallenge(challengeB64 string) (string, error) {
	challenge, err := base64.StdEncoding.DecodeString(challengeB64)
	if err != nil || len(challenge) == 0 {
		return "", ErrInvalidCredential
	}
	sig := ed25519.Sign(c.PrivateKey, challenge)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// PublicKeyB64 is the base64 form the server keys accounts by.
func (c *Credential) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(c.PublicKey)
}

// LoadCredential reads a credential file written by SaveCredential.
func LoadCredential(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMissingCredential
		}
		return nil, err
	}

	var file credentialFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, ErrInvalidCredential
	}
	pub, err := base64.StdEncoding.DecodeString(file.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, ErrInvalidCredential
	}
	priv, err := base64.StdEncoding.DecodeString(file.PrivateKey)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidCredential
	}
	boxPub, err := base64.StdEncoding.DecodeString(file.BoxPublicKey)
	if err != nil || len(boxPub) != 32 {
		return nil, ErrInvalidCredential
	}
	boxPriv, err := base64.StdEncoding.DecodeString(file.BoxPrivateKey)
	if err != nil || len(boxPriv) != 32 {
		return nil, ErrInvalidCredential
	}
	cred := &Credential{
		PublicKey:    ed25519.PublicKey(pub),
		PrivateKey:   ed25519.PrivateKey(priv),
		BoxPublic:    new([32]byte),
		BoxPrivate:   new([32]byte),
		SecretKeyB64: file.SecretKey,
		Token:        file.Token,
	}
	copy(cred.BoxPublic[:], boxPub)
	copy(cred.BoxPrivate[:], boxPriv)
	return cred, nil
}

// SaveCredential persists the credential with owner-only permissions.
func SaveCredential(path string, c *Credential) error {
	file := credentialFile{
		PublicKey:  base64.StdEncoding.EncodeToString(c.PublicKey),
		PrivateKey: base64.StdEncoding.EncodeToString(c.PrivateKey),
		SecretKey:  c.SecretKeyB64,
		Token:      c.Token,
	}
	if c.BoxPublic != nil && c.BoxPrivate != nil {
		file.BoxPublicKey = base64.StdEncoding.EncodeToString(c.BoxPublic[:])
		file.BoxPrivateKey = base64.StdEncoding.EncodeToString(c.BoxPrivate[:])
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
