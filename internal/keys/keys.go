// Package keys holds the RSA key pair used to sign and verify access tokens.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingKey  = errors.New("keys: key material is empty")
	ErrNotRSA      = errors.New("keys: key is not an RSA key")
	ErrKeyMismatch = errors.New("keys: public key does not match private key")
)

// KeyStore exposes the signing and verification halves of a key pair.
// A verify-only store (see ParsePublic) has no private key.
type KeyStore struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
	kid     string
}

// Parse decodes base64-encoded PKCS8 private and X.509 public key material.
func Parse(privateB64, publicB64 string) (*KeyStore, error) {
	privDER, err := decodeMaterial(privateB64, "PRIVATE KEY", "RSA PRIVATE KEY")
	if err != nil {
		return nil, fmt.Errorf("keys: private: %w", err)
	}
	priv, err := parsePrivate(privDER)
	if err != nil {
		return nil, fmt.Errorf("keys: private: %w", err)
	}
	store, err := ParsePublic(publicB64)
	if err != nil {
		return nil, err
	}
	if !priv.PublicKey.Equal(store.public) {
		return nil, ErrKeyMismatch
	}
	store.private = priv
	return store, nil
}

// ParsePublic builds a verify-only KeyStore.
func ParsePublic(publicB64 string) (*KeyStore, error) {
	pubDER, err := decodeMaterial(publicB64, "PUBLIC KEY", "RSA PUBLIC KEY")
	if err != nil {
		return nil, fmt.Errorf("keys: public: %w", err)
	}
	pub, err := parsePublic(pubDER)
	if err != nil {
		return nil, fmt.Errorf("keys: public: %w", err)
	}
	return &KeyStore{public: pub, kid: thumbprint(pub)}, nil
}

// Generate creates a fresh key pair. Intended for tests and local bootstrap.
func Generate(bits int) (*KeyStore, error) {
	if bits <= 0 {
		bits = 2048
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return &KeyStore{private: priv, public: &priv.PublicKey, kid: thumbprint(&priv.PublicKey)}, nil
}

// Encode returns the base64 PKCS8 private and X.509 public encodings, the
// same shape Parse accepts.
func (k *KeyStore) Encode() (privateB64, publicB64 string, err error) {
	if k.private != nil {
		der, err := x509.MarshalPKCS8PrivateKey(k.private)
		if err != nil {
			return "", "", err
		}
		privateB64 = base64.StdEncoding.EncodeToString(der)
	}
	der, err := x509.MarshalPKIXPublicKey(k.public)
	if err != nil {
		return "", "", err
	}
	return privateB64, base64.StdEncoding.EncodeToString(der), nil
}

func (k *KeyStore) Private() *rsa.PrivateKey { return k.private }
func (k *KeyStore) Public() *rsa.PublicKey   { return k.public }
func (k *KeyStore) CanSign() bool            { return k != nil && k.private != nil }

// KeyID is a short thumbprint of the public key, embedded as the JWT kid.
func (k *KeyStore) KeyID() string { return k.kid }

func decodeMaterial(raw string, pemTypes ...string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissingKey
	}
	if strings.HasPrefix(raw, "-----BEGIN") {
		block, _ := pem.Decode([]byte(raw))
		if block == nil {
			return nil, errors.New("invalid PEM block")
		}
		for _, t := range pemTypes {
			if block.Type == t {
				return block.Bytes, nil
			}
		}
		return nil, fmt.Errorf("unsupported PEM type %s", block.Type)
	}
	raw = strings.Join(strings.Fields(raw), "")
	if der, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return der, nil
	}
	der, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(raw, "="))
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return der, nil
}

func parsePrivate(der []byte) (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		if pkcs1, err1 := x509.ParsePKCS1PrivateKey(der); err1 == nil {
			return pkcs1, nil
		}
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSA
	}
	return rsaKey, nil
}

func parsePublic(der []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		if pkcs1, err1 := x509.ParsePKCS1PublicKey(der); err1 == nil {
			return pkcs1, nil
		}
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, ErrNotRSA
	}
	return rsaKey, nil
}

func thumbprint(pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:8])
}
