package atomcrypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

// Signer is the pluggable asymmetric primitive behind token signatures.
// The default is the lattice scheme ML-DSA-65 (NIST level 3); RSA-SHA-256
// remains available for legacy tokens. Verify returns a boolean and never
// panics on malformed input.
type Signer interface {
	Scheme() string
	Sign(msg []byte) ([]byte, error)
	Verify(msg, sig []byte) bool
	PublicKeyBytes() []byte
	PrivateKeyBytes() []byte
}

// NewSigner generates a fresh keypair for the named scheme.
func NewSigner(scheme string) (Signer, error) {
	switch scheme {
	case "mldsa65":
		pub, priv, err := mldsa65.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("mldsa65 keygen: %w", err)
		}
		return &mldsaSigner{pub: pub, priv: priv}, nil
	case "rsa":
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("rsa keygen: %w", err)
		}
		return &rsaSigner{priv: priv}, nil
	default:
		return nil, fmt.Errorf("unknown signature scheme %q", scheme)
	}
}

// LoadSigner reconstructs a signer from serialized key material.
func LoadSigner(scheme string, privBytes []byte) (Signer, error) {
	switch scheme {
	case "mldsa65":
		priv := new(mldsa65.PrivateKey)
		if err := priv.UnmarshalBinary(privBytes); err != nil {
			return nil, fmt.Errorf("mldsa65 private key: %w", err)
		}
		pub, ok := priv.Public().(*mldsa65.PublicKey)
		if !ok {
			return nil, fmt.Errorf("mldsa65 private key has no public half")
		}
		return &mldsaSigner{pub: pub, priv: priv}, nil
	case "rsa":
		priv, err := x509.ParsePKCS1PrivateKey(privBytes)
		if err != nil {
			return nil, fmt.Errorf("rsa private key: %w", err)
		}
		return &rsaSigner{priv: priv}, nil
	default:
		return nil, fmt.Errorf("unknown signature scheme %q", scheme)
	}
}

// VerifyDetached checks a signature against a serialized public key for
// the named scheme, for peers that only hold the public half.
func VerifyDetached(scheme string, pubBytes, msg, sig []byte) bool {
	switch scheme {
	case "mldsa65":
		pub := new(mldsa65.PublicKey)
		if err := pub.UnmarshalBinary(pubBytes); err != nil {
			return false
		}
		return mldsa65.Verify(pub, msg, nil, sig)
	case "rsa":
		pub, err := x509.ParsePKCS1PublicKey(pubBytes)
		if err != nil {
			return false
		}
		digest := sha256.Sum256(msg)
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
	default:
		return false
	}
}

type mldsaSigner struct {
	pub  *mldsa65.PublicKey
	priv *mldsa65.PrivateKey
}

func (s *mldsaSigner) Scheme() string { return "mldsa65" }

func (s *mldsaSigner) Sign(msg []byte) ([]byte, error) {
	sig := make([]byte, mldsa65.SignatureSize)
	if err := mldsa65.SignTo(s.priv, msg, nil, false, sig); err != nil {
		return nil, fmt.Errorf("mldsa65 sign: %w", err)
	}
	return sig, nil
}

func (s *mldsaSigner) Verify(msg, sig []byte) bool {
	if len(sig) != mldsa65.SignatureSize {
		return false
	}
	return mldsa65.Verify(s.pub, msg, nil, sig)
}

func (s *mldsaSigner) PublicKeyBytes() []byte {
	b, _ := s.pub.MarshalBinary()
	return b
}

func (s *mldsaSigner) PrivateKeyBytes() []byte {
	b, _ := s.priv.MarshalBinary()
	return b
}

type rsaSigner struct {
	priv *rsa.PrivateKey
}

func (s *rsaSigner) Scheme() string { return "rsa" }

func (s *rsaSigner) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("rsa sign: %w", err)
	}
	return sig, nil
}

func (s *rsaSigner) Verify(msg, sig []byte) bool {
	digest := sha256.Sum256(msg)
	return rsa.VerifyPKCS1v15(&s.priv.PublicKey, crypto.SHA256, digest[:], sig) == nil
}

func (s *rsaSigner) PublicKeyBytes() []byte {
	return x509.MarshalPKCS1PublicKey(&s.priv.PublicKey)
}

func (s *rsaSigner) PrivateKeyBytes() []byte {
	return x509.MarshalPKCS1PrivateKey(s.priv)
}
