package atomcrypto

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Keystore owns the per-node key material under <root>/keys/: the node
// AEAD key (token blobs), the ledger tamper key (HMAC), the address salt,
// and the token signing keypair. Keys are read-only to every component;
// rotation is exclusive and serialized here.
type Keystore struct {
	dir string

	mu       sync.RWMutex
	nodeKey  []byte
	hmacKey  []byte
	salt     []byte
	signer   Signer
	scheme   string
	rotation int
}

type keystoreMeta struct {
	Scheme    string    `json:"scheme"`
	Rotation  int       `json:"rotation"`
	RotatedAt time.Time `json:"rotatedAt"`
}

// OpenKeystore loads the key material from dir, generating any missing
// keys on first start. scheme selects the signing primitive for newly
// generated keypairs.
func OpenKeystore(dir, scheme string) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keystore dir: %w", err)
	}
	ks := &Keystore{dir: dir, scheme: scheme}

	var err error
	if ks.nodeKey, err = ks.loadOrCreateSecret("node.key", KeySize); err != nil {
		return nil, err
	}
	if ks.hmacKey, err = ks.loadOrCreateSecret("tamper.key", 64); err != nil {
		return nil, err
	}
	if ks.salt, err = ks.loadOrCreateSecret("address.salt", 16); err != nil {
		return nil, err
	}

	metaPath := filepath.Join(dir, "meta.json")
	if raw, err := os.ReadFile(metaPath); err == nil {
		var meta keystoreMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("keystore meta: %w", err)
		}
		privBytes, err := os.ReadFile(filepath.Join(dir, "sig.key"))
		if err != nil {
			return nil, fmt.Errorf("signing key: %w", err)
		}
		ks.signer, err = LoadSigner(meta.Scheme, privBytes)
		if err != nil {
			return nil, err
		}
		ks.scheme = meta.Scheme
		ks.rotation = meta.Rotation
		return ks, nil
	}

	if err := ks.generateSigner(scheme, 0); err != nil {
		return nil, err
	}
	return ks, nil
}

// NodeKey returns the AEAD key used to seal token presentation blobs.
func (ks *Keystore) NodeKey() []byte {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.nodeKey
}

// TamperKeySecret returns the HMAC-SHA-512 key for ledger entry bodies.
func (ks *Keystore) TamperKeySecret() []byte {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.hmacKey
}

// AddressSalt is the per-node uniqueSalt mixed into address derivation.
func (ks *Keystore) AddressSalt() []byte {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.salt
}

// Signer returns the active token signing primitive.
func (ks *Keystore) Signer() Signer {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.signer
}

// Scheme reports the active signing scheme name.
func (ks *Keystore) Scheme() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.scheme
}

// RotateSigningKey generates a fresh keypair under the same scheme. The
// previous keypair is retained on disk as sig.key.<rotation> so existing
// token signatures stay verifiable.
func (ks *Keystore) RotateSigningKey() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	old := filepath.Join(ks.dir, "sig.key")
	if _, err := os.Stat(old); err == nil {
		retired := fmt.Sprintf("%s.%d", old, ks.rotation)
		if err := os.Rename(old, retired); err != nil {
			return fmt.Errorf("retire signing key: %w", err)
		}
		if err := os.Rename(filepath.Join(ks.dir, "sig.pub"),
			fmt.Sprintf("%s.%d", filepath.Join(ks.dir, "sig.pub"), ks.rotation)); err != nil {
			return fmt.Errorf("retire public key: %w", err)
		}
	}
	if err := ks.generateSigner(ks.scheme, ks.rotation+1); err != nil {
		return err
	}
	log.Printf("[Keystore] Signing key rotated (scheme=%s rotation=%d)", ks.scheme, ks.rotation)
	return nil
}

// PublicKeyFor returns the serialized public key for a rotation
// generation, letting validation of pre-rotation tokens succeed.
func (ks *Keystore) PublicKeyFor(rotation int) ([]byte, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if rotation == ks.rotation {
		return ks.signer.PublicKeyBytes(), nil
	}
	pub, err := os.ReadFile(fmt.Sprintf("%s.%d", filepath.Join(ks.dir, "sig.pub"), rotation))
	if err != nil {
		return nil, fmt.Errorf("public key for rotation %d: %w", rotation, err)
	}
	return pub, nil
}

// Rotation reports the current key generation.
func (ks *Keystore) Rotation() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.rotation
}

// generateSigner creates and persists a fresh keypair. Caller holds the
// write lock (or is the constructor).
func (ks *Keystore) generateSigner(scheme string, rotation int) error {
	signer, err := NewSigner(scheme)
	if err != nil {
		return err
	}
	if err := writeFileSync(filepath.Join(ks.dir, "sig.key"), signer.PrivateKeyBytes(), 0o600); err != nil {
		return fmt.Errorf("write signing key: %w", err)
	}
	if err := writeFileSync(filepath.Join(ks.dir, "sig.pub"), signer.PublicKeyBytes(), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	meta, _ := json.Marshal(keystoreMeta{Scheme: scheme, Rotation: rotation, RotatedAt: time.Now().UTC()})
	if err := writeFileSync(filepath.Join(ks.dir, "meta.json"), meta, 0o644); err != nil {
		return fmt.Errorf("write keystore meta: %w", err)
	}
	ks.signer = signer
	ks.scheme = scheme
	ks.rotation = rotation
	return nil
}

func (ks *Keystore) loadOrCreateSecret(name string, size int) ([]byte, error) {
	path := filepath.Join(ks.dir, name)
	if raw, err := os.ReadFile(path); err == nil {
		if len(raw) != size {
			return nil, fmt.Errorf("%s: expected %d bytes, found %d", name, size, len(raw))
		}
		return raw, nil
	}
	secret := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("generate %s: %w", name, err)
	}
	if err := writeFileSync(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("write %s: %w", name, err)
	}
	return secret, nil
}

// writeFileSync writes via temp file + fsync + atomic rename so a crash
// never leaves a truncated key on disk.
func writeFileSync(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
