// Package token implements the Proof-of-Access registry: minting tokens
// bound to the hardware serial identity of the issuing host, validating
// presented encrypted blobs, and serializing lifecycle transitions. Token
// state lives in per-token JSON files under <root>/tokens/ and is never
// deleted, only transitioned.
package token

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/atomcrypto"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

// AuditFunc lets the registry record rejections and transitions on the
// per-address audit chain without owning the ledger.
type AuditFunc func(address string, rec models.AuditRecord)

// Registry issues, stores and validates Proof-of-Access tokens.
type Registry struct {
	dir        string
	keystore   *atomcrypto.Keystore
	hostSerial string
	audit      AuditFunc

	mu     sync.Mutex
	locks  map[string]*sync.Mutex // per-token transaction serialization
	byAddr map[string]bool        // address uniqueness
}

// NewRegistry opens the registry over <root>/tokens. hostSerial may be a
// config override; empty reads the hardware identity.
func NewRegistry(root string, ks *atomcrypto.Keystore, hostSerial string, audit AuditFunc) (*Registry, error) {
	dir := filepath.Join(root, "tokens")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("tokens dir: %w", err)
	}
	if hostSerial == "" {
		serial, err := ReadHardwareSerial()
		if err != nil {
			return nil, fmt.Errorf("hardware serial identity unreadable: %w", err)
		}
		hostSerial = serial
	}
	if audit == nil {
		audit = func(string, models.AuditRecord) {}
	}
	return &Registry{
		dir:        dir,
		keystore:   ks,
		hostSerial: hostSerial,
		audit:      audit,
		locks:      make(map[string]*sync.Mutex),
		byAddr:     make(map[string]bool),
	}, nil
}

// HostSerial reports the identity tokens are bound to on this node.
func (r *Registry) HostSerial() string { return r.hostSerial }

func (r *Registry) lockFor(tokenID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[tokenID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[tokenID] = l
	}
	return l
}

// deriveAddress hashes (classTag ‖ serial ‖ node salt) into the opaque
// per-registration address. Created once, never rewritten.
func (r *Registry) deriveAddress(classTag, serial string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(classTag))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(serial))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(r.keystore.AddressSalt())
	return hex.EncodeToString(h.Sum(nil)[:20])
}

// MintResult pairs a freshly minted token with the base64 presentation
// blob the caller must hold for later Proof-of-Access.
type MintResult struct {
	Token *models.Token `json:"token"`
	Blob  string        `json:"blob"`
}

// Mint issues a token of classTag bound to nodeSerial (empty means this
// host) with the carbon quote computed by the pricing engine. The serial
// is embedded in the signed payload so cross-host presentation fails.
func (r *Registry) Mint(classTag, nodeSerial string, carbonQuote float64) (*MintResult, error) {
	if classTag == "" {
		return nil, fmt.Errorf("%w: token class is required", models.ErrInvalidInput)
	}
	if nodeSerial == "" {
		nodeSerial = r.hostSerial
	}

	tok := &models.Token{
		TokenID:              uuid.NewString(),
		TokenClass:           classTag,
		IssuingSerialNumber:  nodeSerial,
		Address:              r.deriveAddress(classTag, nodeSerial),
		Version:              r.keystore.Scheme(),
		KeyRotation:          r.keystore.Rotation(),
		MintedAt:             time.Now().UTC(),
		State:                models.TokenActive,
		AssociatedCarbonCost: carbonQuote,
	}

	sig, err := r.keystore.Signer().Sign(tok.SigningPayload())
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	tok.Signature = sig

	if err := r.save(tok); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.byAddr[tok.Address] = true
	r.mu.Unlock()

	blob, err := r.sealBlob(tok)
	if err != nil {
		return nil, err
	}

	r.audit(tok.Address, models.AuditRecord{
		Op:        models.OpTokenMint,
		TokenID:   tok.TokenID,
		Detail:    classTag,
		Timestamp: tok.MintedAt,
	})
	log.Printf("[TokenRegistry] Minted token %s (class=%s scheme=%s cost=%.4f)",
		tok.TokenID, classTag, tok.Version, carbonQuote)

	return &MintResult{Token: tok, Blob: blob}, nil
}

// sealBlob AEAD-encrypts the presentation payload under the node key.
func (r *Registry) sealBlob(tok *models.Token) (string, error) {
	plain, err := json.Marshal(models.TokenBlob{
		TokenID:      tok.TokenID,
		ClassTag:     tok.TokenClass,
		SerialNumber: tok.IssuingSerialNumber,
		Nonce:        uuid.NewString(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal blob: %w", err)
	}
	env, err := atomcrypto.Encrypt(r.keystore.NodeKey(), plain)
	if err != nil {
		return "", fmt.Errorf("seal blob: %w", err)
	}
	packed := make([]byte, 0, len(env.IV)+len(env.Ciphertext)+len(env.AuthTag))
	packed = append(packed, env.IV...)
	packed = append(packed, env.Ciphertext...)
	packed = append(packed, env.AuthTag...)
	return base64.StdEncoding.EncodeToString(packed), nil
}

func (r *Registry) openBlob(blobB64 string) (*models.TokenBlob, error) {
	packed, err := base64.StdEncoding.DecodeString(blobB64)
	if err != nil {
		return nil, err
	}
	if len(packed) < atomcrypto.NonceSize+atomcrypto.TagSize {
		return nil, fmt.Errorf("blob too short")
	}
	env := atomcrypto.Envelope{
		IV:         packed[:atomcrypto.NonceSize],
		Ciphertext: packed[atomcrypto.NonceSize : len(packed)-atomcrypto.TagSize],
		AuthTag:    packed[len(packed)-atomcrypto.TagSize:],
	}
	plain, err := atomcrypto.Decrypt(r.keystore.NodeKey(), env)
	if err != nil {
		return nil, err
	}
	var blob models.TokenBlob
	if err := json.Unmarshal(plain, &blob); err != nil {
		return nil, err
	}
	return &blob, nil
}

// Validate checks a presented token against the Proof-of-Access contract:
// the blob decrypts under the node key, its embedded serial matches this
// host, the signature verifies under the version-appropriate primitive,
// and the lifecycle state permits use. Invalid tokens are a result, not an
// error; rejections land on the audit chain.
func (r *Registry) Validate(tokenID, blobB64 string) models.ValidationResult {
	tok, err := r.load(tokenID)
	if err != nil {
		return r.reject("", tokenID, models.ReasonUnknownToken)
	}

	blob, err := r.openBlob(blobB64)
	if err != nil {
		return r.reject(tok.Address, tokenID, models.ReasonBadBlob)
	}
	if blob.TokenID != tok.TokenID || blob.ClassTag != tok.TokenClass ||
		blob.SerialNumber != tok.IssuingSerialNumber {
		return r.reject(tok.Address, tokenID, models.ReasonBadBlob)
	}
	if blob.SerialNumber != r.hostSerial {
		return r.reject(tok.Address, tokenID, models.ReasonWrongHost)
	}
	// Verify under the signing key of the token's mint-time rotation so
	// tokens minted before a rotate-key stay verifiable.
	pub, err := r.keystore.PublicKeyFor(tok.KeyRotation)
	if err != nil {
		return r.reject(tok.Address, tokenID, models.ReasonBadSignature)
	}
	if !atomcrypto.VerifyDetached(tok.Version, pub, tok.SigningPayload(), tok.Signature) {
		return r.reject(tok.Address, tokenID, models.ReasonBadSignature)
	}

	switch tok.State {
	case models.TokenActive, models.TokenAllocated:
		return models.ValidationResult{Valid: true, Token: tok}
	case models.TokenRedeemed:
		return r.reject(tok.Address, tokenID, models.ReasonReplay)
	case models.TokenRevoked:
		return r.reject(tok.Address, tokenID, models.ReasonRevoked)
	default:
		return r.reject(tok.Address, tokenID, models.ReasonExpired)
	}
}

func (r *Registry) reject(address, tokenID string, reason models.TokenInvalidReason) models.ValidationResult {
	if address != "" {
		r.audit(address, models.AuditRecord{
			Op:        models.OpTokenReject,
			TokenID:   tokenID,
			Detail:    string(reason),
			Timestamp: time.Now().UTC(),
		})
	}
	log.Printf("[TokenRegistry] Rejected token %s: %s", tokenID, reason)
	return models.ValidationResult{Valid: false, Reason: reason}
}

// Allocate transitions ACTIVE → ALLOCATED for issuingNode. Re-allocation
// and cross-node allocation are rejected.
func (r *Registry) Allocate(tokenID, issuingNode string) (*models.AllocationReceipt, error) {
	lock := r.lockFor(tokenID)
	lock.Lock()
	defer lock.Unlock()

	tok, err := r.load(tokenID)
	if err != nil {
		return nil, err
	}
	if tok.State != models.TokenActive {
		return nil, fmt.Errorf("%w: allocate requires ACTIVE state, token is %s", models.ErrInvalidInput, tok.State)
	}
	if issuingNode != tok.IssuingSerialNumber {
		return nil, &models.AccessDeniedError{Reason: models.ReasonWrongHost}
	}
	now := time.Now().UTC()
	r.transition(tok, models.TokenAllocated, "allocated to "+issuingNode)
	tok.AllocatedTo = issuingNode
	if err := r.save(tok); err != nil {
		return nil, err
	}
	return &models.AllocationReceipt{TokenID: tokenID, IssuingNode: issuingNode, AllocatedAt: now}, nil
}

// Deallocate transitions ALLOCATED → ACTIVE.
func (r *Registry) Deallocate(tokenID, issuingNode string) error {
	lock := r.lockFor(tokenID)
	lock.Lock()
	defer lock.Unlock()

	tok, err := r.load(tokenID)
	if err != nil {
		return err
	}
	if tok.State != models.TokenAllocated {
		return fmt.Errorf("%w: deallocate requires ALLOCATED state, token is %s", models.ErrInvalidInput, tok.State)
	}
	if issuingNode != tok.AllocatedTo {
		return &models.AccessDeniedError{Reason: models.ReasonWrongHost}
	}
	r.transition(tok, models.TokenActive, "deallocated")
	tok.AllocatedTo = ""
	return r.save(tok)
}

// Redeem terminally consumes a token. Further USE is rejected as replay.
func (r *Registry) Redeem(tokenID string) error {
	lock := r.lockFor(tokenID)
	lock.Lock()
	defer lock.Unlock()

	tok, err := r.load(tokenID)
	if err != nil {
		return err
	}
	if !tok.Usable() {
		return fmt.Errorf("%w: redeem requires a usable token, state is %s", models.ErrInvalidInput, tok.State)
	}
	r.transition(tok, models.TokenRedeemed, "redeemed")
	return r.save(tok)
}

// Revoke terminally invalidates a token.
func (r *Registry) Revoke(tokenID, note string) error {
	lock := r.lockFor(tokenID)
	lock.Lock()
	defer lock.Unlock()

	tok, err := r.load(tokenID)
	if err != nil {
		return err
	}
	if tok.State == models.TokenRevoked || tok.State == models.TokenRedeemed {
		return fmt.Errorf("%w: token already terminal (%s)", models.ErrInvalidInput, tok.State)
	}
	r.transition(tok, models.TokenRevoked, note)
	return r.save(tok)
}

// Get loads a token record without validation.
func (r *Registry) Get(tokenID string) (*models.Token, error) {
	return r.load(tokenID)
}

// StateOf reports the lifecycle state of a token, for level validators.
func (r *Registry) StateOf(tokenID string) (models.TokenState, error) {
	tok, err := r.load(tokenID)
	if err != nil {
		return "", err
	}
	return tok.State, nil
}

func (r *Registry) transition(tok *models.Token, to models.TokenState, note string) {
	now := time.Now().UTC()
	tok.Transitions = append(tok.Transitions, models.TokenTransition{
		From: tok.State, To: to, At: now, Note: note,
	})
	tok.State = to
	r.audit(tok.Address, models.AuditRecord{
		Op:        models.OpTokenState,
		TokenID:   tok.TokenID,
		Detail:    fmt.Sprintf("%s->%s", tok.Transitions[len(tok.Transitions)-1].From, to),
		Timestamp: now,
	})
	log.Printf("[TokenRegistry] Token %s: %s -> %s", tok.TokenID, tok.Transitions[len(tok.Transitions)-1].From, to)
}

func (r *Registry) path(tokenID string) string {
	return filepath.Join(r.dir, tokenID+".json")
}

func (r *Registry) load(tokenID string) (*models.Token, error) {
	if _, err := uuid.Parse(tokenID); err != nil {
		return nil, fmt.Errorf("%w: malformed token id %q", models.ErrInvalidInput, tokenID)
	}
	raw, err := os.ReadFile(r.path(tokenID))
	if err != nil {
		return nil, fmt.Errorf("%w: token %s not found", models.ErrInvalidInput, tokenID)
	}
	var tok models.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("corrupt token file %s: %w", tokenID, err)
	}
	return &tok, nil
}

// save writes the token state file via temp + rename so a crash never
// leaves a half-written lifecycle record.
func (r *Registry) save(tok *models.Token) error {
	raw, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	tmp := r.path(tok.TokenID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return os.Rename(tmp, r.path(tok.TokenID))
}
