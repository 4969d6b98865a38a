package models

import (
	"fmt"
	"time"
)

// TokenState is the lifecycle position of a Proof-of-Access token.
// MINT → ACTIVE → (optionally ALLOCATED) → REDEEMED or REVOKED.
// Tokens are never deleted; transitions are appended to the state file.
type TokenState string

const (
	TokenActive    TokenState = "ACTIVE"
	TokenAllocated TokenState = "ALLOCATED"
	TokenRedeemed  TokenState = "REDEEMED"
	TokenRevoked   TokenState = "REVOKED"
)

// Signature scheme versions carried on a token.
const (
	SigSchemeMLDSA65 = "mldsa65"
	SigSchemeRSA     = "rsa"
)

// TokenTransition records one lifecycle state change.
type TokenTransition struct {
	From TokenState `json:"from"`
	To   TokenState `json:"to"`
	At   time.Time  `json:"at"`
	Note string     `json:"note,omitempty"`
}

// Token binds an access grant to a hardware-serial identity and an issuing
// node class. The signature covers the canonical signing payload so a token
// presented on a different host fails verification.
type Token struct {
	TokenID              string            `json:"tokenId"`
	TokenClass           string            `json:"tokenClass"`
	IssuingSerialNumber  string            `json:"issuingSerialNumber"`
	Address              string            `json:"address"`
	Version              string            `json:"version"`
	KeyRotation          int               `json:"keyRotation"`
	Signature            []byte            `json:"signature"`
	MintedAt             time.Time         `json:"mintedAt"`
	State                TokenState        `json:"state"`
	AssociatedCarbonCost float64           `json:"associatedCarbonCost"`
	AllocatedTo          string            `json:"allocatedTo,omitempty"`
	Transitions          []TokenTransition `json:"transitions,omitempty"`
}

// Usable reports whether the token may authorize shard/bond operations.
func (t *Token) Usable() bool {
	return t.State == TokenActive || t.State == TokenAllocated
}

// SigningPayload is the byte string covered by the token signature. The
// issuing serial is embedded so cross-host presentation is rejected even
// when the attacker controls the plaintext blob.
func (t *Token) SigningPayload() []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%d",
		t.TokenID, t.TokenClass, t.IssuingSerialNumber, t.Address, t.MintedAt.UTC().UnixNano()))
}

// TokenBlob is the plaintext of the encrypted blob presented alongside a
// token at every operation boundary.
type TokenBlob struct {
	TokenID      string `json:"tokenId"`
	ClassTag     string `json:"classTag"`
	SerialNumber string `json:"serialNumber"`
	Nonce        string `json:"nonce"`
}

// TokenInvalidReason sub-codes of AccessDenied.
type TokenInvalidReason string

const (
	ReasonExpired      TokenInvalidReason = "expired"
	ReasonWrongHost    TokenInvalidReason = "wrongHost"
	ReasonReplay       TokenInvalidReason = "replay"
	ReasonRevoked      TokenInvalidReason = "revoked"
	ReasonBadSignature TokenInvalidReason = "badSignature"
	ReasonBadBlob      TokenInvalidReason = "badBlob"
	ReasonUnknownToken TokenInvalidReason = "unknownToken"
)

// ValidationResult is the outcome of presenting a token. Invalid tokens are
// a result, not a Go error — the caller decides fatality.
type ValidationResult struct {
	Valid  bool               `json:"valid"`
	Reason TokenInvalidReason `json:"reason,omitempty"`
	Token  *Token             `json:"token,omitempty"`
}

// AllocationReceipt proves an ACTIVE → ALLOCATED transition.
type AllocationReceipt struct {
	TokenID     string    `json:"tokenId"`
	IssuingNode string    `json:"issuingNode"`
	AllocatedAt time.Time `json:"allocatedAt"`
}

// PriceQuote is the pricing engine's output at a point in time.
type PriceQuote struct {
	BaseNodePrice      float64 `json:"baseNodePrice"`
	EffectiveNodePrice float64 `json:"effectiveNodePrice"`
	BaseTokenPrice     float64 `json:"baseTokenPrice"`
	AdjustedTokenPrice float64 `json:"adjustedTokenPrice"`
}
