package token

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/atomcrypto"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

const testSerial = "TEST-SERIAL-001"

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	root := t.TempDir()
	ks, err := atomcrypto.OpenKeystore(root+"/keys", "rsa")
	if err != nil {
		t.Fatal(err)
	}
	reg, err := NewRegistry(root, ks, testSerial, nil)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestMintAndValidate(t *testing.T) {
	reg := newTestRegistry(t)

	minted, err := reg.Mint("HQ", "", 9.75)
	if err != nil {
		t.Fatal(err)
	}
	tok := minted.Token
	if tok.State != models.TokenActive {
		t.Errorf("fresh token state = %s, want ACTIVE", tok.State)
	}
	if tok.IssuingSerialNumber != testSerial {
		t.Errorf("issuing serial = %s, want %s", tok.IssuingSerialNumber, testSerial)
	}
	if tok.Address == "" || len(tok.Signature) == 0 {
		t.Error("minted token missing address or signature")
	}
	if tok.AssociatedCarbonCost != 9.75 {
		t.Errorf("carbon cost = %v, want 9.75", tok.AssociatedCarbonCost)
	}

	res := reg.Validate(tok.TokenID, minted.Blob)
	if !res.Valid {
		t.Fatalf("freshly minted token invalid: %s", res.Reason)
	}
	if res.Token.Address != tok.Address {
		t.Error("validation returned a different token record")
	}
}

func TestAddressIsStablePerClassAndSerial(t *testing.T) {
	reg := newTestRegistry(t)

	a, _ := reg.Mint("HQ", "", 0)
	b, _ := reg.Mint("HQ", "", 0)
	c, _ := reg.Mint("BRANCH", "", 0)

	if a.Token.Address != b.Token.Address {
		t.Error("same (class, serial) must derive the same address")
	}
	if a.Token.Address == c.Token.Address {
		t.Error("different class must derive a different address")
	}
}

func TestValidateRejections(t *testing.T) {
	reg := newTestRegistry(t)

	t.Run("unknown token", func(t *testing.T) {
		res := reg.Validate(uuid.NewString(), "AAAA")
		if res.Valid || res.Reason != models.ReasonUnknownToken {
			t.Errorf("got %+v, want unknownToken", res)
		}
	})

	t.Run("malformed token id", func(t *testing.T) {
		res := reg.Validate("not-a-uuid", "AAAA")
		if res.Valid || res.Reason != models.ReasonUnknownToken {
			t.Errorf("got %+v, want unknownToken", res)
		}
	})

	t.Run("tampered blob", func(t *testing.T) {
		minted, _ := reg.Mint("HQ", "", 0)
		raw, _ := base64.StdEncoding.DecodeString(minted.Blob)
		raw[len(raw)/2] ^= 0xFF
		res := reg.Validate(minted.Token.TokenID, base64.StdEncoding.EncodeToString(raw))
		if res.Valid || res.Reason != models.ReasonBadBlob {
			t.Errorf("got %+v, want badBlob", res)
		}
	})

	t.Run("wrong host", func(t *testing.T) {
		minted, _ := reg.Mint("HQ", "OTHER-HOST-99", 0)
		res := reg.Validate(minted.Token.TokenID, minted.Blob)
		if res.Valid || res.Reason != models.ReasonWrongHost {
			t.Errorf("got %+v, want wrongHost", res)
		}
	})

	t.Run("replay after redeem", func(t *testing.T) {
		minted, _ := reg.Mint("HQ", "", 0)
		if err := reg.Redeem(minted.Token.TokenID); err != nil {
			t.Fatal(err)
		}
		res := reg.Validate(minted.Token.TokenID, minted.Blob)
		if res.Valid || res.Reason != models.ReasonReplay {
			t.Errorf("got %+v, want replay", res)
		}
	})

	t.Run("revoked", func(t *testing.T) {
		minted, _ := reg.Mint("HQ", "", 0)
		if err := reg.Revoke(minted.Token.TokenID, "compromised"); err != nil {
			t.Fatal(err)
		}
		res := reg.Validate(minted.Token.TokenID, minted.Blob)
		if res.Valid || res.Reason != models.ReasonRevoked {
			t.Errorf("got %+v, want revoked", res)
		}
	})
}

func TestAllocationLifecycle(t *testing.T) {
	reg := newTestRegistry(t)
	minted, _ := reg.Mint("HQ", "", 0)
	id := minted.Token.TokenID

	// Allocation is bound to the issuing node.
	if _, err := reg.Allocate(id, "SOMEONE-ELSE"); !errors.Is(err, models.ErrAccessDenied) {
		t.Errorf("cross-node allocate gave %v, want ErrAccessDenied", err)
	}

	receipt, err := reg.Allocate(id, testSerial)
	if err != nil {
		t.Fatal(err)
	}
	if receipt.IssuingNode != testSerial {
		t.Errorf("receipt node = %s", receipt.IssuingNode)
	}
	if state, _ := reg.StateOf(id); state != models.TokenAllocated {
		t.Errorf("state = %s, want ALLOCATED", state)
	}

	// ALLOCATED tokens still pass validation.
	if res := reg.Validate(id, minted.Blob); !res.Valid {
		t.Errorf("allocated token invalid: %s", res.Reason)
	}

	// Double allocation is rejected.
	if _, err := reg.Allocate(id, testSerial); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("double allocate gave %v, want ErrInvalidInput", err)
	}

	if err := reg.Deallocate(id, testSerial); err != nil {
		t.Fatal(err)
	}
	if state, _ := reg.StateOf(id); state != models.TokenActive {
		t.Errorf("state after deallocate = %s, want ACTIVE", state)
	}

	// Transition history accumulates, never rewrites.
	tok, _ := reg.Get(id)
	if len(tok.Transitions) != 2 {
		t.Errorf("expected 2 recorded transitions, got %d", len(tok.Transitions))
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	reg := newTestRegistry(t)

	minted, _ := reg.Mint("HQ", "", 0)
	if err := reg.Redeem(minted.Token.TokenID); err != nil {
		t.Fatal(err)
	}
	if err := reg.Redeem(minted.Token.TokenID); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("second redeem gave %v, want ErrInvalidInput", err)
	}
	if err := reg.Revoke(minted.Token.TokenID, ""); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("revoke of redeemed token gave %v, want ErrInvalidInput", err)
	}
}

func TestValidateSurvivesKeyRotation(t *testing.T) {
	root := t.TempDir()
	ks, err := atomcrypto.OpenKeystore(root+"/keys", "rsa")
	if err != nil {
		t.Fatal(err)
	}
	reg, err := NewRegistry(root, ks, testSerial, nil)
	if err != nil {
		t.Fatal(err)
	}

	old, err := reg.Mint("HQ", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if old.Token.KeyRotation != ks.Rotation() {
		t.Errorf("minted token rotation = %d, keystore at %d", old.Token.KeyRotation, ks.Rotation())
	}

	if err := ks.RotateSigningKey(); err != nil {
		t.Fatal(err)
	}

	// Pre-rotation tokens verify under their mint-time key.
	if res := reg.Validate(old.Token.TokenID, old.Blob); !res.Valid {
		t.Errorf("pre-rotation token invalid after rotate: %s", res.Reason)
	}

	// Fresh mints record and verify under the new rotation.
	fresh, err := reg.Mint("HQ", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Token.KeyRotation != old.Token.KeyRotation+1 {
		t.Errorf("post-rotation mint rotation = %d, want %d", fresh.Token.KeyRotation, old.Token.KeyRotation+1)
	}
	if res := reg.Validate(fresh.Token.TokenID, fresh.Blob); !res.Valid {
		t.Errorf("post-rotation token invalid: %s", res.Reason)
	}
}

func TestTokenPersistsAcrossRegistryOpens(t *testing.T) {
	root := t.TempDir()
	ks, err := atomcrypto.OpenKeystore(root+"/keys", "rsa")
	if err != nil {
		t.Fatal(err)
	}
	reg1, err := NewRegistry(root, ks, testSerial, nil)
	if err != nil {
		t.Fatal(err)
	}
	minted, err := reg1.Mint("HQ", "", 1.5)
	if err != nil {
		t.Fatal(err)
	}

	reg2, err := NewRegistry(root, ks, testSerial, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := reg2.Validate(minted.Token.TokenID, minted.Blob)
	if !res.Valid {
		t.Errorf("token invalid after registry reopen: %s", res.Reason)
	}
}
