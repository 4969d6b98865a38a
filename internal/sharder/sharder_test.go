package sharder

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/atomcrypto"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/distribution"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

// fakeTokens always answers with a fixed validation result.
type fakeTokens struct {
	result models.ValidationResult
}

func (f *fakeTokens) Validate(tokenID, blob string) models.ValidationResult {
	return f.result
}

func validTokens() *fakeTokens {
	return &fakeTokens{result: models.ValidationResult{
		Valid: true,
		Token: &models.Token{
			TokenID: "9a1c2e3d-0000-0000-0000-00000000beef",
			Address: "addr-test",
			State:   models.TokenActive,
		},
	}}
}

func newTestSharder(tokens TokenValidator, slow BackpressureFunc) *Sharder {
	planner := distribution.New([]string{"node-a:9001", "node-b:9001"}, nil)
	return New(tokens, planner, slow, 0, true)
}

func TestShardExplodesPayloadIntoBitAtoms(t *testing.T) {
	s := newTestSharder(validTokens(), nil)

	res, err := s.Shard(context.Background(), []byte("A"), "", "tok", "blob")
	if err != nil {
		t.Fatal(err)
	}

	// One plaintext byte gives one ciphertext byte, hence 8 bit atoms.
	if len(res.BitAtoms) != 8 {
		t.Fatalf("got %d bit atoms for a 1-byte payload, want 8", len(res.BitAtoms))
	}
	if res.Address != "addr-test" {
		t.Errorf("address = %s", res.Address)
	}
	if res.BatchID == "" {
		t.Error("batch id missing")
	}
	if res.Classification.TypeTag != "text" {
		t.Errorf("classification = %s, want text", res.Classification.TypeTag)
	}

	wantParticles := []models.Particle{"proton", "neutron", "electron", "proton", "neutron", "electron", "proton", "neutron"}
	for i, atom := range res.BitAtoms {
		if atom.Level != models.LevelBit {
			t.Errorf("atom %d level = %s", i, atom.Level)
		}
		if atom.Particle != wantParticles[i] {
			t.Errorf("atom %d particle = %s, want %s", i, atom.Particle, wantParticles[i])
		}
		if atom.Bit > 1 {
			t.Errorf("atom %d bit = %d", i, atom.Bit)
		}
		if atom.Frequency < 1 || atom.Frequency >= 1000 {
			t.Errorf("atom %d frequency %v out of [1,1000)", i, atom.Frequency)
		}
		if atom.TokenID != "9a1c2e3d-0000-0000-0000-00000000beef" {
			t.Errorf("atom %d not tagged with the presented token", i)
		}
		if len(atom.IV) == 0 || len(atom.AuthTag) == 0 || atom.BatchID != res.BatchID {
			t.Errorf("atom %d missing encryption envelope fields", i)
		}
	}

	if len(res.NodeAssignments) != 8 {
		t.Fatalf("got %d node assignments, want 8", len(res.NodeAssignments))
	}
}

func TestShardSeededFrequenciesAreReproducible(t *testing.T) {
	a := newTestSharder(validTokens(), nil)
	b := newTestSharder(validTokens(), nil)

	resA, err := a.Shard(context.Background(), []byte("same input"), "", "tok", "blob")
	if err != nil {
		t.Fatal(err)
	}
	resB, err := b.Shard(context.Background(), []byte("same input"), "", "tok", "blob")
	if err != nil {
		t.Fatal(err)
	}

	if len(resA.BitAtoms) != len(resB.BitAtoms) {
		t.Fatal("seeded runs produced different atom counts")
	}
	if !bytes.Equal(resA.Key, resB.Key) {
		t.Error("seeded runs drew different per-object keys")
	}
	for i := range resA.BitAtoms {
		if resA.BitAtoms[i].Bit != resB.BitAtoms[i].Bit {
			t.Fatalf("atom %d bit differs across seeded runs: %d vs %d",
				i, resA.BitAtoms[i].Bit, resB.BitAtoms[i].Bit)
		}
		if resA.BitAtoms[i].Frequency != resB.BitAtoms[i].Frequency {
			t.Fatalf("atom %d frequency differs across seeded runs: %v vs %v",
				i, resA.BitAtoms[i].Frequency, resB.BitAtoms[i].Frequency)
		}
	}
}

func TestShardKeyRecoversPayload(t *testing.T) {
	s := newTestSharder(validTokens(), nil)

	payload := []byte("recoverable payload")
	res, err := s.Shard(context.Background(), payload, "", "tok", "blob")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Key) != atomcrypto.KeySize {
		t.Fatalf("key length = %d, want %d", len(res.Key), atomcrypto.KeySize)
	}

	// Reassemble the ciphertext from the bit atoms, MSB first.
	ct := make([]byte, len(res.BitAtoms)/8)
	for i, atom := range res.BitAtoms {
		ct[i/8] |= atom.Bit << (7 - i%8)
	}
	plain, err := atomcrypto.Decrypt(res.Key, atomcrypto.Envelope{
		IV:         res.BitAtoms[0].IV,
		Ciphertext: ct,
		AuthTag:    res.BitAtoms[0].AuthTag,
	})
	if err != nil {
		t.Fatalf("reassembled batch does not decrypt under the returned key: %v", err)
	}
	if !bytes.Equal(plain, payload) {
		t.Error("decrypted batch differs from the original payload")
	}
}

func TestShardRejections(t *testing.T) {
	t.Run("invalid token", func(t *testing.T) {
		denied := &fakeTokens{result: models.ValidationResult{Valid: false, Reason: models.ReasonReplay}}
		s := newTestSharder(denied, nil)
		_, err := s.Shard(context.Background(), []byte("x"), "", "tok", "blob")
		if !errors.Is(err, models.ErrAccessDenied) {
			t.Errorf("got %v, want ErrAccessDenied", err)
		}
		var ad *models.AccessDeniedError
		if !errors.As(err, &ad) || ad.Reason != models.ReasonReplay {
			t.Errorf("sub-code lost: %v", err)
		}
	})

	t.Run("empty payload", func(t *testing.T) {
		s := newTestSharder(validTokens(), nil)
		if _, err := s.Shard(context.Background(), nil, "", "tok", "blob"); !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("got %v, want ErrInvalidInput", err)
		}
	})

	t.Run("backpressure", func(t *testing.T) {
		s := newTestSharder(validTokens(), func() bool { return true })
		if _, err := s.Shard(context.Background(), []byte("x"), "", "tok", "blob"); !errors.Is(err, models.ErrTemporarilyUnavailable) {
			t.Errorf("got %v, want ErrTemporarilyUnavailable", err)
		}
	})

	t.Run("empty roster", func(t *testing.T) {
		s := New(validTokens(), distribution.New(nil, nil), nil, 0, true)
		if _, err := s.Shard(context.Background(), []byte("x"), "", "tok", "blob"); !errors.Is(err, models.ErrNoNodesAvailable) {
			t.Errorf("got %v, want ErrNoNodesAvailable", err)
		}
	})
}
