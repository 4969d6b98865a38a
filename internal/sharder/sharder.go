// Package sharder implements the fission front half: token-gated
// classification, per-object AEAD encryption, and the explosion of the
// ciphertext into tagged bit atoms.
package sharder

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/atomcrypto"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/distribution"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

// TokenValidator is the Proof-of-Access gate ahead of every shard.
type TokenValidator interface {
	Validate(tokenID, blob string) models.ValidationResult
}

// BackpressureFunc reports whether the ledger is too slow to accept new
// shard work right now.
type BackpressureFunc func() bool

// Sharder explodes payloads into bit atoms.
type Sharder struct {
	tokens  TokenValidator
	planner *distribution.Planner
	slow    BackpressureFunc

	mu     sync.Mutex
	rng    *rand.Rand
	seeded bool
}

// New builds a sharder. When seedSet, the frequency PRNG is seeded and the
// per-object key and IV are drawn from the same seeded stream, so identical
// inputs give bit-exact shard output — required for verification rigs.
func New(tokens TokenValidator, planner *distribution.Planner, slow BackpressureFunc, seed int64, seedSet bool) *Sharder {
	src := rand.NewSource(time.Now().UnixNano())
	if seedSet {
		src = rand.NewSource(seed)
	}
	if slow == nil {
		slow = func() bool { return false }
	}
	return &Sharder{
		tokens:  tokens,
		planner: planner,
		slow:    slow,
		rng:     rand.New(src),
		seeded:  seedSet,
	}
}

// Shard validates the token, classifies and encrypts the payload, and
// emits 8·len(ciphertext) bit atoms with particle rotation and seeded
// frequencies. The path argument only informs classification.
func (s *Sharder) Shard(ctx context.Context, payload []byte, path, tokenID, blob string) (*models.ShardResult, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", models.ErrInvalidInput)
	}
	if s.slow() {
		return nil, fmt.Errorf("%w: ledger write latency above threshold", models.ErrTemporarilyUnavailable)
	}

	res := s.tokens.Validate(tokenID, blob)
	if !res.Valid {
		return nil, &models.AccessDeniedError{Reason: res.Reason}
	}
	tok := res.Token

	classification, err := Classify(path, payload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	var key []byte
	var env atomcrypto.Envelope
	if s.seeded {
		// Reproducible mode: key and IV drawn from the seeded PRNG stream,
		// in that order.
		key = make([]byte, atomcrypto.KeySize)
		iv := make([]byte, atomcrypto.NonceSize)
		if _, rerr := io.ReadFull(s.rng, key); rerr != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("seeded key: %w", rerr)
		}
		if _, rerr := io.ReadFull(s.rng, iv); rerr != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("seeded iv: %w", rerr)
		}
		env, err = atomcrypto.EncryptWithIV(key, iv, payload)
	} else {
		key, err = atomcrypto.GenerateKey()
		if err == nil {
			env, err = atomcrypto.Encrypt(key, payload)
		}
	}
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	batchID := uuid.NewString()
	now := time.Now().UTC()
	atoms := make([]models.Atom, 0, 8*len(env.Ciphertext))
	for i := 0; i < 8*len(env.Ciphertext); i++ {
		bit := (env.Ciphertext[i/8] >> (7 - i%8)) & 1
		atoms = append(atoms, models.Atom{
			Level:     models.LevelBit,
			Particle:  models.BitParticles[i%3],
			Bit:       bit,
			Frequency: models.Round2(1 + s.rng.Float64()*999),
			Timestamp: now,
			TokenID:   tok.TokenID,
			IV:        env.IV,
			AuthTag:   env.AuthTag,
			BatchID:   batchID,
		})
	}
	s.mu.Unlock()

	assignments, err := s.planner.Plan(ctx, tok.Address, atoms, tok.TokenID)
	if err != nil {
		return nil, err
	}

	log.Printf("[Sharder] Batch %s: %d bit atoms (%s, %.2f KB) over %d assignments",
		batchID, len(atoms), classification.TypeTag, classification.SizeKB, len(assignments))

	return &models.ShardResult{
		Address:         tok.Address,
		BatchID:         batchID,
		Classification:  classification,
		Key:             key,
		BitAtoms:        atoms,
		NodeAssignments: assignments,
	}, nil
}
