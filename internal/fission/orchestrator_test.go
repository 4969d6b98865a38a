package fission

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/distribution"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/ledger"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/sharder"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

const fissionTestToken = "7b2d4a90-0000-0000-0000-000000000099"

type grantAll struct{}

func (grantAll) Validate(tokenID, blob string) models.ValidationResult {
	return models.ValidationResult{
		Valid: true,
		Token: &models.Token{
			TokenID: fissionTestToken,
			Address: "addr-fission",
			State:   models.TokenActive,
		},
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *ledger.Store) {
	t.Helper()
	store, err := ledger.Open(t.TempDir(), bytes.Repeat([]byte{0xC}, 64))
	if err != nil {
		t.Fatal(err)
	}
	planner := distribution.New([]string{"n1", "n2"}, nil)
	sh := sharder.New(grantAll{}, planner, nil, 42, true)
	return New(sh, store, 30*time.Second), store
}

func TestFissionAppendsFullBatch(t *testing.T) {
	o, store := newTestOrchestrator(t)

	payload := []byte("hello, fission")
	res, err := o.Fission(context.Background(), payload, "", fissionTestToken, "blob")
	if err != nil {
		t.Fatal(err)
	}

	// GCM keeps the plaintext length, so 8 atoms per payload byte.
	want := 8 * len(payload)
	if len(res.BitAtoms) != want {
		t.Fatalf("got %d bit atoms, want %d", len(res.BitAtoms), want)
	}
	if res.Address != "addr-fission" {
		t.Errorf("address = %s", res.Address)
	}

	// Appended atoms carry dense per-channel indices and entry hashes.
	var total uint64
	for _, particle := range models.BitParticles {
		count, err := store.Count("addr-fission", models.LevelBit, particle)
		if err != nil {
			t.Fatal(err)
		}
		total += count
		if err := store.VerifyChain("addr-fission", models.LevelBit, particle); err != nil {
			t.Errorf("%s chain invalid: %v", particle, err)
		}
	}
	if total != uint64(want) {
		t.Errorf("ledger holds %d atoms across channels, want %d", total, want)
	}

	// One FISSION record closes out the batch on the audit chain.
	recs, err := store.ReadAudit("addr-fission", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, rec := range recs {
		if rec.Op == models.OpFission && rec.BatchID == res.BatchID {
			found = true
			if rec.AtomIndex != uint64(want) {
				t.Errorf("audit atom count = %d, want %d", rec.AtomIndex, want)
			}
		}
	}
	if !found {
		t.Error("no FISSION audit record for the batch")
	}
}

func TestFissionReadsFromPath(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	path := filepath.Join(t.TempDir(), "input.txt")
	if err := os.WriteFile(path, []byte("file payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := o.Fission(context.Background(), nil, path, fissionTestToken, "blob")
	if err != nil {
		t.Fatal(err)
	}
	if res.Classification.TypeTag != "text" {
		t.Errorf("classification = %s, want text", res.Classification.TypeTag)
	}
	if len(res.BitAtoms) != 8*len("file payload") {
		t.Errorf("got %d atoms", len(res.BitAtoms))
	}
}

func TestFissionInputValidation(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	if _, err := o.Fission(ctx, []byte("x"), "/tmp/also-a-path", fissionTestToken, "b"); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("both inputs gave %v, want ErrInvalidInput", err)
	}
	if _, err := o.Fission(ctx, nil, "", fissionTestToken, "b"); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("no input gave %v, want ErrInvalidInput", err)
	}
	if _, err := o.Fission(ctx, nil, filepath.Join(t.TempDir(), "missing.txt"), fissionTestToken, "b"); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("unreadable path gave %v, want ErrInvalidInput", err)
	}
}

func TestFissionCancelledContextLeavesNoPartialState(t *testing.T) {
	o, store := newTestOrchestrator(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Fission(ctx, []byte("payload"), "", fissionTestToken, "blob")
	if !errors.Is(err, models.ErrDeadline) {
		t.Fatalf("cancelled context gave %v, want ErrDeadline", err)
	}

	for _, particle := range models.BitParticles {
		count, _ := store.Count("addr-fission", models.LevelBit, particle)
		if count != 0 {
			t.Errorf("%s channel holds %d atoms after a cancelled run", particle, count)
		}
	}
}
