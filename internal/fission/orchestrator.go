// Package fission is the top-level ingest controller: input validation,
// the token gate, sharding, distribution planning, and the transactional
// batch append onto the BIT particle logs.
package fission

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/ledger"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/sharder"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

// Result is the fission outcome returned to callers: the ledger address
// the atoms landed under, the per-object key the payload was sealed under,
// the atoms as appended (dense indices assigned), and the distribution
// plan.
type Result struct {
	Address         string                  `json:"address"`
	BatchID         string                  `json:"batchId"`
	Classification  models.Classification   `json:"classification"`
	Key             []byte                  `json:"key"`
	BitAtoms        []models.Atom           `json:"bitAtoms"`
	NodeAssignments []models.NodeAssignment `json:"nodeAssignments"`
}

// Orchestrator wires the fission pipeline over one sharder and one store.
type Orchestrator struct {
	sharder *sharder.Sharder
	store   *ledger.Store
	timeout time.Duration
}

// New builds the orchestrator. timeout bounds each Fission call when the
// caller's context carries no deadline of its own.
func New(sh *sharder.Sharder, store *ledger.Store, timeout time.Duration) *Orchestrator {
	return &Orchestrator{sharder: sh, store: store, timeout: timeout}
}

// Fission runs the full pipeline for one payload. Exactly one of payload
// and path must be set; path is read from disk. The batch append is
// transactional: a failure partway through quarantines the address's BIT
// logs with a compensating marker instead of leaving a silent partial
// batch.
func (o *Orchestrator) Fission(ctx context.Context, payload []byte, path, tokenID, blob string) (*Result, error) {
	if _, ok := ctx.Deadline(); !ok && o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	switch {
	case len(payload) > 0 && path != "":
		return nil, fmt.Errorf("%w: payload and path are mutually exclusive", models.ErrInvalidInput)
	case len(payload) == 0 && path == "":
		return nil, fmt.Errorf("%w: one of payload or path is required", models.ErrInvalidInput)
	case path != "":
		var err error
		payload, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", models.ErrInvalidInput, path, err)
		}
		if len(payload) == 0 {
			return nil, fmt.Errorf("%w: %s is empty", models.ErrInvalidInput, path)
		}
	}

	shard, err := o.sharder.Shard(ctx, payload, path, tokenID, blob)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		// Nothing appended yet, so expiring here leaves no partial state.
		return nil, fmt.Errorf("%w: %v", models.ErrDeadline, err)
	}

	appended := make([]models.Atom, 0, len(shard.BitAtoms))
	for _, atom := range shard.BitAtoms {
		a, _, aerr := o.store.AppendAtom(shard.Address, models.OpShard, tokenID, atom)
		if aerr != nil {
			return nil, o.compensate(shard, len(appended), aerr)
		}
		appended = append(appended, a)
	}

	if err := o.store.AppendAudit(shard.Address, models.AuditRecord{
		Op:        models.OpFission,
		Level:     models.LevelBit,
		AtomIndex: uint64(len(appended)),
		TokenID:   tokenID,
		BatchID:   shard.BatchID,
		Detail:    fmt.Sprintf("%s %.2fKB", shard.Classification.TypeTag, shard.Classification.SizeKB),
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return nil, o.compensate(shard, len(appended), err)
	}

	log.Printf("[Fission] Batch %s complete: %d bit atoms under %s", shard.BatchID, len(appended), shard.Address)
	return &Result{
		Address:         shard.Address,
		BatchID:         shard.BatchID,
		Classification:  shard.Classification,
		Key:             shard.Key,
		BitAtoms:        appended,
		NodeAssignments: shard.NodeAssignments,
	}, nil
}

// compensate marks a half-appended batch: the address's BIT logs are
// quarantined and a FISSION_QUARANTINE record lands on the audit chain so
// the partial batch is never bonded from.
func (o *Orchestrator) compensate(shard *models.ShardResult, appended int, cause error) error {
	reason := fmt.Sprintf("batch %s failed after %d of %d appends: %v", shard.BatchID, appended, len(shard.BitAtoms), cause)
	log.Printf("[Fission] ALERT: %s", reason)

	for _, particle := range models.BitParticles {
		if qerr := o.store.Quarantine(shard.Address, models.LevelBit, particle, reason); qerr != nil {
			log.Printf("[Fission] Quarantine marker (%s, %s) failed: %v", shard.Address, particle, qerr)
		}
	}
	if aerr := o.store.AppendAudit(shard.Address, models.AuditRecord{
		Op:        models.OpFissionQuarantine,
		Level:     models.LevelBit,
		AtomIndex: uint64(appended),
		TokenID:   shard.BitAtoms[0].TokenID,
		BatchID:   shard.BatchID,
		Detail:    reason,
		Timestamp: time.Now().UTC(),
	}); aerr != nil {
		log.Printf("[Fission] Compensation audit failed: %v", aerr)
	}
	return fmt.Errorf("batch %s quarantined: %w", shard.BatchID, cause)
}
