// Package bonding implements the hierarchical aggregation engine: one
// parameterized bonder per (address, level) consumes FanIn same-level
// atoms per particle channel and emits one higher-level atom, under a
// durable bond intent so a crash between consumption and the higher
// append is detected and quarantined rather than silently losing atoms.
package bonding

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/ledger"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

// Bonder state machine values.
const (
	StateIdle       = "IDLE"
	StateWaiting    = "WAITING"
	StateBonding    = "BONDING"
	StateQuarantine = "BONDQUARANTINE"
)

// Bonder aggregates level-1 atoms of one address into one output level.
// It is the single consumer of its lower-level logs; the scheduler runs
// exactly one bonder per (address, level).
type Bonder struct {
	store     *ledger.Store
	tokens    TokenStates
	validator Validator
	address   string
	level     models.Level // output level

	state atomic.Value // string
}

// NewBonder builds the bonder for (address, level). level must be above
// BIT.
func NewBonder(store *ledger.Store, tokens TokenStates, address string, level models.Level) *Bonder {
	b := &Bonder{
		store:     store,
		tokens:    tokens,
		validator: NewLevelValidator(tokens),
		address:   address,
		level:     level,
	}
	b.state.Store(StateIdle)
	return b
}

// State reports the bonder's state machine position.
func (b *Bonder) State() string { return b.state.Load().(string) }

// Recover inspects a leftover bond intent after a restart. A bond that
// consumed lower levels but never appended its output quarantines the
// pair; a bond that completed (or never started consuming) is cleaned up.
func (b *Bonder) Recover() error {
	intent, err := b.store.LoadBondIntent(b.address, b.level)
	if err != nil {
		return err
	}
	if intent == nil {
		return nil
	}

	count, err := b.store.Count(b.address, b.level, models.ParticleComposite)
	if err != nil {
		return err
	}
	if count > intent.OutputIndex {
		// Crash after the append: the bond completed, finish bookkeeping.
		for particle, target := range intent.Consume {
			if err := b.store.MarkConsumed(b.address, b.level.Prev(), particle, target); err != nil {
				return err
			}
		}
		log.Printf("[Bonder %s/%s] Completed interrupted bond #%d during recovery", b.address, b.level, intent.OutputIndex)
		return b.store.ClearBondIntent(b.address, b.level)
	}

	consumedAny := false
	for particle, target := range intent.Consume {
		consumed, err := b.store.Consumed(b.address, b.level.Prev(), particle)
		if err != nil {
			return err
		}
		// The staged target is preBondCursor + FanIn; any cursor past the
		// pre-bond position means consumption started.
		if consumed > target-uint64(b.level.FanIn()) {
			consumedAny = true
		}
	}
	if consumedAny {
		b.state.Store(StateQuarantine)
		log.Printf("[Bonder %s/%s] ALERT: lower levels consumed without higher append, quarantined pending replay", b.address, b.level)
		return nil
	}
	// Intent staged but nothing consumed: the bond never started, retry
	// from scratch.
	return b.store.ClearBondIntent(b.address, b.level)
}

// TryBond attempts one bond pass. ErrInsufficientAtoms is the normal
// waiting outcome, not a failure.
func (b *Bonder) TryBond(ctx context.Context) (*models.Atom, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDeadline, err)
	}
	if b.State() == StateQuarantine {
		return nil, fmt.Errorf("%w: (%s, %s) requires operator replay", models.ErrBondQuarantine, b.address, b.level)
	}

	fanin := uint64(b.level.FanIn())
	channels := b.level.Prev().Channels()

	// Trigger rule: every channel must hold a full fan-in.
	for _, particle := range channels {
		avail, err := b.store.CountAvailable(b.address, b.level.Prev(), particle)
		if err != nil {
			return nil, err
		}
		if avail < fanin {
			b.state.Store(StateWaiting)
			return nil, fmt.Errorf("%w: %s channel has %d of %d", models.ErrInsufficientAtoms, particle, avail, fanin)
		}
	}

	b.state.Store(StateBonding)
	defer func() {
		if b.State() == StateBonding {
			b.state.Store(StateIdle)
		}
	}()

	// Single transaction view: this bonder is the only consumer of these
	// logs, so reads from the consumed cursor observe no interleaved
	// consumption.
	groups := make(map[models.Particle][]models.Atom, len(channels))
	targets := make(map[models.Particle]uint64, len(channels))
	for _, particle := range channels {
		consumed, err := b.store.Consumed(b.address, b.level.Prev(), particle)
		if err != nil {
			return nil, err
		}
		atoms, err := b.store.ReadRange(b.address, b.level.Prev(), particle, consumed, fanin)
		if err != nil {
			return nil, err
		}
		groups[particle] = atoms
		targets[particle] = consumed + fanin
	}

	if err := b.validator(b.level, groups); err != nil {
		return nil, err
	}

	flat := make([][]models.Atom, 0, len(channels))
	for _, particle := range channels {
		flat = append(flat, groups[particle])
	}
	first := groups[channels[0]][0]

	refs := make([]models.AtomRef, 0, int(fanin)*len(channels))
	for _, particle := range channels {
		for _, a := range groups[particle] {
			refs = append(refs, models.AtomRef{Level: a.Level, Particle: a.Particle, Index: a.Index})
		}
	}

	outputIndex, err := b.store.Count(b.address, b.level, models.ParticleComposite)
	if err != nil {
		return nil, err
	}

	atom := models.Atom{
		Level:        b.level,
		Index:        outputIndex,
		Particle:     models.ParticleComposite,
		Frequency:    models.MeanFrequency(flat...),
		Timestamp:    first.Timestamp,
		TokenID:      first.TokenID,
		AtomicWeight: int(fanin),
		Constituents: refs,
	}

	// Stage the intent, consume, then append. A crash in the gap is
	// caught by Recover and surfaces as BondQuarantine.
	intent := ledger.BondIntent{
		Address:     b.address,
		Level:       b.level,
		OutputIndex: outputIndex,
		Consume:     targets,
		Atom:        atom,
		TokenID:     first.TokenID,
	}
	if err := b.store.WriteBondIntent(intent); err != nil {
		return nil, err
	}

	for _, particle := range channels {
		if err := b.store.MarkConsumed(b.address, b.level.Prev(), particle, targets[particle]); err != nil {
			b.state.Store(StateQuarantine)
			return nil, fmt.Errorf("%w: consumption failed mid-bond: %v", models.ErrBondQuarantine, err)
		}
	}

	appended, entryHash, err := b.store.AppendAtom(b.address, models.OpBond, first.TokenID, atom)
	if err != nil {
		b.state.Store(StateQuarantine)
		log.Printf("[Bonder %s/%s] ALERT: append failed after consumption, quarantined: %v", b.address, b.level, err)
		return nil, fmt.Errorf("%w: %v", models.ErrBondQuarantine, err)
	}

	if err := b.store.AppendAudit(b.address, models.AuditRecord{
		Op:        models.OpBond,
		Level:     b.level,
		Particle:  models.ParticleComposite,
		AtomIndex: appended.Index,
		TokenID:   appended.TokenID,
		Detail:    entryHash,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		log.Printf("[Bonder %s/%s] Audit append failed: %v", b.address, b.level, err)
	}

	if err := b.store.ClearBondIntent(b.address, b.level); err != nil {
		return nil, err
	}

	log.Printf("[Bonder %s/%s] Bonded atom #%d (weight=%d freq=%s)",
		b.address, b.level, appended.Index, appended.AtomicWeight, appended.Frequency)
	return &appended, nil
}

// ReplayQuarantine is the operator action completing a quarantined bond
// from its staged intent: cursors are advanced idempotently to the staged
// targets and the output atom appended.
func (b *Bonder) ReplayQuarantine() (*models.Atom, error) {
	intent, err := b.store.LoadBondIntent(b.address, b.level)
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, fmt.Errorf("%w: no staged intent for (%s, %s)", models.ErrInvalidInput, b.address, b.level)
	}

	for particle, target := range intent.Consume {
		if err := b.store.MarkConsumed(b.address, b.level.Prev(), particle, target); err != nil {
			return nil, err
		}
	}
	appended, _, err := b.store.AppendAtom(b.address, models.OpBond, intent.TokenID, intent.Atom)
	if err != nil {
		return nil, err
	}
	if err := b.store.ClearBondIntent(b.address, b.level); err != nil {
		return nil, err
	}
	b.state.Store(StateIdle)
	log.Printf("[Bonder %s/%s] Quarantine replay complete, atom #%d restored", b.address, b.level, appended.Index)
	return &appended, nil
}

// errIsRetryable reports whether a bond error should back off and retry
// rather than halt the loop.
func errIsRetryable(err error) bool {
	return errors.Is(err, models.ErrValidatorRejected) || errors.Is(err, models.ErrLedgerIO)
}
