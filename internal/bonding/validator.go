package bonding

import (
	"fmt"

	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

// TokenStates is the slice of the token registry the level validators
// need: lifecycle state lookups.
type TokenStates interface {
	StateOf(tokenID string) (models.TokenState, error)
}

// Validator is the level contract applied to a candidate batch before a
// bond commits. The only per-level variation is the fan-in constant; one
// parameterized implementation replaces the per-level copies of the
// original system.
type Validator func(level models.Level, groups map[models.Particle][]models.Atom) error

// NewLevelValidator checks batch shape and Proof-of-Access liveness: each
// channel supplies exactly FanIn constituents of the expected level, in
// dense index order, and every referenced token is ACTIVE or ALLOCATED.
func NewLevelValidator(tokens TokenStates) Validator {
	return func(level models.Level, groups map[models.Particle][]models.Atom) error {
		fanin := level.FanIn()
		want := level.Prev().Channels()
		if len(groups) != len(want) {
			return fmt.Errorf("%w: expected %d channels, got %d", models.ErrValidatorRejected, len(want), len(groups))
		}
		seenTokens := map[string]models.TokenState{}
		for _, particle := range want {
			atoms, ok := groups[particle]
			if !ok {
				return fmt.Errorf("%w: missing %s channel", models.ErrValidatorRejected, particle)
			}
			if len(atoms) != fanin {
				return fmt.Errorf("%w: %s channel has %d atoms, need %d", models.ErrValidatorRejected, particle, len(atoms), fanin)
			}
			for i, a := range atoms {
				if a.Level != level.Prev() {
					return fmt.Errorf("%w: %s[%d] is level %s, expected %s", models.ErrValidatorRejected, particle, i, a.Level, level.Prev())
				}
				if i > 0 && a.Index != atoms[i-1].Index+1 {
					return fmt.Errorf("%w: %s channel indices not dense at %d", models.ErrValidatorRejected, particle, a.Index)
				}
				state, ok := seenTokens[a.TokenID]
				if !ok {
					var err error
					state, err = tokens.StateOf(a.TokenID)
					if err != nil {
						return fmt.Errorf("%w: token %s unresolvable: %v", models.ErrValidatorRejected, a.TokenID, err)
					}
					seenTokens[a.TokenID] = state
				}
				if state != models.TokenActive && state != models.TokenAllocated {
					return fmt.Errorf("%w: token %s is %s", models.ErrValidatorRejected, a.TokenID, state)
				}
			}
		}
		return nil
	}
}
