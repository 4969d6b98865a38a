package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

// BondIntent is the durable record a bonder stages before consuming lower
// levels. A crash between consumption and the higher-level append leaves
// the intent behind; recovery inspects it and either completes the bond or
// quarantines the (address, level) pair for operator replay.
type BondIntent struct {
	Address     string                     `json:"address"`
	Level       models.Level               `json:"level"`
	OutputIndex uint64                     `json:"outputIndex"`
	Consume     map[models.Particle]uint64 `json:"consume"` // absolute target cursors at Level-1
	Atom        models.Atom                `json:"atom"`
	TokenID     string                     `json:"tokenId"`
}

func (s *Store) intentPath(addr string, level models.Level) string {
	return filepath.Join(s.root, "ledger", addr, level.String(), "bond.intent")
}

// WriteBondIntent durably stages a bond before any consumption happens.
func (s *Store) WriteBondIntent(intent BondIntent) error {
	body, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	path := s.intentPath(intent.Address, intent.Level)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: intent dir: %v", models.ErrLedgerIO, err)
	}
	if err := writeFileSync(path, body); err != nil {
		return fmt.Errorf("%w: stage intent: %v", models.ErrLedgerIO, err)
	}
	return nil
}

// LoadBondIntent returns the staged intent for (addr, level), or nil when
// none is pending.
func (s *Store) LoadBondIntent(addr string, level models.Level) (*BondIntent, error) {
	raw, err := os.ReadFile(s.intentPath(addr, level))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read intent: %v", models.ErrLedgerIO, err)
	}
	var intent BondIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return nil, fmt.Errorf("%w: corrupt intent: %v", models.ErrLedgerInvariant, err)
	}
	return &intent, nil
}

// ClearBondIntent removes a completed intent.
func (s *Store) ClearBondIntent(addr string, level models.Level) error {
	err := os.Remove(s.intentPath(addr, level))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: clear intent: %v", models.ErrLedgerIO, err)
	}
	return nil
}
