// Package mining maintains the bounce-rate mirror: a read-side projection
// of every atom append, recording the 1000/frequency mining metric in
// mirror chains under mining/. The mirror is derived state and can be
// rebuilt bit-exactly from the primary ledger at any time.
package mining

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/ledger"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

// BounceRecord is the body of one mirror-chain record. Infinite marks a
// non-positive frequency, where 1000/f has no finite value.
type BounceRecord struct {
	Address    string           `json:"address"`
	Level      models.Level     `json:"level"`
	Particle   models.Particle  `json:"particle"`
	AtomIndex  uint64           `json:"atomIndex"`
	Frequency  models.Frequency `json:"frequency"`
	BounceRate models.Frequency `json:"bounceRate"`
	Infinite   bool             `json:"infinite,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	PrevHash   string           `json:"prevHash"`
}

// Monitor tails the primary ledger and appends one bounce record per atom.
// Appends arrive via subscription; the poll tick catches anything dropped
// by a full subscriber buffer.
type Monitor struct {
	store        *ledger.Store
	pollInterval time.Duration

	mu      sync.Mutex
	mirrors map[string]*ledger.ChainLog
}

// NewMonitor builds the bounce-rate monitor over store.
func NewMonitor(store *ledger.Store, pollInterval time.Duration) *Monitor {
	return &Monitor{
		store:        store,
		pollInterval: pollInterval,
		mirrors:      make(map[string]*ledger.ChainLog),
	}
}

func (m *Monitor) mirrorPath(addr string, level models.Level, particle models.Particle) string {
	return filepath.Join(m.store.Root(), "mining", addr, level.String(), string(particle)+".log")
}

func (m *Monitor) mirror(addr string, level models.Level, particle models.Particle) (*ledger.ChainLog, error) {
	path := m.mirrorPath(addr, level, particle)
	m.mu.Lock()
	defer m.mu.Unlock()
	if cl, ok := m.mirrors[path]; ok {
		return cl, nil
	}
	cl, err := ledger.OpenChainLog(path)
	if err != nil {
		return nil, err
	}
	m.mirrors[path] = cl
	return cl, nil
}

// Run tails the ledger until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	log.Printf("[Mining] Bounce-rate monitor starting (poll=%s)", m.pollInterval)

	events := m.store.Subscribe()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	m.catchUp()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Mining] Monitor stopping")
			return
		case ev := <-events:
			if err := m.catchUpLog(ev.Address, ev.Level, ev.Particle); err != nil {
				log.Printf("[Mining] Mirror append (%s, %s, %s) failed: %v", ev.Address, ev.Level, ev.Particle, err)
			}
		case <-ticker.C:
			m.catchUp()
		}
	}
}

// catchUp walks every known log and mirrors any records the subscription
// missed.
func (m *Monitor) catchUp() {
	addrs, err := m.store.Addresses()
	if err != nil {
		log.Printf("[Mining] Address discovery failed: %v", err)
		return
	}
	for _, addr := range addrs {
		for level := models.LevelBit; level <= models.LevelTB; level++ {
			for _, particle := range level.Channels() {
				if err := m.catchUpLog(addr, level, particle); err != nil {
					log.Printf("[Mining] Catch-up (%s, %s, %s) failed: %v", addr, level, particle, err)
				}
			}
		}
	}
}

// catchUpLog mirrors records [mirror.Count, primary.Count) of one log.
func (m *Monitor) catchUpLog(addr string, level models.Level, particle models.Particle) error {
	primary, err := m.store.Count(addr, level, particle)
	if err != nil {
		return err
	}
	if primary == 0 {
		return nil
	}
	cl, err := m.mirror(addr, level, particle)
	if err != nil {
		return err
	}
	for cl.Count() < primary {
		from := cl.Count()
		want := primary - from
		if want > 256 {
			want = 256
		}
		atoms, err := m.store.ReadRange(addr, level, particle, from, want)
		if err != nil {
			return err
		}
		if len(atoms) == 0 {
			return nil
		}
		for _, atom := range atoms {
			rate, finite := atom.Frequency.BounceRate()
			rec := BounceRecord{
				Address:    addr,
				Level:      level,
				Particle:   particle,
				AtomIndex:  atom.Index,
				Frequency:  atom.Frequency,
				BounceRate: rate,
				Infinite:   !finite,
				Timestamp:  atom.Timestamp,
			}
			if _, err := cl.AppendWith(func(prev [ledger.HashSize]byte) ([]byte, error) {
				rec.PrevHash = hex.EncodeToString(prev[:])
				return json.Marshal(rec)
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Read returns up to count bounce records of one mirror starting at offset.
func (m *Monitor) Read(addr string, level models.Level, particle models.Particle, offset, count uint64) ([]BounceRecord, error) {
	cl, err := m.mirror(addr, level, particle)
	if err != nil {
		return nil, err
	}
	bodies, err := cl.ReadBodies(offset, count)
	if err != nil {
		return nil, err
	}
	recs := make([]BounceRecord, 0, len(bodies))
	for _, body := range bodies {
		var rec BounceRecord
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, fmt.Errorf("%w: corrupt bounce record: %v", models.ErrLedgerInvariant, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Count reports the mirror length of one log.
func (m *Monitor) Count(addr string, level models.Level, particle models.Particle) (uint64, error) {
	cl, err := m.mirror(addr, level, particle)
	if err != nil {
		return 0, err
	}
	return cl.Count(), nil
}

// Rebuild deletes every mirror chain of addr and regenerates it from the
// primary ledger. Mirror contents are a pure function of the primary
// record order, so the rebuilt files are bit-exact.
func (m *Monitor) Rebuild(addr string) error {
	for level := models.LevelBit; level <= models.LevelTB; level++ {
		for _, particle := range level.Channels() {
			path := m.mirrorPath(addr, level, particle)
			m.mu.Lock()
			delete(m.mirrors, path)
			m.mu.Unlock()
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("%w: drop mirror: %v", models.ErrLedgerIO, err)
			}
			if err := m.catchUpLog(addr, level, particle); err != nil {
				return err
			}
		}
	}
	log.Printf("[Mining] Mirror rebuilt for %s", addr)
	return nil
}

// Verify re-validates every mirror chain of an address.
func (m *Monitor) Verify(addr string) error {
	for level := models.LevelBit; level <= models.LevelTB; level++ {
		for _, particle := range level.Channels() {
			path := m.mirrorPath(addr, level, particle)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				continue
			}
			cl, err := m.mirror(addr, level, particle)
			if err != nil {
				return err
			}
			if err := cl.Verify(); err != nil {
				return err
			}
		}
	}
	return nil
}
