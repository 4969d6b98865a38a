package bonding

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/ledger"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

// backoff bounds for validator rejections and transient I/O errors.
const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second
)

// Scheduler owns one worker task per (address, level) bonder. Workers
// wake on append notifications or the poll tick, attempt bonds until the
// trigger rule stops holding, and back off on rejection. New addresses
// appearing in the store get workers on the next tick.
type Scheduler struct {
	store        *ledger.Store
	tokens       TokenStates
	pollInterval time.Duration
	slowAbove    time.Duration

	mu      sync.Mutex
	bonders map[string]*Bonder
	kicks   map[string]chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler builds the bonding scheduler. slowAbove is the ledger
// write-latency threshold that engages backpressure.
func NewScheduler(store *ledger.Store, tokens TokenStates, pollInterval, slowAbove time.Duration) *Scheduler {
	return &Scheduler{
		store:        store,
		tokens:       tokens,
		pollInterval: pollInterval,
		slowAbove:    slowAbove,
		bonders:      make(map[string]*Bonder),
		kicks:        make(map[string]chan struct{}),
	}
}

// Bonder returns (creating if needed) the bonder for (address, level),
// running crash recovery on first sight.
func (s *Scheduler) Bonder(address string, level models.Level) (*Bonder, error) {
	key := address + "|" + level.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bonders[key]; ok {
		return b, nil
	}
	b := NewBonder(s.store, s.tokens, address, level)
	if err := b.Recover(); err != nil {
		return nil, err
	}
	s.bonders[key] = b
	return b, nil
}

// Run drives the scheduler until ctx is cancelled. In-flight bond appends
// complete before workers exit.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[BondScheduler] Starting (poll=%s)", s.pollInterval)

	events := s.store.Subscribe()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.ensureWorkers(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("[BondScheduler] Stopping, draining workers...")
			s.wg.Wait()
			return
		case ev := <-events:
			// An append at level L feeds the bonder producing L+1.
			if ev.Level < models.LevelTB {
				s.kick(ev.Address, ev.Level.Next())
			}
		case <-ticker.C:
			s.ensureWorkers(ctx)
			s.kickAll()
		}
	}
}

// ensureWorkers spawns a worker per (address, bonded level) discovered in
// the store.
func (s *Scheduler) ensureWorkers(ctx context.Context) {
	addrs, err := s.store.Addresses()
	if err != nil {
		log.Printf("[BondScheduler] Address discovery failed: %v", err)
		return
	}
	for _, addr := range addrs {
		for level := models.LevelByte; level <= models.LevelTB; level++ {
			key := addr + "|" + level.String()
			s.mu.Lock()
			if _, ok := s.kicks[key]; ok {
				s.mu.Unlock()
				continue
			}
			kick := make(chan struct{}, 1)
			s.kicks[key] = kick
			s.mu.Unlock()

			bonder, err := s.Bonder(addr, level)
			if err != nil {
				log.Printf("[BondScheduler] Bonder init (%s, %s) failed: %v", addr, level, err)
				continue
			}

			s.wg.Add(1)
			go s.worker(ctx, bonder, kick)
		}
	}
}

func (s *Scheduler) kick(address string, level models.Level) {
	key := address + "|" + level.String()
	s.mu.Lock()
	kick, ok := s.kicks[key]
	s.mu.Unlock()
	if ok {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
}

func (s *Scheduler) kickAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kick := range s.kicks {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
}

// worker is the per-(address, level) task: wait for a kick or tick, then
// bond until the trigger rule stops holding.
func (s *Scheduler) worker(ctx context.Context, b *Bonder, kick chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	backoff := backoffBase
	parked := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
		case <-ticker.C:
		}

		for {
			// Backpressure: sustained ledger latency above the threshold
			// slows bond attempts proportionally.
			if lat := s.store.WriteLatency(); lat > s.slowAbove && s.slowAbove > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(lat * 2):
				}
			}

			_, err := b.TryBond(ctx)
			if err == nil {
				backoff = backoffBase
				parked = false
				continue // more atoms may already be waiting
			}
			if errors.Is(err, models.ErrInsufficientAtoms) {
				backoff = backoffBase
				parked = false
				break
			}
			if errIsRetryable(err) {
				log.Printf("[Bonder %s/%s] Retryable failure, backing off %s: %v", b.address, b.level, backoff, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffCap {
					backoff = backoffCap
				}
				break
			}
			if errors.Is(err, models.ErrBondQuarantine) {
				// Stay alive: the operator's replay clears the state and the
				// next kick or tick resumes bonding without a restart.
				if !parked {
					log.Printf("[Bonder %s/%s] Quarantined, bonding paused until operator replay", b.address, b.level)
					parked = true
				}
				break
			}
			log.Printf("[Bonder %s/%s] Bond failed: %v", b.address, b.level, err)
			break
		}
	}
}
