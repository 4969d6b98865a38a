package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/atomcrypto"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

// appendAttempts bounds the local retry on I/O failure before the error
// escalates to the caller.
const appendAttempts = 3

// unavailableAfter consecutive failed appends halt writes entirely.
const unavailableAfter = 5

// Event is pushed to subscribers after every successful atom append. The
// mining monitor consumes these; its poll loop covers any drops.
type Event struct {
	Address   string          `json:"address"`
	Level     models.Level    `json:"level"`
	Particle  models.Particle `json:"particle"`
	Index     uint64          `json:"index"`
	Atom      models.Atom     `json:"atom"`
	EntryHash string          `json:"entryHash"`
}

// particleLog pairs a chain log with its consumed cursor.
type particleLog struct {
	log        *ChainLog
	cursorPath string

	cmu      sync.Mutex
	consumed uint64
}

// Store owns all on-disk state: atom logs under ledger/, audit chains
// under audit/, token and key material directories are carved out of the
// same root by their owners. One writer per (address, level, particle) is
// enforced by the per-log lock; readers get snapshot cursors.
type Store struct {
	root    string
	hmacKey []byte

	mu     sync.Mutex
	logs   map[string]*particleLog
	audits map[string]*ChainLog

	subMu sync.Mutex
	subs  []chan Event

	latencyNs   atomic.Int64
	ioFailures  atomic.Int32
	unavailable atomic.Bool
}

// Open initializes the store rooted at dir. hmacKey is the node tamper-key
// secret from the keystore.
func Open(dir string, hmacKey []byte) (*Store, error) {
	for _, sub := range []string{"ledger", "audit", "mining", "tokens"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("%w: init %s: %v", models.ErrLedgerIO, sub, err)
		}
	}
	return &Store{
		root:    dir,
		hmacKey: hmacKey,
		logs:    make(map[string]*particleLog),
		audits:  make(map[string]*ChainLog),
	}, nil
}

// Root exposes the persistence root for sibling owners (token registry,
// keystore, mining mirror).
func (s *Store) Root() string { return s.root }

func (s *Store) logPath(addr string, level models.Level, particle models.Particle) string {
	return filepath.Join(s.root, "ledger", addr, level.String(), string(particle)+".log")
}

func (s *Store) getLog(addr string, level models.Level, particle models.Particle) (*particleLog, error) {
	path := s.logPath(addr, level, particle)
	s.mu.Lock()
	defer s.mu.Unlock()
	if pl, ok := s.logs[path]; ok {
		return pl, nil
	}
	cl, err := OpenChainLog(path)
	if err != nil {
		return nil, err
	}
	pl := &particleLog{log: cl, cursorPath: path[:len(path)-len(".log")] + ".cursor"}
	if raw, err := os.ReadFile(pl.cursorPath); err == nil && len(raw) == 8 {
		pl.consumed = binary.BigEndian.Uint64(raw)
	}
	if pl.consumed > cl.Count() && cl.Quarantined() == "" {
		cl.Quarantine(fmt.Sprintf("cursor %d exceeds record count %d", pl.consumed, cl.Count()))
	}
	s.logs[path] = pl
	return pl, nil
}

// AppendAtom appends one atom under op/tokenID, assigning its dense index
// and computing its content hash and entry tamper key. I/O failures are
// retried with bounded jitter; repeated failure flips the store to the
// LedgerUnavailable halt state.
func (s *Store) AppendAtom(addr, op, tokenID string, atom models.Atom) (models.Atom, string, error) {
	if s.unavailable.Load() {
		return atom, "", fmt.Errorf("%w: writes halted after repeated I/O failure", models.ErrLedgerUnavailable)
	}
	pl, err := s.getLog(addr, atom.Level, atom.Particle)
	if err != nil {
		return atom, "", err
	}

	var entryHash [HashSize]byte
	var appended models.Atom
	start := time.Now()

	for attempt := 0; ; attempt++ {
		entryHash, appended, err = s.appendOnce(pl, addr, op, tokenID, atom)
		if err == nil || !errors.Is(err, models.ErrLedgerIO) || attempt+1 >= appendAttempts {
			break
		}
		// Bounded jitter before the local retry.
		time.Sleep(time.Duration(10+rand.Intn(40)) * time.Millisecond)
	}

	s.observeLatency(time.Since(start))

	if err != nil {
		if errors.Is(err, models.ErrLedgerIO) {
			if s.ioFailures.Add(1) >= unavailableAfter {
				s.unavailable.Store(true)
				log.Printf("[Ledger] ALERT: %d consecutive append failures, halting writes", unavailableAfter)
			}
		}
		return atom, "", err
	}
	s.ioFailures.Store(0)

	hashHex := hex.EncodeToString(entryHash[:])
	s.notify(Event{
		Address:   addr,
		Level:     appended.Level,
		Particle:  appended.Particle,
		Index:     appended.Index,
		Atom:      appended,
		EntryHash: hashHex,
	})
	return appended, hashHex, nil
}

func (s *Store) appendOnce(pl *particleLog, addr, op, tokenID string, atom models.Atom) ([HashSize]byte, models.Atom, error) {
	var out models.Atom
	hash, err := pl.log.AppendWith(func(prev [HashSize]byte) ([]byte, error) {
		atom.Index = pl.log.Count()
		atom.Hash = hashAtom(atom)
		entry := models.LedgerEntry{
			OperationKind: op,
			Address:       addr,
			Level:         atom.Level,
			Particle:      atom.Particle,
			Atom:          &atom,
			TokenID:       tokenID,
			Timestamp:     atom.Timestamp,
			PrevHash:      hex.EncodeToString(prev[:]),
		}
		body, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("marshal entry: %w", err)
		}
		out = atom
		return body, nil
	})
	return hash, out, err
}

// hashAtom computes the content hash over the atom body with the hash
// field cleared.
func hashAtom(a models.Atom) string {
	a.Hash = ""
	body, _ := json.Marshal(a)
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// TamperKey derives the HMAC-SHA-512 tamper key of an entry body under the
// node secret, used when exporting entries to untrusted peers.
func (s *Store) TamperKey(body []byte) []byte {
	return atomcrypto.TamperKey(s.hmacKey, body)
}

// ReadRange returns up to count atoms starting at record offset. Fewer are
// returned when the log end is reached.
func (s *Store) ReadRange(addr string, level models.Level, particle models.Particle, offset, count uint64) ([]models.Atom, error) {
	pl, err := s.getLog(addr, level, particle)
	if err != nil {
		return nil, err
	}
	bodies, err := pl.log.ReadBodies(offset, count)
	if err != nil {
		return nil, err
	}
	atoms := make([]models.Atom, 0, len(bodies))
	for _, body := range bodies {
		var entry models.LedgerEntry
		if err := json.Unmarshal(body, &entry); err != nil {
			return nil, fmt.Errorf("%w: corrupt entry body: %v", models.ErrLedgerInvariant, err)
		}
		if entry.Atom != nil {
			atoms = append(atoms, *entry.Atom)
		}
	}
	return atoms, nil
}

// ReadEntries returns raw ledger entries for audit/inspection surfaces.
func (s *Store) ReadEntries(addr string, level models.Level, particle models.Particle, offset, count uint64) ([]models.LedgerEntry, error) {
	pl, err := s.getLog(addr, level, particle)
	if err != nil {
		return nil, err
	}
	bodies, err := pl.log.ReadBodies(offset, count)
	if err != nil {
		return nil, err
	}
	entries := make([]models.LedgerEntry, 0, len(bodies))
	for _, body := range bodies {
		var entry models.LedgerEntry
		if err := json.Unmarshal(body, &entry); err != nil {
			return nil, fmt.Errorf("%w: corrupt entry body: %v", models.ErrLedgerInvariant, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Count reports the total number of atoms appended to a log.
func (s *Store) Count(addr string, level models.Level, particle models.Particle) (uint64, error) {
	pl, err := s.getLog(addr, level, particle)
	if err != nil {
		return 0, err
	}
	return pl.log.Count(), nil
}

// Consumed reports the consumed-cursor position of a log.
func (s *Store) Consumed(addr string, level models.Level, particle models.Particle) (uint64, error) {
	pl, err := s.getLog(addr, level, particle)
	if err != nil {
		return 0, err
	}
	pl.cmu.Lock()
	defer pl.cmu.Unlock()
	return pl.consumed, nil
}

// CountAvailable reports atoms not yet marked consumed.
func (s *Store) CountAvailable(addr string, level models.Level, particle models.Particle) (uint64, error) {
	pl, err := s.getLog(addr, level, particle)
	if err != nil {
		return 0, err
	}
	pl.cmu.Lock()
	defer pl.cmu.Unlock()
	return pl.log.Count() - pl.consumed, nil
}

// MarkConsumed advances the consumed cursor to the absolute position upTo.
// Calls with upTo at or below the current cursor are idempotent no-ops;
// advancing past the end of the log is an invariant violation.
func (s *Store) MarkConsumed(addr string, level models.Level, particle models.Particle, upTo uint64) error {
	pl, err := s.getLog(addr, level, particle)
	if err != nil {
		return err
	}
	pl.cmu.Lock()
	defer pl.cmu.Unlock()
	if upTo <= pl.consumed {
		return nil
	}
	if upTo > pl.log.Count() {
		return fmt.Errorf("%w: cursor %d exceeds %d available records", models.ErrLedgerInvariant, upTo, pl.log.Count())
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], upTo)
	if err := writeFileSync(pl.cursorPath, buf[:]); err != nil {
		return fmt.Errorf("%w: persist cursor: %v", models.ErrLedgerIO, err)
	}
	pl.consumed = upTo
	return nil
}

// VerifyChain re-validates the full hash chain of one log.
func (s *Store) VerifyChain(addr string, level models.Level, particle models.Particle) error {
	pl, err := s.getLog(addr, level, particle)
	if err != nil {
		return err
	}
	return pl.log.Verify()
}

// Quarantined reports the quarantine reason of a log ("" when clean).
func (s *Store) Quarantined(addr string, level models.Level, particle models.Particle) (string, error) {
	pl, err := s.getLog(addr, level, particle)
	if err != nil {
		return "", err
	}
	return pl.log.Quarantined(), nil
}

// Quarantine marks a log as refusing appends, e.g. after a failed
// compensation during fission.
func (s *Store) Quarantine(addr string, level models.Level, particle models.Particle, reason string) error {
	pl, err := s.getLog(addr, level, particle)
	if err != nil {
		return err
	}
	pl.log.Quarantine(reason)
	return nil
}

// ClearQuarantine is the operator action re-enabling appends on a log.
func (s *Store) ClearQuarantine(addr string, level models.Level, particle models.Particle) error {
	pl, err := s.getLog(addr, level, particle)
	if err != nil {
		return err
	}
	if err := pl.log.ClearQuarantine(); err != nil {
		return err
	}
	return s.AppendAudit(addr, models.AuditRecord{
		Op:        models.OpQuarantineClear,
		Level:     level,
		Particle:  particle,
		Timestamp: time.Now().UTC(),
	})
}

// Subscribe registers a buffered event channel receiving every successful
// append. Slow subscribers lose events rather than blocking the writer.
func (s *Store) Subscribe() <-chan Event {
	ch := make(chan Event, 1024)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Store) notify(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// WriteLatency returns the exponentially weighted append latency, the
// input to the backpressure policy.
func (s *Store) WriteLatency() time.Duration {
	return time.Duration(s.latencyNs.Load())
}

func (s *Store) observeLatency(d time.Duration) {
	for {
		old := s.latencyNs.Load()
		ewma := old + (int64(d)-old)/5
		if s.latencyNs.CompareAndSwap(old, ewma) {
			return
		}
	}
}

// Unavailable reports whether writes are halted.
func (s *Store) Unavailable() bool { return s.unavailable.Load() }

// Addresses lists every address with a ledger directory.
func (s *Store) Addresses() ([]string, error) {
	dirs, err := os.ReadDir(filepath.Join(s.root, "ledger"))
	if err != nil {
		return nil, fmt.Errorf("%w: list addresses: %v", models.ErrLedgerIO, err)
	}
	var addrs []string
	for _, d := range dirs {
		if d.IsDir() {
			addrs = append(addrs, d.Name())
		}
	}
	return addrs, nil
}

// ReplayAddress re-appends every record of addr (particle logs, cursors,
// audit chain) into dst. The resulting files are byte-identical because
// record framing is a pure function of body order.
func (s *Store) ReplayAddress(dst *Store, addr string) error {
	for level := models.LevelBit; level <= models.LevelTB; level++ {
		for _, particle := range level.Channels() {
			path := s.logPath(addr, level, particle)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				continue
			}
			src, err := s.getLog(addr, level, particle)
			if err != nil {
				return err
			}
			dstLog, err := dst.getLog(addr, level, particle)
			if err != nil {
				return err
			}
			if err := src.log.ReplayInto(dstLog.log); err != nil {
				return err
			}
			src.cmu.Lock()
			consumed := src.consumed
			src.cmu.Unlock()
			if err := dst.MarkConsumed(addr, level, particle, consumed); err != nil {
				return err
			}
		}
	}
	srcAudit, err := s.auditLog(addr)
	if err != nil {
		return err
	}
	dstAudit, err := dst.auditLog(addr)
	if err != nil {
		return err
	}
	return srcAudit.ReplayInto(dstAudit)
}
