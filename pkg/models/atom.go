package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Level is the position of an atom in the bonding hierarchy.
// 1024 lower-level atoms combine into one higher-level atom at every step
// except BIT→BYTE, which uses the byte boundary fan-in of 8.
type Level int

const (
	LevelBit Level = iota
	LevelByte
	LevelKB
	LevelMB
	LevelGB
	LevelTB
)

var levelNames = [...]string{"BIT", "BYTE", "KB", "MB", "GB", "TB"}

func (l Level) String() string {
	if l < LevelBit || l > LevelTB {
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel maps a level name (case-insensitive) back to its Level.
func ParseLevel(s string) (Level, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range levelNames {
		if name == up {
			return Level(i), nil
		}
	}
	return 0, fmt.Errorf("unknown level %q (expected one of BIT, BYTE, KB, MB, GB, TB)", s)
}

// FanIn returns the number of constituents per particle channel consumed by
// a bond that produces this level. BIT atoms are not bonded into.
func (l Level) FanIn() int {
	switch l {
	case LevelByte:
		return 8
	case LevelKB, LevelMB, LevelGB, LevelTB:
		return 1024
	default:
		return 0
	}
}

// Prev returns the level consumed by a bond producing l.
func (l Level) Prev() Level { return l - 1 }

// Next returns the level produced by bonding l atoms, or LevelTB if l is
// already the top of the hierarchy.
func (l Level) Next() Level {
	if l >= LevelTB {
		return LevelTB
	}
	return l + 1
}

func (l Level) MarshalJSON() ([]byte, error) {
	return []byte(`"` + l.String() + `"`), nil
}

func (l *Level) UnmarshalJSON(data []byte) error {
	parsed, err := ParseLevel(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Particle identifies one of the parallel ledger channels at a level.
// BIT atoms are spread across proton/neutron/electron; every bonded level
// stores its atoms in the single composite channel.
type Particle string

const (
	ParticleProton    Particle = "proton"
	ParticleNeutron   Particle = "neutron"
	ParticleElectron  Particle = "electron"
	ParticleComposite Particle = "composite"
)

// BitParticles is the channel rotation applied to bit positions at shard
// time: bit i lands in BitParticles[i%3].
var BitParticles = [3]Particle{ParticleProton, ParticleNeutron, ParticleElectron}

// ParseParticle validates a particle channel name.
func ParseParticle(s string) (Particle, error) {
	switch Particle(strings.ToLower(strings.TrimSpace(s))) {
	case ParticleProton:
		return ParticleProton, nil
	case ParticleNeutron:
		return ParticleNeutron, nil
	case ParticleElectron:
		return ParticleElectron, nil
	case ParticleComposite:
		return ParticleComposite, nil
	}
	return "", fmt.Errorf("unknown particle channel %q", s)
}

// Channels returns the particle channels a level's ledger is split into.
func (l Level) Channels() []Particle {
	if l == LevelBit {
		return []Particle{ParticleProton, ParticleNeutron, ParticleElectron}
	}
	return []Particle{ParticleComposite}
}

// Frequency is a 2-decimal fixed-point value serialized as a decimal string
// so that ledger records have a stable canonical byte representation.
type Frequency float64

// Round2 truncates f to the canonical 2-decimal representation.
func Round2(f float64) Frequency {
	return Frequency(math.Round(f*100) / 100)
}

func (f Frequency) String() string {
	return strconv.FormatFloat(float64(f), 'f', 2, 64)
}

func (f Frequency) MarshalJSON() ([]byte, error) {
	return []byte(`"` + f.String() + `"`), nil
}

func (f *Frequency) UnmarshalJSON(data []byte) error {
	v, err := strconv.ParseFloat(strings.Trim(string(data), `"`), 64)
	if err != nil {
		return fmt.Errorf("invalid frequency %s: %w", data, err)
	}
	*f = Frequency(v)
	return nil
}

// BounceRate derives the mining metric 1000/frequency. The second return is
// false when the frequency is non-positive and the rate is the +∞ sentinel.
func (f Frequency) BounceRate() (Frequency, bool) {
	if f <= 0 {
		return 0, false
	}
	return Round2(1000 / float64(f)), true
}

// AtomRef points at a constituent consumed by a bond.
type AtomRef struct {
	Level    Level    `json:"level"`
	Particle Particle `json:"particle"`
	Index    uint64   `json:"index"`
}

// Atom is the immutable unit of storage at some level of the hierarchy.
// BIT atoms carry the encryption envelope of the object they were exploded
// from (the ciphertext itself lives on the batch record — storing it per
// bit would square the ledger size). Bonded atoms carry constituent refs.
type Atom struct {
	Level     Level     `json:"level"`
	Index     uint64    `json:"index"`
	Particle  Particle  `json:"particle"`
	Frequency Frequency `json:"frequency"`
	Timestamp time.Time `json:"timestamp"`
	TokenID   string    `json:"tokenId"`

	// BIT-only fields.
	Bit     uint8  `json:"bit,omitempty"`
	IV      []byte `json:"iv,omitempty"`
	AuthTag []byte `json:"authTag,omitempty"`
	BatchID string `json:"batchId,omitempty"`

	// Bonded-level fields.
	AtomicWeight int       `json:"atomicWeight,omitempty"`
	Constituents []AtomRef `json:"constituents,omitempty"`

	// Hash is the hex blake3 digest of the atom body (everything above),
	// populated by the ledger store at append time for tamper detection.
	Hash string `json:"hash,omitempty"`
}

// MeanFrequency computes the canonical bonded frequency: the arithmetic
// mean of all constituent frequencies, flattened across channels, rounded
// to 2 decimals.
func MeanFrequency(groups ...[]Atom) Frequency {
	var sum float64
	var n int
	for _, g := range groups {
		for _, a := range g {
			sum += float64(a.Frequency)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return Round2(sum / float64(n))
}

// NodeAssignment maps one bit atom to the shard-hosting node selected by
// the distribution planner.
type NodeAssignment struct {
	Node     string   `json:"node"`
	Particle Particle `json:"particle"`
	Index    uint64   `json:"index"`
}

// Operation kinds recorded on the ledger and audit chains.
const (
	OpShard             = "SHARD"
	OpBond              = "BOND"
	OpFission           = "FISSION"
	OpFissionQuarantine = "FISSION_QUARANTINE"
	OpTokenMint         = "TOKEN_MINT"
	OpTokenState        = "TOKEN_STATE"
	OpTokenReject       = "TOKEN_REJECT"
	OpKeyRotation       = "KEY_ROTATION"
	OpQuarantineClear   = "QUARANTINE_CLEAR"
)

// LedgerEntry is the body of one particle-log record. PrevHash/EntryHash
// form the per-(address, level, particle) hash chain; the first entry's
// PrevHash is the zero hash.
type LedgerEntry struct {
	OperationKind string    `json:"op"`
	Address       string    `json:"address"`
	Level         Level     `json:"level"`
	Particle      Particle  `json:"particle"`
	Atom          *Atom     `json:"atom,omitempty"`
	TokenID       string    `json:"tokenId"`
	Timestamp     time.Time `json:"timestamp"`
	PrevHash      string    `json:"prevHash"`
}

// AuditRecord is the body of one per-address audit-chain record.
type AuditRecord struct {
	Op        string    `json:"op"`
	Level     Level     `json:"level"`
	Particle  Particle  `json:"particle,omitempty"`
	AtomIndex uint64    `json:"atomIndex"`
	TokenID   string    `json:"tokenId,omitempty"`
	BatchID   string    `json:"batchId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	PrevHash  string    `json:"prevHash"`
}

// ShardResult is the output of the bit sharder / fission pipeline. Key is
// the per-object symmetric key the payload was sealed under; the caller
// must hold it to decrypt the reassembled batch later.
type ShardResult struct {
	Address         string           `json:"address"`
	BatchID         string           `json:"batchId"`
	Classification  Classification   `json:"classification"`
	Key             []byte           `json:"key"`
	BitAtoms        []Atom           `json:"bitAtoms"`
	NodeAssignments []NodeAssignment `json:"nodeAssignments"`
}

// Classification is the sharder's type tag for an input payload.
type Classification struct {
	TypeTag string  `json:"typeTag"`
	SizeKB  float64 `json:"sizeKb"`
}
