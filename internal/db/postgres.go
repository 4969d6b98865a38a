package db

import (
	"context"
	_ "embed"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/ledger"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init works
// inside runtime images that do not carry internal/db/schema.sql.
//
//go:embed schema.sql
var schemaSQL string

// AnalyticsStore mirrors ledger activity into PostgreSQL for querying.
// The file ledger stays the store of record; every write here is
// best-effort and idempotent.
type AnalyticsStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*AnalyticsStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL analytics mirror")
	return &AnalyticsStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *AnalyticsStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *AnalyticsStore) InitSchema() error {
	_, err := s.pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("Analytics mirror schema initialized")
	return nil
}

// Feed drains ledger append events into the mirror until ctx is cancelled.
// Insert failures are logged, never fatal.
func (s *AnalyticsStore) Feed(ctx context.Context, events <-chan ledger.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := s.SaveAtomEvent(ctx, ev); err != nil {
				log.Printf("[Analytics] Atom event insert failed: %v", err)
			}
		}
	}
}

// SaveAtomEvent upserts one ledger append. The operation kind is inferred
// from the level: BIT appends come from sharding, everything above from
// bonding.
func (s *AnalyticsStore) SaveAtomEvent(ctx context.Context, ev ledger.Event) error {
	op := models.OpShard
	if ev.Level > models.LevelBit {
		op = models.OpBond
	}

	sql := `
		INSERT INTO atom_events
			(address, level, particle, atom_index, operation, token_id, frequency, atomic_weight, batch_id, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10)
		ON CONFLICT (address, level, particle, atom_index) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, sql,
		ev.Address,
		ev.Level.String(),
		string(ev.Particle),
		int64(ev.Index),
		op,
		ev.Atom.TokenID,
		float64(ev.Atom.Frequency),
		ev.Atom.AtomicWeight,
		ev.Atom.BatchID,
		ev.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert atom event: %v", err)
	}

	rate, finite := ev.Atom.Frequency.BounceRate()
	var rateVal *float64
	if finite {
		v := float64(rate)
		rateVal = &v
	}
	bounceSQL := `
		INSERT INTO bounce_rates (address, level, particle, atom_index, frequency, bounce_rate)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (address, level, particle, atom_index) DO NOTHING;
	`
	_, err = s.pool.Exec(ctx, bounceSQL,
		ev.Address, ev.Level.String(), string(ev.Particle), int64(ev.Index),
		float64(ev.Atom.Frequency), rateVal)
	if err != nil {
		return fmt.Errorf("failed to insert bounce rate: %v", err)
	}
	return nil
}

// SaveFissionBatch records one completed fission batch.
func (s *AnalyticsStore) SaveFissionBatch(ctx context.Context, batchID, address, tokenID string, class models.Classification, bitAtoms int) error {
	sql := `
		INSERT INTO fission_batches (batch_id, address, token_id, type_tag, size_kb, bit_atoms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (batch_id) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, sql, batchID, address, tokenID, class.TypeTag, class.SizeKB, bitAtoms)
	return err
}

// LevelSummary is one row of the per-level aggregation query.
type LevelSummary struct {
	Level         string  `json:"level"`
	Particle      string  `json:"particle"`
	Atoms         int64   `json:"atoms"`
	MeanFrequency float64 `json:"meanFrequency"`
}

// SummarizeAddress aggregates atom counts and mean frequency per (level,
// particle) for one address.
func (s *AnalyticsStore) SummarizeAddress(ctx context.Context, address string) ([]LevelSummary, error) {
	sql := `
		SELECT level, particle, COUNT(*), AVG(frequency)
		FROM atom_events
		WHERE address = $1
		GROUP BY level, particle
		ORDER BY level, particle;
	`
	rows, err := s.pool.Query(ctx, sql, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]LevelSummary, 0)
	for rows.Next() {
		var sum LevelSummary
		if err := rows.Scan(&sum.Level, &sum.Particle, &sum.Atoms, &sum.MeanFrequency); err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// RecentBatches returns the latest fission batches, newest first.
type BatchInfo struct {
	BatchID  string  `json:"batchId"`
	Address  string  `json:"address"`
	TokenID  string  `json:"tokenId"`
	TypeTag  string  `json:"typeTag"`
	SizeKB   float64 `json:"sizeKb"`
	BitAtoms int64   `json:"bitAtoms"`
}

func (s *AnalyticsStore) RecentBatches(ctx context.Context, limit int) ([]BatchInfo, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	sql := `
		SELECT batch_id, address, token_id, type_tag, size_kb, bit_atoms
		FROM fission_batches
		ORDER BY created_at DESC
		LIMIT $1;
	`
	rows, err := s.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]BatchInfo, 0)
	for rows.Next() {
		var b BatchInfo
		if err := rows.Scan(&b.BatchID, &b.Address, &b.TokenID, &b.TypeTag, &b.SizeKB, &b.BitAtoms); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// GetPool exposes the connection pool for report tooling.
func (s *AnalyticsStore) GetPool() *pgxpool.Pool {
	return s.pool
}
