package ledger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

func (s *Store) auditPath(addr string) string {
	return filepath.Join(s.root, "audit", addr, "audit.log")
}

func (s *Store) auditLog(addr string) (*ChainLog, error) {
	path := s.auditPath(addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cl, ok := s.audits[path]; ok {
		return cl, nil
	}
	cl, err := OpenChainLog(path)
	if err != nil {
		return nil, err
	}
	s.audits[path] = cl
	return cl, nil
}

// AppendAudit records one operation on the per-address audit chain.
func (s *Store) AppendAudit(addr string, rec models.AuditRecord) error {
	cl, err := s.auditLog(addr)
	if err != nil {
		return err
	}
	_, err = cl.AppendWith(func(prev [HashSize]byte) ([]byte, error) {
		rec.PrevHash = hex.EncodeToString(prev[:])
		return json.Marshal(rec)
	})
	return err
}

// ReadAudit returns up to count audit records starting at offset.
func (s *Store) ReadAudit(addr string, offset, count uint64) ([]models.AuditRecord, error) {
	cl, err := s.auditLog(addr)
	if err != nil {
		return nil, err
	}
	bodies, err := cl.ReadBodies(offset, count)
	if err != nil {
		return nil, err
	}
	recs := make([]models.AuditRecord, 0, len(bodies))
	for _, body := range bodies {
		var rec models.AuditRecord
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, fmt.Errorf("%w: corrupt audit body: %v", models.ErrLedgerInvariant, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// AuditCount reports the number of audit records for an address.
func (s *Store) AuditCount(addr string) (uint64, error) {
	cl, err := s.auditLog(addr)
	if err != nil {
		return 0, err
	}
	return cl.Count(), nil
}

// VerifyAudit re-validates the audit chain of an address.
func (s *Store) VerifyAudit(addr string) error {
	cl, err := s.auditLog(addr)
	if err != nil {
		return err
	}
	return cl.Verify()
}
