package ledger

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

func TestChainLogAppendAndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proton.log")
	cl, err := OpenChainLog(path)
	if err != nil {
		t.Fatal(err)
	}

	var prev [HashSize]byte
	for i := 0; i < 10; i++ {
		body := []byte(fmt.Sprintf(`{"index":%d}`, i))
		hash, err := cl.AppendWith(func(p [HashSize]byte) ([]byte, error) {
			if p != prev {
				t.Errorf("record %d saw prev hash %x, want %x", i, p, prev)
			}
			return body, nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if want := ChainHash(prev, body); hash != want {
			t.Errorf("record %d hash mismatch", i)
		}
		prev = hash
	}

	if cl.Count() != 10 {
		t.Fatalf("count = %d, want 10", cl.Count())
	}
	if err := cl.Verify(); err != nil {
		t.Fatal(err)
	}

	bodies, err := cl.ReadBodies(3, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(bodies) != 4 || string(bodies[0]) != `{"index":3}` {
		t.Errorf("ReadBodies(3,4) wrong window: %q", bodies)
	}

	// Reads past the end truncate, never error.
	tail, err := cl.ReadBodies(8, 100)
	if err != nil || len(tail) != 2 {
		t.Errorf("tail read got %d bodies, err=%v", len(tail), err)
	}
}

func TestChainLogSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atoms.log")
	cl, err := OpenChainLog(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := cl.Append([]byte(fmt.Sprintf("body-%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	last := cl.LastHash()
	cl.Close()

	re, err := OpenChainLog(path)
	if err != nil {
		t.Fatal(err)
	}
	if re.Count() != 5 {
		t.Errorf("reopened count = %d, want 5", re.Count())
	}
	if re.LastHash() != last {
		t.Error("chain head changed across reopen")
	}
	if re.Quarantined() != "" {
		t.Errorf("clean log opened quarantined: %s", re.Quarantined())
	}
}

func TestChainLogQuarantinesOnCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atoms.log")
	cl, _ := OpenChainLog(path)
	for i := 0; i < 3; i++ {
		if _, err := cl.Append([]byte(fmt.Sprintf("body-%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	cl.Close()

	// Flip one byte of the middle record's body.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)/2] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	re, err := OpenChainLog(path)
	if err != nil {
		t.Fatal(err)
	}
	if re.Quarantined() == "" {
		t.Fatal("corrupted log opened clean")
	}
	if _, err := re.Append([]byte("more")); !errors.Is(err, models.ErrLedgerInvariant) {
		t.Errorf("append on quarantined log gave %v, want ErrLedgerInvariant", err)
	}

	if err := re.ClearQuarantine(); err != nil {
		t.Fatal(err)
	}
	if re.Quarantined() != "" {
		t.Error("quarantine not cleared")
	}
}

func TestChainLogJournalReplayCompletesTornAppend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atoms.log")
	cl, _ := OpenChainLog(path)
	if _, err := cl.Append([]byte("first")); err != nil {
		t.Fatal(err)
	}
	size := fileSize(t, path)
	head := cl.LastHash()
	cl.Close()

	// Simulate a crash after the journal fsync but before the log write:
	// stage the framed second record in the journal by hand.
	body := []byte("second")
	hash := ChainHash(head, body)
	record := binary.BigEndian.AppendUint32(nil, uint32(len(body)))
	record = append(record, body...)
	record = append(record, hash[:]...)
	journal := binary.BigEndian.AppendUint64(nil, uint64(size))
	journal = append(journal, record...)
	if err := os.WriteFile(path+".journal", journal, 0o644); err != nil {
		t.Fatal(err)
	}

	re, err := OpenChainLog(path)
	if err != nil {
		t.Fatal(err)
	}
	if re.Count() != 2 {
		t.Fatalf("journal replay should complete the append, count = %d", re.Count())
	}
	if re.LastHash() != hash {
		t.Error("replayed record has wrong chain hash")
	}
	if _, err := os.Stat(path + ".journal"); !errors.Is(err, os.ErrNotExist) {
		t.Error("journal not cleared after replay")
	}
	if err := re.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestChainLogJournalIgnoredWhenAlreadyApplied(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atoms.log")
	cl, _ := OpenChainLog(path)
	if _, err := cl.Append([]byte("b0")); err != nil {
		t.Fatal(err)
	}
	sizeBefore := fileSize(t, path)
	if _, err := cl.Append([]byte("b1")); err != nil {
		t.Fatal(err)
	}
	head := cl.LastHash()
	cl.Close()

	// Crash after the log write but before the journal delete: the journal
	// holds the last record, already present in the log.
	body := []byte("b1")
	record := binary.BigEndian.AppendUint32(nil, uint32(len(body)))
	record = append(record, body...)
	record = append(record, head[:]...)
	journal := binary.BigEndian.AppendUint64(nil, uint64(sizeBefore))
	journal = append(journal, record...)
	if err := os.WriteFile(path+".journal", journal, 0o644); err != nil {
		t.Fatal(err)
	}

	re, err := OpenChainLog(path)
	if err != nil {
		t.Fatal(err)
	}
	if re.Count() != 2 {
		t.Errorf("already-applied journal should be a no-op, count = %d", re.Count())
	}
}

func TestChainLogReplayIntoIsByteIdentical(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.log")
	dstPath := filepath.Join(dir, "dst.log")

	src, _ := OpenChainLog(srcPath)
	for i := 0; i < 20; i++ {
		if _, err := src.Append([]byte(fmt.Sprintf(`{"i":%d,"freq":"12.34"}`, i))); err != nil {
			t.Fatal(err)
		}
	}

	dst, _ := OpenChainLog(dstPath)
	if err := src.ReplayInto(dst); err != nil {
		t.Fatal(err)
	}

	a, _ := os.ReadFile(srcPath)
	b, _ := os.ReadFile(dstPath)
	if !bytes.Equal(a, b) {
		t.Error("replayed log is not byte-identical to the source")
	}
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return info.Size()
}
