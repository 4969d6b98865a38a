// Package ledger implements the append-only, hash-chained persistence
// layer: per-(address, level, particle) atom logs with consumed cursors,
// the per-address audit chain, and crash recovery via a staging journal.
package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

// HashSize is the length of a chain hash.
const HashSize = 32

// ZeroHash is the prevHash of the first record in every log.
var ZeroHash [HashSize]byte

// recordHeaderSize is the u32 length prefix.
const recordHeaderSize = 4

// journalHeaderSize is the u64 expected-offset prefix staged ahead of the
// framed record in the journal file.
const journalHeaderSize = 8

// ChainHash computes the linkage hash of a record body against the
// previous record's hash.
func ChainHash(prev [HashSize]byte, body []byte) [HashSize]byte {
	h := blake3.New()
	_, _ = h.Write(prev[:])
	_, _ = h.Write(body)
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ChainLog is one append-only file of length-prefixed records, each
// followed by its 32-byte chain hash:
//
//	{len:u32 BE}{body}{entryHash:32B}
//
// Appends are crash-safe: the framed record is staged to a sibling
// .journal file and fsynced before the log itself is written, so a torn
// append is completed (or confirmed already applied) on reopen. A detected
// hash-chain break quarantines the log: a sibling .quarantine marker is
// written and every append fails until an operator clears it.
type ChainLog struct {
	mu sync.Mutex

	path        string
	journalPath string
	quarPath    string

	file     *os.File
	offsets  []int64 // byte offset of each record's length prefix
	size     int64
	lastHash [HashSize]byte

	quarantineReason string
}

// OpenChainLog opens (creating if needed) the log at path, replays any
// staged journal, and validates the full hash chain. Chain corruption does
// not return an error: the log opens quarantined and refuses appends.
func OpenChainLog(path string) (*ChainLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", models.ErrLedgerIO, filepath.Dir(path), err)
	}
	l := &ChainLog{
		path:        path,
		journalPath: path + ".journal",
		quarPath:    path + ".quarantine",
	}

	if raw, err := os.ReadFile(l.quarPath); err == nil {
		l.quarantineReason = string(raw)
	}

	if err := l.replayJournal(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", models.ErrLedgerIO, path, err)
	}
	l.file = f

	if err := l.scan(); err != nil {
		return nil, err
	}
	return l, nil
}

// replayJournal completes a torn append. The journal holds the log size
// the record was meant to land at, followed by the framed record.
func (l *ChainLog) replayJournal() error {
	raw, err := os.ReadFile(l.journalPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read journal: %v", models.ErrLedgerIO, err)
	}
	if len(raw) < journalHeaderSize+recordHeaderSize+HashSize {
		// Torn journal write: the log itself was never touched, discard.
		return os.Remove(l.journalPath)
	}
	expectedOffset := int64(binary.BigEndian.Uint64(raw[:journalHeaderSize]))
	record := raw[journalHeaderSize:]

	info, err := os.Stat(l.path)
	size := int64(0)
	if err == nil {
		size = info.Size()
	}

	switch {
	case size == expectedOffset:
		// Crash before the log append: apply the staged record now.
		f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("%w: journal replay open: %v", models.ErrLedgerIO, err)
		}
		if _, err := f.Write(record); err != nil {
			f.Close()
			return fmt.Errorf("%w: journal replay write: %v", models.ErrLedgerIO, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("%w: journal replay sync: %v", models.ErrLedgerIO, err)
		}
		f.Close()
	case size == expectedOffset+int64(len(record)):
		// Crash after the log append: nothing to do.
	case size > expectedOffset && size < expectedOffset+int64(len(record)):
		// Partial log append: rewrite the complete record over the torn
		// tail. The journal copy is authoritative.
		f, err := os.OpenFile(l.path, os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("%w: journal repair open: %v", models.ErrLedgerIO, err)
		}
		if _, err := f.WriteAt(record, expectedOffset); err != nil {
			f.Close()
			return fmt.Errorf("%w: journal repair write: %v", models.ErrLedgerIO, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("%w: journal repair sync: %v", models.ErrLedgerIO, err)
		}
		f.Close()
	default:
		// The log and journal disagree in a way replay cannot resolve.
		l.markQuarantine(fmt.Sprintf("journal offset %d inconsistent with log size %d", expectedOffset, size))
	}
	return os.Remove(l.journalPath)
}

// scan walks the whole log, rebuilding offsets and the running hash, and
// validating every record's chain hash.
func (l *ChainLog) scan() error {
	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat: %v", models.ErrLedgerIO, err)
	}
	total := info.Size()

	var offset int64
	prev := ZeroHash
	for offset < total {
		var lenBuf [recordHeaderSize]byte
		if _, err := l.file.ReadAt(lenBuf[:], offset); err != nil {
			l.markQuarantine(fmt.Sprintf("truncated length prefix at offset %d", offset))
			break
		}
		bodyLen := int64(binary.BigEndian.Uint32(lenBuf[:]))
		recordEnd := offset + recordHeaderSize + bodyLen + HashSize
		if recordEnd > total {
			l.markQuarantine(fmt.Sprintf("truncated record at offset %d", offset))
			break
		}

		body := make([]byte, bodyLen)
		if _, err := l.file.ReadAt(body, offset+recordHeaderSize); err != nil {
			return fmt.Errorf("%w: read body: %v", models.ErrLedgerIO, err)
		}
		var stored [HashSize]byte
		if _, err := l.file.ReadAt(stored[:], offset+recordHeaderSize+bodyLen); err != nil {
			return fmt.Errorf("%w: read hash: %v", models.ErrLedgerIO, err)
		}

		want := ChainHash(prev, body)
		if stored != want {
			l.markQuarantine(fmt.Sprintf("hash-chain break at record %d", len(l.offsets)))
			break
		}

		l.offsets = append(l.offsets, offset)
		prev = stored
		offset = recordEnd
	}

	l.size = offset
	l.lastHash = prev
	return nil
}

// AppendWith appends one record. The build callback receives the previous
// record's hash under the log lock so bodies can embed their prevHash
// linkage consistently with the framing hash.
func (l *ChainLog) AppendWith(build func(prev [HashSize]byte) ([]byte, error)) ([HashSize]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.quarantineReason != "" {
		return ZeroHash, fmt.Errorf("%w: log quarantined: %s", models.ErrLedgerInvariant, l.quarantineReason)
	}

	body, err := build(l.lastHash)
	if err != nil {
		return ZeroHash, err
	}
	hash := ChainHash(l.lastHash, body)

	record := make([]byte, 0, recordHeaderSize+len(body)+HashSize)
	record = binary.BigEndian.AppendUint32(record, uint32(len(body)))
	record = append(record, body...)
	record = append(record, hash[:]...)

	// Stage to the journal first so a crash mid-append is recoverable.
	journal := make([]byte, 0, journalHeaderSize+len(record))
	journal = binary.BigEndian.AppendUint64(journal, uint64(l.size))
	journal = append(journal, record...)
	if err := writeFileSync(l.journalPath, journal); err != nil {
		return ZeroHash, fmt.Errorf("%w: journal stage: %v", models.ErrLedgerIO, err)
	}

	if _, err := l.file.WriteAt(record, l.size); err != nil {
		return ZeroHash, fmt.Errorf("%w: append: %v", models.ErrLedgerIO, err)
	}
	if err := l.file.Sync(); err != nil {
		return ZeroHash, fmt.Errorf("%w: fsync: %v", models.ErrLedgerIO, err)
	}
	if err := os.Remove(l.journalPath); err != nil {
		return ZeroHash, fmt.Errorf("%w: journal clear: %v", models.ErrLedgerIO, err)
	}

	l.offsets = append(l.offsets, l.size)
	l.size += int64(len(record))
	l.lastHash = hash
	return hash, nil
}

// Append appends a body that does not need the previous hash.
func (l *ChainLog) Append(body []byte) ([HashSize]byte, error) {
	return l.AppendWith(func([HashSize]byte) ([]byte, error) { return body, nil })
}

// Count returns the number of records in the log.
func (l *ChainLog) Count() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.offsets))
}

// LastHash returns the hash of the most recent record (ZeroHash if empty).
func (l *ChainLog) LastHash() [HashSize]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// ReadBodies returns up to count record bodies starting at record offset.
// Readers never block writers: the read happens on a private file handle
// against a snapshot of the offset table, and appended records only ever
// grow the file past the snapshot.
func (l *ChainLog) ReadBodies(offset, count uint64) ([][]byte, error) {
	l.mu.Lock()
	snapshot := make([]int64, len(l.offsets))
	copy(snapshot, l.offsets)
	size := l.size
	l.mu.Unlock()

	if offset >= uint64(len(snapshot)) || count == 0 {
		return nil, nil
	}
	end := offset + count
	if end > uint64(len(snapshot)) {
		end = uint64(len(snapshot))
	}

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("%w: reader open: %v", models.ErrLedgerIO, err)
	}
	defer f.Close()

	bodies := make([][]byte, 0, end-offset)
	for i := offset; i < end; i++ {
		start := snapshot[i]
		recEnd := size
		if i+1 < uint64(len(snapshot)) {
			recEnd = snapshot[i+1]
		}
		raw := make([]byte, recEnd-start)
		if _, err := f.ReadAt(raw, start); err != nil && err != io.EOF {
			return nil, fmt.Errorf("%w: reader: %v", models.ErrLedgerIO, err)
		}
		bodyLen := binary.BigEndian.Uint32(raw[:recordHeaderSize])
		bodies = append(bodies, raw[recordHeaderSize:recordHeaderSize+bodyLen])
	}
	return bodies, nil
}

// Verify re-walks the log and validates the entire hash chain against the
// stored record hashes.
func (l *ChainLog) Verify() error {
	bodies, err := l.ReadBodies(0, l.Count())
	if err != nil {
		return err
	}
	prev := ZeroHash
	for _, body := range bodies {
		prev = ChainHash(prev, body)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev != l.lastHash {
		return fmt.Errorf("%w: recomputed chain head does not match", models.ErrLedgerInvariant)
	}
	return nil
}

// Quarantined returns the quarantine reason, empty when the log is clean.
func (l *ChainLog) Quarantined() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quarantineReason
}

// Quarantine marks the log as refusing further appends.
func (l *ChainLog) Quarantine(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.markQuarantine(reason)
}

// ClearQuarantine is the operator action that re-enables appends.
func (l *ChainLog) ClearQuarantine() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Remove(l.quarPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: clear quarantine: %v", models.ErrLedgerIO, err)
	}
	l.quarantineReason = ""
	return nil
}

// markQuarantine requires l.mu held (or single-threaded open).
func (l *ChainLog) markQuarantine(reason string) {
	l.quarantineReason = reason
	_ = writeFileSync(l.quarPath, []byte(reason))
}

// ReplayInto re-appends every record body of l into dst. Because the chain
// hash is a pure function of body order, the destination file ends up
// byte-identical to the source.
func (l *ChainLog) ReplayInto(dst *ChainLog) error {
	bodies, err := l.ReadBodies(0, l.Count())
	if err != nil {
		return err
	}
	for _, body := range bodies {
		if _, err := dst.Append(body); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying file handle.
func (l *ChainLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// writeFileSync writes data via temp + fsync + rename.
func writeFileSync(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
