package nullifier

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/edgechain/proofserver/internal/hashing"
	"github.com/edgechain/proofserver/internal/persistence"
)

// recordDoc is the on-disk JSON-lines shape from spec.md §6:
// { "n": hex32, "e": u64, "t_ms": u64, "reward_micro": u64, "data_hash": hex32, "mode": "auto"|"manual" }
// Tier is not part of the wire format; it is re-derived by SelectTier on
// restore since it is defined as a pure function of (n, e).
type recordDoc struct {
	N           hashing.Hash `json:"n"`
	Epoch       uint64       `json:"e"`
	SpentAtMs   int64        `json:"t_ms"`
	RewardMicro uint64       `json:"reward_micro"`
	DataHash    hashing.Hash `json:"data_hash"`
	Mode        Mode         `json:"mode"`
}

func toDoc(r Record) recordDoc {
	return recordDoc{
		N:           r.N,
		Epoch:       r.Epoch,
		SpentAtMs:   r.SpentAtMs,
		RewardMicro: r.RewardMicro,
		DataHash:    r.DataHash,
		Mode:        r.Mode,
	}
}

func fromDoc(d recordDoc) Record {
	tier, _ := SelectTier(d.N, d.Epoch)
	return Record{
		N:           d.N,
		Epoch:       d.Epoch,
		SpentAtMs:   d.SpentAtMs,
		RewardMicro: d.RewardMicro,
		Tier:        tier,
		DataHash:    d.DataHash,
		Mode:        d.Mode,
	}
}

// Open attaches path as the store's append-only backing log: existing
// records are restored first (spec.md §4.9 — startup restore), then every
// future TrySpend append is written durably before it becomes visible.
//
// A missing file is not an error: the store starts empty. A corrupt file
// (malformed JSON on any line) is startup-fatal, per spec.md §4.9's
// "refuse to start rather than silently begin empty."
func Open(path string, maxLag, maxLead int64) (*Store, error) {
	s := New(maxLag, maxLead)
	s.path = path

	if err := s.restore(); err != nil {
		return nil, err
	}

	s.appendFn = s.appendToLog
	return s, nil
}

func (s *Store) restore() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("nullifier: open %s: %w", s.path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var d recordDoc
		if err := json.Unmarshal(line, &d); err != nil {
			return fmt.Errorf("nullifier: corrupt log %s line %d: %w", s.path, lineNo, err)
		}
		s.records[key{d.N, d.Epoch}] = fromDoc(d)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("nullifier: read %s: %w", s.path, err)
	}
	return nil
}

// appendToLog appends one JSON line to the backing file, fsyncing before
// return so the caller's durability-before-dispatch guarantee holds.
func (s *Store) appendToLog(r Record) error {
	data, err := json.Marshal(toDoc(r))
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log for append: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return f.Sync()
}

// Compact rewrites the backing log from the current in-memory record set,
// atomically (temp file + rename), dropping any records GC already
// removed. Records are written sorted by (epoch, n) so the file is
// deterministic across restarts with identical state.
func (s *Store) Compact() error {
	s.mu.Lock()
	recs := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	path := s.path
	s.mu.Unlock()

	if path == "" {
		return nil // not backed by a file
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Epoch != recs[j].Epoch {
			return recs[i].Epoch < recs[j].Epoch
		}
		return recs[i].N.Hex() < recs[j].N.Hex()
	})

	var buf []byte
	for _, r := range recs {
		line, err := json.Marshal(toDoc(r))
		if err != nil {
			return fmt.Errorf("nullifier: marshal during compaction: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	return persistence.WriteFileAtomic(path, buf)
}
