package state

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"lukechampine.com/blake3"

	"peervault/core/types"
)

func journalEntryKey(seq uint64) []byte {
	buf := make([]byte, len(journalEntryPrefix)+8)
	copy(buf, journalEntryPrefix)
	binary.BigEndian.PutUint64(buf[len(journalEntryPrefix):], seq)
	return buf
}

// JournalSeq returns the sequence number of the newest journal entry, zero
// when the journal is empty.
func (m *Manager) JournalSeq() (uint64, error) {
	var seq uint64
	ok, err := m.KVGet(journalSeqKey, &seq)
	if err != nil || !ok {
		return 0, err
	}
	return seq, nil
}

// JournalAppend assigns the next sequence number to the supplied event and
// persists it, returning the stored entry. The entry digest is the BLAKE3
// hash of the canonical JSON event encoding; it is independent of sequence
// and time, so indexers can dedupe the same logical event across
// redeliveries.
func (m *Manager) JournalAppend(event *types.Event, now int64) (types.JournalEntry, error) {
	if event == nil {
		return types.JournalEntry{}, fmt.Errorf("journal: nil event")
	}
	seq, err := m.JournalSeq()
	if err != nil {
		return types.JournalEntry{}, err
	}
	seq++
	canonical, err := json.Marshal(event.Copy())
	if err != nil {
		return types.JournalEntry{}, fmt.Errorf("journal: encode event: %w", err)
	}
	digest := blake3.Sum256(canonical)
	entry := types.JournalEntry{
		Sequence: seq,
		Time:     now,
		Digest:   hex.EncodeToString(digest[:]),
		Event:    event.Copy(),
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return types.JournalEntry{}, fmt.Errorf("journal: encode entry: %w", err)
	}
	if err := m.KVPut(journalEntryKey(seq), encoded); err != nil {
		return types.JournalEntry{}, err
	}
	if err := m.KVPut(journalSeqKey, seq); err != nil {
		return types.JournalEntry{}, err
	}
	return entry, nil
}

// JournalEntries loads up to limit entries starting at the supplied sequence
// number. Sequences start at 1; a from value of 0 is treated as 1. The
// returned slice is empty once from passes the newest entry.
func (m *Manager) JournalEntries(from uint64, limit int) ([]types.JournalEntry, error) {
	if limit <= 0 {
		return []types.JournalEntry{}, nil
	}
	newest, err := m.JournalSeq()
	if err != nil {
		return nil, err
	}
	if from == 0 {
		from = 1
	}
	entries := make([]types.JournalEntry, 0, limit)
	for seq := from; seq <= newest && len(entries) < limit; seq++ {
		var encoded []byte
		ok, err := m.KVGet(journalEntryKey(seq), &encoded)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("journal: missing entry %d", seq)
		}
		var entry types.JournalEntry
		if err := json.Unmarshal(encoded, &entry); err != nil {
			return nil, fmt.Errorf("journal: decode entry %d: %w", seq, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
