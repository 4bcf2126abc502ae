package raft

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	metaBucket    = []byte("raft_meta")
	entriesBucket = []byte("raft_entries")

	keyCurrentTerm = []byte("current_term")
	keyVotedFor    = []byte("voted_for")
	keyHasVoted    = []byte("has_voted")
)

// Store persists an Engine's Snapshot across restarts using a single
// bbolt database file (§6.4). It is the I/O side of PersistState: the
// engine itself never touches disk.
type Store struct {
	db *bbolt.DB
}

// OpenStore opens (creating if necessary) the bbolt database at path and
// ensures both buckets exist.
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("raft: opening store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("raft: initializing buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func logIndexKey(index LogIndex) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(index))
	return key
}

// Save writes the full snapshot in one bolt transaction: the meta
// bucket is overwritten and the entries bucket is wiped and rewritten,
// since a PersistState event always carries the authoritative state.
func (s *Store) Save(snap Snapshot) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		termBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(termBuf, uint64(snap.CurrentTerm))
		if err := meta.Put(keyCurrentTerm, termBuf); err != nil {
			return err
		}
		if err := meta.Put(keyVotedFor, []byte(snap.VotedFor)); err != nil {
			return err
		}
		hasVoted := byte(0)
		if snap.HasVoted {
			hasVoted = 1
		}
		if err := meta.Put(keyHasVoted, []byte{hasVoted}); err != nil {
			return err
		}

		entries := tx.Bucket(entriesBucket)
		if err := entries.ForEach(func(k, v []byte) error {
			return entries.Delete(k)
		}); err != nil {
			return err
		}
		for _, entry := range snap.Log {
			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := entries.Put(logIndexKey(entry.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("raft: persisting state: %w", err)
	}
	return nil
}

// Load reconstructs a Snapshot from disk. commit_index/last_applied are
// not part of the snapshot by design (§6.4): they always reset to 0 on
// recovery and are recomputed as AppendEntries/heartbeats arrive.
func (s *Store) Load() (Snapshot, error) {
	var snap Snapshot

	err := s.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if termBuf := meta.Get(keyCurrentTerm); termBuf != nil {
			snap.CurrentTerm = Term(binary.BigEndian.Uint64(termBuf))
		}
		if voted := meta.Get(keyVotedFor); voted != nil {
			snap.VotedFor = NodeID(voted)
		}
		if hasVoted := meta.Get(keyHasVoted); len(hasVoted) == 1 {
			snap.HasVoted = hasVoted[0] == 1
		}

		entries := tx.Bucket(entriesBucket)
		return entries.ForEach(func(k, v []byte) error {
			var entry LogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			snap.Log = append(snap.Log, entry)
			return nil
		})
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("raft: loading state: %w", err)
	}
	return snap, nil
}
