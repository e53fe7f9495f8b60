package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/itohio/gosoil/pkg/measure"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrClosed is returned by operations on a closed journal.
	ErrClosed = errors.New("journal is closed")
	// ErrCorrupted is returned when a stored entry fails its integrity check.
	ErrCorrupted = errors.New("journal entry corrupted (CRC mismatch)")
)

var keyPrefix = []byte("reading/")

// Config configures the journal store.
type Config struct {
	Path       string // Directory for database files, ignored when InMemory
	InMemory   bool
	SyncWrites bool
	Capacity   int // Oldest readings are dropped beyond this (default 1000)
	Logger     *zerolog.Logger
}

// Journal is a durable FIFO of readings waiting for upload. It keeps pending
// readings across restarts the way the board keeps them across deep sleep.
//
// Keys are keyPrefix + 8-byte big-endian sequence number so iteration order
// is insertion order. Values are [4-byte CRC32][gob-encoded reading].
type Journal struct {
	db       *badger.DB
	capacity int
	log      zerolog.Logger

	mu     sync.Mutex
	next   uint64 // Sequence number of the next push
	count  int
	closed bool
}

// Open opens the journal and recovers its sequence position.
func Open(cfg Config) (*Journal, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent journal")
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create journal directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	j := &Journal{db: db, capacity: cfg.Capacity, log: logger.With().Str("component", "journal").Logger()}
	if err := j.recover(); err != nil {
		db.Close()
		return nil, err
	}
	if err := j.trim(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// recover counts stored entries and finds the last sequence number.
func (j *Journal) recover() error {
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			seq, err := parseKey(it.Item().Key())
			if err != nil {
				return err
			}
			j.count++
			j.next = seq + 1
		}
		return nil
	})
}

// Push appends a reading, dropping the oldest one when over capacity.
func (j *Journal) Push(r measure.Reading) error {
	data, err := encode(r)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	key := makeKey(j.next)
	if err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}); err != nil {
		return fmt.Errorf("store reading: %w", err)
	}
	j.next++
	j.count++

	return j.trim()
}

// trim drops the oldest entries beyond capacity; callers hold j.mu or own j.
func (j *Journal) trim() error {
	if j.count <= j.capacity {
		return nil
	}
	return j.drop(j.count - j.capacity)
}

// Len returns the number of stored readings.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

// Snapshot returns the stored readings, oldest first. Entries that fail to
// decode are logged and deleted so they cannot block the readings behind
// them.
func (j *Journal) Snapshot() ([]measure.Reading, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrClosed
	}

	result := make([]measure.Reading, 0, j.count)
	var corrupt [][]byte
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			item := it.Item()
			var r measure.Reading
			var decodeErr error
			if err := item.Value(func(val []byte) error {
				r, decodeErr = decode(val)
				return nil
			}); err != nil {
				return err
			}
			if decodeErr != nil {
				j.log.Warn().Err(decodeErr).Hex("key", item.Key()).Msg("Discarding unreadable journal entry")
				corrupt = append(corrupt, item.KeyCopy(nil))
				continue
			}
			result = append(result, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}

	if len(corrupt) > 0 {
		if err := j.deleteKeys(corrupt); err != nil {
			return nil, fmt.Errorf("discard corrupted entries: %w", err)
		}
	}
	return result, nil
}

// deleteKeys removes the given entries; callers hold j.mu.
func (j *Journal) deleteKeys(keys [][]byte) error {
	if err := j.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	j.count -= len(keys)
	return nil
}

// Drop removes the n oldest readings.
func (j *Journal) Drop(n int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.drop(n)
}

func (j *Journal) drop(n int) error {
	if n <= 0 {
		return nil
	}

	deleted := 0
	err := j.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix) && deleted < n; it.Next() {
			key := it.Item().KeyCopy(nil)
			if err := txn.Delete(key); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("drop readings: %w", err)
	}
	j.count -= deleted
	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}

func makeKey(seq uint64) []byte {
	key := make([]byte, len(keyPrefix)+8)
	copy(key, keyPrefix)
	binary.BigEndian.PutUint64(key[len(keyPrefix):], seq)
	return key
}

func parseKey(key []byte) (uint64, error) {
	if len(key) != len(keyPrefix)+8 {
		return 0, fmt.Errorf("malformed journal key %q", key)
	}
	return binary.BigEndian.Uint64(key[len(keyPrefix):]), nil
}

func encode(r measure.Reading) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	data := buf.Bytes()
	binary.BigEndian.PutUint32(data[:4], crc32.ChecksumIEEE(data[4:]))
	return data, nil
}

func decode(data []byte) (measure.Reading, error) {
	var r measure.Reading
	if len(data) < 4 {
		return r, ErrCorrupted
	}
	if binary.BigEndian.Uint32(data[:4]) != crc32.ChecksumIEEE(data[4:]) {
		return r, ErrCorrupted
	}
	if err := gob.NewDecoder(bytes.NewReader(data[4:])).Decode(&r); err != nil {
		return r, fmt.Errorf("gob decode: %w", err)
	}
	return r, nil
}
