// Package store implements the key-store contract of §6: named column
// families, get/set with null-deletes-key semantics, and a tag-scoped
// transaction primitive that serializes all operations sharing a tag and
// commits atomically on success.
//
// The in-memory MemoryStore here is the default, test-facing
// implementation; production hosts inject their own KeyStore (backed by
// LevelDB, SQLite, or similar) satisfying the same interface. The design
// is grounded on the teacher's crypto.EncryptedKeyStore: a mutex-guarded
// map plus an explicit transactional wrapper, generalized from
// file-at-rest AES-GCM encryption to an in-memory column-family store.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Recognized column names, per §6.
const (
	ColumnSession         = "session"
	ColumnPreKey          = "pre-key"
	ColumnSenderKey       = "sender-key"
	ColumnSenderKeyMemory = "sender-key-memory"
	ColumnLidMapping      = "lid-mapping"
	ColumnDeviceList      = "device-list"
	ColumnTctoken         = "tctoken"
)

// KeyStore is the transactional, column-keyed storage contract every
// Signal-storage-binding and LID-mapping-store operation runs through.
type KeyStore interface {
	// Get returns the value for each requested key in column. Keys absent
	// from the store, or explicitly deleted, are omitted from the result.
	Get(ctx context.Context, column string, keys []string) (map[string][]byte, error)

	// Set applies the given column -> key -> value writes. A nil value
	// deletes the key.
	Set(ctx context.Context, writes map[string]map[string][]byte) error

	// Transaction runs fn with all operations tagged identically to tag
	// serialized against each other, and commits fn's writes atomically
	// if fn returns nil. If fn returns an error, writes made through tx
	// are discarded.
	Transaction(ctx context.Context, tag string, fn func(tx Tx) error) error
}

// Tx is the column-store view available inside a Transaction callback.
// Reads observe the transaction's own uncommitted writes; writes are
// buffered until the transaction resolves.
type Tx interface {
	Get(ctx context.Context, column string, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, writes map[string]map[string][]byte) error
}

// MemoryStore is a process-local KeyStore backed by nested maps, with a
// per-tag mutex table providing transaction serializability.
type MemoryStore struct {
	mu      sync.Mutex
	columns map[string]map[string][]byte

	tagMu sync.Mutex
	tags  map[string]*sync.Mutex
}

// NewMemoryStore creates an empty in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		columns: make(map[string]map[string][]byte),
		tags:    make(map[string]*sync.Mutex),
	}
}

// Get implements KeyStore.
func (s *MemoryStore) Get(_ context.Context, column string, keys []string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string][]byte, len(keys))
	col := s.columns[column]
	for _, k := range keys {
		if v, ok := col[k]; ok && v != nil {
			result[k] = v
		}
	}
	return result, nil
}

// Set implements KeyStore.
func (s *MemoryStore) Set(_ context.Context, writes map[string]map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(writes)
	return nil
}

// applyLocked merges writes into s.columns. Callers must hold s.mu.
func (s *MemoryStore) applyLocked(writes map[string]map[string][]byte) {
	for column, kvs := range writes {
		col, ok := s.columns[column]
		if !ok {
			col = make(map[string][]byte)
			s.columns[column] = col
		}
		for k, v := range kvs {
			if v == nil {
				delete(col, k)
				continue
			}
			col[k] = v
		}
	}
}

// lockTag returns the mutex for tag, creating it on first use.
func (s *MemoryStore) lockTag(tag string) *sync.Mutex {
	s.tagMu.Lock()
	defer s.tagMu.Unlock()
	m, ok := s.tags[tag]
	if !ok {
		m = &sync.Mutex{}
		s.tags[tag] = m
	}
	return m
}

// Transaction implements KeyStore.
func (s *MemoryStore) Transaction(ctx context.Context, tag string, fn func(tx Tx) error) error {
	lock := s.lockTag(tag)
	lock.Lock()
	defer lock.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Transaction",
		"tag":      tag,
	}).Debug("entering key-store transaction")

	tx := &memoryTx{store: s, staged: make(map[string]map[string][]byte)}
	if err := fn(tx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Transaction",
			"tag":      tag,
			"error":    err,
		}).Warn("key-store transaction rolled back")
		return fmt.Errorf("transaction %q: %w", tag, err)
	}

	s.mu.Lock()
	s.applyLocked(tx.staged)
	s.mu.Unlock()
	return nil
}

// memoryTx buffers writes for one transaction; reads fall through to the
// parent store but are overlaid with any uncommitted staged writes.
type memoryTx struct {
	store  *MemoryStore
	staged map[string]map[string][]byte
}

func (t *memoryTx) Get(ctx context.Context, column string, keys []string) (map[string][]byte, error) {
	base, err := t.store.Get(ctx, column, keys)
	if err != nil {
		return nil, err
	}
	staged, ok := t.staged[column]
	if !ok {
		return base, nil
	}
	for _, k := range keys {
		if v, staged := staged[k]; staged {
			if v == nil {
				delete(base, k)
				continue
			}
			base[k] = v
		}
	}
	return base, nil
}

func (t *memoryTx) Set(_ context.Context, writes map[string]map[string][]byte) error {
	for column, kvs := range writes {
		col, ok := t.staged[column]
		if !ok {
			col = make(map[string][]byte)
			t.staged[column] = col
		}
		for k, v := range kvs {
			col[k] = v
		}
	}
	return nil
}

// EncodeDeviceList renders a device-id list as the comma-separated byte
// value stored under ColumnDeviceList, the shared wire format both the
// Signal repository's session migration and the device directory use.
func EncodeDeviceList(devices []int) []byte {
	parts := make([]string, len(devices))
	for i, d := range devices {
		parts[i] = strconv.Itoa(d)
	}
	return []byte(strings.Join(parts, ","))
}

// DecodeDeviceList parses the ColumnDeviceList wire format back into
// device ids. Malformed entries are skipped rather than erroring, since a
// single corrupt id should not lose accounting for the rest of the list.
func DecodeDeviceList(raw []byte) []int {
	if len(raw) == 0 {
		return nil
	}
	fields := strings.Split(string(raw), ",")
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		if d, err := strconv.Atoi(f); err == nil {
			out = append(out, d)
		}
	}
	return out
}
