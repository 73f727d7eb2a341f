// Package store persists mergeable metric states keyed by partition.
// Implementations keep states as kind-tagged binary envelopes so a
// store written by a newer engine version loads without losing state
// kinds this version does not know.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/veridata/dqe/pkg/metric"
)

// ErrNotFound reports that no states exist for a partition key.
var ErrNotFound = errors.New("store: partition not found")

// StateMap holds the states of one partition, keyed by metric key.
type StateMap map[string]metric.State

// StoreError wraps a failure of the backing store.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// StateStore persists state maps by partition key.
//
// Save replaces the whole map for a key; writes to one key are atomic
// and mutually exclusive, writes to distinct keys may proceed
// concurrently. Saving an empty map removes the key. Load returns
// ErrNotFound for absent keys; states whose kind is unknown to this
// build come back as raw passthrough states and survive a later Save.
// Delete is idempotent.
type StateStore interface {
	Save(ctx context.Context, partitionKey string, states StateMap) error
	Load(ctx context.Context, partitionKey string) (StateMap, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, partitionKey string) error
}

// decodeState revives one envelope, falling back to a raw passthrough
// state for kinds this build does not register.
func decodeState(kind string, payload []byte) (metric.State, error) {
	state, err := metric.Decode(kind, payload)
	if errors.Is(err, metric.ErrUnknownKind) {
		return metric.NewRaw(kind, payload), nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// keyedMutex hands out one mutex per partition key. Entries are never
// evicted; the key universe is the partition universe, which is small.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
