package store

import (
	"context"
	"sort"
	"sync"
)

type encodedState struct {
	kind    string
	payload []byte
}

// Memory is a process-local StateStore. States are held in serialized
// form so loads hand out fresh instances and round-trip behavior
// matches the sqlite store.
type Memory struct {
	keys keyedMutex

	mu         sync.RWMutex
	partitions map[string]map[string]encodedState
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{partitions: make(map[string]map[string]encodedState)}
}

func (s *Memory) Save(ctx context.Context, partitionKey string, states StateMap) error {
	if err := ctx.Err(); err != nil {
		return &StoreError{Op: "save", Key: partitionKey, Err: err}
	}
	unlock := s.keys.lock(partitionKey)
	defer unlock()

	if len(states) == 0 {
		s.mu.Lock()
		delete(s.partitions, partitionKey)
		s.mu.Unlock()
		return nil
	}

	encoded := make(map[string]encodedState, len(states))
	for metricKey, state := range states {
		encoded[metricKey] = encodedState{kind: state.Kind(), payload: state.Serialize()}
	}

	s.mu.Lock()
	s.partitions[partitionKey] = encoded
	s.mu.Unlock()
	return nil
}

func (s *Memory) Load(ctx context.Context, partitionKey string) (StateMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StoreError{Op: "load", Key: partitionKey, Err: err}
	}
	s.mu.RLock()
	encoded, ok := s.partitions[partitionKey]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	states := make(StateMap, len(encoded))
	for metricKey, e := range encoded {
		state, err := decodeState(e.kind, e.payload)
		if err != nil {
			return nil, &StoreError{Op: "load", Key: partitionKey, Err: err}
		}
		states[metricKey] = state
	}
	return states, nil
}

func (s *Memory) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	s.mu.RLock()
	keys := make([]string, 0, len(s.partitions))
	for k := range s.partitions {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

func (s *Memory) Delete(ctx context.Context, partitionKey string) error {
	if err := ctx.Err(); err != nil {
		return &StoreError{Op: "delete", Key: partitionKey, Err: err}
	}
	unlock := s.keys.lock(partitionKey)
	defer unlock()

	s.mu.Lock()
	delete(s.partitions, partitionKey)
	s.mu.Unlock()
	return nil
}
