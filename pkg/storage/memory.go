package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used in tests. It mirrors the
// compare-and-set semantics of the PostgreSQL implementation.
type MemoryStore struct {
	mu      sync.Mutex
	states  map[stateKey]*IndexerState
	events  map[stateKey]map[eventKey]TransferEvent
	reorgs  []ReorgRecord
	anchors map[stateKey]map[uint64]string
}

type stateKey struct {
	chainID  uint64
	contract string
}

type eventKey struct {
	block    uint64
	logIndex uint
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:  make(map[stateKey]*IndexerState),
		events:  make(map[stateKey]map[eventKey]TransferEvent),
		anchors: make(map[stateKey]map[uint64]string),
	}
}

func (s *MemoryStore) GetState(_ context.Context, chainID uint64, contract string) (*IndexerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[stateKey{chainID, contract}]
	if !ok {
		return nil, ErrStateNotFound
	}

	clone := *state

	return &clone, nil
}

func (s *MemoryStore) InitState(_ context.Context, state *IndexerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stateKey{state.ChainID, state.ContractAddress}
	if _, ok := s.states[key]; ok {
		return nil
	}

	clone := *state
	clone.UpdatedAt = time.Now()
	s.states[key] = &clone

	return nil
}

func (s *MemoryStore) AdvanceCursor(_ context.Context, chainID uint64, contract string, expectBlock, newBlock uint64, newHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[stateKey{chainID, contract}]
	if !ok || state.LastIndexedBlock != expectBlock {
		return ErrStaleState
	}

	state.LastIndexedBlock = newBlock
	state.LastBlockHash = newHash
	state.UpdatedAt = time.Now()

	return nil
}

func (s *MemoryStore) SetCatchingUp(_ context.Context, chainID uint64, contract string, from, to bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[stateKey{chainID, contract}]
	if !ok || state.IsCatchingUp != from {
		return ErrStaleState
	}

	state.IsCatchingUp = to
	state.UpdatedAt = time.Now()

	return nil
}

func (s *MemoryStore) SetChunkSize(_ context.Context, chainID uint64, contract string, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[stateKey{chainID, contract}]
	if !ok {
		return ErrStateNotFound
	}

	state.ChunkSize = size
	state.UpdatedAt = time.Now()

	return nil
}

func (s *MemoryStore) ResetCursor(_ context.Context, chainID uint64, contract string, newBlock uint64, newHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[stateKey{chainID, contract}]
	if !ok {
		return ErrStateNotFound
	}

	state.LastIndexedBlock = newBlock
	state.LastBlockHash = newHash
	state.IsCatchingUp = false
	state.UpdatedAt = time.Now()

	return nil
}

func (s *MemoryStore) UpsertEvents(_ context.Context, events []TransferEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		key := stateKey{e.ChainID, e.ContractAddress}
		if s.events[key] == nil {
			s.events[key] = make(map[eventKey]TransferEvent)
		}

		s.events[key][eventKey{e.BlockNumber, e.LogIndex}] = e
	}

	return nil
}

func (s *MemoryStore) DeleteEventsAbove(_ context.Context, chainID uint64, contract string, block uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64

	for key, e := range s.events[stateKey{chainID, contract}] {
		if e.BlockNumber > block {
			delete(s.events[stateKey{chainID, contract}], key)

			deleted++
		}
	}

	return deleted, nil
}

func (s *MemoryStore) CountEvents(_ context.Context, chainID uint64, contract string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.events[stateKey{chainID, contract}])), nil
}

// Events returns all stored events for a pair sorted by (block, log index).
func (s *MemoryStore) Events(chainID uint64, contract string) []TransferEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []TransferEvent
	for _, e := range s.events[stateKey{chainID, contract}] {
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}

		return out[i].LogIndex < out[j].LogIndex
	})

	return out
}

func (s *MemoryStore) AppendReorgRecord(_ context.Context, record *ReorgRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *record
	clone.ID = int64(len(s.reorgs) + 1)

	if clone.DetectedAt.IsZero() {
		clone.DetectedAt = time.Now()
	}

	s.reorgs = append(s.reorgs, clone)

	return nil
}

// ReorgRecords returns all appended reorg records in order.
func (s *MemoryStore) ReorgRecords() []ReorgRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ReorgRecord, len(s.reorgs))
	copy(out, s.reorgs)

	return out
}

func (s *MemoryStore) RecordAnchor(_ context.Context, anchor *BlockAnchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stateKey{anchor.ChainID, anchor.ContractAddress}
	if s.anchors[key] == nil {
		s.anchors[key] = make(map[uint64]string)
	}

	s.anchors[key][anchor.BlockNumber] = anchor.BlockHash

	return nil
}

func (s *MemoryStore) ListAnchors(_ context.Context, chainID uint64, contract string, minBlock, maxBlock uint64) ([]BlockAnchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []BlockAnchor

	for number, hash := range s.anchors[stateKey{chainID, contract}] {
		if number >= minBlock && number <= maxBlock {
			out = append(out, BlockAnchor{
				ChainID:         chainID,
				ContractAddress: contract,
				BlockNumber:     number,
				BlockHash:       hash,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].BlockNumber < out[j].BlockNumber
	})

	return out, nil
}

func (s *MemoryStore) DeleteAnchorsAbove(_ context.Context, chainID uint64, contract string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for number := range s.anchors[stateKey{chainID, contract}] {
		if number > block {
			delete(s.anchors[stateKey{chainID, contract}], number)
		}
	}

	return nil
}

func (s *MemoryStore) PruneAnchorsBelow(_ context.Context, chainID uint64, contract string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for number := range s.anchors[stateKey{chainID, contract}] {
		if number < block {
			delete(s.anchors[stateKey{chainID, contract}], number)
		}
	}

	return nil
}
