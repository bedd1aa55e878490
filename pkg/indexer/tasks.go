package indexer

import (
	"encoding/json"
	"math/big"

	"github.com/hibiken/asynq"
)

const (
	RangeTaskType   = "transfer_range_process"
	CatchupTaskType = "transfer_catchup_split"
	ReorgTaskType   = "transfer_reorg_resolve"
)

// RangePayload describes one contiguous block range to index for a pair.
// Block numbers travel as big.Int so the wire format never truncates chains
// whose heights exceed the JSON-safe integer range.
type RangePayload struct {
	ChainID   uint64  `json:"chain_id"`
	Contract  string  `json:"contract"`
	FromBlock big.Int `json:"from_block"`
	ToBlock   big.Int `json:"to_block"`
}

// MarshalBinary implements encoding.BinaryMarshaler
func (p *RangePayload) MarshalBinary() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (p *RangePayload) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, p)
}

// CatchupPayload describes a large gap to split into range tasks.
type CatchupPayload struct {
	ChainID   uint64  `json:"chain_id"`
	Contract  string  `json:"contract"`
	FromBlock big.Int `json:"from_block"`
	ToBlock   big.Int `json:"to_block"`
	ChunkSize uint64  `json:"chunk_size"`
}

// MarshalBinary implements encoding.BinaryMarshaler
func (p *CatchupPayload) MarshalBinary() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (p *CatchupPayload) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, p)
}

// ReorgPayload carries a suspect block whose stored hash no longer matches
// the chain. SuspectBlock is the last block still believed canonical by the
// reporter; the resolver verifies and walks back from there.
type ReorgPayload struct {
	ChainID      uint64  `json:"chain_id"`
	Contract     string  `json:"contract"`
	SuspectBlock big.Int `json:"suspect_block"`
	SuspectHash  string  `json:"suspect_hash"`
}

// MarshalBinary implements encoding.BinaryMarshaler
func (p *ReorgPayload) MarshalBinary() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (p *ReorgPayload) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, p)
}

// NewRangeTask creates a range processing task.
func NewRangeTask(payload *RangePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(RangeTaskType, data), nil
}

// NewCatchupTask creates a catch-up split task.
func NewCatchupTask(payload *CatchupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(CatchupTaskType, data), nil
}

// NewReorgTask creates a reorg resolution task.
func NewReorgTask(payload *ReorgPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(ReorgTaskType, data), nil
}
