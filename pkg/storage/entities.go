// Package storage persists indexing progress, transfer events and reorg
// audit records in PostgreSQL.
package storage

import (
	"time"
)

// IndexerState is the persisted progress cursor for one (chain, contract)
// pair. LastIndexedBlock is monotonically non-decreasing except during reorg
// rollback, where ResetCursor forcibly lowers it.
type IndexerState struct {
	ChainID          uint64    `db:"chain_id"`
	ContractAddress  string    `db:"contract_address"`
	LastIndexedBlock uint64    `db:"last_indexed_block"`
	LastBlockHash    string    `db:"last_block_hash"`
	IsCatchingUp     bool      `db:"is_catching_up"`
	ChunkSize        uint64    `db:"chunk_size"`
	UpdatedAt        time.Time `db:"updated_at"`
}

// TransferEvent is one indexed ERC-20 transfer, keyed by
// (chain_id, contract_address, block_number, log_index). Immutable once
// written except for deletion during reorg rollback.
type TransferEvent struct {
	ChainID         uint64    `db:"chain_id"`
	ContractAddress string    `db:"contract_address"`
	BlockNumber     uint64    `db:"block_number"`
	LogIndex        uint      `db:"log_index"`
	BlockHash       string    `db:"block_hash"`
	TxHash          string    `db:"tx_hash"`
	FromAddress     string    `db:"from_address"`
	ToAddress       string    `db:"to_address"`
	Value           string    `db:"value"`
	CreatedAt       time.Time `db:"created_at"`
}

// ReorgRecord is an append-only audit entry written when a reorganization is
// resolved.
type ReorgRecord struct {
	ID                   int64     `db:"id"`
	ChainID              uint64    `db:"chain_id"`
	ContractAddress      string    `db:"contract_address"`
	DetectedAt           time.Time `db:"detected_at"`
	InvalidatedFromBlock uint64    `db:"invalidated_from_block"`
	InvalidatedToBlock   uint64    `db:"invalidated_to_block"`
	NewCanonicalHash     string    `db:"new_canonical_hash"`
}

// BlockAnchor records the hash of a block whose events were fully persisted.
// Anchors are the comparison points the reorg detector walks backward over;
// anchors below the recoverable window are pruned.
type BlockAnchor struct {
	ChainID         uint64 `db:"chain_id"`
	ContractAddress string `db:"contract_address"`
	BlockNumber     uint64 `db:"block_number"`
	BlockHash       string `db:"block_hash"`
}
