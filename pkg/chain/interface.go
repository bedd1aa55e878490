// Package chain exposes the chain oracle boundary: block identities and
// transfer logs fetched on demand from a node for each configured chain.
package chain

import (
	"context"
	"math/big"
)

// Block is the identity of a single block.
type Block struct {
	Number     uint64
	Hash       string
	ParentHash string
}

// TransferLog is a decoded ERC-20 Transfer event.
type TransferLog struct {
	BlockNumber uint64
	BlockHash   string
	TxHash      string
	LogIndex    uint
	Contract    string
	From        string
	To          string
	Value       *big.Int
}

// Oracle is the source of truth for block headers, hashes and logs on one chain.
// Implementations may fail transiently; callers decide whether to retry.
type Oracle interface {
	// HeadBlock returns the current chain head number and hash.
	HeadBlock(ctx context.Context) (uint64, string, error)

	// BlockByNumber returns the identity of the block at the given height.
	BlockByNumber(ctx context.Context, number uint64) (*Block, error)

	// TransferLogs returns all Transfer events emitted by contract in
	// [from, to] inclusive, ordered by (block number, log index).
	TransferLogs(ctx context.Context, contract string, from, to uint64) ([]TransferLog, error)
}

// Set resolves the oracle for a chain ID.
type Set interface {
	Oracle(chainID uint64) (Oracle, error)
}
