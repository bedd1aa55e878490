package storage

import (
	"context"
	"errors"
)

// Sentinel errors.
var (
	// ErrStaleState indicates a compare-and-set lost against a concurrent
	// writer. The caller's view of the state row is stale and must be re-read.
	ErrStaleState = errors.New("indexer state was modified concurrently")

	// ErrStateNotFound indicates no state row exists for the pair.
	ErrStateNotFound = errors.New("indexer state not found")
)

// Store is the single source of truth for indexing progress. All cursor
// mutations are compare-and-set so concurrent workers can never silently
// overwrite each other's progress.
type Store interface {
	// GetState returns the state row for the pair, or ErrStateNotFound.
	GetState(ctx context.Context, chainID uint64, contract string) (*IndexerState, error)

	// InitState inserts the state row if none exists yet. Existing rows are
	// left untouched.
	InitState(ctx context.Context, state *IndexerState) error

	// AdvanceCursor sets the cursor to (newBlock, newHash) if and only if the
	// stored cursor still equals expectBlock. Returns ErrStaleState otherwise.
	AdvanceCursor(ctx context.Context, chainID uint64, contract string, expectBlock, newBlock uint64, newHash string) error

	// SetCatchingUp flips the catch-up flag from "from" to "to" atomically.
	// Returns ErrStaleState when the stored flag does not equal "from".
	SetCatchingUp(ctx context.Context, chainID uint64, contract string, from, to bool) error

	// SetChunkSize stores the adaptive chunk size for the pair.
	SetChunkSize(ctx context.Context, chainID uint64, contract string, size uint64) error

	// ResetCursor forcibly lowers the cursor and clears the catch-up flag.
	// Only reorg resolution may call this.
	ResetCursor(ctx context.Context, chainID uint64, contract string, newBlock uint64, newHash string) error

	// UpsertEvents writes events idempotently, keyed by
	// (chain_id, contract_address, block_number, log_index).
	UpsertEvents(ctx context.Context, events []TransferEvent) error

	// DeleteEventsAbove removes all events for the pair with block number
	// strictly greater than block, returning the number removed.
	DeleteEventsAbove(ctx context.Context, chainID uint64, contract string, block uint64) (int64, error)

	// CountEvents returns the number of stored events for the pair.
	CountEvents(ctx context.Context, chainID uint64, contract string) (int64, error)

	// AppendReorgRecord appends one audit record.
	AppendReorgRecord(ctx context.Context, record *ReorgRecord) error

	// RecordAnchor upserts the hash anchor for a fully persisted block.
	RecordAnchor(ctx context.Context, anchor *BlockAnchor) error

	// ListAnchors returns anchors for the pair with minBlock <= block number
	// <= maxBlock, ordered by block number ascending.
	ListAnchors(ctx context.Context, chainID uint64, contract string, minBlock, maxBlock uint64) ([]BlockAnchor, error)

	// DeleteAnchorsAbove removes anchors with block number strictly greater
	// than block.
	DeleteAnchorsAbove(ctx context.Context, chainID uint64, contract string, block uint64) error

	// PruneAnchorsBelow removes anchors with block number strictly less than
	// block. Used to keep the anchor set bounded to the recoverable window.
	PruneAnchorsBelow(ctx context.Context, chainID uint64, contract string, block uint64) error
}
