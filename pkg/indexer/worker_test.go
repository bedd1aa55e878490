package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenwatch/indexer/pkg/chain"
	"github.com/tokenwatch/indexer/pkg/storage"
)

// fakeChainOracle serves blocks and logs from in-memory maps. Blocks absent
// from the map get a synthetic "0xh<number>" hash, so the map only needs the
// blocks a test wants to control.
func fakeChainOracle(hashes map[uint64]string, logs []chain.TransferLog) *chain.MockOracle {
	hashAt := func(number uint64) string {
		if hash, ok := hashes[number]; ok {
			return hash
		}

		return fmt.Sprintf("0xh%d", number)
	}

	return &chain.MockOracle{
		HeadBlockFunc: func(context.Context) (uint64, string, error) {
			var head uint64
			for number := range hashes {
				if number > head {
					head = number
				}
			}

			return head, hashAt(head), nil
		},
		BlockByNumberFunc: func(_ context.Context, number uint64) (*chain.Block, error) {
			return &chain.Block{Number: number, Hash: hashAt(number), ParentHash: hashAt(number - 1)}, nil
		},
		TransferLogsFunc: func(_ context.Context, contract string, from, to uint64) ([]chain.TransferLog, error) {
			var out []chain.TransferLog
			for _, entry := range logs {
				if entry.Contract == contract && entry.BlockNumber >= from && entry.BlockNumber <= to {
					out = append(out, entry)
				}
			}

			return out, nil
		},
	}
}

func rangeTask(t *testing.T, chainID uint64, contract string, from, to uint64) *asynq.Task {
	t.Helper()

	payload := &RangePayload{ChainID: chainID, Contract: contract}
	payload.FromBlock.SetUint64(from)
	payload.ToBlock.SetUint64(to)

	task, err := NewRangeTask(payload)
	require.NoError(t, err)

	return task
}

func newTestWorker(t *testing.T, store storage.Store, oracle chain.Oracle, enqueuer Enqueuer) *Worker {
	t.Helper()

	config := testConfig(t)
	chains := &chain.MockSet{Oracles: map[uint64]chain.Oracle{1: oracle}}

	return NewWorker(logrus.New(), config, store, chains, enqueuer)
}

func TestWorker_HappyPath(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	enqueuer := &MockEnqueuer{}

	hashes := map[uint64]string{100: "0xh100", 150: "0xh150", 200: "0xh200"}
	logs := []chain.TransferLog{
		{BlockNumber: 150, BlockHash: "0xh150", TxHash: "0xt1", LogIndex: 0, Contract: "0xabc", From: "0xf", To: "0xt", Value: big.NewInt(100)},
		{BlockNumber: 150, BlockHash: "0xh150", TxHash: "0xt1", LogIndex: 1, Contract: "0xabc", From: "0xt", To: "0xf", Value: big.NewInt(50)},
	}

	require.NoError(t, store.InitState(ctx, &storage.IndexerState{
		ChainID:          1,
		ContractAddress:  "0xabc",
		LastIndexedBlock: 100,
		LastBlockHash:    "0xh100",
		ChunkSize:        1000,
	}))

	worker := newTestWorker(t, store, fakeChainOracle(hashes, logs), enqueuer)

	require.NoError(t, worker.HandleRangeTask(ctx, rangeTask(t, 1, "0xabc", 101, 200)))

	state, err := store.GetState(ctx, 1, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), state.LastIndexedBlock)
	assert.Equal(t, "0xh200", state.LastBlockHash)

	events := store.Events(1, "0xabc")
	require.Len(t, events, 2)
	assert.Equal(t, uint64(150), events[0].BlockNumber)
	assert.Equal(t, "100", events[0].Value)

	anchors, err := store.ListAnchors(ctx, 1, "0xabc", 200, 200)
	require.NoError(t, err)
	require.Len(t, anchors, 1)
	assert.Equal(t, "0xh200", anchors[0].BlockHash)

	// An interior anchor is recorded partway through the range too.
	interior, err := store.ListAnchors(ctx, 1, "0xabc", 101, 199)
	require.NoError(t, err)
	require.Len(t, interior, 1)
	assert.Equal(t, uint64(164), interior[0].BlockNumber)
	assert.Equal(t, "0xh164", interior[0].BlockHash)

	assert.Empty(t, enqueuer.Tasks())
}

func TestWorker_RerunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	enqueuer := &MockEnqueuer{}

	hashes := map[uint64]string{100: "0xh100", 150: "0xh150", 200: "0xh200"}
	logs := []chain.TransferLog{
		{BlockNumber: 150, BlockHash: "0xh150", TxHash: "0xt1", LogIndex: 0, Contract: "0xabc", From: "0xf", To: "0xt", Value: big.NewInt(100)},
	}

	require.NoError(t, store.InitState(ctx, &storage.IndexerState{
		ChainID:          1,
		ContractAddress:  "0xabc",
		LastIndexedBlock: 100,
		LastBlockHash:    "0xh100",
		ChunkSize:        1000,
	}))

	worker := newTestWorker(t, store, fakeChainOracle(hashes, logs), enqueuer)

	task := rangeTask(t, 1, "0xabc", 101, 200)
	require.NoError(t, worker.HandleRangeTask(ctx, task))
	require.NoError(t, worker.HandleRangeTask(ctx, task))

	state, err := store.GetState(ctx, 1, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), state.LastIndexedBlock)

	count, err := store.CountEvents(ctx, 1, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestWorker_AnchorMismatchEscalatesReorg(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	enqueuer := &MockEnqueuer{}

	// The chain now reports a different hash for block 100 than what was
	// stored when it was indexed.
	hashes := map[uint64]string{100: "0xreorged", 200: "0xh200"}

	require.NoError(t, store.InitState(ctx, &storage.IndexerState{
		ChainID:          1,
		ContractAddress:  "0xabc",
		LastIndexedBlock: 100,
		LastBlockHash:    "0xh100",
		ChunkSize:        1000,
	}))

	worker := newTestWorker(t, store, fakeChainOracle(hashes, nil), enqueuer)

	require.NoError(t, worker.HandleRangeTask(ctx, rangeTask(t, 1, "0xabc", 101, 200)))

	// No cursor movement, no events, one reorg task.
	state, err := store.GetState(ctx, 1, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), state.LastIndexedBlock)

	count, err := store.CountEvents(ctx, 1, "0xabc")
	require.NoError(t, err)
	assert.Zero(t, count)

	reorgs := enqueuer.TasksOfType(ReorgTaskType)
	require.Len(t, reorgs, 1)

	var payload ReorgPayload
	require.NoError(t, json.Unmarshal(reorgs[0].Payload(), &payload))
	assert.Equal(t, uint64(100), payload.SuspectBlock.Uint64())
	assert.Equal(t, "0xreorged", payload.SuspectHash)
}

func TestWorker_OutOfOrderChunkDoesNotAdvanceCursor(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	enqueuer := &MockEnqueuer{}

	hashes := map[uint64]string{100: "0xh100", 250: "0xh250", 300: "0xh300"}
	logs := []chain.TransferLog{
		{BlockNumber: 250, BlockHash: "0xh250", TxHash: "0xt1", LogIndex: 0, Contract: "0xabc", From: "0xf", To: "0xt", Value: big.NewInt(7)},
	}

	require.NoError(t, store.InitState(ctx, &storage.IndexerState{
		ChainID:          1,
		ContractAddress:  "0xabc",
		LastIndexedBlock: 100,
		LastBlockHash:    "0xh100",
		ChunkSize:        1000,
	}))

	worker := newTestWorker(t, store, fakeChainOracle(hashes, logs), enqueuer)

	// A catch-up chunk that is not adjacent to the cursor persists its
	// events but leaves the cursor alone.
	require.NoError(t, worker.HandleRangeTask(ctx, rangeTask(t, 1, "0xabc", 201, 300)))

	state, err := store.GetState(ctx, 1, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), state.LastIndexedBlock)

	count, err := store.CountEvents(ctx, 1, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestWorker_TransientFetchErrorRetriesAndShrinksChunk(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	enqueuer := &MockEnqueuer{}

	oracle := &chain.MockOracle{
		BlockByNumberFunc: func(_ context.Context, number uint64) (*chain.Block, error) {
			return &chain.Block{Number: number, Hash: "0xh100"}, nil
		},
		TransferLogsFunc: func(context.Context, string, uint64, uint64) ([]chain.TransferLog, error) {
			return nil, errors.New("connection reset by peer")
		},
	}

	require.NoError(t, store.InitState(ctx, &storage.IndexerState{
		ChainID:          1,
		ContractAddress:  "0xabc",
		LastIndexedBlock: 100,
		LastBlockHash:    "0xh100",
		ChunkSize:        1000,
	}))

	worker := newTestWorker(t, store, oracle, enqueuer)

	err := worker.HandleRangeTask(ctx, rangeTask(t, 1, "0xabc", 101, 200))
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)

	state, err := store.GetState(ctx, 1, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(500), state.ChunkSize)
	assert.Equal(t, uint64(100), state.LastIndexedBlock)
}

func TestWorker_RateLimitedReschedulesWithoutFailing(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	enqueuer := &MockEnqueuer{}

	oracle := &chain.MockOracle{
		BlockByNumberFunc: func(_ context.Context, number uint64) (*chain.Block, error) {
			return &chain.Block{Number: number, Hash: "0xh100"}, nil
		},
		TransferLogsFunc: func(context.Context, string, uint64, uint64) ([]chain.TransferLog, error) {
			return nil, errors.New("429 too many requests")
		},
	}

	require.NoError(t, store.InitState(ctx, &storage.IndexerState{
		ChainID:          1,
		ContractAddress:  "0xabc",
		LastIndexedBlock: 100,
		LastBlockHash:    "0xh100",
		ChunkSize:        1000,
	}))

	worker := newTestWorker(t, store, oracle, enqueuer)

	// The task succeeds from asynq's point of view; the range comes back as
	// a fresh task after the cool-down, so the retry budget is untouched.
	require.NoError(t, worker.HandleRangeTask(ctx, rangeTask(t, 1, "0xabc", 101, 200)))

	rescheduled := enqueuer.TasksOfType(RangeTaskType)
	require.Len(t, rescheduled, 1)

	var payload RangePayload
	require.NoError(t, json.Unmarshal(rescheduled[0].Payload(), &payload))
	assert.Equal(t, uint64(101), payload.FromBlock.Uint64())
	assert.Equal(t, uint64(200), payload.ToBlock.Uint64())

	state, err := store.GetState(ctx, 1, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), state.LastIndexedBlock)
}

func TestWorker_FastCompletionGrowsChunk(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	enqueuer := &MockEnqueuer{}

	hashes := map[uint64]string{100: "0xh100", 200: "0xh200"}

	require.NoError(t, store.InitState(ctx, &storage.IndexerState{
		ChainID:          1,
		ContractAddress:  "0xabc",
		LastIndexedBlock: 100,
		LastBlockHash:    "0xh100",
		ChunkSize:        1000,
	}))

	worker := newTestWorker(t, store, fakeChainOracle(hashes, nil), enqueuer)

	require.NoError(t, worker.HandleRangeTask(ctx, rangeTask(t, 1, "0xabc", 101, 200)))

	state, err := store.GetState(ctx, 1, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(1250), state.ChunkSize)
}

func TestWorker_GenesisRangeSkipsAnchorCheck(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	enqueuer := &MockEnqueuer{}

	hashes := map[uint64]string{50: "0xh50"}

	require.NoError(t, store.InitState(ctx, &storage.IndexerState{
		ChainID:         1,
		ContractAddress: "0xabc",
		ChunkSize:       1000,
	}))

	worker := newTestWorker(t, store, fakeChainOracle(hashes, nil), enqueuer)

	require.NoError(t, worker.HandleRangeTask(ctx, rangeTask(t, 1, "0xabc", 1, 50)))

	state, err := store.GetState(ctx, 1, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(50), state.LastIndexedBlock)
	assert.Equal(t, "0xh50", state.LastBlockHash)
}
