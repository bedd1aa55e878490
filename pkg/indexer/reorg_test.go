package indexer

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenwatch/indexer/pkg/chain"
	"github.com/tokenwatch/indexer/pkg/storage"
)

// seedReorgedPair stores a pair whose history above block 80 has been
// reorganized away: anchors at 90 and 100 no longer match the chain.
func seedReorgedPair(t *testing.T, store *storage.MemoryStore) map[uint64]string {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, store.InitState(ctx, &storage.IndexerState{
		ChainID:          1,
		ContractAddress:  "0xabc",
		LastIndexedBlock: 100,
		LastBlockHash:    "0xh100",
		ChunkSize:        1000,
	}))

	for block, hash := range map[uint64]string{80: "0xh80", 90: "0xh90", 100: "0xh100"} {
		require.NoError(t, store.RecordAnchor(ctx, &storage.BlockAnchor{
			ChainID:         1,
			ContractAddress: "0xabc",
			BlockNumber:     block,
			BlockHash:       hash,
		}))
	}

	require.NoError(t, store.UpsertEvents(ctx, []storage.TransferEvent{
		{ChainID: 1, ContractAddress: "0xabc", BlockNumber: 75, LogIndex: 0, Value: "1"},
		{ChainID: 1, ContractAddress: "0xabc", BlockNumber: 85, LogIndex: 0, Value: "2"},
		{ChainID: 1, ContractAddress: "0xabc", BlockNumber: 95, LogIndex: 0, Value: "3"},
	}))

	// Chain truth after the reorg: block 80 survived, 90 and 100 did not.
	return map[uint64]string{80: "0xh80", 90: "0xnew90", 100: "0xnew100", 110: "0xnew110"}
}

func reorgTask(t *testing.T, suspect uint64, hash string) *asynq.Task {
	t.Helper()

	payload := &ReorgPayload{ChainID: 1, Contract: "0xabc", SuspectHash: hash}
	payload.SuspectBlock.SetUint64(suspect)

	task, err := NewReorgTask(payload)
	require.NoError(t, err)

	return task
}

func TestResolver_RollsBackToCanonicalAncestor(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	hashes := seedReorgedPair(t, store)

	config := testConfig(t)
	chains := &chain.MockSet{Oracles: map[uint64]chain.Oracle{1: fakeChainOracle(hashes, nil)}}
	resolver := NewResolver(logrus.New(), config, store, chains, NewHalts())

	require.NoError(t, resolver.HandleReorgTask(ctx, reorgTask(t, 100, "0xnew100")))

	state, err := store.GetState(ctx, 1, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(80), state.LastIndexedBlock)
	assert.Equal(t, "0xh80", state.LastBlockHash)
	assert.False(t, state.IsCatchingUp)

	// Events above block 80 are gone, older ones survive.
	events := store.Events(1, "0xabc")
	require.Len(t, events, 1)
	assert.Equal(t, uint64(75), events[0].BlockNumber)

	// Invalidated anchors are gone too.
	anchors, err := store.ListAnchors(ctx, 1, "0xabc", 0, 200)
	require.NoError(t, err)
	require.Len(t, anchors, 1)
	assert.Equal(t, uint64(80), anchors[0].BlockNumber)

	records := store.ReorgRecords()
	require.Len(t, records, 1)
	assert.Equal(t, uint64(81), records[0].InvalidatedFromBlock)
	assert.Equal(t, uint64(100), records[0].InvalidatedToBlock)
	assert.Equal(t, "0xh80", records[0].NewCanonicalHash)
}

func TestResolver_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	hashes := seedReorgedPair(t, store)

	config := testConfig(t)
	chains := &chain.MockSet{Oracles: map[uint64]chain.Oracle{1: fakeChainOracle(hashes, nil)}}
	resolver := NewResolver(logrus.New(), config, store, chains, NewHalts())

	task := reorgTask(t, 100, "0xnew100")
	require.NoError(t, resolver.HandleReorgTask(ctx, task))
	require.NoError(t, resolver.HandleReorgTask(ctx, task))

	// A duplicate task appends no second audit record.
	assert.Len(t, store.ReorgRecords(), 1)

	state, err := store.GetState(ctx, 1, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(80), state.LastIndexedBlock)
}

func TestResolver_TooDeepSkipsRetry(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedReorgedPair(t, store)

	// Every stored anchor mismatches the chain.
	hashes := map[uint64]string{80: "0xalien80", 90: "0xalien90", 100: "0xalien100"}

	config := testConfig(t)
	chains := &chain.MockSet{Oracles: map[uint64]chain.Oracle{1: fakeChainOracle(hashes, nil)}}
	resolver := NewResolver(logrus.New(), config, store, chains, NewHalts())

	err := resolver.HandleReorgTask(ctx, reorgTask(t, 100, "0xalien100"))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	// Nothing was rolled back.
	state, getErr := store.GetState(ctx, 1, "0xabc")
	require.NoError(t, getErr)
	assert.Equal(t, uint64(100), state.LastIndexedBlock)
	assert.Empty(t, store.ReorgRecords())
}

func TestDetector_EnqueuesReorgAtAncestor(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	hashes := seedReorgedPair(t, store)
	enqueuer := &MockEnqueuer{}

	config := testConfig(t)
	chains := &chain.MockSet{Oracles: map[uint64]chain.Oracle{1: fakeChainOracle(hashes, nil)}}
	detector := NewDetector(logrus.New(), config, store, chains, enqueuer, NewHalts())

	detector.ScanOnce(ctx)

	tasks := enqueuer.TasksOfType(ReorgTaskType)
	require.Len(t, tasks, 1)

	var payload ReorgPayload
	require.NoError(t, json.Unmarshal(tasks[0].Payload(), &payload))
	assert.Equal(t, uint64(80), payload.SuspectBlock.Uint64())
	assert.Equal(t, "0xh80", payload.SuspectHash)
	assert.False(t, detector.IsHalted(1, "0xabc"))
}

func TestDetector_CanonicalCursorIsQuiet(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	enqueuer := &MockEnqueuer{}

	require.NoError(t, store.InitState(ctx, &storage.IndexerState{
		ChainID:          1,
		ContractAddress:  "0xabc",
		LastIndexedBlock: 100,
		LastBlockHash:    "0xh100",
		ChunkSize:        1000,
	}))

	config := testConfig(t)
	chains := &chain.MockSet{Oracles: map[uint64]chain.Oracle{1: fakeChainOracle(map[uint64]string{100: "0xh100"}, nil)}}
	detector := NewDetector(logrus.New(), config, store, chains, enqueuer, NewHalts())

	detector.ScanOnce(ctx)

	assert.Empty(t, enqueuer.Tasks())
}

// A shallow reorg right after a large catch-up chunk must still find a
// canonical ancestor: the worker records interior anchors across the chunk,
// so the search window is never left with only the cursor block.
func TestDetector_ShallowReorgAfterLargeChunk(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	enqueuer := &MockEnqueuer{}

	hashes := map[uint64]string{}
	logs := []chain.TransferLog{
		{BlockNumber: 45500, BlockHash: "0xh45500", TxHash: "0xt1", LogIndex: 0, Contract: "0xabc", From: "0xf", To: "0xt", Value: big.NewInt(1)},
		{BlockNumber: 49999, BlockHash: "0xh49999", TxHash: "0xt2", LogIndex: 0, Contract: "0xabc", From: "0xf", To: "0xt", Value: big.NewInt(2)},
	}

	require.NoError(t, store.InitState(ctx, &storage.IndexerState{
		ChainID:          1,
		ContractAddress:  "0xabc",
		LastIndexedBlock: 45000,
		LastBlockHash:    "0xh45000",
		ChunkSize:        5000,
	}))

	config := testConfig(t)
	oracle := fakeChainOracle(hashes, logs)
	chains := &chain.MockSet{Oracles: map[uint64]chain.Oracle{1: oracle}}

	worker := NewWorker(logrus.New(), config, store, chains, enqueuer)
	require.NoError(t, worker.HandleRangeTask(ctx, rangeTask(t, 1, "0xabc", 45001, 50000)))

	state, err := store.GetState(ctx, 1, "0xabc")
	require.NoError(t, err)
	require.Equal(t, uint64(50000), state.LastIndexedBlock)

	// The chain rewrites its top two blocks.
	hashes[49999] = "0xwrong49999"
	hashes[50000] = "0xwrong50000"

	detector := NewDetector(logrus.New(), config, store, chains, enqueuer, NewHalts())
	detector.ScanOnce(ctx)

	assert.False(t, detector.IsHalted(1, "0xabc"))

	tasks := enqueuer.TasksOfType(ReorgTaskType)
	require.Len(t, tasks, 1)

	var payload ReorgPayload
	require.NoError(t, json.Unmarshal(tasks[0].Payload(), &payload))
	assert.Equal(t, uint64(49992), payload.SuspectBlock.Uint64())
	assert.Equal(t, "0xh49992", payload.SuspectHash)

	// Resolution rolls back to the interior anchor and drops the reorged
	// event.
	resolver := NewResolver(logrus.New(), config, store, chains, NewHalts())
	require.NoError(t, resolver.HandleReorgTask(ctx, tasks[0]))

	state, err = store.GetState(ctx, 1, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(49992), state.LastIndexedBlock)
	assert.Equal(t, "0xh49992", state.LastBlockHash)

	events := store.Events(1, "0xabc")
	require.Len(t, events, 1)
	assert.Equal(t, uint64(45500), events[0].BlockNumber)

	records := store.ReorgRecords()
	require.Len(t, records, 1)
	assert.Equal(t, uint64(49993), records[0].InvalidatedFromBlock)
	assert.Equal(t, uint64(50000), records[0].InvalidatedToBlock)
}

func TestResolver_TooDeepHaltsPairAndCoordinator(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedReorgedPair(t, store)
	halts := NewHalts()

	// Nothing on the chain matches any stored anchor, and the head has
	// moved on so the coordinator would normally dispatch a range.
	hashes := map[uint64]string{80: "0xalien80", 90: "0xalien90", 100: "0xalien100", 110: "0xalien110"}

	config := testConfig(t)
	chains := &chain.MockSet{Oracles: map[uint64]chain.Oracle{1: fakeChainOracle(hashes, nil)}}
	resolver := NewResolver(logrus.New(), config, store, chains, halts)

	task := reorgTask(t, 100, "0xalien100")
	err := resolver.HandleReorgTask(ctx, task)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.True(t, halts.IsHalted(1, "0xabc"))

	// The coordinator stops dispatching for the halted pair.
	enqueuer := &MockEnqueuer{}
	coordinator := NewCoordinator(logrus.New(), config, store, chains, enqueuer, halts)
	coordinator.Tick(ctx)
	assert.Empty(t, enqueuer.Tasks())

	// Straggler reorg tasks for the pair are refused without touching state.
	err = resolver.HandleReorgTask(ctx, task)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, store.ReorgRecords())
}

func TestDetector_TooDeepHaltsPair(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedReorgedPair(t, store)
	enqueuer := &MockEnqueuer{}

	// Nothing on the chain matches any stored anchor.
	hashes := map[uint64]string{80: "0xalien80", 90: "0xalien90", 100: "0xalien100"}

	config := testConfig(t)
	chains := &chain.MockSet{Oracles: map[uint64]chain.Oracle{1: fakeChainOracle(hashes, nil)}}
	detector := NewDetector(logrus.New(), config, store, chains, enqueuer, NewHalts())

	detector.ScanOnce(ctx)

	assert.True(t, detector.IsHalted(1, "0xabc"))
	assert.Empty(t, enqueuer.Tasks())

	// A halted pair is never rescanned or auto-repaired.
	detector.ScanOnce(ctx)
	assert.Empty(t, enqueuer.Tasks())
}
