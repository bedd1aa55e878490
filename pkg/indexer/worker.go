package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/tokenwatch/indexer/pkg/chain"
	"github.com/tokenwatch/indexer/pkg/common"
	"github.com/tokenwatch/indexer/pkg/storage"
)

// Worker consumes range tasks: it verifies the chain still agrees with what
// was indexed before the range, fetches and persists transfer events, then
// advances the cursor with a compare-and-set. Events are persisted before the
// cursor moves, so a crash between the two re-runs the range and the keyed
// upserts absorb the duplicates.
type Worker struct {
	log      logrus.FieldLogger
	config   *Config
	store    storage.Store
	chains   chain.Set
	enqueuer Enqueuer
}

func NewWorker(log logrus.FieldLogger, config *Config, store storage.Store, chains chain.Set, enqueuer Enqueuer) *Worker {
	return &Worker{
		log:      log.WithField("component", "range-worker"),
		config:   config,
		store:    store,
		chains:   chains,
		enqueuer: enqueuer,
	}
}

// HandleRangeTask processes one contiguous block range for a pair.
func (w *Worker) HandleRangeTask(ctx context.Context, task *asynq.Task) error {
	started := time.Now()

	var payload RangePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal range payload: %w", asynq.SkipRetry)
	}

	if !payload.FromBlock.IsUint64() || !payload.ToBlock.IsUint64() {
		return fmt.Errorf("range payload block out of range: %w", asynq.SkipRetry)
	}

	from := payload.FromBlock.Uint64()
	to := payload.ToBlock.Uint64()

	logCtx := w.log.WithFields(logrus.Fields{
		"chain_id":   payload.ChainID,
		"contract":   payload.Contract,
		"from_block": from,
		"to_block":   to,
	})

	err := w.processRange(ctx, logCtx, &payload, from, to, started)

	status := "ok"
	if err != nil {
		status = "error"
	}

	common.TasksProcessed.WithLabelValues(RangeQueue(), RangeTaskType, status).Inc()
	common.TaskProcessingDuration.WithLabelValues(RangeQueue(), RangeTaskType).Observe(time.Since(started).Seconds())

	return err
}

func (w *Worker) processRange(ctx context.Context, logCtx logrus.FieldLogger, payload *RangePayload, from, to uint64, started time.Time) error {
	chainLabel := strconv.FormatUint(payload.ChainID, 10)

	oracle, err := w.chains.Oracle(payload.ChainID)
	if err != nil {
		return fmt.Errorf("no oracle for chain %d: %w", payload.ChainID, asynq.SkipRetry)
	}

	state, err := w.store.GetState(ctx, payload.ChainID, payload.Contract)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	if state.LastIndexedBlock >= to {
		logCtx.Debug("Range already indexed, dropping")

		return nil
	}

	ok, err := w.checkAnchor(ctx, logCtx, oracle, payload, state, from)
	if err != nil {
		return err
	}

	if !ok {
		// Reorg escalated; the resolver owns the pair from here.
		return nil
	}

	logs, err := oracle.TransferLogs(ctx, payload.Contract, from, to)
	if err != nil {
		return w.handleFetchError(ctx, logCtx, payload, state, err)
	}

	tip, err := oracle.BlockByNumber(ctx, to)
	if err != nil {
		return w.handleFetchError(ctx, logCtx, payload, state, err)
	}

	events := make([]storage.TransferEvent, 0, len(logs))
	for _, entry := range logs {
		events = append(events, storage.TransferEvent{
			ChainID:         payload.ChainID,
			ContractAddress: payload.Contract,
			BlockNumber:     entry.BlockNumber,
			LogIndex:        entry.LogIndex,
			BlockHash:       entry.BlockHash,
			TxHash:          entry.TxHash,
			FromAddress:     entry.From,
			ToAddress:       entry.To,
			Value:           entry.Value.String(),
		})
	}

	if err := w.store.UpsertEvents(ctx, events); err != nil {
		return fmt.Errorf("failed to upsert events: %w", err)
	}

	if err := w.recordAnchors(ctx, oracle, payload, from, to, tip.Hash); err != nil {
		return w.handleFetchError(ctx, logCtx, payload, state, err)
	}

	advanced := true

	if err := w.store.AdvanceCursor(ctx, payload.ChainID, payload.Contract, from-1, to, tip.Hash); err != nil {
		if !errors.Is(err, storage.ErrStaleState) {
			return fmt.Errorf("failed to advance cursor: %w", err)
		}

		// Another range completed first or this is an out-of-order catch-up
		// chunk. Events are persisted; the coordinator re-derives any gap
		// from the cursor, so dropping here cannot lose blocks.
		advanced = false

		logCtx.Debug("Cursor advance lost compare-and-set, dropping")
	}

	retention := uint64(DefaultAnchorRetention)
	if w.config.MaxReorgDepth*2 > retention {
		retention = w.config.MaxReorgDepth * 2
	}

	if to > retention {
		if err := w.store.PruneAnchorsBelow(ctx, payload.ChainID, payload.Contract, to-retention); err != nil {
			logCtx.WithError(err).Warn("Failed to prune anchors")
		}
	}

	w.applyChunkFeedback(ctx, logCtx, payload, state, w.outcomeForDuration(time.Since(started)))

	common.BlocksIndexed.WithLabelValues(chainLabel, payload.Contract).Add(float64(to - from + 1))
	common.EventsIndexed.WithLabelValues(chainLabel, payload.Contract).Add(float64(len(events)))

	if advanced {
		common.LastIndexedBlock.WithLabelValues(chainLabel, payload.Contract).Set(float64(to))
	}

	logCtx.WithFields(logrus.Fields{
		"events_indexed": len(events),
		"advanced":       advanced,
		"duration":       time.Since(started),
	}).Info("Range complete")

	return nil
}

// checkAnchor verifies the chain's hash at from-1 still matches what was
// stored when that block was indexed. A mismatch means a reorganization
// touched indexed blocks; the range escalates to a reorg task instead of
// writing events on top of a stale history. Returns false when escalated.
func (w *Worker) checkAnchor(ctx context.Context, logCtx logrus.FieldLogger, oracle chain.Oracle, payload *RangePayload, state *storage.IndexerState, from uint64) (bool, error) {
	if from <= 1 {
		return true, nil
	}

	anchorBlock := from - 1

	expected := ""
	if anchorBlock == state.LastIndexedBlock {
		expected = state.LastBlockHash
	}

	if expected == "" {
		anchors, err := w.store.ListAnchors(ctx, payload.ChainID, payload.Contract, anchorBlock, anchorBlock)
		if err != nil {
			return false, fmt.Errorf("failed to load anchor: %w", err)
		}

		if len(anchors) == 0 {
			return true, nil
		}

		expected = anchors[0].BlockHash
	}

	if expected == "" {
		return true, nil
	}

	onChain, err := oracle.BlockByNumber(ctx, anchorBlock)
	if err != nil {
		return false, fmt.Errorf("failed to fetch anchor block %d: %w", anchorBlock, err)
	}

	if onChain.Hash == expected {
		return true, nil
	}

	logCtx.WithFields(logrus.Fields{
		"anchor_block":  anchorBlock,
		"expected_hash": expected,
		"chain_hash":    onChain.Hash,
	}).Warn("Anchor mismatch, escalating to reorg resolution")

	common.ReorgsDetected.WithLabelValues(strconv.FormatUint(payload.ChainID, 10), payload.Contract, "range_worker").Inc()

	reorgPayload := &ReorgPayload{
		ChainID:     payload.ChainID,
		Contract:    payload.Contract,
		SuspectHash: onChain.Hash,
	}
	reorgPayload.SuspectBlock.SetUint64(anchorBlock)

	reorgTask, err := NewReorgTask(reorgPayload)
	if err != nil {
		return false, fmt.Errorf("failed to build reorg task: %w", err)
	}

	if err := w.enqueuer.Enqueue(ctx, reorgTask,
		asynq.Queue(ReorgQueue()),
		asynq.MaxRetry(w.config.MaxRetry),
		asynq.Timeout(w.config.TaskTimeout),
	); err != nil {
		return false, fmt.Errorf("failed to enqueue reorg task: %w", err)
	}

	common.TasksEnqueued.WithLabelValues(ReorgQueue(), ReorgTaskType).Inc()

	return false, nil
}

// recordAnchors stores the tip hash plus interior hashes at MaxReorgDepth
// spacing. Consecutive anchors are never further apart than MaxReorgDepth,
// so the ancestor search window always holds a comparison point no matter
// how large the completed range was.
func (w *Worker) recordAnchors(ctx context.Context, oracle chain.Oracle, payload *RangePayload, from, to uint64, tipHash string) error {
	for number := from + w.config.MaxReorgDepth - 1; number < to; number += w.config.MaxReorgDepth {
		block, err := oracle.BlockByNumber(ctx, number)
		if err != nil {
			return fmt.Errorf("failed to fetch anchor block %d: %w", number, err)
		}

		if err := w.store.RecordAnchor(ctx, &storage.BlockAnchor{
			ChainID:         payload.ChainID,
			ContractAddress: payload.Contract,
			BlockNumber:     number,
			BlockHash:       block.Hash,
		}); err != nil {
			return fmt.Errorf("failed to record anchor: %w", err)
		}
	}

	if err := w.store.RecordAnchor(ctx, &storage.BlockAnchor{
		ChainID:         payload.ChainID,
		ContractAddress: payload.Contract,
		BlockNumber:     to,
		BlockHash:       tipHash,
	}); err != nil {
		return fmt.Errorf("failed to record anchor: %w", err)
	}

	return nil
}

// handleFetchError classifies an upstream failure and maps it to the asynq
// retry contract: transient and rate-limited errors retry, inconsistencies
// escalate to a reorg task, fatal errors skip retry.
func (w *Worker) handleFetchError(ctx context.Context, logCtx logrus.FieldLogger, payload *RangePayload, state *storage.IndexerState, err error) error {
	class := Classify(err)

	outcome := OutcomeError
	if errors.Is(err, context.DeadlineExceeded) {
		outcome = OutcomeTimeout
	}

	w.applyChunkFeedback(ctx, logCtx, payload, state, outcome)

	switch class {
	case DataInconsistency:
		logCtx.WithError(err).Warn("Data inconsistency during fetch, escalating to reorg resolution")

		reorgPayload := &ReorgPayload{
			ChainID:  payload.ChainID,
			Contract: payload.Contract,
		}
		reorgPayload.SuspectBlock.SetUint64(state.LastIndexedBlock)
		reorgPayload.SuspectHash = state.LastBlockHash

		reorgTask, buildErr := NewReorgTask(reorgPayload)
		if buildErr != nil {
			return fmt.Errorf("failed to build reorg task: %w", buildErr)
		}

		if enqErr := w.enqueuer.Enqueue(ctx, reorgTask, asynq.Queue(ReorgQueue()), asynq.MaxRetry(w.config.MaxRetry)); enqErr != nil {
			return fmt.Errorf("failed to enqueue reorg task: %w", enqErr)
		}

		common.TasksEnqueued.WithLabelValues(ReorgQueue(), ReorgTaskType).Inc()

		return nil
	case Fatal:
		logCtx.WithError(err).Error("Fatal error processing range")

		return fmt.Errorf("fatal range failure: %v: %w", err, asynq.SkipRetry)
	case RateLimited:
		logCtx.WithError(err).Warn("Rate limited by upstream, rescheduling after cool-down")

		// Re-enqueue a fresh task instead of failing this one, so rate-limit
		// cool-downs never consume the retry budget.
		retry, buildErr := NewRangeTask(payload)
		if buildErr != nil {
			return fmt.Errorf("failed to rebuild range task: %w", buildErr)
		}

		queue := RangeQueue()
		if name, ok := asynq.GetQueueName(ctx); ok {
			queue = name
		}

		if enqErr := w.enqueuer.Enqueue(ctx, retry,
			asynq.Queue(queue),
			asynq.MaxRetry(w.config.MaxRetry),
			asynq.Timeout(w.config.TaskTimeout),
			asynq.ProcessIn(w.config.RateLimitCooldown),
		); enqErr != nil {
			return fmt.Errorf("rate limited and failed to reschedule: %v: %w", enqErr, err)
		}

		common.TasksEnqueued.WithLabelValues(queue, RangeTaskType).Inc()

		return nil
	default:
		logCtx.WithError(err).Warn("Transient error processing range, will retry")

		return fmt.Errorf("transient range failure: %w", err)
	}
}

func (w *Worker) outcomeForDuration(elapsed time.Duration) RangeOutcome {
	if elapsed > w.config.SlowRangeThreshold {
		return OutcomeSlow
	}

	return OutcomeFast
}

// applyChunkFeedback feeds the range outcome into the chunk size manager and
// persists the new size when it changed.
func (w *Worker) applyChunkFeedback(ctx context.Context, logCtx logrus.FieldLogger, payload *RangePayload, state *storage.IndexerState, outcome RangeOutcome) {
	next := NextChunkSize(state.ChunkSize, outcome, w.config.Chunk.Min, w.config.Chunk.Max)
	if next == state.ChunkSize {
		return
	}

	if err := w.store.SetChunkSize(ctx, payload.ChainID, payload.Contract, next); err != nil {
		logCtx.WithError(err).Warn("Failed to persist chunk size")

		return
	}

	common.ChunkSize.WithLabelValues(strconv.FormatUint(payload.ChainID, 10), payload.Contract).Set(float64(next))

	logCtx.WithFields(logrus.Fields{
		"outcome":    outcome.String(),
		"chunk_size": next,
	}).Debug("Adjusted chunk size")
}
