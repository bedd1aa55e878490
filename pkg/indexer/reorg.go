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

// findCanonicalAncestor locates the deepest indexed block at or below
// `below` whose stored anchor hash still matches the chain, searching at
// most `depth` blocks back. Anchors above the reorg point all mismatch and
// anchors at or below it all match, so a binary search over the stored
// anchors finds the boundary without fetching every block.
func findCanonicalAncestor(ctx context.Context, store storage.Store, oracle chain.Oracle, chainID uint64, contract string, below, depth uint64) (uint64, string, error) {
	minBlock := uint64(0)
	if below > depth {
		minBlock = below - depth
	}

	anchors, err := store.ListAnchors(ctx, chainID, contract, minBlock, below)
	if err != nil {
		return 0, "", fmt.Errorf("failed to list anchors: %w", err)
	}

	if len(anchors) == 0 {
		return 0, "", ErrReorgTooDeep
	}

	matched := -1
	matchedHash := ""

	lo, hi := 0, len(anchors)-1
	for lo <= hi {
		mid := (lo + hi) / 2

		onChain, err := oracle.BlockByNumber(ctx, anchors[mid].BlockNumber)
		if err != nil {
			return 0, "", fmt.Errorf("failed to fetch block %d: %w", anchors[mid].BlockNumber, err)
		}

		if onChain.Hash == anchors[mid].BlockHash {
			matched = mid
			matchedHash = onChain.Hash
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}

	if matched < 0 {
		return 0, "", ErrReorgTooDeep
	}

	return anchors[matched].BlockNumber, matchedHash, nil
}

// Detector periodically re-verifies the cursor block of every pair against
// the chain, catching reorganizations that happened while no range work was
// in flight.
type Detector struct {
	log      logrus.FieldLogger
	config   *Config
	store    storage.Store
	chains   chain.Set
	enqueuer Enqueuer
	halts    *Halts
}

func NewDetector(log logrus.FieldLogger, config *Config, store storage.Store, chains chain.Set, enqueuer Enqueuer, halts *Halts) *Detector {
	return &Detector{
		log:      log.WithField("component", "reorg-detector"),
		config:   config,
		store:    store,
		chains:   chains,
		enqueuer: enqueuer,
		halts:    halts,
	}
}

// ScanOnce verifies every configured pair once.
func (d *Detector) ScanOnce(ctx context.Context) {
	for _, pair := range d.config.Pairs {
		if err := d.scanPair(ctx, pair); err != nil {
			d.log.WithError(err).WithFields(logrus.Fields{
				"chain_id": pair.ChainID,
				"contract": pair.Contract,
			}).Warn("Reorg scan failed for pair")
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func (d *Detector) scanPair(ctx context.Context, pair Pair) error {
	if d.IsHalted(pair.ChainID, pair.Contract) {
		return nil
	}

	oracle, err := d.chains.Oracle(pair.ChainID)
	if err != nil {
		return fmt.Errorf("no oracle for chain %d: %w", pair.ChainID, err)
	}

	state, err := d.store.GetState(ctx, pair.ChainID, pair.Contract)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	if state.LastIndexedBlock == 0 || state.LastBlockHash == "" {
		return nil
	}

	onChain, err := oracle.BlockByNumber(ctx, state.LastIndexedBlock)
	if err != nil {
		return fmt.Errorf("failed to fetch cursor block %d: %w", state.LastIndexedBlock, err)
	}

	if onChain.Hash == state.LastBlockHash {
		return nil
	}

	chainLabel := strconv.FormatUint(pair.ChainID, 10)
	common.ReorgsDetected.WithLabelValues(chainLabel, pair.Contract, "detector").Inc()

	d.log.WithFields(logrus.Fields{
		"chain_id":      pair.ChainID,
		"contract":      pair.Contract,
		"cursor":        state.LastIndexedBlock,
		"expected_hash": state.LastBlockHash,
		"chain_hash":    onChain.Hash,
	}).Warn("Cursor block reorganized out of the chain")

	ancestor, ancestorHash, err := findCanonicalAncestor(ctx, d.store, oracle, pair.ChainID, pair.Contract, state.LastIndexedBlock, d.config.MaxReorgDepth)
	if err != nil {
		if errors.Is(err, ErrReorgTooDeep) {
			d.halt(pair, fmt.Sprintf("no canonical ancestor within %d blocks of %d", d.config.MaxReorgDepth, state.LastIndexedBlock))

			return nil
		}

		return err
	}

	payload := &ReorgPayload{
		ChainID:     pair.ChainID,
		Contract:    pair.Contract,
		SuspectHash: ancestorHash,
	}
	payload.SuspectBlock.SetUint64(ancestor)

	task, err := NewReorgTask(payload)
	if err != nil {
		return fmt.Errorf("failed to build reorg task: %w", err)
	}

	if err := d.enqueuer.Enqueue(ctx, task,
		asynq.Queue(ReorgQueue()),
		asynq.MaxRetry(d.config.MaxRetry),
		asynq.Timeout(d.config.TaskTimeout),
	); err != nil {
		return fmt.Errorf("failed to enqueue reorg task: %w", err)
	}

	common.TasksEnqueued.WithLabelValues(ReorgQueue(), ReorgTaskType).Inc()

	return nil
}

// halt marks a pair as requiring operator intervention. A halted pair is
// never auto-repaired; its progress stalls until an operator resets it.
func (d *Detector) halt(pair Pair, reason string) {
	d.halts.Halt(pair.ChainID, pair.Contract, "reorg_too_deep")

	d.log.WithFields(logrus.Fields{
		"chain_id": pair.ChainID,
		"contract": pair.Contract,
		"reason":   reason,
	}).Error("Pair halted, operator intervention required")
}

// IsHalted reports whether a pair has been halted.
func (d *Detector) IsHalted(chainID uint64, contract string) bool {
	return d.halts.IsHalted(chainID, contract)
}

// Resolver consumes reorg tasks and repairs the pair's state: it rolls the
// cursor back to the deepest canonical ancestor, deletes events above it and
// records the rollback in the audit log.
type Resolver struct {
	log    logrus.FieldLogger
	config *Config
	store  storage.Store
	chains chain.Set
	halts  *Halts
}

func NewResolver(log logrus.FieldLogger, config *Config, store storage.Store, chains chain.Set, halts *Halts) *Resolver {
	return &Resolver{
		log:    log.WithField("component", "reorg-resolver"),
		config: config,
		store:  store,
		chains: chains,
		halts:  halts,
	}
}

// HandleReorgTask rolls a pair back to the deepest canonical ancestor of the
// suspect block. It is idempotent: once the cursor sits at or below the
// ancestor the task is a no-op and appends no audit record.
func (r *Resolver) HandleReorgTask(ctx context.Context, task *asynq.Task) error {
	started := time.Now()

	var payload ReorgPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal reorg payload: %w", asynq.SkipRetry)
	}

	if !payload.SuspectBlock.IsUint64() {
		return fmt.Errorf("reorg payload block out of range: %w", asynq.SkipRetry)
	}

	err := r.resolve(ctx, &payload)

	status := "ok"
	if err != nil {
		status = "error"
	}

	common.TasksProcessed.WithLabelValues(ReorgQueue(), ReorgTaskType, status).Inc()
	common.TaskProcessingDuration.WithLabelValues(ReorgQueue(), ReorgTaskType).Observe(time.Since(started).Seconds())

	return err
}

func (r *Resolver) resolve(ctx context.Context, payload *ReorgPayload) error {
	suspect := payload.SuspectBlock.Uint64()
	chainLabel := strconv.FormatUint(payload.ChainID, 10)

	logCtx := r.log.WithFields(logrus.Fields{
		"chain_id":      payload.ChainID,
		"contract":      payload.Contract,
		"suspect_block": suspect,
	})

	if r.halts.IsHalted(payload.ChainID, payload.Contract) {
		logCtx.Warn("Pair is halted, refusing reorg task")

		return fmt.Errorf("pair %d:%s is halted: %w", payload.ChainID, payload.Contract, asynq.SkipRetry)
	}

	oracle, err := r.chains.Oracle(payload.ChainID)
	if err != nil {
		return fmt.Errorf("no oracle for chain %d: %w", payload.ChainID, asynq.SkipRetry)
	}

	state, err := r.store.GetState(ctx, payload.ChainID, payload.Contract)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	prevCursor := state.LastIndexedBlock

	searchBelow := suspect
	if prevCursor < searchBelow {
		searchBelow = prevCursor
	}

	ancestor, ancestorHash, err := findCanonicalAncestor(ctx, r.store, oracle, payload.ChainID, payload.Contract, searchBelow, r.config.MaxReorgDepth)
	if err != nil {
		if errors.Is(err, ErrReorgTooDeep) {
			r.halts.Halt(payload.ChainID, payload.Contract, "reorg_too_deep")

			logCtx.Error("No canonical ancestor within max reorg depth, pair requires operator intervention")

			return fmt.Errorf("%w: %v: %v", asynq.SkipRetry, ErrReorgTooDeep, suspect)
		}

		return err
	}

	if prevCursor <= ancestor {
		logCtx.WithField("ancestor", ancestor).Debug("Cursor already at or below ancestor, nothing to roll back")

		return nil
	}

	deleted, err := r.store.DeleteEventsAbove(ctx, payload.ChainID, payload.Contract, ancestor)
	if err != nil {
		return fmt.Errorf("failed to delete events above %d: %w", ancestor, err)
	}

	if err := r.store.DeleteAnchorsAbove(ctx, payload.ChainID, payload.Contract, ancestor); err != nil {
		return fmt.Errorf("failed to delete anchors above %d: %w", ancestor, err)
	}

	if err := r.store.ResetCursor(ctx, payload.ChainID, payload.Contract, ancestor, ancestorHash); err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}

	record := &storage.ReorgRecord{
		ChainID:              payload.ChainID,
		ContractAddress:      payload.Contract,
		DetectedAt:           time.Now(),
		InvalidatedFromBlock: ancestor + 1,
		InvalidatedToBlock:   prevCursor,
		NewCanonicalHash:     ancestorHash,
	}

	if err := r.store.AppendReorgRecord(ctx, record); err != nil {
		return fmt.Errorf("failed to append reorg record: %w", err)
	}

	depth := prevCursor - ancestor
	common.ReorgDepth.WithLabelValues(chainLabel, payload.Contract).Observe(float64(depth))
	common.LastIndexedBlock.WithLabelValues(chainLabel, payload.Contract).Set(float64(ancestor))

	logCtx.WithFields(logrus.Fields{
		"ancestor":       ancestor,
		"prev_cursor":    prevCursor,
		"depth":          depth,
		"events_deleted": deleted,
	}).Info("Reorganization resolved")

	return nil
}
