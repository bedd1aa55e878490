package indexer

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/tokenwatch/indexer/pkg/chain"
	"github.com/tokenwatch/indexer/pkg/common"
	"github.com/tokenwatch/indexer/pkg/storage"
)

// Coordinator decides, once per tick and per pair, whether any work needs to
// be dispatched: nothing, one range task, or one catch-up task. It never
// processes blocks itself and derives ranges strictly from the persisted
// cursor, so a crashed or duplicated coordinator cannot lose or skip blocks.
type Coordinator struct {
	log      logrus.FieldLogger
	config   *Config
	store    storage.Store
	chains   chain.Set
	enqueuer Enqueuer
	halts    *Halts
}

func NewCoordinator(log logrus.FieldLogger, config *Config, store storage.Store, chains chain.Set, enqueuer Enqueuer, halts *Halts) *Coordinator {
	return &Coordinator{
		log:      log.WithField("component", "coordinator"),
		config:   config,
		store:    store,
		chains:   chains,
		enqueuer: enqueuer,
		halts:    halts,
	}
}

// Tick runs one scan over all configured pairs. Pairs are scanned
// sequentially so ticks never overlap.
func (c *Coordinator) Tick(ctx context.Context) {
	for _, pair := range c.config.Pairs {
		if err := c.tickPair(ctx, pair); err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"chain_id": pair.ChainID,
				"contract": pair.Contract,
			}).Warn("Pair scan failed, will retry next tick")
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Coordinator) tickPair(ctx context.Context, pair Pair) error {
	chainLabel := strconv.FormatUint(pair.ChainID, 10)

	if c.halts.IsHalted(pair.ChainID, pair.Contract) {
		common.CoordinatorSkips.WithLabelValues(chainLabel, pair.Contract, "halted").Inc()

		return nil
	}

	oracle, err := c.chains.Oracle(pair.ChainID)
	if err != nil {
		return fmt.Errorf("no oracle for chain %d: %w", pair.ChainID, err)
	}

	head, _, err := oracle.HeadBlock(ctx)
	if err != nil {
		common.CoordinatorSkips.WithLabelValues(chainLabel, pair.Contract, "head_unavailable").Inc()

		return fmt.Errorf("failed to fetch head: %w", err)
	}

	state, err := c.store.GetState(ctx, pair.ChainID, pair.Contract)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	common.LastIndexedBlock.WithLabelValues(chainLabel, pair.Contract).Set(float64(state.LastIndexedBlock))

	if state.IsCatchingUp {
		common.CoordinatorSkips.WithLabelValues(chainLabel, pair.Contract, "catching_up").Inc()

		return nil
	}

	if head <= state.LastIndexedBlock {
		common.HeadGap.WithLabelValues(chainLabel, pair.Contract).Set(0)

		return nil
	}

	gap := head - state.LastIndexedBlock
	common.HeadGap.WithLabelValues(chainLabel, pair.Contract).Set(float64(gap))

	if gap > c.config.CatchupThreshold {
		return c.dispatchCatchup(ctx, pair, state, head)
	}

	return c.dispatchRange(ctx, pair, state, head)
}

// dispatchCatchup flips the pair into catch-up mode and enqueues a single
// split task covering the whole gap. The flag flip is a compare-and-set, so
// when two coordinators race only one dispatches.
func (c *Coordinator) dispatchCatchup(ctx context.Context, pair Pair, state *storage.IndexerState, head uint64) error {
	if err := c.store.SetCatchingUp(ctx, pair.ChainID, pair.Contract, false, true); err != nil {
		if errors.Is(err, storage.ErrStaleState) {
			c.log.WithFields(logrus.Fields{
				"chain_id": pair.ChainID,
				"contract": pair.Contract,
			}).Debug("Lost catch-up flag race, another coordinator dispatched")

			return nil
		}

		return fmt.Errorf("failed to set catch-up flag: %w", err)
	}

	payload := &CatchupPayload{
		ChainID:   pair.ChainID,
		Contract:  pair.Contract,
		ChunkSize: state.ChunkSize,
	}
	payload.FromBlock.SetUint64(state.LastIndexedBlock + 1)
	payload.ToBlock.SetUint64(head)

	task, err := NewCatchupTask(payload)
	if err != nil {
		return fmt.Errorf("failed to build catch-up task: %w", err)
	}

	if err := c.enqueuer.Enqueue(ctx, task,
		asynq.Queue(CatchupQueue()),
		asynq.MaxRetry(c.config.MaxRetry),
		asynq.Timeout(c.config.TaskTimeout),
	); err != nil {
		// Revert the flag so the next tick can try again.
		if revertErr := c.store.SetCatchingUp(ctx, pair.ChainID, pair.Contract, true, false); revertErr != nil {
			c.log.WithError(revertErr).Error("Failed to revert catch-up flag after enqueue failure")
		}

		return fmt.Errorf("failed to enqueue catch-up task: %w", err)
	}

	common.TasksEnqueued.WithLabelValues(CatchupQueue(), CatchupTaskType).Inc()

	c.log.WithFields(logrus.Fields{
		"chain_id":   pair.ChainID,
		"contract":   pair.Contract,
		"from_block": state.LastIndexedBlock + 1,
		"to_block":   head,
		"gap":        head - state.LastIndexedBlock,
	}).Info("Dispatched catch-up")

	return nil
}

func (c *Coordinator) dispatchRange(ctx context.Context, pair Pair, state *storage.IndexerState, head uint64) error {
	payload := &RangePayload{
		ChainID:  pair.ChainID,
		Contract: pair.Contract,
	}
	payload.FromBlock.SetUint64(state.LastIndexedBlock + 1)
	payload.ToBlock.SetUint64(head)

	task, err := NewRangeTask(payload)
	if err != nil {
		return fmt.Errorf("failed to build range task: %w", err)
	}

	if err := c.enqueuer.Enqueue(ctx, task,
		asynq.Queue(RangeQueue()),
		asynq.MaxRetry(c.config.MaxRetry),
		asynq.Timeout(c.config.TaskTimeout),
	); err != nil {
		return fmt.Errorf("failed to enqueue range task: %w", err)
	}

	common.TasksEnqueued.WithLabelValues(RangeQueue(), RangeTaskType).Inc()

	c.log.WithFields(logrus.Fields{
		"chain_id":   pair.ChainID,
		"contract":   pair.Contract,
		"from_block": state.LastIndexedBlock + 1,
		"to_block":   head,
	}).Debug("Dispatched range")

	return nil
}

// InitStates seeds state rows for configured pairs that have none yet.
func (c *Coordinator) InitStates(ctx context.Context) error {
	for _, pair := range c.config.Pairs {
		err := c.store.InitState(ctx, &storage.IndexerState{
			ChainID:          pair.ChainID,
			ContractAddress:  pair.Contract,
			LastIndexedBlock: pair.StartBlock,
			ChunkSize:        c.config.Chunk.Initial,
		})
		if err != nil {
			return fmt.Errorf("failed to init state for %d:%s: %w", pair.ChainID, pair.Contract, err)
		}
	}

	return nil
}
