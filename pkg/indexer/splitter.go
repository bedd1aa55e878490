package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/tokenwatch/indexer/pkg/common"
	"github.com/tokenwatch/indexer/pkg/storage"
)

// BlockRange is one half-open chunk of a catch-up gap, bounds inclusive.
type BlockRange struct {
	From uint64
	To   uint64
}

// SplitRange partitions [from, to] into contiguous non-overlapping chunks of
// at most chunkSize blocks. The chunks cover every block exactly once; the
// final chunk may be short. An inverted range yields no chunks.
func SplitRange(from, to, chunkSize uint64) []BlockRange {
	if to < from {
		return nil
	}

	if chunkSize == 0 {
		chunkSize = 1
	}

	ranges := make([]BlockRange, 0, (to-from)/chunkSize+1)

	for start := from; start <= to; {
		end := start + chunkSize - 1
		if end > to || end < start {
			end = to
		}

		ranges = append(ranges, BlockRange{From: start, To: end})

		if end == to {
			break
		}

		start = end + 1
	}

	return ranges
}

// Splitter consumes catch-up tasks, splitting a large gap into range tasks
// on the catch-up queue.
type Splitter struct {
	log      logrus.FieldLogger
	config   *Config
	store    storage.Store
	enqueuer Enqueuer
}

func NewSplitter(log logrus.FieldLogger, config *Config, store storage.Store, enqueuer Enqueuer) *Splitter {
	return &Splitter{
		log:      log.WithField("component", "splitter"),
		config:   config,
		store:    store,
		enqueuer: enqueuer,
	}
}

// HandleCatchupTask splits the payload's gap and enqueues one range task per
// chunk, then clears the pair's catch-up flag. An enqueue failure fails the
// task so asynq re-runs it; downstream range processing is idempotent, so
// re-enqueued chunks are harmless.
func (s *Splitter) HandleCatchupTask(ctx context.Context, task *asynq.Task) error {
	var payload CatchupPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal catch-up payload: %w", asynq.SkipRetry)
	}

	if !payload.FromBlock.IsUint64() || !payload.ToBlock.IsUint64() {
		return fmt.Errorf("catch-up payload block out of range: %w", asynq.SkipRetry)
	}

	from := payload.FromBlock.Uint64()
	to := payload.ToBlock.Uint64()
	chainLabel := strconv.FormatUint(payload.ChainID, 10)

	chunkSize := payload.ChunkSize
	if chunkSize < s.config.Chunk.Min {
		chunkSize = s.config.Chunk.Min
	}

	if chunkSize > s.config.Chunk.Max {
		chunkSize = s.config.Chunk.Max
	}

	chunks := SplitRange(from, to, chunkSize)

	logCtx := s.log.WithFields(logrus.Fields{
		"chain_id":   payload.ChainID,
		"contract":   payload.Contract,
		"from_block": from,
		"to_block":   to,
		"chunk_size": chunkSize,
		"chunks":     len(chunks),
	})
	logCtx.Info("Splitting catch-up gap")

	total := new(big.Float).SetUint64(to - from + 1)

	for i, chunk := range chunks {
		rangePayload := &RangePayload{
			ChainID:  payload.ChainID,
			Contract: payload.Contract,
		}
		rangePayload.FromBlock.SetUint64(chunk.From)
		rangePayload.ToBlock.SetUint64(chunk.To)

		rangeTask, err := NewRangeTask(rangePayload)
		if err != nil {
			return fmt.Errorf("failed to build range task for chunk %d: %w", i, err)
		}

		if err := s.enqueuer.Enqueue(ctx, rangeTask,
			asynq.Queue(CatchupQueue()),
			asynq.MaxRetry(s.config.MaxRetry),
			asynq.Timeout(s.config.TaskTimeout),
		); err != nil {
			return fmt.Errorf("failed to enqueue chunk %d: %w", i, err)
		}

		common.TasksEnqueued.WithLabelValues(CatchupQueue(), RangeTaskType).Inc()
		common.CatchupChunksCreated.WithLabelValues(chainLabel, payload.Contract).Inc()

		// Dispatch progress in big.Float so very large gaps report cleanly.
		dispatched := new(big.Float).SetUint64(chunk.To - from + 1)
		progress, _ := new(big.Float).Quo(dispatched, total).Float64()

		if progress < 0 {
			progress = 0
		}

		if progress > 1 {
			progress = 1
		}

		common.CatchupProgress.WithLabelValues(chainLabel, payload.Contract).Set(progress)
	}

	// Tolerate an already-cleared flag so a retried task stays idempotent.
	if err := s.store.SetCatchingUp(ctx, payload.ChainID, payload.Contract, true, false); err != nil && !errors.Is(err, storage.ErrStaleState) {
		return fmt.Errorf("failed to clear catch-up flag: %w", err)
	}

	logCtx.Info("Catch-up dispatch complete")

	return nil
}
