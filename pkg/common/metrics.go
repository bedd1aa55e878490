package common

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BlocksIndexed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_indexer_blocks_indexed_total",
		Help: "Total number of blocks whose transfer events are durably persisted",
	}, []string{"chain", "contract"})

	EventsIndexed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_indexer_events_indexed_total",
		Help: "Total number of transfer events written to storage",
	}, []string{"chain", "contract"})

	LastIndexedBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transfer_indexer_last_indexed_block",
		Help: "Current value of the persisted progress cursor",
	}, []string{"chain", "contract"})

	HeadGap = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transfer_indexer_head_gap",
		Help: "Distance between chain head and the progress cursor",
	}, []string{"chain", "contract"})

	ChunkSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transfer_indexer_chunk_size",
		Help: "Current adaptive chunk size for range jobs",
	}, []string{"chain", "contract"})

	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_indexer_tasks_enqueued_total",
		Help: "Total number of tasks enqueued",
	}, []string{"queue", "task_type"})

	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_indexer_tasks_processed_total",
		Help: "Total number of tasks processed",
	}, []string{"queue", "task_type", "status"})

	TaskProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transfer_indexer_task_processing_duration_seconds",
		Help:    "Time taken to process a task",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"queue", "task_type"})

	CatchupProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transfer_indexer_catchup_progress",
		Help: "Fractional catch-up progress for a pair, 0 to 1",
	}, []string{"chain", "contract"})

	CatchupChunksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_indexer_catchup_chunks_created_total",
		Help: "Total number of range chunks created by catch-up splitting",
	}, []string{"chain", "contract"})

	ReorgsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_indexer_reorgs_detected_total",
		Help: "Total number of chain reorganizations detected",
	}, []string{"chain", "contract", "source"})

	ReorgDepth = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transfer_indexer_reorg_depth_blocks",
		Help:    "Number of blocks invalidated per resolved reorganization",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"chain", "contract"})

	PairHalted = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transfer_indexer_pair_halted",
		Help: "Set to 1 when a pair is halted pending operator intervention",
	}, []string{"chain", "contract", "reason"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transfer_indexer_queue_depth",
		Help: "Current number of tasks in queue",
	}, []string{"queue"})

	CoordinatorSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_indexer_coordinator_skips_total",
		Help: "Pairs skipped during a coordinator tick, by reason",
	}, []string{"chain", "contract", "reason"})

	RPCCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transfer_indexer_rpc_call_duration_seconds",
		Help:    "Duration of RPC calls to chain nodes",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"chain", "method", "status"})

	LeaderElectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transfer_indexer_leader_election_status",
		Help: "Leader election status, 1 when this node is the leader",
	}, []string{"node_id"})

	LeaderElectionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_indexer_leader_election_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"node_id", "transition"})

	LeaderElectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_indexer_leader_election_errors_total",
		Help: "Total number of leader election errors",
	}, []string{"node_id", "operation"})
)
