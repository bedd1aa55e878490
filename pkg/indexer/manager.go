package indexer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/hibiken/asynq"
	r "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tokenwatch/indexer/pkg/chain"
	"github.com/tokenwatch/indexer/pkg/common"
	"github.com/tokenwatch/indexer/pkg/leaderelection"
	"github.com/tokenwatch/indexer/pkg/storage"
)

// Manager wires the coordinator, splitter, range worker, reorg detector and
// resolver onto a shared asynq queue. Workers run on every node; the
// coordinator and detector loops only run on the current leader.
type Manager struct {
	log    logrus.FieldLogger
	config *Config
	store  storage.Store
	chains chain.Set

	redisClient *r.Client
	redisPrefix string
	asynqClient *asynq.Client
	asynqServer *asynq.Server
	inspector   *asynq.Inspector

	coordinator *Coordinator
	splitter    *Splitter
	worker      *Worker
	detector    *Detector
	resolver    *Resolver

	leaderElector leaderelection.Elector
	isLeader      atomic.Bool

	scheduler *gocron.Scheduler

	stopChan  chan struct{}
	stopped   bool
	stopMutex sync.Mutex
	wg        sync.WaitGroup
}

func NewManager(log logrus.FieldLogger, config *Config, store storage.Store, chains chain.Set, redisClient *r.Client, redisPrefix string) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid indexer config: %w", err)
	}

	redisOpt := redisClient.Options()

	// Asynq manages its own Redis connections so shutdown ordering stays
	// independent of the shared client.
	asynqRedisOpt := asynq.RedisClientOpt{
		Addr:     redisOpt.Addr,
		Password: redisOpt.Password,
		DB:       redisOpt.DB,
	}

	asynqClient := asynq.NewClient(asynqRedisOpt)

	asynqServer := asynq.NewServer(asynqRedisOpt, asynq.Config{
		Concurrency: config.Concurrency,
		Queues:      QueuePriorities(),
		LogLevel:    asynq.InfoLevel,
		Logger:      log,
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			// Rate limits get a flat cool-down instead of the exponential
			// curve so they do not burn through the retry budget.
			if Classify(err) == RateLimited {
				return config.RateLimitCooldown
			}

			return asynq.DefaultRetryDelayFunc(n, err, task)
		},
	})

	enqueuer := &clientEnqueuer{client: asynqClient}
	halts := NewHalts()

	m := &Manager{
		log:         log.WithField("component", "indexer"),
		config:      config,
		store:       store,
		chains:      chains,
		redisClient: redisClient,
		redisPrefix: redisPrefix,
		asynqClient: asynqClient,
		asynqServer: asynqServer,
		inspector:   asynq.NewInspector(asynqRedisOpt),
		coordinator: NewCoordinator(log, config, store, chains, enqueuer, halts),
		splitter:    NewSplitter(log, config, store, enqueuer),
		worker:      NewWorker(log, config, store, chains, enqueuer),
		detector:    NewDetector(log, config, store, chains, enqueuer, halts),
		resolver:    NewResolver(log, config, store, chains, halts),
		stopChan:    make(chan struct{}),
	}

	return m, nil
}

// Start runs the manager until Stop is called or the context is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.log.WithField("pairs", len(m.config.Pairs)).Info("Starting indexer manager")

	if err := m.coordinator.InitStates(ctx); err != nil {
		return err
	}

	if m.config.LeaderElection.Enabled {
		if err := m.startLeaderElection(ctx); err != nil {
			return err
		}
	} else {
		m.isLeader.Store(true)

		m.log.Info("Leader election disabled, running as standalone coordinator")
	}

	m.wg.Add(1)

	go m.runCoordinatorLoop(ctx)

	if err := m.startDetectorSchedule(); err != nil {
		return err
	}

	m.wg.Add(1)

	go m.monitorQueues(ctx)

	mux := asynq.NewServeMux()
	mux.HandleFunc(RangeTaskType, m.worker.HandleRangeTask)
	mux.HandleFunc(CatchupTaskType, m.splitter.HandleCatchupTask)
	mux.HandleFunc(ReorgTaskType, m.resolver.HandleReorgTask)

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		if err := m.asynqServer.Start(mux); err != nil {
			m.log.WithError(err).Error("Asynq server failed")
		}
	}()

	m.log.Info("Worker started for distributed task processing")

	select {
	case <-ctx.Done():
	case <-m.stopChan:
	}

	m.log.Info("Stop signal received")

	return nil
}

// Stop gracefully stops the manager.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopMutex.Lock()
	if m.stopped {
		m.stopMutex.Unlock()

		return nil
	}

	m.stopped = true
	m.stopMutex.Unlock()

	m.log.Info("Stopping indexer manager")

	close(m.stopChan)

	if m.scheduler != nil {
		m.scheduler.Stop()
	}

	m.asynqServer.Stop()
	m.asynqServer.Shutdown()

	if m.leaderElector != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := m.leaderElector.Stop(stopCtx); err != nil {
			m.log.WithError(err).Error("Failed to stop leader election")
		}
	}

	if err := m.asynqClient.Close(); err != nil {
		m.log.WithError(err).Error("Failed to close asynq client")
	}

	m.wg.Wait()

	return nil
}

// IsLeader reports whether this node currently runs the scan loops.
func (m *Manager) IsLeader() bool {
	return m.isLeader.Load()
}

func (m *Manager) startLeaderElection(ctx context.Context) error {
	leaderKey := "leader"
	if m.redisPrefix != "" {
		leaderKey = fmt.Sprintf("%s:%s", m.redisPrefix, leaderKey)
	}

	elector, err := leaderelection.NewRedisElector(m.redisClient, m.log, leaderKey, &leaderelection.Config{
		TTL:             m.config.LeaderElection.TTL,
		RenewalInterval: m.config.LeaderElection.RenewalInterval,
		NodeID:          m.config.LeaderElection.NodeID,
	})
	if err != nil {
		return fmt.Errorf("failed to create leader elector: %w", err)
	}

	elector.OnLeadershipChange(func(_ context.Context, isLeader bool) {
		m.isLeader.Store(isLeader)

		if isLeader {
			m.log.Info("Gained leadership, scan loops active")
		} else {
			m.log.Warn("Lost leadership, scan loops paused")
		}
	})

	if err := elector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start leader election: %w", err)
	}

	m.leaderElector = elector

	return nil
}

// runCoordinatorLoop drives the coordinator on a fixed interval. Each tick is
// a single sequential scan, so ticks never overlap.
func (m *Manager) runCoordinatorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			if !m.IsLeader() {
				continue
			}

			tickCtx, cancel := context.WithTimeout(ctx, m.config.Interval)
			m.coordinator.Tick(tickCtx)
			cancel()
		}
	}
}

func (m *Manager) startDetectorSchedule() error {
	m.scheduler = gocron.NewScheduler(time.Local)
	m.scheduler.SingletonModeAll()

	if _, err := m.scheduler.Every(m.config.DetectorInterval).Do(func() {
		if !m.IsLeader() {
			return
		}

		scanCtx, cancel := context.WithTimeout(context.Background(), m.config.DetectorInterval)
		defer cancel()

		m.detector.ScanOnce(scanCtx)
	}); err != nil {
		return fmt.Errorf("failed to schedule reorg detector: %w", err)
	}

	m.scheduler.StartAsync()

	return nil
}

// monitorQueues exports queue depths so operators can see backlog building.
func (m *Manager) monitorQueues(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			for queue := range QueuePriorities() {
				info, err := m.inspector.GetQueueInfo(queue)
				if err != nil {
					continue
				}

				common.QueueDepth.WithLabelValues(queue).Set(float64(info.Pending + info.Active + info.Retry))
			}
		}
	}
}
