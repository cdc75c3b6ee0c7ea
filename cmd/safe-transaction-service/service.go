package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rsksmart/safe-transaction-service/chain"
	"github.com/rsksmart/safe-transaction-service/config"
	"github.com/rsksmart/safe-transaction-service/decoder"
	"github.com/rsksmart/safe-transaction-service/indexer"
	"github.com/rsksmart/safe-transaction-service/metrics"
	"github.com/rsksmart/safe-transaction-service/notify"
	"github.com/rsksmart/safe-transaction-service/processor"
	"github.com/rsksmart/safe-transaction-service/reorg"
	"github.com/rsksmart/safe-transaction-service/store"
	"github.com/rsksmart/safe-transaction-service/worker"
)

type taskName string

const (
	taskMasterCopies   taskName = "indexer-safe-master-copies"
	taskProxyFactories taskName = "indexer-proxy-factories"
	taskSafeContracts  taskName = "indexer-safe-contracts"
	taskProcessor      taskName = "processor"
	taskReorg          taskName = "reorg"
)

// service is the explicitly constructed dependency graph handed to the
// worker tasks. No package level state.
type service struct {
	settings      *config.Settings
	store         *store.Store
	client        *chain.Client
	tracingClient *chain.Client
	decoder       *decoder.TxDecoder
	metrics       *metrics.Metrics
	registry      *prometheus.Registry
	notifier      notify.Publisher
}

func newService(ctx context.Context) (*service, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(postgres.Open(settings.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	client, err := chain.Dial(ctx, settings.EthereumNodeURL)
	if err != nil {
		return nil, fmt.Errorf("dialing node: %w", err)
	}
	tracingClient := client
	if settings.EthereumTracingNodeURL != settings.EthereumNodeURL {
		tracingClient, err = chain.Dial(ctx, settings.EthereumTracingNodeURL)
		if err != nil {
			return nil, fmt.Errorf("dialing tracing node: %w", err)
		}
	}
	txDecoder, err := decoder.NewSafeTxDecoder()
	if err != nil {
		return nil, err
	}
	registry := prometheus.NewRegistry()
	return &service{
		settings:      settings,
		store:         store.New(db),
		client:        client,
		tracingClient: tracingClient,
		decoder:       txDecoder,
		metrics:       metrics.New(registry),
		registry:      registry,
		notifier:      notify.NopPublisher{},
	}, nil
}

func (s *service) Close() {
	if s.tracingClient != nil && s.tracingClient != s.client {
		s.tracingClient.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
}

// Run builds the requested tasks and drives them until the context ends.
func (s *service) Run(ctx context.Context, names ...taskName) error {
	tasks := make([]worker.Task, 0, len(names))
	for _, name := range names {
		task, err := s.buildTask(name)
		if err != nil {
			return err
		}
		tasks = append(tasks, task)
	}
	scheduler := worker.NewScheduler(tasks, int64(len(tasks)))
	return scheduler.Run(ctx)
}

func (s *service) buildTask(name taskName) (worker.Task, error) {
	switch name {
	case taskMasterCopies, taskProxyFactories:
		kind := store.KindMasterCopies
		if name == taskProxyFactories {
			kind = store.KindProxyFactories
		}
		internalTxIndexer, err := indexer.NewInternalTxIndexer(
			s.tracingClient, s.store, s.decoder, s.metrics,
			indexer.InternalTxIndexerConfig{
				AddressKind:         kind,
				BlockProcessLimit:   s.settings.InternalTxsBlockProcessLimit,
				Confirmations:       s.settings.ReorgBlocks,
				NumberTraceBlocks:   s.settings.NumberTraceBlocks,
				UpdatedBlocksBehind: s.settings.UpdatedBlocksBehind,
				TraceBlockOnly:      s.settings.InternalNoFilter,
			})
		if err != nil {
			return worker.Task{}, err
		}
		engine := indexer.NewEngine(s.tracingClient, s.store, internalTxIndexer)
		return worker.Task{
			Name:     string(name),
			Interval: s.settings.IndexerInterval,
			Run:      engine.RunCycle,
		}, nil
	case taskSafeContracts:
		eventsIndexer := indexer.NewErc20EventsIndexer(
			s.client, s.store, s.metrics, s.notifier,
			indexer.Erc20EventsIndexerConfig{
				BlockProcessLimit:   s.settings.EventsBlockProcessLimit,
				Confirmations:       s.settings.ReorgBlocks,
				UpdatedBlocksBehind: s.settings.UpdatedBlocksBehind,
			})
		engine := indexer.NewEngine(s.client, s.store, eventsIndexer)
		return worker.Task{
			Name:     string(name),
			Interval: s.settings.IndexerInterval,
			Run:      engine.RunCycle,
		}, nil
	case taskProcessor:
		txProcessor := processor.New(s.store, s.metrics, s.notifier)
		return worker.Task{
			Name:     string(name),
			Interval: s.settings.ProcessorInterval,
			Run:      txProcessor.ProcessPending,
		}, nil
	case taskReorg:
		checker := reorg.NewChecker(s.client, s.store, s.metrics, s.settings.ReorgBlocks)
		return worker.Task{
			Name:     string(name),
			Interval: s.settings.ReorgInterval,
			Run: func(ctx context.Context) (int, error) {
				reorged, err := checker.Check(ctx)
				if err != nil {
					return 0, err
				}
				if reorged != nil {
					return 1, nil
				}
				return 0, nil
			},
		}, nil
	default:
		return worker.Task{}, fmt.Errorf("unknown task %q", name)
	}
}
