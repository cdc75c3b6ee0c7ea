package indexer

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/rsksmart/safe-transaction-service/chain"
	"github.com/rsksmart/safe-transaction-service/metrics"
	"github.com/rsksmart/safe-transaction-service/notify"
	"github.com/rsksmart/safe-transaction-service/store"
)

// Erc20EventsIndexerConfig tunes the token transfer indexer.
type Erc20EventsIndexerConfig struct {
	BlockProcessLimit   uint64
	Confirmations       uint64
	UpdatedBlocksBehind uint64
}

// Erc20EventsIndexer scans Transfer logs that move tokens from or to a
// monitored Safe and stores them as decoded events. It advances the
// erc20_block_number cursor of the Safe contracts.
type Erc20EventsIndexer struct {
	client   chain.Caller
	store    *store.Store
	metrics  *metrics.Metrics
	notifier notify.Publisher
	config   Erc20EventsIndexerConfig
	logger   log.Logger
}

var _ Delegate = (*Erc20EventsIndexer)(nil)

func NewErc20EventsIndexer(client chain.Caller, st *store.Store, m *metrics.Metrics, notifier notify.Publisher, config Erc20EventsIndexerConfig) *Erc20EventsIndexer {
	if notifier == nil {
		notifier = notify.NopPublisher{}
	}
	return &Erc20EventsIndexer{
		client:   client,
		store:    st,
		metrics:  m,
		notifier: notifier,
		config:   config,
		logger:   log.New("indexer", "erc20-events"),
	}
}

func (i *Erc20EventsIndexer) Name() string                   { return "erc20-events" }
func (i *Erc20EventsIndexer) AddressKind() store.AddressKind { return store.KindSafeContracts }
func (i *Erc20EventsIndexer) BlockProcessLimit() uint64      { return i.config.BlockProcessLimit }
func (i *Erc20EventsIndexer) UpdatedBlocksBehind() uint64    { return i.config.UpdatedBlocksBehind }
func (i *Erc20EventsIndexer) Confirmations() uint64          { return i.config.Confirmations }

// FindAndProcess implements Delegate: finds Transfer logs whose sender or
// receiver is a monitored Safe, then persists their transactions and the
// decoded events.
func (i *Erc20EventsIndexer) FindAndProcess(ctx context.Context, addresses []common.Address, fromBlock, toBlock, currentBlock uint64) (int, error) {
	logs, err := i.findTransferLogs(ctx, addresses, fromBlock, toBlock)
	if err != nil {
		return 0, err
	}
	if len(logs) == 0 {
		return 0, nil
	}
	return i.processLogs(ctx, addresses, logs)
}

// findTransferLogs queries transfers twice, once matching the sender topic
// and once the receiver topic, and merges the results keeping first-seen
// order.
func (i *Erc20EventsIndexer) findTransferLogs(ctx context.Context, addresses []common.Address, fromBlock, toBlock uint64) ([]types.Log, error) {
	addressTopics := make([]common.Hash, len(addresses))
	for idx, address := range addresses {
		addressTopics[idx] = common.BytesToHash(address.Bytes())
	}
	fromLogs, err := i.client.FilterLogs(ctx, &chain.LogFilter{
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Topics:    [][]common.Hash{{store.TransferTopic}, addressTopics},
	})
	if err != nil {
		return nil, wrapFindError(err)
	}
	toLogs, err := i.client.FilterLogs(ctx, &chain.LogFilter{
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Topics:    [][]common.Hash{{store.TransferTopic}, nil, addressTopics},
	})
	if err != nil {
		return nil, wrapFindError(err)
	}
	type logKey struct {
		tx    common.Hash
		index uint
	}
	seen := make(map[logKey]struct{})
	merged := make([]types.Log, 0, len(fromLogs)+len(toLogs))
	for _, logEntry := range append(fromLogs, toLogs...) {
		key := logKey{tx: logEntry.TxHash, index: logEntry.Index}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, logEntry)
	}
	return merged, nil
}

func (i *Erc20EventsIndexer) processLogs(ctx context.Context, addresses []common.Address, logs []types.Log) (int, error) {
	hashes := make([]common.Hash, 0, len(logs))
	for _, logEntry := range logs {
		hashes = append(hashes, logEntry.TxHash)
	}
	hashes = dedupeHashes(hashes)
	if _, err := storeTxs(ctx, i.client, i.store, i.logger, hashes, nil); err != nil {
		return 0, err
	}
	monitored := make(map[common.Address]bool, len(addresses))
	for _, address := range addresses {
		monitored[address] = true
	}
	events := make([]*store.EthereumEvent, 0, len(logs))
	var incoming []*store.EthereumEvent
	for idx := range logs {
		event, ok := eventFromTransferLog(&logs[idx])
		if !ok {
			continue
		}
		events = append(events, event)
		if to, okTo := event.Arguments["to"].(string); okTo && monitored[common.HexToAddress(to)] {
			incoming = append(incoming, event)
		}
	}
	if err := i.store.CreateEthereumEvents(ctx, events); err != nil {
		return 0, err
	}
	for _, event := range incoming {
		i.notifier.Publish(event.TableName(), event.EthereumTxHash.Hex())
	}
	if i.metrics != nil {
		i.metrics.EventsIndexed.Add(float64(len(events)))
	}
	return len(events), nil
}

// eventFromTransferLog decodes an ERC-20 (value in data) or ERC-721 (tokenId
// as third indexed topic) Transfer. Anything else shaped differently is
// skipped.
func eventFromTransferLog(logEntry *types.Log) (*store.EthereumEvent, bool) {
	arguments := store.JSONMap{}
	switch {
	case len(logEntry.Topics) == 3 && len(logEntry.Data) == 32:
		arguments["value"] = new(big.Int).SetBytes(logEntry.Data).String()
	case len(logEntry.Topics) == 4 && len(logEntry.Data) == 0:
		arguments["tokenId"] = new(big.Int).SetBytes(logEntry.Topics[3].Bytes()).String()
	default:
		return nil, false
	}
	arguments["from"] = common.BytesToAddress(logEntry.Topics[1].Bytes()).Hex()
	arguments["to"] = common.BytesToAddress(logEntry.Topics[2].Bytes()).Hex()

	topics := make(store.StringArray, len(logEntry.Topics))
	for i, topic := range logEntry.Topics {
		topics[i] = topic.Hex()
	}
	return &store.EthereumEvent{
		EthereumTxHash: store.NewHash(logEntry.TxHash),
		LogIndex:       uint64(logEntry.Index),
		Address:        store.NewAddress(logEntry.Address),
		Topic:          store.NewHash(logEntry.Topics[0]),
		Topics:         topics,
		Arguments:      arguments,
	}, true
}
