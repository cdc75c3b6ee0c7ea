package indexer

import (
	"context"
	"errors"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rsksmart/safe-transaction-service/chain"
	"github.com/rsksmart/safe-transaction-service/decoder"
	"github.com/rsksmart/safe-transaction-service/metrics"
	"github.com/rsksmart/safe-transaction-service/store"
)

const txCacheSize = 4096

// InternalTxIndexerConfig tunes one internal tx indexer instance.
type InternalTxIndexerConfig struct {
	// AddressKind selects the monitored class: master copies or proxy
	// factories.
	AddressKind store.AddressKind
	// BlockProcessLimit caps the window size per cycle.
	BlockProcessLimit uint64
	// Confirmations keeps the window away from the mutable chain head.
	Confirmations uint64
	// NumberTraceBlocks is the head window where trace_block is used even
	// when trace_filter is available: filters can lag right at the head
	// while trace_block is authoritative.
	NumberTraceBlocks uint64
	// UpdatedBlocksBehind bounds the group-scan interval.
	UpdatedBlocksBehind uint64
	// TraceBlockOnly disables trace_filter entirely, for nodes that lack or
	// throttle it. Pair it with an effectively infinite UpdatedBlocksBehind
	// so every address shares the single expensive per-block scan.
	TraceBlockOnly bool
}

// InternalTxIndexer discovers transactions with trace frames touching the
// monitored addresses, persists every frame and decodes the ones that are
// Safe calls.
type InternalTxIndexer struct {
	client  chain.Caller
	store   *store.Store
	decoder *decoder.TxDecoder
	metrics *metrics.Metrics
	config  InternalTxIndexerConfig
	txCache *lru.Cache[common.Hash, *chain.Transaction]
	logger  log.Logger
}

var _ Delegate = (*InternalTxIndexer)(nil)

func NewInternalTxIndexer(client chain.Caller, st *store.Store, txDecoder *decoder.TxDecoder, m *metrics.Metrics, config InternalTxIndexerConfig) (*InternalTxIndexer, error) {
	cache, err := lru.New[common.Hash, *chain.Transaction](txCacheSize)
	if err != nil {
		return nil, err
	}
	return &InternalTxIndexer{
		client:  client,
		store:   st,
		decoder: txDecoder,
		metrics: m,
		config:  config,
		txCache: cache,
		logger:  log.New("indexer", "internal-txs", "kind", config.AddressKind.String()),
	}, nil
}

func (i *InternalTxIndexer) Name() string                { return "internal-txs-" + i.config.AddressKind.String() }
func (i *InternalTxIndexer) AddressKind() store.AddressKind { return i.config.AddressKind }
func (i *InternalTxIndexer) BlockProcessLimit() uint64   { return i.config.BlockProcessLimit }
func (i *InternalTxIndexer) UpdatedBlocksBehind() uint64 { return i.config.UpdatedBlocksBehind }
func (i *InternalTxIndexer) Confirmations() uint64       { return i.config.Confirmations }

// FindAndProcess implements Delegate.
func (i *InternalTxIndexer) FindAndProcess(ctx context.Context, addresses []common.Address, fromBlock, toBlock, currentBlock uint64) (int, error) {
	hashes, err := i.FindRelevantTxHashes(ctx, addresses, fromBlock, toBlock, currentBlock)
	if err != nil {
		return 0, err
	}
	if len(hashes) == 0 {
		return 0, nil
	}
	return i.processTxHashes(ctx, hashes)
}

// FindRelevantTxHashes discovers the transactions with trace frames from or
// to the addresses within [fromBlock, toBlock]. trace_block is authoritative
// near the head but costs one call per block; trace_filter is cheap over wide
// historical ranges. The hybrid strategy splits the window at
// currentBlock - NumberTraceBlocks. The returned hashes preserve first-seen
// order without duplicates.
func (i *InternalTxIndexer) FindRelevantTxHashes(ctx context.Context, addresses []common.Address, fromBlock, toBlock, currentBlock uint64) ([]common.Hash, error) {
	var traceBlockNumber uint64
	if currentBlock > i.config.NumberTraceBlocks {
		traceBlockNumber = currentBlock - i.config.NumberTraceBlocks
	}
	switch {
	case i.config.TraceBlockOnly:
		i.logger.Info("using trace_block", "from", fromBlock, "to", toBlock)
		return i.findUsingTraceBlock(ctx, addresses, fromBlock, toBlock)
	case fromBlock > traceBlockNumber:
		i.logger.Info("using trace_block", "from", fromBlock, "to", toBlock)
		return i.findUsingTraceBlock(ctx, addresses, fromBlock, toBlock)
	case toBlock < traceBlockNumber:
		i.logger.Info("using trace_filter", "from", fromBlock, "to", toBlock)
		return i.findUsingTraceFilter(ctx, addresses, fromBlock, toBlock)
	default:
		i.logger.Info("using trace_filter then trace_block",
			"filter-from", fromBlock, "filter-to", traceBlockNumber,
			"block-from", traceBlockNumber, "block-to", toBlock)
		filtered, err := i.findUsingTraceFilter(ctx, addresses, fromBlock, traceBlockNumber)
		if err != nil {
			return nil, err
		}
		traced, err := i.findUsingTraceBlock(ctx, addresses, traceBlockNumber, toBlock)
		if err != nil {
			return nil, err
		}
		return dedupeHashes(append(filtered, traced...)), nil
	}
}

func (i *InternalTxIndexer) findUsingTraceBlock(ctx context.Context, addresses []common.Address, fromBlock, toBlock uint64) ([]common.Hash, error) {
	numbers := make([]uint64, 0, toBlock-fromBlock+1)
	for number := fromBlock; number <= toBlock; number++ {
		numbers = append(numbers, number)
	}
	blockTraces, err := i.client.TraceBlocks(ctx, numbers)
	if err != nil {
		return nil, wrapFindError(err)
	}
	monitored := mapset.NewSet[common.Address](addresses...)
	var hashes []common.Hash
	for blockIdx, traces := range blockTraces {
		if len(traces) == 0 {
			i.logger.Warn("empty trace_block result", "block", numbers[blockIdx])
		}
		for _, trace := range traces {
			if traceTouches(&trace, monitored) {
				hashes = append(hashes, trace.TransactionHash)
			}
		}
	}
	return dedupeHashes(hashes), nil
}

func (i *InternalTxIndexer) findUsingTraceFilter(ctx context.Context, addresses []common.Address, fromBlock, toBlock uint64) ([]common.Hash, error) {
	toTraces, err := i.client.TraceFilter(ctx, fromBlock, toBlock, nil, addresses)
	if err != nil {
		return nil, wrapFindError(err)
	}
	fromTraces, err := i.client.TraceFilter(ctx, fromBlock, toBlock, addresses, nil)
	if err != nil {
		return nil, wrapFindError(err)
	}
	hashes := make([]common.Hash, 0, len(toTraces)+len(fromTraces))
	for _, trace := range toTraces {
		hashes = append(hashes, trace.TransactionHash)
	}
	for _, trace := range fromTraces {
		hashes = append(hashes, trace.TransactionHash)
	}
	deduped := dedupeHashes(hashes)
	if len(deduped) > 0 {
		i.logger.Info("found relevant txs", "traces", len(hashes), "txs", len(deduped),
			"from", fromBlock, "to", toBlock)
	}
	return deduped, nil
}

// processTxHashes persists transactions, their trace frames and the decoded
// Safe calls. Frame storage and decoding happen in one database transaction
// so decoded rows are never visible without their internal tx.
func (i *InternalTxIndexer) processTxHashes(ctx context.Context, hashes []common.Hash) (int, error) {
	receipts, err := storeTxs(ctx, i.client, i.store, i.logger, hashes, i.txCache)
	if err != nil {
		return 0, err
	}
	allTraces, err := i.client.TraceTransactions(ctx, hashes)
	if err != nil {
		return 0, err
	}
	type txFrames struct {
		hash common.Hash
		rows []*store.InternalTx
	}
	frames := make([]txFrames, 0, len(hashes))
	total := 0
	for txIdx, traces := range allTraces {
		rows := make([]*store.InternalTx, 0, len(traces))
		for traceIdx := range traces {
			row, ok := store.NewInternalTxFromTrace(&traces[traceIdx], hashes[txIdx])
			if !ok {
				i.logger.Warn("unknown trace type", "tx", hashes[txIdx], "type", traces[traceIdx].Type)
				continue
			}
			rows = append(rows, row)
		}
		frames = append(frames, txFrames{hash: hashes[txIdx], rows: rows})
		total += len(rows)
	}
	err = i.store.RunInTransaction(ctx, func(tx *store.Store) error {
		var decodedBatch []*store.InternalTxDecoded
		for _, frame := range frames {
			stored, err := tx.BulkInsertInternalTxs(ctx, frame.rows)
			if err != nil {
				return err
			}
			receipt := receipts[frame.hash]
			success := receipt != nil && receipt.Status == 1
			for _, row := range stored {
				if !success || !canBeDecoded(row, stored) {
					continue
				}
				functionName, arguments, err := i.decoder.Decode(row.Data)
				if errors.Is(err, decoder.ErrCannotDecode) {
					continue
				}
				if err != nil {
					return err
				}
				decodedBatch = append(decodedBatch, &store.InternalTxDecoded{
					InternalTxID: row.ID,
					FunctionName: functionName,
					Arguments:    store.JSONMap(arguments),
					Processed:    false,
				})
			}
		}
		return tx.CreateInternalTxsDecoded(ctx, decodedBatch)
	})
	if err != nil {
		return 0, err
	}
	if i.metrics != nil {
		i.metrics.InternalTxsIndexed.Add(float64(total))
	}
	return total, nil
}

// canBeDecoded applies the decodability predicate over the frames of one
// transaction: a successful delegate call with calldata whose ancestors all
// succeeded. "Already decoded" is handled by the conflict-ignoring insert.
func canBeDecoded(row *store.InternalTx, siblings []*store.InternalTx) bool {
	if !row.IsDelegateCall() || row.Error != nil || len(row.Data) == 0 {
		return false
	}
	for _, sibling := range siblings {
		if sibling.Error != nil && store.IsTraceAncestor(sibling.TraceAddress, row.TraceAddress) {
			return false
		}
	}
	return true
}

func traceTouches(trace *chain.Trace, monitored mapset.Set[common.Address]) bool {
	if trace.Action.From != nil && monitored.Contains(*trace.Action.From) {
		return true
	}
	to := trace.ToAddress()
	return to != nil && monitored.Contains(*to)
}

// dedupeHashes removes duplicates preserving the first occurrence.
func dedupeHashes(hashes []common.Hash) []common.Hash {
	seen := make(map[common.Hash]struct{}, len(hashes))
	deduped := hashes[:0]
	for _, hash := range hashes {
		if _, ok := seen[hash]; ok {
			continue
		}
		seen[hash] = struct{}{}
		deduped = append(deduped, hash)
	}
	return deduped
}

func wrapFindError(err error) error {
	if chain.IsNetworkError(err) {
		return &FindRelevantElementsError{err: err}
	}
	return err
}
