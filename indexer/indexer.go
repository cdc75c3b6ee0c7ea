// Package indexer discovers chain activity for monitored addresses and
// persists it. Each concrete indexer owns one address class and its cursor;
// the shared engine chooses scan windows and advances cursors.
package indexer

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/rsksmart/safe-transaction-service/chain"
	"github.com/rsksmart/safe-transaction-service/store"
)

// FindRelevantElementsError marks a transient discovery failure. The caller
// retries the whole window; partial results are discarded.
type FindRelevantElementsError struct {
	err error
}

func (e *FindRelevantElementsError) Error() string {
	return fmt.Sprintf("finding relevant elements: %v", e.err)
}

func (e *FindRelevantElementsError) Unwrap() error { return e.err }

// IsFindRelevantElementsError reports whether the scan can be retried.
func IsFindRelevantElementsError(err error) bool {
	var findErr *FindRelevantElementsError
	return errors.As(err, &findErr)
}

// Delegate is one address-class indexer driven by the engine.
type Delegate interface {
	Name() string
	AddressKind() store.AddressKind
	// FindAndProcess scans one contiguous window for the given addresses
	// and persists everything found. Returns the number of stored elements.
	FindAndProcess(ctx context.Context, addresses []common.Address, fromBlock, toBlock, currentBlock uint64) (int, error)
	BlockProcessLimit() uint64
	UpdatedBlocksBehind() uint64
	Confirmations() uint64
}

// Engine drives a Delegate: addresses close to the head are scanned together
// in one window, stragglers catch up individually so one far-behind address
// does not hold the rest back.
type Engine struct {
	client   chain.Caller
	store    *store.Store
	delegate Delegate
	logger   log.Logger
}

func NewEngine(client chain.Caller, st *store.Store, delegate Delegate) *Engine {
	return &Engine{
		client:   client,
		store:    st,
		delegate: delegate,
		logger:   log.New("indexer", delegate.Name()),
	}
}

// RunCycle performs one scan pass and returns the number of stored elements.
func (e *Engine) RunCycle(ctx context.Context) (int, error) {
	currentBlock, err := e.client.CurrentBlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	kind := e.delegate.AddressKind()
	almostUpdated, err := e.store.MonitoredAlmostUpdated(ctx, kind, currentBlock,
		e.delegate.UpdatedBlocksBehind(), e.delegate.Confirmations())
	if err != nil {
		return 0, err
	}
	total := 0
	grouped := make(map[store.Address]bool, len(almostUpdated))
	if len(almostUpdated) > 0 {
		for _, row := range almostUpdated {
			grouped[row.Address] = true
		}
		n, err := e.processAddresses(ctx, almostUpdated, currentBlock)
		if err != nil {
			return total, err
		}
		total += n
	}
	notUpdated, err := e.store.MonitoredNotUpdated(ctx, kind, currentBlock, e.delegate.Confirmations())
	if err != nil {
		return total, err
	}
	for _, row := range notUpdated {
		if grouped[row.Address] {
			continue
		}
		n, err := e.processAddresses(ctx, []store.MonitoredAddress{row}, currentBlock)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// processAddresses scans one window shared by the given rows and advances
// their cursors. The window starts after the oldest cursor and is bounded by
// the block process limit and the confirmation depth.
func (e *Engine) processAddresses(ctx context.Context, rows []store.MonitoredAddress, currentBlock uint64) (int, error) {
	confirmations := e.delegate.Confirmations()
	if currentBlock < confirmations {
		return 0, nil
	}
	fromBlock := rows[0].CursorBlockNumber
	for _, row := range rows[1:] {
		if row.CursorBlockNumber < fromBlock {
			fromBlock = row.CursorBlockNumber
		}
	}
	fromBlock++
	if fromBlock < 0 {
		fromBlock = 0
	}
	toBlock := int64(currentBlock - confirmations)
	if limit := fromBlock + int64(e.delegate.BlockProcessLimit()) - 1; limit < toBlock {
		toBlock = limit
	}
	if toBlock < fromBlock {
		return 0, nil
	}
	addresses := make([]common.Address, len(rows))
	for i, row := range rows {
		addresses[i] = row.Address.Common()
	}
	e.logger.Debug("scanning window", "from", fromBlock, "to", toBlock, "addresses", len(addresses))
	n, err := e.delegate.FindAndProcess(ctx, addresses, uint64(fromBlock), uint64(toBlock), currentBlock)
	if err != nil {
		return 0, err
	}
	updated, err := e.store.UpdateMonitoredAddresses(ctx, e.delegate.AddressKind(), addresses, fromBlock, toBlock)
	if err != nil {
		return n, err
	}
	if updated != int64(len(addresses)) {
		// A reorg rewound some cursors while this window was being scanned;
		// those addresses will be rescanned from their rewound position.
		e.logger.Warn("not every cursor advanced", "expected", len(addresses), "updated", updated)
	}
	return n, nil
}

// storeTxs fetches and persists transactions, receipts and blocks
// for the given hashes. Shared by the trace and event indexers. Returns the
// receipts keyed by tx hash.
func storeTxs(ctx context.Context, client chain.Caller, st *store.Store, logger log.Logger, hashes []common.Hash, txCache txCache) (map[common.Hash]*types.Receipt, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	txs := make([]*chain.Transaction, len(hashes))
	var missing []common.Hash
	var missingIdx []int
	for i, hash := range hashes {
		if txCache != nil {
			if tx, ok := txCache.Get(hash); ok {
				txs[i] = tx
				continue
			}
		}
		missing = append(missing, hash)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) > 0 {
		fetched, err := client.TransactionsByHash(ctx, missing)
		if err != nil {
			return nil, err
		}
		for i, tx := range fetched {
			txs[missingIdx[i]] = tx
			if txCache != nil {
				txCache.Add(missing[i], tx)
			}
		}
	}
	receipts, err := client.ReceiptsByHash(ctx, hashes)
	if err != nil {
		return nil, err
	}
	blocks := make(map[uint64]*store.EthereumBlock)
	receiptsByHash := make(map[common.Hash]*types.Receipt, len(hashes))
	for i, hash := range hashes {
		receipt := receipts[i]
		receiptsByHash[hash] = receipt
		blockNumber := receipt.BlockNumber.Uint64()
		block, ok := blocks[blockNumber]
		if !ok {
			chainBlock, err := client.BlockByNumber(ctx, blockNumber)
			if err != nil {
				return nil, err
			}
			block, err = st.GetOrCreateBlock(ctx, chainBlock, false)
			if errors.Is(err, store.ErrBlockHashMismatch) {
				// The reorg handler reconciles diverging hashes; keep
				// indexing against the stored row.
				logger.Warn("block hash mismatch while indexing", "block", blockNumber)
			} else if err != nil {
				return nil, err
			}
			blocks[blockNumber] = block
		}
		if _, err := st.CreateOrUpdateTx(ctx, txs[i], receipt, block); err != nil {
			return nil, err
		}
	}
	return receiptsByHash, nil
}

// txCache caches immutable transaction bodies by hash so overlapping
// discoveries from different address classes do not refetch them.
type txCache interface {
	Get(hash common.Hash) (*chain.Transaction, bool)
	Add(hash common.Hash, tx *chain.Transaction) bool
}
