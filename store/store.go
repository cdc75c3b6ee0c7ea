package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rsksmart/safe-transaction-service/chain"
)

// ErrBlockHashMismatch is returned by GetOrCreateBlock when a block with the
// same number but a different hash is already stored. The reorg handler owns
// the recovery; callers just surface it.
var ErrBlockHashMismatch = errors.New("stored block hash differs from chain")

// ErrNotFound wraps gorm's record-not-found for callers that do not want to
// import gorm.
var ErrNotFound = gorm.ErrRecordNotFound

// Store wraps the relational database. All methods are safe for concurrent
// use; batch writes run inside transactions.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *gorm.DB { return s.db }

// Migrate creates or updates the schema for every model.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(allModels()...)
}

// RunInTransaction executes fn with a Store bound to a database transaction.
// Rolls back on error.
func (s *Store) RunInTransaction(ctx context.Context, fn func(*Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// GetOrCreateBlock is idempotent on the block number. Re-inserting the same
// chain block is benign; a divergent hash at the same number returns the
// stored row together with ErrBlockHashMismatch.
func (s *Store) GetOrCreateBlock(ctx context.Context, block *chain.Block, confirmed bool) (*EthereumBlock, error) {
	get := func() (*EthereumBlock, error) {
		var existing EthereumBlock
		err := s.db.WithContext(ctx).First(&existing, "number = ?", uint64(block.Number)).Error
		if err != nil {
			return nil, err
		}
		if existing.BlockHash.Common() != block.Hash {
			return &existing, ErrBlockHashMismatch
		}
		return &existing, nil
	}
	if existing, err := get(); err == nil || errors.Is(err, ErrBlockHashMismatch) {
		return existing, err
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	row := &EthereumBlock{
		Number:     uint64(block.Number),
		GasLimit:   uint64(block.GasLimit),
		GasUsed:    uint64(block.GasUsed),
		Timestamp:  time.Unix(int64(block.Timestamp), 0).UTC(),
		BlockHash:  NewHash(block.Hash),
		ParentHash: NewHash(block.ParentHash),
		Confirmed:  confirmed,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		// Another task may have inserted the block while it was being
		// fetched from the chain.
		if existing, getErr := get(); getErr == nil || errors.Is(getErr, ErrBlockHashMismatch) {
			return existing, getErr
		}
		return nil, err
	}
	return row, nil
}

// SetBlockConfirmed marks a block as final. One way transition.
func (s *Store) SetBlockConfirmed(ctx context.Context, number uint64) error {
	return s.db.WithContext(ctx).Model(&EthereumBlock{}).
		Where("number = ?", number).
		Update("confirmed", true).Error
}

// NotConfirmedBlocks returns unconfirmed blocks ordered by number ascending,
// optionally bounded.
func (s *Store) NotConfirmedBlocks(ctx context.Context, upTo *uint64) ([]EthereumBlock, error) {
	query := s.db.WithContext(ctx).Where("confirmed = ?", false)
	if upTo != nil {
		query = query.Where("number <= ?", *upTo)
	}
	var blocks []EthereumBlock
	err := query.Order("number asc").Find(&blocks).Error
	return blocks, err
}

// GetBlock fetches a block by number.
func (s *Store) GetBlock(ctx context.Context, number uint64) (*EthereumBlock, error) {
	var block EthereumBlock
	if err := s.db.WithContext(ctx).First(&block, "number = ?", number).Error; err != nil {
		return nil, err
	}
	return &block, nil
}

// CreateOrUpdateTx persists a transaction together with its receipt. If the
// row exists but was stored before being mined, the block and receipt fields
// are filled in.
func (s *Store) CreateOrUpdateTx(ctx context.Context, tx *chain.Transaction, receipt *types.Receipt, block *EthereumBlock) (*EthereumTx, error) {
	var existing EthereumTx
	err := s.db.WithContext(ctx).First(&existing, "tx_hash = ?", NewHash(tx.Hash)).Error
	switch {
	case err == nil:
		if existing.BlockNumber == nil && receipt != nil && block != nil {
			existing.BlockNumber = &block.Number
			gasUsed := receipt.GasUsed
			existing.GasUsed = &gasUsed
			existing.Logs = Logs(receipt.Logs)
			status := int(receipt.Status)
			existing.Status = &status
			txIndex := uint64(receipt.TransactionIndex)
			existing.TransactionIndex = &txIndex
			if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
				return nil, err
			}
		}
		return &existing, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := newEthereumTx(tx, receipt, block)
		if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error; err != nil {
			return nil, err
		}
		return row, nil
	default:
		return nil, err
	}
}

func newEthereumTx(tx *chain.Transaction, receipt *types.Receipt, block *EthereumBlock) *EthereumTx {
	row := &EthereumTx{
		TxHash: NewHash(tx.Hash),
		From:   NewAddressPtr(&tx.From),
		To:     NewAddressPtr(tx.To),
		Gas:    uint64(tx.Gas),
		Nonce:  uint64(tx.Nonce),
		Data:   tx.Input,
	}
	if tx.Value != nil {
		row.Value = NewBigInt(tx.Value.ToInt())
	}
	if tx.GasPrice != nil {
		row.GasPrice = NewBigInt(tx.GasPrice.ToInt())
	}
	if block != nil {
		row.BlockNumber = &block.Number
	}
	if receipt != nil {
		gasUsed := receipt.GasUsed
		row.GasUsed = &gasUsed
		row.Logs = Logs(receipt.Logs)
		status := int(receipt.Status)
		row.Status = &status
		txIndex := uint64(receipt.TransactionIndex)
		row.TransactionIndex = &txIndex
	}
	return row
}

// GetTx fetches a transaction by hash.
func (s *Store) GetTx(ctx context.Context, hash common.Hash) (*EthereumTx, error) {
	var tx EthereumTx
	if err := s.db.WithContext(ctx).First(&tx, "tx_hash = ?", NewHash(hash)).Error; err != nil {
		return nil, err
	}
	return &tx, nil
}

// BulkInsertInternalTxs inserts trace rows, ignoring (tx, trace address)
// duplicates. Returns the stored rows with their IDs resolved, whether they
// were inserted now or already existed.
func (s *Store) BulkInsertInternalTxs(ctx context.Context, rows []*InternalTx) ([]*InternalTx, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
		return nil, err
	}
	resolved := make([]*InternalTx, 0, len(rows))
	for _, row := range rows {
		if row.ID != 0 {
			resolved = append(resolved, row)
			continue
		}
		existing, err := s.GetInternalTx(ctx, row.EthereumTxHash.Common(), row.TraceAddress)
		if err != nil {
			return nil, fmt.Errorf("resolving conflicted internal tx %s %q: %w",
				row.EthereumTxHash, row.TraceAddress, err)
		}
		resolved = append(resolved, existing)
	}
	return resolved, nil
}

// GetInternalTx fetches one trace frame by its natural key.
func (s *Store) GetInternalTx(ctx context.Context, ethereumTxHash common.Hash, traceAddress string) (*InternalTx, error) {
	var row InternalTx
	err := s.db.WithContext(ctx).
		First(&row, "ethereum_tx_hash = ? AND trace_address = ?", NewHash(ethereumTxHash), traceAddress).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// InternalTxsForTx returns every trace frame of a transaction in canonical
// trace order.
func (s *Store) InternalTxsForTx(ctx context.Context, ethereumTxHash common.Hash) ([]*InternalTx, error) {
	var rows []*InternalTx
	err := s.db.WithContext(ctx).
		Where("ethereum_tx_hash = ?", NewHash(ethereumTxHash)).
		Order("trace_address_sort asc").
		Find(&rows).Error
	return rows, err
}

// ParentErrored reports whether any strict ancestor frame of the given
// internal tx failed.
func (s *Store) ParentErrored(ctx context.Context, internalTx *InternalTx) (bool, error) {
	rows, err := s.InternalTxsForTx(ctx, internalTx.EthereumTxHash.Common())
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		if row.Error != nil && IsTraceAncestor(row.TraceAddress, internalTx.TraceAddress) {
			return true, nil
		}
	}
	return false, nil
}

// CreateInternalTxsDecoded inserts decoded rows, ignoring already decoded
// internal txs.
func (s *Store) CreateInternalTxsDecoded(ctx context.Context, rows []*InternalTxDecoded) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// PendingInternalTxsDecoded returns unprocessed decoded txs that either come
// from a known Safe or are a setup call (so brand new Safes are picked up
// without prior registration), in canonical processing order.
func (s *Store) PendingInternalTxsDecoded(ctx context.Context, limit int) ([]*InternalTxDecoded, error) {
	query := s.db.WithContext(ctx).
		Select("internal_txs_decoded.*").
		Joins("JOIN internal_txs ON internal_txs.id = internal_txs_decoded.internal_tx_id").
		Joins("JOIN ethereum_txs ON ethereum_txs.tx_hash = internal_txs.ethereum_tx_hash").
		Where("internal_txs_decoded.processed = ?", false).
		Where("internal_txs.from_address IN (?) OR internal_txs_decoded.function_name = ?",
			s.db.Model(&SafeContract{}).Select("address"), "setup").
		Order("ethereum_txs.block_number asc").
		Order("ethereum_txs.transaction_index asc").
		Order("internal_txs.trace_address_sort asc").
		Preload("InternalTx").
		Preload("InternalTx.EthereumTx")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []*InternalTxDecoded
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	// The padded sort column already orders correctly; the in-memory sort is
	// kept as the authoritative comparator for components that overflow the
	// padding width.
	SortInternalTxsDecoded(rows)
	return rows, nil
}

// MarkInternalTxDecodedProcessed flips the processed flag.
func (s *Store) MarkInternalTxDecodedProcessed(ctx context.Context, internalTxID uint64) error {
	return s.db.WithContext(ctx).Model(&InternalTxDecoded{}).
		Where("internal_tx_id = ?", internalTxID).
		Update("processed", true).Error
}
