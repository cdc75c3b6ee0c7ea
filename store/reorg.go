package store

import (
	"context"

	"gorm.io/gorm"
)

// RollbackToBlock removes every row derived from blocks at or above
// blockNumber and rewinds the monitored cursors so the indexers re-scan the
// replaced range. Multisig transactions survive with their execution link
// cleared; the proposal itself did not happen on chain. Everything runs in a
// single database transaction.
func (s *Store) RollbackToBlock(ctx context.Context, blockNumber uint64) error {
	return s.RunInTransaction(ctx, func(tx *Store) error {
		db := tx.db
		var txHashes []Hash
		err := db.Model(&EthereumTx{}).
			Where("block_number >= ?", blockNumber).
			Pluck("tx_hash", &txHashes).Error
		if err != nil {
			return err
		}
		if len(txHashes) > 0 {
			var internalTxIDs []uint64
			err = db.Model(&InternalTx{}).
				Where("ethereum_tx_hash IN ?", txHashes).
				Pluck("id", &internalTxIDs).Error
			if err != nil {
				return err
			}
			steps := []func() *gorm.DB{
				func() *gorm.DB {
					return db.Model(&MultisigTransaction{}).
						Where("ethereum_tx_hash IN ?", txHashes).
						Update("ethereum_tx_hash", nil)
				},
				func() *gorm.DB {
					return db.Where("ethereum_tx_hash IN ?", txHashes).Delete(&MultisigConfirmation{})
				},
				func() *gorm.DB {
					return db.Where("ethereum_tx_hash IN ?", txHashes).Delete(&EthereumEvent{})
				},
			}
			if len(internalTxIDs) > 0 {
				steps = append(steps,
					func() *gorm.DB {
						return db.Where("internal_tx_id IN ?", internalTxIDs).Delete(&SafeStatus{})
					},
					func() *gorm.DB {
						return db.Where("internal_tx_id IN ?", internalTxIDs).Delete(&ModuleTransaction{})
					},
					func() *gorm.DB {
						return db.Where("internal_tx_id IN ?", internalTxIDs).Delete(&InternalTxDecoded{})
					},
				)
			}
			steps = append(steps,
				func() *gorm.DB {
					return db.Where("ethereum_tx_hash IN ?", txHashes).Delete(&InternalTx{})
				},
				func() *gorm.DB {
					return db.Where("tx_hash IN ?", txHashes).Delete(&EthereumTx{})
				},
			)
			for _, step := range steps {
				if err := step().Error; err != nil {
					return err
				}
			}
		}
		// Statuses reference internal txs, but the denormalized block number
		// catches snapshots whose transaction row was already gone.
		if err := db.Where("block_number >= ?", blockNumber).Delete(&SafeStatus{}).Error; err != nil {
			return err
		}
		if err := tx.RewindMonitoredCursors(ctx, blockNumber); err != nil {
			return err
		}
		return db.Where("number >= ?", blockNumber).Delete(&EthereumBlock{}).Error
	})
}
