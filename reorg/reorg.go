// Package reorg reconciles stored blocks against the live chain, confirming
// blocks past the configured depth and rolling back derived state when the
// chain replaced a block.
package reorg

import (
	"context"

	"github.com/ethereum/go-ethereum/log"

	"github.com/rsksmart/safe-transaction-service/chain"
	"github.com/rsksmart/safe-transaction-service/metrics"
	"github.com/rsksmart/safe-transaction-service/store"
)

// Checker performs the periodic reconciliation tick.
type Checker struct {
	client  chain.Caller
	store   *store.Store
	metrics *metrics.Metrics
	// depth is the number of blocks behind the head after which a matching
	// block is final.
	depth  uint64
	logger log.Logger
}

func NewChecker(client chain.Caller, st *store.Store, m *metrics.Metrics, depth uint64) *Checker {
	return &Checker{
		client:  client,
		store:   st,
		metrics: m,
		depth:   depth,
		logger:  log.New("module", "reorg-checker"),
	}
}

// Check walks the unconfirmed blocks in ascending order. Matching hashes
// deep enough are confirmed; the first mismatch triggers a rollback of
// everything from that height up and ends the tick so the indexers can
// re-scan the replaced range. Returns the reorg height if one was handled.
func (c *Checker) Check(ctx context.Context) (*uint64, error) {
	currentBlock, err := c.client.CurrentBlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	blocks, err := c.store.NotConfirmedBlocks(ctx, nil)
	if err != nil {
		return nil, err
	}
	for i := range blocks {
		stored := &blocks[i]
		live, err := c.client.BlockByNumber(ctx, stored.Number)
		if err != nil {
			return nil, err
		}
		if live.Hash == stored.BlockHash.Common() {
			if currentBlock >= stored.Number && currentBlock-stored.Number >= c.depth {
				if err := c.store.SetBlockConfirmed(ctx, stored.Number); err != nil {
					return nil, err
				}
				if c.metrics != nil {
					c.metrics.BlocksConfirmed.Inc()
				}
			}
			continue
		}
		c.logger.Warn("reorg detected",
			"block", stored.Number,
			"stored-hash", stored.BlockHash,
			"chain-hash", live.Hash)
		if err := c.store.RollbackToBlock(ctx, stored.Number); err != nil {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.ReorgsDetected.Inc()
		}
		number := stored.Number
		c.logger.Info("reorg rollback complete", "block", number)
		return &number, nil
	}
	return nil, nil
}
