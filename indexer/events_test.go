package indexer

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsksmart/safe-transaction-service/chain"
	"github.com/rsksmart/safe-transaction-service/store"
)

func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func transferLog(token common.Address, txHash common.Hash, index uint, from, to common.Address, value *big.Int) types.Log {
	return types.Log{
		Address: token,
		TxHash:  txHash,
		Index:   index,
		Topics:  []common.Hash{store.TransferTopic, addressTopic(from), addressTopic(to)},
		Data:    common.LeftPadBytes(value.Bytes(), 32),
	}
}

func erc721Log(token common.Address, txHash common.Hash, index uint, from, to common.Address, tokenID *big.Int) types.Log {
	return types.Log{
		Address: token,
		TxHash:  txHash,
		Index:   index,
		Topics: []common.Hash{store.TransferTopic, addressTopic(from), addressTopic(to),
			common.BigToHash(tokenID)},
	}
}

func TestEventFromTransferLog(t *testing.T) {
	token := addr(0x70)
	from := addr(0x01)
	to := addr(0x02)

	erc20, ok := eventFromTransferLog(&types.Log{
		Address: token,
		Topics:  []common.Hash{store.TransferTopic, addressTopic(from), addressTopic(to)},
		Data:    common.LeftPadBytes(big.NewInt(1500).Bytes(), 32),
	})
	require.True(t, ok)
	assert.True(t, erc20.IsERC20())
	assert.False(t, erc20.IsERC721())
	assert.Equal(t, "1500", erc20.Arguments["value"])
	assert.Equal(t, from.Hex(), erc20.Arguments["from"])
	assert.Equal(t, to.Hex(), erc20.Arguments["to"])

	erc721, ok := eventFromTransferLog(&types.Log{
		Address: token,
		Topics: []common.Hash{store.TransferTopic, addressTopic(from), addressTopic(to),
			common.BigToHash(big.NewInt(42))},
	})
	require.True(t, ok)
	assert.True(t, erc721.IsERC721())
	assert.Equal(t, "42", erc721.Arguments["tokenId"])

	// A Transfer-shaped log with the wrong layout is skipped.
	_, ok = eventFromTransferLog(&types.Log{
		Address: token,
		Topics:  []common.Hash{store.TransferTopic},
		Data:    []byte{0x01},
	})
	assert.False(t, ok)
}

func TestErc20EventsIndexerFindAndProcess(t *testing.T) {
	st := newTestStore(t)
	safeAddress := addr(0x5a)
	token := addr(0x70)
	txHash := common.HexToHash("0xf1")

	outgoing := transferLog(token, txHash, 0, safeAddress, addr(0x02), big.NewInt(100))
	incoming := transferLog(token, txHash, 1, addr(0x03), safeAddress, big.NewInt(250))
	nft := erc721Log(token, txHash, 2, addr(0x03), safeAddress, big.NewInt(7))

	client := &fakeCaller{
		t: t,
		filterLogs: func(_ context.Context, filter *chain.LogFilter) ([]types.Log, error) {
			if len(filter.Topics) > 1 && len(filter.Topics[1]) > 0 {
				// sender-position query
				return []types.Log{outgoing}, nil
			}
			return []types.Log{incoming, nft, incoming}, nil // duplicate on purpose
		},
		transactionsByHash: func(_ context.Context, hashes []common.Hash) ([]*chain.Transaction, error) {
			txs := make([]*chain.Transaction, len(hashes))
			for i, hash := range hashes {
				txs[i] = &chain.Transaction{Hash: hash, From: addr(0x03)}
			}
			return txs, nil
		},
		receiptsByHash: func(_ context.Context, hashes []common.Hash) ([]*types.Receipt, error) {
			receipts := make([]*types.Receipt, len(hashes))
			for i := range hashes {
				receipts[i] = &types.Receipt{Status: 1, BlockNumber: big.NewInt(100)}
			}
			return receipts, nil
		},
		blockByNumber: func(_ context.Context, number uint64) (*chain.Block, error) {
			return &chain.Block{Number: 100, Hash: common.HexToHash("0x64")}, nil
		},
	}
	idx := NewErc20EventsIndexer(client, st, nil, nil, Erc20EventsIndexerConfig{})

	stored, err := idx.FindAndProcess(context.Background(), []common.Address{safeAddress}, 90, 100, 110)
	require.NoError(t, err)
	assert.Equal(t, 3, stored)

	// Stored events back the transfer views.
	transfers, err := st.TokenTransfers(context.Background(), safeAddress)
	require.NoError(t, err)
	assert.Len(t, transfers, 3)

	incomingTransfers, err := st.IncomingTransfers(context.Background(), safeAddress)
	require.NoError(t, err)
	assert.Len(t, incomingTransfers, 2)

	balances, err := st.ERC20Balances(context.Background(), safeAddress)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.EqualValues(t, 150, balances[0].Balance.Int64()) // 250 in - 100 out

	// Re-running is idempotent on (tx, log index).
	_, err = idx.FindAndProcess(context.Background(), []common.Address{safeAddress}, 90, 100, 110)
	require.NoError(t, err)
	var count int64
	require.NoError(t, st.DB().Model(&store.EthereumEvent{}).Count(&count).Error)
	assert.EqualValues(t, 3, count)
}
