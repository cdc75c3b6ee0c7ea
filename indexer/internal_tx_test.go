package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rsksmart/safe-transaction-service/chain"
	"github.com/rsksmart/safe-transaction-service/decoder"
	"github.com/rsksmart/safe-transaction-service/store"
)

// fakeCaller stubs the chain surface with function fields; unset methods
// fail the test if reached.
type fakeCaller struct {
	t *testing.T

	currentBlockNumber func(ctx context.Context) (uint64, error)
	blockByNumber      func(ctx context.Context, number uint64) (*chain.Block, error)
	transactionsByHash func(ctx context.Context, hashes []common.Hash) ([]*chain.Transaction, error)
	receiptsByHash     func(ctx context.Context, hashes []common.Hash) ([]*types.Receipt, error)
	traceBlocks        func(ctx context.Context, numbers []uint64) ([][]chain.Trace, error)
	traceFilter        func(ctx context.Context, fromBlock, toBlock uint64, fromAddresses, toAddresses []common.Address) ([]chain.Trace, error)
	traceTransactions  func(ctx context.Context, hashes []common.Hash) ([][]chain.Trace, error)
	filterLogs         func(ctx context.Context, filter *chain.LogFilter) ([]types.Log, error)
}

var _ chain.Caller = (*fakeCaller)(nil)

func (f *fakeCaller) CurrentBlockNumber(ctx context.Context) (uint64, error) {
	require.NotNil(f.t, f.currentBlockNumber, "unexpected CurrentBlockNumber")
	return f.currentBlockNumber(ctx)
}

func (f *fakeCaller) BlockByNumber(ctx context.Context, number uint64) (*chain.Block, error) {
	require.NotNil(f.t, f.blockByNumber, "unexpected BlockByNumber")
	return f.blockByNumber(ctx, number)
}

func (f *fakeCaller) TransactionByHash(ctx context.Context, hash common.Hash) (*chain.Transaction, error) {
	txs, err := f.TransactionsByHash(ctx, []common.Hash{hash})
	if err != nil {
		return nil, err
	}
	return txs[0], nil
}

func (f *fakeCaller) TransactionsByHash(ctx context.Context, hashes []common.Hash) ([]*chain.Transaction, error) {
	require.NotNil(f.t, f.transactionsByHash, "unexpected TransactionsByHash")
	return f.transactionsByHash(ctx, hashes)
}

func (f *fakeCaller) ReceiptByHash(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipts, err := f.ReceiptsByHash(ctx, []common.Hash{hash})
	if err != nil {
		return nil, err
	}
	return receipts[0], nil
}

func (f *fakeCaller) ReceiptsByHash(ctx context.Context, hashes []common.Hash) ([]*types.Receipt, error) {
	require.NotNil(f.t, f.receiptsByHash, "unexpected ReceiptsByHash")
	return f.receiptsByHash(ctx, hashes)
}

func (f *fakeCaller) TraceBlock(ctx context.Context, number uint64) ([]chain.Trace, error) {
	traces, err := f.TraceBlocks(ctx, []uint64{number})
	if err != nil {
		return nil, err
	}
	return traces[0], nil
}

func (f *fakeCaller) TraceBlocks(ctx context.Context, numbers []uint64) ([][]chain.Trace, error) {
	require.NotNil(f.t, f.traceBlocks, "unexpected TraceBlocks")
	return f.traceBlocks(ctx, numbers)
}

func (f *fakeCaller) TraceFilter(ctx context.Context, fromBlock, toBlock uint64, fromAddresses, toAddresses []common.Address) ([]chain.Trace, error) {
	require.NotNil(f.t, f.traceFilter, "unexpected TraceFilter")
	return f.traceFilter(ctx, fromBlock, toBlock, fromAddresses, toAddresses)
}

func (f *fakeCaller) TraceTransaction(ctx context.Context, hash common.Hash) ([]chain.Trace, error) {
	traces, err := f.TraceTransactions(ctx, []common.Hash{hash})
	if err != nil {
		return nil, err
	}
	return traces[0], nil
}

func (f *fakeCaller) TraceTransactions(ctx context.Context, hashes []common.Hash) ([][]chain.Trace, error) {
	require.NotNil(f.t, f.traceTransactions, "unexpected TraceTransactions")
	return f.traceTransactions(ctx, hashes)
}

func (f *fakeCaller) FilterLogs(ctx context.Context, filter *chain.LogFilter) ([]types.Log, error) {
	require.NotNil(f.t, f.filterLogs, "unexpected FilterLogs")
	return f.filterLogs(ctx, filter)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:indexer-%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	st := store.New(db)
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTestIndexer(t *testing.T, client chain.Caller, st *store.Store, config InternalTxIndexerConfig) *InternalTxIndexer {
	t.Helper()
	txDecoder, err := decoder.NewSafeTxDecoder()
	require.NoError(t, err)
	idx, err := NewInternalTxIndexer(client, st, txDecoder, nil, config)
	require.NoError(t, err)
	return idx
}

func addr(n byte) common.Address {
	return common.BytesToAddress([]byte{n})
}

func callTrace(txHash common.Hash, from, to common.Address) chain.Trace {
	return chain.Trace{
		Type:            "call",
		Action:          chain.TraceAction{From: &from, To: &to, CallType: "call"},
		TransactionHash: txHash,
	}
}

func TestFindRelevantTxHashesStrategy(t *testing.T) {
	monitored := addr(0xaa)
	cases := []struct {
		name             string
		from, to, head   uint64
		wantFilterRanges [][2]uint64
		wantBlockRanges  [][2]uint64
		traceBlockOnly   bool
	}{
		{
			name: "head window uses trace_block only",
			from: 95, to: 99, head: 100,
			wantBlockRanges: [][2]uint64{{95, 99}},
		},
		{
			name: "historical window uses trace_filter only",
			from: 10, to: 50, head: 100,
			wantFilterRanges: [][2]uint64{{10, 50}},
		},
		{
			name: "boundary window splits",
			from: 80, to: 95, head: 100,
			wantFilterRanges: [][2]uint64{{80, 90}},
			wantBlockRanges:  [][2]uint64{{90, 95}},
		},
		{
			name: "trace-block-only ignores history",
			from: 10, to: 50, head: 100,
			traceBlockOnly:  true,
			wantBlockRanges: [][2]uint64{{10, 50}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var filterRanges, blockRanges [][2]uint64
			client := &fakeCaller{
				t: t,
				traceBlocks: func(_ context.Context, numbers []uint64) ([][]chain.Trace, error) {
					blockRanges = append(blockRanges, [2]uint64{numbers[0], numbers[len(numbers)-1]})
					return make([][]chain.Trace, len(numbers)), nil
				},
				traceFilter: func(_ context.Context, fromBlock, toBlock uint64, fromAddresses, toAddresses []common.Address) ([]chain.Trace, error) {
					if len(toAddresses) > 0 {
						filterRanges = append(filterRanges, [2]uint64{fromBlock, toBlock})
					}
					return nil, nil
				},
			}
			idx := newTestIndexer(t, client, nil, InternalTxIndexerConfig{
				NumberTraceBlocks: 10,
				TraceBlockOnly:    tc.traceBlockOnly,
			})
			_, err := idx.FindRelevantTxHashes(context.Background(),
				[]common.Address{monitored}, tc.from, tc.to, tc.head)
			require.NoError(t, err)
			assert.Equal(t, tc.wantFilterRanges, filterRanges, "trace_filter ranges")
			assert.Equal(t, tc.wantBlockRanges, blockRanges, "trace_block ranges")
		})
	}
}

func TestFindRelevantTxHashesDedupPreservesOrder(t *testing.T) {
	monitored := addr(0xaa)
	txA := common.HexToHash("0xa1")
	txB := common.HexToHash("0xb1")
	client := &fakeCaller{
		t: t,
		traceFilter: func(_ context.Context, _, _ uint64, fromAddresses, toAddresses []common.Address) ([]chain.Trace, error) {
			if len(toAddresses) > 0 {
				return []chain.Trace{
					callTrace(txA, addr(1), monitored),
					callTrace(txB, addr(2), monitored),
					callTrace(txA, addr(3), monitored),
				}, nil
			}
			return []chain.Trace{callTrace(txB, monitored, addr(4))}, nil
		},
	}
	idx := newTestIndexer(t, client, nil, InternalTxIndexerConfig{NumberTraceBlocks: 10})
	hashes, err := idx.FindRelevantTxHashes(context.Background(), []common.Address{monitored}, 10, 50, 1000)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{txA, txB}, hashes)
}

func TestFindRelevantTxHashesNetworkError(t *testing.T) {
	brokenClient := &fakeCaller{
		t: t,
		traceFilter: func(_ context.Context, _, _ uint64, _, _ []common.Address) ([]chain.Trace, error) {
			return nil, chain.NewNetworkError(errNetwork)
		},
	}
	idx := newTestIndexer(t, brokenClient, nil, InternalTxIndexerConfig{NumberTraceBlocks: 10})
	_, err := idx.FindRelevantTxHashes(context.Background(), []common.Address{addr(0xaa)}, 10, 50, 1000)
	assert.True(t, IsFindRelevantElementsError(err))
}

func TestFindUsingTraceBlockFiltersAddresses(t *testing.T) {
	monitored := addr(0xaa)
	relevant := common.HexToHash("0xa1")
	irrelevant := common.HexToHash("0xb1")
	client := &fakeCaller{
		t: t,
		traceBlocks: func(_ context.Context, numbers []uint64) ([][]chain.Trace, error) {
			return [][]chain.Trace{{
				callTrace(relevant, addr(1), monitored),
				callTrace(irrelevant, addr(1), addr(2)),
			}}, nil
		},
	}
	idx := newTestIndexer(t, client, nil, InternalTxIndexerConfig{NumberTraceBlocks: 10})
	hashes, err := idx.FindRelevantTxHashes(context.Background(), []common.Address{monitored}, 100, 100, 100)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{relevant}, hashes)
}

// indexingFixture wires a fake chain holding one transaction whose traces
// exercise persistence and decoding end to end.
type indexingFixture struct {
	client *fakeCaller
	store  *store.Store
	idx    *InternalTxIndexer
	txHash common.Hash
}

func newIndexingFixture(t *testing.T, traces []chain.Trace, status uint64) *indexingFixture {
	st := newTestStore(t)
	txHash := common.HexToHash("0xa1")
	blockNumber := uint64(100)
	from := addr(1)
	client := &fakeCaller{
		t: t,
		transactionsByHash: func(_ context.Context, hashes []common.Hash) ([]*chain.Transaction, error) {
			txs := make([]*chain.Transaction, len(hashes))
			for i, hash := range hashes {
				txs[i] = &chain.Transaction{Hash: hash, From: from}
			}
			return txs, nil
		},
		receiptsByHash: func(_ context.Context, hashes []common.Hash) ([]*types.Receipt, error) {
			receipts := make([]*types.Receipt, len(hashes))
			for i := range hashes {
				receipts[i] = &types.Receipt{
					Status:      status,
					BlockNumber: new(big.Int).SetUint64(blockNumber),
				}
			}
			return receipts, nil
		},
		blockByNumber: func(_ context.Context, number uint64) (*chain.Block, error) {
			return &chain.Block{
				Number:    hexutil.Uint64(number),
				Hash:      common.HexToHash(fmt.Sprintf("0x%x", number)),
				Timestamp: 1600000000,
			}, nil
		},
		traceTransactions: func(_ context.Context, hashes []common.Hash) ([][]chain.Trace, error) {
			return [][]chain.Trace{traces}, nil
		},
	}
	idx := newTestIndexer(t, client, st, InternalTxIndexerConfig{NumberTraceBlocks: 10})
	return &indexingFixture{client: client, store: st, idx: idx, txHash: txHash}
}

// packSetupCalldata builds real setup(...) calldata with the v1.1.1
// signature so the decoder recognizes it.
func packSetupCalldata(t *testing.T) []byte {
	t.Helper()
	const setupABI = `[{"name":"setup","type":"function","inputs":[
		{"name":"_owners","type":"address[]"},
		{"name":"_threshold","type":"uint256"},
		{"name":"to","type":"address"},
		{"name":"data","type":"bytes"},
		{"name":"fallbackHandler","type":"address"},
		{"name":"paymentToken","type":"address"},
		{"name":"payment","type":"uint256"},
		{"name":"paymentReceiver","type":"address"}],"outputs":[]}]`
	parsed, err := abi.JSON(strings.NewReader(setupABI))
	require.NoError(t, err)
	data, err := parsed.Pack("setup",
		[]common.Address{addr(0x01), addr(0x02)},
		big.NewInt(2),
		common.Address{},
		[]byte{},
		addr(0xfb),
		common.Address{},
		big.NewInt(0),
		common.Address{},
	)
	require.NoError(t, err)
	return data
}

func TestProcessTxHashesStoresAndDecodes(t *testing.T) {
	safeAddress := addr(0x5a)
	masterCopy := addr(0x4c)
	txHash := common.HexToHash("0xa1")

	// Frame 0: factory call creating the proxy; frame 0,0: the proxy
	// delegate-calls setup on the master copy.
	calldata := packSetupCalldata(t)
	traces := []chain.Trace{
		callTrace(txHash, addr(1), safeAddress),
		delegateTrace(txHash, safeAddress, masterCopy, calldata, []uint64{0}),
	}
	fixture := newIndexingFixture(t, traces, 1)

	stored, err := fixture.idx.processTxHashes(context.Background(), []common.Hash{txHash})
	require.NoError(t, err)
	assert.Equal(t, 2, stored)

	rows, err := fixture.store.InternalTxsForTx(context.Background(), txHash)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	pending, err := fixture.store.PendingInternalTxsDecoded(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "setup", pending[0].FunctionName)

	// Re-running the same hashes inserts nothing new (idempotent indexing).
	stored, err = fixture.idx.processTxHashes(context.Background(), []common.Hash{txHash})
	require.NoError(t, err)
	rows, err = fixture.store.InternalTxsForTx(context.Background(), txHash)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	pending, err = fixture.store.PendingInternalTxsDecoded(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestProcessTxHashesParentErrorExcludesDecoding(t *testing.T) {
	safeAddress := addr(0x5a)
	masterCopy := addr(0x4c)
	txHash := common.HexToHash("0xa1")

	calldata := packSetupCalldata(t)
	parent := callTrace(txHash, addr(1), safeAddress)
	parent.Error = "Reverted"
	traces := []chain.Trace{
		parent,
		delegateTrace(txHash, safeAddress, masterCopy, calldata, []uint64{0}),
	}
	fixture := newIndexingFixture(t, traces, 1)

	_, err := fixture.idx.processTxHashes(context.Background(), []common.Hash{txHash})
	require.NoError(t, err)

	pending, err := fixture.store.PendingInternalTxsDecoded(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending, "frames under an errored ancestor must not decode")
}

func TestProcessTxHashesFailedTxExcludesDecoding(t *testing.T) {
	safeAddress := addr(0x5a)
	txHash := common.HexToHash("0xa1")
	traces := []chain.Trace{
		callTrace(txHash, addr(1), safeAddress),
		delegateTrace(txHash, safeAddress, addr(0x4c), packSetupCalldata(t), []uint64{0}),
	}
	fixture := newIndexingFixture(t, traces, 0) // reverted transaction

	_, err := fixture.idx.processTxHashes(context.Background(), []common.Hash{txHash})
	require.NoError(t, err)

	pending, err := fixture.store.PendingInternalTxsDecoded(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func delegateTrace(txHash common.Hash, from, to common.Address, input []byte, traceAddress []uint64) chain.Trace {
	return chain.Trace{
		Type: "call",
		Action: chain.TraceAction{
			From:     &from,
			To:       &to,
			CallType: "delegatecall",
			Input:    input,
		},
		TraceAddress:    traceAddress,
		TransactionHash: txHash,
	}
}

var errNetwork = errors.New("connection refused")
