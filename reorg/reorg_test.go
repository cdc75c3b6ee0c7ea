package reorg

import (
	"context"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rsksmart/safe-transaction-service/chain"
	"github.com/rsksmart/safe-transaction-service/store"
)

type fakeChain struct {
	head   uint64
	hashes map[uint64]common.Hash
}

var _ chain.Caller = (*fakeChain)(nil)

func (f *fakeChain) CurrentBlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeChain) BlockByNumber(_ context.Context, number uint64) (*chain.Block, error) {
	hash, ok := f.hashes[number]
	if !ok {
		return nil, fmt.Errorf("block %d unknown", number)
	}
	return &chain.Block{Number: hexutil.Uint64(number), Hash: hash}, nil
}

func (f *fakeChain) TransactionByHash(context.Context, common.Hash) (*chain.Transaction, error) {
	panic("not used")
}
func (f *fakeChain) TransactionsByHash(context.Context, []common.Hash) ([]*chain.Transaction, error) {
	panic("not used")
}
func (f *fakeChain) ReceiptByHash(context.Context, common.Hash) (*types.Receipt, error) {
	panic("not used")
}
func (f *fakeChain) ReceiptsByHash(context.Context, []common.Hash) ([]*types.Receipt, error) {
	panic("not used")
}
func (f *fakeChain) TraceBlock(context.Context, uint64) ([]chain.Trace, error) { panic("not used") }
func (f *fakeChain) TraceBlocks(context.Context, []uint64) ([][]chain.Trace, error) {
	panic("not used")
}
func (f *fakeChain) TraceFilter(context.Context, uint64, uint64, []common.Address, []common.Address) ([]chain.Trace, error) {
	panic("not used")
}
func (f *fakeChain) TraceTransaction(context.Context, common.Hash) ([]chain.Trace, error) {
	panic("not used")
}
func (f *fakeChain) TraceTransactions(context.Context, []common.Hash) ([][]chain.Trace, error) {
	panic("not used")
}
func (f *fakeChain) FilterLogs(context.Context, *chain.LogFilter) ([]types.Log, error) {
	panic("not used")
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:reorg-%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	st := store.New(db)
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func blockHash(number uint64) common.Hash {
	return common.HexToHash(fmt.Sprintf("0x%064x", number))
}

func seedBlocks(t *testing.T, st *store.Store, from, to uint64) {
	t.Helper()
	for number := from; number <= to; number++ {
		_, err := st.GetOrCreateBlock(context.Background(), &chain.Block{
			Number: hexutil.Uint64(number),
			Hash:   blockHash(number),
		}, false)
		require.NoError(t, err)
	}
}

func TestCheckConfirmsDeepBlocks(t *testing.T) {
	st := newTestStore(t)
	seedBlocks(t, st, 100, 110)

	chainState := &fakeChain{head: 115, hashes: map[uint64]common.Hash{}}
	for number := uint64(100); number <= 110; number++ {
		chainState.hashes[number] = blockHash(number)
	}

	checker := NewChecker(chainState, st, nil, 10)
	reorged, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.Nil(t, reorged)

	// head=115, depth=10: blocks up to 105 confirm, the rest stay pending.
	pending, err := st.NotConfirmedBlocks(context.Background(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, pending)
	assert.EqualValues(t, 106, pending[0].Number)
}

func TestCheckRollsBackOnMismatch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedBlocks(t, st, 100, 110)

	address := common.HexToAddress("0x01")
	require.NoError(t, st.AddSafeMasterCopy(ctx, address, 100))
	_, err := st.UpdateMonitoredAddresses(ctx, store.KindMasterCopies, []common.Address{address}, 100, 110)
	require.NoError(t, err)

	// Derived state on both sides of the fork point.
	status := 1
	for _, seed := range []struct {
		block uint64
		hash  common.Hash
	}{{105, common.HexToHash("0xa105")}, {108, common.HexToHash("0xa108")}} {
		blockNumber := seed.block
		require.NoError(t, st.DB().Create(&store.EthereumTx{
			TxHash:      store.NewHash(seed.hash),
			BlockNumber: &blockNumber,
			Status:      &status,
		}).Error)
	}

	// Block 108 was replaced on chain.
	chainState := &fakeChain{head: 112, hashes: map[uint64]common.Hash{}}
	for number := uint64(100); number <= 110; number++ {
		chainState.hashes[number] = blockHash(number)
	}
	chainState.hashes[108] = common.HexToHash("0xdeadbeef")

	checker := NewChecker(chainState, st, nil, 10)
	reorged, err := checker.Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, reorged)
	assert.EqualValues(t, 108, *reorged)

	// Blocks and txs at or above 108 are gone.
	_, err = st.GetBlock(ctx, 108)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetTx(ctx, common.HexToHash("0xa108"))
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetTx(ctx, common.HexToHash("0xa105"))
	assert.NoError(t, err)

	// Cursors rewound below the fork.
	rows, err := st.MonitoredNotUpdated(ctx, store.KindMasterCopies, 1000, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 107, rows[0].CursorBlockNumber)

	// Re-indexing the canonical branch starts cleanly: the new block at 108
	// stores without conflict.
	_, err = st.GetOrCreateBlock(ctx, &chain.Block{
		Number: hexutil.Uint64(108),
		Hash:   common.HexToHash("0xdeadbeef"),
	}, false)
	assert.NoError(t, err)
}
