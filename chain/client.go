package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

const defaultCallTimeout = 60 * time.Second

var errNotFound = errors.New("not found")

// NetworkError marks a transient failure (node down, timeout, connection
// reset). Callers retry the whole batch.
type NetworkError struct {
	err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.err) }
func (e *NetworkError) Unwrap() error { return e.err }

// NewNetworkError wraps err as transient.
func NewNetworkError(err error) error {
	return &NetworkError{err: err}
}

// IsNetworkError reports whether err is transient and the operation can be
// retried.
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// RPCError is a JSON-RPC level error response, possibly permanent (e.g. the
// node does not support trace methods).
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// wrapError classifies an error from the underlying RPC client. JSON-RPC
// error responses become RPCError, everything else (transport, timeout) is a
// retriable NetworkError.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return &RPCError{Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
	}
	return &NetworkError{err: err}
}

// Caller is the chain surface the indexers, processor and reorg handler
// consume. *Client implements it against a real node; tests stub it.
type Caller interface {
	CurrentBlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*Block, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*Transaction, error)
	TransactionsByHash(ctx context.Context, hashes []common.Hash) ([]*Transaction, error)
	ReceiptByHash(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	ReceiptsByHash(ctx context.Context, hashes []common.Hash) ([]*types.Receipt, error)
	TraceBlock(ctx context.Context, number uint64) ([]Trace, error)
	TraceBlocks(ctx context.Context, numbers []uint64) ([][]Trace, error)
	TraceFilter(ctx context.Context, fromBlock, toBlock uint64, fromAddresses, toAddresses []common.Address) ([]Trace, error)
	TraceTransaction(ctx context.Context, hash common.Hash) ([]Trace, error)
	TraceTransactions(ctx context.Context, hashes []common.Hash) ([][]Trace, error)
	FilterLogs(ctx context.Context, filter *LogFilter) ([]types.Log, error)
}

var _ Caller = (*Client)(nil)

// Client is a typed wrapper over a JSON-RPC endpoint. Every call carries a
// per-call timeout on top of the caller's context.
type Client struct {
	rpc     *rpc.Client
	timeout time.Duration
}

// Dial connects to the given endpoint. The returned client is safe for
// concurrent use.
func Dial(ctx context.Context, url string) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, wrapError(err)
	}
	return NewClient(c), nil
}

func NewClient(c *rpc.Client) *Client {
	return &Client{rpc: c, timeout: defaultCallTimeout}
}

// SetTimeout overrides the per-call timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return wrapError(c.rpc.CallContext(ctx, result, method, args...))
}

func (c *Client) batchCall(ctx context.Context, batch []rpc.BatchElem) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.rpc.BatchCallContext(ctx, batch); err != nil {
		return wrapError(err)
	}
	for _, elem := range batch {
		if elem.Error != nil {
			return wrapError(elem.Error)
		}
	}
	return nil
}

func (c *Client) CurrentBlockNumber(ctx context.Context) (uint64, error) {
	var result hexutil.Uint64
	if err := c.call(ctx, &result, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	var block *Block
	if err := c.call(ctx, &block, "eth_getBlockByNumber", hexutil.Uint64(number), false); err != nil {
		return nil, err
	}
	if block == nil {
		return nil, fmt.Errorf("block %d: %w", number, errNotFound)
	}
	return block, nil
}

func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*Transaction, error) {
	var tx *Transaction
	if err := c.call(ctx, &tx, "eth_getTransactionByHash", hash); err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction %s: %w", hash, errNotFound)
	}
	return tx, nil
}

func (c *Client) TransactionsByHash(ctx context.Context, hashes []common.Hash) ([]*Transaction, error) {
	txs := make([]*Transaction, len(hashes))
	batch := make([]rpc.BatchElem, len(hashes))
	for i, hash := range hashes {
		batch[i] = rpc.BatchElem{
			Method: "eth_getTransactionByHash",
			Args:   []interface{}{hash},
			Result: &txs[i],
		}
	}
	if err := c.batchCall(ctx, batch); err != nil {
		return nil, err
	}
	for i, tx := range txs {
		if tx == nil {
			return nil, fmt.Errorf("transaction %s: %w", hashes[i], errNotFound)
		}
	}
	return txs, nil
}

func (c *Client) ReceiptByHash(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	if err := c.call(ctx, &receipt, "eth_getTransactionReceipt", hash); err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, fmt.Errorf("receipt %s: %w", hash, errNotFound)
	}
	return receipt, nil
}

func (c *Client) ReceiptsByHash(ctx context.Context, hashes []common.Hash) ([]*types.Receipt, error) {
	receipts := make([]*types.Receipt, len(hashes))
	batch := make([]rpc.BatchElem, len(hashes))
	for i, hash := range hashes {
		batch[i] = rpc.BatchElem{
			Method: "eth_getTransactionReceipt",
			Args:   []interface{}{hash},
			Result: &receipts[i],
		}
	}
	if err := c.batchCall(ctx, batch); err != nil {
		return nil, err
	}
	for i, receipt := range receipts {
		if receipt == nil {
			return nil, fmt.Errorf("receipt %s: %w", hashes[i], errNotFound)
		}
	}
	return receipts, nil
}

func (c *Client) TraceBlock(ctx context.Context, number uint64) ([]Trace, error) {
	var traces []Trace
	if err := c.call(ctx, &traces, "trace_block", hexutil.Uint64(number)); err != nil {
		return nil, err
	}
	return traces, nil
}

func (c *Client) TraceBlocks(ctx context.Context, numbers []uint64) ([][]Trace, error) {
	traces := make([][]Trace, len(numbers))
	batch := make([]rpc.BatchElem, len(numbers))
	for i, number := range numbers {
		batch[i] = rpc.BatchElem{
			Method: "trace_block",
			Args:   []interface{}{hexutil.Uint64(number)},
			Result: &traces[i],
		}
	}
	if err := c.batchCall(ctx, batch); err != nil {
		return nil, err
	}
	return traces, nil
}

func (c *Client) TraceFilter(ctx context.Context, fromBlock, toBlock uint64, fromAddresses, toAddresses []common.Address) ([]Trace, error) {
	filter := map[string]interface{}{
		"fromBlock": hexutil.Uint64(fromBlock),
		"toBlock":   hexutil.Uint64(toBlock),
	}
	if len(fromAddresses) > 0 {
		filter["fromAddress"] = fromAddresses
	}
	if len(toAddresses) > 0 {
		filter["toAddress"] = toAddresses
	}
	var traces []Trace
	if err := c.call(ctx, &traces, "trace_filter", filter); err != nil {
		return nil, err
	}
	return traces, nil
}

func (c *Client) TraceTransaction(ctx context.Context, hash common.Hash) ([]Trace, error) {
	var traces []Trace
	if err := c.call(ctx, &traces, "trace_transaction", hash); err != nil {
		return nil, err
	}
	return traces, nil
}

func (c *Client) TraceTransactions(ctx context.Context, hashes []common.Hash) ([][]Trace, error) {
	traces := make([][]Trace, len(hashes))
	batch := make([]rpc.BatchElem, len(hashes))
	for i, hash := range hashes {
		batch[i] = rpc.BatchElem{
			Method: "trace_transaction",
			Args:   []interface{}{hash},
			Result: &traces[i],
		}
	}
	if err := c.batchCall(ctx, batch); err != nil {
		return nil, err
	}
	return traces, nil
}

func (c *Client) FilterLogs(ctx context.Context, filter *LogFilter) ([]types.Log, error) {
	var logs []types.Log
	if err := c.call(ctx, &logs, "eth_getLogs", filter.toArg()); err != nil {
		return nil, err
	}
	return logs, nil
}
