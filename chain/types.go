package chain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Block is the subset of an RPC block the indexer persists. Transactions are
// always fetched individually by hash, so only the header fields are kept.
type Block struct {
	Number     hexutil.Uint64 `json:"number"`
	Hash       common.Hash    `json:"hash"`
	ParentHash common.Hash    `json:"parentHash"`
	Timestamp  hexutil.Uint64 `json:"timestamp"`
	GasLimit   hexutil.Uint64 `json:"gasLimit"`
	GasUsed    hexutil.Uint64 `json:"gasUsed"`
}

// Transaction mirrors the RPC transaction object. Fields that only exist once
// the transaction is mined are pointers.
type Transaction struct {
	Hash             common.Hash     `json:"hash"`
	BlockNumber      *hexutil.Big    `json:"blockNumber"`
	BlockHash        *common.Hash    `json:"blockHash"`
	From             common.Address  `json:"from"`
	To               *common.Address `json:"to"`
	Gas              hexutil.Uint64  `json:"gas"`
	GasPrice         *hexutil.Big    `json:"gasPrice"`
	Value            *hexutil.Big    `json:"value"`
	Nonce            hexutil.Uint64  `json:"nonce"`
	Input            hexutil.Bytes   `json:"input"`
	TransactionIndex *hexutil.Uint   `json:"transactionIndex"`
}

// LogFilter is the argument of eth_getLogs. Topic positions follow the RPC
// convention: nil matches anything, a list matches any of its members.
type LogFilter struct {
	FromBlock uint64
	ToBlock   uint64
	Addresses []common.Address
	Topics    [][]common.Hash
}

func (f *LogFilter) toArg() map[string]interface{} {
	arg := map[string]interface{}{
		"fromBlock": hexutil.Uint64(f.FromBlock),
		"toBlock":   hexutil.Uint64(f.ToBlock),
	}
	if len(f.Addresses) > 0 {
		arg["address"] = f.Addresses
	}
	if len(f.Topics) > 0 {
		arg["topics"] = f.Topics
	}
	return arg
}
