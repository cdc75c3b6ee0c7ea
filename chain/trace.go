package chain

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// TraceAction carries the input side of a trace frame. Which fields are set
// depends on the frame type: calls use from/to/input, creates use init,
// self-destructs use address/balance/refundAddress.
type TraceAction struct {
	From          *common.Address `json:"from,omitempty"`
	To            *common.Address `json:"to,omitempty"`
	Value         *hexutil.Big    `json:"value,omitempty"`
	Gas           *hexutil.Uint64 `json:"gas,omitempty"`
	Input         hexutil.Bytes   `json:"input,omitempty"`
	Init          hexutil.Bytes   `json:"init,omitempty"`
	CallType      string          `json:"callType,omitempty"`
	RefundAddress *common.Address `json:"refundAddress,omitempty"`
	Balance       *hexutil.Big    `json:"balance,omitempty"`
	Address       *common.Address `json:"address,omitempty"`
}

// TraceResult carries the output side of a trace frame. It is nil for errored
// frames.
type TraceResult struct {
	GasUsed *hexutil.Uint64 `json:"gasUsed,omitempty"`
	Address *common.Address `json:"address,omitempty"`
	Code    hexutil.Bytes   `json:"code,omitempty"`
	Output  hexutil.Bytes   `json:"output,omitempty"`
}

// Trace is one frame of a transaction call tree as returned by the parity
// style trace_* RPC methods.
type Trace struct {
	Type            string       `json:"type"`
	Action          TraceAction  `json:"action"`
	Result          *TraceResult `json:"result,omitempty"`
	Error           string       `json:"error,omitempty"`
	TraceAddress    []uint64     `json:"traceAddress"`
	Subtraces       uint64       `json:"subtraces"`
	TransactionHash common.Hash  `json:"transactionHash"`
	BlockNumber     uint64       `json:"blockNumber"`
	BlockHash       common.Hash  `json:"blockHash"`
}

// DataBytes returns the call input for calls and the init code for creates.
func (t *Trace) DataBytes() []byte {
	if len(t.Action.Input) > 0 {
		return t.Action.Input
	}
	return t.Action.Init
}

// ToAddress resolves the frame target: `to` for calls, `address` for
// self-destructs.
func (t *Trace) ToAddress() *common.Address {
	if t.Action.To != nil {
		return t.Action.To
	}
	return t.Action.Address
}

// ValueWei resolves the transferred value: `value` for calls, `balance` for
// self-destructs, zero otherwise.
func (t *Trace) ValueWei() *big.Int {
	if t.Action.Value != nil {
		return (*big.Int)(t.Action.Value)
	}
	if t.Action.Balance != nil {
		return (*big.Int)(t.Action.Balance)
	}
	return new(big.Int)
}

// Gas returns the gas provided to the frame, zero when absent.
func (t *Trace) Gas() uint64 {
	if t.Action.Gas != nil {
		return uint64(*t.Action.Gas)
	}
	return 0
}

// GasUsed returns the gas consumed by the frame, zero when absent or errored.
func (t *Trace) GasUsed() uint64 {
	if t.Result != nil && t.Result.GasUsed != nil {
		return uint64(*t.Result.GasUsed)
	}
	return 0
}

// TraceAddressString serializes the trace address as the comma joined form
// used as the frame key, e.g. [] -> "", [0 2] -> "0,2".
func (t *Trace) TraceAddressString() string {
	return TraceAddressToString(t.TraceAddress)
}

// TraceAddressToString joins trace address components with commas. The root
// frame serializes to the empty string.
func TraceAddressToString(traceAddress []uint64) string {
	parts := make([]string, len(traceAddress))
	for i, component := range traceAddress {
		parts[i] = strconv.FormatUint(component, 10)
	}
	return strings.Join(parts, ",")
}
