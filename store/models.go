package store

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rsksmart/safe-transaction-service/chain"
)

// TxType classifies a trace frame.
type TxType int

const (
	TxTypeCall TxType = iota
	TxTypeCreate
	TxTypeSelfDestruct
)

// ParseTxType maps the trace `type` field. Parity reports self destructs as
// SUICIDE.
func ParseTxType(s string) (TxType, bool) {
	switch s {
	case "call", "CALL":
		return TxTypeCall, true
	case "create", "CREATE":
		return TxTypeCreate, true
	case "suicide", "SUICIDE", "selfdestruct", "SELFDESTRUCT":
		return TxTypeSelfDestruct, true
	default:
		return 0, false
	}
}

// CallType classifies a call frame.
type CallType int

const (
	CallTypeCall CallType = iota
	CallTypeDelegateCall
)

// ParseCallType maps the trace `action.callType` field. Both delegatecall and
// the old delegatecode spelling map to delegate call.
func ParseCallType(s string) *CallType {
	var callType CallType
	switch s {
	case "call":
		callType = CallTypeCall
	case "delegatecall", "delegatecode":
		callType = CallTypeDelegateCall
	default:
		return nil
	}
	return &callType
}

// EthereumBlock is a block sighted by an indexer. confirmed flips once the
// block is deeper than the reorg depth; rollback removes the row entirely.
type EthereumBlock struct {
	Number     uint64 `gorm:"primaryKey;autoIncrement:false"`
	GasLimit   uint64
	GasUsed    uint64
	Timestamp  time.Time
	BlockHash  Hash `gorm:"uniqueIndex;type:varchar(66)"`
	ParentHash Hash `gorm:"type:varchar(66)"`
	Confirmed  bool `gorm:"index"`
}

func (EthereumBlock) TableName() string { return "ethereum_blocks" }

// EthereumTx is a transaction touching a monitored address. Pointer fields
// are only set once the transaction is mined.
type EthereumTx struct {
	TxHash           Hash    `gorm:"primaryKey;type:varchar(66)"`
	BlockNumber      *uint64 `gorm:"index"`
	Block            *EthereumBlock `gorm:"foreignKey:BlockNumber;references:Number;constraint:OnDelete:CASCADE"`
	From             *Address `gorm:"column:from_address;index;type:varchar(42)"`
	To               *Address `gorm:"column:to_address;index;type:varchar(42)"`
	Value            BigInt   `gorm:"type:varchar(80)"`
	Gas              uint64
	GasPrice         BigInt `gorm:"type:varchar(80)"`
	GasUsed          *uint64
	Nonce            uint64
	Data             []byte
	Logs             Logs `gorm:"type:text"`
	Status           *int `gorm:"index"`
	TransactionIndex *uint64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (EthereumTx) TableName() string { return "ethereum_txs" }

// Success reports whether the receipt status is 1; nil before the receipt is
// known.
func (t *EthereumTx) Success() *bool {
	if t.Status == nil {
		return nil
	}
	success := *t.Status == 1
	return &success
}

// InternalTx is one trace frame of an EthereumTx, keyed by the trace address
// within the transaction's call tree.
type InternalTx struct {
	ID               uint64 `gorm:"primaryKey"`
	EthereumTxHash   Hash   `gorm:"uniqueIndex:idx_internal_txs_tx_trace,priority:1;index;type:varchar(66)"`
	EthereumTx       *EthereumTx `gorm:"foreignKey:EthereumTxHash;references:TxHash;constraint:OnDelete:CASCADE"`
	TraceAddress     string      `gorm:"uniqueIndex:idx_internal_txs_tx_trace,priority:2;type:varchar(600)"`
	TraceAddressSort string      `gorm:"index;type:varchar(600)"`
	From             *Address    `gorm:"column:from_address;index;type:varchar(42)"`
	To               *Address    `gorm:"column:to_address;index;type:varchar(42)"`
	Value            BigInt      `gorm:"type:varchar(80)"`
	Gas              uint64
	GasUsed          uint64
	Data             []byte
	Output           []byte
	Code             []byte
	ContractAddress  *Address `gorm:"index;type:varchar(42)"`
	RefundAddress    *Address `gorm:"type:varchar(42)"`
	TxType           TxType   `gorm:"index"`
	CallType         *CallType `gorm:"index"`
	Error            *string   `gorm:"type:varchar(200)"`
}

func (InternalTx) TableName() string { return "internal_txs" }

// NewInternalTxFromTrace builds the row for one trace frame, following the
// trace frame mapping of the RPC surface.
func NewInternalTxFromTrace(trace *chain.Trace, ethereumTxHash common.Hash) (*InternalTx, bool) {
	txType, ok := ParseTxType(trace.Type)
	if !ok {
		return nil, false
	}
	traceAddress := trace.TraceAddressString()
	var errorMsg *string
	if trace.Error != "" {
		msg := trace.Error
		errorMsg = &msg
	}
	internalTx := &InternalTx{
		EthereumTxHash:   NewHash(ethereumTxHash),
		TraceAddress:     traceAddress,
		TraceAddressSort: TraceAddressSortKey(traceAddress),
		From:             NewAddressPtr(trace.Action.From),
		To:               NewAddressPtr(trace.ToAddress()),
		Value:            NewBigInt(trace.ValueWei()),
		Gas:              trace.Gas(),
		GasUsed:          trace.GasUsed(),
		Data:             trace.DataBytes(),
		RefundAddress:    NewAddressPtr(trace.Action.RefundAddress),
		TxType:           txType,
		CallType:         ParseCallType(trace.Action.CallType),
		Error:            errorMsg,
	}
	if trace.Result != nil {
		internalTx.ContractAddress = NewAddressPtr(trace.Result.Address)
		internalTx.Code = trace.Result.Code
		internalTx.Output = trace.Result.Output
	}
	return internalTx, true
}

// IsDelegateCall reports whether the frame ran in the caller's storage
// context.
func (t *InternalTx) IsDelegateCall() bool {
	return t.CallType != nil && *t.CallType == CallTypeDelegateCall
}

// IsEtherTransfer reports whether the frame moved ether with a plain call.
func (t *InternalTx) IsEtherTransfer() bool {
	return t.CallType != nil && *t.CallType == CallTypeCall && t.Value.Big().Sign() > 0
}

// InternalTxDecoded is the decoded form of a decodable InternalTx, pending
// until the processor consumes it.
type InternalTxDecoded struct {
	InternalTxID uint64      `gorm:"primaryKey;autoIncrement:false"`
	InternalTx   *InternalTx `gorm:"foreignKey:InternalTxID;references:ID;constraint:OnDelete:CASCADE"`
	FunctionName string      `gorm:"index;type:varchar(256)"`
	Arguments    JSONMap     `gorm:"type:text"`
	Processed    bool        `gorm:"index"`
}

func (InternalTxDecoded) TableName() string { return "internal_txs_decoded" }

func (d *InternalTxDecoded) blockNumberForSort() uint64 {
	if d.InternalTx != nil && d.InternalTx.EthereumTx != nil && d.InternalTx.EthereumTx.BlockNumber != nil {
		return *d.InternalTx.EthereumTx.BlockNumber
	}
	return 0
}

func (d *InternalTxDecoded) txIndexForSort() uint64 {
	if d.InternalTx != nil && d.InternalTx.EthereumTx != nil && d.InternalTx.EthereumTx.TransactionIndex != nil {
		return *d.InternalTx.EthereumTx.TransactionIndex
	}
	return 0
}

// SafeAddress is the proxy that issued the delegate call, i.e. the Safe the
// decoded call mutates.
func (d *InternalTxDecoded) SafeAddress() common.Address {
	if d.InternalTx != nil && d.InternalTx.From != nil {
		return d.InternalTx.From.Common()
	}
	return common.Address{}
}

// SafeStatus is an immutable snapshot of a Safe's configuration, one row per
// mutating internal tx. Block number, transaction index and sortable trace
// address are denormalized from the internal tx so the latest row is a pure
// SQL query.
type SafeStatus struct {
	InternalTxID     uint64      `gorm:"primaryKey;autoIncrement:false"`
	InternalTx       *InternalTx `gorm:"foreignKey:InternalTxID;references:ID;constraint:OnDelete:CASCADE"`
	Address          Address     `gorm:"index;type:varchar(42)"`
	Owners           StringArray `gorm:"type:text"`
	Threshold        uint64
	Nonce            uint64
	MasterCopy       Address     `gorm:"type:varchar(42)"`
	FallbackHandler  Address     `gorm:"type:varchar(42)"`
	EnabledModules   StringArray `gorm:"type:text"`
	BlockNumber      uint64      `gorm:"index"`
	TransactionIndex uint64
	TraceAddressSort string `gorm:"type:varchar(600)"`
}

func (SafeStatus) TableName() string { return "safe_statuses" }

// OwnerAddresses parses the stored owner list.
func (s *SafeStatus) OwnerAddresses() []common.Address {
	owners := make([]common.Address, len(s.Owners))
	for i, owner := range s.Owners {
		owners[i] = common.HexToAddress(owner)
	}
	return owners
}

// HasOwner reports whether the address is currently an owner.
func (s *SafeStatus) HasOwner(owner common.Address) bool {
	hex := NewAddress(owner).Hex()
	for _, o := range s.Owners {
		if o == hex {
			return true
		}
	}
	return false
}

// MultisigTransaction is a Safe multisig transaction keyed by its EIP-712
// hash. It can exist before execution (proposal) and is linked to the
// executing EthereumTx once mined; rollback only unlinks it.
type MultisigTransaction struct {
	SafeTxHash     Hash    `gorm:"primaryKey;type:varchar(66)"`
	Safe           Address `gorm:"index;type:varchar(42)"`
	EthereumTxHash *Hash   `gorm:"index;type:varchar(66)"`
	To             *Address `gorm:"index;type:varchar(42)"`
	Value          BigInt   `gorm:"type:varchar(80)"`
	Data           []byte
	Operation      int
	SafeTxGas      BigInt `gorm:"type:varchar(80)"`
	BaseGas        BigInt `gorm:"type:varchar(80)"`
	GasPrice       BigInt `gorm:"type:varchar(80)"`
	GasToken       *Address `gorm:"type:varchar(42)"`
	RefundReceiver *Address `gorm:"type:varchar(42)"`
	Signatures     []byte
	Nonce          uint64 `gorm:"index"`
	Failed         *bool  `gorm:"index"`
	Origin         *string `gorm:"type:varchar(100)"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (MultisigTransaction) TableName() string { return "multisig_transactions" }

// Executed reports whether the transaction has been linked to a mined
// EthereumTx.
func (m *MultisigTransaction) Executed() bool {
	return m.EthereumTxHash != nil
}

// Owners returns nil when no signatures are stored and an empty slice
// otherwise; owner addresses are not extracted from the signature blob.
func (m *MultisigTransaction) Owners() []string {
	if m.Signatures == nil {
		return nil
	}
	// TODO Get owners from signatures. Not very trivial
	return []string{}
}

// MultisigConfirmation is one owner's confirmation of a multisig transaction,
// unique per (transaction hash, owner).
type MultisigConfirmation struct {
	ID                      uint64  `gorm:"primaryKey"`
	EthereumTxHash          *Hash   `gorm:"type:varchar(66)"`
	MultisigTransactionHash Hash    `gorm:"uniqueIndex:idx_confirmations_hash_owner,priority:1;type:varchar(66)"`
	Owner                   Address `gorm:"uniqueIndex:idx_confirmations_hash_owner,priority:2;type:varchar(42)"`
	Signature               []byte
	SignatureType           int `gorm:"index"`
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

func (MultisigConfirmation) TableName() string { return "multisig_confirmations" }

// ModuleTransaction is a transaction executed on a Safe by an enabled module,
// one to one with the internal tx that dispatched it.
type ModuleTransaction struct {
	InternalTxID uint64      `gorm:"primaryKey;autoIncrement:false"`
	InternalTx   *InternalTx `gorm:"foreignKey:InternalTxID;references:ID;constraint:OnDelete:CASCADE"`
	Safe         Address     `gorm:"index;type:varchar(42)"`
	Module       Address     `gorm:"index;type:varchar(42)"`
	To           Address     `gorm:"index;type:varchar(42)"`
	Value        BigInt      `gorm:"type:varchar(80)"`
	Data         []byte
	Operation    int
	CreatedAt    time.Time
}

func (ModuleTransaction) TableName() string { return "module_transactions" }

// EthereumEvent is a decoded log, keyed by (transaction, log index).
type EthereumEvent struct {
	ID             uint64 `gorm:"primaryKey"`
	EthereumTxHash Hash   `gorm:"uniqueIndex:idx_events_tx_log,priority:1;type:varchar(66)"`
	EthereumTx     *EthereumTx `gorm:"foreignKey:EthereumTxHash;references:TxHash;constraint:OnDelete:CASCADE"`
	LogIndex       uint64      `gorm:"uniqueIndex:idx_events_tx_log,priority:2"`
	Address        Address     `gorm:"index;type:varchar(42)"`
	Topic          Hash        `gorm:"index;type:varchar(66)"`
	Topics         StringArray `gorm:"type:text"`
	Arguments      JSONMap     `gorm:"type:text"`
}

func (EthereumEvent) TableName() string { return "ethereum_events" }

// IsERC20 reports whether the event is an ERC-20 Transfer (value argument).
func (e *EthereumEvent) IsERC20() bool {
	_, ok := e.Arguments["value"]
	return ok
}

// IsERC721 reports whether the event is an ERC-721 Transfer (tokenId
// argument).
func (e *EthereumEvent) IsERC721() bool {
	_, ok := e.Arguments["tokenId"]
	return ok
}

// SafeMasterCopy is a monitored master copy contract with its internal tx
// scan cursor.
type SafeMasterCopy struct {
	Address            Address `gorm:"primaryKey;type:varchar(42)"`
	InitialBlockNumber int64
	TxBlockNumber      int64 `gorm:"index"`
}

func (SafeMasterCopy) TableName() string { return "safe_master_copies" }

// ProxyFactory is a monitored proxy factory contract with its internal tx
// scan cursor.
type ProxyFactory struct {
	Address            Address `gorm:"primaryKey;type:varchar(42)"`
	InitialBlockNumber int64
	TxBlockNumber      int64 `gorm:"index"`
}

func (ProxyFactory) TableName() string { return "proxy_factories" }

// SafeContract is a Safe discovered by the processor, monitored for token
// transfers via its own cursor. The creating transaction is kept for the
// creation info view.
type SafeContract struct {
	Address          Address `gorm:"primaryKey;type:varchar(42)"`
	EthereumTxHash   Hash    `gorm:"type:varchar(66)"`
	Erc20BlockNumber int64   `gorm:"index"`
	CreatedAt        time.Time
}

func (SafeContract) TableName() string { return "safe_contracts"}

// SafeContractDelegate lets Safe owners authorize extra addresses to
// propose and read transactions for the Safe.
type SafeContractDelegate struct {
	ID                  uint64  `gorm:"primaryKey"`
	SafeContractAddress Address `gorm:"uniqueIndex:idx_delegates_safe_delegate,priority:1;type:varchar(42)"`
	Delegate            Address `gorm:"uniqueIndex:idx_delegates_safe_delegate,priority:2;type:varchar(42)"`
	Delegator           Address `gorm:"type:varchar(42)"`
	Label               string  `gorm:"type:varchar(50)"`
	Read                bool    `gorm:"default:true"`
	Write               bool    `gorm:"default:true"`
}

func (SafeContractDelegate) TableName() string { return "safe_contract_delegates" }

func allModels() []interface{} {
	return []interface{}{
		&EthereumBlock{},
		&EthereumTx{},
		&InternalTx{},
		&InternalTxDecoded{},
		&SafeStatus{},
		&MultisigTransaction{},
		&MultisigConfirmation{},
		&ModuleTransaction{},
		&EthereumEvent{},
		&SafeMasterCopy{},
		&ProxyFactory{},
		&SafeContract{},
		&SafeContractDelegate{},
	}
}
