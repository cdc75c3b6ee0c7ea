// Package processor consumes decoded internal transactions in canonical
// order and folds them into Safe state: configuration snapshots, multisig
// transactions with their confirmations and module transactions.
package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/rsksmart/safe-transaction-service/metrics"
	"github.com/rsksmart/safe-transaction-service/notify"
	"github.com/rsksmart/safe-transaction-service/safe"
	"github.com/rsksmart/safe-transaction-service/store"
)

// ExecutionFailureTopic is the signature hash of the master copy's
// ExecutionFailure(bytes32,uint256) event.
var ExecutionFailureTopic = crypto.Keccak256Hash([]byte("ExecutionFailure(bytes32,uint256)"))

const defaultBatchSize = 500

// Processor drains the pending queue of decoded internal transactions. It is
// the only writer of SafeStatus, MultisigTransaction, MultisigConfirmation
// and ModuleTransaction rows. A per-Safe lock keeps nonce updates serial even
// if multiple processors ever run.
type Processor struct {
	store     *store.Store
	metrics   *metrics.Metrics
	notifier  notify.Publisher
	batchSize int
	logger    log.Logger

	mu        sync.Mutex
	safeLocks map[common.Address]*sync.Mutex
}

func New(st *store.Store, m *metrics.Metrics, notifier notify.Publisher) *Processor {
	if notifier == nil {
		notifier = notify.NopPublisher{}
	}
	return &Processor{
		store:     st,
		metrics:   m,
		notifier:  notifier,
		batchSize: defaultBatchSize,
		logger:    log.New("module", "tx-processor"),
		safeLocks: make(map[common.Address]*sync.Mutex),
	}
}

func (p *Processor) lockFor(address common.Address) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.safeLocks[address]
	if !ok {
		lock = &sync.Mutex{}
		p.safeLocks[address] = lock
	}
	return lock
}

// ProcessPending drains the pending queue in batches of decoded transactions,
// each in canonical order. The queue is read again after every batch, so the
// calls of a Safe whose setup was processed in an earlier batch are handled
// in the same cycle. A failure aborts the cycle with that row left
// unprocessed so the next cycle retries from the same position.
func (p *Processor) ProcessPending(ctx context.Context) (int, error) {
	processed := 0
	for {
		rows, err := p.store.PendingInternalTxsDecoded(ctx, p.batchSize)
		if err != nil {
			return processed, err
		}
		if len(rows) == 0 {
			return processed, nil
		}
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return processed, err
			}
			if err := p.processDecoded(ctx, row); err != nil {
				p.logger.Error("processing decoded tx failed",
					"function", row.FunctionName,
					"tx", row.InternalTx.EthereumTxHash,
					"trace", row.InternalTx.TraceAddress,
					"err", err)
				return processed, err
			}
			processed++
			if p.metrics != nil {
				p.metrics.TxsProcessed.Inc()
			}
		}
	}
}

// processDecoded applies one decoded call under the Safe's lock. The state
// mutation and the processed flag commit atomically; partial success is
// never visible.
func (p *Processor) processDecoded(ctx context.Context, row *store.InternalTxDecoded) error {
	if row.InternalTx == nil || row.InternalTx.EthereumTx == nil {
		return fmt.Errorf("decoded tx %d lacks its internal tx", row.InternalTxID)
	}
	safeAddress := row.SafeAddress()
	lock := p.lockFor(safeAddress)
	lock.Lock()
	defer lock.Unlock()

	return p.store.RunInTransaction(ctx, func(tx *store.Store) error {
		var err error
		switch row.FunctionName {
		case "setup":
			err = p.handleSetup(ctx, tx, row, safeAddress)
		case "addOwnerWithThreshold", "removeOwner", "swapOwner", "changeThreshold",
			"changeMasterCopy", "setFallbackHandler", "enableModule", "disableModule":
			err = p.handleConfigChange(ctx, tx, row, safeAddress)
		case "execTransaction":
			err = p.handleExecTransaction(ctx, tx, row, safeAddress)
		case "execTransactionFromModule", "execTransactionFromModuleReturnData":
			err = p.handleModuleTransaction(ctx, tx, row, safeAddress)
		default:
			p.logger.Debug("ignoring unsupported function", "function", row.FunctionName, "safe", safeAddress)
		}
		if err != nil {
			return err
		}
		return tx.MarkInternalTxDecodedProcessed(ctx, row.InternalTxID)
	})
}

// handleSetup creates the Safe and its initial status. A repeated setup for
// an already known Safe is ignored: the proxy address is deterministic, so
// the duplicate carries no new information.
func (p *Processor) handleSetup(ctx context.Context, tx *store.Store, row *store.InternalTxDecoded, safeAddress common.Address) error {
	exists, err := tx.SafeContractExists(ctx, safeAddress)
	if err != nil {
		return err
	}
	if exists {
		p.logger.Debug("safe already initialized", "safe", safeAddress)
		return nil
	}
	owners, err := argAddresses(row.Arguments, "_owners")
	if err != nil {
		return p.anomaly(row, safeAddress, err)
	}
	threshold, err := argUint64(row.Arguments, "_threshold")
	if err != nil {
		return p.anomaly(row, safeAddress, err)
	}
	// The pre-1.1.0 setup overload has no fallback handler.
	fallbackHandler, _ := argAddress(row.Arguments, "fallbackHandler")
	var masterCopy common.Address
	if row.InternalTx.To != nil {
		masterCopy = row.InternalTx.To.Common()
	}
	blockNumber := int64(0)
	if row.InternalTx.EthereumTx.BlockNumber != nil {
		blockNumber = int64(*row.InternalTx.EthereumTx.BlockNumber)
	}
	if _, err := tx.CreateSafeContract(ctx, safeAddress, row.InternalTx.EthereumTxHash.Common(), blockNumber); err != nil {
		return err
	}
	status := newStatus(row, safeAddress)
	status.Owners = hexAddresses(owners)
	status.Threshold = threshold
	status.Nonce = 0
	status.MasterCopy = store.NewAddress(masterCopy)
	status.FallbackHandler = store.NewAddress(fallbackHandler)
	status.EnabledModules = store.StringArray{}
	if err := tx.CreateSafeStatus(ctx, status); err != nil {
		return err
	}
	p.logger.Info("safe created", "safe", safeAddress, "owners", len(owners), "threshold", threshold)
	p.notifier.Publish(store.SafeContract{}.TableName(), safeAddress.Hex())
	return nil
}

// handleConfigChange derives a new status from the latest one. Mutations
// that reference state the Safe does not have (removing an unknown owner,
// disabling a module that is not enabled) are recorded as anomalies and
// skipped; the chain is authoritative and replay from an earlier cursor is
// the operator's remedy.
func (p *Processor) handleConfigChange(ctx context.Context, tx *store.Store, row *store.InternalTxDecoded, safeAddress common.Address) error {
	last, err := tx.LastSafeStatus(ctx, safeAddress)
	if errors.Is(err, store.ErrNotFound) {
		return p.anomaly(row, safeAddress, fmt.Errorf("%s before setup", row.FunctionName))
	}
	if err != nil {
		return err
	}
	status := cloneStatus(last, row)
	if mutationErr := applyConfigChange(status, row.FunctionName, row.Arguments); mutationErr != nil {
		return p.anomaly(row, safeAddress, mutationErr)
	}
	return tx.CreateSafeStatus(ctx, status)
}

func applyConfigChange(status *store.SafeStatus, functionName string, arguments store.JSONMap) error {
	switch functionName {
	case "addOwnerWithThreshold":
		owner, err := argAddress(arguments, "owner")
		if err != nil {
			return err
		}
		threshold, err := argUint64(arguments, "_threshold")
		if err != nil {
			return err
		}
		hex := store.NewAddress(owner).Hex()
		if containsString(status.Owners, hex) {
			return fmt.Errorf("owner %s already present", hex)
		}
		status.Owners = append(status.Owners, hex)
		status.Threshold = threshold
	case "removeOwner":
		owner, err := argAddress(arguments, "owner")
		if err != nil {
			return err
		}
		threshold, err := argUint64(arguments, "_threshold")
		if err != nil {
			return err
		}
		owners, ok := removeString(status.Owners, store.NewAddress(owner).Hex())
		if !ok {
			return fmt.Errorf("owner %s not found", owner)
		}
		status.Owners = owners
		status.Threshold = threshold
	case "swapOwner":
		oldOwner, err := argAddress(arguments, "oldOwner")
		if err != nil {
			return err
		}
		newOwner, err := argAddress(arguments, "newOwner")
		if err != nil {
			return err
		}
		oldHex := store.NewAddress(oldOwner).Hex()
		newHex := store.NewAddress(newOwner).Hex()
		replaced := false
		for i, owner := range status.Owners {
			if owner == oldHex {
				status.Owners[i] = newHex
				replaced = true
				break
			}
		}
		if !replaced {
			return fmt.Errorf("owner %s not found", oldHex)
		}
	case "changeThreshold":
		threshold, err := argUint64(arguments, "_threshold")
		if err != nil {
			return err
		}
		status.Threshold = threshold
	case "changeMasterCopy":
		masterCopy, err := argAddress(arguments, "_masterCopy")
		if err != nil {
			return err
		}
		status.MasterCopy = store.NewAddress(masterCopy)
	case "setFallbackHandler":
		handler, err := argAddress(arguments, "handler")
		if err != nil {
			return err
		}
		status.FallbackHandler = store.NewAddress(handler)
	case "enableModule":
		module, err := argAddress(arguments, "module")
		if err != nil {
			return err
		}
		hex := store.NewAddress(module).Hex()
		if containsString(status.EnabledModules, hex) {
			return fmt.Errorf("module %s already enabled", hex)
		}
		status.EnabledModules = append(status.EnabledModules, hex)
	case "disableModule":
		module, err := argAddress(arguments, "module")
		if err != nil {
			return err
		}
		modules, ok := removeString(status.EnabledModules, store.NewAddress(module).Hex())
		if !ok {
			return fmt.Errorf("module %s not enabled", module)
		}
		status.EnabledModules = modules
	default:
		return fmt.Errorf("unknown config function %s", functionName)
	}
	return nil
}

// handleExecTransaction records the executed multisig transaction, extracts
// the owner confirmations from the packed signature blob and advances the
// Safe nonce.
func (p *Processor) handleExecTransaction(ctx context.Context, tx *store.Store, row *store.InternalTxDecoded, safeAddress common.Address) error {
	last, err := tx.LastSafeStatus(ctx, safeAddress)
	if errors.Is(err, store.ErrNotFound) {
		return p.anomaly(row, safeAddress, errors.New("execTransaction before setup"))
	}
	if err != nil {
		return err
	}
	to, err := argAddress(row.Arguments, "to")
	if err != nil {
		return p.anomaly(row, safeAddress, err)
	}
	operation, err := argUint64(row.Arguments, "operation")
	if err != nil {
		return p.anomaly(row, safeAddress, err)
	}
	params := safe.TxParams{
		To:             to,
		Value:          argBigOrZero(row.Arguments, "value"),
		Data:           argBytes(row.Arguments, "data"),
		Operation:      safe.Operation(operation),
		SafeTxGas:      argBigOrZero(row.Arguments, "safeTxGas"),
		BaseGas:        argBigOrZero(row.Arguments, "baseGas"),
		GasPrice:       argBigOrZero(row.Arguments, "gasPrice"),
		Nonce:          last.Nonce,
	}
	if gasToken, err := argAddress(row.Arguments, "gasToken"); err == nil {
		params.GasToken = gasToken
	}
	if refundReceiver, err := argAddress(row.Arguments, "refundReceiver"); err == nil {
		params.RefundReceiver = refundReceiver
	}
	safeTxHash := safe.TxHash(safeAddress, params)
	signatures := argBytes(row.Arguments, "signatures")
	failed := executionFailed(row.InternalTx.EthereumTx.Logs, safeAddress, safeTxHash)

	gasToken := store.NewAddress(params.GasToken)
	refundReceiver := store.NewAddress(params.RefundReceiver)
	ethereumTxHash := row.InternalTx.EthereumTxHash
	multisig := &store.MultisigTransaction{
		SafeTxHash:     store.NewHash(safeTxHash),
		Safe:           store.NewAddress(safeAddress),
		EthereumTxHash: &ethereumTxHash,
		To:             store.NewAddressPtr(&to),
		Value:          store.NewBigInt(params.Value),
		Data:           params.Data,
		Operation:      int(params.Operation),
		SafeTxGas:      store.NewBigInt(params.SafeTxGas),
		BaseGas:        store.NewBigInt(params.BaseGas),
		GasPrice:       store.NewBigInt(params.GasPrice),
		GasToken:       &gasToken,
		RefundReceiver: &refundReceiver,
		Signatures:     signatures,
		Nonce:          last.Nonce,
		Failed:         &failed,
	}
	if _, err := tx.UpsertMultisigTransaction(ctx, multisig); err != nil {
		return err
	}
	if decoded, sigErr := safe.DecodeSignatures(safeTxHash, signatures); sigErr != nil {
		// A blob the contract accepted but we cannot split is suspicious but
		// not fatal; the transaction itself is already recorded.
		p.logger.Warn("cannot decode signatures", "safe", safeAddress, "safe-tx-hash", safeTxHash, "err", sigErr)
	} else {
		for _, signature := range decoded {
			confirmation := &store.MultisigConfirmation{
				EthereumTxHash:          &ethereumTxHash,
				MultisigTransactionHash: store.NewHash(safeTxHash),
				Owner:                   store.NewAddress(signature.Owner),
				Signature:               append(signature.Signature, signature.Dynamic...),
				SignatureType:           int(signature.Type),
			}
			if err := tx.CreateMultisigConfirmation(ctx, confirmation); err != nil {
				return err
			}
			p.notifier.Publish(store.MultisigConfirmation{}.TableName(), safeTxHash.Hex())
		}
	}
	status := cloneStatus(last, row)
	status.Nonce = last.Nonce + 1
	if err := tx.CreateSafeStatus(ctx, status); err != nil {
		return err
	}
	p.notifier.Publish(store.MultisigTransaction{}.TableName(), safeTxHash.Hex())
	return nil
}

// handleModuleTransaction records an execTransactionFromModule call. The
// executing module is the sender of the closest preceding non-delegate call
// frame: the delegate call into the master copy is skipped, the frame before
// it is the module calling the Safe.
func (p *Processor) handleModuleTransaction(ctx context.Context, tx *store.Store, row *store.InternalTxDecoded, safeAddress common.Address) error {
	module, found, err := p.moduleCaller(ctx, tx, row)
	if err != nil {
		return err
	}
	if !found {
		p.logger.Warn("module caller not found, skipping module transaction",
			"safe", safeAddress, "tx", row.InternalTx.EthereumTxHash)
		return nil
	}
	to, err := argAddress(row.Arguments, "to")
	if err != nil {
		return p.anomaly(row, safeAddress, err)
	}
	operation, err := argUint64(row.Arguments, "operation")
	if err != nil {
		return p.anomaly(row, safeAddress, err)
	}
	moduleTx := &store.ModuleTransaction{
		InternalTxID: row.InternalTxID,
		Safe:         store.NewAddress(safeAddress),
		Module:       store.NewAddress(module),
		To:           store.NewAddress(to),
		Value:        store.NewBigInt(argBigOrZero(row.Arguments, "value")),
		Data:         argBytes(row.Arguments, "data"),
		Operation:    int(operation),
	}
	if err := tx.CreateModuleTransaction(ctx, moduleTx); err != nil {
		return err
	}
	p.notifier.Publish(store.ModuleTransaction{}.TableName(), row.InternalTx.EthereumTxHash.Hex())
	return nil
}

// moduleCaller walks the transaction's frames backwards from the decoded
// delegate call, skipping delegate calls, and returns the sender of the
// first plain call.
func (p *Processor) moduleCaller(ctx context.Context, tx *store.Store, row *store.InternalTxDecoded) (common.Address, bool, error) {
	siblings, err := tx.InternalTxsForTx(ctx, row.InternalTx.EthereumTxHash.Common())
	if err != nil {
		return common.Address{}, false, err
	}
	index := -1
	for i, sibling := range siblings {
		if sibling.TraceAddress == row.InternalTx.TraceAddress {
			index = i
			break
		}
	}
	if index < 0 {
		return common.Address{}, false, fmt.Errorf("internal tx %d not among its transaction's frames", row.InternalTxID)
	}
	for i := index - 1; i >= 0; i-- {
		if siblings[i].IsDelegateCall() {
			continue
		}
		if siblings[i].From == nil {
			return common.Address{}, false, nil
		}
		return siblings[i].From.Common(), true, nil
	}
	return common.Address{}, false, nil
}

// anomaly records an invariant violation. The row still counts as processed
// to avoid a poison pill; the counter is the operator's signal to replay
// from an earlier cursor.
func (p *Processor) anomaly(row *store.InternalTxDecoded, safeAddress common.Address, cause error) error {
	p.logger.Error("invariant violation",
		"function", row.FunctionName,
		"safe", safeAddress,
		"tx", row.InternalTx.EthereumTxHash,
		"trace", row.InternalTx.TraceAddress,
		"err", cause)
	if p.metrics != nil {
		p.metrics.ProcessorAnomalies.Inc()
	}
	return nil
}

// executionFailed reports whether the Safe emitted ExecutionFailure for this
// safe tx hash in the receipt's logs.
func executionFailed(logs store.Logs, safeAddress common.Address, safeTxHash common.Hash) bool {
	for _, logEntry := range logs {
		if logEntry == nil || logEntry.Address != safeAddress {
			continue
		}
		if len(logEntry.Topics) == 0 || logEntry.Topics[0] != ExecutionFailureTopic {
			continue
		}
		if len(logEntry.Data) >= 32 && bytes.Equal(logEntry.Data[:32], safeTxHash.Bytes()) {
			return true
		}
	}
	return false
}

func newStatus(row *store.InternalTxDecoded, safeAddress common.Address) *store.SafeStatus {
	status := &store.SafeStatus{
		InternalTxID:     row.InternalTxID,
		Address:          store.NewAddress(safeAddress),
		TraceAddressSort: row.InternalTx.TraceAddressSort,
	}
	if row.InternalTx.EthereumTx.BlockNumber != nil {
		status.BlockNumber = *row.InternalTx.EthereumTx.BlockNumber
	}
	if row.InternalTx.EthereumTx.TransactionIndex != nil {
		status.TransactionIndex = *row.InternalTx.EthereumTx.TransactionIndex
	}
	return status
}

func cloneStatus(last *store.SafeStatus, row *store.InternalTxDecoded) *store.SafeStatus {
	status := newStatus(row, last.Address.Common())
	status.Owners = append(store.StringArray{}, last.Owners...)
	status.Threshold = last.Threshold
	status.Nonce = last.Nonce
	status.MasterCopy = last.MasterCopy
	status.FallbackHandler = last.FallbackHandler
	status.EnabledModules = append(store.StringArray{}, last.EnabledModules...)
	return status
}

func containsString(values store.StringArray, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

func removeString(values store.StringArray, value string) (store.StringArray, bool) {
	for i, v := range values {
		if v == value {
			return append(append(store.StringArray{}, values[:i]...), values[i+1:]...), true
		}
	}
	return values, false
}
