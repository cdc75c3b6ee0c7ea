package store

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) createIgnoreConflict(ctx context.Context, row interface{}) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
}

// GetSafeContract fetches a Safe by address.
func (s *Store) GetSafeContract(ctx context.Context, address common.Address) (*SafeContract, error) {
	var row SafeContract
	if err := s.db.WithContext(ctx).First(&row, "address = ?", NewAddress(address)).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// SafeContractExists reports whether a Safe is already registered.
func (s *Store) SafeContractExists(ctx context.Context, address common.Address) (bool, error) {
	_, err := s.GetSafeContract(ctx, address)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateSafeContract registers a freshly set up Safe. The erc20 cursor
// starts just before the creation block so the first scan covers transfers
// in the creating transaction itself without rescanning earlier history.
func (s *Store) CreateSafeContract(ctx context.Context, address common.Address, ethereumTxHash common.Hash, creationBlock int64) (*SafeContract, error) {
	row := &SafeContract{
		Address:          NewAddress(address),
		EthereumTxHash:   NewHash(ethereumTxHash),
		Erc20BlockNumber: creationBlock - 1,
	}
	if err := s.createIgnoreConflict(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// SafeCreation describes how a Safe came to exist, backing the creation info
// view.
type SafeCreation struct {
	Creator     *Address
	EthereumTx  Hash
	BlockNumber *uint64
	Created     time.Time
}

// GetSafeCreationInfo resolves the transaction that set the Safe up.
func (s *Store) GetSafeCreationInfo(ctx context.Context, address common.Address) (*SafeCreation, error) {
	contract, err := s.GetSafeContract(ctx, address)
	if err != nil {
		return nil, err
	}
	creation := &SafeCreation{EthereumTx: contract.EthereumTxHash}
	var tx EthereumTx
	err = s.db.WithContext(ctx).Preload("Block").
		First(&tx, "tx_hash = ?", contract.EthereumTxHash).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err == nil {
		creation.Creator = tx.From
		creation.BlockNumber = tx.BlockNumber
		if tx.Block != nil {
			creation.Created = tx.Block.Timestamp
		}
	}
	return creation, nil
}

// ThresholdAtExecution returns the Safe threshold that applied when the
// multisig transaction was mined: the threshold of the status snapshot the
// execution itself produced.
func (s *Store) ThresholdAtExecution(ctx context.Context, safeTxHash common.Hash) (*uint64, error) {
	multisig, err := s.GetMultisigTransaction(ctx, safeTxHash)
	if err != nil {
		return nil, err
	}
	if multisig.EthereumTxHash == nil {
		return nil, nil
	}
	var status SafeStatus
	err = s.db.WithContext(ctx).
		Joins("JOIN internal_txs ON internal_txs.id = safe_statuses.internal_tx_id").
		Where("safe_statuses.address = ? AND internal_txs.ethereum_tx_hash = ?",
			multisig.Safe, *multisig.EthereumTxHash).
		Select("safe_statuses.*").
		Order("safe_statuses.trace_address_sort asc").
		First(&status).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &status.Threshold, nil
}

// CreateSafeStatus appends a configuration snapshot.
func (s *Store) CreateSafeStatus(ctx context.Context, status *SafeStatus) error {
	return s.db.WithContext(ctx).Create(status).Error
}

// LastSafeStatus returns the current configuration of a Safe: the snapshot
// with the highest canonical position. Ties inside one transaction are broken
// by trace address, compared as an integer sequence.
func (s *Store) LastSafeStatus(ctx context.Context, address common.Address) (*SafeStatus, error) {
	var top SafeStatus
	err := s.db.WithContext(ctx).
		Where("address = ?", NewAddress(address)).
		Order("block_number desc").
		Order("transaction_index desc").
		Order("trace_address_sort desc").
		First(&top).Error
	if err != nil {
		return nil, err
	}
	// Candidates in the same transaction may have sort keys that misorder once
	// the padding overflows; re-check them with the numeric comparator.
	var peers []SafeStatus
	err = s.db.WithContext(ctx).
		Where("address = ? AND block_number = ? AND transaction_index = ?",
			top.Address, top.BlockNumber, top.TransactionIndex).
		Find(&peers).Error
	if err != nil {
		return nil, err
	}
	best := &peers[0]
	for i := range peers {
		if CompareTraceAddresses(peers[i].TraceAddressSort, best.TraceAddressSort) > 0 {
			best = &peers[i]
		}
	}
	return best, nil
}

// SafesForOwner returns the addresses of every Safe whose latest status lists
// the owner.
func (s *Store) SafesForOwner(ctx context.Context, owner common.Address) ([]common.Address, error) {
	var addresses []Address
	err := s.db.WithContext(ctx).Model(&SafeStatus{}).
		Distinct().Pluck("address", &addresses).Error
	if err != nil {
		return nil, err
	}
	var safes []common.Address
	for _, address := range addresses {
		status, err := s.LastSafeStatus(ctx, address.Common())
		if err != nil {
			return nil, err
		}
		if status.HasOwner(owner) {
			safes = append(safes, address.Common())
		}
	}
	return safes, nil
}

// UpsertMultisigTransaction creates the multisig transaction or, when it was
// already proposed through the API, links the executing transaction to it.
// Proposal fields are never clobbered by execution.
func (s *Store) UpsertMultisigTransaction(ctx context.Context, row *MultisigTransaction) (*MultisigTransaction, error) {
	var existing MultisigTransaction
	err := s.db.WithContext(ctx).First(&existing, "safe_tx_hash = ?", row.SafeTxHash).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error; err != nil {
			return nil, err
		}
		return row, nil
	case err != nil:
		return nil, err
	default:
		updates := map[string]interface{}{
			"ethereum_tx_hash": row.EthereumTxHash,
			"signatures":       row.Signatures,
			"failed":           row.Failed,
			"nonce":            row.Nonce,
		}
		if err := s.db.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
			return nil, err
		}
		return &existing, nil
	}
}

// GetMultisigTransaction fetches a multisig transaction by its safe tx hash.
func (s *Store) GetMultisigTransaction(ctx context.Context, safeTxHash common.Hash) (*MultisigTransaction, error) {
	var row MultisigTransaction
	if err := s.db.WithContext(ctx).First(&row, "safe_tx_hash = ?", NewHash(safeTxHash)).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// MultisigTransactionsForSafe lists the multisig transactions of a Safe,
// newest nonce first.
func (s *Store) MultisigTransactionsForSafe(ctx context.Context, safe common.Address) ([]*MultisigTransaction, error) {
	var rows []*MultisigTransaction
	err := s.db.WithContext(ctx).
		Where("safe = ?", NewAddress(safe)).
		Order("nonce desc").
		Find(&rows).Error
	return rows, err
}

// ConfirmationsForTransaction lists the stored confirmations of a multisig
// transaction.
func (s *Store) ConfirmationsForTransaction(ctx context.Context, safeTxHash common.Hash) ([]*MultisigConfirmation, error) {
	var rows []*MultisigConfirmation
	err := s.db.WithContext(ctx).
		Where("multisig_transaction_hash = ?", NewHash(safeTxHash)).
		Order("owner asc").
		Find(&rows).Error
	return rows, err
}

// CreateMultisigConfirmation records a confirmation, ignoring the duplicate
// of an owner confirming the same hash twice.
func (s *Store) CreateMultisigConfirmation(ctx context.Context, row *MultisigConfirmation) error {
	return s.createIgnoreConflict(ctx, row)
}

// LastNonce returns the nonce of the newest executed multisig transaction of
// the Safe, or nil when none is mined.
func (s *Store) LastNonce(ctx context.Context, safe common.Address) (*uint64, error) {
	var row MultisigTransaction
	err := s.db.WithContext(ctx).
		Where("safe = ? AND ethereum_tx_hash IS NOT NULL", NewAddress(safe)).
		Order("nonce desc").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	nonce := row.Nonce
	return &nonce, nil
}

// CreateModuleTransaction records a module execution, idempotent on the
// internal tx.
func (s *Store) CreateModuleTransaction(ctx context.Context, row *ModuleTransaction) error {
	return s.createIgnoreConflict(ctx, row)
}

// ModuleTransactionsForSafe lists module transactions of a Safe.
func (s *Store) ModuleTransactionsForSafe(ctx context.Context, safe common.Address) ([]*ModuleTransaction, error) {
	var rows []*ModuleTransaction
	err := s.db.WithContext(ctx).
		Where("safe = ?", NewAddress(safe)).
		Order("internal_tx_id desc").
		Find(&rows).Error
	return rows, err
}

// CreateEthereumEvents inserts decoded logs, ignoring (tx, log index)
// duplicates.
func (s *Store) CreateEthereumEvents(ctx context.Context, rows []*EthereumEvent) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// Transfer is one row of the merged transfer history view.
type Transfer struct {
	BlockNumber   uint64
	TxHash        Hash
	From          *Address
	To            *Address
	Value         *BigInt
	TokenID       *BigInt
	TokenAddress  *Address
	ExecutionDate time.Time
}

// EtherTransfers lists plain value transfers touching the address, newest
// block first.
func (s *Store) EtherTransfers(ctx context.Context, address common.Address) ([]Transfer, error) {
	hex := NewAddress(address).Hex()
	var rows []*InternalTx
	err := s.db.WithContext(ctx).
		Where("call_type = ?", CallTypeCall).
		Where("value <> ?", "0").
		Where("to_address = ? OR from_address = ?", hex, hex).
		Preload("EthereumTx").
		Preload("EthereumTx.Block").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	transfers := make([]Transfer, 0, len(rows))
	for _, row := range rows {
		transfer := Transfer{
			TxHash: row.EthereumTxHash,
			From:   row.From,
			To:     row.To,
		}
		value := row.Value
		transfer.Value = &value
		if row.EthereumTx != nil && row.EthereumTx.BlockNumber != nil {
			transfer.BlockNumber = *row.EthereumTx.BlockNumber
			if row.EthereumTx.Block != nil {
				transfer.ExecutionDate = row.EthereumTx.Block.Timestamp
			}
		}
		transfers = append(transfers, transfer)
	}
	sortTransfersDesc(transfers)
	return transfers, nil
}

// TokenTransfers lists ERC-20 and ERC-721 transfers touching the address,
// newest block first.
func (s *Store) TokenTransfers(ctx context.Context, address common.Address) ([]Transfer, error) {
	events, err := s.transferEventsForAddress(ctx, address, false)
	if err != nil {
		return nil, err
	}
	transfers := make([]Transfer, 0, len(events))
	for _, event := range events {
		transfers = append(transfers, transferFromEvent(event))
	}
	sortTransfersDesc(transfers)
	return transfers, nil
}

// IncomingTransfers lists ether and token transfers whose receiver is the
// address.
func (s *Store) IncomingTransfers(ctx context.Context, address common.Address) ([]Transfer, error) {
	all, err := s.AllTransfers(ctx, address)
	if err != nil {
		return nil, err
	}
	hex := NewAddress(address).Hex()
	incoming := all[:0]
	for _, transfer := range all {
		if transfer.To != nil && transfer.To.Hex() == hex {
			incoming = append(incoming, transfer)
		}
	}
	return incoming, nil
}

// AllTransfers merges ether and token transfers, newest block first.
func (s *Store) AllTransfers(ctx context.Context, address common.Address) ([]Transfer, error) {
	ether, err := s.EtherTransfers(ctx, address)
	if err != nil {
		return nil, err
	}
	tokens, err := s.TokenTransfers(ctx, address)
	if err != nil {
		return nil, err
	}
	merged := append(ether, tokens...)
	sortTransfersDesc(merged)
	return merged, nil
}

// TokenBalance is the aggregated ERC-20 balance of one token for an address.
type TokenBalance struct {
	TokenAddress Address
	Balance      *big.Int
}

// ERC20Balances folds the transfer history into per-token balances, largest
// first. Only tokens with ERC-20 shaped transfers count.
func (s *Store) ERC20Balances(ctx context.Context, address common.Address) ([]TokenBalance, error) {
	events, err := s.transferEventsForAddress(ctx, address, true)
	if err != nil {
		return nil, err
	}
	hex := NewAddress(address).Hex()
	balances := make(map[Address]*big.Int)
	for _, event := range events {
		value, ok := argumentBig(event.Arguments, "value")
		if !ok {
			continue
		}
		balance, exists := balances[event.Address]
		if !exists {
			balance = new(big.Int)
			balances[event.Address] = balance
		}
		if from, _ := event.Arguments["from"].(string); common.HexToAddress(from).Hex() == hex {
			balance.Sub(balance, value)
		} else {
			balance.Add(balance, value)
		}
	}
	result := make([]TokenBalance, 0, len(balances))
	for token, balance := range balances {
		result = append(result, TokenBalance{TokenAddress: token, Balance: balance})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Balance.Cmp(result[j].Balance) > 0
	})
	return result, nil
}

// ERC20TokensUsedByAddress lists the distinct token contracts that ever moved
// funds from or to the address.
func (s *Store) ERC20TokensUsedByAddress(ctx context.Context, address common.Address) ([]common.Address, error) {
	events, err := s.transferEventsForAddress(ctx, address, true)
	if err != nil {
		return nil, err
	}
	seen := make(map[Address]struct{})
	var tokens []common.Address
	for _, event := range events {
		if _, ok := seen[event.Address]; ok {
			continue
		}
		seen[event.Address] = struct{}{}
		tokens = append(tokens, event.Address.Common())
	}
	return tokens, nil
}

func (s *Store) transferEventsForAddress(ctx context.Context, address common.Address, erc20Only bool) ([]*EthereumEvent, error) {
	hex := NewAddress(address).Hex()
	var rows []*EthereumEvent
	err := s.db.WithContext(ctx).
		Preload("EthereumTx").
		Preload("EthereumTx.Block").
		Find(&rows, "topic = ?", NewHash(TransferTopic)).Error
	if err != nil {
		return nil, err
	}
	matched := rows[:0]
	for _, row := range rows {
		from, _ := row.Arguments["from"].(string)
		to, _ := row.Arguments["to"].(string)
		if common.HexToAddress(from).Hex() != hex && common.HexToAddress(to).Hex() != hex {
			continue
		}
		if erc20Only && !row.IsERC20() {
			continue
		}
		matched = append(matched, row)
	}
	return matched, nil
}

func transferFromEvent(event *EthereumEvent) Transfer {
	transfer := Transfer{TxHash: event.EthereumTxHash}
	tokenAddress := event.Address
	transfer.TokenAddress = &tokenAddress
	if from, ok := event.Arguments["from"].(string); ok {
		addr := NewAddress(common.HexToAddress(from))
		transfer.From = &addr
	}
	if to, ok := event.Arguments["to"].(string); ok {
		addr := NewAddress(common.HexToAddress(to))
		transfer.To = &addr
	}
	if value, ok := argumentBig(event.Arguments, "value"); ok {
		v := NewBigInt(value)
		transfer.Value = &v
	}
	if tokenID, ok := argumentBig(event.Arguments, "tokenId"); ok {
		v := NewBigInt(tokenID)
		transfer.TokenID = &v
	}
	if event.EthereumTx != nil && event.EthereumTx.BlockNumber != nil {
		transfer.BlockNumber = *event.EthereumTx.BlockNumber
		if event.EthereumTx.Block != nil {
			transfer.ExecutionDate = event.EthereumTx.Block.Timestamp
		}
	}
	return transfer
}

func sortTransfersDesc(transfers []Transfer) {
	sort.SliceStable(transfers, func(i, j int) bool {
		return transfers[i].BlockNumber > transfers[j].BlockNumber
	})
}

func argumentBig(arguments JSONMap, key string) (*big.Int, bool) {
	raw, ok := arguments[key]
	if !ok {
		return nil, false
	}
	switch v := raw.(type) {
	case string:
		value, ok := new(big.Int).SetString(v, 10)
		return value, ok
	case float64:
		return big.NewInt(int64(v)), true
	default:
		return nil, false
	}
}

// GetDelegatesForSafe lists the delegates registered for a Safe.
func (s *Store) GetDelegatesForSafe(ctx context.Context, safe common.Address) ([]*SafeContractDelegate, error) {
	var rows []*SafeContractDelegate
	err := s.db.WithContext(ctx).
		Where("safe_contract_address = ?", NewAddress(safe)).
		Order("delegate asc").
		Find(&rows).Error
	return rows, err
}

// AddDelegate registers a delegate for a Safe, idempotent on (safe,
// delegate).
func (s *Store) AddDelegate(ctx context.Context, row *SafeContractDelegate) error {
	return s.createIgnoreConflict(ctx, row)
}

// RemoveDelegate deletes a delegate registration.
func (s *Store) RemoveDelegate(ctx context.Context, safe, delegate common.Address) error {
	return s.db.WithContext(ctx).
		Where("safe_contract_address = ? AND delegate = ?", NewAddress(safe), NewAddress(delegate)).
		Delete(&SafeContractDelegate{}).Error
}
