package store

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// AddressKind selects a monitored contract class together with the cursor
// column the indexer owning that class advances.
type AddressKind int

const (
	// KindMasterCopies scans internal txs for Safe master copies.
	KindMasterCopies AddressKind = iota
	// KindProxyFactories scans internal txs for proxy factories.
	KindProxyFactories
	// KindSafeContracts scans token transfer events for Safes.
	KindSafeContracts
)

func (k AddressKind) String() string {
	switch k {
	case KindMasterCopies:
		return "master-copies"
	case KindProxyFactories:
		return "proxy-factories"
	case KindSafeContracts:
		return "safe-contracts"
	default:
		return "unknown"
	}
}

func (k AddressKind) table() string {
	switch k {
	case KindMasterCopies:
		return "safe_master_copies"
	case KindProxyFactories:
		return "proxy_factories"
	default:
		return "safe_contracts"
	}
}

func (k AddressKind) cursorColumn() string {
	if k == KindSafeContracts {
		return "erc20_block_number"
	}
	return "tx_block_number"
}

// MonitoredAddress is the projection common to every monitored contract
// class.
type MonitoredAddress struct {
	Address            Address
	InitialBlockNumber int64
	CursorBlockNumber  int64
}

func monitoredSelect(kind AddressKind) string {
	if kind == KindSafeContracts {
		return "address, 0 as initial_block_number, erc20_block_number as cursor_block_number"
	}
	return "address, initial_block_number, tx_block_number as cursor_block_number"
}

// UpdateMonitoredAddresses advances the cursor of the given class to toBlock,
// but only for rows whose cursor is still at least fromBlock-1. If a reorg
// rewound the cursor after the scan window was chosen, those rows are left
// alone so no blocks are skipped.
func (s *Store) UpdateMonitoredAddresses(ctx context.Context, kind AddressKind, addresses []common.Address, fromBlock, toBlock int64) (int64, error) {
	if len(addresses) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).
		Table(kind.table()).
		Where("address IN ?", hexAddresses(addresses)).
		Where(kind.cursorColumn()+" >= ?", fromBlock-1).
		Update(kind.cursorColumn(), toBlock)
	return result.RowsAffected, result.Error
}

// MonitoredNotUpdated returns rows of the class whose cursor is further than
// `confirmations` blocks behind the head.
func (s *Store) MonitoredNotUpdated(ctx context.Context, kind AddressKind, currentBlock uint64, confirmations uint64) ([]MonitoredAddress, error) {
	var rows []MonitoredAddress
	err := s.db.WithContext(ctx).
		Table(kind.table()).
		Select(monitoredSelect(kind)).
		Where(kind.cursorColumn()+" < ?", int64(currentBlock)-int64(confirmations)).
		Order(kind.cursorColumn() + " asc").
		Scan(&rows).Error
	return rows, err
}

// MonitoredAlmostUpdated returns rows of the class whose cursor sits in the
// open interval (head - updatedBehind, head - confirmations); they are close
// enough to the head to be scanned together in one window.
func (s *Store) MonitoredAlmostUpdated(ctx context.Context, kind AddressKind, currentBlock, updatedBehind, confirmations uint64) ([]MonitoredAddress, error) {
	var rows []MonitoredAddress
	err := s.db.WithContext(ctx).
		Table(kind.table()).
		Select(monitoredSelect(kind)).
		Where(kind.cursorColumn()+" < ?", int64(currentBlock)-int64(confirmations)).
		Where(kind.cursorColumn()+" > ?", int64(currentBlock)-int64(updatedBehind)).
		Order(kind.cursorColumn() + " asc").
		Scan(&rows).Error
	return rows, err
}

// RewindMonitoredCursors pulls every cursor of every class back to at most
// blockNumber-1. Called by the reorg rollback.
func (s *Store) RewindMonitoredCursors(ctx context.Context, blockNumber uint64) error {
	target := int64(blockNumber) - 1
	for _, kind := range []AddressKind{KindMasterCopies, KindProxyFactories, KindSafeContracts} {
		err := s.db.WithContext(ctx).
			Table(kind.table()).
			Where(kind.cursorColumn()+" >= ?", blockNumber).
			Update(kind.cursorColumn(), target).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// AddSafeMasterCopy registers a master copy to monitor. The cursor tracks
// the last scanned block, so it starts one block before the deployment block
// and the first scan covers the deployment itself.
func (s *Store) AddSafeMasterCopy(ctx context.Context, address common.Address, initialBlock int64) error {
	row := &SafeMasterCopy{
		Address:            NewAddress(address),
		InitialBlockNumber: initialBlock,
		TxBlockNumber:      initialBlock - 1,
	}
	return s.createIgnoreConflict(ctx, row)
}

// AddProxyFactory registers a proxy factory to monitor.
func (s *Store) AddProxyFactory(ctx context.Context, address common.Address, initialBlock int64) error {
	row := &ProxyFactory{
		Address:            NewAddress(address),
		InitialBlockNumber: initialBlock,
		TxBlockNumber:      initialBlock - 1,
	}
	return s.createIgnoreConflict(ctx, row)
}

func hexAddresses(addresses []common.Address) []string {
	hexes := make([]string, len(addresses))
	for i, address := range addresses {
		hexes[i] = NewAddress(address).Hex()
	}
	return hexes
}
