package processor

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/rsksmart/safe-transaction-service/store"
)

// Decoded arguments arrive as the JSON persisted by the decoder: addresses
// and byte blobs as hex strings, numbers as decimal strings, arrays as
// generic slices.

func argAddress(arguments store.JSONMap, key string) (common.Address, error) {
	raw, ok := arguments[key].(string)
	if !ok {
		return common.Address{}, fmt.Errorf("argument %q missing or not an address", key)
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("argument %q: invalid address %q", key, raw)
	}
	return common.HexToAddress(raw), nil
}

func argAddresses(arguments store.JSONMap, key string) ([]common.Address, error) {
	raw, ok := arguments[key].([]interface{})
	if !ok {
		return nil, fmt.Errorf("argument %q missing or not an address list", key)
	}
	addresses := make([]common.Address, 0, len(raw))
	for _, item := range raw {
		hex, ok := item.(string)
		if !ok || !common.IsHexAddress(hex) {
			return nil, fmt.Errorf("argument %q: invalid address %v", key, item)
		}
		addresses = append(addresses, common.HexToAddress(hex))
	}
	return addresses, nil
}

func argUint64(arguments store.JSONMap, key string) (uint64, error) {
	switch v := arguments[key].(type) {
	case string:
		value, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("argument %q: %w", key, err)
		}
		return value, nil
	case float64:
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("argument %q missing or not a number", key)
	}
}

func argBigOrZero(arguments store.JSONMap, key string) *big.Int {
	switch v := arguments[key].(type) {
	case string:
		if value, ok := new(big.Int).SetString(v, 10); ok {
			return value
		}
	case float64:
		return big.NewInt(int64(v))
	}
	return new(big.Int)
}

func argBytes(arguments store.JSONMap, key string) []byte {
	raw, ok := arguments[key].(string)
	if !ok {
		return nil
	}
	data, err := hexutil.Decode(raw)
	if err != nil {
		return nil
	}
	return data
}

func hexAddresses(addresses []common.Address) store.StringArray {
	hexes := make(store.StringArray, len(addresses))
	for i, address := range addresses {
		hexes[i] = store.NewAddress(address).Hex()
	}
	return hexes
}
