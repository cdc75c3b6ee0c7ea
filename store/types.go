package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Address wraps common.Address with SQL marshaling. Stored as the EIP-55
// checksummed hex string so rows stay readable and joins stay exact.
type Address common.Address

func NewAddress(a common.Address) Address { return Address(a) }

func NewAddressPtr(a *common.Address) *Address {
	if a == nil {
		return nil
	}
	addr := Address(*a)
	return &addr
}

func (a Address) Common() common.Address { return common.Address(a) }
func (a Address) Hex() string            { return common.Address(a).Hex() }
func (a Address) String() string         { return a.Hex() }

func (a Address) Value() (driver.Value, error) {
	return common.Address(a).Hex(), nil
}

func (a *Address) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		*a = Address(common.HexToAddress(v))
	case []byte:
		*a = Address(common.BytesToAddress(common.FromHex(string(v))))
	case nil:
		*a = Address{}
	default:
		return fmt.Errorf("cannot scan %T into Address", src)
	}
	return nil
}

// Hash wraps common.Hash with SQL marshaling, stored as 0x hex.
type Hash common.Hash

func NewHash(h common.Hash) Hash { return Hash(h) }

func NewHashPtr(h *common.Hash) *Hash {
	if h == nil {
		return nil
	}
	hash := Hash(*h)
	return &hash
}

func (h Hash) Common() common.Hash { return common.Hash(h) }
func (h Hash) Hex() string         { return common.Hash(h).Hex() }
func (h Hash) String() string      { return h.Hex() }

func (h Hash) Value() (driver.Value, error) {
	return common.Hash(h).Hex(), nil
}

func (h *Hash) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		*h = Hash(common.HexToHash(v))
	case []byte:
		*h = Hash(common.BytesToHash(common.FromHex(string(v))))
	case nil:
		*h = Hash{}
	default:
		return fmt.Errorf("cannot scan %T into Hash", src)
	}
	return nil
}

// BigInt is an arbitrary precision unsigned quantity persisted as its decimal
// string so no precision is lost on any backend.
type BigInt big.Int

func NewBigInt(i *big.Int) BigInt {
	if i == nil {
		return BigInt{}
	}
	return BigInt(*i)
}

func (b *BigInt) Big() *big.Int { return (*big.Int)(b) }

func (b BigInt) String() string { return (*big.Int)(&b).String() }

func (b BigInt) Value() (driver.Value, error) {
	return (*big.Int)(&b).String(), nil
}

func (b *BigInt) Scan(src interface{}) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case int64:
		(*big.Int)(b).SetInt64(v)
		return nil
	case nil:
		(*big.Int)(b).SetInt64(0)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into BigInt", src)
	}
	if _, ok := (*big.Int)(b).SetString(s, 10); !ok {
		return fmt.Errorf("invalid decimal %q", s)
	}
	return nil
}

// StringArray persists a string slice as JSON text, portable between sqlite
// and postgres.
type StringArray []string

func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		a = StringArray{}
	}
	data, err := json.Marshal(a)
	return string(data), err
}

func (a *StringArray) Scan(src interface{}) error {
	return scanJSON(src, a)
}

// JSONMap persists decoded arguments or event arguments as a JSON object.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		m = JSONMap{}
	}
	data, err := json.Marshal(m)
	return string(data), err
}

func (m *JSONMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// Logs persists a transaction receipt's logs as JSON.
type Logs []*types.Log

func (l Logs) Value() (driver.Value, error) {
	if l == nil {
		l = Logs{}
	}
	data, err := json.Marshal(l)
	return string(data), err
}

func (l *Logs) Scan(src interface{}) error {
	return scanJSON(src, l)
}

func scanJSON(src, dst interface{}) error {
	switch v := src.(type) {
	case string:
		return json.Unmarshal([]byte(v), dst)
	case []byte:
		return json.Unmarshal(v, dst)
	case nil:
		return nil
	default:
		return fmt.Errorf("cannot scan %T as JSON", src)
	}
}
