// Package decoder turns raw Safe calldata into named, typed arguments using a
// precomputed 4-byte selector table. The decoder is pure: no I/O, identical
// output for identical input.
package decoder

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrCannotDecode means the calldata does not match any known Safe function.
// It is not a pipeline error; the internal tx simply stays undecoded.
var ErrCannotDecode = errors.New("cannot decode")

// TxDecoder maps 4-byte selectors of the Safe master copy ABI (and known
// extension contracts) to their functions.
type TxDecoder struct {
	methods map[[4]byte]abi.Method
}

// NewSafeTxDecoder builds the selector table. The table is immutable after
// construction, so one decoder can be shared between workers.
func NewSafeTxDecoder() (*TxDecoder, error) {
	d := &TxDecoder{methods: make(map[[4]byte]abi.Method)}
	for _, definition := range []string{safeMasterCopyABI, multiSendABI} {
		parsed, err := abi.JSON(strings.NewReader(definition))
		if err != nil {
			return nil, fmt.Errorf("parsing ABI: %w", err)
		}
		for _, method := range parsed.Methods {
			var selector [4]byte
			copy(selector[:], method.ID)
			d.methods[selector] = method
		}
	}
	return d, nil
}

// Supports reports whether the selector is in the table.
func (d *TxDecoder) Supports(selector [4]byte) bool {
	_, ok := d.methods[selector]
	return ok
}

// Decode resolves calldata into the function's raw name and its arguments as
// a JSON-friendly map. Numbers become decimal strings, addresses checksummed
// hex, byte blobs 0x-hex; arrays recurse.
func (d *TxDecoder) Decode(data []byte) (string, map[string]interface{}, error) {
	if len(data) < 4 {
		return "", nil, fmt.Errorf("%w: calldata of %d bytes", ErrCannotDecode, len(data))
	}
	var selector [4]byte
	copy(selector[:], data[:4])
	method, ok := d.methods[selector]
	if !ok {
		return "", nil, fmt.Errorf("%w: unknown selector %s", ErrCannotDecode, hexutil.Encode(selector[:]))
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s arguments: %v", ErrCannotDecode, method.RawName, err)
	}
	arguments := make(map[string]interface{}, len(values))
	for i, value := range values {
		arguments[method.Inputs[i].Name] = normalize(value)
	}
	return method.RawName, arguments, nil
}

// normalize rewrites ABI-decoded Go values into JSON safe ones. Numeric
// values are rendered as decimal strings to avoid precision loss once the
// arguments are persisted.
func normalize(value interface{}) interface{} {
	switch v := value.(type) {
	case common.Address:
		return v.Hex()
	case []byte:
		return hexutil.Encode(v)
	case common.Hash:
		return v.Hex()
	case bool:
		return v
	case string:
		return v
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Ptr:
		// *big.Int and friends print their decimal form.
		if stringer, ok := value.(fmt.Stringer); ok {
			return stringer.String()
		}
		return normalize(rv.Elem().Interface())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fmt.Sprintf("%d", rv.Uint())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fmt.Sprintf("%d", rv.Int())
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			data := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(data), rv)
			return hexutil.Encode(data)
		}
		fallthrough
	case reflect.Slice:
		items := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			items[i] = normalize(rv.Index(i).Interface())
		}
		return items
	case reflect.Struct:
		fields := make(map[string]interface{}, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			name := rv.Type().Field(i).Name
			fields[strings.ToLower(name[:1])+name[1:]] = normalize(rv.Field(i).Interface())
		}
		return fields
	default:
		return fmt.Sprintf("%v", value)
	}
}
