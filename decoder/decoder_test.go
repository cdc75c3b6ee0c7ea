package decoder

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packCall(t *testing.T, name string, args ...interface{}) []byte {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(safeMasterCopyABI))
	require.NoError(t, err)
	data, err := parsed.Pack(name, args...)
	require.NoError(t, err)
	return data
}

func TestDecodeSetup(t *testing.T) {
	d, err := NewSafeTxDecoder()
	require.NoError(t, err)

	ownerA := common.HexToAddress("0x0000000000000000000000000000000000000001")
	ownerB := common.HexToAddress("0x0000000000000000000000000000000000000002")
	fallbackHandler := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	data := packCall(t, "setup",
		[]common.Address{ownerA, ownerB},
		big.NewInt(2),
		common.Address{},
		[]byte{},
		fallbackHandler,
		common.Address{},
		big.NewInt(0),
		common.Address{},
	)

	name, arguments, err := d.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "setup", name)
	assert.Equal(t, []interface{}{ownerA.Hex(), ownerB.Hex()}, arguments["_owners"])
	assert.Equal(t, "2", arguments["_threshold"])
	assert.Equal(t, fallbackHandler.Hex(), arguments["fallbackHandler"])
	assert.Equal(t, "0x", arguments["data"])
	assert.Equal(t, "0", arguments["payment"])
}

func TestDecodeExecTransaction(t *testing.T) {
	d, err := NewSafeTxDecoder()
	require.NoError(t, err)

	to := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	value, _ := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	signatures := []byte{0xde, 0xad, 0xbe, 0xef}
	data := packCall(t, "execTransaction",
		to, value, []byte{0x01, 0x02}, uint8(1),
		big.NewInt(50000), big.NewInt(21000), big.NewInt(0),
		common.Address{}, common.Address{}, signatures,
	)

	name, arguments, err := d.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "execTransaction", name)
	assert.Equal(t, to.Hex(), arguments["to"])
	// Max uint256 survives as a decimal string.
	assert.Equal(t, value.String(), arguments["value"])
	assert.Equal(t, "1", arguments["operation"])
	assert.Equal(t, "0x0102", arguments["data"])
	assert.Equal(t, "0xdeadbeef", arguments["signatures"])
}

func TestDecodeConfigFunctions(t *testing.T) {
	d, err := NewSafeTxDecoder()
	require.NoError(t, err)

	owner := common.HexToAddress("0x0000000000000000000000000000000000000003")
	prev := common.HexToAddress("0x0000000000000000000000000000000000000001")

	cases := []struct {
		data []byte
		name string
		key  string
		want interface{}
	}{
		{packCall(t, "addOwnerWithThreshold", owner, big.NewInt(3)), "addOwnerWithThreshold", "owner", owner.Hex()},
		{packCall(t, "removeOwner", prev, owner, big.NewInt(1)), "removeOwner", "owner", owner.Hex()},
		{packCall(t, "swapOwner", prev, owner, prev), "swapOwner", "newOwner", prev.Hex()},
		{packCall(t, "changeThreshold", big.NewInt(2)), "changeThreshold", "_threshold", "2"},
		{packCall(t, "changeMasterCopy", owner), "changeMasterCopy", "_masterCopy", owner.Hex()},
		{packCall(t, "setFallbackHandler", owner), "setFallbackHandler", "handler", owner.Hex()},
		{packCall(t, "enableModule", owner), "enableModule", "module", owner.Hex()},
		{packCall(t, "disableModule", prev, owner), "disableModule", "module", owner.Hex()},
		{packCall(t, "execTransactionFromModule", owner, big.NewInt(1), []byte{}, uint8(0)),
			"execTransactionFromModule", "to", owner.Hex()},
	}
	for _, tc := range cases {
		name, arguments, err := d.Decode(tc.data)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.name, name)
		assert.Equal(t, tc.want, arguments[tc.key], "%s.%s", tc.name, tc.key)
	}
}

func TestDecodeApproveHash(t *testing.T) {
	d, err := NewSafeTxDecoder()
	require.NoError(t, err)

	var hash [32]byte
	copy(hash[:], common.HexToHash("0x5afe").Bytes())
	name, arguments, err := d.Decode(packCall(t, "approveHash", hash))
	require.NoError(t, err)
	assert.Equal(t, "approveHash", name)
	assert.Equal(t, common.BytesToHash(hash[:]).Hex(), arguments["hashToApprove"])
}

func TestCannotDecode(t *testing.T) {
	d, err := NewSafeTxDecoder()
	require.NoError(t, err)

	_, _, err = d.Decode(nil)
	assert.ErrorIs(t, err, ErrCannotDecode)

	_, _, err = d.Decode([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrCannotDecode)

	// Unknown selector.
	_, _, err = d.Decode([]byte{0xde, 0xad, 0xbe, 0xef, 0x00})
	assert.ErrorIs(t, err, ErrCannotDecode)

	// Known selector, garbage tail.
	garbage := append(packCall(t, "changeThreshold", big.NewInt(1))[:4], 0x01)
	_, _, err = d.Decode(garbage)
	assert.ErrorIs(t, err, ErrCannotDecode)
}

func TestDecodeIsPure(t *testing.T) {
	d, err := NewSafeTxDecoder()
	require.NoError(t, err)

	data := packCall(t, "changeThreshold", big.NewInt(7))
	nameA, argsA, err := d.Decode(data)
	require.NoError(t, err)
	nameB, argsB, err := d.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, nameA, nameB)
	assert.Equal(t, argsA, argsB)
}
