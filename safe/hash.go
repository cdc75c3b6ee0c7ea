package safe

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Typehashes of the Safe master copy EIP-712 scheme. The domain only binds
// the verifying contract; Safes deployed before EIP-155 aware versions do not
// mix the chain id into the hash.
var (
	domainSeparatorTypehash = crypto.Keccak256Hash(
		[]byte("EIP712Domain(address verifyingContract)"))
	safeTxTypehash = crypto.Keccak256Hash(
		[]byte("SafeTx(address to,uint256 value,bytes data,uint8 operation,uint256 safeTxGas,uint256 baseGas,uint256 gasPrice,address gasToken,address refundReceiver,uint256 nonce)"))
)

// TxParams are the fields of a Safe multisig transaction that enter its
// hash.
type TxParams struct {
	To             common.Address
	Value          *big.Int
	Data           []byte
	Operation      Operation
	SafeTxGas      *big.Int
	BaseGas        *big.Int
	GasPrice       *big.Int
	GasToken       common.Address
	RefundReceiver common.Address
	Nonce          uint64
}

// TxHash computes the EIP-712 safe transaction hash for the given Safe.
func TxHash(safe common.Address, params TxParams) common.Hash {
	domainSeparator := crypto.Keccak256(
		domainSeparatorTypehash.Bytes(),
		addressWord(safe),
	)
	structHash := crypto.Keccak256(
		safeTxTypehash.Bytes(),
		addressWord(params.To),
		bigWord(params.Value),
		crypto.Keccak256(params.Data),
		uintWord(uint64(params.Operation)),
		bigWord(params.SafeTxGas),
		bigWord(params.BaseGas),
		bigWord(params.GasPrice),
		addressWord(params.GasToken),
		addressWord(params.RefundReceiver),
		uintWord(params.Nonce),
	)
	return common.BytesToHash(crypto.Keccak256(
		[]byte{0x19, 0x01},
		domainSeparator,
		structHash,
	))
}

func addressWord(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

func bigWord(i *big.Int) []byte {
	if i == nil {
		return make([]byte, 32)
	}
	return common.LeftPadBytes(i.Bytes(), 32)
}

func uintWord(i uint64) []byte {
	return common.LeftPadBytes(new(big.Int).SetUint64(i).Bytes(), 32)
}
