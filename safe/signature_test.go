package safe

import (
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signHash(t *testing.T, key *ecdsa.PrivateKey, digest common.Hash, vOffset byte) []byte {
	t.Helper()
	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)
	packed := make([]byte, signatureSize)
	copy(packed, sig[:64])
	packed[64] = sig[64] + 27 + vOffset
	return packed
}

func TestDecodeSignaturesECDSA(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(key.PublicKey)
	safeTxHash := common.HexToHash("0x5afe5afe5afe5afe5afe5afe5afe5afe5afe5afe5afe5afe5afe5afe5afe5afe")

	decoded, err := DecodeSignatures(safeTxHash, signHash(t, key, safeTxHash, 0))
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, owner, decoded[0].Owner)
	assert.Equal(t, SignatureTypeEOA, decoded[0].Type)
}

func TestDecodeSignaturesEthSign(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(key.PublicKey)
	safeTxHash := common.HexToHash("0x5afe")

	// eth_sign wraps the hash in the EIP-191 prefix and marks it with v+4.
	digest := common.BytesToHash(accounts.TextHash(safeTxHash.Bytes()))
	decoded, err := DecodeSignatures(safeTxHash, signHash(t, key, digest, 4))
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, owner, decoded[0].Owner)
	assert.Equal(t, SignatureTypeEthSign, decoded[0].Type)
}

func TestDecodeSignaturesApprovedHash(t *testing.T) {
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	blob := make([]byte, signatureSize)
	copy(blob[12:32], owner.Bytes())
	blob[64] = 1

	decoded, err := DecodeSignatures(common.HexToHash("0x5afe"), blob)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, owner, decoded[0].Owner)
	assert.Equal(t, SignatureTypeApprovedHash, decoded[0].Type)
}

func TestDecodeSignaturesContract(t *testing.T) {
	ownerContract := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	payload := []byte{0xca, 0xfe, 0xba, 0xbe}

	// One static slot (65 bytes) pointing at a dynamic tail: 32-byte length
	// then the EIP-1271 payload.
	blob := make([]byte, signatureSize)
	copy(blob[12:32], ownerContract.Bytes())
	blob[63] = signatureSize // offset of the dynamic part
	blob[64] = 0
	tail := make([]byte, 32)
	tail[31] = byte(len(payload))
	blob = append(blob, append(tail, payload...)...)

	decoded, err := DecodeSignatures(common.HexToHash("0x5afe"), blob)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, ownerContract, decoded[0].Owner)
	assert.Equal(t, SignatureTypeContract, decoded[0].Type)
	assert.Equal(t, payload, decoded[0].Dynamic)
}

func TestDecodeSignaturesMultiple(t *testing.T) {
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	safeTxHash := common.HexToHash("0x5afe")

	blob := append(signHash(t, keyA, safeTxHash, 0), signHash(t, keyB, safeTxHash, 0)...)
	decoded, err := DecodeSignatures(safeTxHash, blob)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, crypto.PubkeyToAddress(keyA.PublicKey), decoded[0].Owner)
	assert.Equal(t, crypto.PubkeyToAddress(keyB.PublicKey), decoded[1].Owner)
}

func TestDecodeSignaturesMalformed(t *testing.T) {
	_, err := DecodeSignatures(common.HexToHash("0x5afe"), nil)
	assert.Error(t, err)

	_, err = DecodeSignatures(common.HexToHash("0x5afe"), make([]byte, 10))
	assert.Error(t, err)

	// Contract signature whose offset points outside the blob.
	blob := make([]byte, signatureSize)
	blob[63] = 0xff
	blob[64] = 0
	_, err = DecodeSignatures(common.HexToHash("0x5afe"), blob)
	assert.Error(t, err)
}
