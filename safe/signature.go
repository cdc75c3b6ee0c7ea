package safe

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureType classifies one packed Safe signature. Values follow the
// on-chain encoding of the v byte.
type SignatureType int

const (
	// SignatureTypeContract is an EIP-1271 signature checked against the
	// owner contract (v == 0).
	SignatureTypeContract SignatureType = iota
	// SignatureTypeApprovedHash is an owner that pre-approved the hash on
	// chain (v == 1).
	SignatureTypeApprovedHash
	// SignatureTypeEOA is a plain ECDSA signature over the safe tx hash
	// (v == 27 or 28).
	SignatureTypeEOA
	// SignatureTypeEthSign is an ECDSA signature over the eth_sign prefixed
	// hash (v > 30).
	SignatureTypeEthSign
)

func (t SignatureType) String() string {
	switch t {
	case SignatureTypeContract:
		return "CONTRACT_SIGNATURE"
	case SignatureTypeApprovedHash:
		return "APPROVED_HASH"
	case SignatureTypeEOA:
		return "EOA"
	case SignatureTypeEthSign:
		return "ETH_SIGN"
	default:
		return "UNKNOWN"
	}
}

// DecodedSignature is one owner confirmation extracted from the packed blob.
type DecodedSignature struct {
	Owner     common.Address
	Type      SignatureType
	Signature []byte
	// Dynamic holds the EIP-1271 payload for contract signatures.
	Dynamic []byte
}

const signatureSize = 65

var errMalformedSignatures = errors.New("malformed signature blob")

// DecodeSignatures splits a packed Safe signature blob into individual owner
// confirmations. The static part is a sequence of 65-byte slices; contract
// signatures point into a dynamic tail that terminates the static sequence.
// Pure function, no chain access: EIP-1271 signatures are attributed to the
// owner contract without on-chain verification.
func DecodeSignatures(safeTxHash common.Hash, signatures []byte) ([]DecodedSignature, error) {
	if len(signatures) < signatureSize {
		return nil, errMalformedSignatures
	}
	var decoded []DecodedSignature
	dataPosition := len(signatures)
	for i := 0; (i+1)*signatureSize <= len(signatures); i++ {
		start := i * signatureSize
		if start >= dataPosition {
			break
		}
		r := signatures[start : start+32]
		s := signatures[start+32 : start+64]
		v := signatures[start+64]
		static := signatures[start : start+signatureSize]

		switch {
		case v == 0:
			offset := new(big.Int).SetBytes(s)
			if !offset.IsInt64() || offset.Int64()+32 > int64(len(signatures)) {
				return nil, fmt.Errorf("%w: contract signature offset %s", errMalformedSignatures, offset)
			}
			pos := int(offset.Int64())
			length := new(big.Int).SetBytes(signatures[pos : pos+32])
			if !length.IsInt64() || pos+32+int(length.Int64()) > len(signatures) {
				return nil, fmt.Errorf("%w: contract signature length %s", errMalformedSignatures, length)
			}
			if pos < dataPosition {
				dataPosition = pos
			}
			decoded = append(decoded, DecodedSignature{
				Owner:     common.BytesToAddress(r),
				Type:      SignatureTypeContract,
				Signature: static,
				Dynamic:   signatures[pos+32 : pos+32+int(length.Int64())],
			})
		case v == 1:
			decoded = append(decoded, DecodedSignature{
				Owner:     common.BytesToAddress(r),
				Type:      SignatureTypeApprovedHash,
				Signature: static,
			})
		case v > 30:
			owner, err := recoverAddress(accounts.TextHash(safeTxHash.Bytes()), r, s, v-4)
			if err != nil {
				return nil, err
			}
			decoded = append(decoded, DecodedSignature{
				Owner:     owner,
				Type:      SignatureTypeEthSign,
				Signature: static,
			})
		default:
			owner, err := recoverAddress(safeTxHash.Bytes(), r, s, v)
			if err != nil {
				return nil, err
			}
			decoded = append(decoded, DecodedSignature{
				Owner:     owner,
				Type:      SignatureTypeEOA,
				Signature: static,
			})
		}
	}
	return decoded, nil
}

func recoverAddress(digest []byte, r, s []byte, v byte) (common.Address, error) {
	if v != 27 && v != 28 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", errMalformedSignatures, v)
	}
	sig := make([]byte, signatureSize)
	copy(sig[:32], r)
	copy(sig[32:64], s)
	sig[64] = v - 27
	pubkey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", errMalformedSignatures, err)
	}
	return crypto.PubkeyToAddress(*pubkey), nil
}
