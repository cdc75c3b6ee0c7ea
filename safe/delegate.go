package safe

import (
	"errors"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Delegate authorization uses a TOTP-windowed message: the signer signs
// keccak(delegateAddress ++ decimal(unixTime / 3600)), optionally wrapped in
// the EIP-191 personal-message prefix. Verification accepts the current and
// the previous window so a signature produced just before a window boundary
// still validates.

const totpPeriodSeconds = 3600

// TOTP returns the time window counter for the given instant.
func TOTP(t time.Time) uint64 {
	return uint64(t.Unix()) / totpPeriodSeconds
}

// DelegateHash is the digest a delegator signs to authorize a delegate for
// the given window. With ethSign the digest carries the EIP-191 prefix.
func DelegateHash(delegate common.Address, totp uint64, ethSign bool) common.Hash {
	message := delegate.Hex() + strconv.FormatUint(totp, 10)
	if ethSign {
		return common.BytesToHash(accounts.TextHash([]byte(message)))
	}
	return crypto.Keccak256Hash([]byte(message))
}

var errInvalidDelegateSignature = errors.New("invalid delegate signature")

// RecoverDelegateSigners recovers every address that could have produced the
// signature in an acceptable window (current or previous, plain or EIP-191).
// The caller matches the candidates against the Safe's owners.
func RecoverDelegateSigners(delegate common.Address, signature []byte, now time.Time) ([]common.Address, error) {
	if len(signature) != signatureSize {
		return nil, errInvalidDelegateSignature
	}
	v := signature[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return nil, errInvalidDelegateSignature
	}
	sig := make([]byte, signatureSize)
	copy(sig, signature)
	sig[64] = v

	current := TOTP(now)
	windows := []uint64{current}
	if current > 0 {
		windows = append(windows, current-1)
	}
	var signers []common.Address
	for _, window := range windows {
		for _, ethSign := range []bool{false, true} {
			digest := DelegateHash(delegate, window, ethSign)
			pubkey, err := crypto.SigToPub(digest.Bytes(), sig)
			if err != nil {
				continue
			}
			signers = append(signers, crypto.PubkeyToAddress(*pubkey))
		}
	}
	if len(signers) == 0 {
		return nil, errInvalidDelegateSignature
	}
	return signers, nil
}

// VerifyDelegateSignature reports whether signer authorized delegate within
// an acceptable window.
func VerifyDelegateSignature(delegate common.Address, signature []byte, signer common.Address, now time.Time) bool {
	signers, err := RecoverDelegateSigners(delegate, signature, now)
	if err != nil {
		return false
	}
	for _, candidate := range signers {
		if candidate == signer {
			return true
		}
	}
	return false
}
