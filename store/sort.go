package store

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Trace addresses are stored as the comma joined component string ("" for the
// root frame, "0,2,1" for a nested one). Plain string ordering would put "10"
// before "2", so the canonical sort parses components and compares them
// numerically. For SQL-side ordering every internal tx also carries a
// zero padded rendering whose lexicographic order equals the numeric one.

const traceComponentWidth = 5

// ParseTraceAddress splits a comma joined trace address into components.
func ParseTraceAddress(traceAddress string) ([]uint64, error) {
	if traceAddress == "" {
		return nil, nil
	}
	parts := strings.Split(traceAddress, ",")
	components := make([]uint64, len(parts))
	for i, part := range parts {
		component, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid trace address %q: %w", traceAddress, err)
		}
		components[i] = component
	}
	return components, nil
}

// CompareTraceAddresses orders two trace addresses by their integer
// components. Unparseable addresses fall back to string comparison.
func CompareTraceAddresses(a, b string) int {
	left, errA := ParseTraceAddress(a)
	right, errB := ParseTraceAddress(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	for i := 0; i < len(left) && i < len(right); i++ {
		if left[i] != right[i] {
			if left[i] < right[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(left) < len(right):
		return -1
	case len(left) > len(right):
		return 1
	default:
		return 0
	}
}

// IsTraceAncestor reports whether parent is a strict ancestor of child within
// the same transaction. The relation is the string prefix one the trace table
// is keyed on; the root frame ("") is an ancestor of everything.
func IsTraceAncestor(parent, child string) bool {
	return parent != child && strings.HasPrefix(child, parent)
}

// TraceAddressSortKey renders a trace address with zero padded components so
// that lexicographic order over the column matches numeric order. Components
// at or above 10^5 keep their full width, so such keys can sort out of
// numeric order ("100000" < "99999"); CompareTraceAddresses stays the
// authority, and real call trees never get near that fan-out.
func TraceAddressSortKey(traceAddress string) string {
	components, err := ParseTraceAddress(traceAddress)
	if err != nil {
		return traceAddress
	}
	parts := make([]string, len(components))
	for i, component := range components {
		parts[i] = fmt.Sprintf("%0*d", traceComponentWidth, component)
	}
	return strings.Join(parts, ",")
}

// SortInternalTxsDecoded sorts decoded rows in the canonical processing order:
// block number, then transaction index, then trace address as an integer
// sequence. Rows must have their InternalTx and EthereumTx preloaded.
func SortInternalTxsDecoded(rows []*InternalTxDecoded) {
	sort.SliceStable(rows, func(i, j int) bool {
		return compareDecoded(rows[i], rows[j]) < 0
	})
}

func compareDecoded(a, b *InternalTxDecoded) int {
	blockA, blockB := a.blockNumberForSort(), b.blockNumberForSort()
	if blockA != blockB {
		if blockA < blockB {
			return -1
		}
		return 1
	}
	indexA, indexB := a.txIndexForSort(), b.txIndexForSort()
	if indexA != indexB {
		if indexA < indexB {
			return -1
		}
		return 1
	}
	return CompareTraceAddresses(a.InternalTx.TraceAddress, b.InternalTx.TraceAddress)
}
