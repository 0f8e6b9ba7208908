package ledger

import "math"

// checkedAdd adds two unsigned counters, failing closed on 64-bit overflow.
func checkedAdd(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// checkedSub subtracts b from a, failing closed when the result would be
// negative.
func checkedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrUnderflow
	}
	return a - b, nil
}
