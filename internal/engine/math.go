package engine

import "math/bits"

// UnitConversion scales between whole-USD price inputs and native balance
// units: 1 SOL = 1e9 lamports.
const UnitConversion uint64 = 1_000_000_000

// checkedMul multiplies two uint64 values, failing instead of wrapping.
func checkedMul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrCalculation
	}
	return lo, nil
}

// checkedDiv divides a by b, failing on a zero divisor.
func checkedDiv(a, b uint64) (uint64, error) {
	if b == 0 {
		return 0, ErrCalculation
	}
	return a / b, nil
}

// marginAmount computes units * strike * bps / 10000 with every step
// overflow-checked.
func marginAmount(numUnits, strikePrice uint64, marginBps uint16) (uint64, error) {
	notional, err := checkedMul(numUnits, strikePrice)
	if err != nil {
		return 0, err
	}
	scaled, err := checkedMul(notional, uint64(marginBps))
	if err != nil {
		return 0, err
	}
	return checkedDiv(scaled, 10_000)
}

// payoffLamports converts an in-the-money move into native units:
// (price distance) * units * UnitConversion / solPriceUSD. Out-of-the-money
// contracts pay exactly zero.
func payoffLamports(profitPerUnitUSD, numUnits, solPriceUSD uint64) (uint64, error) {
	totalUSD, err := checkedMul(profitPerUnitUSD, numUnits)
	if err != nil {
		return 0, err
	}
	scaled, err := checkedMul(totalUSD, UnitConversion)
	if err != nil {
		return 0, err
	}
	return checkedDiv(scaled, solPriceUSD)
}
