package regtest

import (
	"math"
	"strconv"
)

// Flags are the bitcoind tunables passed on the command line.
type Flags struct {
	MinRelayTxFee float64 `mapstructure:"min_relay_tx_fee"`
	BlockMinTxFee float64 `mapstructure:"block_min_tx_fee"`
	Debug         uint    `mapstructure:"debug"`
	FallbackFee   float64 `mapstructure:"fallback_fee"`
	// MaxMempool caps the mempool in megabytes. Nil leaves bitcoind's default.
	MaxMempool *uint `mapstructure:"max_mempool"`
}

// DefaultFlags returns the fee and debug settings used when none are given.
func DefaultFlags() Flags {
	return Flags{
		MinRelayTxFee: 0.00001,
		BlockMinTxFee: 0.00001,
		Debug:         1,
		FallbackFee:   0.0002,
	}
}

// Validate rejects fees bitcoind refuses at startup.
func (f Flags) Validate() error {
	fees := []struct {
		name  string
		value float64
	}{
		{"min relay tx fee", f.MinRelayTxFee},
		{"block min tx fee", f.BlockMinTxFee},
		{"fallback fee", f.FallbackFee},
	}
	for _, fee := range fees {
		if fee.value < 0 || math.IsNaN(fee.value) || math.IsInf(fee.value, 0) {
			return errOther("%s must be a non-negative number, got %v", fee.name, fee.value)
		}
	}
	return nil
}

// Args renders the flags as bitcoind arguments. -maxmempool is only
// emitted when MaxMempool is set.
func (f Flags) Args() []string {
	args := []string{
		"-minrelaytxfee=" + formatFee(f.MinRelayTxFee),
		"-blockmintxfee=" + formatFee(f.BlockMinTxFee),
		"-debug=" + strconv.FormatUint(uint64(f.Debug), 10),
		"-fallbackfee=" + formatFee(f.FallbackFee),
	}
	if f.MaxMempool != nil {
		args = append(args, "-maxmempool="+strconv.FormatUint(uint64(*f.MaxMempool), 10))
	}
	return args
}

// formatFee prints the shortest decimal form. bitcoind rejects exponents.
func formatFee(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
