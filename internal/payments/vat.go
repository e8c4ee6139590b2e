package payments

import (
	"fmt"
	"math"
)

// VATBreakdown splits a VAT-inclusive total into its components. All values
// are rounded to two decimal places and Base + VAT always reproduces Total.
type VATBreakdown struct {
	Base  float64 `json:"base_amount"`
	VAT   float64 `json:"vat_amount"`
	Total float64 `json:"total_amount"`
}

// SplitVAT derives the base and VAT portions of a gross amount. Prices in
// the schedule are VAT-inclusive, so the base is extracted by dividing out
// the rate. Unregistered workspaces ("osek patur") charge no VAT and the
// full amount is the base.
func SplitVAT(total float64, registered bool, ratePercent float64) (VATBreakdown, error) {
	if total <= 0 {
		return VATBreakdown{}, fmt.Errorf("amount %.2f must be positive: %w", total, ErrInvalidAmount)
	}
	total = round2(total)
	if !registered || ratePercent <= 0 {
		return VATBreakdown{Base: total, VAT: 0, Total: total}, nil
	}
	base := round2(total / (1 + ratePercent/100))
	return VATBreakdown{Base: base, VAT: round2(total - base), Total: total}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
