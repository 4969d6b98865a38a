// Package pricing derives token prices from dynamic carbon cost. The
// engine is a pure function of its inputs: carbon price updates daily,
// per-node emission weekly, rebates monthly, all fed through config.
package pricing

import (
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

// Params are the pricing inputs at quote time.
type Params struct {
	// CarbonPriceCADPerKg is the regional carbon price (CAD per kg CO₂).
	CarbonPriceCADPerKg float64
	// EmissionGPerNode is grams of CO₂ emitted per node bounce.
	EmissionGPerNode float64
	// RebateCADPerNode is the per-node rebate deducted from the base price.
	RebateCADPerNode float64
	// MarketDemand scales the demand adjustment (0 = no demand pressure).
	MarketDemand float64
	// DemandMultiplier is the demand sensitivity coefficient.
	DemandMultiplier float64
	// CarbonFootprintMultiplier scales the final token price.
	CarbonFootprintMultiplier float64
	// TokensPerNode divides the node price into token units.
	TokensPerNode int
}

// Engine computes quotes from a fixed parameter set.
type Engine struct {
	params Params
}

// New validates and captures the pricing inputs.
func New(params Params) *Engine {
	if params.TokensPerNode < 1 {
		params.TokensPerNode = 1
	}
	if params.CarbonFootprintMultiplier == 0 {
		params.CarbonFootprintMultiplier = 1
	}
	return &Engine{params: params}
}

// Params returns the captured inputs.
func (e *Engine) Params() Params { return e.params }

// Quote derives the current price set. Negative intermediates clamp to
// zero before the token-price computation.
func (e *Engine) Quote() models.PriceQuote {
	p := e.params

	baseNodePrice := (p.EmissionGPerNode / 1000) * p.CarbonPriceCADPerKg
	if baseNodePrice < 0 {
		baseNodePrice = 0
	}

	effectiveNodePrice := baseNodePrice - p.RebateCADPerNode
	if effectiveNodePrice < 0 {
		effectiveNodePrice = 0
	}

	baseTokenPrice := effectiveNodePrice / float64(p.TokensPerNode)
	adjustedTokenPrice := baseTokenPrice *
		(1 + p.MarketDemand*p.DemandMultiplier) *
		p.CarbonFootprintMultiplier

	return models.PriceQuote{
		BaseNodePrice:      baseNodePrice,
		EffectiveNodePrice: effectiveNodePrice,
		BaseTokenPrice:     baseTokenPrice,
		AdjustedTokenPrice: adjustedTokenPrice,
	}
}

// RebatePerGB computes the carbon-savings rebate (CAD per GB stored)
// applied as a batch-level deduction: the emission delta between
// traditional storage and the atomic pipeline, priced at the carbon rate.
func (e *Engine) RebatePerGB(traditionalGCO2PerGB, atomicGCO2PerGB float64) float64 {
	delta := traditionalGCO2PerGB - atomicGCO2PerGB
	if delta < 0 {
		delta = 0
	}
	return delta * e.params.CarbonPriceCADPerKg / 1000
}

// NetCarbonCost is the quote bound into a token at mint time: the
// effective node price minus the batch rebate for sizeGB of storage,
// clamped at zero.
func (e *Engine) NetCarbonCost(sizeGB, traditionalGCO2PerGB, atomicGCO2PerGB float64) float64 {
	cost := e.Quote().EffectiveNodePrice - sizeGB*e.RebatePerGB(traditionalGCO2PerGB, atomicGCO2PerGB)
	if cost < 0 {
		cost = 0
	}
	return cost
}
