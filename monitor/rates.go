package monitor

import (
	"sort"
)

// infiniteRate stands in for division by a zero observed rate when a lookup
// is reoriented; it pushes the contribution of the token to zero.
const infiniteRate = 1e100

// orient returns the rate from tokenA's side of a canonical pair entry.
func orient(tokenA string, key RateKey, rate float64) float64 {
	if tokenA == key.A {
		return rate
	}
	if rate == 0 {
		return infiniteRate
	}
	return 1 / rate
}

// sortedRateKeys fixes the iteration order of a rates map so multi-hop
// resolution is deterministic.
func sortedRateKeys(rates map[RateKey]float64) []RateKey {
	keys := make([]RateKey, 0, len(rates))
	for k := range rates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].A != keys[j].A {
			return keys[i].A < keys[j].A
		}
		return keys[i].B < keys[j].B
	})
	return keys
}

// FindRate resolves the quantity of tokenB per unit of tokenA from the
// observed rates: directly, through the stablecoin equivalence, or through a
// single intermediate token. The boolean is false when no path exists.
func FindRate(tokenA, tokenB string, rates map[RateKey]float64) (float64, bool) {
	if tokenA == tokenB {
		return 1, true
	}
	pair := NewRateKey(tokenA, tokenB)
	if rate, ok := rates[pair]; ok {
		return orient(tokenA, pair, rate), true
	}
	if IsStablecoin(tokenA) && IsStablecoin(tokenB) {
		return 1, true
	}
	if IsStablecoin(tokenA) {
		for _, stable := range Stablecoins {
			if stable == tokenA {
				continue
			}
			bridge := NewRateKey(stable, tokenB)
			if rate, ok := rates[bridge]; ok {
				return orient(stable, bridge, rate), true
			}
		}
	}
	if IsStablecoin(tokenB) {
		for _, stable := range Stablecoins {
			if stable == tokenB {
				continue
			}
			bridge := NewRateKey(stable, tokenA)
			if rate, ok := rates[bridge]; ok {
				return orient(tokenA, bridge, rate), true
			}
		}
	}
	// Two-hop resolution through any pair touching exactly one endpoint.
	for _, p := range sortedRateKeys(rates) {
		hasA := p.A == tokenA || p.B == tokenA
		hasB := p.A == tokenB || p.B == tokenB
		switch {
		case hasA && !hasB:
			mid := p.A
			if mid == tokenA {
				mid = p.B
			}
			bridge := NewRateKey(mid, tokenB)
			if bridgeRate, ok := rates[bridge]; ok {
				return orient(tokenA, p, rates[p]) / orient(tokenB, bridge, bridgeRate), true
			}
		case hasB && !hasA:
			mid := p.A
			if mid == tokenB {
				mid = p.B
			}
			bridge := NewRateKey(mid, tokenA)
			if bridgeRate, ok := rates[bridge]; ok {
				return orient(tokenA, bridge, bridgeRate) / orient(tokenB, p, rates[p]), true
			}
		}
	}
	return 0, false
}

// Finalize values a decoded bundle in its base token: WETH when the bundle
// tracks a WETH capital entry (even a zero one), else the first stablecoin
// with a capital entry. Bundles with
// no observed rates or no base-token candidate stay unvalued and are never
// classified. ethUsd is the configured global ETH/USD rate used to inject
// missing WETH-stablecoin edges and to renormalize stablecoin-based totals
// into ether.
func (b *Bundle) Finalize(ethUsd float64) {
	b.IrreducibleTokens = 0
	b.BaseToken = ""
	if b.Saldo == nil || len(b.Rates) == 0 {
		return
	}

	if _, ok := b.CapitalRequirements[WETH]; ok {
		b.BaseToken = WETH
	} else {
		for _, stable := range Stablecoins {
			if _, ok := b.CapitalRequirements[stable]; ok {
				b.BaseToken = stable
				break
			}
		}
	}
	if b.BaseToken == "" {
		return
	}

	b.injectSyntheticEdges(ethUsd)

	tokens := make([]string, 0, len(b.CapitalRequirements))
	for token := range b.CapitalRequirements {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	b.TotalCapital = 0
	b.ProfitEstimation = 0
	reduced := make(map[string]float64, len(tokens))
	for _, token := range tokens {
		var rate float64
		switch {
		case b.BaseToken == WETH && (token == ETH || token == WETH):
			rate = 1
		case b.BaseToken == token:
			rate = 1
		default:
			var ok bool
			rate, ok = FindRate(b.BaseToken, token, b.Rates)
			if !ok {
				b.IrreducibleTokens = 1
				continue
			}
		}
		reduced[token] = b.CapitalRequirements[token] / rate
		b.TotalCapital += reduced[token]
		b.ProfitEstimation += b.Saldo[token] / rate
	}

	if IsStablecoin(b.BaseToken) && ethUsd > 0 {
		b.TotalCapital /= ethUsd
		b.ProfitEstimation /= ethUsd
	}

	b.ETHCapital = b.CapitalRequirements[ETH]
	b.ETHTotal = b.Saldo[ETH]
	b.StartToken = ""
	maxReduced := 0.0
	for _, token := range tokens {
		if r, ok := reduced[token]; ok && (b.StartToken == "" || r > maxReduced) {
			b.StartToken = token
			maxReduced = r
		}
	}
	if b.Txs != nil {
		b.Complexity = b.Txs.Cardinality()
	}
	b.NStartTokens = 0
	for token, capital := range b.CapitalRequirements {
		if token != ETH && capital > 0 {
			b.NStartTokens++
		}
	}

	b.BeforeBribes = b.ProfitEstimation + b.DirectBribe + b.GasOverpay
	if b.BeforeBribes > 0 {
		ratio := (b.DirectBribe + b.GasOverpay) / b.BeforeBribes
		b.BribesRatio = &ratio
	} else {
		b.BribesRatio = nil
	}
	b.Valued = true
}

// injectSyntheticEdges guarantees the rate graph can bridge WETH and
// stablecoin capital: a missing WETH-stablecoin edge takes the global ETH/USD
// rate, missing stablecoin-stablecoin edges take parity.
func (b *Bundle) injectSyntheticEdges(ethUsd float64) {
	for _, stable := range Stablecoins {
		if _, wethCap := b.CapitalRequirements[WETH]; wethCap {
			if _, stableCap := b.CapitalRequirements[stable]; stableCap {
				if _, ok := FindRate(WETH, stable, b.Rates); !ok {
					key := NewRateKey(WETH, stable)
					if key.A == WETH {
						b.Rates[key] = ethUsd
					} else if ethUsd != 0 {
						b.Rates[key] = 1 / ethUsd
					}
				}
			}
		}
		for _, other := range Stablecoins {
			if stable == other {
				continue
			}
			_, capA := b.CapitalRequirements[stable]
			_, capB := b.CapitalRequirements[other]
			if capA && capB {
				if _, ok := FindRate(other, stable, b.Rates); !ok {
					b.Rates[NewRateKey(other, stable)] = 1
				}
			}
		}
	}
}
