package monitor

import (
	"encoding/json"
	"fmt"
	"math/big"

	mapset "github.com/deckarep/golang-set/v2"
)

// PairKey identifies a candidate attacker pair within a block. From is empty
// when the sender is anonymized because the recipient is a multisender.
type PairKey struct {
	From string
	To   string
}

// Matches reports whether a transaction belongs to the pair. An anonymized
// pair matches any sender.
func (k PairKey) Matches(from, to string) bool {
	return (k.From == "" || k.From == from) && k.To == to
}

// RateKey is a canonical unordered token pair: A is the lexicographically
// smaller address. The stored rate is oriented from A (units of B per A).
type RateKey struct {
	A string
	B string
}

// NewRateKey canonicalizes a token pair.
func NewRateKey(tokenA, tokenB string) RateKey {
	if tokenA < tokenB {
		return RateKey{A: tokenA, B: tokenB}
	}
	return RateKey{A: tokenB, B: tokenA}
}

// BlockRecord is the persisted slice of a block header.
type BlockRecord struct {
	Number  uint64
	BaseFee *big.Int
	Hash    string
	Miner   string
}

// BundleTx is one transaction of a bundle, with its gas economics in wei.
type BundleTx struct {
	Hash        string
	BlockNumber uint64
	Index       int
	BundleID    int64
	From        string
	To          string
	GasUsed     uint64
	GasPrice    *big.Int
	GasFeeCap   *big.Int // nil for legacy transactions
	GasTipCap   *big.Int
	GasBurnt    *big.Int // baseFee * gasUsed
	GasOverpay  *big.Int // (effectiveGasPrice - baseFee) * gasUsed
	DirectBribe *big.Int // miner internal transfer, zero unless attributed
	Value       *big.Int
	Role        int
}

// Event is a decoded log: topic 0 is the event signature hash.
type Event struct {
	ID          int64
	BlockNumber uint64
	TxHash      string
	Address     string
	Data        []byte
	Topics      []string
}

// Bundle is the analytic unit: a group of same-pair transactions bracketing
// third-party traffic in one block.
type Bundle struct {
	ID          int64
	BlockNumber uint64
	Attacker0   string // empty when anonymized
	Attacker1   string

	MinIndex     int
	MaxIndex     int
	InnerTxCount int
	Transactions []*BundleTx

	// Accumulators in ether. Seeded from the frame sums at detection,
	// recomputed from scratch when the first decodable event arrives.
	DirectBribe float64
	GasBurnt    float64
	GasOverpay  float64

	// Saldo is nil until the first decodable event initializes the bundle.
	Saldo               map[string]float64
	CapitalRequirements map[string]float64
	Rates               map[RateKey]float64
	Txs                 mapset.Set[string]

	UniswapV2   int
	UniswapV3   int
	PancakeV3   int
	MintBurnV3  int
	MintBurnNFT int

	BaseToken         string
	StartToken        string
	TotalCapital      float64
	ProfitEstimation  float64
	ETHCapital        float64
	ETHTotal          float64
	Complexity        int
	NStartTokens      int
	IrreducibleTokens int
	BeforeBribes      float64
	BribesRatio       *float64

	// Valued is set once the rate graph produced a complete valuation.
	Valued bool
}

// Key returns the identifying triple of the bundle within its block.
func (b *Bundle) Key() PairKey {
	return PairKey{From: b.Attacker0, To: b.Attacker1}
}

// initProperties lazily sets up the decoding state on the first relevant
// event. Swap-shaped events pre-seed the pool tokens.
func (b *Bundle) initProperties(tokens ...string) {
	if b.Saldo != nil {
		if b.Txs == nil {
			b.Txs = mapset.NewThreadUnsafeSet[string]()
		}
		return
	}
	b.Saldo = map[string]float64{ETH: 0}
	b.CapitalRequirements = map[string]float64{ETH: 0}
	for _, t := range tokens {
		b.Saldo[t] = 0
		b.CapitalRequirements[t] = 0
	}
	b.Rates = make(map[RateKey]float64)
	b.Txs = mapset.NewThreadUnsafeSet[string]()
	b.DirectBribe = 0
	b.GasBurnt = 0
	b.GasOverpay = 0
	b.UniswapV2 = 0
	b.UniswapV3 = 0
	b.PancakeV3 = 0
	b.MintBurnV3 = 0
	b.MintBurnNFT = 0
}

// addTokens ensures saldo and capital entries exist for the tokens.
func (b *Bundle) addTokens(tokens ...string) {
	for _, t := range tokens {
		if _, ok := b.Saldo[t]; !ok {
			b.Saldo[t] = 0
			b.CapitalRequirements[t] = 0
		}
	}
}

// trackCapital raises each token's capital requirement to the deepest
// negative saldo seen so far. Called after every saldo mutation.
func (b *Bundle) trackCapital(tokens ...string) {
	for _, t := range tokens {
		if b.Saldo[t] < -b.CapitalRequirements[t] {
			b.CapitalRequirements[t] = -b.Saldo[t]
		}
	}
}

// chargeGas books a transaction's gas burn, overpay and attributed bribe into
// the bundle exactly once, paying them out of the native-ether saldo.
func (b *Bundle) chargeGas(tx *BundleTx) {
	if b.Txs.Contains(tx.Hash) {
		return
	}
	b.Txs.Add(tx.Hash)

	burnt := WeiToEther(tx.GasBurnt)
	b.GasBurnt += burnt
	b.Saldo[ETH] -= burnt

	overpay := WeiToEther(tx.GasOverpay)
	b.GasOverpay += overpay
	b.Saldo[ETH] -= overpay

	if tx.DirectBribe != nil && tx.DirectBribe.Sign() > 0 {
		bribe := WeiToEther(tx.DirectBribe)
		b.DirectBribe += bribe
		b.Saldo[ETH] -= bribe
	}
	b.trackCapital(ETH)
}

// updateRate records the observed exchange rate of a swap. token0 and token1
// come in pool order; the stored key is canonical with the rate oriented from
// the smaller address.
func (b *Bundle) updateRate(token0, token1 string, amount1, amount0 *big.Int) {
	if amount0 == nil || amount1 == nil || amount0.Sign() == 0 || amount1.Sign() == 0 {
		return
	}
	a1, _ := new(big.Float).SetInt(amount1).Float64()
	a0, _ := new(big.Float).SetInt(amount0).Float64()
	rate := a1 * Decimals(token0) / (a0 * Decimals(token1))
	if rate < 0 {
		rate = -rate
	}
	if token0 < token1 {
		b.Rates[RateKey{A: token0, B: token1}] = rate
	} else if rate != 0 {
		b.Rates[RateKey{A: token1, B: token0}] = 1 / rate
	}
}

// Features returns the analytic view the rule engine evaluates. Keys match
// the persisted feature-JSON column names.
func (b *Bundle) Features() map[string]any {
	features := map[string]any{
		"a_innerTxNumber":     float64(b.InnerTxCount),
		"a_uniswapV2":         float64(b.UniswapV2),
		"a_uniswapV3":         float64(b.UniswapV3),
		"a_pancakeV3":         float64(b.PancakeV3),
		"a_mintBurnV3":        float64(b.MintBurnV3),
		"a_mintBurnNFT":       float64(b.MintBurnNFT),
		"a_irreducibleTokens": float64(b.IrreducibleTokens),
		"a_complexity":        float64(b.Complexity),
		"a_N_startTokens":     float64(b.NStartTokens),
		"directBribe":         b.DirectBribe,
		"gasBurnt":            b.GasBurnt,
		"gasOverpay":          b.GasOverpay,
		"profitEstimation":    b.ProfitEstimation,
		"totalCapital":        b.TotalCapital,
		"beforeBribes":        b.BeforeBribes,
		"ETHCapital":          b.ETHCapital,
		"ETHTotal":            b.ETHTotal,
	}
	if b.BaseToken != "" {
		features["a_baseToken"] = b.BaseToken
	}
	if b.StartToken != "" {
		features["a_startToken"] = b.StartToken
	}
	if b.BribesRatio != nil {
		features["bribesRatio"] = *b.BribesRatio
	}
	return features
}

// Attacker is one operator-configured registry row. A nil From marks a
// multisender whose callers are anonymized for bundling.
type Attacker struct {
	ID     int64
	From   *string
	To     string
	Status int // 1 enabled, -1 disabled
	Note   string
	Report int // 0 none, 1 own bucket, 2 own and exclusion buckets
}

const (
	StatusEnabled  = 1
	StatusDisabled = -1
)

// Rule is one predicate of an attack class, stored as an [operator, value]
// pair in the rules JSON.
type Rule struct {
	Op    string
	Value any
}

// UnmarshalJSON decodes the ["GT", 0] wire form.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var pair []any
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("rule must be an [operator, value] pair, got %d elements", len(pair))
	}
	op, ok := pair[0].(string)
	if !ok {
		return fmt.Errorf("rule operator must be a string")
	}
	r.Op = op
	r.Value = pair[1]
	return nil
}

// MarshalJSON encodes the [operator, value] wire form.
func (r Rule) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.Op, r.Value})
}

// AttackClass is a named conjunction of feature rules.
type AttackClass struct {
	ID    int64
	Name  string
	Rules map[string]Rule
}

// EMARow is the per-(class, attacker-bucket) bribe-ratio aggregate.
type EMARow struct {
	ClassID         int64
	Attacker        string
	CountAttacks    int
	LastBlockNumber uint64
	LastRatio       float64
	EMA             float64
}
