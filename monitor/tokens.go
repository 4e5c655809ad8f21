package monitor

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// tt255 and tt256 back signedWord's two's-complement conversion, matching
// the now-removed common/math.S256 helper from older go-ethereum releases.
var (
	tt255 = new(big.Int).Lsh(big.NewInt(1), 255)
	tt256 = new(big.Int).Lsh(big.NewInt(1), 256)
)

// s256 interprets x as a two's complement number. x must not exceed 256
// bits and is not modified.
func s256(x *big.Int) *big.Int {
	if x.Cmp(tt255) < 0 {
		return x
	}
	return new(big.Int).Sub(x, tt256)
}

// Token addresses are carried as lowercase hex strings so the native-ether
// pseudo token can share the saldo map with ERC-20 tokens.
const (
	// ETH is the native-ether key of saldo and capital maps.
	ETH = "eth"

	// WETH is the wrapped-ether contract, the preferred valuation token.
	WETH = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"

	USDC = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	USDT = "0xdac17f958d2ee523a2206206994597c13d831ec7"
	DAI  = "0x6b175474e89094c44da98b954eedeac495271d0f"
	WBTC = "0x2260fac5e5542a773aa44fbcfedf7c193bc2c599"
)

// Stablecoins are tried in this order when WETH cannot anchor a valuation.
var Stablecoins = []string{USDC, USDT, DAI}

var stablecoinNames = map[string]string{
	USDC: "USD Coin",
	USDT: "Tether USD",
	DAI:  "Dai",
}

// coinDecimals overrides the default 1e18 scaling for tokens with fewer
// decimals.
var coinDecimals = map[string]float64{
	USDC: 1e6,
	USDT: 1e6,
	WBTC: 1e8,
}

// Event signature hashes driving the decoder.
const (
	TopicWithdraw  = "0x7fcf532c15f0a6db0bd6d0e038bea71d30d808c7d98cb3bf7268a95bf5081b65"
	TopicDeposit   = "0xe1fffcc4923d04b559f4d29a8bfc6cda04eb5b0d3c460751c2402c5c5cc9109c"
	TopicUniswapV2 = "0xd78ad95fa46c994b6551d0da85fc275fe613ce37657fb8d5e3d130840159d822"
	TopicUniswapV3 = "0xc42079f94a6350d7e6235f29174924f928cc2ac818eb64fed8004e115fbcca67"
	TopicPancakeV3 = "0x19b47279256b2a23a1665c810c8d55a1758940ee09377d4f8d26497a3577dc83"
	TopicMint      = "0x7a53080ba414158be7ec69b987b5fb7d07dee101fe85488f0853ae16239d0bde"
	TopicCollect   = "0x70935338e69775456a85ddef226c395fb668b63fa0115f5f20610b388e6ca9c0"
	TopicTransfer  = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
)

const zeroTopic = "0x0000000000000000000000000000000000000000000000000000000000000000"

// IsStablecoin reports whether the token is one of the tracked USD stables.
func IsStablecoin(token string) bool {
	_, ok := stablecoinNames[token]
	return ok
}

// Decimals returns the scaling divisor of a token's raw amounts.
func Decimals(token string) float64 {
	if d, ok := coinDecimals[token]; ok {
		return d
	}
	return 1e18
}

// TokenKey normalizes an address into the map-key form.
func TokenKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

var weiPerEther = new(big.Float).SetFloat64(1e18)

// WeiToEther converts an integer wei amount at the analytic boundary.
func WeiToEther(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerEther).Float64()
	return f
}

// word extracts the i-th 32-byte word of event data.
func word(data []byte, i int) (*big.Int, bool) {
	if len(data) < (i+1)*32 {
		return nil, false
	}
	return new(big.Int).SetBytes(data[i*32 : (i+1)*32]), true
}

// signedWord extracts the i-th word as a two's-complement signed 256-bit
// integer.
func signedWord(data []byte, i int) (*big.Int, bool) {
	w, ok := word(data, i)
	if !ok {
		return nil, false
	}
	return s256(w), true
}

// tokenAmount extracts the i-th word scaled by the token's decimals.
func tokenAmount(data []byte, i int, token string) (float64, bool) {
	w, ok := word(data, i)
	if !ok {
		return 0, false
	}
	f, _ := new(big.Float).SetInt(w).Float64()
	return f / Decimals(token), true
}

// signedTokenAmount is tokenAmount with two's-complement interpretation.
func signedTokenAmount(data []byte, i int, token string) (float64, bool) {
	w, ok := signedWord(data, i)
	if !ok {
		return 0, false
	}
	f, _ := new(big.Float).SetInt(w).Float64()
	return f / Decimals(token), true
}
