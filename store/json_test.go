package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/suslonov/mev-price-monitor/monitor"
)

func TestRatesRoundTrip(t *testing.T) {
	rates := map[monitor.RateKey]float64{
		{A: monitor.USDC, B: monitor.WETH}: 1.0 / 2000,
		{A: monitor.USDC, B: monitor.USDT}: 1,
	}
	encoded, err := encodeRates(rates)
	require.NoError(t, err)

	decoded, err := decodeRates([]byte(encoded))
	require.NoError(t, err)
	require.Equal(t, rates, decoded)
}

func TestRatesEncodingStable(t *testing.T) {
	rates := map[monitor.RateKey]float64{
		{A: "0x02", B: "0x03"}: 2,
		{A: "0x01", B: "0x02"}: 1,
	}
	first, err := encodeRates(rates)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := encodeRates(rates)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
	require.Equal(t, `[["0x01","0x02",1],["0x02","0x03",2]]`, first)
}

func TestDecodeRatesRejectsMalformed(t *testing.T) {
	_, err := decodeRates([]byte(`[["0x01","0x02"]]`))
	require.Error(t, err)
	_, err = decodeRates([]byte(`[[1,2,3]]`))
	require.Error(t, err)
}

func TestFeaturesRoundTrip(t *testing.T) {
	ratio := 0.25
	b := &monitor.Bundle{
		InnerTxCount:      3,
		UniswapV2:         2,
		UniswapV3:         1,
		MintBurnV3:        4,
		MintBurnNFT:       5,
		PancakeV3:         6,
		IrreducibleTokens: 1,
		Complexity:        2,
		NStartTokens:      1,
		BaseToken:         monitor.WETH,
		StartToken:        monitor.USDC,
		BribesRatio:       &ratio,
	}
	encoded, err := encodeFeatures(b)
	require.NoError(t, err)
	// Only the a_-prefixed feature counters are persisted.
	require.NotContains(t, encoded, "bribesRatio")

	var restored monitor.Bundle
	require.NoError(t, applyFeatures(&restored, []byte(encoded)))
	require.Equal(t, b.InnerTxCount, restored.InnerTxCount)
	require.Equal(t, b.UniswapV2, restored.UniswapV2)
	require.Equal(t, b.UniswapV3, restored.UniswapV3)
	require.Equal(t, b.PancakeV3, restored.PancakeV3)
	require.Equal(t, b.MintBurnV3, restored.MintBurnV3)
	require.Equal(t, b.MintBurnNFT, restored.MintBurnNFT)
	require.Equal(t, b.IrreducibleTokens, restored.IrreducibleTokens)
	require.Equal(t, b.Complexity, restored.Complexity)
	require.Equal(t, b.NStartTokens, restored.NStartTokens)
	require.Equal(t, b.BaseToken, restored.BaseToken)
	require.Equal(t, b.StartToken, restored.StartToken)
}

func TestDecodeHexTruncated(t *testing.T) {
	// Persisted event data is cut at the column width and may lose a nibble.
	decoded, err := decodeHex("0xdeadb")
	require.NoError(t, err)
	require.Equal(t, []byte{0xde, 0xad}, decoded)
}
