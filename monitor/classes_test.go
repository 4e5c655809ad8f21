package monitor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func ratioBundle(ratio float64) *Bundle {
	b := &Bundle{
		BlockNumber: 100,
		Attacker1:   TokenKey(addrX),
		Saldo:       map[string]float64{ETH: 0},
		UniswapV2:   2,
		StartToken:  WETH,
		BribesRatio: &ratio,
	}
	return b
}

func TestMatchClass(t *testing.T) {
	tests := []struct {
		name  string
		rules map[string]Rule
		want  bool
	}{
		{
			name:  "empty rules match everything",
			rules: map[string]Rule{},
			want:  true,
		},
		{
			name: "GT satisfied",
			rules: map[string]Rule{
				"a_uniswapV2": {Op: OpGT, Value: float64(0)},
			},
			want: true,
		},
		{
			name: "GT violated",
			rules: map[string]Rule{
				"a_uniswapV3": {Op: OpGT, Value: float64(0)},
			},
			want: false,
		},
		{
			name: "EQ on missing feature defaults to zero",
			rules: map[string]Rule{
				"a_baseToken": {Op: OpEQ, Value: float64(0)},
			},
			want: true,
		},
		{
			name: "NE on string feature",
			rules: map[string]Rule{
				"a_startToken": {Op: OpNE, Value: WETH},
			},
			want: false,
		},
		{
			name: "GE and LE window",
			rules: map[string]Rule{
				"a_uniswapV2": {Op: OpGE, Value: float64(2)},
				"a_uniswapV3": {Op: OpLE, Value: float64(0)},
			},
			want: true,
		},
		{
			name: "LT violated",
			rules: map[string]Rule{
				"a_uniswapV2": {Op: OpLT, Value: float64(2)},
			},
			want: false,
		},
		{
			name: "numeric rule on string feature fails closed",
			rules: map[string]Rule{
				"a_startToken": {Op: OpGT, Value: float64(0)},
			},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class := &AttackClass{ID: 1, Name: tt.name, Rules: tt.rules}
			got := MatchClass(class, ratioBundle(0.5))
			if got != tt.want {
				t.Errorf("MatchClass() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchClassDeterministic(t *testing.T) {
	class := &AttackClass{ID: 1, Name: "V2_only", Rules: map[string]Rule{
		"a_uniswapV2": {Op: OpGT, Value: float64(0)},
		"a_uniswapV3": {Op: OpEQ, Value: float64(0)},
	}}
	b := ratioBundle(0.5)
	first := MatchClass(class, b)
	for i := 0; i < 100; i++ {
		require.Equal(t, first, MatchClass(class, b))
	}
}

func TestRuleJSONRoundTrip(t *testing.T) {
	rules := map[string]Rule{
		"a_uniswapV2":  {Op: OpGT, Value: float64(0)},
		"a_startToken": {Op: OpNE, Value: WETH},
	}
	encoded, err := json.Marshal(rules)
	require.NoError(t, err)

	var decoded map[string]Rule
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.Equal(t, rules, decoded)
}

func TestReportBuckets(t *testing.T) {
	recipient := TokenKey(addrX)
	other := TokenKey(addrE)
	from := TokenKey(addrA)
	rows := []*Attacker{
		{From: &from, To: recipient, Status: StatusEnabled, Report: 1},
		{To: other, Status: StatusEnabled, Report: 2},
		{To: TokenKey(addrD), Status: StatusEnabled, Report: 0},
	}

	buckets := ReportBuckets(rows, recipient)
	require.Equal(t, []string{"*", recipient, "~" + other}, buckets)

	// The exclusion bucket can never collide with a real address.
	for _, bucket := range buckets[2:] {
		require.Greater(t, len(bucket), 42)
		require.Equal(t, byte('~'), bucket[0])
	}
}

func TestReportBucketsDeduplicated(t *testing.T) {
	recipient := TokenKey(addrX)
	rows := []*Attacker{
		{To: recipient, Status: StatusEnabled, Report: 1},
		{To: recipient, Status: StatusEnabled, Report: 2},
	}
	buckets := ReportBuckets(rows, recipient)
	require.Equal(t, []string{"*", recipient}, buckets)
}

func TestEMARecurrence(t *testing.T) {
	set := NewEMASet(0.1, nil)

	row := set.Apply(1, "*", 100, 0.5)
	require.InDelta(t, 0.5, row.EMA, 1e-12)
	require.Equal(t, 1, row.CountAttacks)

	row = set.Apply(1, "*", 101, 0.4)
	require.InDelta(t, 0.49, row.EMA, 1e-12)
	require.Equal(t, 2, row.CountAttacks)

	row = set.Apply(1, "*", 102, 0.6)
	require.InDelta(t, 0.501, row.EMA, 1e-12)
	require.Equal(t, 3, row.CountAttacks)
	require.Equal(t, uint64(102), row.LastBlockNumber)
	require.InDelta(t, 0.6, row.LastRatio, 1e-12)
}

func TestEMAContinuesFromPersistedRows(t *testing.T) {
	existing := []*EMARow{
		{ClassID: 1, Attacker: "*", CountAttacks: 5, LastBlockNumber: 90, LastRatio: 0.3, EMA: 0.25},
	}
	set := NewEMASet(0.1, existing)

	row := set.Apply(1, "*", 100, 0.5)
	require.InDelta(t, 0.1*0.5+0.9*0.25, row.EMA, 1e-12)
	require.Equal(t, 6, row.CountAttacks)
}

func TestEMABucketsIndependent(t *testing.T) {
	set := NewEMASet(0.1, nil)
	set.Apply(1, "*", 100, 0.5)
	set.Apply(1, "0xabc", 100, 0.9)
	set.Apply(2, "*", 100, 0.1)

	dirty := set.Dirty()
	require.Len(t, dirty, 3)
	// Stable persistence order: class id, then bucket.
	require.Equal(t, int64(1), dirty[0].ClassID)
	require.Equal(t, "*", dirty[0].Attacker)
	require.Equal(t, int64(1), dirty[1].ClassID)
	require.Equal(t, "0xabc", dirty[1].Attacker)
	require.Equal(t, int64(2), dirty[2].ClassID)
}
