package explorer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := New(server.URL, "test-key")
	c.retryInterval = time.Millisecond
	c.rateLimitWait = time.Millisecond
	return c
}

func TestGetABIRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			fmt.Fprint(w, `{"status":"0","message":"NOTOK","result":""}`)
			return
		}
		fmt.Fprint(w, `{"status":"1","message":"OK","result":"[{\"type\":\"function\",\"name\":\"token0\"}]"}`)
	})

	abi, err := c.GetABI(context.Background(), common.HexToAddress("0x01"))
	require.NoError(t, err)
	require.Contains(t, abi, "token0")
	require.Equal(t, int64(3), calls.Load())
}

func TestGetABIUnknownContract(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"status":"0","message":"NOTOK","result":""}`)
	})

	abi, err := c.GetABI(context.Background(), common.HexToAddress("0x01"))
	require.NoError(t, err)
	require.Empty(t, abi)
	require.Equal(t, int64(MaxRetry), calls.Load())
}

func TestGetInternalTxs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "txlistinternal", r.URL.Query().Get("action"))
		require.Equal(t, "19000000", r.URL.Query().Get("startblock"))
		fmt.Fprint(w, `{"status":"1","message":"OK","result":[
			{"hash":"0x0000000000000000000000000000000000000000000000000000000000000001",
			 "to":"0x5555000000000000000000000000000000000008","value":"50000000000000000"},
			{"hash":"0x0000000000000000000000000000000000000000000000000000000000000002",
			 "to":"","value":"1"}
		]}`)
	})

	txs, err := c.GetInternalTxs(context.Background(), 19000000, common.HexToAddress("0x5555000000000000000000000000000000000008"))
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, "50000000000000000", txs[0].Value)
}

func TestGetInternalTxsRateLimited(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			fmt.Fprint(w, `{"status":"0","message":"NOTOK","result":"Max rate limit reached"}`)
			return
		}
		require.Equal(t, "no-cache", r.Header.Get("Cache-Control"))
		fmt.Fprint(w, `{"status":"1","message":"OK","result":[]}`)
	})

	txs, err := c.GetInternalTxs(context.Background(), 19000000, common.HexToAddress("0x01"))
	require.NoError(t, err)
	require.Empty(t, txs)
	require.Equal(t, int64(2), calls.Load())
}

func TestGetInternalTxsNoneFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"0","message":"No transactions found","result":"No transactions found"}`)
	})

	txs, err := c.GetInternalTxs(context.Background(), 19000000, common.HexToAddress("0x01"))
	require.NoError(t, err)
	require.Empty(t, txs)
}

func TestGetEthUsd(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "ethprice", r.URL.Query().Get("action"))
		fmt.Fprint(w, `{"status":"1","message":"OK","result":{"ethbtc":"0.05","ethusd":"3841.27","ethusd_timestamp":"1717000000"}}`)
	})

	price, err := c.GetEthUsd(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 3841.27, price, 1e-9)
}
