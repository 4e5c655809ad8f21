// Package explorer is a thin client for the block-explorer HTTP API. It serves
// contract ABIs, per-block miner internal transfers and the ETH/USD price.
package explorer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

const (
	// DefaultBaseURL is the mainnet explorer API endpoint.
	DefaultBaseURL = "https://api.etherscan.io/api"

	// MaxRetry bounds the ABI fetch attempts; retries are spaced one
	// retryInterval apart.
	MaxRetry = 10

	rateLimitResult = "Max rate limit reached"
)

// InternalTx is one internal value transfer reported by the explorer.
type InternalTx struct {
	Hash  common.Hash
	To    common.Address
	Value string // decimal wei
}

// Client talks to the explorer API. The zero value is not usable; use New.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client

	// retryInterval is the linear backoff step of GetABI. Tests shorten it.
	retryInterval time.Duration
	// rateLimitWait is the pause before the single re-issue of a
	// rate-limited internal-transfer request.
	rateLimitWait time.Duration
}

// New returns a client for the given API endpoint and key.
func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:       baseURL,
		apiKey:        apiKey,
		http:          &http.Client{Timeout: 20 * time.Second},
		retryInterval: time.Second,
		rateLimitWait: 200 * time.Millisecond,
	}
}

type apiResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// GetABI fetches the verified ABI of a contract, retrying up to MaxRetry
// times with linear backoff. Returns "" with a nil error when the explorer
// does not know the contract.
func (c *Client) GetABI(ctx context.Context, address common.Address) (string, error) {
	url := fmt.Sprintf("%s?module=contract&action=getabi&address=%s&apikey=%s",
		c.baseURL, address.Hex(), c.apiKey)

	var abi string
	op := func() error {
		resp, err := c.get(ctx, url, false)
		if err != nil {
			return err
		}
		var result string
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return fmt.Errorf("decode abi result: %w", err)
		}
		if resp.Status != "1" || result == "" {
			return fmt.Errorf("abi unavailable: %s", resp.Message)
		}
		abi = result
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryInterval), MaxRetry-1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		log.Debug("contract ABI not resolved", "address", address, "err", err)
		return "", nil
	}
	return abi, nil
}

// GetInternalTxs lists internal transfers touching the given address in one
// block. On a rate-limit response it sleeps briefly and re-issues the request
// once, bypassing any intermediary cache.
func (c *Client) GetInternalTxs(ctx context.Context, blockNumber uint64, address common.Address) ([]InternalTx, error) {
	url := fmt.Sprintf("%s?module=account&action=txlistinternal&address=%s&startblock=%d&endblock=%d&apikey=%s",
		c.baseURL, address.Hex(), blockNumber, blockNumber, c.apiKey)
	return c.internalTxs(ctx, url)
}

// GetInternalTxsByHash lists internal transfers of a single transaction.
func (c *Client) GetInternalTxsByHash(ctx context.Context, blockNumber uint64, txHash common.Hash) ([]InternalTx, error) {
	url := fmt.Sprintf("%s?module=account&action=txlistinternal&txhash=%s&startblock=%d&endblock=%d&apikey=%s",
		c.baseURL, txHash.Hex(), blockNumber, blockNumber, c.apiKey)
	return c.internalTxs(ctx, url)
}

func (c *Client) internalTxs(ctx context.Context, url string) ([]InternalTx, error) {
	resp, err := c.get(ctx, url, false)
	if err != nil {
		return nil, err
	}
	if rateLimited(resp) {
		select {
		case <-time.After(c.rateLimitWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if resp, err = c.get(ctx, url, true); err != nil {
			return nil, err
		}
	}

	var raw []struct {
		Hash  string `json:"hash"`
		To    string `json:"to"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(resp.Result, &raw); err != nil {
		// "No transactions found" and similar statuses carry a string result.
		return nil, nil
	}
	txs := make([]InternalTx, 0, len(raw))
	for _, t := range raw {
		if !common.IsHexAddress(t.To) {
			continue
		}
		txs = append(txs, InternalTx{
			Hash:  common.HexToHash(t.Hash),
			To:    common.HexToAddress(t.To),
			Value: t.Value,
		})
	}
	return txs, nil
}

// GetEthUsd returns the latest ETH/USD price.
func (c *Client) GetEthUsd(ctx context.Context) (float64, error) {
	url := fmt.Sprintf("%s?module=stats&action=ethprice&apikey=%s", c.baseURL, c.apiKey)
	resp, err := c.get(ctx, url, false)
	if err != nil {
		return 0, err
	}
	var result struct {
		EthUsd string `json:"ethusd"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return 0, fmt.Errorf("decode ethprice result: %w", err)
	}
	price, err := strconv.ParseFloat(result.EthUsd, 64)
	if err != nil {
		return 0, fmt.Errorf("parse ethusd %q: %w", result.EthUsd, err)
	}
	return price, nil
}

// GetEthUsdDaily returns the daily closing ETH/USD prices of a date range.
func (c *Client) GetEthUsdDaily(ctx context.Context, start, end time.Time) (map[string]float64, error) {
	url := fmt.Sprintf("%s?module=stats&action=ethdailyprice&startdate=%s&enddate=%s&sort=asc&apikey=%s",
		c.baseURL, start.Format("2006-01-02"), end.Format("2006-01-02"), c.apiKey)
	resp, err := c.get(ctx, url, false)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		UTCDate string `json:"UTCDate"`
		Value   string `json:"value"`
	}
	if err := json.Unmarshal(resp.Result, &raw); err != nil {
		return nil, fmt.Errorf("decode ethdailyprice result: %w", err)
	}
	prices := make(map[string]float64, len(raw))
	for _, d := range raw {
		v, err := strconv.ParseFloat(d.Value, 64)
		if err != nil {
			continue
		}
		prices[d.UTCDate] = v
	}
	return prices, nil
}

func (c *Client) get(ctx context.Context, url string, bypassCache bool) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bypassCache {
		req.Header.Set("Cache-Control", "no-cache")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("explorer request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("explorer status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read explorer response: %w", err)
	}
	var decoded apiResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode explorer response: %w", err)
	}
	return &decoded, nil
}

func rateLimited(resp *apiResponse) bool {
	var s string
	if err := json.Unmarshal(resp.Result, &s); err != nil {
		return false
	}
	return s == rateLimitResult
}
