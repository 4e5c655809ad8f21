// Package chain reads blocks, receipts and contract views from an Ethereum
// node, and memoizes contract metadata needed to decode pool events.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/errgroup"
)

// receiptConcurrency bounds parallel receipt fetches to stay under upstream
// rate limits.
const receiptConcurrency = 8

// Tx is one block transaction with the sender as reported by the node.
type Tx struct {
	Hash      common.Hash
	Index     int
	From      common.Address
	To        *common.Address
	Value     *big.Int
	GasPrice  *big.Int
	GasFeeCap *big.Int // maxFeePerGas, nil for legacy transactions
	GasTipCap *big.Int // maxPriorityFeePerGas, nil for legacy transactions
}

// Block is a block header slice plus its ordered transactions.
type Block struct {
	Number       uint64
	Hash         common.Hash
	BaseFee      *big.Int
	Miner        common.Address
	Transactions []*Tx
}

// Client wraps a node RPC connection.
type Client struct {
	rpc *rpc.Client
	eth *ethclient.Client
}

// Dial connects to the node HTTP endpoint.
func Dial(ctx context.Context, rawurl string) (*Client, error) {
	c, err := rpc.DialContext(ctx, rawurl)
	if err != nil {
		return nil, fmt.Errorf("dial node: %w", err)
	}
	return &Client{rpc: c, eth: ethclient.NewClient(c)}, nil
}

// NewClient wraps an existing RPC connection.
func NewClient(c *rpc.Client) *Client {
	return &Client{rpc: c, eth: ethclient.NewClient(c)}
}

// Close terminates the underlying connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// HeadNumber returns the latest block number.
func (c *Client) HeadNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

type rpcTransaction struct {
	Hash                 common.Hash     `json:"hash"`
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to"`
	TransactionIndex     hexutil.Uint64  `json:"transactionIndex"`
	Value                *hexutil.Big    `json:"value"`
	GasPrice             *hexutil.Big    `json:"gasPrice"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas"`
}

type rpcBlock struct {
	Number        *hexutil.Big     `json:"number"`
	Hash          common.Hash      `json:"hash"`
	BaseFeePerGas *hexutil.Big     `json:"baseFeePerGas"`
	Miner         common.Address   `json:"miner"`
	Transactions  []rpcTransaction `json:"transactions"`
}

// BlockByNumber fetches a block with full transactions. The raw RPC form is
// used so the sender comes straight from the node instead of signature
// recovery.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	var raw *rpcBlock
	err := c.rpc.CallContext(ctx, &raw, "eth_getBlockByNumber", hexutil.Uint64(number), true)
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", number, err)
	}
	if raw == nil {
		return nil, ethereum.NotFound
	}
	block := &Block{
		Number:  raw.Number.ToInt().Uint64(),
		Hash:    raw.Hash,
		BaseFee: bigOrZero(raw.BaseFeePerGas),
		Miner:   raw.Miner,
	}
	block.Transactions = make([]*Tx, 0, len(raw.Transactions))
	for _, t := range raw.Transactions {
		block.Transactions = append(block.Transactions, &Tx{
			Hash:      t.Hash,
			Index:     int(t.TransactionIndex),
			From:      t.From,
			To:        t.To,
			Value:     bigOrZero(t.Value),
			GasPrice:  bigOrZero(t.GasPrice),
			GasFeeCap: bigOrNil(t.MaxFeePerGas),
			GasTipCap: bigOrNil(t.MaxPriorityFeePerGas),
		})
	}
	return block, nil
}

// Receipt fetches a single transaction receipt.
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return c.eth.TransactionReceipt(ctx, hash)
}

// Receipts fetches receipts for all hashes with bounded concurrency. The
// result map only holds receipts that were found; a missing receipt fails the
// whole batch.
func (c *Client) Receipts(ctx context.Context, hashes []common.Hash) (map[common.Hash]*types.Receipt, error) {
	receipts := make([]*types.Receipt, len(hashes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(receiptConcurrency)
	for i, hash := range hashes {
		g.Go(func() error {
			receipt, err := c.eth.TransactionReceipt(gctx, hash)
			if err != nil {
				return fmt.Errorf("receipt %s: %w", hash, err)
			}
			receipts[i] = receipt
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	byHash := make(map[common.Hash]*types.Receipt, len(hashes))
	for i, hash := range hashes {
		byHash[hash] = receipts[i]
	}
	return byHash, nil
}

// CallView executes a constant method on a contract and returns the raw
// result.
func (c *Client) CallView(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

func bigOrZero(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToInt()
}

func bigOrNil(v *hexutil.Big) *big.Int {
	if v == nil {
		return nil
	}
	return v.ToInt()
}
