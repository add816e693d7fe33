package clients

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"go-txpipeline/internal/config"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainClient is the narrow view of a chain RPC node the pipeline needs.
// Services depend on this interface so tests can substitute a fake node.
type ChainClient interface {
	ChainID() uint64

	PendingNonceAt(ctx context.Context, address common.Address) (uint64, error)
	SuggestFees(ctx context.Context) (tipCap *big.Int, baseFee *big.Int, err error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// retryPolicy is the bounded-retry discipline applied at every read-path RPC
// boundary: a fixed attempt count with doubling backoff. Submissions are NOT
// retried here; the broadcaster owns send retries because a resubmission
// needs error classification first.
type retryPolicy struct {
	maxAttempts int
	backoff     time.Duration
	timeout     time.Duration
}

func (p retryPolicy) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	wait := p.backoff
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < p.maxAttempts {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			wait *= 2
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, p.maxAttempts, lastErr)
}

// EthChainClient implements ChainClient over go-ethereum's ethclient.
type EthChainClient struct {
	chainID uint64
	client  *ethclient.Client
	retry   retryPolicy
}

// DialChain connects to the first reachable RPC endpoint of a configured
// network and verifies the node's chain ID matches the configuration.
func DialChain(networkConfig *config.NetworkConfig) (*EthChainClient, error) {
	var client *ethclient.Client
	var lastErr error

	for i, endpoint := range networkConfig.RPCEndpoints {
		c, err := ethclient.Dial(endpoint)
		if err != nil {
			lastErr = err
			log.Printf("⚠️ [DialChain] endpoint %d/%d dial failed: %v", i+1, len(networkConfig.RPCEndpoints), err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		chainID, err := c.ChainID(ctx)
		cancel()
		if err != nil {
			lastErr = err
			c.Close()
			log.Printf("⚠️ [DialChain] endpoint %d/%d chain ID check failed: %v", i+1, len(networkConfig.RPCEndpoints), err)
			continue
		}

		if chainID.Uint64() != networkConfig.ChainID {
			c.Close()
			return nil, fmt.Errorf("chain ID mismatch on %s: expected %d, node reports %s",
				networkConfig.Name, networkConfig.ChainID, chainID.String())
		}

		client = c
		log.Printf("✅ [DialChain] connected to %s (chainID=%d) via %s", networkConfig.Name, networkConfig.ChainID, endpoint)
		break
	}

	if client == nil {
		return nil, fmt.Errorf("all RPC endpoints failed for %s: %w", networkConfig.Name, lastErr)
	}

	return &EthChainClient{
		chainID: networkConfig.ChainID,
		client:  client,
		retry: retryPolicy{
			maxAttempts: networkConfig.RPCMaxRetries,
			backoff:     500 * time.Millisecond,
			timeout:     time.Duration(networkConfig.RPCTimeout) * time.Second,
		},
	}, nil
}

// ChainID returns the configured chain ID.
func (c *EthChainClient) ChainID() uint64 {
	return c.chainID
}

func (c *EthChainClient) PendingNonceAt(ctx context.Context, address common.Address) (uint64, error) {
	var nonce uint64
	err := c.retry.do(ctx, "eth_getTransactionCount", func(ctx context.Context) error {
		var err error
		nonce, err = c.client.PendingNonceAt(ctx, address)
		return err
	})
	return nonce, err
}

// SuggestFees returns the node's priority fee suggestion and the current head
// base fee. Chains without EIP-1559 report a nil base fee.
func (c *EthChainClient) SuggestFees(ctx context.Context) (*big.Int, *big.Int, error) {
	var tipCap *big.Int
	var baseFee *big.Int
	err := c.retry.do(ctx, "fee suggestion", func(ctx context.Context) error {
		tip, err := c.client.SuggestGasTipCap(ctx)
		if err != nil {
			return err
		}
		head, err := c.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		tipCap = tip
		baseFee = head.BaseFee
		return nil
	})
	return tipCap, baseFee, err
}

func (c *EthChainClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.retry.do(ctx, "eth_estimateGas", func(ctx context.Context) error {
		var err error
		gas, err = c.client.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

// SendTransaction submits a signed transaction. Single attempt by design:
// the broadcaster classifies the error before deciding whether to resend.
func (c *EthChainClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	callCtx, cancel := context.WithTimeout(ctx, c.retry.timeout)
	defer cancel()
	return c.client.SendTransaction(callCtx, tx)
}

func (c *EthChainClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.retry.timeout)
	defer cancel()
	return c.client.TransactionReceipt(callCtx, txHash)
}

func (c *EthChainClient) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.retry.timeout)
	defer cancel()
	return c.client.TransactionByHash(callCtx, txHash)
}

func (c *EthChainClient) BlockNumber(ctx context.Context) (uint64, error) {
	var bn uint64
	err := c.retry.do(ctx, "eth_blockNumber", func(ctx context.Context) error {
		var err error
		bn, err = c.client.BlockNumber(ctx)
		return err
	})
	return bn, err
}

// Close releases the underlying RPC connection.
func (c *EthChainClient) Close() {
	c.client.Close()
}
