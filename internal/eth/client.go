package eth

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client wraps an Ethereum RPC client with the call and transact plumbing the
// relayer needs.
type Client struct {
	client  *ethclient.Client
	chainID *big.Int
}

// NewClient creates a new EVM client and auto-detects the chain ID.
func NewClient(rpcURL string) (*Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("RPC URL is required")
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	chainID, err := client.ChainID(context.Background())
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	return &Client{
		client:  client,
		chainID: chainID,
	}, nil
}

// ChainID returns the chain ID.
func (c *Client) ChainID() int64 {
	return c.chainID.Int64()
}

// CallContract executes a read-only contract call and returns the raw result.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}
	return result, nil
}

// SendAndConfirm signs an EIP-1559 transaction with key, broadcasts it and
// waits for it to be mined. Returns the transaction hash and block number;
// fails if the receipt reports a revert.
func (c *Client) SendAndConfirm(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, data []byte) (string, uint64, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", 0, fmt.Errorf("failed to get nonce: %w", err)
	}

	tipCap, err := c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("failed to get gas tip cap: %w", err)
	}

	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to get head block: %w", err)
	}
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return "", 0, fmt.Errorf("failed to estimate gas: %w", err)
	}
	// 20% buffer for safety.
	gas = gas * 120 / 100

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return "", 0, fmt.Errorf("failed to send transaction: %w", err)
	}

	receipt, err := c.waitMined(ctx, signedTx.Hash())
	if err != nil {
		return "", 0, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", 0, fmt.Errorf("transaction %s reverted", signedTx.Hash().Hex())
	}

	return signedTx.Hash().Hex(), receipt.BlockNumber.Uint64(), nil
}

// waitMined polls for the transaction receipt until it lands or ctx expires.
func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up waiting for transaction %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close closes the client connection.
func (c *Client) Close() {
	c.client.Close()
}
