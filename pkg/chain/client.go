package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	m "github.com/tokenwatch/indexer/pkg/common"
)

// transferEventSignature is the keccak256 hash of Transfer(address,address,uint256).
var transferEventSignature = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// Client implements Oracle over a go-ethereum RPC connection.
type Client struct {
	log     logrus.FieldLogger
	eth     *ethclient.Client
	chainID uint64
	config  *Config
}

// NewClient dials the endpoint and verifies the reported chain ID.
func NewClient(ctx context.Context, log logrus.FieldLogger, endpoint EndpointConfig, config *Config) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, endpoint.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain %d endpoint: %w", endpoint.ChainID, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.RequestTimeout)
	defer cancel()

	reported, err := eth.ChainID(pingCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID from %s: %w", endpoint.URL, err)
	}

	if reported.Uint64() != endpoint.ChainID {
		return nil, fmt.Errorf("chain ID mismatch for %s: expected %d, got %s", endpoint.URL, endpoint.ChainID, reported)
	}

	log.WithFields(logrus.Fields{
		"chain_id": endpoint.ChainID,
		"endpoint": endpoint.URL,
	}).Info("Connected to chain endpoint")

	return &Client{
		log:     log.WithField("chain_id", endpoint.ChainID),
		eth:     eth,
		chainID: endpoint.ChainID,
		config:  config,
	}, nil
}

// Close closes the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// HeadBlock returns the current chain head number and hash.
func (c *Client) HeadBlock(ctx context.Context) (uint64, string, error) {
	var header *types.Header

	err := c.withRetry(ctx, "head", func(callCtx context.Context) error {
		var err error

		header, err = c.eth.HeaderByNumber(callCtx, nil)

		return err
	})
	if err != nil {
		return 0, "", fmt.Errorf("failed to fetch chain head: %w", err)
	}

	return header.Number.Uint64(), header.Hash().Hex(), nil
}

// BlockByNumber returns the identity of the block at the given height.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	var header *types.Header

	err := c.withRetry(ctx, "block_by_number", func(callCtx context.Context) error {
		var err error

		header, err = c.eth.HeaderByNumber(callCtx, new(big.Int).SetUint64(number))
		if errors.Is(err, ethereum.NotFound) {
			return backoff.Permanent(ErrBlockNotFound)
		}

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block %d: %w", number, err)
	}

	return &Block{
		Number:     header.Number.Uint64(),
		Hash:       header.Hash().Hex(),
		ParentHash: header.ParentHash.Hex(),
	}, nil
}

// TransferLogs returns decoded Transfer events for contract in [from, to].
func (c *Client) TransferLogs(ctx context.Context, contract string, from, to uint64) ([]TransferLog, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{common.HexToAddress(contract)},
		Topics:    [][]common.Hash{{transferEventSignature}},
	}

	var rawLogs []types.Log

	err := c.withRetry(ctx, "transfer_logs", func(callCtx context.Context) error {
		var err error

		rawLogs, err = c.eth.FilterLogs(callCtx, query)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch logs for blocks %d-%d: %w", from, to, err)
	}

	logs := make([]TransferLog, 0, len(rawLogs))

	for _, raw := range rawLogs {
		decoded, err := decodeTransferLog(raw)
		if err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"block":     raw.BlockNumber,
				"tx_hash":   raw.TxHash.Hex(),
				"log_index": raw.Index,
			}).Warn("Skipping undecodable log")

			continue
		}

		logs = append(logs, *decoded)
	}

	return logs, nil
}

// decodeTransferLog decodes a raw ERC-20 Transfer log. The from/to addresses
// are indexed topics; the value is the single non-indexed data word.
func decodeTransferLog(raw types.Log) (*TransferLog, error) {
	if len(raw.Topics) != 3 {
		return nil, fmt.Errorf("invalid number of topics: expected 3, got %d", len(raw.Topics))
	}

	if raw.Topics[0] != transferEventSignature {
		return nil, fmt.Errorf("not a Transfer event")
	}

	if len(raw.Data) != 32 {
		return nil, fmt.Errorf("invalid data length: expected 32, got %d", len(raw.Data))
	}

	return &TransferLog{
		BlockNumber: raw.BlockNumber,
		BlockHash:   raw.BlockHash.Hex(),
		TxHash:      raw.TxHash.Hex(),
		LogIndex:    raw.Index,
		Contract:    strings.ToLower(raw.Address.Hex()),
		From:        strings.ToLower(common.BytesToAddress(raw.Topics[1].Bytes()).Hex()),
		To:          strings.ToLower(common.BytesToAddress(raw.Topics[2].Bytes()).Hex()),
		Value:       new(big.Int).SetBytes(raw.Data),
	}, nil
}

// withRetry runs fn with exponential backoff, bounding each attempt by the
// configured request timeout and the whole call by RetryMaxElapsed.
func (c *Client) withRetry(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryInitialInterval
	b.MaxElapsedTime = c.config.RetryMaxElapsed

	chainLabel := fmt.Sprintf("%d", c.chainID)

	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()

		start := time.Now()
		err := fn(callCtx)

		status := "success"
		if err != nil {
			status = "error"
		}

		m.RPCCallDuration.WithLabelValues(chainLabel, method, status).Observe(time.Since(start).Seconds())

		return err
	}

	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

// ClientSet holds one client per configured chain.
type ClientSet struct {
	clients map[uint64]*Client
}

var _ Set = (*ClientSet)(nil)

// NewClientSet dials every configured endpoint.
func NewClientSet(ctx context.Context, log logrus.FieldLogger, config *Config) (*ClientSet, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chain config: %w", err)
	}

	clients := make(map[uint64]*Client, len(config.Endpoints))

	for _, endpoint := range config.Endpoints {
		client, err := NewClient(ctx, log, endpoint, config)
		if err != nil {
			return nil, err
		}

		clients[endpoint.ChainID] = client
	}

	return &ClientSet{clients: clients}, nil
}

// Oracle returns the client for chainID.
func (s *ClientSet) Oracle(chainID uint64) (Oracle, error) {
	client, ok := s.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}

	return client, nil
}

// Close closes every client in the set.
func (s *ClientSet) Close() {
	for _, client := range s.clients {
		client.Close()
	}
}
