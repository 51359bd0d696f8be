package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/lucylow/verytippers/internal/chain/ratelimit"
	"github.com/lucylow/verytippers/internal/domain/model"
	"github.com/lucylow/verytippers/internal/metrics"
)

// settleABI covers the one method and one event the relayer touches.
const settleABI = `[
	{"type":"function","name":"settleTip","stateMutability":"nonpayable","inputs":[
		{"name":"sender","type":"address"},
		{"name":"recipient","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"messageDigest","type":"bytes32"},
		{"name":"nonce","type":"uint256"},
		{"name":"signature","type":"bytes"}
	],"outputs":[]},
	{"type":"event","name":"TipSettled","inputs":[
		{"name":"sender","type":"address","indexed":true},
		{"name":"recipient","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"messageDigest","type":"bytes32","indexed":false},
		{"name":"nonce","type":"uint256","indexed":false}
	]}
]`

var tipSettledTopic = crypto.Keccak256Hash([]byte("TipSettled(address,address,uint256,bytes32,uint256)"))

// EthereumClient submits sponsored settlement transactions and decodes
// TipSettled events. A single relayer key pays gas for every submission, so
// account nonces are allocated behind a mutex to keep concurrent workers from
// colliding.
type EthereumClient struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	abi      abi.ABI
	address  common.Address
	chainID  *big.Int
	opts     *bind.TransactOpts
	limiter  *ratelimit.Limiter
	logger   *slog.Logger

	pollInterval time.Duration

	nonceMu   sync.Mutex
	nonceNext uint64
	nonceInit bool
}

type EthereumConfig struct {
	RPCURL          string
	PrivateKeyHex   string
	ContractAddress string
	RPCRateRPS      float64
	RPCRateBurst    int
	PollInterval    time.Duration
}

func NewEthereumClient(ctx context.Context, cfg EthereumConfig, logger *slog.Logger) (*EthereumClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.ContractAddress == "" {
		return nil, fmt.Errorf("settlement contract address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("relayer private key is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(settleABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	opts.GasLimit = 0 // let node estimate

	address := common.HexToAddress(cfg.ContractAddress)
	bound := bind.NewBoundContract(address, parsedABI, cli, cli, cli)

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}

	return &EthereumClient{
		client:       cli,
		contract:     bound,
		abi:          parsedABI,
		address:      address,
		chainID:      chainID,
		opts:         opts,
		limiter:      ratelimit.NewLimiter(cfg.RPCRateRPS, cfg.RPCRateBurst),
		logger:       logger.With("component", "chain_client"),
		pollInterval: pollInterval,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// nextAccountNonce hands out the relayer account's transaction nonces. The
// pending nonce seeds the counter once; afterwards allocation is local so
// concurrent workers never reuse a nonce.
func (c *EthereumClient) nextAccountNonce(ctx context.Context) (uint64, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	if !c.nonceInit {
		pending, err := c.client.PendingNonceAt(ctx, c.opts.From)
		ratelimit.RecordRPCCall("eth_getTransactionCount", err)
		if err != nil {
			return 0, fmt.Errorf("fetch pending nonce: %w", err)
		}
		c.nonceNext = pending
		c.nonceInit = true
	}

	n := c.nonceNext
	c.nonceNext++
	return n, nil
}

// releaseNonce rolls the counter back after a submission the node never saw,
// so the gap does not stall later transactions.
func (c *EthereumClient) releaseNonce(n uint64) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	if c.nonceNext == n+1 {
		c.nonceNext = n
	}
}

func (c *EthereumClient) SubmitTip(ctx context.Context, sub Submission) (string, error) {
	if err := c.limiter.Wait(ctx, "eth_sendRawTransaction"); err != nil {
		return "", err
	}

	accountNonce, err := c.nextAccountNonce(ctx)
	if err != nil {
		return "", err
	}

	opts := *c.opts
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(accountNonce)

	tx, err := c.contract.Transact(&opts, "settleTip",
		sub.Sender, sub.Recipient, sub.Amount, sub.MessageDigest,
		new(big.Int).SetUint64(sub.Nonce), sub.Signature)
	ratelimit.RecordRPCCall("eth_sendRawTransaction", err)
	if err != nil {
		c.releaseNonce(accountNonce)
		return "", fmt.Errorf("settle tip tx: %w", err)
	}

	return tx.Hash().Hex(), nil
}

// WaitMined polls until the transaction lands in a block or ctx expires.
func (c *EthereumClient) WaitMined(ctx context.Context, txHash string) (int64, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if err := c.limiter.Wait(ctx, "eth_getTransactionReceipt"); err != nil {
			return 0, err
		}
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		ratelimit.RecordRPCCall("eth_getTransactionReceipt", err)
		if receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return 0, fmt.Errorf("execution reverted: tx %s", txHash)
			}
			return receipt.BlockNumber.Int64(), nil
		}
		if err != nil && !isNotFound(err) {
			return 0, fmt.Errorf("fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound) || strings.Contains(err.Error(), "not found")
}

func (c *EthereumClient) Confirmations(ctx context.Context, txHash string) (int, error) {
	if err := c.limiter.Wait(ctx, "eth_getTransactionReceipt"); err != nil {
		return 0, err
	}
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	ratelimit.RecordRPCCall("eth_getTransactionReceipt", err)
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("fetch receipt: %w", err)
	}

	head, err := c.HeadNumber(ctx)
	if err != nil {
		return 0, err
	}
	txBlock := receipt.BlockNumber.Uint64()
	if head < txBlock {
		return 0, nil
	}
	return int(head-txBlock) + 1, nil
}

func (c *EthereumClient) HeadNumber(ctx context.Context) (uint64, error) {
	if err := c.limiter.Wait(ctx, "eth_blockNumber"); err != nil {
		return 0, err
	}
	head, err := c.client.BlockNumber(ctx)
	ratelimit.RecordRPCCall("eth_blockNumber", err)
	if err != nil {
		return 0, fmt.Errorf("fetch head: %w", err)
	}
	return head, nil
}

// TipEvents polls the settlement contract's logs and emits decoded events on
// a typed channel. Poll failures are retried with backoff and surface on the
// error channel only for observability; the stream keeps going until ctx is
// done.
func (c *EthereumClient) TipEvents(ctx context.Context, fromBlock uint64) (<-chan model.ChainEvent, <-chan error) {
	events := make(chan model.ChainEvent, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		next := fromBlock
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			head, err := c.HeadNumber(ctx)
			if err != nil {
				c.reportStreamError(ctx, errs, err)
				continue
			}
			if head < next {
				continue
			}

			if err := c.limiter.Wait(ctx, "eth_getLogs"); err != nil {
				return
			}
			logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(next),
				ToBlock:   new(big.Int).SetUint64(head),
				Addresses: []common.Address{c.address},
				Topics:    [][]common.Hash{{tipSettledTopic}},
			})
			ratelimit.RecordRPCCall("eth_getLogs", err)
			if err != nil {
				metrics.ReconcilerReconnectsTotal.Inc()
				c.reportStreamError(ctx, errs, fmt.Errorf("filter logs: %w", err))
				continue
			}

			for _, lg := range logs {
				event, err := decodeTipSettled(lg)
				if err != nil {
					c.logger.Warn("undecodable settlement log",
						"tx_hash", lg.TxHash.Hex(), "error", err)
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
			next = head + 1
		}
	}()

	return events, errs
}

func (c *EthereumClient) reportStreamError(ctx context.Context, errs chan<- error, err error) {
	c.logger.Warn("event stream poll failed", "error", err)
	select {
	case errs <- err:
	default:
	}
	select {
	case <-ctx.Done():
	case <-time.After(c.pollInterval):
	}
}

func decodeTipSettled(lg types.Log) (model.ChainEvent, error) {
	if len(lg.Topics) != 3 {
		return model.ChainEvent{}, fmt.Errorf("expected 3 topics, got %d", len(lg.Topics))
	}
	if len(lg.Data) != 96 {
		return model.ChainEvent{}, fmt.Errorf("expected 96 data bytes, got %d", len(lg.Data))
	}

	amount := new(big.Int).SetBytes(lg.Data[:32])
	digest := common.BytesToHash(lg.Data[32:64])

	return model.ChainEvent{
		SenderAddress:    common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		RecipientAddress: common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		Amount:           amount.String(),
		MessageDigest:    digest.Hex(),
		TxHash:           lg.TxHash.Hex(),
		BlockNumber:      int64(lg.BlockNumber),
		LogIndex:         lg.Index,
	}, nil
}

func (c *EthereumClient) Close() {
	c.client.Close()
}
