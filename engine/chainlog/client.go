// Package chainlog wraps the EVM audit-log contract (C3) and maintains an
// in-memory projection of it (C4, cache.go).
package chainlog

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
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

	"github.com/kinic-gateway/memory-agent/engine/domain"
)

// Config configures the ChainLogClient's connection to the audit contract.
type Config struct {
	RPCURL          string
	SignerKey       string // hex-encoded private key, or PEM (PKCS8/SEC1)
	ContractAddress string
	Confirmations   uint64
	GasMultiplier   float64
	ReceiptTimeout  time.Duration
}

// Client is the sole owner of the EVM signer and contract binding. Writes
// serialize on signerMu to guarantee monotonically increasing nonces; reads
// use the same underlying client concurrently.
type Client struct {
	eth      *ethclient.Client
	contract *bind.BoundContract
	addr     common.Address
	abi      abi.ABI
	chainID  *big.Int
	privKey  *ecdsa.PrivateKey
	from     common.Address

	confirmations  uint64
	gasMultiplier  float64
	receiptTimeout time.Duration

	signerMu sync.Mutex
	log      *slog.Logger
}

// New dials rpcURL, parses the signer key, and binds the contract ABI.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, domain.Wrap(domain.KindRemoteUnavailable, "dial chain rpc", err).WithBackend("chain")
	}

	key, err := parseSignerKey(cfg.SignerKey)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "parse signer key", err)
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, domain.Wrap(domain.KindRemoteUnavailable, "fetch chain id", err).WithBackend("chain")
	}

	parsed, err := parsedABI()
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "parse contract abi", err)
	}

	addr := common.HexToAddress(cfg.ContractAddress)
	bound := bind.NewBoundContract(addr, parsed, eth, eth, eth)

	gasMultiplier := cfg.GasMultiplier
	if gasMultiplier <= 0 {
		gasMultiplier = 1.2
	}
	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}
	receiptTimeout := cfg.ReceiptTimeout
	if receiptTimeout == 0 {
		receiptTimeout = 20 * time.Second
	}

	return &Client{
		eth:            eth,
		contract:       bound,
		addr:           addr,
		abi:            parsed,
		chainID:        chainID,
		privKey:        key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		confirmations:  confirmations,
		gasMultiplier:  gasMultiplier,
		receiptTimeout: receiptTimeout,
		log:            log,
	}, nil
}

// parseSignerKey accepts a raw hex private key or a PEM-encoded SEC1/PKCS8
// key, failing loudly rather than silently slicing malformed bytes.
func parseSignerKey(raw string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimSpace(raw)
	if block, _ := pem.Decode([]byte(trimmed)); block != nil {
		if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
			return key, nil
		}
		if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
			if ecKey, ok := key.(*ecdsa.PrivateKey); ok {
				return ecKey, nil
			}
			return nil, fmt.Errorf("chainlog: PKCS8 key is not ECDSA")
		}
		return nil, fmt.Errorf("chainlog: could not parse PEM signer key")
	}
	return crypto.HexToECDSA(strings.TrimPrefix(trimmed, "0x"))
}

// WriteLog validates field bounds (I6), signs, submits, and waits for
// confirmation. Writes serialize on signerMu to guarantee monotonically
// increasing nonces (§5 shared-resources policy).
func (c *Client) WriteLog(ctx context.Context, opType uint8, title, summary, tagsString string, fingerprint [32]byte) (TxOutcome, error) {
	if opType > 1 {
		return TxOutcome{}, domain.NewError(domain.KindBadRequest, "opType must be 0 or 1")
	}
	if title == "" || len(title) > 100 {
		return TxOutcome{}, domain.NewError(domain.KindBadRequest, "title must be non-empty and at most 100 bytes")
	}
	if len(summary) > 200 {
		return TxOutcome{}, domain.NewError(domain.KindBadRequest, "summary exceeds 200 bytes")
	}

	c.signerMu.Lock()
	defer c.signerMu.Unlock()

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return TxOutcome{}, domain.Wrap(domain.KindRemoteUnavailable, "fetch nonce", err).WithBackend("chain")
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return TxOutcome{}, domain.Wrap(domain.KindRemoteUnavailable, "suggest gas price", err).WithBackend("chain")
	}

	auth, err := bind.NewKeyedTransactorWithChainID(c.privKey, c.chainID)
	if err != nil {
		return TxOutcome{}, domain.Wrap(domain.KindInternal, "build transactor", err)
	}
	auth.Context = ctx
	auth.Nonce = big.NewInt(int64(nonce))
	auth.GasPrice = gasPrice

	callData, err := c.abi.Pack("logMemory", opType, title, summary, tagsString, fingerprint)
	if err != nil {
		return TxOutcome{}, domain.Wrap(domain.KindInternal, "encode logMemory call", err)
	}
	estimated, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &c.addr, Data: callData})
	if err != nil {
		if strings.Contains(err.Error(), "insufficient funds") {
			return TxOutcome{}, domain.Wrap(domain.KindInsufficientFunds, "gas estimate", err).WithBackend("chain")
		}
		return TxOutcome{}, classifyRevert(err)
	}
	auth.GasLimit = uint64(float64(estimated) * c.gasMultiplier)

	tx, err := c.contract.Transact(auth, "logMemory", opType, title, summary, tagsString, fingerprint)
	if err != nil {
		if strings.Contains(err.Error(), "insufficient funds") {
			return TxOutcome{}, domain.Wrap(domain.KindInsufficientFunds, "submit transaction", err).WithBackend("chain")
		}
		return TxOutcome{}, domain.Wrap(domain.KindRemoteUnavailable, "submit transaction", err).WithBackend("chain")
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, c.eth, tx)
	if err != nil {
		return TxOutcome{}, domain.Wrap(domain.KindTimeout, "wait for receipt", err).WithBackend("chain")
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return TxOutcome{}, c.decodeRevert(ctx, auth, callData, receipt)
	}

	id, err := c.idFromReceipt(receipt)
	if err != nil {
		return TxOutcome{TxHash: tx.Hash().Hex()}, nil
	}
	return TxOutcome{TxHash: tx.Hash().Hex(), ID: id}, nil
}

func (c *Client) idFromReceipt(receipt *types.Receipt) (int64, error) {
	event := c.abi.Events["MemoryLogged"]
	for _, l := range receipt.Logs {
		if len(l.Topics) == 0 || l.Topics[0] != event.ID {
			continue
		}
		if len(l.Topics) < 2 {
			continue
		}
		return new(big.Int).SetBytes(l.Topics[1].Bytes()).Int64(), nil
	}
	return 0, fmt.Errorf("chainlog: MemoryLogged not found in receipt")
}

func (c *Client) decodeRevert(ctx context.Context, auth *bind.TransactOpts, callData []byte, receipt *types.Receipt) error {
	result, callErr := c.eth.CallContract(ctx, ethereum.CallMsg{
		From: c.from,
		To:   &c.addr,
		Data: callData,
	}, receipt.BlockNumber)
	if callErr == nil {
		if reason, err := abi.UnpackRevert(result); err == nil && reason != "" {
			return domain.NewError(domain.KindReverted, reason).WithBackend("chain")
		}
	}
	return domain.NewError(domain.KindReverted, "transaction reverted").WithBackend("chain")
}

func classifyRevert(err error) error {
	if reason, unpackErr := abi.UnpackRevert([]byte(err.Error())); unpackErr == nil && reason != "" {
		return domain.Wrap(domain.KindReverted, reason, err).WithBackend("chain")
	}
	return domain.Wrap(domain.KindRemoteRejected, "gas estimate rejected", err).WithBackend("chain")
}

// GetTotal returns the total number of memories logged on-chain.
func (c *Client) GetTotal(ctx context.Context) (int64, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getTotalMemories"); err != nil {
		return 0, domain.Wrap(domain.KindRemoteUnavailable, "getTotalMemories", err).WithBackend("chain")
	}
	total, ok := out[0].(*big.Int)
	if !ok {
		return 0, domain.NewError(domain.KindInternal, "unexpected getTotalMemories return type")
	}
	return total.Int64(), nil
}

// GetByID fetches one AuditRecord by its on-chain id. It is the fallback
// path when event-log pagination (ListEvents) cannot be used.
func (c *Client) GetByID(ctx context.Context, id int64) (AuditRecord, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getMemory", big.NewInt(id)); err != nil {
		return AuditRecord{}, domain.Wrap(domain.KindRemoteUnavailable, "getMemory", err).WithBackend("chain")
	}
	if len(out) != 7 {
		return AuditRecord{}, domain.NewError(domain.KindInternal, "unexpected getMemory arity")
	}

	user, _ := out[0].(common.Address)
	opType, _ := out[1].(uint8)
	title, _ := out[2].(string)
	summary, _ := out[3].(string)
	tags, _ := out[4].(string)
	hash, _ := out[5].([32]byte)
	timestamp, _ := out[6].(*big.Int)

	return AuditRecord{
		ID:          id,
		User:        user.Hex(),
		OpType:      opType,
		Title:       title,
		Summary:     summary,
		Tags:        tags,
		ContentHash: "0x" + common.Bytes2Hex(hash[:]),
		Timestamp:   timestamp.Int64(),
	}, nil
}

// ListEvents fetches MemoryLogged events in [fromBlock, toBlock] and
// resolves each into a full AuditRecord via GetByID, since the event itself
// omits summary/contentHash/timestamp.
func (c *Client) ListEvents(ctx context.Context, fromBlock, toBlock uint64) ([]AuditRecord, error) {
	event := c.abi.Events["MemoryLogged"]
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.addr},
		Topics:    [][]common.Hash{{event.ID}},
	}
	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, domain.Wrap(domain.KindRemoteUnavailable, "filter MemoryLogged logs", err).WithBackend("chain")
	}

	records := make([]AuditRecord, 0, len(logs))
	for _, l := range logs {
		if len(l.Topics) < 2 {
			continue
		}
		id := new(big.Int).SetBytes(l.Topics[1].Bytes()).Int64()
		record, err := c.GetByID(ctx, id)
		if err != nil {
			return records, err
		}
		records = append(records, record)
	}
	return records, nil
}
