// Package chain is the client for the RentalEscrow contract: it submits
// signed transactions, waits for receipts, reads contract state, and
// exposes the contract's event log as a per-booking sequence.
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
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/rentescrow/internal/circuitbreaker"
	"github.com/mbd888/rentescrow/internal/contract"
)

// Backend abstracts the go-ethereum client. *ethclient.Client and
// *SimulatedBackend both satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	// DefaultGasLimit is used when estimation fails for a reason other
	// than a revert.
	DefaultGasLimit = uint64(250000)

	// DefaultConfirmationTimeout bounds WaitForReceipt when no timeout is given.
	DefaultConfirmationTimeout = 60 * time.Second

	// DefaultPollInterval between receipt checks.
	DefaultPollInterval = 2 * time.Second

	// DefaultLogRange is the block span of one FilterLogs page.
	DefaultLogRange = uint64(5000)
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for creating a client.
type Config struct {
	RPCURL           string
	ChainID          int64
	OperatorKey      string // Hex string, optional for read-only clients
	ContractAddress  string
	MinConfirmations uint64
	PollInterval     time.Duration
	LogRange         uint64
}

// Option configures the client.
type Option func(*Client)

// WithBackend sets a custom backend (simulated chain, tests).
func WithBackend(b Backend) Option {
	return func(c *Client) {
		c.backend = b
	}
}

// WithBreaker shares a circuit breaker across clients.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) {
		c.breaker = b
	}
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// Call is one contract method invocation.
type Call struct {
	Method string
	Args   []interface{}
	Value  *big.Int
}

// Pending identifies a transaction that was accepted by the node.
type Pending struct {
	TxHash common.Hash
	From   common.Address
	Nonce  uint64
	Method string
}

// Receipt is a mined transaction with everything needed to verify it.
type Receipt struct {
	TxHash        common.Hash
	From          common.Address
	To            *common.Address
	Value         *big.Int
	Status        uint64
	BlockNumber   uint64
	Confirmations uint64
	Logs          []*types.Log
	RevertReason  string
}

// Succeeded reports whether execution succeeded.
func (r *Receipt) Succeeded() bool { return r.Status == types.ReceiptStatusSuccessful }

// Events decodes the logs emitted by addr, skipping anything else.
func (r *Receipt) Events(addr common.Address) []contract.Event {
	var out []contract.Event
	for _, lg := range r.Logs {
		if lg == nil || lg.Address != addr {
			continue
		}
		ev, err := contract.DecodeLog(*lg)
		if err != nil {
			continue
		}
		out = append(out, *ev)
	}
	return out
}

// Snapshot is the contract's view of one booking.
type Snapshot struct {
	BookingID  *big.Int       `json:"bookingId"`
	Tenant     common.Address `json:"tenant"`
	Owner      common.Address `json:"owner"`
	Amount     *big.Int       `json:"amount"`
	Fee        *big.Int       `json:"fee"`
	LeaseStart uint64         `json:"leaseStart"`
	LeaseEnd   uint64         `json:"leaseEnd"`
	Status     uint8          `json:"status"`
	StatusName string         `json:"statusName"`
}

// CreateParams are the createBooking arguments.
type CreateParams struct {
	BookingID  *big.Int
	Tenant     common.Address
	Owner      common.Address
	Amount     *big.Int
	LeaseStart uint64
	LeaseEnd   uint64
}

// Client talks to the escrow contract.
type Client struct {
	backend      Backend
	breaker      *circuitbreaker.Breaker
	breakerKey   string
	logger       *slog.Logger
	contract     common.Address
	chainID      *big.Int
	signer       types.Signer
	operatorKey  *ecdsa.PrivateKey
	operator     common.Address
	minConfirms  uint64
	pollInterval time.Duration
	logRange     uint64

	sendMu sync.Mutex // serializes nonce assignment per client
}

// New creates a client, dialing RPCURL unless a backend is supplied.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	c := &Client{
		contract:     common.HexToAddress(cfg.ContractAddress),
		chainID:      big.NewInt(cfg.ChainID),
		minConfirms:  cfg.MinConfirmations,
		pollInterval: cfg.PollInterval,
		logRange:     cfg.LogRange,
		breakerKey:   "rpc:" + cfg.RPCURL,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.logRange == 0 {
		c.logRange = DefaultLogRange
	}
	c.signer = types.LatestSignerForChainID(c.chainID)

	if cfg.OperatorKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.OperatorKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		c.operatorKey = key
		c.operator = crypto.PubkeyToAddress(key.PublicKey)
	}

	// Apply options
	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.New(5, 30*time.Second)
	}

	// Connect to RPC if no backend provided
	if c.backend == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrInvalidConfig)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: dial: %v", ErrChainUnavailable, err)
		}
		c.backend = client
	}

	return c, nil
}

func validateConfig(cfg Config) error {
	if cfg.ChainID == 0 {
		return fmt.Errorf("%w: chain ID required", ErrInvalidConfig)
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return fmt.Errorf("%w: contract address %q", ErrInvalidConfig, cfg.ContractAddress)
	}
	if cfg.OperatorKey != "" && len(strings.TrimPrefix(cfg.OperatorKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidKey)
	}
	return nil
}

// ContractAddress returns the escrow contract address.
func (c *Client) ContractAddress() common.Address { return c.contract }

// Operator returns the operator address, zero for read-only clients.
func (c *Client) Operator() common.Address { return c.operator }

// MinConfirmations returns the confirmation depth WaitForReceipt requires.
func (c *Client) MinConfirmations() uint64 { return c.minConfirms }

// Close closes the backend connection.
func (c *Client) Close() error {
	if c.backend != nil {
		c.backend.Close()
	}
	return nil
}

// do runs one backend call through the circuit breaker.
func (c *Client) do(op string, fn func() error) error {
	return c.breaker.Execute(c.breakerKey, countsAsOutage, fn)
}

// Head returns the latest block number.
func (c *Client) Head(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.do("block_number", func() error {
		var err error
		head, err = c.backend.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, classify("block_number", "", err)
	}
	return head, nil
}

// Ping checks the node answers, for health checks.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Head(ctx)
	return err
}

// -----------------------------------------------------------------------------
// Transactions
// -----------------------------------------------------------------------------

// Submit signs call with key and sends it. A call that would revert is
// rejected during gas estimation with a *RevertError and never sent.
func (c *Client) Submit(ctx context.Context, key *ecdsa.PrivateKey, call Call) (*Pending, error) {
	if key == nil {
		return nil, ErrNoSigner
	}
	data, err := contract.Pack(call.Method, call.Args...)
	if err != nil {
		return nil, &TxError{Op: "pack", Err: err}
	}
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var nonce uint64
	if err := c.do("nonce", func() error {
		var err error
		nonce, err = c.backend.PendingNonceAt(ctx, from)
		return err
	}); err != nil {
		return nil, &TxError{Op: "nonce", Err: classify("nonce", call.Method, err)}
	}

	var gasPrice *big.Int
	if err := c.do("gas_price", func() error {
		var err error
		gasPrice, err = c.backend.SuggestGasPrice(ctx)
		return err
	}); err != nil {
		return nil, &TxError{Op: "gas_price", Err: classify("gas_price", call.Method, err)}
	}

	var gasLimit uint64
	err = c.do("estimate_gas", func() error {
		var err error
		gasLimit, err = c.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &c.contract,
			Value: value,
			Data:  data,
		})
		return err
	})
	if err != nil {
		cerr := classify("estimate_gas", call.Method, err)
		var rev *RevertError
		if errors.As(cerr, &rev) {
			return nil, rev
		}
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, &TxError{Op: "estimate_gas", Err: cerr}
		}
		// Use default if estimation fails for another reason
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signedTx, err := types.SignTx(tx, c.signer, key)
	if err != nil {
		return nil, &TxError{Op: "sign", Err: err}
	}

	if err := c.do("send", func() error { return c.backend.SendTransaction(ctx, signedTx) }); err != nil {
		cerr := classify("send", call.Method, err)
		var rev *RevertError
		if errors.As(cerr, &rev) {
			rev.TxHash = signedTx.Hash().Hex()
			return nil, rev
		}
		return nil, &TxError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: cerr}
	}

	chainTxSubmitted.WithLabelValues(call.Method).Inc()
	c.logger.Debug("transaction submitted",
		"method", call.Method,
		"tx", signedTx.Hash().Hex(),
		"from", from.Hex(),
		"nonce", nonce,
	)

	return &Pending{
		TxHash: signedTx.Hash(),
		From:   from,
		Nonce:  nonce,
		Method: call.Method,
	}, nil
}

func (c *Client) submitAsOperator(ctx context.Context, call Call) (*Pending, error) {
	if c.operatorKey == nil {
		return nil, ErrNoSigner
	}
	return c.Submit(ctx, c.operatorKey, call)
}

// CreateBooking registers a booking, signed by the operator.
func (c *Client) CreateBooking(ctx context.Context, p CreateParams) (*Pending, error) {
	return c.submitAsOperator(ctx, Call{
		Method: contract.MethodCreateBooking,
		Args:   []interface{}{p.BookingID, p.Tenant, p.Owner, p.Amount, p.LeaseStart, p.LeaseEnd},
	})
}

// PayRent funds a booking. Tenants sign this with their own wallet; the
// method exists for tooling and tests.
func (c *Client) PayRent(ctx context.Context, key *ecdsa.PrivateKey, bookingID, value *big.Int) (*Pending, error) {
	return c.Submit(ctx, key, Call{
		Method: contract.MethodPayRent,
		Args:   []interface{}{bookingID},
		Value:  value,
	})
}

// ReleaseFunds releases a paid booking, signed by the operator.
func (c *Client) ReleaseFunds(ctx context.Context, bookingID *big.Int) (*Pending, error) {
	return c.submitAsOperator(ctx, Call{Method: contract.MethodReleaseFunds, Args: []interface{}{bookingID}})
}

// CancelBooking cancels a booking, signed by the operator.
func (c *Client) CancelBooking(ctx context.Context, bookingID *big.Int) (*Pending, error) {
	return c.submitAsOperator(ctx, Call{Method: contract.MethodCancelBooking, Args: []interface{}{bookingID}})
}

// RaiseDispute flags a paid booking as disputed, signed by the operator.
func (c *Client) RaiseDispute(ctx context.Context, bookingID *big.Int) (*Pending, error) {
	return c.submitAsOperator(ctx, Call{Method: contract.MethodRaiseDispute, Args: []interface{}{bookingID}})
}

// -----------------------------------------------------------------------------
// Receipts
// -----------------------------------------------------------------------------

// Receipt fetches a mined transaction. ErrReceiptNotFound means it is
// unknown or still pending.
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var rcpt *types.Receipt
	if err := c.do("receipt", func() error {
		var err error
		rcpt, err = c.backend.TransactionReceipt(ctx, hash)
		return err
	}); err != nil {
		return nil, classify("receipt", "", err)
	}
	if rcpt == nil || rcpt.BlockNumber == nil {
		return nil, ErrReceiptNotFound
	}

	var (
		tx      *types.Transaction
		pending bool
	)
	if err := c.do("transaction", func() error {
		var err error
		tx, pending, err = c.backend.TransactionByHash(ctx, hash)
		return err
	}); err != nil {
		return nil, classify("transaction", "", err)
	}
	if pending {
		return nil, ErrReceiptNotFound
	}

	from, err := types.Sender(c.signer, tx)
	if err != nil {
		return nil, &TxError{Op: "sender", TxHash: hash.Hex(), Err: err}
	}

	head, err := c.Head(ctx)
	if err != nil {
		return nil, err
	}

	block := rcpt.BlockNumber.Uint64()
	var confirmations uint64
	if head >= block {
		confirmations = head - block + 1
	}

	r := &Receipt{
		TxHash:        hash,
		From:          from,
		To:            tx.To(),
		Value:         tx.Value(),
		Status:        rcpt.Status,
		BlockNumber:   block,
		Confirmations: confirmations,
		Logs:          rcpt.Logs,
	}
	if !r.Succeeded() {
		r.RevertReason = c.replayReason(ctx, tx, from, block)
	}
	return r, nil
}

// replayReason re-executes a failed transaction as a call against the
// parent block to recover its revert string.
func (c *Client) replayReason(ctx context.Context, tx *types.Transaction, from common.Address, block uint64) string {
	var at *big.Int
	if block > 0 {
		at = new(big.Int).SetUint64(block - 1)
	}
	err := c.do("replay", func() error {
		_, err := c.backend.CallContract(ctx, ethereum.CallMsg{
			From:  from,
			To:    tx.To(),
			Value: tx.Value(),
			Data:  tx.Data(),
		}, at)
		return err
	})
	if reason, ok := revertReason(err); ok && reason != "" {
		return reason
	}
	return "execution reverted"
}

// WaitForReceipt polls until hash is mined with at least MinConfirmations
// confirmations. A reverted transaction returns its receipt together with
// a *RevertError.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*Receipt, error) {
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	start := time.Now()
	defer func() { chainReceiptWait.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		r, err := c.Receipt(ctx, hash)
		switch {
		case err == nil && r.Confirmations >= c.minConfirms:
			if !r.Succeeded() {
				return r, &RevertError{TxHash: hash.Hex(), Reason: r.RevertReason}
			}
			return r, nil
		case err == nil, errors.Is(err, ErrReceiptNotFound):
			// Not mined or not deep enough yet, keep waiting.
		case errors.Is(err, ErrChainUnavailable):
			c.logger.Warn("receipt poll failed", "tx", hash.Hex(), "error", err)
		default:
			if ctx.Err() == nil {
				return nil, err
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrConfirmationTimeout, hash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Transact submits an operator call and waits for its confirmed receipt.
func (c *Client) Transact(ctx context.Context, call Call, timeout time.Duration) (*Receipt, error) {
	p, err := c.submitAsOperator(ctx, call)
	if err != nil {
		return nil, err
	}
	r, err := c.WaitForReceipt(ctx, p.TxHash, timeout)
	var rev *RevertError
	if errors.As(err, &rev) {
		rev.Method = call.Method
	}
	return r, err
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	var out []byte
	if err := c.do("call", func() error {
		var err error
		out, err = c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
		return err
	}); err != nil {
		return nil, classify("call", method, err)
	}
	a := contract.ABI()
	values, err := a.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	return values, nil
}

// BookingStatus returns the on-chain status code of a booking.
func (c *Client) BookingStatus(ctx context.Context, bookingID *big.Int) (uint8, error) {
	values, err := c.call(ctx, contract.MethodGetBookingStatus, bookingID)
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("chain: getBookingStatus returned %d values", len(values))
	}
	status, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("chain: getBookingStatus returned %T", values[0])
	}
	return status, nil
}

// BookingDetails returns the contract's record of a booking.
func (c *Client) BookingDetails(ctx context.Context, bookingID *big.Int) (*Snapshot, error) {
	values, err := c.call(ctx, contract.MethodGetBookingDetails, bookingID)
	if err != nil {
		return nil, err
	}
	if len(values) != 7 {
		return nil, fmt.Errorf("chain: getBookingDetails returned %d values", len(values))
	}
	s := &Snapshot{BookingID: new(big.Int).Set(bookingID)}
	var ok [7]bool
	s.Tenant, ok[0] = values[0].(common.Address)
	s.Owner, ok[1] = values[1].(common.Address)
	s.Amount, ok[2] = values[2].(*big.Int)
	s.Fee, ok[3] = values[3].(*big.Int)
	s.LeaseStart, ok[4] = values[4].(uint64)
	s.LeaseEnd, ok[5] = values[5].(uint64)
	s.Status, ok[6] = values[6].(uint8)
	for i, good := range ok {
		if !good {
			return nil, fmt.Errorf("chain: getBookingDetails value %d has type %T", i, values[i])
		}
	}
	s.StatusName = contract.StatusName(s.Status)
	return s, nil
}

// Quote asks the contract for the fee and total on a principal.
func (c *Client) Quote(ctx context.Context, amount *big.Int) (fee, total *big.Int, err error) {
	values, err := c.call(ctx, contract.MethodQuote, amount)
	if err != nil {
		return nil, nil, err
	}
	if len(values) != 2 {
		return nil, nil, fmt.Errorf("chain: quote returned %d values", len(values))
	}
	fee, ok1 := values[0].(*big.Int)
	total, ok2 := values[1].(*big.Int)
	if !ok1 || !ok2 {
		return nil, nil, fmt.Errorf("chain: quote returned %T, %T", values[0], values[1])
	}
	return fee, total, nil
}

// FeePercent reads the contract's fee percentage.
func (c *Client) FeePercent(ctx context.Context) (uint8, error) {
	values, err := c.call(ctx, contract.MethodFeePercent)
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("chain: feePercent returned %d values", len(values))
	}
	p, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("chain: feePercent returned %T", values[0])
	}
	return p, nil
}
