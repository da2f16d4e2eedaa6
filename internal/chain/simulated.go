package chain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/mbd888/rentescrow/internal/contract"
	"github.com/mbd888/rentescrow/internal/escrow"
)

// ErrSimulatedOutage is returned by every SimulatedBackend call while an
// outage is switched on.
var ErrSimulatedOutage = errors.New("simulated: connection refused")

// revertSelector is the 4-byte selector of Error(string).
var revertSelector = crypto.Keccak256([]byte("Error(string)"))[:4]

// simRevertError mirrors the JSON-RPC error geth returns for a revert:
// code 3 with the ABI-encoded reason as data.
type simRevertError struct {
	reason string
	data   string
}

func (e *simRevertError) Error() string          { return "execution reverted: " + e.reason }
func (e *simRevertError) ErrorCode() int         { return 3 }
func (e *simRevertError) ErrorData() interface{} { return e.data }

func newSimRevert(reason string) *simRevertError {
	strTy, _ := abi.NewType("string", "", nil)
	packed, err := abi.Arguments{{Type: strTy}}.Pack(reason)
	if err != nil {
		return &simRevertError{reason: reason}
	}
	data := append(append([]byte{}, revertSelector...), packed...)
	return &simRevertError{reason: reason, data: hexutil.Encode(data)}
}

type simTx struct {
	tx      *types.Transaction
	from    common.Address
	receipt *types.Receipt
}

// SimulatedBackend is an in-process chain that executes the escrow
// contract on an escrow.Ledger. It signs nothing and charges no gas; it
// recovers senders, assigns nonces, mines blocks, and serves receipts and
// logs the way a node would. Blocks are mined on every transaction when
// auto-mining is on, otherwise on Commit.
type SimulatedBackend struct {
	mu       sync.Mutex
	ledger   *escrow.Ledger
	contract common.Address
	chainID  *big.Int
	signer   types.Signer
	autoMine bool

	head    uint64
	pending []*simTx
	txs     map[common.Hash]*simTx
	logs    []types.Log
	nonces  map[common.Address]uint64

	down atomic.Bool
}

// SimOption configures a SimulatedBackend.
type SimOption func(*SimulatedBackend)

// WithAutoMine mines a block for every accepted transaction.
func WithAutoMine(on bool) SimOption {
	return func(s *SimulatedBackend) { s.autoMine = on }
}

// NewSimulatedBackend creates a chain at block 0 with the escrow contract
// deployed at contractAddr.
func NewSimulatedBackend(ledger *escrow.Ledger, contractAddr common.Address, chainID *big.Int, opts ...SimOption) *SimulatedBackend {
	s := &SimulatedBackend{
		ledger:   ledger,
		contract: contractAddr,
		chainID:  new(big.Int).Set(chainID),
		signer:   types.LatestSignerForChainID(chainID),
		txs:      make(map[common.Hash]*simTx),
		nonces:   make(map[common.Address]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ledger exposes the contract state, for funding accounts and assertions.
func (s *SimulatedBackend) Ledger() *escrow.Ledger { return s.ledger }

// SetOutage makes every call fail with ErrSimulatedOutage while on.
func (s *SimulatedBackend) SetOutage(on bool) { s.down.Store(on) }

func (s *SimulatedBackend) check() error {
	if s.down.Load() {
		return ErrSimulatedOutage
	}
	return nil
}

// Commit mines the pending transactions into a new block and returns its
// number. An empty pool still produces a block.
func (s *SimulatedBackend) Commit() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked()
}

// Mine produces n blocks, adding confirmations to earlier ones.
func (s *SimulatedBackend) Mine(n int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.commitLocked()
	}
	return s.head
}

func blockHash(n uint64) common.Hash {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return crypto.Keccak256Hash([]byte("rentescrow-sim-block"), b[:])
}

func (s *SimulatedBackend) commitLocked() uint64 {
	s.head++
	number := s.head
	hash := blockHash(number)
	var logIndex uint

	for i, st := range s.pending {
		events, err := s.execute(s.ledger, st.from, st.tx.To(), st.tx.Value(), st.tx.Data())
		rcpt := &types.Receipt{
			Type:             st.tx.Type(),
			TxHash:           st.tx.Hash(),
			BlockNumber:      new(big.Int).SetUint64(number),
			BlockHash:        hash,
			TransactionIndex: uint(i),
			GasUsed:          21000,
			Status:           types.ReceiptStatusSuccessful,
		}
		if err != nil {
			rcpt.Status = types.ReceiptStatusFailed
		} else {
			for _, ev := range events {
				ev.Contract = s.contract
				ev.BlockNumber = number
				ev.TxHash = st.tx.Hash()
				ev.TxIndex = uint(i)
				ev.LogIndex = logIndex
				lg, lerr := contract.EncodeLog(ev)
				if lerr != nil {
					continue
				}
				lg.BlockHash = hash
				logIndex++
				rcpt.Logs = append(rcpt.Logs, lg)
				s.logs = append(s.logs, *lg)
			}
		}
		st.receipt = rcpt
	}
	s.pending = nil
	return number
}

// execute runs calldata against ledger as caller. Value sent to an address
// other than the contract is a plain transfer.
func (s *SimulatedBackend) execute(l *escrow.Ledger, caller common.Address, to *common.Address, value *big.Int, data []byte) ([]contract.Event, error) {
	v := new(uint256.Int)
	if value != nil {
		var overflow bool
		v, overflow = uint256.FromBig(value)
		if overflow {
			return nil, escrow.ErrOverflow
		}
	}

	if to == nil || *to != s.contract {
		if v.IsZero() {
			return nil, nil
		}
		if err := l.Debit(caller, v); err != nil {
			return nil, err
		}
		if to != nil {
			return nil, l.Fund(*to, v)
		}
		return nil, nil
	}

	m, args, err := contract.MethodByData(data)
	if err != nil {
		return nil, &escrow.RevertError{Reason: "unknown method"}
	}
	if !m.IsPayable() && !v.IsZero() {
		return nil, &escrow.RevertError{Reason: "non-payable method"}
	}

	id := func() (*uint256.Int, error) {
		raw, _ := args[0].(*big.Int)
		return escrow.BigID(raw)
	}

	var ev contract.Event
	switch m.Name {
	case contract.MethodCreateBooking:
		in, err := createInput(args)
		if err != nil {
			return nil, err
		}
		ev, err = l.CreateBooking(caller, in)
		if err != nil {
			return nil, err
		}
	case contract.MethodPayRent:
		bid, err := id()
		if err != nil {
			return nil, err
		}
		if ev, err = l.PayRent(caller, bid, v); err != nil {
			return nil, err
		}
	case contract.MethodReleaseFunds:
		bid, err := id()
		if err != nil {
			return nil, err
		}
		if ev, err = l.ReleaseFunds(caller, bid); err != nil {
			return nil, err
		}
	case contract.MethodCancelBooking:
		bid, err := id()
		if err != nil {
			return nil, err
		}
		if ev, err = l.CancelBooking(caller, bid); err != nil {
			return nil, err
		}
	case contract.MethodRaiseDispute:
		bid, err := id()
		if err != nil {
			return nil, err
		}
		if ev, err = l.RaiseDispute(caller, bid); err != nil {
			return nil, err
		}
	default:
		// Views do not change state.
		return nil, nil
	}
	return []contract.Event{ev}, nil
}

func createInput(args []interface{}) (escrow.CreateInput, error) {
	if len(args) != 6 {
		return escrow.CreateInput{}, &escrow.RevertError{Reason: "bad arguments"}
	}
	rawID, _ := args[0].(*big.Int)
	tenant, _ := args[1].(common.Address)
	owner, _ := args[2].(common.Address)
	rawAmount, _ := args[3].(*big.Int)
	start, _ := args[4].(uint64)
	end, _ := args[5].(uint64)

	id, err := escrow.BigID(rawID)
	if err != nil {
		return escrow.CreateInput{}, err
	}
	amt, err := escrow.BigID(rawAmount)
	if err != nil {
		return escrow.CreateInput{}, escrow.ErrZeroAmount
	}
	return escrow.CreateInput{
		BookingID: id, Tenant: tenant, Owner: owner, Amount: amt,
		LeaseStart: start, LeaseEnd: end,
	}, nil
}

// asRPCError converts a ledger revert into the error shape a node returns.
func asRPCError(err error) error {
	var rev *escrow.RevertError
	if errors.As(err, &rev) {
		return newSimRevert(rev.Reason)
	}
	return err
}

// -----------------------------------------------------------------------------
// Backend
// -----------------------------------------------------------------------------

var _ Backend = (*SimulatedBackend)(nil)

func (s *SimulatedBackend) ChainID(ctx context.Context) (*big.Int, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return new(big.Int).Set(s.chainID), nil
}

func (s *SimulatedBackend) BlockNumber(ctx context.Context) (uint64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, nil
}

func (s *SimulatedBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[account], nil
}

func (s *SimulatedBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return big.NewInt(1_000_000_000), nil
}

// EstimateGas dry-runs the call and reports a revert the way a node does.
func (s *SimulatedBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if _, err := s.execute(s.ledger.Clone(), call.From, call.To, call.Value, call.Data); err != nil {
		return 0, asRPCError(err)
	}
	return 100_000, nil
}

// SendTransaction accepts a signed transaction into the pool. Contract
// reverts are not rejected here; they produce a failed receipt.
func (s *SimulatedBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := s.check(); err != nil {
		return err
	}
	from, err := types.Sender(s.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, known := s.txs[tx.Hash()]; known {
		return errors.New("already known")
	}
	want := s.nonces[from]
	switch {
	case tx.Nonce() < want:
		return fmt.Errorf("nonce too low: address %s, tx: %d state: %d", from.Hex(), tx.Nonce(), want)
	case tx.Nonce() > want:
		return fmt.Errorf("nonce too high: address %s, tx: %d state: %d", from.Hex(), tx.Nonce(), want)
	}
	if v := tx.Value(); v != nil && v.Sign() > 0 {
		bal := s.ledger.BalanceOf(from).ToBig()
		if bal.Cmp(v) < 0 {
			return fmt.Errorf("insufficient funds for gas * price + value: address %s have %s want %s", from.Hex(), bal, v)
		}
	}

	s.nonces[from] = want + 1
	st := &simTx{tx: tx, from: from}
	s.txs[tx.Hash()] = st
	s.pending = append(s.pending, st)

	if s.autoMine {
		s.commitLocked()
	}
	return nil
}

func (s *SimulatedBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.txs[txHash]
	if !ok || st.receipt == nil {
		return nil, ethereum.NotFound
	}
	return st.receipt, nil
}

func (s *SimulatedBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if err := s.check(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return st.tx, st.receipt == nil, nil
}

// CallContract answers views and dry-runs state-changing calls against
// the current state. The block number is ignored.
func (s *SimulatedBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if call.To == nil || *call.To != s.contract {
		return nil, nil
	}
	m, args, err := contract.MethodByData(call.Data)
	if err != nil {
		return nil, newSimRevert("unknown method")
	}

	id := func() (*uint256.Int, error) {
		raw, _ := args[0].(*big.Int)
		return escrow.BigID(raw)
	}

	switch m.Name {
	case contract.MethodGetBookingStatus:
		bid, err := id()
		if err != nil {
			return nil, asRPCError(err)
		}
		st, err := s.ledger.Status(bid)
		if err != nil {
			return nil, asRPCError(err)
		}
		return m.Outputs.Pack(uint8(st))
	case contract.MethodGetBookingDetails:
		bid, err := id()
		if err != nil {
			return nil, asRPCError(err)
		}
		r, err := s.ledger.Details(bid)
		if err != nil {
			return nil, asRPCError(err)
		}
		return m.Outputs.Pack(r.Tenant, r.Owner, r.Amount.ToBig(), r.Fee.ToBig(), r.LeaseStart, r.LeaseEnd, uint8(r.Status))
	case contract.MethodQuote:
		raw, _ := args[0].(*big.Int)
		p, overflow := uint256.FromBig(raw)
		if overflow {
			return nil, newSimRevert(escrow.ErrOverflow.Reason)
		}
		fee, total, err := s.ledger.Quote(p)
		if err != nil {
			return nil, asRPCError(err)
		}
		return m.Outputs.Pack(fee.ToBig(), total.ToBig())
	case contract.MethodFeePercent:
		return m.Outputs.Pack(s.ledger.FeePercent())
	}

	if _, err := s.execute(s.ledger.Clone(), call.From, call.To, call.Value, call.Data); err != nil {
		return nil, asRPCError(err)
	}
	return nil, nil
}

// FilterLogs matches mined logs by block range, address, and positional
// topic sets.
func (s *SimulatedBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	from := uint64(0)
	if q.FromBlock != nil {
		from = q.FromBlock.Uint64()
	}
	to := s.head
	if q.ToBlock != nil && q.ToBlock.Uint64() < to {
		to = q.ToBlock.Uint64()
	}

	var out []types.Log
	for _, lg := range s.logs {
		if lg.BlockNumber < from || lg.BlockNumber > to {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddr(q.Addresses, lg.Address) {
			continue
		}
		if !topicsMatch(q.Topics, lg.Topics) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func containsAddr(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func topicsMatch(filter [][]common.Hash, topics []common.Hash) bool {
	if len(filter) > len(topics) {
		return false
	}
	for i, set := range filter {
		if len(set) == 0 {
			continue
		}
		match := false
		for _, h := range set {
			if h == topics[i] {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}

func (s *SimulatedBackend) Close() {}

// MineEvery commits a block on every tick until ctx is done, giving a
// development server a chain that advances on its own.
func (s *SimulatedBackend) MineEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Commit()
		}
	}
}
