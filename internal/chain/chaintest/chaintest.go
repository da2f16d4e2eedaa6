// Package chaintest wires a simulated escrow chain for tests in other
// packages.
package chaintest

import (
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/mbd888/rentescrow/internal/chain"
	"github.com/mbd888/rentescrow/internal/escrow"
	"github.com/mbd888/rentescrow/internal/fees"
)

// ChainID of every simulated test chain.
const ChainID = 31337

// ContractAddress where the simulated escrow is deployed.
var ContractAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

// TenantFunds is the genesis balance of the tenant.
var TenantFunds = uint256.NewInt(1_000_000_000_000)

// Env is a simulated chain with funded participants.
type Env struct {
	Backend *chain.SimulatedBackend
	Client  *chain.Client
	Ledger  *escrow.Ledger

	OperatorKey *ecdsa.PrivateKey
	TenantKey   *ecdsa.PrivateKey
	OwnerKey    *ecdsa.PrivateKey

	Operator common.Address
	Tenant   common.Address
	Owner    common.Address
	Platform common.Address
}

// Options tune the environment.
type Options struct {
	FeePercent       uint8
	ReleasePolicy    escrow.ReleasePolicy
	MinConfirmations uint64
	ManualMining     bool
}

// New builds an environment with a 5% fee and auto-mining.
func New(t testing.TB) *Env {
	return NewWithOptions(t, Options{FeePercent: 5})
}

// NewWithOptions builds an environment from opts.
func NewWithOptions(t testing.TB, opts Options) *Env {
	t.Helper()

	env := &Env{
		OperatorKey: mustKey(t),
		TenantKey:   mustKey(t),
		OwnerKey:    mustKey(t),
		Platform:    common.HexToAddress("0x00000000000000000000000000000000000fee00"),
	}
	env.Operator = crypto.PubkeyToAddress(env.OperatorKey.PublicKey)
	env.Tenant = crypto.PubkeyToAddress(env.TenantKey.PublicKey)
	env.Owner = crypto.PubkeyToAddress(env.OwnerKey.PublicKey)

	schedule, err := fees.NewSchedule(opts.FeePercent)
	if err != nil {
		t.Fatalf("chaintest: fee schedule: %v", err)
	}
	ledger, err := escrow.NewLedger(escrow.Config{
		Fees:          schedule,
		Platform:      env.Platform,
		Operator:      env.Operator,
		ReleasePolicy: opts.ReleasePolicy,
	})
	if err != nil {
		t.Fatalf("chaintest: ledger: %v", err)
	}
	if err := ledger.Fund(env.Tenant, TenantFunds); err != nil {
		t.Fatalf("chaintest: fund tenant: %v", err)
	}
	env.Ledger = ledger

	env.Backend = chain.NewSimulatedBackend(ledger, ContractAddress, big.NewInt(ChainID),
		chain.WithAutoMine(!opts.ManualMining))

	client, err := chain.New(chain.Config{
		ChainID:          ChainID,
		OperatorKey:      hex.EncodeToString(crypto.FromECDSA(env.OperatorKey)),
		ContractAddress:  ContractAddress.Hex(),
		MinConfirmations: opts.MinConfirmations,
		PollInterval:     5 * time.Millisecond,
	}, chain.WithBackend(env.Backend))
	if err != nil {
		t.Fatalf("chaintest: client: %v", err)
	}
	env.Client = client
	return env
}

func mustKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("chaintest: generate key: %v", err)
	}
	return k
}

// Quote returns principal + fee at the environment's fee.
func (e *Env) Quote(principal int64) *big.Int {
	_, total, err := e.Ledger.Quote(uint256.NewInt(uint64(principal)))
	if err != nil {
		panic(err)
	}
	return total.ToBig()
}
