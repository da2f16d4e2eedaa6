package server

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/rentescrow/internal/chain"
	"github.com/mbd888/rentescrow/internal/config"
	"github.com/mbd888/rentescrow/internal/escrow"
	"github.com/mbd888/rentescrow/internal/fees"
)

// simBlockInterval is how often the simulated chain produces an empty block,
// so confirmations accrue without traffic.
const simBlockInterval = 2 * time.Second

// setupChain connects the chain client: a JSON-RPC node in rpc mode, or an
// in-process escrow ledger in simulated mode.
func (s *Server) setupChain(schedule fees.Schedule, policy escrow.ReleasePolicy) error {
	ccfg := chain.Config{
		RPCURL:           s.cfg.RPCURL,
		ChainID:          s.cfg.ChainID,
		OperatorKey:      s.cfg.OperatorKey,
		ContractAddress:  s.cfg.ContractAddress,
		MinConfirmations: s.cfg.MinConfirmations,
	}

	var opts []chain.Option
	opts = append(opts, chain.WithLogger(s.logger))

	if s.cfg.ChainMode == config.ChainSimulated {
		if ccfg.OperatorKey == "" {
			key, err := crypto.GenerateKey()
			if err != nil {
				return fmt.Errorf("failed to generate operator key: %w", err)
			}
			ccfg.OperatorKey = hex.EncodeToString(crypto.FromECDSA(key))
		}
		key, err := crypto.HexToECDSA(trimHex(ccfg.OperatorKey))
		if err != nil {
			return fmt.Errorf("%w: %v", chain.ErrInvalidKey, err)
		}

		ledger, err := escrow.NewLedger(escrow.Config{
			Fees:          schedule,
			Platform:      common.HexToAddress(s.cfg.PlatformAddress),
			Operator:      crypto.PubkeyToAddress(key.PublicKey),
			ReleasePolicy: policy,
		})
		if err != nil {
			return err
		}
		s.sim = chain.NewSimulatedBackend(ledger, common.HexToAddress(s.cfg.ContractAddress),
			big.NewInt(s.cfg.ChainID), chain.WithAutoMine(true))
		opts = append(opts, chain.WithBackend(s.sim))
		s.logger.Warn("using simulated chain, escrow state is lost on restart")
	}

	client, err := chain.New(ccfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create chain client: %w", err)
	}
	s.chain = client

	// The booking ledger prices rent with the configured fee; a contract
	// charging something else would reject every payment.
	if s.sim == nil {
		if err := s.checkContractFee(schedule); err != nil {
			_ = client.Close()
			return err
		}
	}
	return nil
}

func (s *Server) checkContractFee(schedule fees.Schedule) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	onChain, err := s.chain.FeePercent(ctx)
	if err != nil {
		// An unreachable node is reported by /health; startup continues.
		s.logger.Warn("could not read contract fee", "error", err)
		return nil
	}
	if onChain != schedule.Percent() {
		return fmt.Errorf("FEE_PERCENT is %d but the contract charges %d", schedule.Percent(), onChain)
	}
	return nil
}

func trimHex(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
