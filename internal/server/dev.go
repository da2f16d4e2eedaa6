package server

import (
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"

	"github.com/mbd888/rentescrow/internal/amount"
	"github.com/mbd888/rentescrow/internal/auth"
	"github.com/mbd888/rentescrow/internal/booking"
	"github.com/mbd888/rentescrow/internal/chain"
	"github.com/mbd888/rentescrow/internal/contract"
	"github.com/mbd888/rentescrow/internal/validation"
)

// DefaultDevFunds is the balance of a new development account: 1000 ETH.
var DefaultDevFunds = new(big.Int).Mul(big.NewInt(1000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// devTokenTTL bounds development tokens.
const devTokenTTL = 24 * time.Hour

// walletMethods are the contract calls a development wallet may sign.
var walletMethods = map[string]bool{
	contract.MethodPayRent:       true,
	contract.MethodReleaseFunds:  true,
	contract.MethodCancelBooking: true,
	contract.MethodRaiseDispute:  true,
}

// registerDevRoutes exposes wallet tooling for the simulated chain: funded
// accounts, signed contract calls and caller tokens. Tenants and owners have
// no node to talk to otherwise.
func (s *Server) registerDevRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", s.createDevAccount)
	r.GET("/accounts/:address", validation.AddressParamMiddleware(), s.getDevAccount)
	r.POST("/transactions", s.sendDevTransaction)
	r.POST("/tokens", s.issueDevToken)
}

// DevAccountRequest optionally overrides the genesis balance.
type DevAccountRequest struct {
	Funds string `json:"funds"`
}

func (s *Server) createDevAccount(c *gin.Context) {
	var req DevAccountRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			devBadRequest(c, "Invalid request body")
			return
		}
	}
	funds := DefaultDevFunds
	if req.Funds != "" {
		v, err := amount.Parse(req.Funds)
		if err != nil {
			devBadRequest(c, err.Error())
			return
		}
		funds = v
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "key generation failed"})
		return
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	if err := s.sim.Ledger().Fund(addr, uint256.MustFromBig(funds)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"address":    strings.ToLower(addr.Hex()),
		"privateKey": "0x" + common.Bytes2Hex(crypto.FromECDSA(key)),
		"balance":    funds.String(),
	})
}

func (s *Server) getDevAccount(c *gin.Context) {
	addr := common.HexToAddress(c.Param("address"))
	c.JSON(http.StatusOK, gin.H{
		"address": strings.ToLower(addr.Hex()),
		"balance": s.sim.Ledger().BalanceOf(addr).Dec(),
	})
}

// DevTransactionRequest is a contract call signed with a development key.
type DevTransactionRequest struct {
	PrivateKey string `json:"privateKey" binding:"required"`
	Method     string `json:"method" binding:"required"`
	BookingID  string `json:"bookingId" binding:"required"`
	Value      string `json:"value"`
}

func (s *Server) sendDevTransaction(c *gin.Context) {
	var req DevTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		devBadRequest(c, "privateKey, method and bookingId are required")
		return
	}
	if !walletMethods[req.Method] {
		devBadRequest(c, "method must be payRent, releaseFunds, cancelBooking or raiseDispute")
		return
	}
	key, err := crypto.HexToECDSA(trimHex(req.PrivateKey))
	if err != nil {
		devBadRequest(c, "privateKey must be 64 hex characters")
		return
	}
	id, err := booking.ParseID(req.BookingID)
	if err != nil {
		devBadRequest(c, err.Error())
		return
	}
	call := chain.Call{Method: req.Method, Args: []interface{}{id}}
	if req.Value != "" {
		if call.Value, err = amount.Parse(req.Value); err != nil {
			devBadRequest(c, err.Error())
			return
		}
	}

	pending, err := s.chain.Submit(c.Request.Context(), key, call)
	if err != nil {
		var rev *chain.RevertError
		switch {
		case errors.As(err, &rev):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "reverted", "message": rev.Reason})
		case errors.Is(err, chain.ErrChainUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chain_unavailable", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"transactionHash": pending.TxHash.Hex(),
		"from":            strings.ToLower(pending.From.Hex()),
		"method":          pending.Method,
		"contractAddress": s.chain.ContractAddress().Hex(),
	})
}

// DevTokenRequest asks for a caller token.
type DevTokenRequest struct {
	Address  string `json:"address" binding:"required"`
	Operator bool   `json:"operator"`
}

func (s *Server) issueDevToken(c *gin.Context) {
	var req DevTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || !validation.IsValidEthAddress(req.Address) {
		devBadRequest(c, "a valid address is required")
		return
	}
	addr := req.Address
	var roles []string
	if req.Operator {
		// The operator role belongs to the relaying account only.
		addr = s.chain.Operator().Hex()
		roles = []string{auth.RoleOperator}
	}
	token, err := s.tokens.Sign(addr, roles, devTokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token":     token,
		"address":   strings.ToLower(addr),
		"expiresIn": int(devTokenTTL.Seconds()),
	})
}

func devBadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}
