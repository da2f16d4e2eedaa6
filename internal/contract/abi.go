// Package contract holds the RentalEscrow contract interface: its ABI,
// method and event names, status codes, and log encoding helpers shared by
// the chain client, the payment verifier, and the simulated backend.
package contract

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// RentalEscrowABI is the JSON ABI of the escrow contract.
const RentalEscrowABI = `[
	{"type":"function","name":"createBooking","stateMutability":"nonpayable","inputs":[{"name":"bookingId","type":"uint256"},{"name":"tenant","type":"address"},{"name":"owner","type":"address"},{"name":"amount","type":"uint256"},{"name":"leaseStart","type":"uint64"},{"name":"leaseEnd","type":"uint64"}],"outputs":[]},
	{"type":"function","name":"payRent","stateMutability":"payable","inputs":[{"name":"bookingId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"releaseFunds","stateMutability":"nonpayable","inputs":[{"name":"bookingId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"cancelBooking","stateMutability":"nonpayable","inputs":[{"name":"bookingId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"raiseDispute","stateMutability":"nonpayable","inputs":[{"name":"bookingId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"getBookingStatus","stateMutability":"view","inputs":[{"name":"bookingId","type":"uint256"}],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"getBookingDetails","stateMutability":"view","inputs":[{"name":"bookingId","type":"uint256"}],"outputs":[{"name":"tenant","type":"address"},{"name":"owner","type":"address"},{"name":"amount","type":"uint256"},{"name":"fee","type":"uint256"},{"name":"leaseStart","type":"uint64"},{"name":"leaseEnd","type":"uint64"},{"name":"status","type":"uint8"}]},
	{"type":"function","name":"quote","stateMutability":"view","inputs":[{"name":"amount","type":"uint256"}],"outputs":[{"name":"fee","type":"uint256"},{"name":"total","type":"uint256"}]},
	{"type":"function","name":"feePercent","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"event","name":"BookingCreated","anonymous":false,"inputs":[{"indexed":true,"name":"bookingId","type":"uint256"},{"indexed":true,"name":"tenant","type":"address"},{"indexed":true,"name":"owner","type":"address"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"fee","type":"uint256"}]},
	{"type":"event","name":"PaymentReceived","anonymous":false,"inputs":[{"indexed":true,"name":"bookingId","type":"uint256"},{"indexed":true,"name":"payer","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}]},
	{"type":"event","name":"FundsReleased","anonymous":false,"inputs":[{"indexed":true,"name":"bookingId","type":"uint256"},{"indexed":true,"name":"owner","type":"address"},{"indexed":false,"name":"ownerAmount","type":"uint256"},{"indexed":false,"name":"fee","type":"uint256"}]},
	{"type":"event","name":"BookingCancelled","anonymous":false,"inputs":[{"indexed":true,"name":"bookingId","type":"uint256"},{"indexed":true,"name":"refundRecipient","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}]},
	{"type":"event","name":"BookingDisputed","anonymous":false,"inputs":[{"indexed":true,"name":"bookingId","type":"uint256"},{"indexed":true,"name":"raisedBy","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}]}
]`

// Contract method names.
const (
	MethodCreateBooking     = "createBooking"
	MethodPayRent           = "payRent"
	MethodReleaseFunds      = "releaseFunds"
	MethodCancelBooking     = "cancelBooking"
	MethodRaiseDispute      = "raiseDispute"
	MethodGetBookingStatus  = "getBookingStatus"
	MethodGetBookingDetails = "getBookingDetails"
	MethodQuote             = "quote"
	MethodFeePercent        = "feePercent"
)

// Contract event names.
const (
	EventBookingCreated   = "BookingCreated"
	EventPaymentReceived  = "PaymentReceived"
	EventFundsReleased    = "FundsReleased"
	EventBookingCancelled = "BookingCancelled"
	EventBookingDisputed  = "BookingDisputed"
)

// On-chain status codes returned by getBookingStatus.
const (
	StatusAwaitingPayment uint8 = 0
	StatusPaid            uint8 = 1
	StatusCompleted       uint8 = 2
	StatusCancelled       uint8 = 3
	StatusDisputed        uint8 = 4
)

// StatusName returns the canonical name of an on-chain status code.
func StatusName(s uint8) string {
	switch s {
	case StatusAwaitingPayment:
		return "AWAITING_PAYMENT"
	case StatusPaid:
		return "PAID"
	case StatusCompleted:
		return "COMPLETED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusDisputed:
		return "DISPUTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

var parsed = mustParse()

func mustParse() abi.ABI {
	a, err := abi.JSON(strings.NewReader(RentalEscrowABI))
	if err != nil {
		panic(fmt.Sprintf("contract: parse RentalEscrow ABI: %v", err))
	}
	return a
}

// ABI returns the parsed contract ABI.
func ABI() abi.ABI {
	return parsed
}

// Pack encodes a method call.
func Pack(method string, args ...interface{}) ([]byte, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("contract: pack %s: %w", method, err)
	}
	return data, nil
}

// MethodByData resolves the method a calldata blob targets and decodes its
// arguments.
func MethodByData(data []byte) (*abi.Method, []interface{}, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("contract: calldata too short")
	}
	m, err := parsed.MethodById(data[:4])
	if err != nil {
		return nil, nil, fmt.Errorf("contract: %w", err)
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("contract: unpack %s args: %w", m.Name, err)
	}
	return m, args, nil
}
