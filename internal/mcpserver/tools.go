package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the booking MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolQuoteRent = mcp.NewTool("quote_rent",
	mcp.WithDescription(
		"Price a rent amount before booking. Returns the principal, the platform fee "+
			"and the total the tenant must send to the escrow contract, all in wei."),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Rent principal in wei (decimal string, e.g. '1000000')")),
)

var ToolCreateBooking = mcp.NewTool("create_booking",
	mcp.WithDescription(
		"Create a rental booking and register its escrow on-chain. "+
			"The booking starts AWAITING_PAYMENT; pay amountDue to the contract, "+
			"then call validate_payment with the transaction hash."),
	mcp.WithString("property_id",
		mcp.Required(),
		mcp.Description("Identifier of the property being rented")),
	mcp.WithString("owner_address",
		mcp.Required(),
		mcp.Description("Owner wallet that receives the rent (e.g. '0x1234...')")),
	mcp.WithString("price_per_day",
		mcp.Required(),
		mcp.Description("Nightly price in wei (decimal string)")),
	mcp.WithString("start_at",
		mcp.Required(),
		mcp.Description("Check-in time, RFC 3339 (e.g. '2026-11-01T15:00:00Z')")),
	mcp.WithString("end_at",
		mcp.Required(),
		mcp.Description("Check-out time, RFC 3339")),
	mcp.WithString("booking_id",
		mcp.Description("Numeric booking ID. Assigned by the server when omitted.")),
)

var ToolGetBooking = mcp.NewTool("get_booking",
	mcp.WithDescription("Show a booking's status, amounts and transaction hashes."),
	mcp.WithString("booking_id",
		mcp.Required(),
		mcp.Description("The booking ID")),
)

var ToolListMyBookings = mcp.NewTool("list_my_bookings",
	mcp.WithDescription("List the bookings where you are the tenant, newest first."),
)

var ToolValidatePayment = mcp.NewTool("validate_payment",
	mcp.WithDescription(
		"Verify a rent payment on-chain and confirm the booking. "+
			"Waits for the transaction to be mined and confirmed; safe to repeat."),
	mcp.WithString("booking_id",
		mcp.Required(),
		mcp.Description("The booking ID that was paid")),
	mcp.WithString("transaction_hash",
		mcp.Required(),
		mcp.Description("Hash of the payRent transaction (0x...)")),
	mcp.WithString("contract_address",
		mcp.Required(),
		mcp.Description("Escrow contract the payment was sent to")),
	mcp.WithString("expected_amount",
		mcp.Required(),
		mcp.Description("The booking's amountDue in wei")),
)

var ToolPaymentHistory = mcp.NewTool("payment_history",
	mcp.WithDescription("List every verification attempt recorded for a booking."),
	mcp.WithString("booking_id",
		mcp.Required(),
		mcp.Description("The booking ID")),
)

var ToolCancelBooking = mcp.NewTool("cancel_booking",
	mcp.WithDescription(
		"Cancel a booking. An unpaid booking is simply closed; "+
			"a paid one is refunded to the tenant by the escrow contract."),
	mcp.WithString("booking_id",
		mcp.Required(),
		mcp.Description("The booking ID")),
	mcp.WithString("reason",
		mcp.Description("Why the booking is being cancelled")),
)

var ToolDisputeBooking = mcp.NewTool("dispute_booking",
	mcp.WithDescription(
		"Dispute a confirmed booking. The escrowed rent is held by the platform "+
			"for manual resolution."),
	mcp.WithString("booking_id",
		mcp.Required(),
		mcp.Description("The booking ID")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("What went wrong with the stay")),
)
