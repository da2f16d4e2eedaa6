package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleQuoteRent prices a rent amount.
func (h *Handlers) HandleQuoteRent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}

	raw, err := h.client.Quote(ctx, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to quote: %v", err)), nil
	}

	var q map[string]any
	if err := json.Unmarshal(raw, &q); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse quote: %v", err)), nil
	}
	var sb strings.Builder
	sb.WriteString("Rent quote (wei):\n")
	fmt.Fprintf(&sb, "  Principal:    %s\n", getString(q, "principal"))
	fmt.Fprintf(&sb, "  Platform fee: %s\n", getString(q, "fee"))
	fmt.Fprintf(&sb, "  Total to pay: %s\n", getString(q, "total"))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCreateBooking creates a booking with the caller as tenant.
func (h *Handlers) HandleCreateBooking(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body := CreateBookingRequest{
		ID:           req.GetString("booking_id", ""),
		PropertyID:   req.GetString("property_id", ""),
		OwnerAddr:    req.GetString("owner_address", ""),
		PricePerUnit: req.GetString("price_per_day", ""),
		StartAt:      req.GetString("start_at", ""),
		EndAt:        req.GetString("end_at", ""),
	}
	if body.PropertyID == "" || body.OwnerAddr == "" || body.PricePerUnit == "" || body.StartAt == "" || body.EndAt == "" {
		return mcp.NewToolResultError("property_id, owner_address, price_per_day, start_at and end_at are required"), nil
	}

	raw, err := h.client.CreateBooking(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create booking: %v", err)), nil
	}

	b, err := extractBooking(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse booking: %v", err)), nil
	}
	text := formatBooking(b) + fmt.Sprintf(
		"\nNext: send %s wei to the escrow contract with payRent(%s), then call validate_payment.",
		getString(b, "amountDue"), getString(b, "id"))
	return mcp.NewToolResultText(text), nil
}

// HandleGetBooking shows one booking.
func (h *Handlers) HandleGetBooking(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("booking_id", "")
	if id == "" {
		return mcp.NewToolResultError("booking_id is required"), nil
	}

	raw, err := h.client.GetBooking(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get booking: %v", err)), nil
	}
	b, err := extractBooking(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse booking: %v", err)), nil
	}
	return mcp.NewToolResultText(formatBooking(b)), nil
}

// HandleListMyBookings lists the caller's bookings as tenant.
func (h *Handlers) HandleListMyBookings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListMyBookings(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list bookings: %v", err)), nil
	}

	text, err := formatBookingList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse bookings: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleValidatePayment verifies a payment transaction.
func (h *Handlers) HandleValidatePayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("booking_id", "")
	txHash := req.GetString("transaction_hash", "")
	contract := req.GetString("contract_address", "")
	expected := req.GetString("expected_amount", "")
	if id == "" || txHash == "" || contract == "" || expected == "" {
		return mcp.NewToolResultError("booking_id, transaction_hash, contract_address and expected_amount are required"), nil
	}

	raw, err := h.client.ValidatePayment(ctx, id, txHash, contract, expected)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Payment validation failed: %v", err)), nil
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Verdict: %s\n", getString(out, "status"))
	if applied, _ := out["applied"].(bool); applied {
		sb.WriteString("Booking confirmed by this payment.\n")
	} else {
		sb.WriteString("Payment was already applied; booking unchanged.\n")
	}
	if b, ok := out["booking"].(map[string]any); ok {
		sb.WriteString("\n")
		sb.WriteString(formatBooking(b))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandlePaymentHistory lists verification attempts.
func (h *Handlers) HandlePaymentHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("booking_id", "")
	if id == "" {
		return mcp.NewToolResultError("booking_id is required"), nil
	}

	raw, err := h.client.PaymentHistory(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get payment history: %v", err)), nil
	}

	text, err := formatAttempts(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCancelBooking cancels a booking.
func (h *Handlers) HandleCancelBooking(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("booking_id", "")
	if id == "" {
		return mcp.NewToolResultError("booking_id is required"), nil
	}

	raw, err := h.client.CancelBooking(ctx, id, req.GetString("reason", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel booking: %v", err)), nil
	}
	b, err := extractBooking(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse booking: %v", err)), nil
	}
	return mcp.NewToolResultText("Booking cancelled.\n\n" + formatBooking(b)), nil
}

// HandleDisputeBooking disputes a confirmed booking.
func (h *Handlers) HandleDisputeBooking(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("booking_id", "")
	reason := req.GetString("reason", "")
	if id == "" || reason == "" {
		return mcp.NewToolResultError("booking_id and reason are required"), nil
	}

	raw, err := h.client.DisputeBooking(ctx, id, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to dispute booking: %v", err)), nil
	}
	b, err := extractBooking(raw)
	if err != nil {
		return mcp.NewToolResultText("Dispute recorded.\n\n" + formatJSON(raw)), nil
	}
	return mcp.NewToolResultText("Dispute recorded.\n\n" + formatBooking(b)), nil
}

// --- Formatting helpers ---

func extractBooking(raw json.RawMessage) (map[string]any, error) {
	var resp struct {
		Booking map[string]any `json:"booking"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if resp.Booking == nil {
		return nil, fmt.Errorf("response has no booking")
	}
	return resp.Booking, nil
}

func formatBooking(b map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Booking %s: %s\n", getString(b, "id"), getString(b, "status"))
	fmt.Fprintf(&sb, "  Property:   %s\n", getString(b, "propertyId"))
	fmt.Fprintf(&sb, "  Tenant:     %s\n", getString(b, "tenantAddr"))
	fmt.Fprintf(&sb, "  Owner:      %s\n", getString(b, "ownerAddr"))
	fmt.Fprintf(&sb, "  Stay:       %s to %s\n", getString(b, "startAt"), getString(b, "endAt"))
	fmt.Fprintf(&sb, "  Amount due: %s wei\n", getString(b, "amountDue"))
	if v := getString(b, "paymentTxHash"); v != "" {
		fmt.Fprintf(&sb, "  Payment tx: %s\n", v)
	}
	if v := getString(b, "settlementTxHash"); v != "" {
		fmt.Fprintf(&sb, "  Settlement: %s\n", v)
	}
	if v := getString(b, "cancelReason", "disputeReason"); v != "" {
		fmt.Fprintf(&sb, "  Reason:     %s\n", v)
	}
	return sb.String()
}

func formatBookingList(raw json.RawMessage) (string, error) {
	var resp struct {
		Bookings []map[string]any `json:"bookings"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Bookings) == 0 {
		return "No bookings found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d booking(s):\n\n", len(resp.Bookings))
	for i, b := range resp.Bookings {
		fmt.Fprintf(&sb, "%d. #%s %s (%s) %s wei\n", i+1,
			getString(b, "id"), getString(b, "propertyId"), getString(b, "status"), getString(b, "amountDue"))
	}
	return sb.String(), nil
}

func formatAttempts(raw json.RawMessage) (string, error) {
	var resp struct {
		Attempts []map[string]any `json:"attempts"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Attempts) == 0 {
		return "No payment attempts recorded.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d attempt(s):\n\n", len(resp.Attempts))
	for i, a := range resp.Attempts {
		fmt.Fprintf(&sb, "%d. %s %s: %s", i+1, getString(a, "operation"), getString(a, "txHash"), getString(a, "verdict"))
		if r := getString(a, "reason"); r != "" {
			fmt.Fprintf(&sb, " (%s)", r)
		}
		if applied, _ := a["applied"].(bool); applied {
			sb.WriteString(" [applied]")
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
