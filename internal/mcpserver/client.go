package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the booking API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	Token   string // Bearer token issued for Address
	Address string // Caller's wallet address, e.g. "0x..."
}

// Client is a pure HTTP client for the booking API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the booking API.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute, // validation waits for confirmations
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// Quote prices an amount: principal, platform fee and total to pay.
func (c *Client) Quote(ctx context.Context, amount string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/quote", url.Values{"amount": {amount}}, nil)
}

// CreateBooking registers a booking with the caller as tenant.
func (c *Client) CreateBooking(ctx context.Context, req CreateBookingRequest) (json.RawMessage, error) {
	if req.TenantAddr == "" {
		req.TenantAddr = c.cfg.Address
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/bookings", nil, req)
}

// CreateBookingRequest mirrors the API's create body.
type CreateBookingRequest struct {
	ID           string `json:"id,omitempty"`
	PropertyID   string `json:"propertyId"`
	TenantAddr   string `json:"tenantAddr"`
	OwnerAddr    string `json:"ownerAddr"`
	PricePerUnit string `json:"pricePerUnit"`
	Currency     string `json:"currency,omitempty"`
	StartAt      string `json:"startAt"`
	EndAt        string `json:"endAt"`
}

// GetBooking returns one booking.
func (c *Client) GetBooking(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/bookings/"+url.PathEscape(id), nil, nil)
}

// ListMyBookings lists bookings where the caller is the tenant.
func (c *Client) ListMyBookings(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/tenants/"+c.cfg.Address+"/bookings", nil, nil)
}

// ValidatePayment submits a payment transaction for verification.
func (c *Client) ValidatePayment(ctx context.Context, bookingID, txHash, contract, expected string) (json.RawMessage, error) {
	body := map[string]string{
		"bookingId":       bookingID,
		"transactionHash": txHash,
		"contractAddress": contract,
		"expectedAmount":  expected,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/payments/validate", nil, body)
}

// PaymentHistory returns the reconciliation attempts for a booking.
func (c *Client) PaymentHistory(ctx context.Context, bookingID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/payments/booking/"+url.PathEscape(bookingID), nil, nil)
}

// CancelBooking cancels a booking, refunding any escrowed payment.
func (c *Client) CancelBooking(ctx context.Context, id, reason string) (json.RawMessage, error) {
	path := "/v1/bookings/" + url.PathEscape(id) + "/cancel"
	return c.doRequest(ctx, http.MethodPost, path, nil, map[string]string{"reason": reason})
}

// DisputeBooking raises a dispute on a confirmed booking.
func (c *Client) DisputeBooking(ctx context.Context, id, reason string) (json.RawMessage, error) {
	path := "/v1/bookings/" + url.PathEscape(id) + "/dispute"
	return c.doRequest(ctx, http.MethodPost, path, nil, map[string]string{"reason": reason})
}
