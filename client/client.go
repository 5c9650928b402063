// Package client is the HTTP client for the quietsend server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Client is the HTTP client for the quietsend service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new quietsend client. Sends block until the ledger
// confirms, so the default timeout covers the server's confirmation window.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// do sends a request and decodes a wantStatus response into out (if
// non-nil). Any other status is returned as an *APIError.
func (c *Client) do(ctx context.Context, method, path string, in interface{}, wantStatus int, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Health checks server liveness.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, http.StatusOK, nil)
}

// GenerateKey creates and activates a new keypair on the server. The
// returned KeyInfo carries the secret.
func (c *Client) GenerateKey(ctx context.Context) (*KeyInfo, error) {
	var out KeyInfo
	if err := c.do(ctx, http.MethodPost, "/api/v1/keys/generate", nil, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("keypair generated", "public_key", out.PublicKey)
	return &out, nil
}

// ImportKey activates a base58 secret key on the server.
func (c *Client) ImportKey(ctx context.Context, secretKey string) (*KeyInfo, error) {
	var out KeyInfo
	in := map[string]string{"secret_key": secretKey}
	if err := c.do(ctx, http.MethodPost, "/api/v1/keys/import", in, http.StatusOK, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("keypair imported", "public_key", out.PublicKey)
	return &out, nil
}

// ActiveKey returns the active public key and network.
func (c *Client) ActiveKey(ctx context.Context) (*KeyInfo, error) {
	var out KeyInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/keys/active", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActiveKeyQR returns a PNG QR code of the active address.
func (c *Client) ActiveKeyQR(ctx context.Context, size int) ([]byte, error) {
	path := "/api/v1/keys/active/qr"
	if size > 0 {
		path += "?size=" + strconv.Itoa(size)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}
	png, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read QR code: %w", err)
	}
	return png, nil
}

// Balance returns the active key's balance. refresh bypasses the server
// cache.
func (c *Client) Balance(ctx context.Context, refresh bool) (*Balance, error) {
	var out Balance
	if err := c.do(ctx, http.MethodGet, "/api/v1/balance"+refreshQuery(refresh), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transactions returns the newest-first history of the active key.
func (c *Client) Transactions(ctx context.Context, refresh bool) ([]TransactionRecord, error) {
	var out struct {
		Transactions []TransactionRecord `json:"transactions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/transactions"+refreshQuery(refresh), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// Send transfers lamports to recipient now and waits for finality.
func (c *Client) Send(ctx context.Context, recipient string, lamports uint64) (*TransactionRecord, error) {
	var out TransactionRecord
	in := map[string]interface{}{"recipient": recipient, "amount_lamports": lamports}
	if err := c.do(ctx, http.MethodPost, "/api/v1/transfers", in, http.StatusOK, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("transfer sent", "recipient", recipient, "lamports", lamports, "signature", out.Signature)
	return &out, nil
}

// Airdrop requests faucet lamports for the active key.
func (c *Client) Airdrop(ctx context.Context, lamports uint64) (*TransactionRecord, error) {
	var out TransactionRecord
	in := map[string]interface{}{"amount_lamports": lamports}
	if err := c.do(ctx, http.MethodPost, "/api/v1/airdrop", in, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddSchedule queues a transfer that fires once the network failure
// percentage is at or below params.MaxFailurePercentage.
func (c *Client) AddSchedule(ctx context.Context, params ScheduleParams) (*Transfer, error) {
	var out Transfer
	if err := c.do(ctx, http.MethodPost, "/api/v1/schedules", params, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("transfer scheduled", "id", out.ID)
	return &out, nil
}

// ListSchedules returns every scheduled transfer ordered by id.
func (c *Client) ListSchedules(ctx context.Context) ([]Transfer, error) {
	var out struct {
		Schedules []Transfer `json:"schedules"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/schedules", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Schedules, nil
}

func (c *Client) GetSchedule(ctx context.Context, id uint64) (*Transfer, error) {
	var out Transfer
	if err := c.do(ctx, http.MethodGet, "/api/v1/schedules/"+strconv.FormatUint(id, 10), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelSchedule removes a Waiting transfer.
func (c *Client) CancelSchedule(ctx context.Context, id uint64) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/schedules/"+strconv.FormatUint(id, 10), nil, http.StatusNoContent, nil)
}

func (c *Client) Network(ctx context.Context) (*NetworkStatus, error) {
	var out NetworkStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/network", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RefreshNetwork asks the server to poll telemetry now.
func (c *Client) RefreshNetwork(ctx context.Context) (*NetworkStatus, error) {
	var out NetworkStatus
	if err := c.do(ctx, http.MethodPost, "/api/v1/network/refresh", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ArchivedTransfers lists archived scheduled transfers of owner (the
// active key when empty) across server runs.
func (c *Client) ArchivedTransfers(ctx context.Context, owner string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if owner != "" {
		q.Set("owner", owner)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/archive/transfers"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func refreshQuery(refresh bool) string {
	if refresh {
		return "?refresh=true"
	}
	return ""
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
