package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// PortOne is a Gateway backed by the PortOne (iamport) v1 REST API.
type PortOne struct {
	baseURL   string
	apiKey    string
	apiSecret string
	client    *http.Client
	now       func() time.Time

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// PortOneOption configures a PortOne client.
type PortOneOption func(*PortOne)

// WithHTTPClient replaces the default client, e.g. to point tests at an
// httptest server.
func WithHTTPClient(c *http.Client) PortOneOption {
	return func(p *PortOne) { p.client = c }
}

// NewPortOne returns a client for the API at baseURL. timeout bounds every
// single HTTP call.
func NewPortOne(baseURL, apiKey, apiSecret string, timeout time.Duration, opts ...PortOneOption) *PortOne {
	p := &PortOne{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    &http.Client{Timeout: timeout},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// envelope is the common response wrapper; code 0 means success.
type envelope struct {
	Code     int             `json:"code"`
	Message  *string         `json:"message"`
	Response json.RawMessage `json:"response"`
}

type payment struct {
	ImpUID      string  `json:"imp_uid"`
	MerchantUID string  `json:"merchant_uid"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Status      string  `json:"status"`
}

// Initiate registers the expected amount for merchant_uid so the provider
// rejects a checkout with a tampered amount.
func (p *PortOne) Initiate(ctx context.Context, req InitiateRequest) error {
	_, err := p.call(ctx, http.MethodPost, "/payments/prepare", map[string]any{
		"merchant_uid": req.OrderRef,
		"amount":       req.Amount,
	})
	return err
}

func (p *PortOne) Verify(ctx context.Context, txnID string) (Verification, error) {
	raw, err := p.call(ctx, http.MethodGet, "/payments/"+url.PathEscape(txnID), nil)
	if err != nil {
		return Verification{}, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return Verification{}, ErrUnknownTransaction
	}
	var pay payment
	if err := json.Unmarshal(raw, &pay); err != nil {
		return Verification{}, fmt.Errorf("decode payment: %w", err)
	}
	return Verification{
		TxnID:    pay.ImpUID,
		OrderRef: pay.MerchantUID,
		Amount:   int64(pay.Amount),
		Currency: strings.ToUpper(pay.Currency),
		Status:   TxnStatus(pay.Status),
	}, nil
}

// Refund cancels the whole transaction. The provider has no idempotency
// key for cancels, so a rejected cancel is followed by a lookup and
// treated as success when the transaction is already cancelled.
func (p *PortOne) Refund(ctx context.Context, req RefundRequest) error {
	_, err := p.call(ctx, http.MethodPost, "/payments/cancel", map[string]any{
		"imp_uid":      req.TxnID,
		"merchant_uid": req.OrderRef,
		"amount":       req.Amount,
		"checksum":     req.Amount,
		"reason":       req.Reason,
	})
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	v, verr := p.Verify(ctx, req.TxnID)
	if verr == nil && v.Status == TxnCancelled {
		return nil
	}
	return err
}

// APIError is a response with a non-zero code.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("portone: code %d: %s", e.Code, e.Message)
}

func (p *PortOne) call(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	return p.do(ctx, method, path, token, body)
}

func (p *PortOne) do(ctx context.Context, method, path, token string, body any) (json.RawMessage, error) {
	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: %s %s: status %d", ErrUnavailable, method, path, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound && method == http.MethodGet {
		return nil, ErrUnknownTransaction
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrUnavailable, path, err)
	}
	if env.Code != 0 {
		msg := ""
		if env.Message != nil {
			msg = *env.Message
		}
		return nil, &APIError{Code: env.Code, Message: msg}
	}
	return env.Response, nil
}

// accessToken returns a cached token, fetching a new one a minute before
// the cached one expires.
func (p *PortOne) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && p.now().Add(time.Minute).Before(p.tokenExp) {
		return p.token, nil
	}
	raw, err := p.do(ctx, http.MethodPost, "/users/getToken", "", map[string]string{
		"imp_key":    p.apiKey,
		"imp_secret": p.apiSecret,
	})
	if err != nil {
		return "", err
	}
	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiredAt   int64  `json:"expired_at"`
	}
	if err := json.Unmarshal(raw, &tok); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	p.token = tok.AccessToken
	p.tokenExp = time.Unix(tok.ExpiredAt, 0)
	return p.token, nil
}
