package daraja

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"pesaflow/internal/domain/transaction"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Config holds the single merchant credential set for the Daraja API.
type Config struct {
	ConsumerKey    string
	ConsumerSecret string
	Passkey        string
	Shortcode      string
	Environment    string // sandbox | production
	CallbackURL    string
	BaseURL        string // overrides environment selection; used by tests
}

// refreshWindow: refresh proactively when less than this much validity remains.
const refreshWindow = 60 * time.Second

// Client talks to the Daraja API: OAuth token management, STK push
// submission and STK status queries. Safe for concurrent use.
type Client struct {
	cfg   Config
	push  *http.Client
	query *http.Client
	auth  *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
	sf       singleflight.Group
}

func New(cfg Config) *Client {
	return &Client{
		cfg:   cfg,
		push:  &http.Client{Timeout: 10 * time.Second},
		query: &http.Client{Timeout: 5 * time.Second},
		auth:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) baseURL() string {
	if c.cfg.BaseURL != "" {
		return c.cfg.BaseURL
	}
	if c.cfg.Environment == "production" {
		return "https://api.safaricom.co.ke"
	}
	return "https://sandbox.safaricom.co.ke"
}

// AccessToken returns a cached provider token, refreshing it when fewer than
// 60 seconds of validity remain. Concurrent callers during a refresh share
// one in-flight fetch.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Until(c.tokenExp) > refreshWindow {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	v, err, _ := c.sf.Do("token", func() (any, error) {
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	url := c.baseURL() + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	res, err := c.auth.Do(req)
	if err != nil {
		return "", &transaction.Error{Code: transaction.ErrAuthFailed, Message: "auth endpoint unreachable", Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(res.Body)
		return "", &transaction.Error{
			Code:    transaction.ErrAuthFailed,
			Message: fmt.Sprintf("auth failed: %s; body=%s", res.Status, string(b)),
		}
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", &transaction.Error{Code: transaction.ErrAuthFailed, Message: "bad auth response", Err: err}
	}
	expires, err := strconv.Atoi(out.ExpiresIn)
	if err != nil {
		expires = 3600
	}

	c.mu.Lock()
	c.token = out.AccessToken
	c.tokenExp = time.Now().Add(time.Duration(expires) * time.Second)
	c.mu.Unlock()

	log.Debug().Str("provider", "daraja").Int("expires_in", expires).Msg("access token refreshed")
	return out.AccessToken, nil
}

// STKPushRequest carries one push submission. Phone must be normalized.
type STKPushRequest struct {
	Phone            string
	Amount           int64
	AccountReference string
	Description      string
}

type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// STKPush submits a CustomerPayBillOnline push. A provider-reported rejection
// comes back as provider_rejected (not retryable); transport failures come
// back as provider_unreachable (retryable).
func (c *Client) STKPush(ctx context.Context, r STKPushRequest) (*STKPushResponse, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	ts := Timestamp(time.Now())
	payload := map[string]any{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          Password(c.cfg.Shortcode, c.cfg.Passkey, ts),
		"Timestamp":         ts,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            r.Amount,
		"PartyA":            r.Phone,
		"PartyB":            c.cfg.Shortcode,
		"PhoneNumber":       r.Phone,
		"CallBackURL":       c.cfg.CallbackURL,
		"AccountReference":  r.AccountReference,
		"TransactionDesc":   r.Description,
	}

	body, status, err := c.postJSON(ctx, c.push, "/mpesa/stkpush/v1/processrequest", token, payload)
	if err != nil {
		return nil, err
	}

	var out struct {
		STKPushResponse
		ErrorCode    string `json:"errorCode"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &transaction.Error{Code: transaction.ErrProviderUnreachable, Message: "bad push response", Err: err}
	}
	if out.ErrorCode != "" {
		return nil, &transaction.Error{
			Code:    transaction.ErrProviderRejected,
			Message: out.ErrorCode + ": " + out.ErrorMessage,
		}
	}
	if status != http.StatusOK {
		return nil, &transaction.Error{
			Code:    transaction.ErrProviderUnreachable,
			Message: fmt.Sprintf("push returned status %d: %s", status, string(body)),
		}
	}
	if out.ResponseCode != "0" {
		return nil, &transaction.Error{
			Code:    transaction.ErrProviderRejected,
			Message: out.ResponseCode + ": " + out.ResponseDescription,
		}
	}
	return &out.STKPushResponse, nil
}

// StatusResult is the outcome of an STK status query. Pending means the
// provider has no definitive result yet.
type StatusResult struct {
	Pending    bool
	ResultCode int
	ResultDesc string
}

// stillProcessing is Daraja's error code for a push that has not resolved yet.
const stillProcessing = "500.001.1001"

// QueryStatus asks Daraja for the definitive result of a push attempt.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*StatusResult, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	ts := Timestamp(time.Now())
	payload := map[string]any{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          Password(c.cfg.Shortcode, c.cfg.Passkey, ts),
		"Timestamp":         ts,
		"CheckoutRequestID": checkoutRequestID,
	}

	body, status, err := c.postJSON(ctx, c.query, "/mpesa/stkpushquery/v1/query", token, payload)
	if err != nil {
		return nil, err
	}

	var out struct {
		ResponseCode string `json:"ResponseCode"`
		ResultCode   string `json:"ResultCode"`
		ResultDesc   string `json:"ResultDesc"`
		ErrorCode    string `json:"errorCode"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &transaction.Error{Code: transaction.ErrProviderUnreachable, Message: "bad status response", Err: err}
	}
	if out.ErrorCode == stillProcessing {
		return &StatusResult{Pending: true, ResultDesc: out.ErrorMessage}, nil
	}
	if out.ErrorCode != "" {
		return nil, &transaction.Error{
			Code:    transaction.ErrProviderRejected,
			Message: out.ErrorCode + ": " + out.ErrorMessage,
		}
	}
	if status != http.StatusOK {
		return nil, &transaction.Error{
			Code:    transaction.ErrProviderUnreachable,
			Message: fmt.Sprintf("status query returned %d: %s", status, string(body)),
		}
	}
	code, err := strconv.Atoi(out.ResultCode)
	if err != nil {
		return nil, &transaction.Error{Code: transaction.ErrProviderUnreachable, Message: "non-numeric ResultCode: " + out.ResultCode}
	}
	return &StatusResult{ResultCode: code, ResultDesc: out.ResultDesc}, nil
}

func (c *Client) postJSON(ctx context.Context, hc *http.Client, endpoint, token string, payload any) ([]byte, int, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL()+endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := hc.Do(req)
	if err != nil {
		return nil, 0, &transaction.Error{Code: transaction.ErrProviderUnreachable, Message: "provider unreachable", Err: err}
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, 0, &transaction.Error{Code: transaction.ErrProviderUnreachable, Message: "read response failed", Err: err}
	}
	return body, res.StatusCode, nil
}
