// Package daraja implements the provider gateway against the Safaricom
// Daraja API: STK push initiation and transaction status queries.
package daraja

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"schoolpay/internal/config"
	"schoolpay/internal/gateway"
)

// Daraja field limits for STK push requests.
const (
	maxAccountRefLen  = 12
	maxDescriptionLen = 13
)

// Daraja signals "still processing" on the query endpoint with this
// error code and a 500 status.
const errCodeStillProcessing = "500.001.1001"

var kenyanMSISDN = regexp.MustCompile(`^254[17]\d{8}$`)

// Client is the Daraja gateway adapter. Construct it once and inject
// it; the token cache inside is the only process-wide shared state.
type Client struct {
	cfg         config.DarajaCfg
	base        string
	callbackURL string
	http        *httpClient
	tokens      *tokenSource
}

var _ gateway.Gateway = (*Client)(nil)

func New(cfg config.Cfg) *Client {
	base := baseURL(cfg.Daraja.Environment)
	hc := newHTTPClient("daraja", 30*time.Second)
	return &Client{
		cfg:         cfg.Daraja,
		base:        base,
		callbackURL: strings.TrimRight(cfg.App.CallbackBaseURL, "/") + "/payments/callback",
		http:        hc,
		tokens:      newTokenSource(cfg.Daraja.ConsumerKey, cfg.Daraja.ConsumerSecret, base, hc),
	}
}

func baseURL(env string) string {
	if env == "production" {
		return "https://api.safaricom.co.ke"
	}
	return "https://sandbox.safaricom.co.ke"
}

// Initiate asks Daraja to push a payment prompt to the payer's device.
// Validation failures are rejected before any network call.
func (c *Client) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	phone, err := normalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, &gateway.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if strings.TrimSpace(req.AccountRef) == "" {
		return nil, &gateway.ValidationError{Field: "accountRef", Message: "is required"}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	ts := timestamp()
	payload := map[string]any{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          c.password(ts),
		"Timestamp":         ts,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            minorUnits(req.Amount),
		"PartyA":            phone,
		"PartyB":            c.cfg.Shortcode,
		"PhoneNumber":       phone,
		"CallBackURL":       c.callbackURL,
		"AccountReference":  truncate(req.AccountRef, maxAccountRefLen),
		"TransactionDesc":   truncate(defaultIfEmpty(req.Description, "Fee payment"), maxDescriptionLen),
	}

	status, body, err := c.http.postJSON(ctx, c.base+"/mpesa/stkpush/v1/processrequest", payload, bearer(token))
	if err != nil {
		return nil, &gateway.Error{
			Code:      gateway.ErrRequestFailed,
			Message:   fmt.Sprintf("stk push request failed: %v", err),
			Retryable: true,
		}
	}

	var out struct {
		CheckoutRequestID   string `json:"CheckoutRequestID"`
		ResponseCode        string `json:"ResponseCode"`
		ResponseDescription string `json:"ResponseDescription"`
		CustomerMessage     string `json:"CustomerMessage"`
		ErrorCode           string `json:"errorCode"`
		ErrorMessage        string `json:"errorMessage"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &gateway.Error{
			Code:    gateway.ErrProviderError,
			Message: fmt.Sprintf("failed to parse stk response (status %d): %v", status, err),
		}
	}

	if status != 200 || out.ErrorCode != "" {
		return nil, &gateway.Error{
			Code:      gateway.ErrInitiateDenied,
			Message:   fmt.Sprintf("stk push rejected (%d %s): %s", status, out.ErrorCode, defaultIfEmpty(out.ErrorMessage, string(body))),
			Retryable: status >= 500 && out.ErrorCode == "",
		}
	}
	if out.ResponseCode != "0" {
		return nil, &gateway.Error{
			Code:    gateway.ErrInitiateDenied,
			Message: fmt.Sprintf("stk push declined: %s", out.ResponseDescription),
		}
	}

	log.Info().
		Str("provider", "daraja").
		Str("correlation_id", out.CheckoutRequestID).
		Int64("amount", minorUnits(req.Amount)).
		Str("shortcode", c.cfg.Shortcode).
		Msg("stk push accepted")

	return &gateway.InitiateResult{
		CorrelationID:   out.CheckoutRequestID,
		CustomerMessage: out.CustomerMessage,
	}, nil
}

// Query asks Daraja for the fate of a push identified by its checkout
// request id. An in-progress transaction yields Resolved=false.
func (c *Client) Query(ctx context.Context, correlationID string) (*gateway.QueryResult, error) {
	if strings.TrimSpace(correlationID) == "" {
		return nil, &gateway.ValidationError{Field: "correlationId", Message: "is required"}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	ts := timestamp()
	payload := map[string]any{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          c.password(ts),
		"Timestamp":         ts,
		"CheckoutRequestID": correlationID,
	}

	status, body, err := c.http.postJSON(ctx, c.base+"/mpesa/stkpushquery/v1/query", payload, bearer(token))
	if err != nil {
		return nil, &gateway.Error{
			Code:      gateway.ErrRequestFailed,
			Message:   fmt.Sprintf("status query failed: %v", err),
			Retryable: true,
		}
	}

	var out struct {
		ResponseCode string `json:"ResponseCode"`
		ResultCode   string `json:"ResultCode"`
		ResultDesc   string `json:"ResultDesc"`
		ErrorCode    string `json:"errorCode"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &gateway.Error{
			Code:    gateway.ErrProviderError,
			Message: fmt.Sprintf("failed to parse query response (status %d): %v", status, err),
		}
	}

	if out.ErrorCode == errCodeStillProcessing {
		return &gateway.QueryResult{Resolved: false, Detail: out.ErrorMessage}, nil
	}
	if status != 200 || out.ErrorCode != "" {
		return nil, &gateway.Error{
			Code:      gateway.ErrProviderError,
			Message:   fmt.Sprintf("status query rejected (%d %s): %s", status, out.ErrorCode, defaultIfEmpty(out.ErrorMessage, string(body))),
			Retryable: status >= 500 && out.ErrorCode == "",
		}
	}
	if out.ResponseCode != "0" {
		// Query was accepted but the provider could not answer; treat
		// as inconclusive rather than inventing an outcome.
		return &gateway.QueryResult{Resolved: false, Detail: out.ResultDesc}, nil
	}

	return &gateway.QueryResult{
		Resolved: true,
		Success:  out.ResultCode == "0",
		Detail:   out.ResultDesc,
	}, nil
}

func (c *Client) password(ts string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.Shortcode + c.cfg.Passkey + ts))
}

// Daraja timestamps are EAT regardless of server timezone.
func timestamp() string {
	return time.Now().In(time.FixedZone("EAT", 3*3600)).Format("20060102150405")
}

// minorUnits converts a decimal KES amount to the whole-shilling
// integer Daraja expects, rounding half-up.
func minorUnits(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}

// normalizePhone strips formatting, rewrites a leading 0 to the 254
// country code and validates the result as a Kenyan mobile number.
func normalizePhone(phone string) (string, error) {
	n := strings.NewReplacer(" ", "", "-", "", "+", "").Replace(strings.TrimSpace(phone))
	if strings.HasPrefix(n, "0") {
		n = "254" + n[1:]
	}
	if !kenyanMSISDN.MatchString(n) {
		return "", &gateway.ValidationError{Field: "phoneNumber", Message: fmt.Sprintf("%q is not a valid Kenyan mobile number", phone)}
	}
	return n, nil
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

func defaultIfEmpty(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func basicAuth(key, secret string) string {
	return base64.StdEncoding.EncodeToString([]byte(key + ":" + secret))
}
