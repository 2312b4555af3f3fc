// Package momo talks to the MTN MoMo collection API.
package momo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/teckw/go-shop-orders/internal/apperr"
	"github.com/teckw/go-shop-orders/internal/logging"
	"github.com/teckw/go-shop-orders/internal/metrics"
	"github.com/teckw/go-shop-orders/internal/orders"
)

var (
	ErrGatewayAuth    = apperr.New(apperr.Gateway, "GATEWAY_AUTH_FAILED", "payment gateway authentication failed")
	ErrGatewayRequest = apperr.New(apperr.Gateway, "GATEWAY_REQUEST_FAILED", "payment gateway request failed")

	errUnauthorized = errors.New("unauthorized")
	errRetryable    = errors.New("retryable")
)

var tracer = otel.Tracer("github.com/teckw/go-shop-orders/internal/momo")

const (
	payeeNote   = "E-commerce purchase"
	maxBodyLog  = 512
	retryBudget = 1
)

type Config struct {
	BaseURL     string
	APIKey      string
	UserID      string
	PrimaryKey  string
	Environment string
	Currency    string
	CallbackURL string
	CountryCode string
	Timeout     time.Duration
	TokenTTL    time.Duration
}

type Client struct {
	cfg     Config
	http    *http.Client
	tokens  *TokenCache
	metrics *metrics.Metrics
}

// NewClient builds a client with its own token cache. hc may be nil.
func NewClient(cfg Config, hc *http.Client, m *metrics.Metrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 55 * time.Minute
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = "250"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	c := &Client{cfg: cfg, http: hc, metrics: m}
	c.tokens = NewTokenCache(cfg.TokenTTL, c.fetchToken)
	c.tokens.fetchTimeout = cfg.Timeout
	return c
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token returns a cached bearer token, fetching one when expired.
func (c *Client) Token(ctx context.Context) (string, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return "", ErrGatewayAuth.Wrap(err)
	}
	return tok, nil
}

func (c *Client) fetchToken(ctx context.Context) (tok string, err error) {
	ctx, span := tracer.Start(ctx, "momo.token")
	start := time.Now()
	defer func() {
		c.observe("token", start, err)
		endSpan(span, err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/collection/token/", nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.cfg.UserID, c.cfg.APIKey)
	req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.PrimaryKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint: %s", describe(resp))
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode body: %w", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("token endpoint returned no access_token")
	}
	return tr.AccessToken, nil
}

// NormalizePhone validates raw against the configured country code.
func (c *Client) NormalizePhone(raw string) (string, error) {
	return NormalizeMSISDN(raw, c.cfg.CountryCode)
}

type PayRequest struct {
	Reference   string
	Amount      decimal.Decimal
	Phone       string
	OrderNumber string
}

type party struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type requestToPayBody struct {
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	ExternalID   string `json:"externalId"`
	Payer        party  `json:"payer"`
	PayerMessage string `json:"payerMessage"`
	PayeeNote    string `json:"payeeNote"`
	CallbackURL  string `json:"callbackUrl,omitempty"`
}

// RequestToPay submits a collection request correlated by r.Reference.
// The reference makes resubmission idempotent on the provider side, so a
// timed-out or 5xx attempt is retried once. cfg.Timeout bounds the whole
// call, token fetch and retry included.
func (c *Client) RequestToPay(ctx context.Context, r PayRequest) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "momo.requesttopay")
	span.SetAttributes(attribute.String("momo.reference", r.Reference))
	start := time.Now()
	defer func() {
		c.observe("requesttopay", start, err)
		endSpan(span, err)
	}()

	msisdn, err := c.NormalizePhone(r.Phone)
	if err != nil {
		return err
	}
	body, err := json.Marshal(requestToPayBody{
		Amount:       r.Amount.String(),
		Currency:     c.cfg.Currency,
		ExternalID:   r.Reference,
		Payer:        party{PartyIDType: "MSISDN", PartyID: msisdn},
		PayerMessage: "Payment for order " + r.OrderNumber,
		PayeeNote:    payeeNote,
		CallbackURL:  c.cfg.CallbackURL,
	})
	if err != nil {
		return ErrGatewayRequest.Wrap(err)
	}

	for attempt := 0; ; attempt++ {
		tok, err := c.Token(ctx)
		if err != nil {
			return err
		}
		err = c.postRequestToPay(ctx, tok, r.Reference, body)
		if err == nil {
			return nil
		}
		if attempt >= retryBudget || ctx.Err() != nil {
			return ErrGatewayRequest.Wrap(err)
		}
		switch {
		case errors.Is(err, errUnauthorized):
			c.tokens.Invalidate()
		case errors.Is(err, errRetryable):
		default:
			return ErrGatewayRequest.Wrap(err)
		}
		logging.FromContext(ctx).Warn("momo_requesttopay_retry", zap.String("reference", r.Reference), zap.Error(err))
	}
}

func (c *Client) postRequestToPay(ctx context.Context, tok, reference string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/collection/v1_0/requesttopay", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("X-Reference-Id", reference)
	req.Header.Set("X-Target-Environment", c.cfg.Environment)
	req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.PrimaryKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w: %w", errRetryable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", errUnauthorized, describe(resp))
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s", errRetryable, describe(resp))
	default:
		return errors.New(describe(resp))
	}
}

type statusResponse struct {
	Amount                 string `json:"amount"`
	Currency               string `json:"currency"`
	FinancialTransactionID string `json:"financialTransactionId"`
	ExternalID             string `json:"externalId"`
	Status                 string `json:"status"`
	Reason                 any    `json:"reason"`
}

// Status returns the provider's raw status for reference.
func (c *Client) Status(ctx context.Context, reference string) (raw string, err error) {
	ctx, span := tracer.Start(ctx, "momo.status")
	span.SetAttributes(attribute.String("momo.reference", reference))
	start := time.Now()
	defer func() {
		c.observe("status", start, err)
		endSpan(span, err)
	}()

	tok, err := c.Token(ctx)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/collection/v1_0/requesttopay/"+reference, nil)
	if err != nil {
		return "", ErrGatewayRequest.Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("X-Target-Environment", c.cfg.Environment)
	req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.PrimaryKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", ErrGatewayRequest.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate()
	}
	if resp.StatusCode != http.StatusOK {
		return "", ErrGatewayRequest.Wrap(errors.New(describe(resp)))
	}
	var sr statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", ErrGatewayRequest.Wrap(fmt.Errorf("decode body: %w", err))
	}
	return sr.Status, nil
}

// CheckStatus polls and maps the provider status. Any failure reads as
// PENDING so a flaky network never marks a payment failed.
func (c *Client) CheckStatus(ctx context.Context, reference string) orders.PaymentStatus {
	raw, err := c.Status(ctx, reference)
	if err != nil {
		logging.FromContext(ctx).Warn("momo_status_unavailable", zap.String("reference", reference), zap.Error(err))
		return orders.PaymentPending
	}
	return MapStatus(raw)
}

func (c *Client) PaymentURL(reference string) string {
	return c.cfg.BaseURL + "/" + reference
}

func (c *Client) observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metrics.ObserveGateway(op, outcome, time.Since(start))
}

func describe(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyLog))
	if s := strings.TrimSpace(string(b)); s != "" {
		return fmt.Sprintf("status %d: %s", resp.StatusCode, s)
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
