// Package authority is the HTTP adapter to the tax authority's reception API.
//
// It authenticates with user/password, caches the bearer token until its exp
// claim (minus a skew), submits signed DTE payloads and queries their status.
// Failures come back as *Error with a Category so callers can decide between
// retrying and surfacing a rejection.
package authority

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
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dtesync/internal/dte/models"
)

const (
	authPath        = "/seguridad/auth"
	receptionPath   = "/fesv/recepciondte"
	statusQueryPath = "/fesv/recepcion/consultadte/"
	healthPath      = "/health"

	estadoProcessed = "PROCESADO"
	estadoRejected  = "RECHAZADO"
	estadoReceived  = "RECIBIDO"

	maxResponseBytes = 1 << 20
)

// Config holds the connection settings for the authority API.
type Config struct {
	BaseURL       string
	User          string
	Password      string
	Timeout       time.Duration
	HealthTimeout time.Duration
	TokenSkew     time.Duration
}

// Client implements ports.SubmissionClient over HTTP.
type Client struct {
	baseURL       string
	user          string
	password      string
	healthTimeout time.Duration
	tokenSkew     time.Duration
	http          *http.Client
	logger        *slog.Logger
	clock         func() time.Time

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClock sets the clock used for token expiry.
func WithClock(clock func() time.Time) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// New creates an authority client.
func New(cfg Config, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("authority base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse authority base URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	healthTimeout := cfg.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = 5 * time.Second
	}
	skew := cfg.TokenSkew
	if skew <= 0 {
		skew = time.Minute
	}

	c := &Client{
		baseURL:       base,
		user:          cfg.User,
		password:      cfg.Password,
		healthTimeout: healthTimeout,
		tokenSkew:     skew,
		http:          &http.Client{Timeout: timeout},
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type receptionRequest struct {
	Ambiente         string          `json:"ambiente"`
	IDEnvio          string          `json:"idEnvio"`
	Version          int             `json:"version"`
	TipoDte          string          `json:"tipoDte"`
	Documento        json.RawMessage `json:"documento"`
	CodigoGeneracion string          `json:"codigoGeneracion,omitempty"`
}

type statusRequest struct {
	NitEmisor        string `json:"nitEmisor"`
	Tdte             string `json:"tdte"`
	CodigoGeneracion string `json:"codigoGeneracion"`
}

type receptionResponse struct {
	Estado           string   `json:"estado"`
	CodigoGeneracion string   `json:"codigoGeneracion"`
	NumeroControl    string   `json:"numeroControl"`
	SelloRecibido    *string  `json:"selloRecibido"`
	FhProcesamiento  string   `json:"fhProcesamiento"`
	CodigoMsg        string   `json:"codigoMsg"`
	DescripcionMsg   string   `json:"descripcionMsg"`
	Observaciones    []string `json:"observaciones"`
}

type authResponse struct {
	Status string `json:"status"`
	Body   struct {
		Token string `json:"token"`
	} `json:"body"`
}

type payloadIdentification struct {
	Identificacion struct {
		CodigoGeneracion string `json:"codigoGeneracion"`
		NumeroControl    string `json:"numeroControl"`
	} `json:"identificacion"`
}

// Submit transmits a document. A RECHAZADO answer is returned as a
// CategoryRejected error carrying the authority's observations.
func (c *Client) Submit(ctx context.Context, doc models.Document, sc models.SubmissionContext) (*models.Acceptance, error) {
	var ident payloadIdentification
	if err := json.Unmarshal(doc.Payload, &ident); err != nil {
		c.logger.DebugContext(ctx, "payload identification unreadable, using document fields",
			"document_id", doc.ID,
			"error", err,
		)
	}

	req := receptionRequest{
		Ambiente:         sc.Environment.String(),
		IDEnvio:          uuid.NewString(),
		Version:          doc.Type.SchemaVersion(),
		TipoDte:          doc.Type.String(),
		Documento:        doc.Payload,
		CodigoGeneracion: ident.Identificacion.CodigoGeneracion,
	}

	resp, err := c.callWithAuth(ctx, receptionPath, req)
	if err != nil {
		return nil, err
	}
	if resp.Estado == estadoRejected {
		return nil, rejection(resp)
	}
	if resp.Estado != estadoProcessed && resp.Estado != estadoReceived {
		return nil, NewError(CategoryBadResponse, fmt.Sprintf("unexpected reception state %q", resp.Estado), nil)
	}

	acc := &models.Acceptance{
		ControlNumber:  firstNonEmpty(resp.NumeroControl, ident.Identificacion.NumeroControl, doc.Number),
		GenerationCode: firstNonEmpty(resp.CodigoGeneracion, ident.Identificacion.CodigoGeneracion),
		ProcessedAt:    c.parseProcessedAt(resp.FhProcesamiento),
		Observations:   resp.Observaciones,
	}
	if resp.SelloRecibido != nil {
		acc.ReceptionSeal = *resp.SelloRecibido
	}
	if acc.GenerationCode == "" {
		return nil, NewError(CategoryBadResponse, "reception response has no generation code", nil)
	}

	c.logger.DebugContext(ctx, "document received by authority",
		"document_id", doc.ID,
		"generation_code", acc.GenerationCode,
		"estado", resp.Estado,
	)
	return acc, nil
}

// GetStatus queries the disposition of a previously received document.
func (c *Client) GetStatus(ctx context.Context, target models.TrackingTarget) (*models.AuthorityStatus, error) {
	req := statusRequest{
		NitEmisor:        target.Context.TaxID,
		Tdte:             target.DocumentType.String(),
		CodigoGeneracion: target.GenerationCode,
	}
	resp, err := c.callWithAuth(ctx, statusQueryPath, req)
	if err != nil {
		// a rejection answer to a status query is a final status, not a failure
		var ae *Error
		if errors.As(err, &ae) && ae.Category == CategoryRejected {
			return &models.AuthorityStatus{
				Status:         models.StatusRejected,
				GenerationCode: target.GenerationCode,
				Message:        ae.Message,
				Observations:   ae.Observations,
			}, nil
		}
		return nil, err
	}

	status := &models.AuthorityStatus{
		GenerationCode: firstNonEmpty(resp.CodigoGeneracion, target.GenerationCode),
		ControlNumber:  resp.NumeroControl,
		Message:        resp.DescripcionMsg,
		Observations:   resp.Observaciones,
	}
	if resp.SelloRecibido != nil {
		status.ReceptionSeal = *resp.SelloRecibido
	}
	switch resp.Estado {
	case estadoProcessed:
		status.Status = models.StatusAccepted
	case estadoRejected:
		status.Status = models.StatusRejected
	case estadoReceived, "":
		status.Status = models.StatusProcessing
	default:
		return nil, NewError(CategoryBadResponse, fmt.Sprintf("unexpected status %q", resp.Estado), nil)
	}
	return status, nil
}

// HealthCheck probes the authority with a short deadline.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.DebugContext(ctx, "authority health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// callWithAuth posts body with the cached token and retries once with a fresh
// token when the authority answers 401.
func (c *Client) callWithAuth(ctx context.Context, path string, body any) (*receptionResponse, error) {
	token, err := c.bearerToken(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.postJSON(ctx, path, token, body)
	if err == nil || CategoryOf(err) != CategoryUnauthorized {
		return resp, err
	}

	c.invalidateToken(token)
	token, err = c.bearerToken(ctx)
	if err != nil {
		return nil, err
	}
	return c.postJSON(ctx, path, token, body)
}

func (c *Client) postJSON(ctx context.Context, path, token string, body any) (*receptionResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, NewError(CategoryBadResponse, "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, NewError(CategoryNetwork, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(ctx, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, NewError(CategoryUnauthorized, fmt.Sprintf("authority returned %d", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, NewError(CategoryUnavailable, fmt.Sprintf("authority returned %d", resp.StatusCode), nil)
	}

	var out receptionResponse
	decodeErr := json.Unmarshal(raw, &out)
	if decodeErr == nil && out.Estado == estadoRejected {
		return nil, rejection(&out)
	}
	if resp.StatusCode >= 400 {
		return nil, NewError(CategoryBadResponse, fmt.Sprintf("authority returned %d", resp.StatusCode), nil)
	}
	if decodeErr != nil {
		return nil, NewError(CategoryBadResponse, "decode response", decodeErr)
	}
	return &out, nil
}

func (c *Client) bearerToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.clock().Before(c.tokenExp.Add(-c.tokenSkew)) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("user", c.user)
	form.Set("pwd", c.password)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+authPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", NewError(CategoryNetwork, "build auth request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", NewError(CategoryUnavailable, fmt.Sprintf("auth returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return "", NewError(CategoryUnauthorized, fmt.Sprintf("auth returned %d", resp.StatusCode), nil)
	}

	var ar authResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&ar); err != nil {
		return "", NewError(CategoryBadResponse, "decode auth response", err)
	}
	if ar.Status != "OK" || ar.Body.Token == "" {
		return "", NewError(CategoryUnauthorized, "auth refused", nil)
	}

	c.token = bearer(ar.Body.Token)
	c.tokenExp = tokenExpiry(ar.Body.Token, c.clock())
	c.logger.DebugContext(ctx, "authority token refreshed", "expires_at", c.tokenExp)
	return c.token, nil
}

func (c *Client) invalidateToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.token = ""
	}
}

func (c *Client) parseProcessedAt(s string) time.Time {
	// the authority formats as dd/MM/yyyy HH:mm:ss
	if t, err := time.Parse("02/01/2006 15:04:05", s); err == nil {
		return t
	}
	return c.clock()
}

func rejection(resp *receptionResponse) *Error {
	msg := resp.DescripcionMsg
	if msg == "" {
		msg = "document rejected"
	}
	if resp.CodigoMsg != "" {
		msg = resp.CodigoMsg + ": " + msg
	}
	e := NewError(CategoryRejected, msg, nil)
	e.Observations = resp.Observaciones
	return e
}

func transportError(ctx context.Context, err error) *Error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return NewError(CategoryTimeout, "request deadline exceeded", err)
	}
	return NewError(CategoryNetwork, "request failed", err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
