// Package api is the client for the upstream storefront REST API. Every response is wrapped in
// an envelope {success, data, message|error}; a false success becomes an *APIError.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fairyhunter13/storefront-core/internal/model"
	"github.com/fairyhunter13/storefront-core/internal/obs"
)

const maxResponseBytes = 1 << 20

// TokenSource supplies the bearer token for authenticated calls. An empty token sends none.
type TokenSource interface {
	Token() string
}

// TokenSink receives a refreshed token.
type TokenSink interface {
	SetToken(token string) error
}

// APIError is an upstream failure: a non-2xx status or success=false.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// IsUnauthorized reports whether err is a 401 from upstream.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusUnauthorized
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

// AuthData is the sign-in result.
type AuthData struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

// Client talks to the upstream API.
type Client struct {
	base string
	http *http.Client

	mu     sync.RWMutex
	tokens TokenSource
	sink   TokenSink
}

// New creates a Client for baseURL with a per-request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// UseTokens installs the token source and refresh sink. Either may be nil.
func (c *Client) UseTokens(src TokenSource, sink TokenSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = src
	c.sink = sink
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tokens == nil {
		return ""
	}
	return c.tokens.Token()
}

// CreateOrder places one order.
func (c *Client) CreateOrder(ctx context.Context, req model.OrderRequest) (model.Order, error) {
	var o model.Order
	err := c.doJSON(ctx, http.MethodPost, "/orders", req, &o)
	return o, err
}

// CreateRechargeRequest uploads a balance recharge request with its transfer receipt image.
func (c *Client) CreateRechargeRequest(ctx context.Context, amount float64, imageName string, image io.Reader) error {
	if amount <= 0 {
		return fmt.Errorf("recharge amount must be positive, got %v", amount)
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("amount", strconv.FormatFloat(amount, 'f', -1, 64)); err != nil {
		return fmt.Errorf("write amount field: %w", err)
	}
	if image != nil {
		if imageName == "" {
			imageName = "transfer.jpg"
		}
		fw, err := mw.CreateFormFile("transfer_image", imageName)
		if err != nil {
			return fmt.Errorf("create image part: %w", err)
		}
		if _, err := io.Copy(fw, image); err != nil {
			return fmt.Errorf("copy image: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/recharges", &buf, mw.FormDataContentType(), nil)
}

// SignIn exchanges credentials for a token and the account.
func (c *Client) SignIn(ctx context.Context, username, password string) (AuthData, error) {
	var out AuthData
	body := map[string]string{"username": username, "password": password}
	if err := c.doJSON(ctx, http.MethodPost, "/auth/signin", body, &out); err != nil {
		return AuthData{}, err
	}
	if out.Token == "" {
		return AuthData{}, &APIError{Status: http.StatusBadGateway, Message: "sign-in response carried no token"}
	}
	return out, nil
}

// SignUp registers a new account.
func (c *Client) SignUp(ctx context.Context, req model.SignUpRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/auth/signup", req, nil)
}

// GetToken refreshes the bearer token and hands it to the sink.
func (c *Client) GetToken(ctx context.Context) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/auth/token", nil, &out); err != nil {
		return "", err
	}
	c.mu.RLock()
	sink := c.sink
	c.mu.RUnlock()
	if sink != nil && out.Token != "" {
		if err := sink.SetToken(out.Token); err != nil {
			return out.Token, fmt.Errorf("store token: %w", err)
		}
	}
	return out.Token, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	return c.do(ctx, method, path, body, "application/json", out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) (err error) {
	ctx, span := obs.Tracer().Start(ctx, "api "+method+" "+path)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	obs.Logger.Debug("api_call",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"latency_ms", float64(time.Since(start).Microseconds())/1000.0,
	)

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode > 299 || decodeErr != nil || !env.Success {
		return newAPIError(resp.StatusCode, env, decodeErr)
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", path, err)
		}
	}
	return nil
}

func newAPIError(status int, env envelope, decodeErr error) *APIError {
	msg := env.Message
	if msg == "" {
		msg = env.Error
	}
	if msg == "" && decodeErr != nil && status >= 200 && status <= 299 {
		msg = "malformed response: " + decodeErr.Error()
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	// A 2xx carrying success=false is an upstream rejection; an undecodable 2xx is a bad gateway.
	if status >= 200 && status <= 299 {
		status = http.StatusUnprocessableEntity
		if decodeErr != nil {
			status = http.StatusBadGateway
		}
	}
	return &APIError{Status: status, Message: msg}
}
