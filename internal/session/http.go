package session

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
	"time"

	"go.uber.org/zap"

	apperrors "github.com/dante-gpu/dante-messaging/internal/errors"
)

// HTTPClient implements Client against the runtime's REST API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPClient creates a session API client for one runtime.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

type createSessionBody struct {
	Name   string              `json:"name"`
	Start  bool                `json:"start"`
	Config createSessionConfig `json:"config"`
}

type createSessionConfig struct {
	Proxy    *proxyConfig `json:"proxy,omitempty"`
	Metadata Fingerprint  `json:"metadata"`
}

type proxyConfig struct {
	Server   string `json:"server"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type sendTextBody struct {
	Session string `json:"session"`
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
}

type sendTextResponse struct {
	ID string `json:"id"`
}

type versionResponse struct {
	Version string `json:"version"`
}

// Version returns the runtime version. It is the readiness probe.
func (c *HTTPClient) Version(ctx context.Context) (string, error) {
	var v versionResponse
	if err := c.do(ctx, "session.Version", http.MethodGet, "/api/version", nil, &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

// CreateSession creates and starts a session.
func (c *HTTPClient) CreateSession(ctx context.Context, req CreateRequest) error {
	body := createSessionBody{
		Name:  req.Name,
		Start: true,
		Config: createSessionConfig{
			Metadata: req.Fingerprint,
		},
	}
	if req.EgressURL != "" {
		proxy, err := splitProxyURL(req.EgressURL)
		if err != nil {
			return apperrors.Invalid("session.CreateSession", req.Name, "bad egress url: %v", err)
		}
		body.Config.Proxy = proxy
	}

	c.logger.Info("Creating upstream session", zap.String("session", req.Name))
	return c.do(ctx, "session.CreateSession", http.MethodPost, "/api/sessions", body, nil)
}

// GetQR fetches the pairing QR code in raw form.
func (c *HTTPClient) GetQR(ctx context.Context, name string) (*QR, error) {
	var qr QR
	path := fmt.Sprintf("/api/%s/auth/qr?format=raw", url.PathEscape(name))
	if err := c.do(ctx, "session.GetQR", http.MethodGet, path, nil, &qr); err != nil {
		return nil, err
	}
	return &qr, nil
}

// GetStatus returns the session status.
func (c *HTTPClient) GetStatus(ctx context.Context, name string) (*Status, error) {
	var st struct {
		Name   string `json:"name"`
		Status State  `json:"status"`
		Me     *struct {
			ID string `json:"id"`
		} `json:"me"`
	}
	path := "/api/sessions/" + url.PathEscape(name)
	if err := c.do(ctx, "session.GetStatus", http.MethodGet, path, nil, &st); err != nil {
		return nil, err
	}
	out := &Status{Name: st.Name, State: st.Status}
	if st.Me != nil {
		out.Phone = strings.TrimSuffix(st.Me.ID, "@c.us")
	}
	return out, nil
}

// SendText sends a plain text message to a phone number.
func (c *HTTPClient) SendText(ctx context.Context, name, to, text string) (string, error) {
	body := sendTextBody{Session: name, ChatID: chatID(to), Text: text}
	var resp sendTextResponse
	if err := c.do(ctx, "session.SendText", http.MethodPost, "/api/sendText", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// StopSession stops a session without deleting its stored credentials.
func (c *HTTPClient) StopSession(ctx context.Context, name string) error {
	path := "/api/sessions/" + url.PathEscape(name) + "/stop"
	return c.do(ctx, "session.StopSession", http.MethodPost, path, nil, nil)
}

// DeleteSession removes a session and its stored credentials.
func (c *HTTPClient) DeleteSession(ctx context.Context, name string) error {
	path := "/api/sessions/" + url.PathEscape(name)
	return c.do(ctx, "session.DeleteSession", http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		jsonData, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(op, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return classifyStatus(op, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.Rejected(op, path, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// classifyTransportError treats every transport failure as transient: a runtime that is
// still booting refuses connections.
func classifyTransportError(op, entity string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apperrors.Transient(op, entity, err)
}

func classifyStatus(op, entity string, code int, msg string) error {
	cause := fmt.Errorf("status %d: %s", code, msg)
	switch {
	case code == http.StatusNotFound:
		return apperrors.New(op, entity, apperrors.ErrNotFound, cause)
	case code == http.StatusConflict || strings.Contains(strings.ToLower(msg), "already exists"):
		return apperrors.New(op, entity, apperrors.ErrAlreadyExists, cause)
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return apperrors.Transient(op, entity, cause)
	default:
		return apperrors.Rejected(op, entity, cause)
	}
}

// splitProxyURL moves credentials out of the proxy URL into separate fields, the shape
// the session API expects.
func splitProxyURL(raw string) (*proxyConfig, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}
	p := &proxyConfig{Server: u.Scheme + "://" + u.Host}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	return p, nil
}

func chatID(phone string) string {
	if strings.Contains(phone, "@") {
		return phone
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	return digits + "@c.us"
}
