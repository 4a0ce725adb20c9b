// internal/driver/uiautomator2/client.go
package uiautomator2

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client speaks the uiautomator2 server's HTTP protocol. One client per
// device; the session is created lazily on first use and reused.
type Client struct {
	http      *http.Client
	baseURL   string
	sessionID string
	logger    *zap.Logger
}

// NewClient creates a client for the server at baseURL, typically a
// forwarded adb port like http://127.0.0.1:6790.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.Named("ua2"),
	}
}

// request performs one HTTP round trip against the server.
func (c *Client) request(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	start := time.Now()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.logger.Debug("Driver request failed",
			zap.String("method", method), zap.String("path", path),
			zap.Duration("elapsed", elapsed), zap.Error(err))
		return nil, fmt.Errorf("driver request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read driver response: %w", err)
	}

	c.logger.Debug("Driver request",
		zap.String("method", method), zap.String("path", path),
		zap.Int("status", resp.StatusCode), zap.Duration("elapsed", elapsed))

	if resp.StatusCode >= 400 {
		var errResp response
		if json.Unmarshal(respBody, &errResp) == nil {
			if errVal, ok := errResp.Value.(map[string]interface{}); ok {
				errMsg, _ := errVal["message"].(string)
				errType, _ := errVal["error"].(string)
				return nil, fmt.Errorf("driver error %s: %s", errType, errMsg)
			}
		}
		return nil, fmt.Errorf("driver server error %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// sessionPath prefixes path with the active session.
func (c *Client) sessionPath(path string) string {
	return fmt.Sprintf("/session/%s%s", c.sessionID, path)
}

// Status reports whether the server is ready.
func (c *Client) Status(ctx context.Context) (bool, error) {
	data, err := c.request(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return false, err
	}
	var resp struct {
		Value struct {
			Ready bool `json:"ready"`
		} `json:"value"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return false, fmt.Errorf("failed to parse status: %w", err)
	}
	return resp.Value.Ready, nil
}

// ensureSession creates the automation session on first use.
func (c *Client) ensureSession(ctx context.Context) error {
	if c.sessionID != "" {
		return nil
	}
	data, err := c.request(ctx, http.MethodPost, "/session", sessionRequest{
		Capabilities: capabilities{PlatformName: "Android"},
	})
	if err != nil {
		return err
	}
	var resp struct {
		SessionID string `json:"sessionId"`
		Value     struct {
			SessionID string `json:"sessionId"`
		} `json:"value"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("failed to parse session response: %w", err)
	}
	c.sessionID = resp.SessionID
	if c.sessionID == "" {
		c.sessionID = resp.Value.SessionID
	}
	if c.sessionID == "" {
		return fmt.Errorf("server returned no session id")
	}
	c.logger.Info("Automation session created", zap.String("session_id", c.sessionID))
	return nil
}

// Close tears down the automation session if one exists.
func (c *Client) Close(ctx context.Context) error {
	if c.sessionID == "" {
		return nil
	}
	_, err := c.request(ctx, http.MethodDelete, c.sessionPath(""), nil)
	c.sessionID = ""
	return err
}

// Source returns the current UI hierarchy XML.
func (c *Client) Source(ctx context.Context) (string, error) {
	if err := c.ensureSession(ctx); err != nil {
		return "", err
	}
	data, err := c.request(ctx, http.MethodGet, c.sessionPath("/source"), nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("failed to parse source response: %w", err)
	}
	return resp.Value, nil
}

// stringValue calls a GET endpoint whose value is a plain string.
func (c *Client) stringValue(ctx context.Context, path string) (string, error) {
	if err := c.ensureSession(ctx); err != nil {
		return "", err
	}
	data, err := c.request(ctx, http.MethodGet, c.sessionPath(path), nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("failed to parse %s response: %w", path, err)
	}
	return resp.Value, nil
}

// CurrentActivity returns the foreground activity name.
func (c *Client) CurrentActivity(ctx context.Context) (string, error) {
	return c.stringValue(ctx, "/appium/device/current_activity")
}

// CurrentPackage returns the foreground package name.
func (c *Client) CurrentPackage(ctx context.Context) (string, error) {
	return c.stringValue(ctx, "/appium/device/current_package")
}

// Click taps absolute screen coordinates.
func (c *Client) Click(ctx context.Context, x, y int) error {
	if err := c.ensureSession(ctx); err != nil {
		return err
	}
	_, err := c.request(ctx, http.MethodPost, c.sessionPath("/appium/gestures/click"),
		clickRequest{Offset: &pointModel{X: x, Y: y}})
	return err
}

// LongClick presses and holds at absolute screen coordinates.
func (c *Client) LongClick(ctx context.Context, x, y int, duration time.Duration) error {
	if err := c.ensureSession(ctx); err != nil {
		return err
	}
	_, err := c.request(ctx, http.MethodPost, c.sessionPath("/appium/gestures/long_click"),
		longClickRequest{
			Offset:   &pointModel{X: x, Y: y},
			Duration: int(duration.Milliseconds()),
		})
	return err
}

// SwipeInArea performs a directional swipe within the given rectangle.
func (c *Client) SwipeInArea(ctx context.Context, area rectModel, direction string, percent float64) error {
	if err := c.ensureSession(ctx); err != nil {
		return err
	}
	_, err := c.request(ctx, http.MethodPost, c.sessionPath("/appium/gestures/swipe"),
		swipeRequest{Area: &area, Direction: direction, Percent: percent})
	return err
}

// SendKeys types text into the currently focused element.
func (c *Client) SendKeys(ctx context.Context, text string) error {
	if err := c.ensureSession(ctx); err != nil {
		return err
	}
	_, err := c.request(ctx, http.MethodPost, c.sessionPath("/keys"), keysRequest{Text: text})
	return err
}

// Back presses the hardware back key.
func (c *Client) Back(ctx context.Context) error {
	if err := c.ensureSession(ctx); err != nil {
		return err
	}
	_, err := c.request(ctx, http.MethodPost, c.sessionPath("/back"), nil)
	return err
}
