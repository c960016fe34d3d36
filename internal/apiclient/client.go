// Package apiclient 会话管理 REST 接口的客户端
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ProctorStream/internal/model"
)

// Error 服务端返回的错误响应
type Error struct {
	Op      string
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Code)
}

// Unwrap 还原为 model 中的错误分类
func (e *Error) Unwrap() error {
	return model.ErrorForCode(e.Code)
}

// Client REST 客户端
type Client struct {
	baseURL string
	http    *http.Client
}

// New 创建客户端，baseURL 形如 http://localhost:8080
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// CandidateURL 候选人推流的 websocket 地址
func (c *Client) CandidateURL() (string, error) {
	return c.wsURL("/ws/candidate", nil)
}

// ProctorURL 监考观察的 websocket 地址
func (c *Client) ProctorURL(sessionID string) (string, error) {
	return c.wsURL("/ws/proctor", url.Values{"session_id": {sessionID}})
}

func (c *Client) wsURL(path string, query url.Values) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// CreateSession 创建会话，返回会话 ID
func (c *Client) CreateSession(ctx context.Context, name, email string, duration time.Duration) (string, error) {
	body := map[string]any{
		"name":             name,
		"email":            email,
		"duration_seconds": int64(duration / time.Second),
	}

	var created struct {
		SessionID string `json:"session_id"`
	}
	if err := c.do(ctx, "create session", http.MethodPost, "/api/v1/sessions", body, http.StatusCreated, &created); err != nil {
		return "", err
	}
	return created.SessionID, nil
}

// GetSession 获取会话快照
func (c *Client) GetSession(ctx context.Context, id string) (model.Session, error) {
	var s model.Session
	err := c.do(ctx, "get session", http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id), nil, http.StatusOK, &s)
	return s, err
}

// EndSession 结束会话，返回终止状态
func (c *Client) EndSession(ctx context.Context, id string) (model.Status, error) {
	var resp struct {
		Status model.Status `json:"status"`
	}
	err := c.do(ctx, "end session", http.MethodPost, "/api/v1/sessions/"+url.PathEscape(id)+"/end", nil, http.StatusOK, &resp)
	return resp.Status, err
}

// Export 把审计记录原样写入 w
func (c *Client) Export(ctx context.Context, id, format string, w io.Writer) error {
	path := "/api/v1/sessions/" + url.PathEscape(id) + "/export?format=" + url.QueryEscape(format)

	resp, err := c.send(ctx, "export session", http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError("export session", resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("export session: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in any, want int, out any) error {
	resp, err := c.send(ctx, op, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return decodeError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, op, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return resp, nil
}

func decodeError(op string, resp *http.Response) error {
	e := &Error{Op: op, Status: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		e.Code = body.Code
		e.Message = body.Error
	}
	return e
}
