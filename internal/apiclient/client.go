// Package apiclient はストアフロントAPIのGoクライアントを提供する。
//
// 認証はCookieで行い、アクセストークンの期限切れ（401）を受けると
// リフレッシュトークンで1回だけ再発行してリクエストを再送する。
// 同時に401を受けた複数のリクエストは、進行中の1回のリフレッシュ結果を共有する。
package apiclient

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

	"golang.org/x/sync/singleflight"
)

const (
	signupPath  = "/api/auth/signup"
	loginPath   = "/api/auth/login"
	logoutPath  = "/api/auth/logout"
	refreshPath = "/api/auth/refresh-token"
	csrfPath    = "/api/csrf-token"

	csrfCookieName = "csrf_token"
	csrfHeaderName = "X-CSRF-Token"
)

// ErrSessionExpired はリフレッシュに失敗し、ローカルのセッションを破棄したことを表す。
// 呼び出し側は再ログインを促す必要がある。
var ErrSessionExpired = errors.New("session expired")

// Config はクライアントの設定。
type Config struct {
	BaseURL string
	Timeout time.Duration
	// OnSessionExpired はセッション破棄時に1回呼ばれる。
	OnSessionExpired func()
}

// Client はストアフロントAPIクライアント。
// 複数のgoroutineから同時に使用できる。
type Client struct {
	baseURL  *url.URL
	http     *http.Client
	jar      *sessionJar
	onExpire func()

	refreshGroup singleflight.Group

	mu         sync.Mutex
	generation uint64 // リフレッシュ成功ごとに増える
	expired    bool   // リフレッシュに失敗してセッションを破棄した
}

// New はClientを生成する。
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	jar := newSessionJar()
	return &Client{
		baseURL:  base,
		http:     &http.Client{Jar: jar, Timeout: cfg.Timeout},
		jar:      jar,
		onExpire: cfg.OnSessionExpired,
	}, nil
}

// Signup はアカウントを作成し、セッションを開始する。
func (c *Client) Signup(ctx context.Context, name, email, password string) error {
	return c.startSession(ctx, signupPath, map[string]string{
		"name":            name,
		"email":           email,
		"password":        password,
		"confirmPassword": password,
	})
}

// Login はログインし、セッションを開始する。
func (c *Client) Login(ctx context.Context, email, password string) error {
	return c.startSession(ctx, loginPath, map[string]string{
		"email":    email,
		"password": password,
	})
}

func (c *Client) startSession(ctx context.Context, path string, body any) error {
	resp, err := c.send(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	c.mu.Lock()
	c.expired = false
	c.generation++
	c.mu.Unlock()
	return nil
}

// Logout はサーバー側のリフレッシュトークンを失効させ、ローカルのセッションを破棄する。
func (c *Client) Logout(ctx context.Context) error {
	resp, err := c.send(ctx, http.MethodPost, logoutPath, nil)
	c.jar.reset()
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	return nil
}

// Do は認証付きでAPIを呼び出し、結果をoutにデコードする。outがnilの場合はボディを捨てる。
// 401を受けた場合はリフレッシュして1回だけ再送する。
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.doWithRefresh(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) doWithRefresh(ctx context.Context, method, path string, body any) (*http.Response, error) {
	gen, _ := c.state()

	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || isAuthPath(path) {
		return resp, nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if err := c.refresh(ctx, gen); err != nil {
		return nil, err
	}

	// 再送は1回のみ。再び401でもそのまま返す。
	return c.send(ctx, method, path, body)
}

// refresh はアクセストークンを再発行する。
// gen はリクエスト送信時点の世代で、既に他のリクエストがリフレッシュを済ませていれば何もしない。
func (c *Client) refresh(ctx context.Context, gen uint64) error {
	_, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		// 前の実行が完了した直後に呼ばれた場合もここで世代を確認する
		current, expired := c.state()
		if expired {
			return nil, ErrSessionExpired
		}
		if current != gen {
			return nil, nil
		}

		// 待っている他の呼び出し元のために、最初の呼び出し元がキャンセルしても続行する
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.http.Timeout)
		defer cancel()

		resp, err := c.send(rctx, http.MethodPost, refreshPath, nil)
		if err == nil {
			defer resp.Body.Close()
			io.Copy(io.Discard, resp.Body)
			if resp.StatusCode == http.StatusOK {
				c.mu.Lock()
				c.generation++
				c.mu.Unlock()
				return nil, nil
			}
			err = fmt.Errorf("refresh failed with status %d", resp.StatusCode)
		}

		slog.Warn("token refresh failed, clearing session", slog.String("error", err.Error()))
		c.expire()
		return nil, ErrSessionExpired
	})
	return err
}

func (c *Client) state() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation, c.expired
}

func (c *Client) expire() {
	c.jar.reset()
	c.mu.Lock()
	already := c.expired
	c.expired = true
	c.mu.Unlock()
	if !already && c.onExpire != nil {
		c.onExpire()
	}
}

// send はリクエストを1回送信する。状態変更メソッドにはCSRFトークンを付与する。
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if !isSafeMethod(method) {
		token, err := c.csrfToken(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set(csrfHeaderName, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// csrfToken はCookieのCSRFトークンを返す。無ければ取得エンドポイントから発行を受ける。
func (c *Client) csrfToken(ctx context.Context) (string, error) {
	if token := c.jar.cookie(c.baseURL, csrfCookieName); token != "" {
		return token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.String()+csrfPath, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create csrf request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("csrf request failed: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Token == "" {
		return "", fmt.Errorf("failed to obtain csrf token")
	}
	return out.Token, nil
}

// APIError はサーバーが返したエラー応答。
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Category   string `json:"category"`
	Action     string `json:"action"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d [%s]: %s", e.StatusCode, e.Code, e.Message)
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

func isAuthPath(path string) bool {
	switch path {
	case signupPath, loginPath, refreshPath:
		return true
	}
	return false
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
